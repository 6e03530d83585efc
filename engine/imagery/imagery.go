// Package imagery renders a keyframe's camera frames with its key objects
// boxed and labelled, ready to attach to a model request.
package imagery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/vivitsaS/drive-qa/engine/dataset"
	"github.com/vivitsaS/drive-qa/engine/domain"
	"github.com/vivitsaS/drive-qa/pkg/fn"
)

// MIMEType of every rendered frame.
const MIMEType = "image/png"

// Frame is one annotated camera image.
type Frame struct {
	Camera   string `json:"camera"`
	Path     string `json:"path"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"-"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Objects  int    `json:"objects"`
}

// Set is the outcome of annotating one keyframe. Skipped maps a camera to the
// reason its frame could not be rendered.
type Set struct {
	Frames  []Frame
	Skipped map[string]string
}

// Options configures an Annotator.
type Options struct {
	// ImageRoot replaces PathPrefix in dataset image paths.
	ImageRoot  string
	PathPrefix string
	// MaxEdge bounds the longer side of an output frame; 0 keeps the source size.
	MaxEdge int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ImageRoot:  "data/v1.0-mini",
		PathPrefix: "../nuscenes/",
		MaxEdge:    1024,
	}
}

var (
	boxColor   = color.RGBA{R: 255, A: 255}
	labelBG    = color.RGBA{A: 200}
	labelColor = color.White
)

const boxThickness = 2

// Annotator draws key objects onto camera frames.
type Annotator struct {
	opts   Options
	logger *slog.Logger
}

// New creates an Annotator.
func New(opts Options, logger *slog.Logger) *Annotator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PathPrefix == "" {
		opts.PathPrefix = DefaultOptions().PathPrefix
	}
	return &Annotator{opts: opts, logger: logger.With("component", "imagery")}
}

// Resolve maps a dataset image path onto the local image root.
func (a *Annotator) Resolve(p string) string {
	if strings.HasPrefix(p, a.opts.PathPrefix) {
		return filepath.Join(a.opts.ImageRoot, filepath.FromSlash(strings.TrimPrefix(p, a.opts.PathPrefix)))
	}
	if filepath.IsAbs(p) || a.opts.ImageRoot == "" {
		return filepath.FromSlash(p)
	}
	return filepath.Join(a.opts.ImageRoot, filepath.FromSlash(p))
}

// Annotate renders every camera frame of kf in camera order. Unreadable frames
// are skipped and reported in Set.Skipped; if none render the error wraps
// domain.ErrPartialData.
func (a *Annotator) Annotate(ctx context.Context, kf *dataset.Keyframe) (*Set, error) {
	cams := dataset.ImageCameras(kf.ImagePaths)
	set := &Set{Skipped: make(map[string]string)}
	if len(cams) == 0 {
		return set, domain.Errorf(domain.ErrPartialData, "annotate", "keyframe %s has no camera images", kf.Token)
	}

	byCam := make(map[string][]dataset.KeyObject)
	for _, obj := range kf.KeyObjects {
		byCam[obj.Camera] = append(byCam[obj.Camera], obj)
	}

	results := fn.ParMap(cams, len(cams), func(cam string) fn.Result[Frame] {
		if err := ctx.Err(); err != nil {
			return fn.Err[Frame](err)
		}
		return fn.FromPair(a.render(cam, a.Resolve(kf.ImagePaths[cam]), byCam[cam]))
	})

	for i, r := range results {
		f, err := r.Unwrap()
		if err != nil {
			set.Skipped[cams[i]] = err.Error()
			a.logger.Warn("frame skipped", "keyframe", kf.Token, "camera", cams[i], "err", err)
			continue
		}
		set.Frames = append(set.Frames, f)
	}
	if len(set.Frames) == 0 {
		return set, domain.Errorf(domain.ErrPartialData, "annotate", "no frames rendered for keyframe %s", kf.Token)
	}
	return set, nil
}

func (a *Annotator) render(cam, path string, objs []dataset.KeyObject) (Frame, error) {
	src, err := decode(path)
	if err != nil {
		return Frame{}, err
	}
	b := src.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Copy(canvas, image.Point{}, src, b, draw.Src, nil)

	drawn := 0
	for _, obj := range objs {
		if drawBox(canvas, obj) {
			drawn++
		}
	}

	out := downscale(canvas, a.opts.MaxEdge)
	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return Frame{}, fmt.Errorf("imagery: encode %s: %w", cam, err)
	}
	return Frame{
		Camera:   cam,
		Path:     path,
		MIMEType: MIMEType,
		Data:     buf.Bytes(),
		Width:    out.Bounds().Dx(),
		Height:   out.Bounds().Dy(),
		Objects:  drawn,
	}, nil
}

func decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("imagery: open: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("imagery: decode %s: %w", path, err)
	}
	return img, nil
}

// drawBox outlines obj clamped to the canvas and labels it. It reports false
// when the clamped box has no area.
func drawBox(dst *image.RGBA, obj dataset.KeyObject) bool {
	r := image.Rect(int(obj.BBox[0]), int(obj.BBox[1]), int(obj.BBox[2]), int(obj.BBox[3])).Intersect(dst.Bounds())
	if r.Empty() {
		return false
	}
	c := image.NewUniform(boxColor)
	for _, edge := range []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+boxThickness),
		image.Rect(r.Min.X, r.Max.Y-boxThickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+boxThickness, r.Max.Y),
		image.Rect(r.Max.X-boxThickness, r.Min.Y, r.Max.X, r.Max.Y),
	} {
		draw.Draw(dst, edge.Intersect(r), c, image.Point{}, draw.Src)
	}
	drawLabel(dst, r, Label(obj))
	return true
}

// Label is the caption drawn next to a key object's box.
func Label(obj dataset.KeyObject) string {
	label := obj.Category
	if obj.ID != "" {
		label = obj.ID + " " + label
	}
	if obj.Description != "" {
		label += ": " + obj.Description
	}
	return label
}

func drawLabel(dst *image.RGBA, box image.Rectangle, label string) {
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(labelColor), Face: face}
	w := d.MeasureString(label).Ceil()
	h := face.Metrics().Height.Ceil()
	bounds := dst.Bounds()

	// above the box, else below it, else inside its top edge
	x, y := box.Min.X, box.Min.Y-4
	if y-h < bounds.Min.Y {
		y = box.Max.Y + h + 2
	}
	if y > bounds.Max.Y {
		y = box.Min.Y + h + 2
	}
	if x+w > bounds.Max.X {
		x = bounds.Max.X - w - 2
	}
	if x < bounds.Min.X {
		x = bounds.Min.X + 2
	}

	bg := image.Rect(x-1, y-h+2, x+w+1, y+3).Intersect(bounds)
	draw.Draw(dst, bg, image.NewUniform(labelBG), image.Point{}, draw.Over)
	d.Dot = fixed.P(x, y)
	d.DrawString(label)
}

func downscale(src *image.RGBA, maxEdge int) image.Image {
	b := src.Bounds()
	long := max(b.Dx(), b.Dy())
	if maxEdge <= 0 || long <= maxEdge {
		return src
	}
	scale := float64(maxEdge) / float64(long)
	w := max(1, int(float64(b.Dx())*scale))
	h := max(1, int(float64(b.Dy())*scale))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// IsPartial reports whether err only signals missing imagery.
func IsPartial(err error) bool { return errors.Is(err, domain.ErrPartialData) }

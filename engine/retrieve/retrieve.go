// Package retrieve gathers the context facets of one (scene, keyframe) pair
// into a Bundle: vehicle history, sensor snapshot, annotated imagery, keyframe
// info, and the addressed QA pair.
package retrieve

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vivitsaS/drive-qa/engine/dataset"
	"github.com/vivitsaS/drive-qa/engine/domain"
	"github.com/vivitsaS/drive-qa/engine/imagery"
	"github.com/vivitsaS/drive-qa/pkg/fn"
)

// Store is the data access the Retriever needs. *dataset.Store implements it.
type Store interface {
	ResolveScene(ref domain.Ref) (*dataset.Scene, error)
	Keyframe(sceneRef, kfRef domain.Ref) (*dataset.Keyframe, error)
	VehicleHistory(sceneRef domain.Ref, upTo int) (*dataset.History, error)
	SensorSnapshot(sceneRef, kfRef domain.Ref) (*dataset.SensorSnapshot, error)
	QAPair(sceneRef, kfRef domain.Ref, cat domain.Category, serial int) (dataset.QAPair, error)
}

// Annotator renders camera frames. *imagery.Annotator implements it.
type Annotator interface {
	Annotate(ctx context.Context, kf *dataset.Keyframe) (*imagery.Set, error)
}

// Facet names one part of a Bundle.
type Facet string

const (
	FacetVehicle  Facet = "vehicle"
	FacetSensor   Facet = "sensor"
	FacetImagery  Facet = "imagery"
	FacetKeyframe Facet = "keyframe_info"
	FacetQAPair   Facet = "qa_pair"
)

// OptionalFacets may be missing from a Bundle without failing it.
var OptionalFacets = []Facet{FacetVehicle, FacetSensor, FacetImagery}

// Metadata keys set on FullContext results.
const (
	MetaFacets        = "facets"
	MetaMissing       = "missing"
	MetaFacetErrors   = "facet_errors"
	MetaSceneToken    = "scene_token"
	MetaKeyframeToken = "keyframe_token"
	MetaFacet         = "facet"
)

// Options configures a Retriever.
type Options struct {
	// ContextWindow is how many of the most recent vehicle states a bundle carries.
	ContextWindow int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{ContextWindow: 6}
}

// Request addresses one QA pair.
type Request struct {
	Scene    domain.Ref
	Keyframe domain.Ref
	Category domain.Category
	Serial   int
}

// VehicleContext is the trajectory facet.
type VehicleContext struct {
	Summary dataset.TrajectorySummary `json:"summary"`
	Recent  []dataset.VehicleState    `json:"recent"`
	Total   int                       `json:"total"`
}

// KeyframeInfo is the keyframe facet.
type KeyframeInfo struct {
	Scene      dataset.SceneInfo   `json:"scene"`
	Serial     int                 `json:"serial"`
	Token      string              `json:"token"`
	Timestamp  int64               `json:"timestamp"`
	QACounts   map[string]int      `json:"qa_counts"`
	Cameras    []string            `json:"cameras"`
	KeyObjects []dataset.KeyObject `json:"key_objects"`
}

// Bundle is the per-request context. Optional facets are nil or empty when missing.
type Bundle struct {
	Scene    dataset.SceneInfo       `json:"scene"`
	Keyframe KeyframeInfo            `json:"keyframe"`
	Vehicle  *VehicleContext         `json:"vehicle,omitempty"`
	Sensor   *dataset.SensorSnapshot `json:"sensor,omitempty"`
	Frames   []imagery.Frame         `json:"frames,omitempty"`
	QA       dataset.QAPair          `json:"qa"`
	Facets   map[Facet]bool          `json:"facets"`
	Missing  []Facet                 `json:"missing,omitempty"`
}

// Has reports whether facet f is available.
func (b *Bundle) Has(f Facet) bool { return b.Facets[f] }

// Retriever builds context bundles from the data access layer.
type Retriever struct {
	store  Store
	images Annotator
	opts   Options
	logger *slog.Logger
}

// New creates a Retriever. A nil Annotator disables the imagery facet.
func New(store Store, images Annotator, opts Options, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = DefaultOptions().ContextWindow
	}
	return &Retriever{store: store, images: images, opts: opts, logger: logger.With("component", "retrieve")}
}

// Vehicle returns the trajectory up to the keyframe, trimmed to the context window.
func (r *Retriever) Vehicle(_ context.Context, scene, kf domain.Ref) fn.Result[*VehicleContext] {
	k, err := r.store.Keyframe(scene, kf)
	if err != nil {
		return fn.Err[*VehicleContext](err)
	}
	h, err := r.store.VehicleHistory(scene, k.Serial)
	if err != nil {
		return fn.Err[*VehicleContext](err)
	}
	if len(h.States) == 0 {
		return fn.Warn(&VehicleContext{Summary: h.Summary}, "no ego poses up to keyframe")
	}
	return fn.Ok(&VehicleContext{Summary: h.Summary, Recent: h.Recent(r.opts.ContextWindow), Total: len(h.States)})
}

// Sensor returns the sensor snapshot of the keyframe.
func (r *Retriever) Sensor(_ context.Context, scene, kf domain.Ref) fn.Result[*dataset.SensorSnapshot] {
	return fn.FromPair(r.store.SensorSnapshot(scene, kf))
}

// Imagery renders the keyframe's camera frames. Missing or unreadable frames
// give a warning, not an error.
func (r *Retriever) Imagery(ctx context.Context, scene, kf domain.Ref) fn.Result[*imagery.Set] {
	k, err := r.store.Keyframe(scene, kf)
	if err != nil {
		return fn.Err[*imagery.Set](err)
	}
	if r.images == nil {
		return fn.Warn(&imagery.Set{}, "imagery disabled")
	}
	set, err := r.images.Annotate(ctx, k)
	if set == nil {
		set = &imagery.Set{}
	}
	switch {
	case err != nil && imagery.IsPartial(err):
		return fn.Warn(set, err.Error(), fn.Meta{"skipped": set.Skipped})
	case err != nil:
		return fn.Err[*imagery.Set](err)
	case len(set.Skipped) > 0:
		return fn.Warn(set, fmt.Sprintf("%d camera frames skipped", len(set.Skipped)), fn.Meta{"skipped": set.Skipped})
	}
	return fn.Ok(set)
}

// QAPair returns the addressed QA pair.
func (r *Retriever) QAPair(_ context.Context, scene, kf domain.Ref, cat domain.Category, serial int) fn.Result[dataset.QAPair] {
	return fn.FromPair(r.store.QAPair(scene, kf, cat, serial))
}

// KeyframeInfo describes the keyframe and its scene.
func (r *Retriever) KeyframeInfo(_ context.Context, scene, kf domain.Ref) fn.Result[KeyframeInfo] {
	sc, err := r.store.ResolveScene(scene)
	if err != nil {
		return fn.Err[KeyframeInfo](err)
	}
	k, err := r.store.Keyframe(scene, kf)
	if err != nil {
		return fn.Err[KeyframeInfo](err)
	}
	return fn.Ok(keyframeInfo(sc, k))
}

func keyframeInfo(sc *dataset.Scene, k *dataset.Keyframe) KeyframeInfo {
	info := KeyframeInfo{
		Scene:      sc.Info(),
		Serial:     k.Serial,
		Token:      k.Token,
		Timestamp:  k.Timestamp,
		QACounts:   make(map[string]int, len(domain.Categories)),
		KeyObjects: k.KeyObjects,
	}
	for cat, n := range k.QACounts() {
		info.QACounts[cat.String()] = n
	}
	info.Cameras = dataset.ImageCameras(k.ImagePaths)
	return info
}

type facetOutcome struct {
	facet Facet
	ok    bool
	msg   string
}

func outcome[T any](f Facet, r fn.Result[T]) facetOutcome {
	if r.IsOk() && !r.IsWarning() {
		return facetOutcome{facet: f, ok: true}
	}
	return facetOutcome{facet: f, msg: r.Message()}
}

// FullContext gathers every facet for req. The keyframe and QA pair are
// required; any other facet that fails is left empty and the result is a
// warning naming it in metadata.
func (r *Retriever) FullContext(ctx context.Context, req Request) fn.Result[*Bundle] {
	sc, err := r.store.ResolveScene(req.Scene)
	if err != nil {
		return fn.Err[*Bundle](err, fn.Meta{MetaFacet: string(FacetKeyframe)})
	}
	k, err := r.store.Keyframe(req.Scene, req.Keyframe)
	if err != nil {
		return fn.Err[*Bundle](err, fn.Meta{MetaFacet: string(FacetKeyframe)})
	}
	tokens := fn.Meta{MetaSceneToken: sc.Token, MetaKeyframeToken: k.Token}

	// Address by token from here on so facets cannot drift to another keyframe.
	scene, kf := domain.TokenRef(sc.Token), domain.TokenRef(k.Token)

	qa := r.QAPair(ctx, scene, kf, req.Category, req.Serial)
	if qa.IsErr() {
		return fn.Forward[*Bundle](qa).WithMeta(tokens).WithMeta(fn.Meta{MetaFacet: string(FacetQAPair)})
	}

	b := &Bundle{
		Scene:    sc.Info(),
		Keyframe: keyframeInfo(sc, k),
		QA:       qa.Must(),
		Facets:   map[Facet]bool{FacetQAPair: true, FacetKeyframe: true},
	}

	outcomes := fn.FanOut(
		func() facetOutcome {
			res := r.Vehicle(ctx, scene, kf)
			o := outcome(FacetVehicle, res)
			if o.ok {
				b.Vehicle = res.Must()
			}
			return o
		},
		func() facetOutcome {
			res := r.Sensor(ctx, scene, kf)
			b.Sensor = res.UnwrapOr(nil)
			return outcome(FacetSensor, res)
		},
		func() facetOutcome {
			res := r.Imagery(ctx, scene, kf)
			if set := res.UnwrapOr(nil); set != nil {
				b.Frames = set.Frames
			}
			o := outcome(FacetImagery, res)
			o.ok = len(b.Frames) > 0
			return o
		},
	)

	facetErrors := make(map[string]string)
	for _, o := range outcomes {
		b.Facets[o.facet] = o.ok
		if !o.ok {
			b.Missing = append(b.Missing, o.facet)
		}
		if o.msg != "" {
			facetErrors[string(o.facet)] = o.msg
		}
	}

	names := make([]string, len(b.Missing))
	for i, f := range b.Missing {
		names[i] = string(f)
	}
	avail := make(map[string]bool, len(b.Facets))
	for f, ok := range b.Facets {
		avail[string(f)] = ok
	}
	meta := fn.Meta{MetaFacets: avail, MetaMissing: names}
	if len(facetErrors) > 0 {
		meta[MetaFacetErrors] = facetErrors
	}
	if len(b.Missing) == 0 {
		return fn.Ok(b, tokens, meta)
	}

	msg := "partial context: " + strings.Join(names, ", ") + " unavailable"
	r.logger.Warn("partial context", "scene", sc.Token, "keyframe", k.Token, "missing", names)
	return fn.Warn(b, msg, tokens, meta)
}

package prompt

import (
	"fmt"

	"github.com/vivitsaS/drive-qa/engine/retrieve"
)

// Part is one element of a model request: a text segment or an image. An
// image carries its bytes inline, or a Path to load them from.
type Part struct {
	Text     string `json:"text,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	Data     []byte `json:"-"`
	Path     string `json:"path,omitempty"`
}

// Text returns a text Part.
func Text(s string) Part { return Part{Text: s} }

// Image returns an inline image Part.
func Image(mime string, data []byte) Part { return Part{MIMEType: mime, Data: data} }

// ImageFile returns an image Part to be loaded from path.
func ImageFile(mime, path string) Part { return Part{MIMEType: mime, Path: path} }

// IsImage reports whether p is an image reference.
func (p Part) IsImage() bool { return p.MIMEType != "" }

// FrameLabel is the caption that precedes a camera image.
func FrameLabel(camera string) string {
	return fmt.Sprintf("Camera %s (annotated):", camera)
}

// BuildContentParts returns the prompt text followed, for each frame in
// camera order, by its label and image. A bundle without frames gives a
// single text part.
func BuildContentParts(b *retrieve.Bundle) []Part {
	parts := make([]Part, 0, 1+2*len(b.Frames))
	parts = append(parts, Text(BuildPrompt(b)))
	for _, f := range b.Frames {
		parts = append(parts, Text(FrameLabel(f.Camera)), Image(f.MIMEType, f.Data))
	}
	return parts
}

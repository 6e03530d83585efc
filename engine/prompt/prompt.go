// Package prompt turns a context bundle into a model request: a deterministic
// text prompt followed by annotated camera frames in camera order.
package prompt

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/vivitsaS/drive-qa/engine/dataset"
	"github.com/vivitsaS/drive-qa/engine/domain"
	"github.com/vivitsaS/drive-qa/engine/retrieve"
	"github.com/vivitsaS/drive-qa/pkg/fn"
)

const rolePreamble = `You are an autonomous driving assistant analysing one keyframe of a recorded driving scene.

Ground rules:
- The "ego vehicle" is the car the data was recorded from. It carries six cameras (front, front-left, front-right, back, back-left, back-right), a roof LiDAR and radars.
- The ego vehicle drives in its own lane. Objects on shoulders, medians or adjacent lanes are not in its path.
- Solid white lines usually mark road edges; dashed white lines separate lanes going the same direction.
- Cones, barriers or parked objects on the shoulder do not block the ego vehicle unless they extend into its lane.
- The ego vehicle normally keeps its lane; anything else counts as risky driving.
- Objects are referred to by tags like <c1,CAM_FRONT,1088.3,497.5>: id, camera, and pixel centre in that camera.`

const answerInstructions = `Answer the question concisely and accurately from the data above and the attached images.
Consider lane position and driving context. If the data cannot support an answer, say so.`

// maxDetections bounds the detected-object list; the rest are summarised.
const maxDetections = 25

// Retriever builds context bundles. *retrieve.Retriever implements it.
type Retriever interface {
	FullContext(ctx context.Context, req retrieve.Request) fn.Result[*retrieve.Bundle]
}

// Assembler builds request content from retrieved context.
type Assembler struct {
	ret Retriever
}

// New creates an Assembler.
func New(ret Retriever) *Assembler {
	return &Assembler{ret: ret}
}

// BuildContext retrieves the bundle for one QA pair.
func (a *Assembler) BuildContext(ctx context.Context, scene, kf domain.Ref, cat domain.Category, serial int) fn.Result[*retrieve.Bundle] {
	return a.ret.FullContext(ctx, retrieve.Request{Scene: scene, Keyframe: kf, Category: cat, Serial: serial})
}

// Rendered is a retrieved bundle with the prompt text it renders to.
type Rendered struct {
	Bundle *retrieve.Bundle `json:"bundle"`
	Prompt string           `json:"prompt"`
}

// Render retrieves the context for q and renders its prompt. A non-blank
// q.Question replaces the dataset question; retrieval warnings carry over.
func (a *Assembler) Render(ctx context.Context, q domain.Query) fn.Result[Rendered] {
	retrieveStage := fn.Stage[domain.Query, *retrieve.Bundle](a.queryContext)
	return fn.Then(retrieveStage, fn.MapStage(render))(ctx, q)
}

func (a *Assembler) queryContext(ctx context.Context, q domain.Query) fn.Result[*retrieve.Bundle] {
	res := a.BuildContext(ctx, q.Scene, q.Keyframe, q.Category, q.Serial)
	question := strings.TrimSpace(q.Question)
	if question == "" {
		return res
	}
	return fn.MapResult(res, func(b *retrieve.Bundle) *retrieve.Bundle { return WithQuestion(b, question) })
}

func render(b *retrieve.Bundle) Rendered {
	return Rendered{Bundle: b, Prompt: BuildPrompt(b)}
}

// WithQuestion returns a copy of b asking question instead of the dataset's.
func WithQuestion(b *retrieve.Bundle, question string) *retrieve.Bundle {
	cp := *b
	cp.QA.Question = question
	return &cp
}

// BuildPrompt renders b as prompt text. It is pure: equal bundles give
// byte-identical prompts.
func BuildPrompt(b *retrieve.Bundle) string {
	var sb strings.Builder
	sb.WriteString(rolePreamble)
	sb.WriteString("\n\n")
	writeScene(&sb, b)
	writeKeyframe(&sb, b)
	writeVehicle(&sb, b)
	writeDetections(&sb, b)
	writeKeyObjects(&sb, b)

	sb.WriteString("## Question\n")
	fmt.Fprintf(&sb, "Category: %s\n", b.QA.Category)
	sb.WriteString(strings.TrimSpace(b.QA.Question))
	sb.WriteString("\n\n## Instructions\n")
	sb.WriteString(answerInstructions)
	sb.WriteString("\n")
	return sb.String()
}

func writeScene(sb *strings.Builder, b *retrieve.Bundle) {
	sb.WriteString("## Scene\n")
	fmt.Fprintf(sb, "Name: %s (serial %d, token %s)\n", b.Scene.Name, b.Scene.Serial, b.Scene.Token)
	if d := strings.TrimSpace(b.Scene.Description); d != "" {
		fmt.Fprintf(sb, "Description: %s\n", d)
	}
	fmt.Fprintf(sb, "Samples: %d, keyframes: %d\n\n", b.Scene.Samples, b.Scene.Keyframes)
}

func writeKeyframe(sb *strings.Builder, b *retrieve.Bundle) {
	kf := b.Keyframe
	sb.WriteString("## Keyframe\n")
	fmt.Fprintf(sb, "Keyframe %d of %d (token %s, timestamp %d)\n", kf.Serial, b.Scene.Keyframes, kf.Token, kf.Timestamp)
	if len(kf.Cameras) > 0 {
		fmt.Fprintf(sb, "Cameras with images: %s\n", strings.Join(kf.Cameras, ", "))
	}
	sb.WriteString("\n")
}

func writeVehicle(sb *strings.Builder, b *retrieve.Bundle) {
	sb.WriteString("## Ego vehicle trajectory\n")
	if b.Vehicle == nil {
		sb.WriteString("Unavailable.\n\n")
		return
	}
	s := b.Vehicle.Summary
	fmt.Fprintf(sb, "Over %d samples (%.2f s, %.2f m): avg speed %.2f m/s, max speed %.2f m/s, avg acceleration %.2f m/s², max acceleration %.2f m/s², avg curvature %.4f rad/m\n",
		s.States, s.Duration, s.Distance, s.AvgSpeed, s.MaxSpeed, s.AvgAcceleration, s.MaxAcceleration, s.AvgCurvature)
	fmt.Fprintf(sb, "Segments: %d turning, %d straight, %d stopping\n", s.Turning, s.Straight, s.Stopping)
	if len(b.Vehicle.Recent) > 0 {
		fmt.Fprintf(sb, "Most recent %d states (t relative to keyframe):\n", len(b.Vehicle.Recent))
		sb.WriteString("| t (s) | x (m) | y (m) | heading (rad) | speed (m/s) | accel (m/s²) | motion |\n")
		last := b.Vehicle.Recent[len(b.Vehicle.Recent)-1].Timestamp
		for _, st := range b.Vehicle.Recent {
			fmt.Fprintf(sb, "| %.2f | %.2f | %.2f | %.3f | %.2f | %.2f | %s |\n",
				float64(st.Timestamp-last)/1e6, st.Position[0], st.Position[1], st.Heading, st.Speed, st.Acceleration, st.Segment)
		}
	}
	sb.WriteString("\n")
}

func writeDetections(sb *strings.Builder, b *retrieve.Bundle) {
	sb.WriteString("## Detected objects\n")
	if b.Sensor == nil {
		sb.WriteString("Unavailable.\n\n")
		return
	}
	snap := b.Sensor
	fmt.Fprintf(sb, "%d annotated objects; LiDAR points %d on %d objects; radar points %d on %d objects\n",
		len(snap.Detections), snap.LidarPoints, snap.ObjectsWithLidar, snap.RadarPoints, snap.ObjectsWithRadar)
	if len(snap.CategoryCounts) > 0 {
		fmt.Fprintf(sb, "By category: %s\n", joinCounts(snap.CategoryCounts))
	}
	if len(snap.Visibility) > 0 {
		fmt.Fprintf(sb, "By visibility: %s\n", joinCounts(snap.Visibility))
	}

	dets := SortDetections(snap.Detections)
	shown := dets
	if len(shown) > maxDetections {
		shown = shown[:maxDetections]
	}
	for _, d := range shown {
		fmt.Fprintf(sb, "- %s at %.1f m, size %.1fx%.1fx%.1f m, visibility %s, lidar %d, radar %d",
			d.Category, d.Distance, d.Size[0], d.Size[1], d.Size[2], d.Visibility, d.LidarPoints, d.RadarPoints)
		if len(d.Attributes) > 0 {
			fmt.Fprintf(sb, " [%s]", strings.Join(d.Attributes, ", "))
		}
		sb.WriteString("\n")
	}
	if n := len(dets) - len(shown); n > 0 {
		fmt.Fprintf(sb, "... and %d more farther away\n", n)
	}
	sb.WriteString("\n")
}

func writeKeyObjects(sb *strings.Builder, b *retrieve.Bundle) {
	objs := SortKeyObjects(b.Keyframe.KeyObjects)
	if len(objs) == 0 {
		return
	}
	sb.WriteString("## Key objects\n")
	for _, o := range objs {
		fmt.Fprintf(sb, "- %s %s, %s: %s (box %.0f,%.0f,%.0f,%.0f)\n",
			o.Tag, o.Category, strings.ToLower(o.Status), o.Description, o.BBox[0], o.BBox[1], o.BBox[2], o.BBox[3])
	}
	sb.WriteString("\n")
}

// SortDetections returns a copy ordered by distance, then category, then token.
func SortDetections(in []dataset.Detection) []dataset.Detection {
	out := append([]dataset.Detection(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Token < out[j].Token
	})
	return out
}

// SortKeyObjects returns a copy ordered by camera position, then tag.
func SortKeyObjects(in []dataset.KeyObject) []dataset.KeyObject {
	out := append([]dataset.KeyObject(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := dataset.CameraIndex(out[i].Camera), dataset.CameraIndex(out[j].Camera)
		if ci != cj {
			return ci < cj
		}
		if out[i].Camera != out[j].Camera {
			return out[i].Camera < out[j].Camera
		}
		return out[i].Tag < out[j].Tag
	})
	return out
}

func joinCounts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[k])
	}
	return strings.Join(parts, ", ")
}

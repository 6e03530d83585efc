package dataset

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Segment thresholds.
const (
	TurningCurvature = 0.01 // rad/m
	StoppingSpeed    = 0.5  // m/s
)

// Segment classifies the motion at one state.
type Segment string

const (
	SegmentTurning  Segment = "turning"
	SegmentStopping Segment = "stopping"
	SegmentStraight Segment = "straight"
)

// VehicleState is the derived ego motion at one sample.
type VehicleState struct {
	SampleToken     string     `json:"sample_token"`
	Timestamp       int64      `json:"timestamp"`
	Keyframe        bool       `json:"keyframe"`
	Position        [3]float64 `json:"position"`
	Heading         float64    `json:"heading"` // rad
	Velocity        [3]float64 `json:"velocity"`
	Speed           float64    `json:"speed"`
	Acceleration    float64    `json:"acceleration"`
	AngularVelocity float64    `json:"angular_velocity"`
	Curvature       float64    `json:"curvature"`
	Segment         Segment    `json:"segment"`
}

// TrajectorySummary aggregates a run of VehicleStates.
type TrajectorySummary struct {
	States          int     `json:"states"`
	Distance        float64 `json:"distance"` // m
	Duration        float64 `json:"duration"` // s
	AvgSpeed        float64 `json:"avg_speed"`
	MaxSpeed        float64 `json:"max_speed"`
	AvgAcceleration float64 `json:"avg_acceleration"`
	MaxAcceleration float64 `json:"max_acceleration"`
	AvgCurvature    float64 `json:"avg_curvature"`
	Turning         int     `json:"turning"`
	Straight        int     `json:"straight"`
	Stopping        int     `json:"stopping"`
}

// History is the ego trajectory of a scene up to and including one keyframe.
type History struct {
	SceneToken    string            `json:"scene_token"`
	UpTo          int               `json:"up_to"`
	KeyframeToken string            `json:"keyframe_token"`
	States        []VehicleState    `json:"states"`
	Summary       TrajectorySummary `json:"summary"`
}

// Recent returns at most n of the latest states.
func (h *History) Recent(n int) []VehicleState {
	if n <= 0 || n >= len(h.States) {
		return h.States
	}
	return h.States[len(h.States)-n:]
}

// Heading returns the yaw of a w, x, y, z quaternion.
func Heading(q [4]float64) float64 {
	w, x, y, z := q[0], q[1], q[2], q[3]
	return math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z))
}

// buildHistory derives states for all samples of sc with a timestamp at or
// before kf's, ordered by timestamp.
func buildHistory(sc *Scene, kf *Keyframe) *History {
	cutoff := kf.Timestamp
	if s, ok := sc.samplesByToken[kf.Token]; ok {
		cutoff = s.Timestamp
	}

	samples := make([]*Sample, 0, len(sc.Samples))
	for _, s := range sc.Samples {
		if s.Timestamp <= cutoff {
			samples = append(samples, s)
		}
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Timestamp < samples[j].Timestamp })

	states := deriveStates(samples, sc.keyframesByToken)
	return &History{
		SceneToken:    sc.Token,
		UpTo:          kf.Serial,
		KeyframeToken: kf.Token,
		States:        states,
		Summary:       summarize(states),
	}
}

func deriveStates(samples []*Sample, keyframes map[string]*Keyframe) []VehicleState {
	states := make([]VehicleState, len(samples))
	for i, s := range samples {
		_, isKF := keyframes[s.Token]
		states[i] = VehicleState{
			SampleToken: s.Token,
			Timestamp:   s.Timestamp,
			Keyframe:    isKF,
			Position:    s.EgoPose.Translation,
			Heading:     Heading(s.EgoPose.Rotation),
		}
		if i == 0 {
			states[i].Segment = classify(states[i])
			continue
		}
		cur, prev := &states[i], &states[i-1]
		dt := float64(cur.Timestamp-prev.Timestamp) / 1e6
		dist := floats.Distance(cur.Position[:], prev.Position[:], 2)
		dHeading := wrapAngle(cur.Heading - prev.Heading)
		if dt > 0 {
			for k := range cur.Velocity {
				cur.Velocity[k] = (cur.Position[k] - prev.Position[k]) / dt
			}
			cur.Speed = floats.Norm(cur.Velocity[:], 2)
			cur.AngularVelocity = dHeading / dt
			if i > 1 {
				var dv [3]float64
				floats.SubTo(dv[:], cur.Velocity[:], prev.Velocity[:])
				cur.Acceleration = floats.Norm(dv[:], 2) / dt
			}
		}
		if dist > 0 {
			cur.Curvature = math.Abs(dHeading) / dist
		}
		cur.Segment = classify(*cur)
	}
	return states
}

func classify(s VehicleState) Segment {
	switch {
	case s.Curvature > TurningCurvature:
		return SegmentTurning
	case s.Speed < StoppingSpeed:
		return SegmentStopping
	default:
		return SegmentStraight
	}
}

func wrapAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a < -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

func summarize(states []VehicleState) TrajectorySummary {
	sum := TrajectorySummary{States: len(states)}
	if len(states) == 0 {
		return sum
	}
	var speeds, accels, curvs []float64
	for i, s := range states {
		if s.Speed > 0 {
			speeds = append(speeds, s.Speed)
		}
		if s.Acceleration > 0 {
			accels = append(accels, s.Acceleration)
		}
		if s.Curvature > 0 {
			curvs = append(curvs, s.Curvature)
		}
		if i > 0 {
			sum.Distance += floats.Distance(s.Position[:], states[i-1].Position[:], 2)
		}
		switch s.Segment {
		case SegmentTurning:
			sum.Turning++
		case SegmentStopping:
			sum.Stopping++
		default:
			sum.Straight++
		}
	}
	sum.Duration = float64(states[len(states)-1].Timestamp-states[0].Timestamp) / 1e6
	sum.AvgSpeed, sum.MaxSpeed = meanMax(speeds)
	sum.AvgAcceleration, sum.MaxAcceleration = meanMax(accels)
	sum.AvgCurvature, _ = meanMax(curvs)
	return sum
}

func meanMax(xs []float64) (avg, peak float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	return stat.Mean(xs, nil), floats.Max(xs)
}

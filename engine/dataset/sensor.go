package dataset

import (
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Detection is one annotated object relative to the ego vehicle.
type Detection struct {
	Token       string     `json:"token"`
	Category    string     `json:"category"`
	Distance    float64    `json:"distance"` // m from ego
	Size        [3]float64 `json:"size"`     // w, l, h
	Visibility  string     `json:"visibility"`
	LidarPoints int        `json:"lidar_points"`
	RadarPoints int        `json:"radar_points"`
	Attributes  []string   `json:"attributes,omitempty"`
}

// SensorSnapshot summarises the detections and sensors of one keyframe.
type SensorSnapshot struct {
	SampleToken      string                 `json:"sample_token"`
	Timestamp        int64                  `json:"timestamp"`
	Detections       []Detection            `json:"detections"`
	CategoryCounts   map[string]int         `json:"category_counts"`
	LidarPoints      int                    `json:"lidar_points"`
	RadarPoints      int                    `json:"radar_points"`
	ObjectsWithLidar int                    `json:"objects_with_lidar"`
	ObjectsWithRadar int                    `json:"objects_with_radar"`
	Visibility       map[string]int         `json:"visibility"`
	Cameras          []string               `json:"cameras"`
	Lidars           []string               `json:"lidars"`
	Radars           []string               `json:"radars"`
	KeyObjects       map[string][]KeyObject `json:"key_objects"` // by camera
}

func buildSensorSnapshot(s *Sample, kf *Keyframe) *SensorSnapshot {
	snap := &SensorSnapshot{
		SampleToken:    s.Token,
		Timestamp:      s.Timestamp,
		Detections:     make([]Detection, 0, len(s.Annotations)),
		CategoryCounts: make(map[string]int),
		Visibility:     make(map[string]int),
		KeyObjects:     make(map[string][]KeyObject),
	}

	ego := s.EgoPose.Translation
	for _, a := range s.Annotations {
		d := Detection{
			Token:       a.Token,
			Category:    a.Category,
			Distance:    floats.Distance(a.Translation[:], ego[:], 2),
			Size:        a.Size,
			Visibility:  a.Visibility.Level,
			LidarPoints: a.NumLidarPts,
			RadarPoints: a.NumRadarPts,
		}
		for _, attr := range a.Attributes {
			d.Attributes = append(d.Attributes, attr.Name)
		}
		snap.Detections = append(snap.Detections, d)
		snap.CategoryCounts[a.Category]++
		snap.Visibility[a.Visibility.Level]++
		snap.LidarPoints += a.NumLidarPts
		snap.RadarPoints += a.NumRadarPts
		if a.NumLidarPts > 0 {
			snap.ObjectsWithLidar++
		}
		if a.NumRadarPts > 0 {
			snap.ObjectsWithRadar++
		}
	}

	for ch := range s.SensorData {
		switch {
		case strings.HasPrefix(ch, "CAM_"):
			snap.Cameras = append(snap.Cameras, ch)
		case strings.HasPrefix(ch, "LIDAR_"):
			snap.Lidars = append(snap.Lidars, ch)
		case strings.HasPrefix(ch, "RADAR_"):
			snap.Radars = append(snap.Radars, ch)
		}
	}
	SortCameras(snap.Cameras)
	sort.Strings(snap.Lidars)
	sort.Strings(snap.Radars)

	for _, obj := range kf.KeyObjects {
		snap.KeyObjects[obj.Camera] = append(snap.KeyObjects[obj.Camera], obj)
	}
	return snap
}

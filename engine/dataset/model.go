// Package dataset is the data access layer over the scene dataset: it loads
// the JSON document once, assigns serial numbers to scene and keyframe tokens
// in file order, and serves cached, read-only lookups.
package dataset

import (
	"sort"

	"github.com/vivitsaS/drive-qa/engine/domain"
)

// Cameras lists the camera positions in rendering order.
var Cameras = []string{"CAM_FRONT", "CAM_FRONT_LEFT", "CAM_FRONT_RIGHT", "CAM_BACK", "CAM_BACK_LEFT", "CAM_BACK_RIGHT"}

// CameraIndex returns the position of cam in Cameras, or len(Cameras) if unknown.
func CameraIndex(cam string) int {
	for i, c := range Cameras {
		if c == cam {
			return i
		}
	}
	return len(Cameras)
}

// SortCameras orders cams by position in Cameras, unknown names last by name.
func SortCameras(cams []string) {
	sort.Slice(cams, func(i, j int) bool {
		a, b := CameraIndex(cams[i]), CameraIndex(cams[j])
		if a != b {
			return a < b
		}
		return cams[i] < cams[j]
	})
}

// ImageCameras returns the cameras of paths that carry a non-empty path, in
// SortCameras order.
func ImageCameras(paths map[string]string) []string {
	cams := make([]string, 0, len(paths))
	for cam, p := range paths {
		if p != "" {
			cams = append(cams, cam)
		}
	}
	SortCameras(cams)
	return cams
}

// Scene is one recorded driving sequence.
type Scene struct {
	Serial           int
	Token            string
	Name             string
	Description      string
	LogToken         string
	NbrSamples       int
	FirstSampleToken string
	LastSampleToken  string

	// Samples in file order. Keyframes in file order; Keyframes[i].Serial == i+1.
	Samples   []*Sample
	Keyframes []*Keyframe

	samplesByToken   map[string]*Sample
	keyframesByToken map[string]*Keyframe
}

// Sample looks up a sample by token.
func (s *Scene) Sample(token string) (*Sample, bool) {
	v, ok := s.samplesByToken[token]
	return v, ok
}

// SceneInfo is the summary payload for a scene.
type SceneInfo struct {
	Serial      int    `json:"serial"`
	Token       string `json:"token"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Samples     int    `json:"samples"`
	Keyframes   int    `json:"keyframes"`
}

// Info returns the summary payload of s.
func (s *Scene) Info() SceneInfo {
	return SceneInfo{
		Serial:      s.Serial,
		Token:       s.Token,
		Name:        s.Name,
		Description: s.Description,
		Samples:     len(s.Samples),
		Keyframes:   len(s.Keyframes),
	}
}

// Sample is one timestamped sensor sweep with the ego pose and annotations.
type Sample struct {
	Token       string                  `json:"token"`
	Timestamp   int64                   `json:"timestamp"`
	Prev        string                  `json:"prev"`
	Next        string                  `json:"next"`
	EgoPose     EgoPose                 `json:"ego_pose"`
	SensorData  map[string]SensorRecord `json:"sensor_data"`
	Annotations []Annotation            `json:"annotations"`
}

// EgoPose is the vehicle pose in global coordinates. Timestamps are in µs.
type EgoPose struct {
	Token       string     `json:"token"`
	Timestamp   int64      `json:"timestamp"`
	Translation [3]float64 `json:"translation"`
	Rotation    [4]float64 `json:"rotation"` // w, x, y, z
}

// SensorRecord describes one sensor capture.
type SensorRecord struct {
	Token     string `json:"token"`
	Filename  string `json:"filename"`
	Timestamp int64  `json:"timestamp"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// Annotation is one annotated object in a sample.
type Annotation struct {
	Token         string      `json:"token"`
	InstanceToken string      `json:"instance_token"`
	Translation   [3]float64  `json:"translation"`
	Size          [3]float64  `json:"size"`
	Rotation      [4]float64  `json:"rotation"`
	NumLidarPts   int         `json:"num_lidar_pts"`
	NumRadarPts   int         `json:"num_radar_pts"`
	Category      string      `json:"category"`
	Visibility    Visibility  `json:"visibility"`
	Attributes    []Attribute `json:"attributes"`
}

type Visibility struct {
	Level       string `json:"level"`
	Description string `json:"description"`
}

type Attribute struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Keyframe is a sample that carries QA pairs, camera paths and key objects.
type Keyframe struct {
	Serial     int
	Token      string
	SceneToken string
	Timestamp  int64
	ImagePaths map[string]string
	KeyObjects []KeyObject

	qa map[domain.Category][]QAPair
}

// QA returns the pairs of one category in file order. Callers must not modify it.
func (k *Keyframe) QA(cat domain.Category) []QAPair { return k.qa[cat] }

// QACounts returns the number of pairs per category.
func (k *Keyframe) QACounts() map[domain.Category]int {
	out := make(map[domain.Category]int, len(domain.Categories))
	for _, c := range domain.Categories {
		out[c] = len(k.qa[c])
	}
	return out
}

// QAPair is one question with its ground-truth answer.
type QAPair struct {
	Serial   int             `json:"serial"`
	Category domain.Category `json:"category"`
	Question string          `json:"question"`
	Answer   string          `json:"answer"`
	Tags     []string        `json:"tags,omitempty"`
}

// KeyObject is an object the QA pairs refer to by tag, e.g. <c1,CAM_FRONT,1088.3,497.5>.
type KeyObject struct {
	Tag         string     `json:"tag"`
	ID          string     `json:"id"`
	Camera      string     `json:"camera"`
	Center      [2]float64 `json:"center"`
	Category    string     `json:"category"`
	Status      string     `json:"status"`
	Description string     `json:"description"`
	BBox        [4]float64 `json:"bbox"` // x1, y1, x2, y2 in pixels
}

// Mappings is the serial to token table. Scenes[i] is the token of scene i+1;
// Keyframes[scene][j] is the token of keyframe j+1 in that scene.
type Mappings struct {
	Scenes    []string            `json:"scenes"`
	Keyframes map[string][]string `json:"keyframes"`
}

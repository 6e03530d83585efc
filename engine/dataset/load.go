package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/vivitsaS/drive-qa/engine/domain"
)

// ErrMalformed is returned when the dataset document has an unexpected shape.
var ErrMalformed = errors.New("dataset: malformed document")

// Dataset is a parsed dataset document with scenes in file order.
type Dataset struct {
	Scenes  []*Scene
	byToken map[string]*Scene
}

// Load reads and parses the dataset file at path.
func Load(path string) (*Dataset, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: read %s: %w", path, err)
	}
	return Parse(b)
}

// Parse builds a Dataset from a JSON document. Serials follow the order in which
// scene and keyframe tokens first appear in b.
func Parse(b []byte) (*Dataset, error) {
	if !gjson.ValidBytes(b) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	root := gjson.ParseBytes(b)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: top level must be an object of scenes", ErrMalformed)
	}

	ds := &Dataset{byToken: make(map[string]*Scene)}
	var perr error
	root.ForEach(func(key, value gjson.Result) bool {
		token := key.String()
		if _, dup := ds.byToken[token]; dup {
			return true
		}
		sc, err := parseScene(len(ds.Scenes)+1, token, value)
		if err != nil {
			perr = err
			return false
		}
		ds.Scenes = append(ds.Scenes, sc)
		ds.byToken[token] = sc
		return true
	})
	if perr != nil {
		return nil, perr
	}
	return ds, nil
}

// Mappings returns a copy of the serial to token tables.
func (d *Dataset) Mappings() Mappings {
	m := Mappings{
		Scenes:    make([]string, len(d.Scenes)),
		Keyframes: make(map[string][]string, len(d.Scenes)),
	}
	for i, sc := range d.Scenes {
		m.Scenes[i] = sc.Token
		kfs := make([]string, len(sc.Keyframes))
		for j, kf := range sc.Keyframes {
			kfs[j] = kf.Token
		}
		m.Keyframes[sc.Token] = kfs
	}
	return m
}

func parseScene(serial int, token string, v gjson.Result) (*Scene, error) {
	if !v.IsObject() {
		return nil, fmt.Errorf("%w: scene %s is not an object", ErrMalformed, token)
	}
	sc := &Scene{
		Serial:           serial,
		Token:            token,
		Name:             v.Get("scene_name").String(),
		Description:      v.Get("scene_description").String(),
		LogToken:         v.Get("log_token").String(),
		NbrSamples:       int(v.Get("nbr_samples").Int()),
		FirstSampleToken: v.Get("first_sample_token").String(),
		LastSampleToken:  v.Get("last_sample_token").String(),
		samplesByToken:   make(map[string]*Sample),
		keyframesByToken: make(map[string]*Keyframe),
	}

	var perr error
	v.Get("samples").ForEach(func(key, sv gjson.Result) bool {
		s := new(Sample)
		if err := json.Unmarshal([]byte(sv.Raw), s); err != nil {
			perr = fmt.Errorf("%w: scene %s sample %s: %v", ErrMalformed, token, key.String(), err)
			return false
		}
		if s.Token == "" {
			s.Token = key.String()
		}
		if s.Timestamp == 0 {
			s.Timestamp = s.EgoPose.Timestamp
		}
		if _, dup := sc.samplesByToken[s.Token]; !dup {
			sc.Samples = append(sc.Samples, s)
			sc.samplesByToken[s.Token] = s
		}
		return true
	})
	if perr != nil {
		return nil, perr
	}

	v.Get("key_frames").ForEach(func(key, kv gjson.Result) bool {
		tok := key.String()
		if _, dup := sc.keyframesByToken[tok]; dup {
			return true
		}
		kf := parseKeyframe(len(sc.Keyframes)+1, tok, kv)
		kf.SceneToken = token
		if s, ok := sc.samplesByToken[tok]; ok {
			kf.Timestamp = s.Timestamp
		}
		sc.Keyframes = append(sc.Keyframes, kf)
		sc.keyframesByToken[tok] = kf
		return true
	})
	return sc, nil
}

func parseKeyframe(serial int, token string, v gjson.Result) *Keyframe {
	kf := &Keyframe{
		Serial:     serial,
		Token:      token,
		ImagePaths: make(map[string]string),
		qa:         make(map[domain.Category][]QAPair),
	}

	v.Get("QA").ForEach(func(key, list gjson.Result) bool {
		cat, err := domain.ParseCategory(key.String())
		if err != nil {
			return true
		}
		pairs := make([]QAPair, 0, len(list.Array()))
		list.ForEach(func(_, item gjson.Result) bool {
			qa := QAPair{
				Serial:   len(pairs) + 1,
				Category: cat,
				Question: item.Get("Q").String(),
				Answer:   item.Get("A").String(),
			}
			for _, tag := range item.Get("tag").Array() {
				qa.Tags = append(qa.Tags, tag.String())
			}
			pairs = append(pairs, qa)
			return true
		})
		kf.qa[cat] = pairs
		return true
	})

	v.Get("image_paths").ForEach(func(cam, path gjson.Result) bool {
		kf.ImagePaths[cam.String()] = path.String()
		return true
	})

	v.Get("key_object_infos").ForEach(func(tag, info gjson.Result) bool {
		obj := KeyObject{
			Tag:         tag.String(),
			Category:    info.Get("Category").String(),
			Status:      info.Get("Status").String(),
			Description: info.Get("Visual_description").String(),
		}
		obj.ID, obj.Camera, obj.Center = parseObjectTag(obj.Tag)
		for i, c := range info.Get("2d_bbox").Array() {
			if i < len(obj.BBox) {
				obj.BBox[i] = c.Float()
			}
		}
		kf.KeyObjects = append(kf.KeyObjects, obj)
		return true
	})
	return kf
}

// parseObjectTag splits "<c1,CAM_FRONT,1088.3,497.5>" into its parts.
// Unparseable coordinates are left as zero.
func parseObjectTag(tag string) (id, camera string, center [2]float64) {
	parts := strings.Split(strings.Trim(tag, "<> "), ",")
	if len(parts) > 0 {
		id = strings.TrimSpace(parts[0])
	}
	if len(parts) > 1 {
		camera = strings.TrimSpace(parts[1])
	}
	for i := 0; i < 2 && i+2 < len(parts); i++ {
		center[i], _ = strconv.ParseFloat(strings.TrimSpace(parts[i+2]), 64)
	}
	return id, camera, center
}

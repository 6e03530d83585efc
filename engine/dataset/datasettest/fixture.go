// Package datasettest provides a small dataset document and camera frames for
// tests of packages built on engine/dataset.
package datasettest

import (
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vivitsaS/drive-qa/engine/dataset"
)

// Scene and keyframe tokens in the fixture. Scene "s-zeta" appears first in the
// document, so it is serial 1 despite sorting after "s-alpha".
const (
	SceneZeta  = "s-zeta"
	SceneAlpha = "s-alpha"
	KF1        = "smp-1"
	KF2        = "smp-2"
	AlphaKF    = "a-1"

	PerceptionQuestion = "What are the important objects in the current scene?"
	PerceptionAnswer   = "There is a white sedan to the front and a pedestrian behind the ego car."
)

// FrameWidth and FrameHeight are the size of frames written by WriteFrames.
const (
	FrameWidth  = 320
	FrameHeight = 180
)

// JSON is the fixture dataset document.
const JSON = `{
  "s-zeta": {
    "scene_token": "s-zeta",
    "scene_name": "scene-0061",
    "scene_description": "Parked truck, construction, intersection, turn left, following a van",
    "log_token": "log-1",
    "nbr_samples": 3,
    "first_sample_token": "smp-0",
    "last_sample_token": "smp-2",
    "samples": {
      "smp-0": {
        "token": "smp-0", "timestamp": 1000000, "prev": "", "next": "smp-1",
        "ego_pose": {"token": "ep-0", "timestamp": 1000000, "translation": [0, 0, 0], "rotation": [1, 0, 0, 0]},
        "sensor_data": {"CAM_FRONT": {"token": "sd-0", "filename": "samples/CAM_FRONT/f0.jpg"}},
        "annotations": []
      },
      "smp-1": {
        "token": "smp-1", "timestamp": 1500000, "prev": "smp-0", "next": "smp-2",
        "ego_pose": {"token": "ep-1", "timestamp": 1500000, "translation": [5, 0, 0], "rotation": [1, 0, 0, 0]},
        "sensor_data": {
          "CAM_BACK": {"token": "sd-1b", "filename": "samples/CAM_BACK/b1.jpg"},
          "CAM_FRONT": {"token": "sd-1f", "filename": "samples/CAM_FRONT/f1.jpg"},
          "LIDAR_TOP": {"token": "sd-1l", "filename": "samples/LIDAR_TOP/l1.bin"},
          "RADAR_FRONT": {"token": "sd-1r", "filename": "samples/RADAR_FRONT/r1.pcd"}
        },
        "annotations": [
          {"token": "ann-1", "instance_token": "inst-1", "translation": [5, 10, 0], "size": [1.9, 4.6, 1.5],
           "rotation": [1, 0, 0, 0], "num_lidar_pts": 12, "num_radar_pts": 2, "category": "vehicle.car",
           "visibility": {"level": "v80-100", "description": "visibility of whole object is between 80 and 100%"},
           "attributes": [{"name": "vehicle.moving", "description": "Vehicle is moving."}]},
          {"token": "ann-2", "instance_token": "inst-2", "translation": [5, 0, 3], "size": [0.6, 0.7, 1.8],
           "rotation": [1, 0, 0, 0], "num_lidar_pts": 0, "num_radar_pts": 0, "category": "human.pedestrian.adult",
           "visibility": {"level": "v40-60", "description": "visibility of whole object is between 40 and 60%"},
           "attributes": []}
        ]
      },
      "smp-2": {
        "token": "smp-2", "timestamp": 2000000, "prev": "smp-1", "next": "",
        "ego_pose": {"token": "ep-2", "timestamp": 2000000, "translation": [10, 0, 0], "rotation": [1, 0, 0, 0]},
        "sensor_data": {"CAM_FRONT": {"token": "sd-2", "filename": "samples/CAM_FRONT/f2.jpg"}},
        "annotations": []
      }
    },
    "key_frames": {
      "smp-1": {
        "QA": {
          "perception": [
            {"Q": "What are the important objects in the current scene?", "A": "There is a white sedan to the front and a pedestrian behind the ego car.", "tag": [0]}
          ],
          "prediction": [
            {"Q": "Will <c1,CAM_FRONT,120.0,75.0> be in the moving direction of the ego vehicle?", "A": "Yes.", "tag": [0]},
            {"Q": "What is the future state of <c2,CAM_BACK,35.0,85.0>?", "A": "Keep standing.", "tag": [1]}
          ],
          "planning": [],
          "behavior": [
            {"Q": "Predict the behavior of the ego vehicle.", "A": "The ego vehicle is going straight.", "tag": [5]}
          ]
        },
        "image_paths": {
          "CAM_BACK": "../nuscenes/samples/CAM_BACK/b1.jpg",
          "CAM_FRONT": "../nuscenes/samples/CAM_FRONT/f1.jpg"
        },
        "key_object_infos": {
          "<c2,CAM_BACK,35.0,85.0>": {"Category": "Pedestrian", "Status": "Standing", "Visual_description": "Adult in a dark coat.", "2d_bbox": [10, 20, 60, 150]},
          "<c1,CAM_FRONT,120.0,75.0>": {"Category": "Vehicle", "Status": "Moving", "Visual_description": "White sedan.", "2d_bbox": [40, 30, 200, 120]}
        }
      },
      "smp-2": {
        "QA": {"perception": [], "prediction": [], "planning": [
          {"Q": "What actions could the ego vehicle take?", "A": "Keep going at the same speed.", "tag": [1]}
        ], "behavior": []},
        "image_paths": {},
        "key_object_infos": {}
      }
    }
  },
  "s-alpha": {
    "scene_token": "s-alpha",
    "scene_name": "scene-0103",
    "scene_description": "Night, rain",
    "log_token": "log-2",
    "nbr_samples": 1,
    "first_sample_token": "a-1",
    "last_sample_token": "a-1",
    "samples": {
      "a-1": {
        "token": "a-1", "timestamp": 5000000, "prev": "", "next": "",
        "ego_pose": {"token": "ep-a", "timestamp": 5000000, "translation": [100, 100, 0], "rotation": [0.7071068, 0, 0, 0.7071068]},
        "sensor_data": {"CAM_FRONT": {"token": "sd-a", "filename": "samples/CAM_FRONT/a1.jpg"}},
        "annotations": []
      }
    },
    "key_frames": {
      "a-1": {
        "QA": {"perception": [{"Q": "Is it raining?", "A": "Yes.", "tag": [0]}], "prediction": [], "planning": [], "behavior": []},
        "image_paths": {"CAM_FRONT": "../nuscenes/samples/CAM_FRONT/missing.jpg"},
        "key_object_infos": {}
      }
    }
  }
}`

// Dataset parses JSON.
func Dataset(t testing.TB) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.Parse([]byte(JSON))
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return ds
}

// Store returns a Store over JSON.
func Store(t testing.TB) *dataset.Store {
	t.Helper()
	return dataset.NewStoreFunc(func() (*dataset.Dataset, error) {
		return dataset.Parse([]byte(JSON))
	}, nil)
}

// WriteFile writes JSON under dir and returns its path.
func WriteFile(t testing.TB, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "dataset.json")
	if err := os.WriteFile(path, []byte(JSON), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

// WriteFrames writes grey JPEG frames for every image path of scene s-zeta
// under root, mirroring the "../nuscenes/" layout, and returns root.
func WriteFrames(t testing.TB, root string) string {
	t.Helper()
	for _, rel := range []string{"samples/CAM_FRONT/f1.jpg", "samples/CAM_BACK/b1.jpg"} {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		f, err := os.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		img := image.NewRGBA(image.Rect(0, 0, FrameWidth, FrameHeight))
		shade := uint8(96)
		if strings.Contains(rel, "BACK") {
			shade = 160
		}
		for y := 0; y < FrameHeight; y++ {
			for x := 0; x < FrameWidth; x++ {
				img.Set(x, y, color.RGBA{shade, shade, shade, 255})
			}
		}
		if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 80}); err != nil {
			f.Close()
			t.Fatal(err)
		}
		if err := f.Close(); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

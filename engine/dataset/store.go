package dataset

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vivitsaS/drive-qa/engine/domain"
)

// CacheObserver is notified of cache lookups. pkg/metrics implements it.
type CacheObserver interface {
	CacheLookup(cache string, hit bool)
}

type nopObserver struct{}

func (nopObserver) CacheLookup(string, bool) {}

type historyKey struct {
	scene string
	upTo  int
}

// Store is the shared, read-only view of one dataset. The document is loaded
// on first access by whichever accessor runs first; concurrent first callers
// block until that single load finishes. Store is safe for concurrent use.
type Store struct {
	load   func() (*Dataset, error)
	logger *slog.Logger
	obs    CacheObserver

	once  sync.Once
	ds    *Dataset
	err   error
	loads atomic.Int64

	mu      sync.RWMutex
	history map[historyKey]*History
	group   singleflight.Group
}

// NewStore creates a Store backed by the dataset file at path.
func NewStore(path string, logger *slog.Logger) *Store {
	return NewStoreFunc(func() (*Dataset, error) { return Load(path) }, logger)
}

// NewStoreFunc creates a Store backed by an arbitrary load function.
func NewStoreFunc(load func() (*Dataset, error), logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		load:    load,
		logger:  logger.With("component", "dataset"),
		obs:     nopObserver{},
		history: make(map[historyKey]*History),
	}
}

// WithObserver sets the cache observer. Call before first use.
func (s *Store) WithObserver(o CacheObserver) *Store {
	if o != nil {
		s.obs = o
	}
	return s
}

// Loads returns how many times the load routine has run (0 or 1).
func (s *Store) Loads() int64 { return s.loads.Load() }

// Warm forces the dataset load.
func (s *Store) Warm() error {
	_, err := s.dataset()
	return err
}

func (s *Store) dataset() (*Dataset, error) {
	s.once.Do(func() {
		s.loads.Add(1)
		start := time.Now()
		s.ds, s.err = s.load()
		if s.err != nil {
			s.logger.Error("dataset load failed", "err", s.err)
			return
		}
		s.logger.Info("dataset loaded", "scenes", len(s.ds.Scenes), "took", time.Since(start))
	})
	return s.ds, s.err
}

// ResolveScene returns the cached Scene for a serial or token. Both forms of
// the same scene return the same pointer.
func (s *Store) ResolveScene(ref domain.Ref) (*Scene, error) {
	if ref.IsZero() {
		return nil, domain.Errorf(domain.ErrInvalidInput, "resolve scene", "missing identifier")
	}
	ds, err := s.dataset()
	if err != nil {
		return nil, err
	}
	if ref.IsSerial() {
		if ref.Serial < 1 || ref.Serial > len(ds.Scenes) {
			return nil, domain.Errorf(domain.ErrNotFound, "resolve scene", "serial %d outside 1..%d", ref.Serial, len(ds.Scenes))
		}
		return ds.Scenes[ref.Serial-1], nil
	}
	sc, ok := ds.byToken[ref.Token]
	if !ok {
		return nil, domain.Errorf(domain.ErrNotFound, "resolve scene", "unknown token %q", ref.Token)
	}
	return sc, nil
}

// Scene returns the summary payload of a scene.
func (s *Store) Scene(ref domain.Ref) (SceneInfo, error) {
	sc, err := s.ResolveScene(ref)
	if err != nil {
		return SceneInfo{}, err
	}
	return sc.Info(), nil
}

// Scenes lists every scene in serial order.
func (s *Store) Scenes() ([]SceneInfo, error) {
	ds, err := s.dataset()
	if err != nil {
		return nil, err
	}
	out := make([]SceneInfo, len(ds.Scenes))
	for i, sc := range ds.Scenes {
		out[i] = sc.Info()
	}
	return out, nil
}

// Mappings returns a copy of the serial to token tables.
func (s *Store) Mappings() (Mappings, error) {
	ds, err := s.dataset()
	if err != nil {
		return Mappings{}, err
	}
	return ds.Mappings(), nil
}

// Keyframe returns the cached keyframe of a scene by serial or token.
func (s *Store) Keyframe(sceneRef, kfRef domain.Ref) (*Keyframe, error) {
	sc, err := s.ResolveScene(sceneRef)
	if err != nil {
		return nil, err
	}
	return resolveKeyframe(sc, kfRef)
}

func resolveKeyframe(sc *Scene, ref domain.Ref) (*Keyframe, error) {
	if ref.IsZero() {
		return nil, domain.Errorf(domain.ErrInvalidInput, "resolve keyframe", "missing identifier")
	}
	if ref.IsSerial() {
		if ref.Serial < 1 || ref.Serial > len(sc.Keyframes) {
			return nil, domain.Errorf(domain.ErrNotFound, "resolve keyframe",
				"serial %d outside 1..%d in scene %s", ref.Serial, len(sc.Keyframes), sc.Token)
		}
		return sc.Keyframes[ref.Serial-1], nil
	}
	kf, ok := sc.keyframesByToken[ref.Token]
	if !ok {
		return nil, domain.Errorf(domain.ErrNotFound, "resolve keyframe", "unknown token %q in scene %s", ref.Token, sc.Token)
	}
	return kf, nil
}

// VehicleHistory returns the ego trajectory up to keyframe upTo, cached per
// (scene, upTo). Concurrent cold callers for the same key share one build.
func (s *Store) VehicleHistory(sceneRef domain.Ref, upTo int) (*History, error) {
	sc, err := s.ResolveScene(sceneRef)
	if err != nil {
		return nil, err
	}
	kf, err := resolveKeyframe(sc, domain.SerialRef(upTo))
	if err != nil {
		return nil, err
	}

	key := historyKey{scene: sc.Token, upTo: kf.Serial}
	s.mu.RLock()
	h, ok := s.history[key]
	s.mu.RUnlock()
	s.obs.CacheLookup("vehicle_history", ok)
	if ok {
		return h, nil
	}

	v, err, _ := s.group.Do(fmt.Sprintf("%s/%d", key.scene, key.upTo), func() (any, error) {
		s.mu.RLock()
		cached, ok := s.history[key]
		s.mu.RUnlock()
		if ok {
			return cached, nil
		}
		built := buildHistory(sc, kf)
		s.mu.Lock()
		s.history[key] = built
		s.mu.Unlock()
		s.logger.Debug("vehicle history built", "scene", sc.Token, "up_to", kf.Serial, "states", len(built.States))
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*History), nil
}

// SensorSnapshot returns the detections and sensors of one keyframe.
func (s *Store) SensorSnapshot(sceneRef, kfRef domain.Ref) (*SensorSnapshot, error) {
	sc, err := s.ResolveScene(sceneRef)
	if err != nil {
		return nil, err
	}
	kf, err := resolveKeyframe(sc, kfRef)
	if err != nil {
		return nil, err
	}
	sample, ok := sc.samplesByToken[kf.Token]
	if !ok {
		return nil, domain.Errorf(domain.ErrNotFound, "sensor snapshot", "keyframe %s has no sample record", kf.Token)
	}
	return buildSensorSnapshot(sample, kf), nil
}

// QAPairs returns the ordered pairs of one category. An empty list is valid.
func (s *Store) QAPairs(sceneRef, kfRef domain.Ref, cat domain.Category) ([]QAPair, error) {
	if !cat.Valid() {
		return nil, domain.Errorf(domain.ErrInvalidInput, "qa pairs", "invalid category %d", uint8(cat))
	}
	kf, err := s.Keyframe(sceneRef, kfRef)
	if err != nil {
		return nil, err
	}
	return kf.QA(cat), nil
}

// QAPair returns the pair with the given 1-based serial.
func (s *Store) QAPair(sceneRef, kfRef domain.Ref, cat domain.Category, serial int) (QAPair, error) {
	if serial < 1 {
		return QAPair{}, domain.Errorf(domain.ErrInvalidInput, "qa pair", "serial %d must be >= 1", serial)
	}
	pairs, err := s.QAPairs(sceneRef, kfRef, cat)
	if err != nil {
		return QAPair{}, err
	}
	if len(pairs) == 0 {
		return QAPair{}, domain.Errorf(domain.ErrNotFound, "qa pair", "no %s pairs at keyframe %s", cat, kfRef)
	}
	if serial > len(pairs) {
		return QAPair{}, domain.Errorf(domain.ErrIndexOutOfRange, "qa pair", "serial %d exceeds %d %s pairs", serial, len(pairs), cat)
	}
	return pairs[serial-1], nil
}

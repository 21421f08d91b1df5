package armer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"gopkg.in/yaml.v3"
)

const namedPosesKey = "named_poses"

var (
	// ErrUnknownNamedPose is returned when no source defines the requested pose.
	ErrUnknownNamedPose = errors.New("unknown named pose")
	// ErrDuplicateNamedPose is returned when adding a pose that exists without overwrite.
	ErrDuplicateNamedPose = errors.New("named pose already exists")
	// ErrMissingNamedPose is returned when removing a pose the primary source does not define.
	ErrMissingNamedPose = errors.New("named pose not defined in primary source")
	// ErrConfigSourceUnreadable wraps failures to read or parse a named pose source.
	ErrConfigSourceUnreadable = errors.New("named pose source unreadable")
)

type namedPoseFile struct {
	NamedPoses map[string][]float64 `yaml:"named_poses"`
}

// NamedPoseStore maps pose names to joint vectors. It merges one writable primary YAML file
// with any number of read-only sources; later sources win on name collisions.
type NamedPoseStore struct {
	logger logging.Logger

	// writeMu serializes read-modify-write cycles of the primary file.
	writeMu sync.Mutex

	mu      sync.RWMutex
	primary string
	sources []string
	poses   map[string][]float64
	watcher *fsnotify.Watcher
}

// NewNamedPoseStore loads the store. Unreadable sources are logged and skipped; a missing
// primary is treated as empty and created on the first Add.
func NewNamedPoseStore(primary string, sources []string, logger logging.Logger) *NamedPoseStore {
	s := &NamedPoseStore{
		logger:  logger,
		primary: cleanPath(primary),
		sources: lo.Uniq(lo.Map(sources, func(p string, _ int) string { return cleanPath(p) })),
		poses:   map[string][]float64{},
	}
	//nolint:errcheck
	s.Reload()
	return s
}

func cleanPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// Reload rebuilds the merged view from disk. It returns the combined per-source errors; the
// view is rebuilt from whatever could be read.
func (s *NamedPoseStore) Reload() error {
	s.mu.RLock()
	primary := s.primary
	sources := slices.Clone(s.sources)
	s.mu.RUnlock()

	poses := map[string][]float64{}
	var errs error
	if err := loadNamedPoses(primary, poses); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warnf("skipping primary named pose config: %v", err)
		errs = multierr.Append(errs, err)
	}
	for _, src := range sources {
		if err := loadNamedPoses(src, poses); err != nil {
			s.logger.Warnf("skipping named pose config: %v", err)
			errs = multierr.Append(errs, err)
		}
	}

	s.mu.Lock()
	s.poses = poses
	s.mu.Unlock()
	return errs
}

func loadNamedPoses(path string, into map[string][]float64) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConfigSourceUnreadable, path, err)
	}
	var file namedPoseFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConfigSourceUnreadable, path, err)
	}
	for name, joints := range file.NamedPoses {
		into[name] = joints
	}
	return nil
}

// List returns the pose names in sorted order.
func (s *NamedPoseStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := lo.Keys(s.poses)
	slices.Sort(names)
	return names
}

// All returns a copy of the merged view.
func (s *NamedPoseStore) All() map[string][]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.MapValues(s.poses, func(joints []float64, _ string) []float64 {
		return slices.Clone(joints)
	})
}

// Get returns the joints stored under name.
func (s *NamedPoseStore) Get(name string) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	joints, ok := s.poses[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNamedPose, name)
	}
	return slices.Clone(joints), nil
}

// Add writes name to the primary file. An existing name is only replaced with overwrite.
// A name also defined by a later source keeps that source's value in the merged view.
func (s *NamedPoseStore) Add(name string, joints []float64, overwrite bool) error {
	if name == "" {
		return errors.New("named pose needs a name")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	_, exists := s.poses[name]
	s.mu.RUnlock()
	if exists && !overwrite {
		return fmt.Errorf("%w: %q", ErrDuplicateNamedPose, name)
	}

	doc, poses, err := s.readPrimary()
	if err != nil {
		return err
	}
	poses[name] = slices.Clone(joints)
	doc[namedPosesKey] = poses
	if err := s.writePrimary(doc); err != nil {
		return err
	}
	//nolint:errcheck
	s.Reload()
	return nil
}

// Remove deletes name from the primary file.
func (s *NamedPoseStore) Remove(name string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	doc, poses, err := s.readPrimary()
	if err != nil {
		return err
	}
	if _, ok := poses[name]; !ok {
		return fmt.Errorf("%w: %q", ErrMissingNamedPose, name)
	}
	delete(poses, name)
	doc[namedPosesKey] = poses
	if err := s.writePrimary(doc); err != nil {
		return err
	}
	//nolint:errcheck
	s.Reload()
	return nil
}

// readPrimary returns the primary document and its named_poses mapping. Other top-level keys
// are kept so they survive the write back.
func (s *NamedPoseStore) readPrimary() (map[string]interface{}, map[string]interface{}, error) {
	doc := map[string]interface{}{}
	data, err := os.ReadFile(s.primary)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrConfigSourceUnreadable, s.primary, err)
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %w", ErrConfigSourceUnreadable, s.primary, err)
		}
		if doc == nil {
			doc = map[string]interface{}{}
		}
	}
	poses, ok := doc[namedPosesKey].(map[string]interface{})
	if !ok {
		poses = map[string]interface{}{}
	}
	return doc, poses, nil
}

func (s *NamedPoseStore) writePrimary(doc map[string]interface{}) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.primary), 0o755); err != nil {
		return err
	}
	tmp := s.primary + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.primary)
}

// Primary is the writable source.
func (s *NamedPoseStore) Primary() string {
	return s.primary
}

// Sources lists the read-only sources in merge order.
func (s *NamedPoseStore) Sources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.sources)
}

// AddSource appends a read-only source and reloads. Adding a known source is a no-op. A
// source that cannot be read yet stays listed and is skipped until a later reload finds it.
func (s *NamedPoseStore) AddSource(path string) error {
	path = cleanPath(path)
	s.mu.Lock()
	if path == s.primary || lo.Contains(s.sources, path) {
		s.mu.Unlock()
		return nil
	}
	s.sources = append(s.sources, path)
	if s.watcher != nil {
		if err := s.watcher.Add(filepath.Dir(path)); err != nil {
			s.logger.Warnf("cannot watch %s: %v", path, err)
		}
	}
	s.mu.Unlock()
	//nolint:errcheck
	s.Reload()
	return nil
}

// RemoveSource drops a read-only source and reloads.
func (s *NamedPoseStore) RemoveSource(path string) error {
	path = cleanPath(path)
	s.mu.Lock()
	if !lo.Contains(s.sources, path) {
		s.mu.Unlock()
		return fmt.Errorf("%s is not a named pose source", path)
	}
	s.sources = lo.Without(s.sources, path)
	s.mu.Unlock()
	return s.Reload()
}

func (s *NamedPoseStore) watchedFiles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string{s.primary}, s.sources...)
}

// Watch reloads the store whenever one of its files changes, until ctx is done.
func (s *NamedPoseStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dirs := lo.Uniq(lo.Map(s.watchedFiles(), func(p string, _ int) string { return filepath.Dir(p) }))
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			s.logger.Warnf("cannot watch %s: %v", dir, err)
		}
	}
	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.watcher = nil
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename) {
				continue
			}
			if !lo.Contains(s.watchedFiles(), filepath.Clean(ev.Name)) {
				continue
			}
			s.logger.Debugf("named pose config %s changed, reloading", ev.Name)
			//nolint:errcheck
			s.Reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warnf("named pose watcher: %v", err)
		}
	}
}

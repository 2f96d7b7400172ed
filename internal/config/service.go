package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Service holds an in-memory configuration snapshot. The snapshot is
// reloaded only after Save or when the backing file's modification time
// changes; callers that need a stable view for a whole run keep the value
// returned by Snapshot instead of calling it repeatedly.
type Service struct {
	mu      sync.Mutex
	path    string
	snap    *Config
	modTime time.Time
	stale   bool
}

// NewService loads the file at path (which may not exist yet) and returns
// a Service over it.
func NewService(path string) (*Service, error) {
	s := &Service{path: path, stale: true}
	if _, err := s.Snapshot(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Service) Path() string {
	return s.path
}

// Snapshot returns a copy of the current configuration, reloading it first
// if the source changed.
func (s *Service) Snapshot() (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mt := s.fileModTime()
	if s.snap == nil || s.stale || !mt.Equal(s.modTime) {
		cfg, err := LoadFile(s.path)
		if err != nil {
			return Config{}, err
		}
		if s.snap != nil {
			zap.L().Debug("config: reloaded", zap.String("path", s.path))
		}
		s.snap = cfg
		s.modTime = mt
		s.stale = false
	}
	return clone(s.snap), nil
}

// Save writes cfg to the backing file and invalidates the snapshot.
func (s *Service) Save(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return eris.New("config: save: service has no backing file")
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return eris.Wrap(err, "config: marshal")
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrap(err, "config: create dir")
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrap(err, "config: write temp file")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return eris.Wrap(err, "config: replace file")
	}
	s.stale = true
	return nil
}

// Invalidate forces the next Snapshot to reload from the source.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
}

func (s *Service) fileModTime() time.Time {
	if s.path == "" {
		return time.Time{}
	}
	fi, err := os.Stat(s.path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}

func clone(c *Config) Config {
	out := *c
	out.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	return out
}

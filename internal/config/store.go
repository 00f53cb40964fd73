package config

import (
	"sync/atomic"
)

// Store hands the refresh loop a consistent configuration snapshot each
// cycle. The web interface rewrites the file between cycles; Snapshot
// re-reads it and swaps the parsed copy in atomically, so a reader never
// observes a half-written config. On read/parse failure the last good
// snapshot stays in effect.
type Store struct {
	path string
	cur  atomic.Pointer[Config]
}

// NewStore creates a Store around an already-loaded config.
func NewStore(path string, initial *Config) *Store {
	s := &Store{path: path}
	if initial == nil {
		initial = DefaultConfig()
	}
	s.cur.Store(initial)
	return s
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Current returns the last snapshot without touching the file.
func (s *Store) Current() *Config { return s.cur.Load() }

// Snapshot re-reads the config file and returns the fresh snapshot. If
// the file is unreadable or malformed, the previous snapshot is returned
// along with the error; callers log and carry on.
func (s *Store) Snapshot() (*Config, error) {
	cfg, err := Load(s.path)
	if err != nil {
		return s.cur.Load(), err
	}
	s.cur.Store(cfg)
	return cfg, nil
}

// Replace persists cfg and makes it the current snapshot. Used by the
// web interface when settings are saved.
func (s *Store) Replace(cfg *Config) error {
	if err := Save(s.path, cfg); err != nil {
		return err
	}
	s.cur.Store(cfg)
	return nil
}

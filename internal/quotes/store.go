package quotes

import (
	"sync/atomic"

	"github.com/terribilis/litclock2/internal/config"
)

// Store is the swap-on-write holder shared between the refresh loop
// (reader) and the web interface (reloader). Reload builds a whole new
// Index off to the side and publishes it with a single pointer swap, so
// a concurrent Lookup sees either the fully-old or fully-new index.
type Store struct {
	cur atomic.Pointer[Index]
}

// NewStore wraps an already-loaded index.
func NewStore(idx *Index) *Store {
	s := &Store{}
	if idx == nil {
		idx = &Index{byTime: map[string][]Entry{}}
	}
	s.cur.Store(idx)
	return s
}

// Index returns the current snapshot.
func (s *Store) Index() *Index { return s.cur.Load() }

// Lookup delegates to the current snapshot.
func (s *Store) Lookup(timeKey string, filter config.ContentFilter) (Entry, error) {
	return s.cur.Load().Lookup(timeKey, filter)
}

// Reload rebuilds the index from path and swaps it in. On failure the
// previous index stays published.
func (s *Store) Reload(path string) (*Index, error) {
	idx, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	s.cur.Store(idx)
	return idx, nil
}

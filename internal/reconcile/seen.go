package reconcile

import "sync"

// seenSet is a bounded set of fill keys with insertion-order eviction. It
// absorbs websocket replays and overlapping polls; capacity should be at
// least ten times the expected number of open orders. No ecosystem LRU is
// needed because lookups never refresh recency: a fill key is hot only
// around its emission time.
type seenSet struct {
	mu    sync.Mutex
	keys  map[string]struct{}
	order []string
	cap   int
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = 1024
	}
	return &seenSet{
		keys: make(map[string]struct{}, capacity),
		cap:  capacity,
	}
}

// Add inserts a key, evicting the oldest entry when full. Returns false if
// the key was already present.
func (s *seenSet) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.keys[key]; dup {
		return false
	}
	if len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.keys, oldest)
	}
	s.keys[key] = struct{}{}
	s.order = append(s.order, key)
	return true
}

// Has reports membership without mutating.
func (s *seenSet) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}

// Len returns the current population.
func (s *seenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

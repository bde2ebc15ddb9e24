package usecase

import "sync"

// InFlight is the set of order ids currently being processed.
type InFlight struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

func NewInFlight() *InFlight {
	return &InFlight{ids: make(map[int64]struct{})}
}

// TryAcquire marks id busy. It returns false if id is already in flight.
func (g *InFlight) TryAcquire(id int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.ids[id]; busy {
		return false
	}
	g.ids[id] = struct{}{}
	return true
}

func (g *InFlight) Release(id int64) {
	g.mu.Lock()
	delete(g.ids, id)
	g.mu.Unlock()
}

func (g *InFlight) Busy(id int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.ids[id]
	return busy
}

// RecentSet remembers the last N keys in insertion order.
type RecentSet struct {
	mu    sync.Mutex
	cap   int
	order []string
	keys  map[string]struct{}
}

func NewRecentSet(capacity int) *RecentSet {
	if capacity <= 0 {
		capacity = 1000
	}
	return &RecentSet{cap: capacity, keys: make(map[string]struct{}, capacity)}
}

// Add reports whether key was new. The oldest key is evicted at capacity.
func (s *RecentSet) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
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

func (s *RecentSet) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}

// Remove forgets key so a later event for it is processed again.
func (s *RecentSet) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; !ok {
		return
	}
	delete(s.keys, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

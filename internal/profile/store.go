package profile

import (
	"container/list"
	"sort"
	"sync"
	"time"
)

// Store is a bounded, least-recently-used set of finalized profiles. It is the
// reference population single-wallet lookups are clustered against.
type Store struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	entries  map[string]*list.Element
	now      func() time.Time
}

type storeEntry struct {
	profile  *Profile
	storedAt time.Time
}

// NewStore creates a store holding at most capacity profiles
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Store{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		now:      time.Now,
	}
}

// Put inserts or replaces a finalized profile, evicting the least recently used
// entry when full. Unfinalized profiles are ignored.
func (s *Store) Put(p *Profile) {
	if p == nil || !p.IsFinalized() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &storeEntry{profile: p, storedAt: s.now()}
	if el, ok := s.entries[p.Address()]; ok {
		el.Value = entry
		s.order.MoveToFront(el)
		return
	}

	s.entries[p.Address()] = s.order.PushFront(entry)
	for s.order.Len() > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*storeEntry).profile.Address())
	}
}

// Get returns the stored profile and marks it recently used
func (s *Store) Get(address string) (*Profile, bool) {
	return s.GetFresh(address, 0)
}

// GetFresh is Get restricted to profiles stored within maxAge. A stale
// profile is reported as missing but stays in the population until replaced.
// maxAge <= 0 disables the age check.
func (s *Store) GetFresh(address string, maxAge time.Duration) (*Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[address]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*storeEntry)
	if maxAge > 0 && s.now().Sub(entry.storedAt) >= maxAge {
		return nil, false
	}
	s.order.MoveToFront(el)
	return entry.profile, true
}

// Delete drops a profile, e.g. after new transactions were ingested
func (s *Store) Delete(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[address]; ok {
		s.order.Remove(el)
		delete(s.entries, address)
	}
}

// Snapshot returns every stored profile ordered by address
func (s *Store) Snapshot() []*Profile {
	s.mu.Lock()
	out := make([]*Profile, 0, len(s.entries))
	for _, el := range s.entries {
		out = append(out, el.Value.(*storeEntry).profile)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address() < out[j].Address() })
	return out
}

// Len returns the number of stored profiles
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

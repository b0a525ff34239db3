package admission

import (
	"sort"
	"sync"

	"github.com/ruteri/vless-provisioning-backend/interfaces"
	"github.com/ruteri/vless-provisioning-backend/metrics"
)

// PendingStore holds credentials that are live in the engine but not yet
// persisted. Entries exist in memory only and are lost on restart.
type PendingStore struct {
	mu      sync.RWMutex
	entries map[string]interfaces.PendingCredential
}

// NewPendingStore returns an empty store.
func NewPendingStore() *PendingStore {
	return &PendingStore{entries: make(map[string]interfaces.PendingCredential)}
}

// Add inserts or replaces the entry for the credential id.
func (s *PendingStore) Add(p interfaces.PendingCredential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[p.ID] = p
	metrics.PendingCredentials.Set(float64(len(s.entries)))
}

// Get returns the entry for the credential id, if any.
func (s *PendingStore) Get(id string) (interfaces.PendingCredential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.entries[id]
	return p, ok
}

// Remove deletes the entry and reports whether it was present.
func (s *PendingStore) Remove(id string) bool {
	_, ok := s.Take(id)
	return ok
}

// Take deletes the entry and returns it. Of two concurrent callers only one
// gets ok.
func (s *PendingStore) Take(id string) (interfaces.PendingCredential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.entries[id]
	delete(s.entries, id)
	metrics.PendingCredentials.Set(float64(len(s.entries)))
	return p, ok
}

// All returns a snapshot ordered by creation time, then id.
func (s *PendingStore) All() []interfaces.PendingCredential {
	s.mu.RLock()
	all := make([]interfaces.PendingCredential, 0, len(s.entries))
	for _, p := range s.entries {
		all = append(all, p)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	return all
}

// Exists reports whether the credential id is pending.
func (s *PendingStore) Exists(id string) bool {
	_, ok := s.Get(id)
	return ok
}

// Count returns the number of pending credentials.
func (s *PendingStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/vless-provisioning-backend/interfaces"
)

// MemoryRegistry keeps clients in process memory.
type MemoryRegistry struct {
	mu      sync.RWMutex
	seq     int64
	clients map[string]interfaces.PersistedClient
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{clients: make(map[string]interfaces.PersistedClient)}
}

var _ interfaces.ClientRegistry = (*MemoryRegistry)(nil)

func (r *MemoryRegistry) Create(ctx context.Context, c interfaces.PersistedClient) (interfaces.PersistedClient, error) {
	if c.CredentialID == "" {
		return interfaces.PersistedClient{}, fmt.Errorf("%w: empty credential id", interfaces.ErrIllegalState)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[c.CredentialID]; exists {
		return interfaces.PersistedClient{}, fmt.Errorf("%w: %s", interfaces.ErrClientExists, c.CredentialID)
	}

	r.seq++
	c.ID = r.seq
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	r.clients[c.CredentialID] = c
	return c, nil
}

func (r *MemoryRegistry) FindByCredentialID(ctx context.Context, credentialID string) (interfaces.PersistedClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[credentialID]
	if !ok {
		return interfaces.PersistedClient{}, fmt.Errorf("%w: %s", interfaces.ErrClientNotFound, credentialID)
	}
	return c, nil
}

func (r *MemoryRegistry) Update(ctx context.Context, c interfaces.PersistedClient) (interfaces.PersistedClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.clients[c.CredentialID]
	if !ok {
		return interfaces.PersistedClient{}, fmt.Errorf("%w: %s", interfaces.ErrClientNotFound, c.CredentialID)
	}
	c.ID = stored.ID
	c.CreatedAt = stored.CreatedAt
	r.clients[c.CredentialID] = c
	return c, nil
}

func (r *MemoryRegistry) Delete(ctx context.Context, credentialID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[credentialID]; !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrClientNotFound, credentialID)
	}
	delete(r.clients, credentialID)
	return nil
}

func (r *MemoryRegistry) ListActive(ctx context.Context) ([]interfaces.PersistedClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]interfaces.PersistedClient, 0, len(r.clients))
	for _, c := range r.clients {
		if c.IsActive {
			active = append(active, c)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active, nil
}

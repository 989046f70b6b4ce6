package secctx

import (
	"context"
	"sync"

	"callguard/pkg/models"
)

// Registry stores active security contexts keyed by call id. Mutations are
// atomic single-key operations so sweeps and lookups interleave safely.
// Implementations may share state across processes (Redis) or not (memory).
type Registry interface {
	Get(ctx context.Context, callID string) (models.SecurityContext, bool, error)
	Put(ctx context.Context, sc models.SecurityContext) error
	// Append atomically adds one trail entry to the stored context and returns
	// the updated context. Concurrent appends for the same call must not lose
	// entries. The boolean reports presence.
	Append(ctx context.Context, callID string, entry models.AuditEntry) (models.SecurityContext, bool, error)
	Delete(ctx context.Context, callID string) error
	List(ctx context.Context) ([]models.SecurityContext, error)
}

// MemoryRegistry is the single-process Registry.
type MemoryRegistry struct {
	mu    sync.Mutex
	items map[string]models.SecurityContext
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{items: map[string]models.SecurityContext{}}
}

func (r *MemoryRegistry) Get(ctx context.Context, callID string) (models.SecurityContext, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.items[callID]
	return sc, ok, nil
}

func (r *MemoryRegistry) Put(ctx context.Context, sc models.SecurityContext) error {
	r.mu.Lock()
	r.items[sc.CallID] = sc
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) Append(ctx context.Context, callID string, entry models.AuditEntry) (models.SecurityContext, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.items[callID]
	if !ok {
		return models.SecurityContext{}, false, nil
	}
	sc.AuditTrail = append(append([]models.AuditEntry(nil), sc.AuditTrail...), entry)
	r.items[callID] = sc
	return sc, true, nil
}

func (r *MemoryRegistry) Delete(ctx context.Context, callID string) error {
	r.mu.Lock()
	delete(r.items, callID)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]models.SecurityContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.SecurityContext, 0, len(r.items))
	for _, sc := range r.items {
		out = append(out, sc)
	}
	return out, nil
}

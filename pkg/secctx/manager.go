package secctx

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"callguard/pkg/audit"
	"callguard/pkg/gateway"
	"callguard/pkg/identity"
	"callguard/pkg/models"
	"callguard/pkg/permissions"
)

var (
	// ErrUnauthorized propagates identity resolution failure; the call
	// boundary must refuse tool access entirely, never degrade to public.
	ErrUnauthorized = identity.ErrUnauthorized
	// ErrNoContext means a tool was invoked against an unknown call id,
	// which is a lifecycle bug at the webhook boundary.
	ErrNoContext = errors.New("no security context found")
	// ErrContextExpired means the context outlived its fixed TTL. Distinct
	// from ErrNoContext so the two are separable in logs and responses.
	ErrContextExpired = errors.New("security context expired")
)

const DefaultTTL = time.Hour

// Manager issues, looks up and destroys per-call security contexts. It is the
// only component that mutates the registry.
type Manager struct {
	Store    gateway.Store
	Registry Registry
	Audit    *audit.Logger
	TTL      time.Duration
	Now      func() time.Time

	// ExpiredHook, when set, receives the number of contexts destroyed by
	// each cleanup pass. Both the background sweep and operator-triggered
	// cleanups report through it.
	ExpiredHook func(destroyed int)
}

func NewManager(store gateway.Store, registry Registry, logger *audit.Logger, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		Store:    store,
		Registry: registry,
		Audit:    logger,
		TTL:      ttl,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

// Create resolves the caller's identity, classifies the tier, derives the
// permission set and registers a new context. Resolution failure rejects the
// call outright; no partial context is ever registered. A duplicate call id
// (redelivered webhook) replaces the old context after destroying it, so its
// audit trail is flushed to the sinks rather than silently overwritten.
func (m *Manager) Create(ctx context.Context, callID, phoneNumber string, metadata map[string]string) (models.SecurityContext, error) {
	if callID == "" {
		return models.SecurityContext{}, errors.New("call id required")
	}
	if phoneNumber == "" {
		return models.SecurityContext{}, errors.New("phone number required")
	}

	resolver := identity.Resolver{Store: m.Store}
	binding, err := resolver.Resolve(ctx, phoneNumber, metadata)
	if err != nil {
		return models.SecurityContext{}, err
	}
	level, err := identity.Classify(ctx, m.Store, phoneNumber, binding)
	if err != nil {
		return models.SecurityContext{}, err
	}
	perms := permissions.For(level)

	if existing, ok, err := m.Registry.Get(ctx, callID); err != nil {
		return models.SecurityContext{}, fmt.Errorf("registry lookup: %w", err)
	} else if ok {
		m.destroy(ctx, existing, audit.EventContextReplaced, "replaced by duplicate call start event")
	}

	now := m.now()
	actor := models.TemporaryActor{
		ID:        "tmp-" + uuid.New().String(),
		TenantID:  binding.TenantID,
		CallID:    callID,
		CreatedAt: now,
	}
	if err := m.Store.CreateTemporaryActor(ctx, actor); err != nil {
		return models.SecurityContext{}, fmt.Errorf("create temporary actor: %w", err)
	}

	sc := models.SecurityContext{
		CallID:          callID,
		PhoneNumber:     identity.NormalizePhone(phoneNumber),
		TenantID:        binding.TenantID,
		TemporaryUserID: actor.ID,
		IdentityKind:    binding.IdentityKind,
		IdentityID:      binding.IdentityID,
		SecurityLevel:   level,
		Permissions:     perms,
		IssuedAt:        now,
		ExpiresAt:       now.Add(m.TTL),
		Metadata:        metadata,
	}
	entry := models.AuditEntry{
		Timestamp:  now,
		Action:     "create_context",
		Resource:   "security_context",
		Authorized: true,
		Reasoning:  fmt.Sprintf("identity %s resolved to tenant %s at level %s", binding.IdentityKind, binding.TenantID, level),
	}
	sc.AuditTrail = append(sc.AuditTrail, entry)
	if err := m.Registry.Put(ctx, sc); err != nil {
		return models.SecurityContext{}, fmt.Errorf("register context: %w", err)
	}
	m.Audit.Record(ctx, sc, audit.EventContextCreated, entry)
	return sc, nil
}

// Context is a pure lookup with no side effects. The second return reports
// presence; absent contexts are not an error here.
func (m *Manager) Context(ctx context.Context, callID string) (models.SecurityContext, bool) {
	sc, ok, err := m.Registry.Get(ctx, callID)
	if err != nil {
		log.Printf("context lookup failed for %s: %v", callID, err)
		return models.SecurityContext{}, false
	}
	return sc, ok
}

// AppendTrail adds one entry to the context's trail. The registry append is a
// single atomic operation, so concurrent tool invocations for the same call
// (redelivered or raced webhooks) cannot drop each other's entries.
func (m *Manager) AppendTrail(ctx context.Context, callID string, entry models.AuditEntry) (models.SecurityContext, error) {
	sc, ok, err := m.Registry.Append(ctx, callID, entry)
	if err != nil {
		return models.SecurityContext{}, fmt.Errorf("append trail: %w", err)
	}
	if !ok {
		return models.SecurityContext{}, ErrNoContext
	}
	return sc, nil
}

// Destroy removes the context and marks its temporary actor reclaimable.
// Idempotent: destroying an absent or already-destroyed context is a no-op.
func (m *Manager) Destroy(ctx context.Context, callID string) {
	sc, ok, err := m.Registry.Get(ctx, callID)
	if err != nil {
		log.Printf("destroy lookup failed for %s: %v", callID, err)
		return
	}
	if !ok {
		return
	}
	m.destroy(ctx, sc, audit.EventContextDestroyed, "call ended")
}

func (m *Manager) destroy(ctx context.Context, sc models.SecurityContext, eventType, reason string) {
	entry := models.AuditEntry{
		Timestamp:  m.now(),
		Action:     "destroy_context",
		Resource:   "security_context",
		Authorized: true,
		Reasoning:  reason,
	}
	if err := m.Registry.Delete(ctx, sc.CallID); err != nil {
		log.Printf("registry delete failed for %s: %v", sc.CallID, err)
	}
	if err := m.Store.ReclaimTemporaryActor(ctx, sc.TemporaryUserID); err != nil {
		log.Printf("reclaim temporary actor %s failed: %v", sc.TemporaryUserID, err)
	}
	m.Audit.Record(ctx, sc, eventType, entry)
}

// CleanupExpired destroys every context past its TTL and sweeps reclaimable
// temporary actors in the same pass. Safe to interleave with creation and
// lookup; registry mutations are single-key.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	contexts, err := m.Registry.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("registry list: %w", err)
	}
	now := m.now()
	destroyed := 0
	for _, sc := range contexts {
		if !sc.Expired(now) {
			continue
		}
		m.destroy(ctx, sc, audit.EventContextExpired, "context TTL exceeded")
		destroyed++
	}
	if _, err := m.Store.SweepReclaimedActors(ctx, now); err != nil {
		log.Printf("sweep reclaimed actors failed: %v", err)
	}
	if destroyed > 0 && m.ExpiredHook != nil {
		m.ExpiredHook(destroyed)
	}
	return destroyed, nil
}

// SweepLoop runs CleanupExpired on a fixed interval until ctx is cancelled.
// The sweep is the only unbounded-growth guard on the registry, so failures
// are logged and the loop keeps running.
func (m *Manager) SweepLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.CleanupExpired(ctx)
			if err != nil {
				log.Printf("context sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("context sweep destroyed %d expired contexts", n)
			}
		}
	}
}

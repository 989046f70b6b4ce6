package gateway

import (
	"context"
	"errors"
	"time"

	"callguard/pkg/models"
)

// ErrNotFound is returned by lookups with no matching record.
var ErrNotFound = errors.New("record not found")

// Store is the persistence gateway the security subsystem depends on. The
// platform's document store sits behind it; the security layer only ever
// touches these narrow read/write calls.
type Store interface {
	TenantByID(ctx context.Context, id string) (models.Tenant, error)
	// TenantByLine maps a tenant's inbound phone line to the tenant, used to
	// bind callers that match no identity record.
	TenantByLine(ctx context.Context, line string) (models.Tenant, error)

	// ContactByPhone matches a normalized phone number against contact
	// records across tenants. First match wins.
	ContactByPhone(ctx context.Context, phone string) (models.Contact, error)
	// MembershipsByPhone returns every tenant membership whose user carries
	// the normalized phone number, ordered by membership id. A number may
	// belong to several tenants; classification stays scoped to one resolved
	// tenant.
	MembershipsByPhone(ctx context.Context, phone string) ([]models.Membership, error)
	// TenantMembershipByPhone scopes the membership lookup to one tenant.
	TenantMembershipByPhone(ctx context.Context, tenantID, phone string) (models.Membership, error)

	CreateTemporaryActor(ctx context.Context, actor models.TemporaryActor) error
	// ReclaimTemporaryActor marks the per-call actor reclaimable once the
	// owning context is destroyed.
	ReclaimTemporaryActor(ctx context.Context, id string) error
	// SweepReclaimedActors removes reclaimable actors created before the
	// cutoff and reports how many were removed.
	SweepReclaimedActors(ctx context.Context, before time.Time) (int, error)

	CreateAppointment(ctx context.Context, appt models.Appointment) (models.Appointment, error)
	OrdersByTenant(ctx context.Context, tenantID string) ([]models.Order, error)
	OrdersByContact(ctx context.Context, tenantID, contactID string) ([]models.Order, error)
	CreateContact(ctx context.Context, contact models.Contact) (models.Contact, error)
	BusinessHoursByTenant(ctx context.Context, tenantID string) (models.BusinessHours, error)
}

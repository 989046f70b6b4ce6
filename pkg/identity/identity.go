package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"callguard/pkg/gateway"
	"callguard/pkg/models"
)

// ErrUnauthorized is the only failure surfaced to the call boundary. Which
// lookup failed stays internal so valid tenants and numbers are not probeable.
var ErrUnauthorized = errors.New("caller not authorized")

// Binding is the outcome of resolving an inbound phone number: exactly one
// tenant, plus the identity record (if any) that matched.
type Binding struct {
	TenantID     string
	IdentityKind models.IdentityKind
	IdentityID   string
}

// NormalizePhone reduces a phone number to bare digits. Eleven-digit numbers
// with a US trunk prefix lose the leading 1 so +1 (555) 123-4567 and
// 555-123-4567 compare equal. Identity matching is exact after this.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		return digits[1:]
	}
	return digits
}

// metadata keys the resolver understands. Everything else in call metadata is
// opaque to this layer.
const metaCalledNumber = "calledNumber"

// Resolver maps an inbound phone number to a tenant and identity.
type Resolver struct {
	Store gateway.Store
}

// Resolve binds the caller. Match order: contact record, tenant membership,
// then the called inbound line (public caller). Anything else, or a resolved
// tenant that is not active, is ErrUnauthorized; no default tenant exists.
func (r Resolver) Resolve(ctx context.Context, phoneNumber string, metadata map[string]string) (Binding, error) {
	phone := NormalizePhone(phoneNumber)
	if phone == "" {
		return Binding{}, ErrUnauthorized
	}

	if contact, err := r.Store.ContactByPhone(ctx, phone); err == nil {
		if err := r.requireActiveTenant(ctx, contact.TenantID); err != nil {
			return Binding{}, err
		}
		return Binding{TenantID: contact.TenantID, IdentityKind: models.IdentityContact, IdentityID: contact.ID}, nil
	} else if !errors.Is(err, gateway.ErrNotFound) {
		return Binding{}, fmt.Errorf("contact lookup: %w", err)
	}

	memberships, err := r.Store.MembershipsByPhone(ctx, phone)
	if err != nil {
		return Binding{}, fmt.Errorf("membership lookup: %w", err)
	}
	if len(memberships) > 0 {
		// The store orders by membership id, so a number held in several
		// tenants binds the same tenant on every call.
		m := memberships[0]
		if err := r.requireActiveTenant(ctx, m.TenantID); err != nil {
			return Binding{}, err
		}
		return Binding{TenantID: m.TenantID, IdentityKind: models.IdentityMember, IdentityID: m.ID}, nil
	}

	// No identity record. The caller can still be bound as a public caller of
	// the tenant owning the dialed line.
	if line := NormalizePhone(metadata[metaCalledNumber]); line != "" {
		if tenant, err := r.Store.TenantByLine(ctx, line); err == nil {
			if !tenant.Active() {
				return Binding{}, ErrUnauthorized
			}
			return Binding{TenantID: tenant.ID, IdentityKind: models.IdentityNone}, nil
		} else if !errors.Is(err, gateway.ErrNotFound) {
			return Binding{}, fmt.Errorf("tenant line lookup: %w", err)
		}
	}

	return Binding{}, ErrUnauthorized
}

func (r Resolver) requireActiveTenant(ctx context.Context, tenantID string) error {
	tenant, err := r.Store.TenantByID(ctx, tenantID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return ErrUnauthorized
		}
		return fmt.Errorf("tenant lookup: %w", err)
	}
	if !tenant.Active() {
		return ErrUnauthorized
	}
	return nil
}

// Classify determines the caller's tier for the tenant bound during
// resolution. Membership beats contact: a phone number that is both a
// tenant member and a stored contact classifies by its membership role.
// The check is always scoped to the binding's tenant, never global.
func Classify(ctx context.Context, store gateway.Store, phoneNumber string, binding Binding) (models.SecurityLevel, error) {
	phone := NormalizePhone(phoneNumber)
	membership, err := store.TenantMembershipByPhone(ctx, binding.TenantID, phone)
	switch {
	case err == nil:
		if membership.AdminRole() {
			return models.LevelAdmin, nil
		}
		return models.LevelTenantMember, nil
	case errors.Is(err, gateway.ErrNotFound):
	default:
		return "", fmt.Errorf("membership classify: %w", err)
	}
	if binding.IdentityKind == models.IdentityContact {
		return models.LevelCustomer, nil
	}
	return models.LevelPublic, nil
}

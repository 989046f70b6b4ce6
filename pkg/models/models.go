package models

import (
	"encoding/json"
	"sort"
	"time"
)

// SecurityLevel is the coarse privilege tier of a caller.
type SecurityLevel string

const (
	LevelPublic       SecurityLevel = "public"
	LevelCustomer     SecurityLevel = "customer"
	LevelTenantMember SecurityLevel = "tenant_member"
	LevelAdmin        SecurityLevel = "admin"
)

// Permission strings. PermExecuteAll short-circuits any tool check.
const (
	PermReadPublicInfo    = "read:public_info"
	PermCreateApptRequest = "create:appointment_request"
	PermReadOwnData       = "read:own_data"
	PermWriteOwnData      = "write:own_data"
	PermExecCustomerTools = "execute:customer_tools"
	PermReadTenantData    = "read:tenant_data"
	PermReadCustomerData  = "read:customer_data"
	PermWriteCustomerData = "write:customer_data"
	PermExecMemberTools   = "execute:member_tools"
	PermManageAppts       = "manage:appointments"
	PermWriteTenantData   = "write:tenant_data"
	PermExecAdminTools    = "execute:admin_tools"
	PermReadAnalytics     = "read:analytics"
	PermExecuteAll        = "execute:*"
)

// PermissionSet supports membership tests only; order is irrelevant.
// It marshals as a sorted JSON array so registry round-trips are stable.
type PermissionSet map[string]struct{}

func NewPermissionSet(perms ...string) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

func (s PermissionSet) Has(perm string) bool {
	_, ok := s[perm]
	return ok
}

func (s PermissionSet) Clone() PermissionSet {
	out := make(PermissionSet, len(s))
	for p := range s {
		out[p] = struct{}{}
	}
	return out
}

func (s PermissionSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *PermissionSet) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*s = NewPermissionSet(list...)
	return nil
}

// IdentityKind records how a caller's phone number was matched.
type IdentityKind string

const (
	IdentityContact IdentityKind = "contact"
	IdentityMember  IdentityKind = "member"
	IdentityNone    IdentityKind = "none"
)

// SecurityContext is the time-bounded, per-call credential binding an identity,
// tenant, permission set and audit trail. Addressed by CallID.
type SecurityContext struct {
	CallID          string            `json:"call_id"`
	PhoneNumber     string            `json:"phone_number"`
	TenantID        string            `json:"tenant_id"`
	TemporaryUserID string            `json:"temporary_user_id"`
	IdentityKind    IdentityKind      `json:"identity_kind"`
	IdentityID      string            `json:"identity_id,omitempty"`
	SecurityLevel   SecurityLevel     `json:"security_level"`
	Permissions     PermissionSet     `json:"permissions"`
	IssuedAt        time.Time         `json:"issued_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
	AuditTrail      []AuditEntry      `json:"audit_trail"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the context is past its fixed TTL. The TTL is set at
// creation and never extended by activity.
func (c SecurityContext) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// AuditEntry is one decision recorded against a context's trail, appended in
// invocation order.
type AuditEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	Resource   string    `json:"resource"`
	Authorized bool      `json:"authorized"`
	Reasoning  string    `json:"reasoning"`
	IPAddress  string    `json:"ip_address,omitempty"`
}

// Tenant statuses. Only active tenants accept calls.
const (
	TenantActive    = "active"
	TenantSuspended = "suspended"
	TenantArchived  = "archived"
)

type Tenant struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	InboundLine string `json:"inbound_line,omitempty"`
}

func (t Tenant) Active() bool {
	return t.Status == TenantActive
}

// Contact is a customer record scoped to one tenant. Phone holds the
// normalized (digits-only) number used for exact identity matching.
type Contact struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Email     string    `json:"email,omitempty"`
	Source    string    `json:"source,omitempty"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Membership roles. Admin and owner classify as administrative.
const (
	RoleAdmin  = "admin"
	RoleOwner  = "owner"
	RoleMember = "member"
	RoleStaff  = "staff"
)

// Membership links a platform user to a tenant with a role. Phone is the
// normalized number of the underlying user.
type Membership struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Phone    string `json:"phone"`
	Role     string `json:"role"`
}

func (m Membership) AdminRole() bool {
	return m.Role == RoleAdmin || m.Role == RoleOwner
}

// TemporaryActor is the ephemeral acting identity created per call so that
// downstream writes have a consistent created-by reference. Reclaimable actors
// are removed by the same sweep that expires contexts.
type TemporaryActor struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	CallID      string    `json:"call_id"`
	CreatedAt   time.Time `json:"created_at"`
	Reclaimable bool      `json:"reclaimable"`
}

type Appointment struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Title     string    `json:"title"`
	StartsAt  time.Time `json:"starts_at"`
	Notes     string    `json:"notes,omitempty"`
	ContactID string    `json:"contact_id,omitempty"`
	Source    string    `json:"source"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type Order struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	ContactID  string    `json:"contact_id"`
	Status     string    `json:"status"`
	TotalCents int64     `json:"total_cents"`
	PlacedAt   time.Time `json:"placed_at"`
}

type DayHours struct {
	Day   string `json:"day"`
	Open  string `json:"open"`
	Close string `json:"close"`
}

type BusinessHours struct {
	TenantID string     `json:"tenant_id"`
	Timezone string     `json:"timezone"`
	Days     []DayHours `json:"days"`
}

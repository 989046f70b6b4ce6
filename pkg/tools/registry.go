package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"callguard/pkg/gateway"
	"callguard/pkg/identity"
	"callguard/pkg/models"
)

// Handler performs one named tool against the persistence gateway. Tenant and
// actor scope come only from the context; caller-supplied tenant ids in
// params are never trusted.
type Handler func(ctx context.Context, store gateway.Store, sc models.SecurityContext, params map[string]any) (any, error)

type Tool struct {
	Name               string
	RequiredPermission string
	Handler            Handler
}

// Registry maps tool names to handlers and required permissions. It is the
// single source of truth for the authorization policy surface; adding a tool
// is a registration, not a new dispatch branch.
type Registry struct {
	tools map[string]Tool
}

func (r *Registry) Register(t Tool) {
	if r.tools == nil {
		r.tools = map[string]Tool{}
	}
	r.tools[t.Name] = t
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// NewRegistry builds the fixed tool table.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register(Tool{Name: "book_appointment", RequiredPermission: models.PermCreateApptRequest, Handler: bookAppointment})
	r.Register(Tool{Name: "get_order_status", RequiredPermission: models.PermReadOwnData, Handler: getOrderStatus})
	r.Register(Tool{Name: "create_crm_contact", RequiredPermission: models.PermWriteCustomerData, Handler: createCRMContact})
	r.Register(Tool{Name: "get_business_hours", RequiredPermission: models.PermReadPublicInfo, Handler: getBusinessHours})
	return r
}

func stringParam(params map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := params[key]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func bookAppointment(ctx context.Context, store gateway.Store, sc models.SecurityContext, params map[string]any) (any, error) {
	title := stringParam(params, "title", "service")
	if title == "" {
		title = "Appointment request"
	}
	rawTime := stringParam(params, "startsAt", "time", "date")
	if rawTime == "" {
		return nil, errors.New("appointment time required")
	}
	startsAt, err := time.Parse(time.RFC3339, rawTime)
	if err != nil {
		return nil, fmt.Errorf("invalid appointment time %q: %w", rawTime, err)
	}
	appt := models.Appointment{
		ID:        "appt-" + uuid.New().String(),
		TenantID:  sc.TenantID,
		Title:     title,
		StartsAt:  startsAt.UTC(),
		Notes:     stringParam(params, "notes"),
		Source:    "voice_call",
		CreatedBy: sc.TemporaryUserID,
		CreatedAt: time.Now().UTC(),
	}
	if sc.IdentityKind == models.IdentityContact {
		appt.ContactID = sc.IdentityID
	}
	created, err := store.CreateAppointment(ctx, appt)
	if err != nil {
		return nil, fmt.Errorf("create appointment: %w", err)
	}
	return map[string]any{
		"appointment_id": created.ID,
		"starts_at":      created.StartsAt.Format(time.RFC3339),
		"title":          created.Title,
	}, nil
}

// getOrderStatus reads orders under the context's tenant. Customer-tier
// callers only see orders belonging to the contact their phone number
// resolved to; member and admin tiers see the tenant's orders.
func getOrderStatus(ctx context.Context, store gateway.Store, sc models.SecurityContext, params map[string]any) (any, error) {
	var (
		orders []models.Order
		err    error
	)
	if sc.SecurityLevel == models.LevelCustomer {
		orders, err = store.OrdersByContact(ctx, sc.TenantID, sc.IdentityID)
	} else {
		orders, err = store.OrdersByTenant(ctx, sc.TenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("order lookup: %w", err)
	}
	items := make([]map[string]any, 0, len(orders))
	for _, o := range orders {
		items = append(items, map[string]any{
			"order_id":  o.ID,
			"status":    o.Status,
			"total":     o.TotalCents,
			"placed_at": o.PlacedAt.Format(time.RFC3339),
		})
	}
	return map[string]any{"orders": items, "count": len(items)}, nil
}

func createCRMContact(ctx context.Context, store gateway.Store, sc models.SecurityContext, params map[string]any) (any, error) {
	name := stringParam(params, "name")
	if name == "" {
		return nil, errors.New("contact name required")
	}
	phone := identity.NormalizePhone(stringParam(params, "phone", "phoneNumber"))
	if phone == "" {
		return nil, errors.New("contact phone required")
	}
	contact := models.Contact{
		ID:        "contact-" + uuid.New().String(),
		TenantID:  sc.TenantID,
		Name:      name,
		Phone:     phone,
		Email:     stringParam(params, "email"),
		Source:    "voice_call",
		CreatedBy: sc.TemporaryUserID,
		CreatedAt: time.Now().UTC(),
	}
	created, err := store.CreateContact(ctx, contact)
	if err != nil {
		return nil, fmt.Errorf("create contact: %w", err)
	}
	return map[string]any{"contact_id": created.ID, "name": created.Name}, nil
}

func getBusinessHours(ctx context.Context, store gateway.Store, sc models.SecurityContext, params map[string]any) (any, error) {
	hours, err := store.BusinessHoursByTenant(ctx, sc.TenantID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return map[string]any{"hours": []models.DayHours{}, "timezone": ""}, nil
		}
		return nil, fmt.Errorf("business hours lookup: %w", err)
	}
	return map[string]any{"hours": hours.Days, "timezone": hours.Timezone}, nil
}

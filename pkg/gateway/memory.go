package gateway

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"callguard/pkg/models"
)

// Memory is an in-memory Store used in tests and single-node development.
type Memory struct {
	mu           sync.Mutex
	tenants      map[string]models.Tenant
	contacts     map[string]models.Contact
	memberships  map[string]models.Membership
	actors       map[string]models.TemporaryActor
	appointments map[string]models.Appointment
	orders       map[string]models.Order
	hours        map[string]models.BusinessHours
	seq          int
}

func NewMemory() *Memory {
	return &Memory{
		tenants:      map[string]models.Tenant{},
		contacts:     map[string]models.Contact{},
		memberships:  map[string]models.Membership{},
		actors:       map[string]models.TemporaryActor{},
		appointments: map[string]models.Appointment{},
		orders:       map[string]models.Order{},
		hours:        map[string]models.BusinessHours{},
	}
}

func (m *Memory) nextID(prefix string) string {
	m.seq++
	return prefix + "-" + strconv.Itoa(m.seq)
}

// Seed helpers for tests and dev fixtures.

func (m *Memory) AddTenant(t models.Tenant) {
	m.mu.Lock()
	m.tenants[t.ID] = t
	m.mu.Unlock()
}

func (m *Memory) AddContact(c models.Contact) {
	m.mu.Lock()
	if c.ID == "" {
		c.ID = m.nextID("contact")
	}
	m.contacts[c.ID] = c
	m.mu.Unlock()
}

func (m *Memory) AddMembership(mb models.Membership) {
	m.mu.Lock()
	if mb.ID == "" {
		mb.ID = m.nextID("member")
	}
	m.memberships[mb.ID] = mb
	m.mu.Unlock()
}

func (m *Memory) AddOrder(o models.Order) {
	m.mu.Lock()
	if o.ID == "" {
		o.ID = m.nextID("order")
	}
	m.orders[o.ID] = o
	m.mu.Unlock()
}

func (m *Memory) SetBusinessHours(h models.BusinessHours) {
	m.mu.Lock()
	m.hours[h.TenantID] = h
	m.mu.Unlock()
}

func (m *Memory) TenantByID(ctx context.Context, id string) (models.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return models.Tenant{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) TenantByLine(ctx context.Context, line string) (models.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tenants {
		if t.InboundLine != "" && t.InboundLine == line {
			return t, nil
		}
	}
	return models.Tenant{}, ErrNotFound
}

func (m *Memory) ContactByPhone(ctx context.Context, phone string) (models.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.contacts {
		if c.Phone == phone {
			return c, nil
		}
	}
	return models.Contact{}, ErrNotFound
}

func (m *Memory) MembershipsByPhone(ctx context.Context, phone string) ([]models.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Membership
	for _, mb := range m.memberships {
		if mb.Phone == phone {
			out = append(out, mb)
		}
	}
	// Lowest membership id first, matching the SQL store, so a number held in
	// several tenants always binds the same way.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) TenantMembershipByPhone(ctx context.Context, tenantID, phone string) (models.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mb := range m.memberships {
		if mb.TenantID == tenantID && mb.Phone == phone {
			return mb, nil
		}
	}
	return models.Membership{}, ErrNotFound
}

func (m *Memory) CreateTemporaryActor(ctx context.Context, actor models.TemporaryActor) error {
	m.mu.Lock()
	m.actors[actor.ID] = actor
	m.mu.Unlock()
	return nil
}

func (m *Memory) ReclaimTemporaryActor(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	actor, ok := m.actors[id]
	if !ok {
		return nil
	}
	actor.Reclaimable = true
	m.actors[id] = actor
	return nil
}

func (m *Memory) SweepReclaimedActors(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, actor := range m.actors {
		if actor.Reclaimable && actor.CreatedAt.Before(before) {
			delete(m.actors, id)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) CreateAppointment(ctx context.Context, appt models.Appointment) (models.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if appt.ID == "" {
		appt.ID = m.nextID("appt")
	}
	m.appointments[appt.ID] = appt
	return appt, nil
}

func (m *Memory) OrdersByTenant(ctx context.Context, tenantID string) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.TenantID == tenantID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *Memory) OrdersByContact(ctx context.Context, tenantID, contactID string) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.TenantID == tenantID && o.ContactID == contactID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *Memory) CreateContact(ctx context.Context, contact models.Contact) (models.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if contact.ID == "" {
		contact.ID = m.nextID("contact")
	}
	m.contacts[contact.ID] = contact
	return contact, nil
}

func (m *Memory) BusinessHoursByTenant(ctx context.Context, tenantID string) (models.BusinessHours, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hours[tenantID]
	if !ok {
		return models.BusinessHours{}, ErrNotFound
	}
	return h, nil
}

// Appointments returns a copy of stored appointments, for test assertions.
func (m *Memory) Appointments() []models.Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Appointment, 0, len(m.appointments))
	for _, a := range m.appointments {
		out = append(out, a)
	}
	return out
}

// Actors returns a copy of stored temporary actors, for test assertions.
func (m *Memory) Actors() []models.TemporaryActor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.TemporaryActor, 0, len(m.actors))
	for _, a := range m.actors {
		out = append(out, a)
	}
	return out
}

// Contacts returns a copy of stored contacts, for test assertions.
func (m *Memory) Contacts() []models.Contact {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Contact, 0, len(m.contacts))
	for _, c := range m.contacts {
		out = append(out, c)
	}
	return out
}

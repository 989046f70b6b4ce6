//go:build integration

package gateway

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"callguard/pkg/models"
)

// TestPostgresStoreWithRealDatabase exercises the Store against a real
// PostgreSQL instance using the shipped schema.
// Run with: go test -tags=integration -timeout 180s ./pkg/gateway/...
func TestPostgresStoreWithRealDatabase(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	schema, err := os.ReadFile("../../migrations/0001_init.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	store := NewPostgres(pool)
	seed := []string{
		`INSERT INTO tenants(id, name, status, inbound_line) VALUES ('t1','Acme','active','5550001111')`,
		`INSERT INTO contacts(id, tenant_id, name, phone) VALUES ('c1','t1','Pat','5551234567')`,
		`INSERT INTO tenant_memberships(id, tenant_id, user_id, phone, role) VALUES ('m1','t1','u1','5559990000','owner')`,
		`INSERT INTO orders(id, tenant_id, contact_id, status, total_cents) VALUES ('o1','t1','c1','shipped',4200)`,
		`INSERT INTO business_hours(tenant_id, timezone, day, open_time, close_time) VALUES ('t1','UTC','monday','09:00','17:00')`,
	}
	for _, stmt := range seed {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	tenant, err := store.TenantByLine(ctx, "5550001111")
	if err != nil || tenant.ID != "t1" || !tenant.Active() {
		t.Fatalf("tenant lookup: %+v err=%v", tenant, err)
	}
	contact, err := store.ContactByPhone(ctx, "5551234567")
	if err != nil || contact.ID != "c1" {
		t.Fatalf("contact lookup: %+v err=%v", contact, err)
	}
	if _, err := store.ContactByPhone(ctx, "5550000000"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	membership, err := store.TenantMembershipByPhone(ctx, "t1", "5559990000")
	if err != nil || !membership.AdminRole() {
		t.Fatalf("membership lookup: %+v err=%v", membership, err)
	}

	actor := models.TemporaryActor{ID: "tmp-1", TenantID: "t1", CallID: "call-1", CreatedAt: time.Now().UTC().Add(-time.Hour)}
	if err := store.CreateTemporaryActor(ctx, actor); err != nil {
		t.Fatalf("create actor: %v", err)
	}
	if err := store.ReclaimTemporaryActor(ctx, "tmp-1"); err != nil {
		t.Fatalf("reclaim actor: %v", err)
	}
	swept, err := store.SweepReclaimedActors(ctx, time.Now().UTC())
	if err != nil || swept != 1 {
		t.Fatalf("sweep: n=%d err=%v", swept, err)
	}

	appt, err := store.CreateAppointment(ctx, models.Appointment{
		ID: "appt-1", TenantID: "t1", Title: "Cleaning", StartsAt: time.Now().UTC().Add(24 * time.Hour),
		ContactID: "c1", Source: "voice_call", CreatedBy: "tmp-1", CreatedAt: time.Now().UTC(),
	})
	if err != nil || appt.ID != "appt-1" {
		t.Fatalf("create appointment: %+v err=%v", appt, err)
	}

	orders, err := store.OrdersByContact(ctx, "t1", "c1")
	if err != nil || len(orders) != 1 || orders[0].TotalCents != 4200 {
		t.Fatalf("orders by contact: %+v err=%v", orders, err)
	}

	hours, err := store.BusinessHoursByTenant(ctx, "t1")
	if err != nil || hours.Timezone != "UTC" || len(hours.Days) != 1 {
		t.Fatalf("business hours: %+v err=%v", hours, err)
	}
	if _, err := store.BusinessHoursByTenant(ctx, "t9"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for missing hours, got %v", err)
	}
}

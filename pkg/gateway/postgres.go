package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"callguard/pkg/models"
)

// pgDB is the narrow slice of pgxpool.Pool the store uses.
type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Store over a pgx pool.
type Postgres struct {
	DB pgDB
}

func NewPostgres(db pgDB) *Postgres {
	return &Postgres{DB: db}
}

var (
	pgxPoolNewWithConfig = pgxpool.NewWithConfig
	connectRetries       = 30
	connectRetryDelay    = 2 * time.Second
	pingTimeout          = 2 * time.Second
	connectSleep         = time.Sleep
)

// NewPostgresPool opens the pool from DATABASE_URL (or discrete DATABASE_*
// vars), retrying until the database answers a ping.
func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		dsn = defaultPostgresURL()
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv("DATABASE_REQUIRE_TLS")), "true") {
		if err := validateTLSMode(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	var lastErr error
	for i := 0; i < connectRetries; i++ {
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			connectSleep(connectRetryDelay)
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
		connectSleep(connectRetryDelay)
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func defaultPostgresURL() string {
	user := strings.TrimSpace(os.Getenv("DATABASE_USER"))
	if user == "" {
		user = "callguard"
	}
	host := strings.TrimSpace(os.Getenv("DATABASE_HOST"))
	if host == "" {
		host = "localhost"
	}
	port := strings.TrimSpace(os.Getenv("DATABASE_PORT"))
	if port == "" {
		port = "5432"
	}
	name := strings.TrimSpace(os.Getenv("DATABASE_NAME"))
	if name == "" {
		name = "callguard"
	}
	sslmode := strings.TrimSpace(os.Getenv("DATABASE_SSLMODE"))
	if sslmode == "" {
		sslmode = "disable"
	}
	uri := &url.URL{Scheme: "postgres", Host: host + ":" + port, Path: "/" + name}
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		uri.User = url.UserPassword(user, password)
	} else {
		uri.User = url.User(user)
	}
	q := uri.Query()
	q.Set("sslmode", sslmode)
	uri.RawQuery = q.Encode()
	return uri.String()
}

func validateTLSMode(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode"))) {
	case "require", "verify-ca", "verify-full":
		return nil
	default:
		return errors.New("DATABASE_REQUIRE_TLS=true requires sslmode=require|verify-ca|verify-full")
	}
}

func (p *Postgres) TenantByID(ctx context.Context, id string) (models.Tenant, error) {
	row := p.DB.QueryRow(ctx, `
		SELECT id, name, status, COALESCE(inbound_line, '')
		FROM tenants WHERE id=$1
	`, id)
	return scanTenant(row)
}

func (p *Postgres) TenantByLine(ctx context.Context, line string) (models.Tenant, error) {
	row := p.DB.QueryRow(ctx, `
		SELECT id, name, status, COALESCE(inbound_line, '')
		FROM tenants WHERE inbound_line=$1
	`, line)
	return scanTenant(row)
}

func scanTenant(row pgx.Row) (models.Tenant, error) {
	var t models.Tenant
	if err := row.Scan(&t.ID, &t.Name, &t.Status, &t.InboundLine); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Tenant{}, ErrNotFound
		}
		return models.Tenant{}, err
	}
	return t, nil
}

func (p *Postgres) ContactByPhone(ctx context.Context, phone string) (models.Contact, error) {
	row := p.DB.QueryRow(ctx, `
		SELECT id, tenant_id, name, phone, COALESCE(email, ''), COALESCE(source, ''), COALESCE(created_by, ''), created_at
		FROM contacts WHERE phone=$1
		ORDER BY created_at ASC LIMIT 1
	`, phone)
	var c models.Contact
	if err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Phone, &c.Email, &c.Source, &c.CreatedBy, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Contact{}, ErrNotFound
		}
		return models.Contact{}, err
	}
	return c, nil
}

func (p *Postgres) MembershipsByPhone(ctx context.Context, phone string) ([]models.Membership, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT id, tenant_id, user_id, phone, role
		FROM tenant_memberships WHERE phone=$1
		ORDER BY id ASC
	`, phone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Membership
	for rows.Next() {
		var m models.Membership
		if err := rows.Scan(&m.ID, &m.TenantID, &m.UserID, &m.Phone, &m.Role); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) TenantMembershipByPhone(ctx context.Context, tenantID, phone string) (models.Membership, error) {
	row := p.DB.QueryRow(ctx, `
		SELECT id, tenant_id, user_id, phone, role
		FROM tenant_memberships WHERE tenant_id=$1 AND phone=$2
		LIMIT 1
	`, tenantID, phone)
	var m models.Membership
	if err := row.Scan(&m.ID, &m.TenantID, &m.UserID, &m.Phone, &m.Role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Membership{}, ErrNotFound
		}
		return models.Membership{}, err
	}
	return m, nil
}

func (p *Postgres) CreateTemporaryActor(ctx context.Context, actor models.TemporaryActor) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO temporary_actors(id, tenant_id, call_id, created_at, reclaimable)
		VALUES ($1,$2,$3,$4,$5)
	`, actor.ID, actor.TenantID, actor.CallID, actor.CreatedAt, actor.Reclaimable)
	return err
}

func (p *Postgres) ReclaimTemporaryActor(ctx context.Context, id string) error {
	_, err := p.DB.Exec(ctx, `UPDATE temporary_actors SET reclaimable=true WHERE id=$1`, id)
	return err
}

func (p *Postgres) SweepReclaimedActors(ctx context.Context, before time.Time) (int, error) {
	tag, err := p.DB.Exec(ctx, `
		DELETE FROM temporary_actors WHERE reclaimable=true AND created_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) CreateAppointment(ctx context.Context, appt models.Appointment) (models.Appointment, error) {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO appointments(id, tenant_id, title, starts_at, notes, contact_id, source, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, appt.ID, appt.TenantID, appt.Title, appt.StartsAt, appt.Notes, appt.ContactID, appt.Source, appt.CreatedBy, appt.CreatedAt)
	if err != nil {
		return models.Appointment{}, err
	}
	return appt, nil
}

func (p *Postgres) OrdersByTenant(ctx context.Context, tenantID string) ([]models.Order, error) {
	return p.queryOrders(ctx, `
		SELECT id, tenant_id, contact_id, status, total_cents, placed_at
		FROM orders WHERE tenant_id=$1 ORDER BY placed_at DESC
	`, tenantID)
}

func (p *Postgres) OrdersByContact(ctx context.Context, tenantID, contactID string) ([]models.Order, error) {
	return p.queryOrders(ctx, `
		SELECT id, tenant_id, contact_id, status, total_cents, placed_at
		FROM orders WHERE tenant_id=$1 AND contact_id=$2 ORDER BY placed_at DESC
	`, tenantID, contactID)
}

func (p *Postgres) queryOrders(ctx context.Context, sql string, args ...any) ([]models.Order, error) {
	rows, err := p.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Order
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.ID, &o.TenantID, &o.ContactID, &o.Status, &o.TotalCents, &o.PlacedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateContact(ctx context.Context, contact models.Contact) (models.Contact, error) {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO contacts(id, tenant_id, name, phone, email, source, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, contact.ID, contact.TenantID, contact.Name, contact.Phone, contact.Email, contact.Source, contact.CreatedBy, contact.CreatedAt)
	if err != nil {
		return models.Contact{}, err
	}
	return contact, nil
}

func (p *Postgres) BusinessHoursByTenant(ctx context.Context, tenantID string) (models.BusinessHours, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT tenant_id, timezone, day, open_time, close_time
		FROM business_hours WHERE tenant_id=$1 ORDER BY id ASC
	`, tenantID)
	if err != nil {
		return models.BusinessHours{}, err
	}
	defer rows.Close()
	var hours models.BusinessHours
	for rows.Next() {
		var day models.DayHours
		if err := rows.Scan(&hours.TenantID, &hours.Timezone, &day.Day, &day.Open, &day.Close); err != nil {
			return models.BusinessHours{}, err
		}
		hours.Days = append(hours.Days, day)
	}
	if err := rows.Err(); err != nil {
		return models.BusinessHours{}, err
	}
	if hours.TenantID == "" {
		return models.BusinessHours{}, ErrNotFound
	}
	return hours, nil
}

package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeDB struct {
	applied    map[string]bool
	tx         *fakeTx
	execErr    error
	beginErr   error
	lookupErr  error
	lookupSQLs []string
}

func (f *fakeDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.lookupSQLs = append(f.lookupSQLs, sql)
	if f.lookupErr != nil {
		return fakeRow{err: f.lookupErr}
	}
	name, _ := args[0].(string)
	return fakeRow{exists: f.applied[name]}
}

func (f *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	if f.tx == nil {
		f.tx = &fakeTx{}
	}
	return f.tx, nil
}

type fakeRow struct {
	exists bool
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	b, ok := dest[0].(*bool)
	if !ok {
		return errors.New("expected bool dest")
	}
	*b = r.exists
	return nil
}

type fakeTx struct {
	statements    []string
	execErr       error
	commitErr     error
	rollbackCalls int
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) Commit(ctx context.Context) error          { return t.commitErr }
func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rollbackCalls++
	return nil
}
func (t *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(ctx context.Context, name string, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.execErr != nil {
		return pgconn.CommandTag{}, t.execErr
	}
	t.statements = append(t.statements, sql)
	return pgconn.NewCommandTag("EXEC 1"), nil
}
func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{err: errors.New("not implemented")}
}
func (t *fakeTx) Conn() *pgx.Conn { return nil }

func migrationsFS() fstest.MapFS {
	return fstest.MapFS{
		"0001_init.sql":    {Data: []byte("CREATE TABLE a (id TEXT);")},
		"0002_orders.sql":  {Data: []byte("CREATE TABLE b (id TEXT);")},
		"notes.txt":        {Data: []byte("not a migration")},
		"0003_weather.sql": {Data: []byte("CREATE TABLE c (id TEXT);")},
	}
}

func TestApplyMigrationsInOrder(t *testing.T) {
	db := &fakeDB{applied: map[string]bool{}}
	var logs []string
	logf := func(format string, args ...any) { logs = append(logs, format) }

	if err := applyMigrations(context.Background(), db, migrationsFS(), logf); err != nil {
		t.Fatalf("applyMigrations failed: %v", err)
	}
	// Three sql files, applied lexically; the txt file is ignored.
	want := []string{
		"CREATE TABLE a (id TEXT);",
		"CREATE TABLE b (id TEXT);",
		"CREATE TABLE c (id TEXT);",
	}
	var gotSQL []string
	for _, stmt := range db.tx.statements {
		if strings.HasPrefix(stmt, "CREATE TABLE") {
			gotSQL = append(gotSQL, stmt)
		}
	}
	if len(gotSQL) != len(want) {
		t.Fatalf("expected %d migration statements, got %d: %v", len(want), len(gotSQL), gotSQL)
	}
	for i := range want {
		if gotSQL[i] != want[i] {
			t.Fatalf("migration %d out of order: %q", i, gotSQL[i])
		}
	}
}

func TestApplyMigrationsSkipsApplied(t *testing.T) {
	db := &fakeDB{applied: map[string]bool{"0001_init.sql": true, "0002_orders.sql": true}}
	if err := applyMigrations(context.Background(), db, migrationsFS(), func(string, ...any) {}); err != nil {
		t.Fatalf("applyMigrations failed: %v", err)
	}
	for _, stmt := range db.tx.statements {
		if strings.Contains(stmt, "TABLE a") || strings.Contains(stmt, "TABLE b") {
			t.Fatalf("already-applied migration re-run: %q", stmt)
		}
	}
}

func TestApplyMigrationsRollsBackOnFailure(t *testing.T) {
	tx := &fakeTx{execErr: errors.New("syntax error")}
	db := &fakeDB{applied: map[string]bool{}, tx: tx}
	err := applyMigrations(context.Background(), db, migrationsFS(), func(string, ...any) {})
	if err == nil || !strings.Contains(err.Error(), "apply migration") {
		t.Fatalf("expected apply error, got %v", err)
	}
	if tx.rollbackCalls != 1 {
		t.Fatalf("expected 1 rollback, got %d", tx.rollbackCalls)
	}
}

func TestApplyMigrationsLookupError(t *testing.T) {
	db := &fakeDB{lookupErr: errors.New("db gone")}
	err := applyMigrations(context.Background(), db, migrationsFS(), func(string, ...any) {})
	if err == nil || !strings.Contains(err.Error(), "migration lookup") {
		t.Fatalf("expected lookup error, got %v", err)
	}
}

func TestApplyMigrationsNilDB(t *testing.T) {
	if err := applyMigrations(context.Background(), nil, migrationsFS(), nil); err == nil {
		t.Fatal("expected error for nil db")
	}
}

package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides CRUD operations for all Crewdeck records backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the Crewdeck database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "crewdeck.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(1)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open crewdeck db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		clerk_user_id TEXT NOT NULL UNIQUE,
		email         TEXT NOT NULL DEFAULT '',
		name          TEXT NOT NULL DEFAULT '',
		image_url     TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL,
		deleted_at    INTEGER
	);
	CREATE TABLE IF NOT EXISTS organizations (
		id           TEXT PRIMARY KEY,
		clerk_org_id TEXT NOT NULL UNIQUE,
		name         TEXT NOT NULL DEFAULT '',
		slug         TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		deleted_at   INTEGER
	);
	CREATE TABLE IF NOT EXISTS memberships (
		org_id     TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		role       TEXT NOT NULL DEFAULT 'member',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (org_id, user_id)
	);
	CREATE TABLE IF NOT EXISTS subscriptions (
		id                       TEXT PRIMARY KEY,
		user_id                  TEXT NOT NULL,
		org_id                   TEXT NOT NULL DEFAULT '',
		type                     TEXT NOT NULL DEFAULT 'personal',
		stripe_subscription_id   TEXT,
		stripe_customer_id       TEXT NOT NULL DEFAULT '',
		stripe_price_id          TEXT NOT NULL DEFAULT '',
		status                   TEXT NOT NULL DEFAULT 'active',
		tier                     TEXT NOT NULL DEFAULT 'pro',
		current_period_start     INTEGER,
		current_period_end       INTEGER,
		cancel_at_period_end     INTEGER NOT NULL DEFAULT 0,
		scheduled_downgrade_tier TEXT NOT NULL DEFAULT '',
		canceled_at              INTEGER,
		created_at               INTEGER NOT NULL,
		updated_at               INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_stripe_id
		ON subscriptions(stripe_subscription_id)
		WHERE stripe_subscription_id IS NOT NULL AND stripe_subscription_id != '';
	CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions(user_id);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_customer_id ON subscriptions(stripe_customer_id);
	CREATE TABLE IF NOT EXISTS billing_intents (
		stripe_subscription_id TEXT PRIMARY KEY,
		kind                   TEXT NOT NULL,
		created_at             INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS tasks (
		id          TEXT PRIMARY KEY,
		org_id      TEXT NOT NULL,
		creator_id  TEXT NOT NULL,
		title       TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'todo',
		priority    TEXT NOT NULL DEFAULT 'medium',
		due_date    INTEGER,
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_org_id ON tasks(org_id);
	CREATE TABLE IF NOT EXISTS orders (
		id            TEXT PRIMARY KEY,
		org_id        TEXT NOT NULL,
		creator_id    TEXT NOT NULL,
		customer_name TEXT NOT NULL DEFAULT '',
		amount_cents  INTEGER NOT NULL DEFAULT 0,
		currency      TEXT NOT NULL DEFAULT 'USD',
		status        TEXT NOT NULL DEFAULT 'pending',
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_orders_org_id ON orders(org_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init crewdeck schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullableUnixTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.Unix(v.Int64, 0).UTC()
	return &ts
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

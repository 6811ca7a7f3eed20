package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rcourtman/memorial-studio/pkg/plans"
	_ "modernc.org/sqlite"
)

// Registry persists users, orders, generation records, and payment anomalies
// in SQLite.
type Registry struct {
	db *sql.DB
}

// NewRegistry opens (or creates) the studio database in dir.
func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dbPath := filepath.Join(dir, "studio.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open studio registry db: %w", err)
	}
	// A single connection serializes writers, which makes the conditional
	// insert in ReserveGeneration atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &Registry{db: db}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		email      TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS orders (
		id                TEXT PRIMARY KEY,
		user_id           TEXT NOT NULL REFERENCES users(id),
		tier              TEXT NOT NULL,
		provider          TEXT NOT NULL,
		provider_order_id TEXT NOT NULL,
		product_id        TEXT NOT NULL DEFAULT '',
		paid_at           INTEGER NOT NULL,
		created_at        INTEGER NOT NULL,
		UNIQUE (provider, provider_order_id)
	);
	CREATE INDEX IF NOT EXISTS idx_orders_user_created ON orders(user_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS generations (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL REFERENCES users(id),
		operation    TEXT NOT NULL,
		original_url TEXT NOT NULL DEFAULT '',
		result_url   TEXT NOT NULL DEFAULT '',
		settings     TEXT NOT NULL DEFAULT '{}',
		status       TEXT NOT NULL DEFAULT 'complete',
		created_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_generations_user_created ON generations(user_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS payment_anomalies (
		id                   TEXT PRIMARY KEY,
		provider             TEXT NOT NULL,
		event_type           TEXT NOT NULL DEFAULT '',
		provider_order_id    TEXT NOT NULL DEFAULT '',
		product_id           TEXT NOT NULL DEFAULT '',
		customer_external_id TEXT NOT NULL DEFAULT '',
		customer_email       TEXT NOT NULL DEFAULT '',
		reason               TEXT NOT NULL,
		created_at           INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payment_anomalies_created ON payment_anomalies(created_at DESC);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("init studio registry schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (r *Registry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CreateUser inserts a new user record.
func (r *Registry) CreateUser(ctx context.Context, u *User) error {
	if u == nil {
		return fmt.Errorf("user is nil")
	}
	if u.ID == "" {
		u.ID = GenerateUserID()
	}
	u.Email = NormalizeEmail(u.Email)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, avatar_url, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.AvatarURL, u.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// UpsertUserByEmail returns the user with email, creating it on first
// sign-in. Non-empty name and avatar values refresh the stored profile.
func (r *Registry) UpsertUserByEmail(ctx context.Context, email, name, avatarURL string) (*User, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, avatar_url, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE users.name END,
			avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE users.avatar_url END`,
		GenerateUserID(), email, name, avatarURL, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return r.FindUserByEmail(ctx, email)
}

// FindUserByID retrieves a user by ID. Returns nil, nil when absent.
func (r *Registry) FindUserByID(ctx context.Context, id string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, email, name, avatar_url, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// FindUserByEmail retrieves a user by email. Returns nil, nil when absent.
func (r *Registry) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, email, name, avatar_url, created_at FROM users WHERE email = ?`, NormalizeEmail(email))
	return scanUser(row)
}

// InsertOrder stores o unless an order with the same provider order id
// already exists. It reports whether a row was written.
func (r *Registry) InsertOrder(ctx context.Context, o *Order) (bool, error) {
	if o == nil {
		return false, fmt.Errorf("order is nil")
	}
	if o.ProviderOrderID == "" {
		return false, fmt.Errorf("provider order id is required")
	}
	if o.ID == "" {
		o.ID = GenerateOrderID()
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.PaidAt.IsZero() {
		o.PaidAt = o.CreatedAt
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, tier, provider, provider_order_id, product_id, paid_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, provider_order_id) DO NOTHING`,
		o.ID, o.UserID, string(o.Tier), o.Provider, o.ProviderOrderID, o.ProductID,
		o.PaidAt.UnixMilli(), o.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert order rows affected: %w", err)
	}
	return n == 1, nil
}

// ListOrdersByUser returns the user's orders, most recent first.
func (r *Registry) ListOrdersByUser(ctx context.Context, userID string) ([]*Order, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT
		id, user_id, tier, provider, provider_order_id, product_id, paid_at, created_at
		FROM orders WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// InsertGeneration stores a completed generation record.
func (r *Registry) InsertGeneration(ctx context.Context, g *Generation) error {
	if err := prepareGeneration(g, GenerationComplete); err != nil {
		return err
	}
	settings, err := encodeSettings(g.Settings)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO generations (id, user_id, operation, original_url, result_url, settings, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.UserID, string(g.Operation), g.OriginalURL, g.ResultURL, settings, string(g.Status), g.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

// ReserveGeneration inserts a pending generation record only while the user
// has fewer than limit records. It reports whether the reservation was taken.
func (r *Registry) ReserveGeneration(ctx context.Context, g *Generation, limit int) (bool, error) {
	if err := prepareGeneration(g, GenerationPending); err != nil {
		return false, err
	}
	settings, err := encodeSettings(g.Settings)
	if err != nil {
		return false, err
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO generations (id, user_id, operation, original_url, result_url, settings, status, created_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?
		WHERE (SELECT COUNT(*) FROM generations WHERE user_id = ?) < ?`,
		g.ID, g.UserID, string(g.Operation), g.OriginalURL, g.ResultURL, settings, string(g.Status), g.CreatedAt.UnixMilli(),
		g.UserID, limit,
	)
	if err != nil {
		return false, fmt.Errorf("reserve generation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve generation rows affected: %w", err)
	}
	return n == 1, nil
}

// CompleteGeneration marks a reserved generation as delivered.
func (r *Registry) CompleteGeneration(ctx context.Context, id, originalURL, resultURL string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE generations SET status = ?, original_url = ?, result_url = ?
		WHERE id = ?`,
		string(GenerationComplete), originalURL, resultURL, id,
	)
	if err != nil {
		return fmt.Errorf("complete generation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("generation %s not found", id)
	}
	return nil
}

// DeleteGeneration removes a generation record (used to release a reservation).
func (r *Registry) DeleteGeneration(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM generations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete generation: %w", err)
	}
	return nil
}

// CountGenerationsByUser counts every generation record owned by userID,
// including in-flight reservations.
func (r *Registry) CountGenerationsByUser(ctx context.Context, userID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM generations WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count generations: %w", err)
	}
	return n, nil
}

// ListGenerationsByUser returns up to limit completed generations, newest first.
func (r *Registry) ListGenerationsByUser(ctx context.Context, userID string, limit int) ([]*Generation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT
		id, user_id, operation, original_url, result_url, settings, status, created_at
		FROM generations WHERE user_id = ? AND status = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, userID, string(GenerationComplete), limit)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var out []*Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// RecordAnomaly stores a payment anomaly for later reconciliation.
func (r *Registry) RecordAnomaly(ctx context.Context, a *PaymentAnomaly) error {
	if a == nil {
		return fmt.Errorf("anomaly is nil")
	}
	if a.ID == "" {
		a.ID = GenerateAnomalyID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_anomalies (
			id, provider, event_type, provider_order_id, product_id,
			customer_external_id, customer_email, reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Provider, a.EventType, a.ProviderOrderID, a.ProductID,
		a.CustomerExternalID, a.CustomerEmail, a.Reason, a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record payment anomaly: %w", err)
	}
	return nil
}

// ListAnomalies returns up to limit anomalies, newest first.
func (r *Registry) ListAnomalies(ctx context.Context, limit int) ([]*PaymentAnomaly, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT
		id, provider, event_type, provider_order_id, product_id,
		customer_external_id, customer_email, reason, created_at
		FROM payment_anomalies ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list payment anomalies: %w", err)
	}
	defer rows.Close()

	var out []*PaymentAnomaly
	for rows.Next() {
		var a PaymentAnomaly
		var createdAt int64
		if err := rows.Scan(
			&a.ID, &a.Provider, &a.EventType, &a.ProviderOrderID, &a.ProductID,
			&a.CustomerExternalID, &a.CustomerEmail, &a.Reason, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan payment anomaly: %w", err)
		}
		a.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Stats is an aggregate row count snapshot.
type Stats struct {
	Users       int `json:"users"`
	Orders      int `json:"orders"`
	Generations int `json:"generations"`
	Anomalies   int `json:"payment_anomalies"`
}

// Stats returns aggregate counts across all tables.
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := r.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM users),
		(SELECT COUNT(*) FROM orders),
		(SELECT COUNT(*) FROM generations),
		(SELECT COUNT(*) FROM payment_anomalies)`,
	).Scan(&st.Users, &st.Orders, &st.Generations, &st.Anomalies)
	if err != nil {
		return Stats{}, fmt.Errorf("registry stats: %w", err)
	}
	return st, nil
}

func prepareGeneration(g *Generation, status GenerationStatus) error {
	if g == nil {
		return fmt.Errorf("generation is nil")
	}
	if g.UserID == "" {
		return fmt.Errorf("generation user id is required")
	}
	if g.ID == "" {
		g.ID = GenerateGenerationID()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	g.Status = status
	return nil
}

func encodeSettings(settings map[string]string) (string, error) {
	if len(settings) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("encode generation settings: %w", err)
	}
	return string(data), nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*User, error) {
	var u User
	var createdAt int64
	if err := s.Scan(&u.ID, &u.Email, &u.Name, &u.AvatarURL, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &u, nil
}

func scanOrder(s scanner) (*Order, error) {
	var o Order
	var tier string
	var paidAt, createdAt int64
	if err := s.Scan(&o.ID, &o.UserID, &tier, &o.Provider, &o.ProviderOrderID, &o.ProductID, &paidAt, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Tier = plans.Tier(tier)
	o.PaidAt = time.UnixMilli(paidAt).UTC()
	o.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &o, nil
}

func scanGeneration(s scanner) (*Generation, error) {
	var g Generation
	var op, settings, status string
	var createdAt int64
	if err := s.Scan(&g.ID, &g.UserID, &op, &g.OriginalURL, &g.ResultURL, &settings, &status, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan generation: %w", err)
	}
	g.Operation = plans.Operation(op)
	g.Status = GenerationStatus(status)
	g.CreatedAt = time.UnixMilli(createdAt).UTC()
	if settings != "" && settings != "{}" {
		if err := json.Unmarshal([]byte(settings), &g.Settings); err != nil {
			return nil, fmt.Errorf("decode generation settings: %w", err)
		}
	}
	return &g, nil
}

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/comicgen/comicd/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// Postgres implements Store over PostgreSQL. Sessions and versions are stored
// as JSONB documents with the columns the queries filter on extracted; events
// are plain rows keyed (session_id, sequence).
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens the database, configures the connection pool, and applies
// pending migrations from the embedded files.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Postgres{db: db}, nil
}

// DB returns the underlying connection for health checks.
func (p *Postgres) DB() *sql.DB { return p.db }

// runMigrations applies pending migrations with golang-migrate from the
// embedded FS. Migration files are compiled into the binary so deployments
// never depend on external SQL files.
func runMigrations(db *sql.DB, dbName string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, dbName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver. m.Close() would also close the database
	// driver, which closes the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

func (p *Postgres) PutSession(ctx context.Context, s *models.Session) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, owner_id, client_token, status, doc, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, now())
		ON CONFLICT (session_id) DO UPDATE
		SET status = EXCLUDED.status, doc = EXCLUDED.doc, updated_at = now()`,
		s.ID, s.OwnerID, s.ClientToken, string(s.Status), doc, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", s.ID, err)
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return p.scanSession(p.db.QueryRowContext(ctx,
		`SELECT doc FROM sessions WHERE session_id = $1`, id))
}

func (p *Postgres) ListSessions(ctx context.Context, ownerID string, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT doc FROM sessions
		WHERE ($1 = '' OR owner_id = $1)
		ORDER BY created_at DESC
		LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var s models.Session
		if err := json.Unmarshal(doc, &s); err != nil {
			return nil, fmt.Errorf("decode session doc: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (p *Postgres) FindByClientToken(ctx context.Context, ownerID, token string) (*models.Session, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return p.scanSession(p.db.QueryRowContext(ctx,
		`SELECT doc FROM sessions WHERE owner_id = $1 AND client_token = $2`, ownerID, token))
}

func (p *Postgres) scanSession(row *sql.Row) (*models.Session, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var s models.Session
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("decode session doc: %w", err)
	}
	return &s, nil
}

func (p *Postgres) DeleteSession(ctx context.Context, id string) error {
	// Versions and events cascade via foreign keys.
	_, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) PutVersion(ctx context.Context, v *models.Version) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal version: %w", err)
	}
	// Versions are immutable: a replayed id is a no-op.
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO versions (version_id, session_id, parent_id, branch, stage, doc, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
		ON CONFLICT (version_id) DO NOTHING`,
		v.ID, v.SessionID, v.ParentID, v.Branch, v.Stage, doc, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert version %s: %w", v.ID, err)
	}
	return nil
}

func (p *Postgres) ListVersions(ctx context.Context, sessionID string) ([]*models.Version, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT doc FROM versions WHERE session_id = $1 ORDER BY created_at, version_id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []*models.Version
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var v models.Version
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, fmt.Errorf("decode version doc: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendEvent(ctx context.Context, sessionID string, sequence int64, kind string, payload []byte) error {
	// Idempotent by (session_id, sequence): crash-replay inserts nothing.
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO events (session_id, sequence, kind, payload, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (session_id, sequence) DO NOTHING`,
		sessionID, sequence, kind, payload)
	if err != nil {
		return fmt.Errorf("append event %s/%d: %w", sessionID, sequence, err)
	}
	return nil
}

func (p *Postgres) ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]StoredEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT session_id, sequence, kind, payload, created_at
		FROM events WHERE session_id = $1 AND sequence > $2
		ORDER BY sequence`, sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var e StoredEvent
		if err := rows.Scan(&e.SessionID, &e.Sequence, &e.Kind, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error { return p.db.Close() }

// HealthStatus reports database health and connection pool statistics.
type HealthStatus struct {
	Status          string `json:"status"`
	ResponseTime    int64  `json:"response_time_ms"`
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
	Idle            int    `json:"idle"`
	WaitCount       int64  `json:"wait_count"`
}

// Health pings the database and returns pool statistics.
func (p *Postgres) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	if err := p.db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}
	stats := p.db.Stats()
	return &HealthStatus{
		Status:          "healthy",
		ResponseTime:    time.Since(start).Milliseconds(),
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
		WaitCount:       stats.WaitCount,
	}, nil
}

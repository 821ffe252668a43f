package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
	"github.com/rs/zerolog"

	"github.com/holorelay/holorelay/internal/errkind"
	"github.com/holorelay/holorelay/internal/metrics"
	"github.com/holorelay/holorelay/internal/scene"
)

// Schema: one JSONB row per scene. The expression index serves the
// per-tenant recency listing without a second table.
const (
	createTableSQL = `
CREATE TABLE IF NOT EXISTS scene_kv (
	id    TEXT PRIMARY KEY,
	value JSONB NOT NULL
)`
	createIndexSQL = `
CREATE INDEX IF NOT EXISTS scene_kv_tenant_created_idx
	ON scene_kv ((value->>'tenantID'), (value->>'createdAt') DESC)`
)

// SQL is the relational backend. The whole record is stored as one JSONB
// value; Put relies on ON CONFLICT DO NOTHING for first-write-wins
// idempotency.
type SQL struct {
	db     *sql.DB
	logger zerolog.Logger
}

// SQLConfig holds connection pool settings.
type SQLConfig struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQL opens the database, verifies connectivity and ensures the schema.
func NewSQL(ctx context.Context, cfg SQLConfig, logger zerolog.Logger) (*SQL, error) {
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindTransient, err, "open database")
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = time.Hour
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errkind.Wrap(errkind.KindTransient, err, "ping database")
	}

	for _, stmt := range []string{createTableSQL, createIndexSQL} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, errkind.Wrap(errkind.KindTransient, err, "ensure schema")
		}
	}

	logger.Info().
		Int("max_open_conns", cfg.MaxOpenConns).
		Msg("Scene store connected (sql backend)")

	return &SQL{db: db, logger: logger}, nil
}

func (s *SQL) Get(ctx context.Context, sceneID string) (*scene.Record, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM scene_kv WHERE id = $1`, sceneID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		metrics.StoreOps.WithLabelValues("get", "error").Inc()
		return nil, errkind.Wrap(errkind.KindTransient, err, "select scene")
	}

	var rec scene.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		// A row we wrote that no longer parses is corrupted state, not a
		// connectivity blip.
		return nil, errkind.Wrap(errkind.KindFatal, err, "decode stored scene")
	}
	metrics.StoreOps.WithLabelValues("get", "ok").Inc()
	return &rec, nil
}

func (s *SQL) Put(ctx context.Context, rec *scene.Record) error {
	if rec == nil || rec.SceneID == "" {
		return errkind.New(errkind.KindInvalidRequest, "record requires a sceneID")
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return errkind.Wrap(errkind.KindInvalidRequest, err, "encode scene record")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scene_kv (id, value) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		rec.SceneID, value)
	if err != nil {
		metrics.StoreOps.WithLabelValues("put", "error").Inc()
		return errkind.Wrap(errkind.KindTransient, err, "insert scene")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		metrics.StoreOps.WithLabelValues("put", "noop").Inc()
	} else {
		metrics.StoreOps.WithLabelValues("put", "ok").Inc()
	}
	return nil
}

func (s *SQL) Delete(ctx context.Context, sceneID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM scene_kv WHERE id = $1`, sceneID); err != nil {
		metrics.StoreOps.WithLabelValues("delete", "error").Inc()
		return errkind.Wrap(errkind.KindTransient, err, "delete scene")
	}
	metrics.StoreOps.WithLabelValues("delete", "ok").Inc()
	return nil
}

func (s *SQL) Has(ctx context.Context, sceneID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM scene_kv WHERE id = $1)`, sceneID).Scan(&exists)
	if err != nil {
		return false, errkind.Wrap(errkind.KindTransient, err, "check scene")
	}
	return exists, nil
}

func (s *SQL) All(ctx context.Context, fn func(rec *scene.Record) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT value FROM scene_kv ORDER BY id`)
	if err != nil {
		return errkind.Wrap(errkind.KindTransient, err, "scan scenes")
	}
	defer rows.Close()

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return errkind.Wrap(errkind.KindTransient, err, "scan scene row")
		}
		var rec scene.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return errkind.Wrap(errkind.KindFatal, err, "decode stored scene")
		}
		if err := fn(&rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return errkind.Wrap(errkind.KindTransient, err, "iterate scenes")
	}
	return nil
}

// RecentByTenant lists up to limit records for a tenant, newest first.
// Served by the tenant/createdAt expression index.
func (s *SQL) RecentByTenant(ctx context.Context, tenantID string, limit int) ([]*scene.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT value FROM scene_kv
		 WHERE value->>'tenantID' = $1
		 ORDER BY value->>'createdAt' DESC
		 LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindTransient, err, "list recent scenes")
	}
	defer rows.Close()

	var out []*scene.Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errkind.Wrap(errkind.KindTransient, err, "scan scene row")
		}
		var rec scene.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, errkind.Wrap(errkind.KindFatal, err, "decode stored scene")
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQL) Close() error {
	return s.db.Close()
}

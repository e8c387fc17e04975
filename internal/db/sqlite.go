package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Timestamps are stored as INTEGER unix milliseconds.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS settings (
    key         TEXT PRIMARY KEY,
    value       TEXT NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS selected_model (
    id          INTEGER PRIMARY KEY CHECK (id = 1),
    model_id    TEXT NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS token_budgets (
    category    TEXT PRIMARY KEY,
    budget      INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS usage_records (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    model           TEXT NOT NULL,
    source          TEXT NOT NULL DEFAULT 'synthetic',
    input_tokens    INTEGER NOT NULL DEFAULT 0,
    output_tokens   INTEGER NOT NULL DEFAULT 0,
    cache_tokens    INTEGER NOT NULL DEFAULT 0,
    cost_usd        REAL NOT NULL DEFAULT 0.0,
    latency_ms      INTEGER NOT NULL DEFAULT 0,
    recorded_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_recorded_at ON usage_records(recorded_at);
CREATE INDEX IF NOT EXISTS idx_usage_model       ON usage_records(model, recorded_at);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS snapshot_history (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    source       TEXT NOT NULL,
    fingerprint  TEXT NOT NULL,
    payload      TEXT NOT NULL,
    recorded_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_recorded_at ON snapshot_history(recorded_at DESC);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// A single connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at INTEGER NOT NULL
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.Get(&count, `SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_versions(version, applied_at) VALUES(?, ?)`, m.version, s.now().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Preferences ──────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveSetting(ctx context.Context, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode setting %q: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO settings(key, value, updated_at) VALUES(?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
    `, key, string(encoded), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save setting %q: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) LoadSettings(ctx context.Context) (map[string]any, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT key, value FROM settings ORDER BY key`); err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	settings := make(map[string]any, len(rows))
	for _, r := range rows {
		var v any
		if err := json.Unmarshal([]byte(r.Value), &v); err != nil {
			return nil, fmt.Errorf("decode setting %q: %w", r.Key, err)
		}
		settings[r.Key] = v
	}
	return settings, nil
}

func (s *sqliteStore) SaveSelectedModel(ctx context.Context, modelID string) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO selected_model(id, model_id, updated_at) VALUES(1, ?, ?)
        ON CONFLICT(id) DO UPDATE SET model_id = excluded.model_id, updated_at = excluded.updated_at
    `, modelID, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save selected model: %w", err)
	}
	return nil
}

func (s *sqliteStore) LoadSelectedModel(ctx context.Context) (string, error) {
	var modelID string
	err := s.db.GetContext(ctx, &modelID, `SELECT model_id FROM selected_model WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load selected model: %w", err)
	}
	return modelID, nil
}

func (s *sqliteStore) SaveTokenBudget(ctx context.Context, category string, budget int64) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO token_budgets(category, budget, updated_at) VALUES(?, ?, ?)
        ON CONFLICT(category) DO UPDATE SET budget = excluded.budget, updated_at = excluded.updated_at
    `, category, budget, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save token budget %q: %w", category, err)
	}
	return nil
}

func (s *sqliteStore) LoadTokenBudgets(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Category string `db:"category"`
		Budget   int64  `db:"budget"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT category, budget FROM token_budgets`); err != nil {
		return nil, fmt.Errorf("load token budgets: %w", err)
	}

	budgets := make(map[string]int64, len(rows))
	for _, r := range rows {
		budgets[r.Category] = r.Budget
	}
	return budgets, nil
}

// ─── Usage ────────────────────────────────────────────────────────────────────

func (s *sqliteStore) AppendUsageRecord(ctx context.Context, rec *UsageRecord) error {
	if rec.RecordedAt == 0 {
		rec.RecordedAt = s.now().UnixMilli()
	}
	res, err := s.db.NamedExecContext(ctx, `
        INSERT INTO usage_records(model, source, input_tokens, output_tokens, cache_tokens, cost_usd, latency_ms, recorded_at)
        VALUES(:model, :source, :input_tokens, :output_tokens, :cache_tokens, :cost_usd, :latency_ms, :recorded_at)
    `, rec)
	if err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

func (s *sqliteStore) QueryUsageRecords(ctx context.Context, from, to time.Time) ([]*UsageRecord, error) {
	var records []*UsageRecord
	err := s.db.SelectContext(ctx, &records, `
        SELECT id, model, source, input_tokens, output_tokens, cache_tokens, cost_usd, latency_ms, recorded_at
        FROM usage_records
        WHERE recorded_at >= ? AND recorded_at <= ?
        ORDER BY recorded_at ASC, id ASC
    `, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	return records, nil
}

const usageTotalsColumns = `
    COUNT(*)                              AS requests,
    COALESCE(SUM(input_tokens), 0)        AS input_tokens,
    COALESCE(SUM(output_tokens), 0)       AS output_tokens,
    COALESCE(SUM(cache_tokens), 0)        AS cache_tokens,
    COALESCE(SUM(cost_usd), 0.0)          AS cost_usd,
    COALESCE(AVG(latency_ms), 0.0)        AS avg_latency_ms`

func (s *sqliteStore) UsageTotals(ctx context.Context, from, to time.Time) (*UsageTotals, error) {
	var totals UsageTotals
	err := s.db.GetContext(ctx, &totals, `SELECT`+usageTotalsColumns+`
        FROM usage_records
        WHERE recorded_at >= ? AND recorded_at <= ?
    `, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("usage totals: %w", err)
	}
	return &totals, nil
}

func (s *sqliteStore) UsageByModel(ctx context.Context, from, to time.Time) (map[string]*UsageTotals, error) {
	var rows []struct {
		Model string `db:"model"`
		UsageTotals
	}
	err := s.db.SelectContext(ctx, &rows, `SELECT model,`+usageTotalsColumns+`
        FROM usage_records
        WHERE recorded_at >= ? AND recorded_at <= ?
        GROUP BY model
    `, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("usage by model: %w", err)
	}

	result := make(map[string]*UsageTotals, len(rows))
	for i := range rows {
		totals := rows[i].UsageTotals
		result[rows[i].Model] = &totals
	}
	return result, nil
}

// ─── Snapshot history ─────────────────────────────────────────────────────────

func (s *sqliteStore) AppendSnapshot(ctx context.Context, rec *SnapshotRecord) (bool, error) {
	if rec.RecordedAt == 0 {
		rec.RecordedAt = s.now().UnixMilli()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin append snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last string
	err = tx.GetContext(ctx, &last, `SELECT fingerprint FROM snapshot_history ORDER BY id DESC LIMIT 1`)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("read last fingerprint: %w", err)
	}
	if err == nil && last == rec.Fingerprint {
		return false, nil
	}

	res, err := tx.NamedExecContext(ctx, `
        INSERT INTO snapshot_history(source, fingerprint, payload, recorded_at)
        VALUES(:source, :fingerprint, :payload, :recorded_at)
    `, rec)
	if err != nil {
		return false, fmt.Errorf("append snapshot: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit snapshot: %w", err)
	}
	return true, nil
}

func (s *sqliteStore) ListSnapshots(ctx context.Context, limit, offset int) ([]*SnapshotRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []*SnapshotRecord
	err := s.db.SelectContext(ctx, &records, `
        SELECT id, source, fingerprint, payload, recorded_at
        FROM snapshot_history
        ORDER BY id DESC
        LIMIT ? OFFSET ?
    `, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return records, nil
}

func (s *sqliteStore) GetSnapshot(ctx context.Context, id int64) (*SnapshotRecord, error) {
	var rec SnapshotRecord
	err := s.db.GetContext(ctx, &rec, `
        SELECT id, source, fingerprint, payload, recorded_at
        FROM snapshot_history WHERE id = ?
    `, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %d: %w", id, err)
	}
	return &rec, nil
}

func (s *sqliteStore) PruneSnapshots(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshot_history WHERE recorded_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

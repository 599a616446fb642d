package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/illmade-knight/go-intelcache/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_records (
	slot_key    TEXT PRIMARY KEY,
	id          TEXT NOT NULL,
	topic       TEXT NOT NULL,
	facet       TEXT NOT NULL DEFAULT '',
	provider    TEXT NOT NULL,
	payload     BLOB NOT NULL,
	captured_at INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL,
	confidence  REAL,
	seq         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cache_records_topic ON cache_records(topic);
CREATE INDEX IF NOT EXISTS idx_cache_records_captured ON cache_records(captured_at);
`

// SQLiteConfig holds configuration for the SQLite durable store.
type SQLiteConfig struct {
	// Path is the database file. ":memory:" opens a private in-memory database.
	Path string
	// MaxRecords bounds the store; the oldest captured records are evicted on overflow.
	MaxRecords int
	// BusyTimeout is applied as PRAGMA busy_timeout. Defaults to 10s.
	BusyTimeout time.Duration
}

// SQLiteStore is the default durable RecordStore: a single table in an
// SQLite file, surviving process restarts.
type SQLiteStore struct {
	db         *sql.DB
	maxRecords int
	logger     zerolog.Logger
	now        func() time.Time
}

// OpenSQLite opens (creating if needed) the database at cfg.Path, applies
// WAL and busy-timeout pragmas and the schema.
func OpenSQLite(cfg *SQLiteConfig, logger zerolog.Logger) (*SQLiteStore, error) {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 10 * time.Second
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	if cfg.Path == ":memory:" {
		// Each connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite store: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: schema: %w", err)
	}

	logger.Info().Str("path", cfg.Path).Int("max_records", cfg.MaxRecords).Msg("SQLite store opened.")
	return &SQLiteStore{
		db:         db,
		maxRecords: cfg.MaxRecords,
		logger:     logger.With().Str("component", "SQLiteStore").Logger(),
		now:        time.Now,
	}, nil
}

const selectColumns = `id, topic, facet, provider, payload, captured_at, expires_at, confidence, seq`

// Get retrieves a record by slot key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (types.CacheRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM cache_records WHERE slot_key = ?`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.CacheRecord{}, fmt.Errorf("key '%v': %w", key, ErrNotFound)
	}
	if err != nil {
		return types.CacheRecord{}, fmt.Errorf("sqlite get for %s: %w", key, err)
	}
	return rec, nil
}

// Put upserts the record into its slot and evicts the oldest records on overflow.
func (s *SQLiteStore) Put(ctx context.Context, rec types.CacheRecord) error {
	var confidence sql.NullFloat64
	if rec.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *rec.Confidence, Valid: true}
	}
	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite put: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO cache_records (slot_key, id, topic, facet, provider, payload, captured_at, expires_at, confidence, seq)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(slot_key) DO UPDATE SET
	id = excluded.id, topic = excluded.topic, facet = excluded.facet, provider = excluded.provider,
	payload = excluded.payload, captured_at = excluded.captured_at, expires_at = excluded.expires_at,
	confidence = excluded.confidence, seq = excluded.seq`,
		rec.Key(), rec.ID, rec.Topic, rec.Facet, rec.Provider, payload,
		rec.CapturedAt.UnixNano(), rec.ExpiresAt.UnixNano(), confidence, int64(rec.Seq))
	if err != nil {
		return fmt.Errorf("sqlite put for %s: %w", rec.Key(), err)
	}

	if s.maxRecords > 0 {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_records`).Scan(&count); err != nil {
			return fmt.Errorf("sqlite put: count: %w", err)
		}
		if overflow := count - s.maxRecords; overflow > 0 {
			_, err = tx.ExecContext(ctx, `
DELETE FROM cache_records WHERE slot_key IN (
	SELECT slot_key FROM cache_records ORDER BY captured_at ASC, slot_key ASC LIMIT ?
)`, overflow)
			if err != nil {
				return fmt.Errorf("sqlite put: evict: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite put: commit: %w", err)
	}
	s.logger.Debug().Str("key", rec.Key()).Msg("Stored record in SQLite.")
	return nil
}

// Delete removes a slot.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_records WHERE slot_key = ?`, key); err != nil {
		return fmt.Errorf("sqlite delete for %s: %w", key, err)
	}
	return nil
}

// ListByTopic returns the topic's records, oldest first.
func (s *SQLiteStore) ListByTopic(ctx context.Context, topic string) ([]types.CacheRecord, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM cache_records WHERE topic = ? ORDER BY captured_at ASC, slot_key ASC`, topic)
}

// List returns every record, oldest first.
func (s *SQLiteStore) List(ctx context.Context) ([]types.CacheRecord, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM cache_records ORDER BY captured_at ASC, slot_key ASC`)
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]types.CacheRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query: %w", err)
	}
	defer rows.Close()

	var out []types.CacheRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Stats counts records with a single aggregate query.
func (s *SQLiteStore) Stats(ctx context.Context) (types.StoreStats, error) {
	var st types.StoreStats
	var valid sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END) FROM cache_records`,
		s.now().UnixNano()).Scan(&st.Total, &valid)
	if err != nil {
		return types.StoreStats{}, fmt.Errorf("sqlite stats: %w", err)
	}
	st.Valid = int(valid.Int64)
	st.Expired = st.Total - st.Valid
	return st, nil
}

// Clear removes every record.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_records`); err != nil {
		return fmt.Errorf("sqlite clear: %w", err)
	}
	return nil
}

// ClearExpired removes records whose horizon has passed.
func (s *SQLiteStore) ClearExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_records WHERE expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite clear expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite clear expired: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	s.logger.Info().Msg("Closing SQLite store.")
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (types.CacheRecord, error) {
	var (
		rec        types.CacheRecord
		captured   int64
		expires    int64
		confidence sql.NullFloat64
		seq        int64
	)
	if err := row.Scan(&rec.ID, &rec.Topic, &rec.Facet, &rec.Provider, &rec.Payload,
		&captured, &expires, &confidence, &seq); err != nil {
		return types.CacheRecord{}, err
	}
	rec.CapturedAt = time.Unix(0, captured).UTC()
	rec.ExpiresAt = time.Unix(0, expires).UTC()
	if confidence.Valid {
		c := confidence.Float64
		rec.Confidence = &c
	}
	rec.Seq = uint64(seq)
	return rec, nil
}

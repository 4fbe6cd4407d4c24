// SQL-backed audit stores. Two production backends are provided, mirroring
// the ledger package's dual-backend split between a Postgres store
// (production) and file/sqlite variants (embedded/dev): SQLStore opened
// by NewPostgresStore (github.com/lib/pq) or by NewSQLiteStore
// (modernc.org/sqlite).
package audit

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/efm-runtime/efm/pkg/clock"
	"github.com/efm-runtime/efm/pkg/errkind"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS audit_entries (
	seq          BIGINT PRIMARY KEY,
	id           TEXT UNIQUE NOT NULL,
	prev_hash    TEXT NOT NULL,
	type         TEXT NOT NULL,
	tick         BIGINT NOT NULL,
	capsule_id   TEXT,
	payload      TEXT,
	content_hash TEXT NOT NULL,
	writer_sig   TEXT,
	writer       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_capsule ON audit_entries(capsule_id);
CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_entries(type);
CREATE INDEX IF NOT EXISTS idx_audit_tick ON audit_entries(tick);
`

// SQLStore is a database/sql-backed Store shared by the Postgres and
// SQLite constructors below; only the driver and DSN differ.
type SQLStore struct {
	db *sql.DB
}

// NewPostgresStore opens (and schema-migrates) a Postgres-backed Store.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open postgres: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("audit: migrate postgres schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// NewSQLiteStore opens (and schema-migrates) a SQLite-backed Store, for
// embedded or single-node deployments.
func NewSQLiteStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("audit: migrate sqlite schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Persist(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (seq, id, prev_hash, type, tick, capsule_id, payload, content_hash, writer_sig, writer)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.Seq, e.ID, e.PrevHash, e.Type, e.Tick, e.CapsuleID, e.Payload, e.ContentHash, e.WriterSig, e.Writer)
	if err != nil {
		return fmt.Errorf("audit: persist: %w", err)
	}
	return nil
}

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var e Entry
	if err := row.Scan(&e.Seq, &e.ID, &e.PrevHash, &e.Type, &e.Tick, &e.CapsuleID, &e.Payload, &e.ContentHash, &e.WriterSig, &e.Writer); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *SQLStore) ByID(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT seq,id,prev_hash,type,tick,capsule_id,payload,content_hash,writer_sig,writer FROM audit_entries WHERE id=$1`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, errkind.New("audit.SQLStore.ByID", errkind.UnknownCapsule, "no such entry id: "+id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("audit: query by id: %w", err)
	}
	return e, nil
}

func (s *SQLStore) queryAll(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) ByCapsule(ctx context.Context, capsuleID string) ([]Entry, error) {
	return s.queryAll(ctx, `SELECT seq,id,prev_hash,type,tick,capsule_id,payload,content_hash,writer_sig,writer FROM audit_entries WHERE capsule_id=$1 ORDER BY seq`, capsuleID)
}

func (s *SQLStore) ByType(ctx context.Context, t EventType) ([]Entry, error) {
	return s.queryAll(ctx, `SELECT seq,id,prev_hash,type,tick,capsule_id,payload,content_hash,writer_sig,writer FROM audit_entries WHERE type=$1 ORDER BY seq`, t)
}

func (s *SQLStore) ByTickRange(ctx context.Context, from, to clock.Tick) ([]Entry, error) {
	return s.queryAll(ctx, `SELECT seq,id,prev_hash,type,tick,capsule_id,payload,content_hash,writer_sig,writer FROM audit_entries WHERE tick BETWEEN $1 AND $2 ORDER BY seq`, from, to)
}

func (s *SQLStore) Range(ctx context.Context, from, to uint64) ([]Entry, error) {
	if to == 0 {
		return s.queryAll(ctx, `SELECT seq,id,prev_hash,type,tick,capsule_id,payload,content_hash,writer_sig,writer FROM audit_entries WHERE seq>=$1 ORDER BY seq`, from)
	}
	return s.queryAll(ctx, `SELECT seq,id,prev_hash,type,tick,capsule_id,payload,content_hash,writer_sig,writer FROM audit_entries WHERE seq>=$1 AND seq<$2 ORDER BY seq`, from, to)
}

func (s *SQLStore) Tail(ctx context.Context) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT seq,id,prev_hash,type,tick,capsule_id,payload,content_hash,writer_sig,writer FROM audit_entries ORDER BY seq DESC LIMIT 1`)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("audit: tail: %w", err)
	}
	return e, true, nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

package incident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the incidents table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS incidents (
    id          TEXT PRIMARY KEY,
    call_id     TEXT NOT NULL,
    trace_id    TEXT NOT NULL DEFAULT '',
    turn        BIGINT NOT NULL DEFAULT 0,
    unit        INTEGER NOT NULL DEFAULT 0,
    severity    TEXT NOT NULL,
    rules       JSONB NOT NULL DEFAULT '[]',
    frameworks  JSONB NOT NULL DEFAULT '[]',
    evidence    JSONB NOT NULL DEFAULT '[]',
    reason      TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_incidents_call ON incidents(call_id);
CREATE INDEX IF NOT EXISTS idx_incidents_severity ON incidents(severity, created_at);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ErrNotFound is returned by [PostgresStore.Get] for unknown IDs.
var ErrNotFound = errors.New("incident: not found")

// PostgresStore is a [Sink] backed by a PostgreSQL database. Structured
// fields are stored as JSONB.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Sink = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPool connects a pgx pool to dsn and verifies the connection.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("incident: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("incident: ping: %w", err)
	}
	return pool, nil
}

// Migrate executes the [Schema] DDL against the database, creating the
// incidents table and indexes if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("incident: migrate: %w", err)
	}
	return nil
}

// Publish inserts rec. Publishing the same ID twice is a no-op so that
// retried deliveries stay idempotent.
func (s *PostgresStore) Publish(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rulesJSON, err := json.Marshal(emptySlice(rec.Rules))
	if err != nil {
		return fmt.Errorf("incident: marshal rules: %w", err)
	}
	fwJSON, err := json.Marshal(emptySlice(rec.Frameworks))
	if err != nil {
		return fmt.Errorf("incident: marshal frameworks: %w", err)
	}
	evJSON, err := json.Marshal(emptyEvidence(rec.Evidence))
	if err != nil {
		return fmt.Errorf("incident: marshal evidence: %w", err)
	}

	const query = `
		INSERT INTO incidents (
			id, call_id, trace_id, turn, unit, severity,
			rules, frameworks, evidence, reason, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO NOTHING`

	if _, err := s.db.Exec(ctx, query,
		rec.ID, rec.CallID, rec.TraceID, int64(rec.Turn), rec.Unit, rec.Severity,
		rulesJSON, fwJSON, evJSON, rec.Reason, rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("incident: insert %s: %w", rec.ID, err)
	}
	return nil
}

const selectColumns = `id, call_id, trace_id, turn, unit, severity, rules, frameworks, evidence, reason, created_at`

// Get returns the record with the given ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM incidents WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("incident: get %s: %w", id, err)
	}
	return rec, nil
}

// ListByCall returns all incidents of a call, oldest first.
func (s *PostgresStore) ListByCall(ctx context.Context, callID string) ([]Record, error) {
	rows, err := s.db.Query(ctx, `SELECT `+selectColumns+` FROM incidents WHERE call_id = $1 ORDER BY created_at, id`, callID)
	if err != nil {
		return nil, fmt.Errorf("incident: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("incident: list scan: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("incident: list: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec                Record
		turn               int64
		rules, fws, evJSON []byte
	)
	if err := row.Scan(&rec.ID, &rec.CallID, &rec.TraceID, &turn, &rec.Unit, &rec.Severity,
		&rules, &fws, &evJSON, &rec.Reason, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Turn = uint64(turn)
	if err := json.Unmarshal(rules, &rec.Rules); err != nil {
		return nil, fmt.Errorf("unmarshal rules: %w", err)
	}
	if err := json.Unmarshal(fws, &rec.Frameworks); err != nil {
		return nil, fmt.Errorf("unmarshal frameworks: %w", err)
	}
	if err := json.Unmarshal(evJSON, &rec.Evidence); err != nil {
		return nil, fmt.Errorf("unmarshal evidence: %w", err)
	}
	return &rec, nil
}

// emptySlice returns s, or an empty non-nil slice so that JSON encodes [].
func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyEvidence(e []Evidence) []Evidence {
	if e == nil {
		return []Evidence{}
	}
	return e
}

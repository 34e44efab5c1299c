// Package archive ships closed event segments into a Postgres table for
// long-horizon queries. The archive is strictly write-only from the
// engine's side: rows are never read back into the chain, and losing the
// archive loses nothing the cold segment files don't still hold.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/arbiter-labs/arbiter/pkg/eventlog"
)

// Schema creates the archive table. Operators run it once per database.
const Schema = `
CREATE TABLE IF NOT EXISTS event_archive (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	actor TEXT NOT NULL,
	event_type TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	payload JSONB,
	previous_hash TEXT NOT NULL,
	current_hash TEXT NOT NULL,
	segment TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_archive_tenant_entity ON event_archive (tenant_id, entity_id);
CREATE INDEX IF NOT EXISTS idx_archive_tenant_ts ON event_archive (tenant_id, ts);`

// PostgresArchive ingests segments for one tenant.
type PostgresArchive struct {
	db       *sql.DB
	tenantID string
}

// NewPostgresArchive wraps an open connection. The caller owns the pool.
func NewPostgresArchive(db *sql.DB, tenantID string) *PostgresArchive {
	return &PostgresArchive{db: db, tenantID: tenantID}
}

// Open connects with the given DSN and applies the schema.
func Open(ctx context.Context, dsn, tenantID string) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply archive schema: %w", err)
	}
	return &PostgresArchive{db: db, tenantID: tenantID}, nil
}

// Close releases the connection pool.
func (a *PostgresArchive) Close() error { return a.db.Close() }

// Store ingests one segment file. It satisfies eventlog.Sink, so retention
// pruning can feed the archive directly. Re-ingesting a segment is
// harmless: rows conflict on the entry id and are skipped.
func (a *PostgresArchive) Store(ctx context.Context, name string, data []byte) error {
	var entries []eventlog.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode segment %s: %w", name, err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insert = `
		INSERT INTO event_archive
			(id, tenant_id, ts, actor, event_type, entity_type, entity_id, payload, previous_hash, current_hash, segment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`
	for i := range entries {
		e := &entries[i]
		_, err := tx.ExecContext(ctx, insert,
			e.ID, a.tenantID, e.Timestamp.UTC(), e.Actor, e.EventType, e.EntityType,
			e.EntityID, []byte(e.Payload), e.PreviousHash, e.CurrentHash, name)
		if err != nil {
			return fmt.Errorf("archive entry %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive transaction: %w", err)
	}
	return nil
}

// ArchivedCount returns how many events the tenant has archived.
func (a *PostgresArchive) ArchivedCount(ctx context.Context) (int, error) {
	row := a.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM event_archive WHERE tenant_id = $1", a.tenantID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count archived events: %w", err)
	}
	return n, nil
}

// OldestArchivedAt returns the timestamp of the tenant's oldest archived
// event, or nil when the archive is empty.
func (a *PostgresArchive) OldestArchivedAt(ctx context.Context) (*time.Time, error) {
	row := a.db.QueryRowContext(ctx,
		"SELECT MIN(ts) FROM event_archive WHERE tenant_id = $1", a.tenantID)
	var ts sql.NullTime
	if err := row.Scan(&ts); err != nil {
		return nil, fmt.Errorf("oldest archived event: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	t := ts.Time
	return &t, nil
}

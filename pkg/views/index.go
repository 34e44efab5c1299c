package views

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/arbiter-labs/arbiter/pkg/eventlog"
)

// Index is a sqlite-backed read index over archived event segments. It
// implements eventlog.Sink so retention pruning feeds it closed segments
// directly. Pure read model: rows never feed back into the chain, and the
// whole database can be rebuilt from cold storage.
type Index struct {
	db *sql.DB
}

// OpenIndex opens or creates the index database at path.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}
	idx := &Index{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (x *Index) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS event_index (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		actor TEXT NOT NULL,
		event_type TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		current_hash TEXT NOT NULL,
		segment TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_event_entity ON event_index(entity_id);
	CREATE INDEX IF NOT EXISTS idx_event_type ON event_index(event_type);`
	_, err := x.db.ExecContext(context.Background(), query)
	return err
}

// Close releases the database handle.
func (x *Index) Close() error { return x.db.Close() }

// Store ingests one pruned segment file. Re-ingesting is harmless: rows
// are keyed on the entry id.
func (x *Index) Store(ctx context.Context, name string, data []byte) error {
	var entries []eventlog.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode segment %s: %w", name, err)
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO event_index
			(id, timestamp, actor, event_type, entity_type, entity_id, current_hash, segment)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for i := range entries {
		e := &entries[i]
		_, err := stmt.ExecContext(ctx,
			e.ID, e.Timestamp.UTC(), e.Actor, e.EventType, e.EntityType, e.EntityID, e.CurrentHash, name)
		if err != nil {
			return fmt.Errorf("index entry %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// IndexedEvent is one row of the archived history.
type IndexedEvent struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Actor       string    `json:"actor"`
	EventType   string    `json:"event_type"`
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	CurrentHash string    `json:"current_hash"`
	Segment     string    `json:"segment"`
}

// HistoryForEntity returns the archived events of one entity in time
// order.
func (x *Index) HistoryForEntity(ctx context.Context, entityID string) ([]IndexedEvent, error) {
	rows, err := x.db.QueryContext(ctx, `
		SELECT id, timestamp, actor, event_type, entity_type, entity_id, current_hash, segment
		FROM event_index WHERE entity_id = ? ORDER BY timestamp`, entityID)
	if err != nil {
		return nil, err
	}
	return scanIndexed(rows)
}

// CountByEventType returns archived event counts grouped by type.
func (x *Index) CountByEventType(ctx context.Context) (map[string]int, error) {
	rows, err := x.db.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM event_index GROUP BY event_type`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out[typ] = n
	}
	return out, rows.Err()
}

func scanIndexed(rows *sql.Rows) ([]IndexedEvent, error) {
	defer func() { _ = rows.Close() }()
	var out []IndexedEvent
	for rows.Next() {
		var e IndexedEvent
		err := rows.Scan(&e.ID, &e.Timestamp, &e.Actor, &e.EventType, &e.EntityType,
			&e.EntityID, &e.CurrentHash, &e.Segment)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

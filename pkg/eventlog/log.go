package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Config holds the tunables of one log instance. Changing SegmentSize on an
// existing directory is unsupported: closed segments must stay exactly full
// for position arithmetic to hold.
type Config struct {
	SegmentSize       int
	SnapshotEvery     int
	RetentionSegments int
	MaxEventsExport   int
	MaxEventsReplay   int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		SegmentSize:       1000,
		SnapshotEvery:     500,
		RetentionSegments: 30,
		MaxEventsExport:   10000,
		MaxEventsReplay:   50000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SegmentSize <= 0 {
		c.SegmentSize = d.SegmentSize
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = d.SnapshotEvery
	}
	if c.RetentionSegments <= 0 {
		c.RetentionSegments = d.RetentionSegments
	}
	if c.MaxEventsExport <= 0 {
		c.MaxEventsExport = d.MaxEventsExport
	}
	if c.MaxEventsReplay <= 0 {
		c.MaxEventsReplay = d.MaxEventsReplay
	}
	return c
}

// Log is a segmented hash-chained append-only event log rooted at one
// directory. A single in-process writer lock serializes appends; readers
// work from the durable segment files and observe the last committed state.
type Log struct {
	dir    string
	cfg    Config
	clock  func() time.Time
	logger *slog.Logger

	mu                   sync.Mutex
	head                 string
	count                int
	currentSegment       int
	current              []Entry
	appendsSinceSnapshot int

	// checkpoint mirrors the durable snapshot. Its verified count only
	// advances through successful verification passes; appends extend the
	// chain beyond it without widening what is considered verified.
	checkpoint Snapshot
}

// Option configures a Log.
type Option func(*Log)

// WithClock injects the time source. Tests use this to pin timestamps.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.clock = clock }
}

// WithLogger injects the structured logger used for maintenance warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// Open loads or initializes the log in dir. The head hash is seeded from a
// tail scan of the newest segment; a fresh directory starts at the genesis
// hash. The snapshot, when present, seeds the verification checkpoint.
func Open(dir string, cfg Config, opts ...Option) (*Log, error) {
	l := &Log{
		dir:    dir,
		cfg:    cfg.withDefaults(),
		clock:  time.Now,
		logger: slog.Default(),
		head:   GenesisHash,
	}
	l.checkpoint = Snapshot{SchemaVersion: snapshotSchemaVersion, CurrentHash: GenesisHash}
	for _, opt := range opts {
		opt(l)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	segs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	if len(segs) > 0 {
		last := segs[len(segs)-1]
		entries, err := readSegment(dir, last)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			return nil, fmt.Errorf("decode %s: segment is empty", segmentFileName(last))
		}
		l.currentSegment = last
		l.current = entries
		l.head = entries[len(entries)-1].CurrentHash
		l.count = last*l.cfg.SegmentSize + len(entries)
	}

	snap, snapErr := loadSnapshot(dir)
	switch {
	case snapErr != nil:
		l.logger.Warn("event log snapshot unreadable, verification restarts from genesis", "error", snapErr)
	case snap == nil:
	default:
		l.checkpoint = *snap
		if snap.VerifiedCount > l.count {
			l.logger.Warn("event log snapshot claims more entries than segments hold",
				"verified_count", snap.VerifiedCount, "count", l.count)
		}
	}

	return l, nil
}

// Append creates, chains and durably writes one entry. Appends must run to
// completion; there is deliberately no context parameter because canceling
// mid-append would break the chain. Snapshot maintenance failures do not
// fail the append: the snapshot is retried on the next append.
func (l *Log) Append(actor, eventType, entityType, entityID string, payload interface{}) (*Entry, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serialize payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Rotation happens on the append that would overflow, so a closed
	// segment always holds exactly SegmentSize entries.
	prevSegment, prevCurrent := l.currentSegment, l.current
	if len(l.current) >= l.cfg.SegmentSize {
		l.currentSegment++
		l.current = nil
	}

	now := l.clock()
	entry := Entry{
		ID:           fmt.Sprintf("evt_%d", now.UnixNano()),
		Timestamp:    now.UTC(),
		Actor:        actor,
		EventType:    eventType,
		EntityType:   entityType,
		EntityID:     entityID,
		Payload:      payloadBytes,
		PreviousHash: l.head,
	}

	hash, err := computeEntryHash(&entry)
	if err != nil {
		l.currentSegment, l.current = prevSegment, prevCurrent
		return nil, fmt.Errorf("compute entry hash: %w", err)
	}
	entry.CurrentHash = hash

	l.current = append(l.current, entry)
	if err := writeSegment(l.dir, l.currentSegment, l.current); err != nil {
		l.currentSegment, l.current = prevSegment, prevCurrent
		return nil, err
	}

	l.head = entry.CurrentHash
	l.count++
	l.appendsSinceSnapshot++

	// The cadence rewrite refreshes bookkeeping but never widens the
	// verified range: only verification passes advance the checkpoint.
	if l.appendsSinceSnapshot >= l.cfg.SnapshotEvery {
		snap := l.checkpoint
		snap.CurrentSegmentNumber = l.currentSegment
		if err := saveSnapshot(l.dir, &snap); err != nil {
			l.logger.Warn("event log snapshot rewrite failed", "error", err)
		} else {
			l.checkpoint = snap
			l.appendsSinceSnapshot = 0
		}
	}

	return &entry, nil
}

// advanceCheckpoint persists a new verification checkpoint after a
// successful pass. The checkpoint never moves backwards.
func (l *Log) advanceCheckpoint(verified int, lastID string, lastTS time.Time, headHash string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if verified <= l.checkpoint.VerifiedCount {
		return
	}
	snap := Snapshot{
		SchemaVersion:        snapshotSchemaVersion,
		VerifiedCount:        verified,
		LastVerifiedID:       lastID,
		LastVerifiedTS:       lastTS,
		CurrentHash:          headHash,
		CurrentSegmentNumber: l.currentSegment,
	}
	if err := saveSnapshot(l.dir, &snap); err != nil {
		l.logger.Warn("event log checkpoint write failed", "error", err)
		return
	}
	l.checkpoint = snap
}

// VerifiedCount reports how many entries the durable checkpoint covers.
func (l *Log) VerifiedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkpoint.VerifiedCount
}

// Head returns the current chain head hash.
func (l *Log) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Count returns the total number of entries ever appended, including any
// that were pruned to cold storage.
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Dir returns the log's root directory.
func (l *Log) Dir() string {
	return l.dir
}

// Status describes the log for status queries.
type Status struct {
	TotalEvents    int    `json:"total_events"`
	CurrentSegment int    `json:"current_segment"`
	SegmentsOnDisk int    `json:"segments_on_disk"`
	HeadHash       string `json:"head_hash"`
	SnapshotExists bool   `json:"snapshot_exists"`
}

// Status summarizes the log's current shape.
func (l *Log) Status() Status {
	l.mu.Lock()
	count, seg, head := l.count, l.currentSegment, l.head
	l.mu.Unlock()

	s := Status{
		TotalEvents:    count,
		CurrentSegment: seg,
		HeadHash:       head,
	}
	if segs, err := listSegments(l.dir); err == nil {
		s.SegmentsOnDisk = len(segs)
	}
	if _, err := os.Stat(snapshotPath(l.dir)); err == nil {
		s.SnapshotExists = true
	}
	return s
}

// forEachSegment streams the present segments in ascending order, honoring
// ctx at every segment boundary. The callback receives the segment number
// and its entries; returning an error stops the walk.
func (l *Log) forEachSegment(ctx context.Context, fn func(segNum int, entries []Entry) error) error {
	segs, err := listSegments(l.dir)
	if err != nil {
		return err
	}
	for _, n := range segs {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := readSegment(l.dir, n)
		if err != nil {
			return err
		}
		if err := fn(n, entries); err != nil {
			return err
		}
	}
	return nil
}

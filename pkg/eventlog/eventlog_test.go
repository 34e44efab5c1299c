package eventlog

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func steppedClock(start time.Time) func() time.Time {
	next := start
	return func() time.Time {
		t := next
		next = next.Add(time.Second)
		return t
	}
}

func testConfig() Config {
	return Config{
		SegmentSize:       5,
		SnapshotEvery:     100,
		RetentionSegments: 30,
		MaxEventsExport:   100,
		MaxEventsReplay:   1000,
	}
}

func openTestLog(t *testing.T, cfg Config) *Log {
	t.Helper()
	log, err := Open(t.TempDir(), cfg, WithClock(steppedClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))))
	require.NoError(t, err)
	return log
}

func appendN(t *testing.T, log *Log, n int) []Entry {
	t.Helper()
	entries := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := log.Append("orchestrator", EventSituationStatusChanged, EntitySituation, "sit-1",
			map[string]interface{}{"seq": i})
		require.NoError(t, err)
		entries = append(entries, *e)
	}
	return entries
}

// corruptEntry rewrites one durable segment with a mutated entry, the way
// an attacker with file access would.
func corruptEntry(t *testing.T, log *Log, segment, index int, mutate func(*Entry)) {
	t.Helper()
	entries, err := readSegment(log.dir, segment)
	require.NoError(t, err)
	require.Greater(t, len(entries), index)
	mutate(&entries[index])
	require.NoError(t, writeSegment(log.dir, segment, entries))
}

func flipLastHashByte(e *Entry) {
	last := e.CurrentHash[len(e.CurrentHash)-1]
	repl := "0"
	if last == '0' {
		repl = "1"
	}
	e.CurrentHash = e.CurrentHash[:len(e.CurrentHash)-1] + repl
}

func TestAppendChainsEntries(t *testing.T) {
	log := openTestLog(t, testConfig())

	// 1. First entry links to genesis
	e1, err := log.Append("orchestrator", EventSituationCreated, EntitySituation, "sit-1",
		map[string]interface{}{"title": "expand region"})
	require.NoError(t, err)
	assert.Equal(t, GenesisHash, e1.PreviousHash)
	assert.True(t, strings.HasPrefix(e1.CurrentHash, "sha256:"))
	assert.True(t, strings.HasPrefix(e1.ID, "evt_"))

	// 2. Subsequent entries link to the prior head
	e2, err := log.Append("orchestrator", EventEpisodeCreated, EntityEpisode, "ep-1", nil)
	require.NoError(t, err)
	assert.Equal(t, e1.CurrentHash, e2.PreviousHash)

	e3, err := log.Append("agent:a1", EventDecisionRegistered, EntityDecision, "dec-1",
		map[string]interface{}{"alternative": "A"})
	require.NoError(t, err)
	assert.Equal(t, e2.CurrentHash, e3.PreviousHash)

	// 3. In-memory state tracks the chain
	assert.Equal(t, 3, log.Count())
	assert.Equal(t, e3.CurrentHash, log.Head())

	status := log.Status()
	assert.Equal(t, 3, status.TotalEvents)
	assert.Equal(t, 0, status.CurrentSegment)
	assert.Equal(t, 1, status.SegmentsOnDisk)
	assert.Equal(t, e3.CurrentHash, status.HeadHash)
	assert.False(t, status.SnapshotExists)
}

func TestSegmentRotationAtBoundary(t *testing.T) {
	log := openTestLog(t, testConfig())

	// 1. Filling the segment does not rotate yet
	appendN(t, log, 5)
	segs, err := listSegments(log.dir)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, segs, "rotation must not happen on the append that fills the segment")

	// 2. The next append opens segment 1
	appendN(t, log, 1)
	segs, err = listSegments(log.dir)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, segs)

	first, err := readSegment(log.dir, 0)
	require.NoError(t, err)
	assert.Len(t, first, 5, "closed segments hold exactly the segment size")

	second, err := readSegment(log.dir, 1)
	require.NoError(t, err)
	assert.Len(t, second, 1)
	assert.Equal(t, first[4].CurrentHash, second[0].PreviousHash, "chain must continue across segments")

	assert.Equal(t, 6, log.Count())
}

func TestOpenSeedsFromExistingDirectory(t *testing.T) {
	dir := t.TempDir()
	clock := steppedClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	// 1. Write through one instance
	log, err := Open(dir, testConfig(), WithClock(clock))
	require.NoError(t, err)
	appendN(t, log, 7)
	head := log.Head()

	// 2. Reopen and continue the chain
	reopened, err := Open(dir, testConfig(), WithClock(clock))
	require.NoError(t, err)
	assert.Equal(t, 7, reopened.Count())
	assert.Equal(t, head, reopened.Head())

	e, err := reopened.Append("orchestrator", EventContractIssued, EntityContract, "con-1", nil)
	require.NoError(t, err)
	assert.Equal(t, head, e.PreviousHash)

	report, err := reopened.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 8, report.TotalVerified)
}

func TestVerifyChainDetectsPayloadTamper(t *testing.T) {
	log := openTestLog(t, testConfig())
	appendN(t, log, 4)

	// 1. Valid before tampering
	report, err := log.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid, "chain should be valid before tampering")

	// 2. Rewrite one payload on disk
	corruptEntry(t, log, 0, 2, func(e *Entry) {
		e.Payload = json.RawMessage(`{"seq":999}`)
	})

	report, err = log.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Valid, "chain should be invalid after content tampering")
	require.NotNil(t, report.FirstInvalidIndex)
	assert.Equal(t, 2, *report.FirstInvalidIndex)
	assert.Contains(t, report.Reason, "hash mismatch")
	assert.Equal(t, 2, report.TotalVerified)
}

func TestVerifyChainDetectsLinkBreak(t *testing.T) {
	log := openTestLog(t, testConfig())
	appendN(t, log, 4)

	corruptEntry(t, log, 0, 3, func(e *Entry) {
		e.PreviousHash = "sha256:" + strings.Repeat("ab", 32)
	})

	report, err := log.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Valid, "chain should be invalid after link tampering")
	require.NotNil(t, report.FirstInvalidIndex)
	assert.Equal(t, 3, *report.FirstInvalidIndex)
	assert.Contains(t, report.Reason, "previous hash mismatch")
}

func TestVerifyFromSnapshotDetectsUnverifiedCorruption(t *testing.T) {
	cfg := testConfig()
	cfg.SegmentSize = 10
	cfg.SnapshotEvery = 5
	log := openTestLog(t, cfg)

	// 1. Fill two segments and part of a third; the cadence keeps the
	// snapshot file current but nothing has been verified yet
	appendN(t, log, 25)
	require.True(t, log.Status().SnapshotExists)
	assert.Equal(t, 0, log.VerifiedCount())

	// 2. Flip one byte in the stored hash of segment 1's first entry
	corruptEntry(t, log, 1, 0, flipLastHashByte)

	// 3. The snapshot path re-checks everything beyond the checkpoint
	report, err := log.VerifyFromSnapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, report.FromSnapshot)
	assert.False(t, report.Valid)
	require.NotNil(t, report.FirstInvalidIndex)
	assert.Equal(t, 10, *report.FirstInvalidIndex)
	assert.Contains(t, report.Reason, "hash mismatch")
}

func TestVerifyFromSnapshotFastPathAfterCheckpoint(t *testing.T) {
	cfg := testConfig()
	cfg.SegmentSize = 10
	log := openTestLog(t, cfg)
	appendN(t, log, 12)

	// 1. A successful full walk advances the checkpoint
	report, err := log.VerifyChain(context.Background())
	require.NoError(t, err)
	require.True(t, report.Valid)
	assert.Equal(t, 12, log.VerifiedCount())

	// 2. Corruption inside the verified prefix is out of the fast path's
	// scope; full audits use VerifyChain
	corruptEntry(t, log, 0, 5, flipLastHashByte)

	fast, err := log.VerifyFromSnapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, fast.FromSnapshot)
	assert.True(t, fast.Valid, "fast path trusts the checkpointed prefix")
	assert.Equal(t, 12, fast.TotalVerified)

	full, err := log.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.False(t, full.Valid)
	require.NotNil(t, full.FirstInvalidIndex)
	assert.Equal(t, 5, *full.FirstInvalidIndex)
}

func TestVerifierAgreementOnCleanLog(t *testing.T) {
	cfg := testConfig()
	cfg.SegmentSize = 4
	cfg.SnapshotEvery = 3
	log := openTestLog(t, cfg)
	appendN(t, log, 11)

	chain, err := log.VerifyChain(context.Background())
	require.NoError(t, err)
	snap, err := log.VerifyFromSnapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, chain.Valid, snap.Valid)
	assert.Equal(t, chain.TotalVerified, snap.TotalVerified)

	// Still agree after the checkpoint advanced and more entries arrived
	appendN(t, log, 5)
	chain, err = log.VerifyChain(context.Background())
	require.NoError(t, err)
	snap, err = log.VerifyFromSnapshot(context.Background())
	require.NoError(t, err)

	assert.True(t, chain.Valid)
	assert.True(t, snap.Valid)
	assert.Equal(t, 16, chain.TotalVerified)
	assert.Equal(t, 16, snap.TotalVerified)
}

func TestVerifyHonorsCancellation(t *testing.T) {
	cfg := testConfig()
	cfg.SegmentSize = 3
	log := openTestLog(t, cfg)
	appendN(t, log, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := log.VerifyChain(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExportRangeCapBoundary(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEventsExport = 10
	log := openTestLog(t, cfg)

	// 1. Exactly the cap succeeds
	appendN(t, log, 10)
	export, err := log.ExportRange(context.Background(), ExportRange{})
	require.NoError(t, err)
	assert.Equal(t, 10, export.Manifest.Count)

	// 2. One past the cap fails with a capacity error
	appendN(t, log, 1)
	_, err = log.ExportRange(context.Background(), ExportRange{})
	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "export", capErr.Op)
	assert.Equal(t, 10, capErr.Limit)
	assert.Equal(t, 11, capErr.Requested)
	assert.Contains(t, err.Error(), "export too large")
}

func TestExportRangeFilters(t *testing.T) {
	cfg := testConfig()
	cfg.SegmentSize = 4
	log := openTestLog(t, cfg)
	all := appendN(t, log, 10)

	// 1. Timestamp window selects a contiguous run
	from := all[2].Timestamp
	to := all[5].Timestamp
	export, err := log.ExportRange(context.Background(), ExportRange{FromTS: &from, ToTS: &to})
	require.NoError(t, err)
	require.Equal(t, 4, export.Manifest.Count)
	assert.Equal(t, all[2].ID, export.Manifest.FirstID)
	assert.Equal(t, all[5].ID, export.Manifest.LastID)
	assert.True(t, export.Manifest.ChainValidWithinExport)

	// 2. Segment span selects whole segments
	seg := 1
	export, err = log.ExportRange(context.Background(), ExportRange{FromSegment: &seg, ToSegment: &seg})
	require.NoError(t, err)
	assert.Equal(t, 4, export.Manifest.Count)
	assert.Equal(t, 1, export.Manifest.FromSegment)
	assert.Equal(t, 1, export.Manifest.ToSegment)
	assert.Equal(t, all[4].ID, export.Manifest.FirstID)

	// 3. An empty window exports nothing
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	alsoPast := past.Add(time.Hour)
	export, err = log.ExportRange(context.Background(), ExportRange{FromTS: &past, ToTS: &alsoPast})
	require.NoError(t, err)
	assert.Equal(t, 0, export.Manifest.Count)
	assert.Empty(t, export.Entries)
}

func TestReplayAggregates(t *testing.T) {
	log := openTestLog(t, testConfig())

	_, err := log.Append("orchestrator", EventSituationCreated, EntitySituation, "sit-1", nil)
	require.NoError(t, err)
	_, err = log.Append("orchestrator", EventEpisodeCreated, EntityEpisode, "ep-1", nil)
	require.NoError(t, err)
	_, err = log.Append("agent:a1", EventDecisionRegistered, EntityDecision, "dec-1", nil)
	require.NoError(t, err)
	_, err = log.Append("agent:a1", EventDecisionRegistered, EntityDecision, "dec-2", nil)
	require.NoError(t, err)

	summary, err := log.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, summary.TotalEvents)
	assert.Equal(t, 2, summary.ByEventType[EventDecisionRegistered])
	assert.Equal(t, 2, summary.ByEntityType[EntityDecision])
	assert.Equal(t, 2, summary.ByActor["agent:a1"])
	assert.Equal(t, 2, summary.ByActor["orchestrator"])
	require.NotNil(t, summary.FirstTS)
	require.NotNil(t, summary.LastTS)
	assert.True(t, summary.FirstTS.Before(*summary.LastTS))
	assert.False(t, summary.Truncated)
	assert.Empty(t, summary.Inconsistencies)
}

func TestReplayReportsInconsistenciesAndContinues(t *testing.T) {
	log := openTestLog(t, testConfig())
	appendN(t, log, 4)

	corruptEntry(t, log, 0, 1, func(e *Entry) {
		e.Payload = json.RawMessage(`{"seq":999}`)
	})

	summary, err := log.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, summary.TotalEvents, "replay keeps aggregating past problems")
	require.Len(t, summary.Inconsistencies, 1)
	assert.Equal(t, InconsistencyHashMismatch, summary.Inconsistencies[0].Kind)
	assert.Equal(t, 1, summary.Inconsistencies[0].Index)
}

func TestReplayTruncatesAtCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEventsReplay = 10
	log := openTestLog(t, cfg)
	appendN(t, log, 12)

	summary, err := log.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, summary.TotalEvents)
	assert.True(t, summary.Truncated)
}

type collectSink struct {
	files map[string][]byte
}

func (s *collectSink) Store(_ context.Context, name string, data []byte) error {
	if s.files == nil {
		s.files = make(map[string][]byte)
	}
	s.files[name] = data
	return nil
}

func TestPruneSegmentsHonorsRetentionAndCheckpoint(t *testing.T) {
	cfg := testConfig()
	cfg.SegmentSize = 4
	cfg.RetentionSegments = 2
	log := openTestLog(t, cfg)
	appendN(t, log, 18)

	// 1. Nothing is pruned before a verification pass covers the segments
	result, err := log.PruneSegments(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Pruned)

	report, err := log.VerifyChain(context.Background())
	require.NoError(t, err)
	require.True(t, report.Valid)

	// 2. After the checkpoint advanced, the excess closed segments go to
	// the sink; genesis stays
	sink := &collectSink{}
	result, err = log.PruneSegments(context.Background(), sink)
	require.NoError(t, err)
	assert.Equal(t, []string{"segment-000001.json"}, result.Pruned)
	assert.Contains(t, sink.files, "segment-000001.json")

	segs, err := listSegments(log.dir)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 3, 4}, segs, "genesis segment survives pruning")

	var archived []Entry
	require.NoError(t, json.Unmarshal(sink.files["segment-000001.json"], &archived))
	assert.Len(t, archived, 4)

	// 3. Routine verification still works from the checkpoint
	fast, err := log.VerifyFromSnapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, fast.Valid)
	assert.Equal(t, 18, fast.TotalVerified)

	// 4. A full audit notices the gap and demands a cold restore
	full, err := log.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.False(t, full.Valid)
	assert.Contains(t, full.Reason, "segment missing")
}

func TestErrorRingNewestWins(t *testing.T) {
	clock := steppedClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	ring := NewErrorRingWithClock(3, clock)

	assert.False(t, ring.Degraded())

	ring.Record(EventSituationCreated, "disk full")
	ring.Record(EventEpisodeCreated, "disk full")
	ring.Record(EventDecisionRegistered, "disk full")
	ring.Record(EventContractIssued, "disk full")
	ring.Record(EventMandateGranted, "disk full")

	assert.Equal(t, 5, ring.Total(), "total counts evicted records too")
	assert.True(t, ring.Degraded())

	records := ring.Records()
	require.Len(t, records, 3)
	assert.Equal(t, EventDecisionRegistered, records[0].EventType, "oldest records are evicted first")
	assert.Equal(t, EventMandateGranted, records[2].EventType)
	assert.True(t, records[0].Timestamp.Before(records[2].Timestamp))
}

package repo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiter-labs/arbiter/pkg/entities"
)

var testTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testSituation(id string) entities.Situation {
	return entities.Situation{
		ID:                  id,
		Domain:              "logistics",
		Context:             "warehouse overflow",
		Objective:           "decide storage strategy",
		Alternatives:        []entities.Alternative{{Description: "rent"}, {Description: "build"}},
		Risks:               []entities.Risk{{Description: "cost overrun", Kind: "financial", Reversibility: "partial"}},
		RelevantConsequence: "capital commitment",
		DeclaredUseCase:     1,
		Status:              entities.SituationDraft,
		CreationTime:        testTime,
	}
}

func TestSituationRepoRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	repo, err := NewSituationRepo(dir)
	require.NoError(t, err)

	// 1. Create and read back
	require.NoError(t, repo.Create(ctx, testSituation("sit-1")))
	got, err := repo.GetByID(ctx, "sit-1")
	require.NoError(t, err)
	assert.Equal(t, "logistics", got.Domain)
	assert.Equal(t, entities.SituationDraft, got.Status)

	// 2. Duplicate ids are rejected
	err = repo.Create(ctx, testSituation("sit-1"))
	assert.ErrorIs(t, err, ErrDuplicateID)

	// 3. Unknown ids surface a typed not-found
	_, err = repo.GetByID(ctx, "sit-missing")
	var notFound *entities.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "situation", notFound.Kind)

	// 4. A fresh instance sees the committed state
	reopened, err := NewSituationRepo(dir)
	require.NoError(t, err)
	got, err = reopened.GetByID(ctx, "sit-1")
	require.NoError(t, err)
	assert.Equal(t, "warehouse overflow", got.Context)
}

func TestSituationRepoAdvanceStatus(t *testing.T) {
	ctx := context.Background()
	repo, err := NewSituationRepo(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, testSituation("sit-1")))

	// 1. Forward moves succeed
	s, err := repo.AdvanceStatus(ctx, "sit-1", entities.SituationOpen)
	require.NoError(t, err)
	assert.Equal(t, entities.SituationOpen, s.Status)

	// 2. Backward and repeated moves are state errors
	_, err = repo.AdvanceStatus(ctx, "sit-1", entities.SituationDraft)
	var stateErr *entities.StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "OPEN", stateErr.Current)

	_, err = repo.AdvanceStatus(ctx, "sit-1", entities.SituationOpen)
	assert.ErrorAs(t, err, &stateErr)
}

func TestSituationRepoAppendAttachment(t *testing.T) {
	ctx := context.Background()
	repo, err := NewSituationRepo(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, testSituation("sit-1")))

	att := entities.AnalysisAttachment{
		ID:   "att-1",
		Kind: entities.AttachmentMemoryQuery,
		Body: []byte(`{"query":"similar situations"}`),
		Time: testTime,
	}
	s, err := repo.AppendAttachment(ctx, "sit-1", att)
	require.NoError(t, err)
	require.Len(t, s.AnalysisAttachments, 1)
	assert.True(t, s.HasMemoryQuery("att-1"))

	// Same attachment id cannot be appended twice
	_, err = repo.AppendAttachment(ctx, "sit-1", att)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestSituationRepoListFilter(t *testing.T) {
	ctx := context.Background()
	repo, err := NewSituationRepo(t.TempDir())
	require.NoError(t, err)

	older := testSituation("sit-a")
	older.CreationTime = testTime.Add(-time.Hour)
	require.NoError(t, repo.Create(ctx, older))

	other := testSituation("sit-b")
	other.Domain = "finance"
	require.NoError(t, repo.Create(ctx, other))
	require.NoError(t, repo.Create(ctx, testSituation("sit-c")))

	all, err := repo.List(ctx, SituationFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "sit-a", all[0].ID, "oldest first")

	logistics, err := repo.List(ctx, SituationFilter{Domain: "logistics"})
	require.NoError(t, err)
	assert.Len(t, logistics, 2)
}

func TestEpisodeRepoOnePerSituation(t *testing.T) {
	ctx := context.Background()
	repo, err := NewEpisodeRepo(t.TempDir())
	require.NoError(t, err)

	ep := entities.Episode{
		ID:                    "ep-1",
		UseCase:               1,
		Domain:                "logistics",
		State:                 entities.EpisodeCreated,
		ReferencedSituationID: "sit-1",
		CreatedAt:             testTime,
	}
	require.NoError(t, repo.Create(ctx, ep))

	dup := ep
	dup.ID = "ep-2"
	err = repo.Create(ctx, dup)
	var stateErr *entities.StateError
	require.ErrorAs(t, err, &stateErr, "a situation gets exactly one episode")

	found, err := repo.BySituationID(ctx, "sit-1")
	require.NoError(t, err)
	assert.Equal(t, "ep-1", found.ID)
}

func TestEpisodeRepoAdvanceStateStampsMilestones(t *testing.T) {
	ctx := context.Background()
	repo, err := NewEpisodeRepo(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, entities.Episode{
		ID: "ep-1", State: entities.EpisodeCreated, ReferencedSituationID: "sit-1", CreatedAt: testTime,
	}))

	decidedAt := testTime.Add(time.Minute)
	e, err := repo.AdvanceState(ctx, "ep-1", entities.EpisodeDecided, decidedAt)
	require.NoError(t, err)
	require.NotNil(t, e.DecidedAt)
	assert.Equal(t, decidedAt, *e.DecidedAt)
	assert.Nil(t, e.ClosedAt)

	// Skipping backward is rejected
	_, err = repo.AdvanceState(ctx, "ep-1", entities.EpisodeCreated, decidedAt)
	var stateErr *entities.StateError
	assert.ErrorAs(t, err, &stateErr)

	e, err = repo.AdvanceState(ctx, "ep-1", entities.EpisodeUnderObservation, decidedAt.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, e.ObservationStartedAt)

	e, err = repo.AdvanceState(ctx, "ep-1", entities.EpisodeClosed, decidedAt.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, e.ClosedAt)
}

func TestProtocolRepoOnePerEpisode(t *testing.T) {
	ctx := context.Background()
	repo, err := NewProtocolRepo(t.TempDir())
	require.NoError(t, err)

	p := entities.DecisionProtocol{
		ID:                    "prot-1",
		EpisodeID:             "ep-1",
		RiskProfile:           entities.RiskModerate,
		EvaluatedAlternatives: []string{"A", "B"},
		ChosenAlternative:     "A",
		State:                 entities.ProtocolValidated,
		ValidatedAt:           testTime,
	}
	require.NoError(t, repo.Create(ctx, p))

	second := p
	second.ID = "prot-2"
	err = repo.Create(ctx, second)
	var stateErr *entities.StateError
	require.ErrorAs(t, err, &stateErr)

	got, err := repo.ByEpisodeID(ctx, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, "prot-1", got.ID)
}

func testMandate(id string, maxUses *int) entities.AutonomyMandate {
	return entities.AutonomyMandate{
		ID:              id,
		AgentID:         "agent-1",
		Mode:            entities.ModeAutonomous,
		AllowedPolicies: []string{"inventory-rebalance"},
		MaxRiskProfile:  entities.RiskModerate,
		GrantedBy:       "supervisor",
		GrantedAt:       testTime,
		MaxUses:         maxUses,
		Status:          entities.MandateActive,
	}
}

func TestMandateRepoConsumeUseRace(t *testing.T) {
	ctx := context.Background()
	repo, err := NewMandateRepo(t.TempDir())
	require.NoError(t, err)

	maxUses := 2
	m := testMandate("man-1", &maxUses)
	m.Uses = 1
	require.NoError(t, repo.Create(ctx, m))

	// Two concurrent consumers race for the last use; exactly one wins
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, results[slot] = repo.ConsumeUse(ctx, "man-1", testTime.Add(time.Minute))
		}(i)
	}
	wg.Wait()

	var wins, exhausted int
	for _, res := range results {
		if res == nil {
			wins++
			continue
		}
		var valErr *entities.ValidationError
		require.ErrorAs(t, res, &valErr)
		assert.Equal(t, "MANDATE_EXHAUSTED_USES", valErr.RuleID)
		exhausted++
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, exhausted)

	final, err := repo.GetByID(ctx, "man-1")
	require.NoError(t, err)
	assert.Equal(t, 2, final.Uses)
	assert.Equal(t, entities.MandateExpired, final.Status)
	assert.Equal(t, entities.ExpireUses, final.ExpireReason)
}

func TestMandateRepoLifecycleMutators(t *testing.T) {
	ctx := context.Background()
	repo, err := NewMandateRepo(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, testMandate("man-1", nil)))

	// 1. Suspension records the triggering observation
	m, changed, err := repo.RecordSuspension(ctx, "man-1", "limit violated", "obs-1", testTime)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, entities.MandateSuspended, m.Status)
	assert.Equal(t, "obs-1", m.TriggeredByObservationID)

	// 2. The same observation applied again is a no-op
	_, changed, err = repo.RecordSuspension(ctx, "man-1", "limit violated", "obs-1", testTime)
	require.NoError(t, err)
	assert.False(t, changed)

	// 3. Resumption restores activity and remembers the reviewer
	m, changed, err = repo.RecordResumption(ctx, "man-1", "operator:lee", "reviewed", testTime.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, entities.MandateActive, m.Status)
	assert.Equal(t, "operator:lee", m.ResumedBy)
	assert.Nil(t, m.SuspendedAt)

	// 4. Resuming a non-suspended mandate is a no-op
	_, changed, err = repo.RecordResumption(ctx, "man-1", "operator:lee", "again", testTime.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)

	// 5. The resolved observation cannot re-suspend after review
	_, changed, err = repo.RecordSuspension(ctx, "man-1", "limit violated", "obs-1", testTime.Add(3*time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)

	// 6. Revocation is terminal; repeated revocation is a no-op
	m, changed, err = repo.RecordRevocation(ctx, "man-1", "supervisor", "critical incident", testTime.Add(4*time.Hour))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, entities.MandateRevoked, m.Status)

	_, changed, err = repo.RecordRevocation(ctx, "man-1", "supervisor", "again", testTime.Add(5*time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)

	// 7. Expiration on a terminal mandate is a no-op
	_, changed, err = repo.RecordExpiration(ctx, "man-1", entities.ExpireTime, testTime.Add(6*time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMandateRepoActiveByAgent(t *testing.T) {
	ctx := context.Background()
	repo, err := NewMandateRepo(t.TempDir())
	require.NoError(t, err)

	now := testTime.Add(time.Hour)

	active := testMandate("man-active", nil)
	require.NoError(t, repo.Create(ctx, active))

	// Recorded status still active but the window has passed
	lapsed := testMandate("man-lapsed", nil)
	until := testTime.Add(30 * time.Minute)
	lapsed.ValidUntil = &until
	require.NoError(t, repo.Create(ctx, lapsed))

	// Not yet inside its window
	future := testMandate("man-future", nil)
	from := testTime.Add(2 * time.Hour)
	future.ValidFrom = &from
	require.NoError(t, repo.Create(ctx, future))

	// Newer grant for the same agent
	newer := testMandate("man-newer", nil)
	newer.GrantedAt = testTime.Add(30 * time.Minute)
	require.NoError(t, repo.Create(ctx, newer))

	got, err := repo.ActiveByAgent(ctx, "agent-1", now)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "man-newer", got[0].ID, "most recent grant first")
	assert.Equal(t, "man-active", got[1].ID)
}

func TestWriteLockHonorsCancellationWhileWaiting(t *testing.T) {
	lock := newWriteLock()
	require.NoError(t, lock.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := lock.acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	lock.release()
	require.NoError(t, lock.acquire(context.Background()))
	lock.release()
}

package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zos-ai/zos/internal/idgen"
	"github.com/zos-ai/zos/internal/storage"
	"github.com/zos-ai/zos/internal/storage/sqlite/migrations"
	"github.com/zos-ai/zos/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func f64(v float64) *float64 { return &v }

func testMessage(id, channel, author string, at time.Time) *types.Message {
	return &types.Message{
		ID:         id,
		ChannelID:  channel,
		ServerID:   "srv1",
		AuthorID:   author,
		Content:    "hello from " + author,
		CreatedAt:  at,
		Scope:      types.ScopePublic,
		IngestedAt: at,
	}
}

func testInsight(runID, topicKey string) *types.Insight {
	return &types.Insight{
		ID:                 idgen.New(),
		TopicKey:           topicKey,
		Category:           "observation",
		Content:            "test insight",
		ScopeMax:           types.ScopePublic,
		CreatedAt:          time.Now().UTC(),
		RunID:              runID,
		SalienceSpent:      3,
		StrengthAdjustment: 1,
		Strength:           3,
		Confidence:         0.7,
		Importance:         0.5,
		Novelty:            0.5,
		Curiosity:          f64(0.6),
	}
}

func TestSchemaVersion(t *testing.T) {
	s := newTestStore(t)
	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, migrations.Latest(), v)
}

func TestInsertMessageIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	m := testMessage("ext-1", "chan1", "alice", now)
	created, err := s.InsertMessage(ctx, m)
	require.NoError(t, err)
	assert.True(t, created)

	// Re-ingesting the same external id is a no-op.
	created, err = s.InsertMessage(ctx, m)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.GetMessage(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.AuthorID)
	assert.Nil(t, got.DeletedAt)
}

func TestMarkMessageDeleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	_, err := s.InsertMessage(ctx, testMessage("ext-1", "chan1", "alice", now))
	require.NoError(t, err)
	require.NoError(t, s.MarkMessageDeleted(ctx, "ext-1", now))

	got, err := s.GetMessage(ctx, "ext-1")
	require.NoError(t, err)
	require.NotNil(t, got.DeletedAt)

	// Soft-deleted messages drop out of listings but stay fetchable.
	msgs, err := s.ListChannelMessages(ctx, "chan1", now.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestListDyadMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	a := testMessage("m1", "chan1", "alice", base)
	_, err := s.InsertMessage(ctx, a)
	require.NoError(t, err)

	b := testMessage("m2", "chan1", "bob", base.Add(time.Minute))
	b.ReplyToID = "m1"
	_, err = s.InsertMessage(ctx, b)
	require.NoError(t, err)

	// A message from a third party with no reply link is not part of the dyad.
	_, err = s.InsertMessage(ctx, testMessage("m3", "chan1", "carol", base.Add(2*time.Minute)))
	require.NoError(t, err)

	// m1 itself has no reply link or thread; only the reply lands in the
	// dyad window.
	msgs, err := s.ListDyadMessages(ctx, "alice", "bob", base.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m2", msgs[0].ID)

	// Messages by either user in a thread both participated in do count.
	m4 := testMessage("m4", "chan1", "alice", base.Add(3*time.Minute))
	m4.ThreadID = "t1"
	_, err = s.InsertMessage(ctx, m4)
	require.NoError(t, err)
	m5 := testMessage("m5", "chan1", "bob", base.Add(4*time.Minute))
	m5.ThreadID = "t1"
	_, err = s.InsertMessage(ctx, m5)
	require.NoError(t, err)
	// A thread only alice posted in does not qualify.
	m6 := testMessage("m6", "chan1", "alice", base.Add(5*time.Minute))
	m6.ThreadID = "t2"
	_, err = s.InsertMessage(ctx, m6)
	require.NoError(t, err)

	msgs, err = s.ListDyadMessages(ctx, "alice", "bob", base.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, "m4", msgs[1].ID)
	assert.Equal(t, "m5", msgs[2].ID)
}

func TestUpsertTopic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	top := &types.Topic{
		Key:         "server:srv1:user:alice",
		Category:    "user",
		BudgetGroup: "social",
		ServerID:    "srv1",
		CreatedAt:   now,
	}
	created, err := s.UpsertTopic(ctx, top)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.UpsertTopic(ctx, top)
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, s.TouchTopic(ctx, top.Key, now.Add(time.Minute)))
	got, err := s.GetTopic(ctx, top.Key)
	require.NoError(t, err)
	require.NotNil(t, got.LastActivityAt)

	_, err = s.GetTopic(ctx, "server:srv1:user:nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLedgerBalances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	key := "server:srv1:user:alice"
	_, err := s.UpsertTopic(ctx, &types.Topic{
		Key: key, Category: "user", BudgetGroup: "social", ServerID: "srv1", CreatedAt: now,
	})
	require.NoError(t, err)

	entries := []*types.LedgerEntry{
		{ID: idgen.New(), TopicKey: key, Kind: types.TxnEarn, Amount: 2, Reason: "message", CreatedAt: now},
		{ID: idgen.New(), TopicKey: key, Kind: types.TxnEarn, Amount: 1.5, Reason: "reply", CreatedAt: now},
		{ID: idgen.New(), TopicKey: key, Kind: types.TxnDecay, Amount: -0.5, Reason: "decay", CreatedAt: now},
	}
	require.NoError(t, s.AppendLedger(ctx, entries...))

	balance, err := s.TopicBalance(ctx, key)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, balance, 1e-9)

	// Unknown topics read as zero, not as an error.
	balance, err = s.TopicBalance(ctx, "server:srv1:user:nobody")
	require.NoError(t, err)
	assert.Zero(t, balance)

	balances, err := s.GroupBalances(ctx, "social", 10)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, key, balances[0].Key)
	assert.InDelta(t, 3.0, balances[0].Balance, 1e-9)
}

func TestGroupBalancesExcludesNonPositive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	key := "server:srv1:user:alice"
	_, err := s.UpsertTopic(ctx, &types.Topic{
		Key: key, Category: "user", BudgetGroup: "social", ServerID: "srv1", CreatedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, s.AppendLedger(ctx,
		&types.LedgerEntry{ID: idgen.New(), TopicKey: key, Kind: types.TxnEarn, Amount: 2, CreatedAt: now},
		&types.LedgerEntry{ID: idgen.New(), TopicKey: key, Kind: types.TxnSpend, Amount: -2, CreatedAt: now},
	))

	balances, err := s.GroupBalances(ctx, "social", 10)
	require.NoError(t, err)
	assert.Empty(t, balances)
}

func TestLastEntryAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	key := "server:srv1:user:alice"

	at, err := s.LastEntryAt(ctx, key, types.TxnDecay)
	require.NoError(t, err)
	assert.True(t, at.IsZero())

	require.NoError(t, s.AppendLedger(ctx,
		&types.LedgerEntry{ID: idgen.New(), TopicKey: key, Kind: types.TxnDecay, Amount: -1, CreatedAt: now},
	))
	at, err = s.LastEntryAt(ctx, key, types.TxnDecay)
	require.NoError(t, err)
	assert.Equal(t, now, at.UTC())
}

func TestStoreInsightTxAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	key := "server:srv1:user:alice"

	run := &types.RunRecord{ID: idgen.New(), LayerName: "daily_user", StartedAt: now, Status: types.RunSuccess}
	require.NoError(t, s.InsertRun(ctx, run))

	spend := &types.LedgerEntry{
		ID: idgen.New(), TopicKey: key, Kind: types.TxnSpend, Amount: -3,
		Reason: "layer:daily_user", CreatedAt: now,
	}

	// An invalid insight (no valence set) must roll back the spend too.
	bad := testInsight(run.ID, key)
	bad.Curiosity = nil
	err := s.StoreInsightTx(ctx, bad, []*types.LedgerEntry{spend})
	require.Error(t, err)
	balance, err := s.TopicBalance(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, balance)

	good := testInsight(run.ID, key)
	require.NoError(t, s.StoreInsightTx(ctx, good, []*types.LedgerEntry{spend}))
	balance, err = s.TopicBalance(ctx, key)
	require.NoError(t, err)
	assert.InDelta(t, -3.0, balance, 1e-9)

	got, err := s.GetInsight(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, key, got.TopicKey)
	require.NotNil(t, got.Curiosity)
	assert.InDelta(t, 0.6, *got.Curiosity, 1e-9)
	assert.Nil(t, got.Joy)
}

func TestListInsightsByStrength(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	weak := testInsight("run1", "server:srv1:user:alice")
	weak.Strength = 1
	strong := testInsight("run1", "server:srv1:user:alice")
	strong.Strength = 9
	other := testInsight("run1", "server:srv2:user:alice")
	other.Strength = 5
	for _, in := range []*types.Insight{weak, strong, other} {
		require.NoError(t, s.InsertInsight(ctx, in))
	}

	got, err := s.ListInsightsByStrength(ctx, "server:srv1:user:alice", false, nil, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, strong.ID, got[0].ID)

	// Pattern retrieval reaches the same user across servers.
	got, err = s.ListInsightsByStrength(ctx, "server:%:user:alice", false, nil, 10)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	// Excluded ids never reappear.
	got, err = s.ListInsightsByStrength(ctx, "server:srv1:user:alice", false, []string{strong.ID}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, weak.ID, got[0].ID)
}

func TestQuarantineExcludedFromRetrieval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := testInsight("run1", "server:srv1:user:alice")
	require.NoError(t, s.InsertInsight(ctx, in))
	require.NoError(t, s.SetInsightQuarantined(ctx, in.ID, true))

	got, err := s.ListInsightsByRecency(ctx, "server:srv1:user:alice", false, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.ListInsightsByRecency(ctx, "server:srv1:user:alice", true, nil, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	run := &types.RunRecord{ID: idgen.New(), LayerName: "daily_user", StartedAt: now, Status: types.RunSuccess}
	require.NoError(t, s.InsertRun(ctx, run))

	ended := now.Add(30 * time.Second)
	run.EndedAt = &ended
	run.Status = types.RunPartial
	run.TargetsMatched = 3
	run.TargetsProcessed = 2
	run.TargetsSkipped = 1
	run.InsightsCreated = 2
	run.Errors = []types.RunError{{Topic: "server:srv1:user:bob", Node: "llm_call", Error: "timeout"}}
	require.NoError(t, s.UpdateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunPartial, got.Status)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "llm_call", got.Errors[0].Node)

	stats, err := s.RunStatsSummary(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Runs)
	assert.Equal(t, 1, stats.ByStatus["partial"])
	assert.Equal(t, 2, stats.InsightsCreated)

	missing := &types.RunRecord{ID: "nope", Status: types.RunFailed}
	assert.ErrorIs(t, s.UpdateRun(ctx, missing), storage.ErrNotFound)
}

func TestCallLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	c := &types.CallRecord{
		ID: idgen.New(), RunID: "run1", Kind: "llm_call", Profile: "quick",
		Provider: "anthropic", Model: "claude-haiku-4-5",
		Prompt: "p", Response: "r", TokensIn: 100, TokensOut: 50,
		EstimatedCost: 0.001, LatencyMS: 420, Success: true, CreatedAt: now,
	}
	require.NoError(t, s.InsertCall(ctx, c))

	old := &types.CallRecord{
		ID: idgen.At(now.AddDate(0, 0, -90)), RunID: "run0", Kind: "llm_call",
		Success: true, CreatedAt: now.AddDate(0, 0, -90),
	}
	require.NoError(t, s.InsertCall(ctx, old))

	calls, err := s.ListCalls(ctx, "run1")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Success)

	n, err := s.PruneCalls(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.PruneCalls(ctx, 0)
	assert.Error(t, err)
}

func TestSubjectSources(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	links := []*types.SubjectSource{
		{SubjectKey: "subject:rust", MessageID: "m1", SourceTopicKey: "server:srv1:user:alice", RunID: "run1"},
		{SubjectKey: "subject:rust", MessageID: "m2", SourceTopicKey: "server:srv1:user:bob", RunID: "run1"},
	}
	require.NoError(t, s.AddSubjectSources(ctx, links))
	// Re-adding the same links is a no-op.
	require.NoError(t, s.AddSubjectSources(ctx, links))

	got, err := s.ListSubjectSources(ctx, "subject:rust", 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRecordUserServer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.RecordUserServer(ctx, "alice", "srv1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.RecordUserServer(ctx, "alice", "srv1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.RecordUserServer(ctx, "alice", "srv2")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDisplayNames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordDisplayName(ctx, "alice", "Alice A."))
	require.NoError(t, s.RecordDisplayName(ctx, "alice", "Alice B."))

	names, err := s.DisplayNames(ctx, []string{"alice", "bob"})
	require.NoError(t, err)
	assert.Equal(t, "Alice B.", names["alice"])
	_, ok := names["bob"]
	assert.False(t, ok)
}

func TestSchedulerJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	job := &types.SchedulerJob{LayerName: "user_watch", Schedule: "0 3 * * *", NextFireAt: &next}
	require.NoError(t, s.UpsertSchedulerJob(ctx, job))

	jobs, err := s.ListSchedulerJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "0 3 * * *", jobs[0].Schedule)
	assert.Nil(t, jobs[0].LastFiredAt)

	// Re-upserting a new schedule keeps the fired timestamp.
	fired := next.Add(-time.Hour)
	job.LastFiredAt = &fired
	require.NoError(t, s.UpsertSchedulerJob(ctx, job))
	job.LastFiredAt = nil
	job.Schedule = "30 3 * * *"
	require.NoError(t, s.UpsertSchedulerJob(ctx, job))

	jobs, err = s.ListSchedulerJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "30 3 * * *", jobs[0].Schedule)
	require.NotNil(t, jobs[0].LastFiredAt)
	assert.WithinDuration(t, fired, *jobs[0].LastFiredAt, time.Second)

	require.NoError(t, s.DeleteSchedulerJob(ctx, "user_watch"))
	jobs, err = s.ListSchedulerJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zos-ai/zos/internal/config"
	"github.com/zos-ai/zos/internal/idgen"
	"github.com/zos-ai/zos/internal/storage"
	"github.com/zos-ai/zos/internal/storage/sqlite"
	"github.com/zos-ai/zos/internal/topic"
	"github.com/zos-ai/zos/internal/types"
)

func newTestLedger(t *testing.T, cfg *config.Config) (*Ledger, storage.Storage) {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, cfg, nil), store
}

// seedTopic creates a topic row and credits it with a raw earn entry,
// bypassing cap clamping and propagation.
func seedTopic(t *testing.T, store storage.Storage, rawKey string, balance float64, lastActivity time.Time) {
	t.Helper()
	ctx := context.Background()
	k := topic.MustParse(rawKey)
	la := lastActivity
	_, err := store.UpsertTopic(ctx, &types.Topic{
		Key:            rawKey,
		Category:       string(k.Category),
		BudgetGroup:    string(k.Group()),
		ServerID:       k.ServerID,
		CreatedAt:      lastActivity,
		LastActivityAt: &la,
	})
	require.NoError(t, err)
	if balance != 0 {
		require.NoError(t, store.AppendLedger(ctx, &types.LedgerEntry{
			ID: idgen.New(), TopicKey: rawKey, Kind: types.TxnEarn,
			Amount: balance, Reason: "seed", CreatedAt: lastActivity,
		}))
	}
}

func entryKinds(t *testing.T, store storage.Storage, key string) []types.TxnKind {
	t.Helper()
	entries, err := store.ListLedgerEntries(context.Background(), key, 100)
	require.NoError(t, err)
	kinds := make([]types.TxnKind, len(entries))
	for i, e := range entries {
		kinds[i] = e.Kind
	}
	return kinds
}

func TestEarnPropagateSpillover(t *testing.T) {
	l, store := newTestLedger(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	warmDyad := topic.DyadKey("S", "A", "B")
	coldDyad := topic.DyadKey("S", "A", "C")
	seedTopic(t, store, warmDyad, 2, now)
	seedTopic(t, store, coldDyad, 0, now)

	balance, overflow, err := l.Earn(ctx, topic.UserKey("S", "A"), 12, "msg")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, balance, 1e-9)
	assert.InDelta(t, 2.0, overflow, 1e-9)

	// Warm dyad gets propagation of the clamped earn plus spillover of the
	// overflow: 2 + 10*0.3 + 2*0.5 = 6.
	b, err := store.TopicBalance(ctx, warmDyad)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, b, 1e-9)
	assert.ElementsMatch(t,
		[]types.TxnKind{types.TxnEarn, types.TxnPropagate, types.TxnSpillover},
		entryKinds(t, store, warmDyad))

	// Cold dyad receives nothing.
	b, err = store.TopicBalance(ctx, coldDyad)
	require.NoError(t, err)
	assert.Zero(t, b)
}

func TestPropagationDepthIsOne(t *testing.T) {
	l, store := newTestLedger(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	// Warm dyad whose own relations (the member users) are also warm; a
	// recursive propagation would credit B here.
	seedTopic(t, store, topic.DyadKey("S", "A", "B"), 2, now)
	seedTopic(t, store, topic.UserKey("S", "B"), 5, now)

	_, _, err := l.Earn(ctx, topic.UserKey("S", "A"), 3, "msg")
	require.NoError(t, err)

	// B's balance is untouched: the propagate entry on the dyad did not
	// itself propagate.
	b, err := store.TopicBalance(ctx, topic.UserKey("S", "B"))
	require.NoError(t, err)
	assert.InDelta(t, 5.0, b, 1e-9)
}

func TestEarnExactlyToCapNoSpillover(t *testing.T) {
	l, store := newTestLedger(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	warmDyad := topic.DyadKey("S", "A", "B")
	seedTopic(t, store, warmDyad, 2, now)
	seedTopic(t, store, topic.UserKey("S", "A"), 4, now)

	// Cap for users is 10; earning exactly the headroom leaves no overflow.
	balance, overflow, err := l.Earn(ctx, topic.UserKey("S", "A"), 6, "msg")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, balance, 1e-9)
	assert.Zero(t, overflow)
	assert.NotContains(t, entryKinds(t, store, warmDyad), types.TxnSpillover)
	assert.Contains(t, entryKinds(t, store, warmDyad), types.TxnPropagate)
}

func TestEarnAtCapWritesNoEarnEntry(t *testing.T) {
	l, store := newTestLedger(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()
	key := topic.UserKey("S", "A")
	warmDyad := topic.DyadKey("S", "A", "B")
	seedTopic(t, store, key, 10, now)
	seedTopic(t, store, warmDyad, 2, now)

	balance, overflow, err := l.Earn(ctx, key, 2, "msg")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, balance, 1e-9)
	assert.InDelta(t, 2.0, overflow, 1e-9)
	assert.Equal(t, []types.TxnKind{types.TxnEarn}, entryKinds(t, store, key))

	// The clamped earn propagates nothing, but its overflow still spills
	// to the warm neighbor: 2 × 0.5.
	kinds := entryKinds(t, store, warmDyad)
	assert.NotContains(t, kinds, types.TxnPropagate)
	assert.Contains(t, kinds, types.TxnSpillover)
	b, err := store.TopicBalance(ctx, warmDyad)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, b, 1e-9)
}

func TestSpendWithRetention(t *testing.T) {
	l, store := newTestLedger(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()
	key := topic.ChannelKey("S", "general")
	seedTopic(t, store, key, 20, now)

	actual, err := l.Spend(ctx, key, 5, "r1")
	require.NoError(t, err)
	assert.InDelta(t, 5.0, actual, 1e-9)

	balance, err := store.TopicBalance(ctx, key)
	require.NoError(t, err)
	assert.InDelta(t, 16.5, balance, 1e-9)

	entries, err := store.ListLedgerEntries(ctx, key, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	byKind := map[types.TxnKind]float64{}
	for _, e := range entries {
		byKind[e.Kind] = e.Amount
	}
	assert.InDelta(t, -5.0, byKind[types.TxnSpend], 1e-9)
	assert.InDelta(t, 1.5, byKind[types.TxnRetain], 1e-9)
}

func TestSpendClampedToBalance(t *testing.T) {
	l, store := newTestLedger(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()
	key := topic.UserKey("S", "A")
	seedTopic(t, store, key, 2, now)

	actual, err := l.Spend(ctx, key, 5, "r1")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, actual, 1e-9)

	// Retention refunds part of the spend; the balance never goes negative.
	balance, err := store.TopicBalance(ctx, key)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, balance, 1e-9)

	actual, err = l.Spend(ctx, topic.UserKey("S", "nobody"), 5, "r1")
	require.NoError(t, err)
	assert.Zero(t, actual)
}

func TestDecayAfterGrace(t *testing.T) {
	l, store := newTestLedger(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()
	key := topic.ChannelKey("S", "general")
	seedTopic(t, store, key, 100, now.AddDate(0, 0, -10))

	applied, err := l.RunDecay(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	// 10 days inactive, 7 grace: 3 days of compounding at 1%/day.
	balance, err := store.TopicBalance(ctx, key)
	require.NoError(t, err)
	assert.InDelta(t, 97.0299, balance, 0.001)

	// Same-day rerun is a no-op.
	applied, err = l.RunDecay(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, applied)
	again, err := store.TopicBalance(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, balance, again)
}

func TestDecaySkipsActiveAndTinySteps(t *testing.T) {
	l, store := newTestLedger(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	seedTopic(t, store, topic.ChannelKey("S", "busy"), 50, now.AddDate(0, 0, -2))
	// Below min_step: 0.5 * 0.01 = 0.005 < 0.01.
	seedTopic(t, store, topic.ChannelKey("S", "tiny"), 0.5, now.AddDate(0, 0, -8))

	applied, err := l.RunDecay(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, applied)
}

func TestGlobalWarmingOnSecondServer(t *testing.T) {
	l, store := newTestLedger(t, nil)
	ctx := context.Background()
	globalKey := topic.UserKey("", "U")

	require.NoError(t, l.NoteUserServer(ctx, "U", "S1"))
	b, err := store.TopicBalance(ctx, globalKey)
	require.NoError(t, err)
	assert.Zero(t, b)

	require.NoError(t, l.NoteUserServer(ctx, "U", "S2"))
	b, err = store.TopicBalance(ctx, globalKey)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, b, 1e-9)
	assert.Equal(t, []types.TxnKind{types.TxnWarm}, entryKinds(t, store, globalKey))

	// Once warm, a server-side earn crosses the divide at the global factor.
	_, _, err = l.Earn(ctx, topic.UserKey("S1", "U"), 4, "msg")
	require.NoError(t, err)
	b, err = store.TopicBalance(ctx, globalKey)
	require.NoError(t, err)
	assert.InDelta(t, 2.0+4*0.15, b, 1e-9)
}

func TestWarmGlobalUserIdempotent(t *testing.T) {
	l, store := newTestLedger(t, nil)
	ctx := context.Background()

	warmed, err := l.WarmGlobalUser(ctx, "U", "dm")
	require.NoError(t, err)
	assert.True(t, warmed)

	warmed, err = l.WarmGlobalUser(ctx, "U", "dm")
	require.NoError(t, err)
	assert.False(t, warmed)

	b, err := store.TopicBalance(ctx, topic.UserKey("", "U"))
	require.NoError(t, err)
	assert.InDelta(t, 2.0, b, 1e-9)
}

func TestGlobalDyadWarmViaBothUsers(t *testing.T) {
	l, store := newTestLedger(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	// Global dyad with zero balance; warm only because both users are warm.
	seedTopic(t, store, topic.UserKey("", "A"), 3, now)
	seedTopic(t, store, topic.UserKey("", "B"), 3, now)

	// Earning on the global user relates to global dyads containing A.
	seedTopic(t, store, topic.DyadKey("", "A", "B"), 0, now)
	_, _, err := l.Earn(ctx, topic.UserKey("", "A"), 2, "dm")
	require.NoError(t, err)

	b, err := store.TopicBalance(ctx, topic.DyadKey("", "A", "B"))
	require.NoError(t, err)
	assert.InDelta(t, 2*0.3, b, 1e-9)
}

func TestEarnRejectsInvalidInput(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	ctx := context.Background()

	_, _, err := l.Earn(ctx, "bogus key", 1, "msg")
	assert.Error(t, err)

	_, _, err = l.Earn(ctx, topic.UserKey("S", "A"), -1, "msg")
	assert.Error(t, err)

	_, err = l.Spend(ctx, topic.UserKey("S", "A"), 0, "r1")
	assert.Error(t, err)
}

func TestResetZeroesBalance(t *testing.T) {
	led, store := newTestLedger(t, nil)
	ctx := context.Background()
	key := topic.UserKey("srv1", "alice")

	seedTopic(t, store, key, 6.5, time.Now().UTC())

	cleared, err := led.Reset(ctx, key, "operator_reset")
	require.NoError(t, err)
	assert.InDelta(t, 6.5, cleared, 1e-9)

	balance, err := led.Balance(ctx, key)
	require.NoError(t, err)
	assert.InDelta(t, 0, balance, 1e-9)
	assert.Contains(t, entryKinds(t, store, key), types.TxnReset)

	// Resetting an already-zero topic writes nothing.
	cleared, err = led.Reset(ctx, key, "operator_reset")
	require.NoError(t, err)
	assert.Zero(t, cleared)
}

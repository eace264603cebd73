package observe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zos-ai/zos/internal/config"
	"github.com/zos-ai/zos/internal/ledger"
	"github.com/zos-ai/zos/internal/storage/sqlite"
	"github.com/zos-ai/zos/internal/types"
)

func newTestObserver(t *testing.T) (*Observer, *sqlite.Store, *ledger.Ledger) {
	t.Helper()
	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	cfg := config.Default()
	led := ledger.New(store, cfg, nil)
	return New(store, led, cfg, nil), store, led
}

func message(id, server, channel, author string) *types.Message {
	now := time.Now().UTC()
	return &types.Message{
		ID: id, ChannelID: channel, ServerID: server, AuthorID: author,
		Content: "hello", CreatedAt: now, Scope: types.ScopePublic, IngestedAt: now,
	}
}

func balance(t *testing.T, led *ledger.Ledger, key string) float64 {
	t.Helper()
	b, err := led.Balance(context.Background(), key)
	require.NoError(t, err)
	return b
}

func TestObserveMessageEarnsUserAndChannel(t *testing.T) {
	o, _, led := newTestObserver(t)
	ctx := context.Background()

	require.NoError(t, o.ObserveMessage(ctx, MessageEvent{Message: message("m1", "srv1", "chan1", "alice")}))

	assert.InDelta(t, 1.0, balance(t, led, "server:srv1:user:alice"), 1e-9)
	assert.InDelta(t, 1.0, balance(t, led, "server:srv1:channel:chan1"), 1e-9)
}

func TestObserveMessageIdempotent(t *testing.T) {
	o, _, led := newTestObserver(t)
	ctx := context.Background()

	m := message("m1", "srv1", "chan1", "alice")
	require.NoError(t, o.ObserveMessage(ctx, MessageEvent{Message: m}))
	require.NoError(t, o.ObserveMessage(ctx, MessageEvent{Message: m}))

	assert.InDelta(t, 1.0, balance(t, led, "server:srv1:user:alice"), 1e-9)
}

func TestObserveMessageMediaBoost(t *testing.T) {
	o, _, led := newTestObserver(t)
	ctx := context.Background()

	m := message("m1", "srv1", "chan1", "alice")
	m.HasMedia = true
	require.NoError(t, o.ObserveMessage(ctx, MessageEvent{Message: m}))

	// 1.0 x 1.5 media boost
	assert.InDelta(t, 1.5, balance(t, led, "server:srv1:user:alice"), 1e-9)
}

func TestObserveAnonymousAuthorOnlyChannelEarns(t *testing.T) {
	o, _, led := newTestObserver(t)
	ctx := context.Background()

	require.NoError(t, o.ObserveMessage(ctx, MessageEvent{Message: message("m1", "srv1", "chan1", "anon:123")}))

	assert.InDelta(t, 0.0, balance(t, led, "server:srv1:user:anon:123"), 1e-9)
	assert.InDelta(t, 1.0, balance(t, led, "server:srv1:channel:chan1"), 1e-9)
}

func TestObserveDMWarmsGlobalUser(t *testing.T) {
	o, _, led := newTestObserver(t)
	ctx := context.Background()

	m := message("m1", "", "dm-chan", "alice")
	m.Scope = types.ScopeDM
	require.NoError(t, o.ObserveMessage(ctx, MessageEvent{Message: m}))

	// 1.5 dm weight, then warmed to at least the initial warmth.
	b := balance(t, led, "user:alice")
	assert.InDelta(t, 1.5, b, 1e-9)
}

func TestObserveReplyEarnsDyad(t *testing.T) {
	o, _, led := newTestObserver(t)
	ctx := context.Background()

	require.NoError(t, o.ObserveMessage(ctx, MessageEvent{Message: message("m1", "srv1", "chan1", "bob")}))
	reply := message("m2", "srv1", "chan1", "alice")
	reply.ReplyToID = "m1"
	require.NoError(t, o.ObserveMessage(ctx, MessageEvent{Message: reply}))

	assert.InDelta(t, 0.6, balance(t, led, "server:srv1:dyad:alice:bob"), 1e-9)
}

func TestObserveMentionsEarnWithSource(t *testing.T) {
	o, store, led := newTestObserver(t)
	ctx := context.Background()

	require.NoError(t, o.ObserveMessage(ctx, MessageEvent{
		Message:  message("m1", "srv1", "chan1", "alice"),
		Mentions: []string{"bob", "alice"},
	}))

	assert.InDelta(t, 0.4, balance(t, led, "server:srv1:user:bob"), 1e-9)

	entries, err := store.ListLedgerEntries(ctx, "server:srv1:user:bob", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "server:srv1:user:alice", entries[0].SourceTopic)
}

func TestObserveReaction(t *testing.T) {
	o, store, led := newTestObserver(t)
	ctx := context.Background()

	require.NoError(t, o.ObserveMessage(ctx, MessageEvent{Message: message("m1", "srv1", "chan1", "alice")}))
	require.NoError(t, o.ObserveReaction(ctx, ReactionEvent{
		MessageID: "m1", ReactorID: "bob", Emoji: "blobwave", CustomEmoji: true,
	}))

	// Alice: 1.0 message + 0.3 reaction, plus 0.09 propagated back from
	// the dyad earn (she is warm at 1.3 when the dyad earns 0.3).
	assert.InDelta(t, 1.39, balance(t, led, "server:srv1:user:alice"), 1e-9)
	assert.InDelta(t, 0.3, balance(t, led, "server:srv1:user:bob"), 1e-9)
	assert.InDelta(t, 0.3, balance(t, led, "server:srv1:dyad:alice:bob"), 1e-9)
	assert.InDelta(t, 0.3, balance(t, led, "server:srv1:emoji:blobwave"), 1e-9)

	entries, err := store.ListLedgerEntries(ctx, "server:srv1:user:alice", 10)
	require.NoError(t, err)
	var propagated bool
	for _, e := range entries {
		if e.Kind == types.TxnPropagate {
			propagated = true
			assert.Equal(t, "server:srv1:dyad:alice:bob", e.SourceTopic)
			assert.InDelta(t, 0.09, e.Amount, 1e-9)
		}
	}
	assert.True(t, propagated, "dyad earn should propagate to its warm member")
}

func TestObserveThreadCreated(t *testing.T) {
	o, store, led := newTestObserver(t)
	ctx := context.Background()

	require.NoError(t, o.ObserveThreadCreated(ctx, ThreadEvent{
		ThreadID: "th1", ChannelID: "chan1", ServerID: "srv1", CreatorID: "alice",
	}))

	assert.InDelta(t, 0.8, balance(t, led, "server:srv1:thread:th1"), 1e-9)
	assert.InDelta(t, 0.8, balance(t, led, "server:srv1:user:alice"), 1e-9)

	th, err := store.GetTopic(ctx, "server:srv1:thread:th1")
	require.NoError(t, err)
	assert.Equal(t, "server:srv1:channel:chan1", th.ParentKey)
	assert.True(t, th.Provisional)
}

func TestObserveMessageDeleted(t *testing.T) {
	o, store, led := newTestObserver(t)
	ctx := context.Background()

	require.NoError(t, o.ObserveMessage(ctx, MessageEvent{Message: message("m1", "srv1", "chan1", "alice")}))
	require.NoError(t, o.ObserveMessageDeleted(ctx, "m1", time.Now().UTC()))

	m, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.NotNil(t, m.DeletedAt)
	// Earned salience stays; the ledger is append-only.
	assert.InDelta(t, 1.0, balance(t, led, "server:srv1:user:alice"), 1e-9)
}

func TestObserveDisplayNameRecorded(t *testing.T) {
	o, store, _ := newTestObserver(t)
	ctx := context.Background()

	m := message("m1", "srv1", "chan1", "alice")
	m.AuthorDisplay = "Alice L."
	require.NoError(t, o.ObserveMessage(ctx, MessageEvent{Message: m}))

	names, err := store.DisplayNames(ctx, []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, "Alice L.", names["alice"])
}

func TestObserveReactionRemovedEarnsNothing(t *testing.T) {
	obs, _, led := newTestObserver(t)
	ctx := context.Background()

	require.NoError(t, obs.ObserveMessage(ctx, MessageEvent{Message: message("m1", "srv1", "chan1", "alice")}))
	before := balance(t, led, "server:srv1:user:alice")
	require.InDelta(t, 1.0, before, 1e-9)

	require.NoError(t, obs.ObserveReactionRemoved(ctx, ReactionEvent{
		MessageID: "m1", ReactorID: "bob", Emoji: "wave",
	}))
	assert.InDelta(t, before, balance(t, led, "server:srv1:user:alice"), 1e-9)
}

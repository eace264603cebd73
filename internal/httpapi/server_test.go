package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zos-ai/zos/internal/config"
	"github.com/zos-ai/zos/internal/insight"
	"github.com/zos-ai/zos/internal/ledger"
	"github.com/zos-ai/zos/internal/storage/sqlite"
	"github.com/zos-ai/zos/internal/types"
)

func newTestServer(t *testing.T) (*Server, *sqlite.Store, *ledger.Ledger) {
	t.Helper()
	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	cfg := config.Default()
	led := ledger.New(store, cfg, nil)
	return New(store, insight.NewRetriever(store), nil, cfg), store, led
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func seedInsight(t *testing.T, store *sqlite.Store, led *ledger.Ledger, topicKey, content string) {
	t.Helper()
	ctx := context.Background()
	_, _, err := led.Earn(ctx, topicKey, 5, "seed")
	require.NoError(t, err)
	run := &types.RunRecord{ID: "run-" + content, LayerName: "test", StartedAt: time.Now().UTC(), Status: types.RunSuccess}
	require.NoError(t, store.InsertRun(ctx, run))
	entries, spent, err := led.SpendEntries(ctx, topicKey, 1, "reflection:"+run.ID)
	require.NoError(t, err)
	curiosity := 0.5
	require.NoError(t, store.StoreInsightTx(ctx, &types.Insight{
		ID: "in-" + content, TopicKey: topicKey, Category: "observation",
		Content: content, ScopeMax: types.ScopePublic, CreatedAt: time.Now().UTC(),
		RunID: run.ID, SalienceSpent: spent, StrengthAdjustment: 1, Strength: spent,
		Confidence: 0.5, Importance: 0.5, Novelty: 0.5, Curiosity: &curiosity,
		Participants: []string{"alice"},
	}, entries))
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec, body := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotNil(t, body["schema_version"])
}

func TestInsightsByTopicProfile(t *testing.T) {
	s, store, led := newTestServer(t)
	seedInsight(t, store, led, "server:srv1:user:alice", "alice enjoys code review")

	rec, body := get(t, s, "/insights/server:srv1:user:alice?profile=recent&limit=5")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "recent", body["profile"])
	hits := body["insights"].([]any)
	require.Len(t, hits, 1)
	first := hits[0].(map[string]any)
	assert.Equal(t, "alice enjoys code review", first["content"])
	assert.NotEmpty(t, first["marker"])
}

func TestInsightsByTopicBadProfile(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec, _ := get(t, s, "/insights/server:srv1:user:alice?profile=psychic")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInsightsReadableNames(t *testing.T) {
	s, store, led := newTestServer(t)
	seedInsight(t, store, led, "server:srv1:user:alice", "observation one")
	require.NoError(t, store.RecordDisplayName(context.Background(), "alice", "Alice L."))

	rec, body := get(t, s, "/insights?topic=server:srv1:user:alice&readable=1")
	assert.Equal(t, http.StatusOK, rec.Code)
	names := body["display_names"].(map[string]any)
	assert.Equal(t, "Alice L.", names["alice"])
}

func TestInsightSearch(t *testing.T) {
	s, store, led := newTestServer(t)
	seedInsight(t, store, led, "server:srv1:user:alice", "talks about gardening")
	seedInsight(t, store, led, "server:srv1:user:bob", "talks about sailing")

	rec, body := get(t, s, "/insights/search?q=gardening")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])

	rec, _ = get(t, s, "/insights/search")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSalienceEndpoints(t *testing.T) {
	s, _, led := newTestServer(t)
	_, _, err := led.Earn(context.Background(), "server:srv1:user:alice", 5, "seed")
	require.NoError(t, err)

	rec, body := get(t, s, "/salience")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])

	rec, body = get(t, s, "/salience/groups")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, body["groups"])

	rec, body = get(t, s, "/salience/server:srv1:user:alice?transaction_limit=5")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 5.0, body["balance"].(float64), 1e-9)
	assert.NotEmpty(t, body["transactions"])
}

func TestRunsEndpoints(t *testing.T) {
	s, store, led := newTestServer(t)
	seedInsight(t, store, led, "server:srv1:user:alice", "seeded")

	rec, body := get(t, s, "/runs?since=6h")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])

	rec, body = get(t, s, "/runs/run-seeded")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "test", body["layer_name"])

	rec, _ = get(t, s, "/runs/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = get(t, s, "/runs/stats/summary?days=7")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["runs"])
}

func TestRunsBadSince(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec, _ := get(t, s, "/runs?since=blorp")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

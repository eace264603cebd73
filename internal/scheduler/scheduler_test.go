package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zos-ai/zos/internal/config"
	"github.com/zos-ai/zos/internal/eventbus"
	"github.com/zos-ai/zos/internal/executor"
	"github.com/zos-ai/zos/internal/insight"
	"github.com/zos-ai/zos/internal/layer"
	"github.com/zos-ai/zos/internal/ledger"
	"github.com/zos-ai/zos/internal/model"
	"github.com/zos-ai/zos/internal/prompt"
	"github.com/zos-ai/zos/internal/storage"
	"github.com/zos-ai/zos/internal/storage/sqlite"
	"github.com/zos-ai/zos/internal/types"
)

// stubClient answers every completion with a fixed text, optionally gating
// on a channel so tests can hold an activation open.
type stubClient struct {
	text string
	gate chan struct{}
	// entered is closed when the first call arrives.
	entered chan struct{}
}

func (c *stubClient) Complete(_ context.Context, _ model.Request) (*model.Result, error) {
	if c.entered != nil {
		select {
		case <-c.entered:
		default:
			close(c.entered)
		}
	}
	if c.gate != nil {
		<-c.gate
	}
	return &model.Result{Text: c.text, Usage: model.Usage{InputTokens: 10, OutputTokens: 5}}, nil
}

func (c *stubClient) AnalyzeImage(_ context.Context, _ model.ImageRequest) (*model.Result, error) {
	return nil, errors.New("not stubbed")
}

const userLayerYAML = `
name: daily_user
category: social
target_category: user
max_targets: 5
nodes:
  - type: fetch_messages
    lookback_hours: 24
  - type: llm_call
    prompt_template: reflect.tmpl
    model: quick
    max_tokens: 256
  - type: store_insight
    category: observation
`

type rig struct {
	store *sqlite.Store
	led   *ledger.Ledger
	sched *Scheduler
	reg   *layer.Registry
	cfg   *config.Config
}

func newRig(t *testing.T, client model.Client, layers map[string]string) *rig {
	t.Helper()
	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	layersDir := t.TempDir()
	for name, body := range layers {
		require.NoError(t, os.WriteFile(filepath.Join(layersDir, name), []byte(body), 0o644))
	}
	promptsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(promptsDir, "reflect.tmpl"),
		[]byte("Topic: {{.topic}}"), 0o644))

	cfg := config.Default()
	cfg.Scheduler.MaxRetries = 1

	bus := eventbus.New()
	led := ledger.New(store, cfg, bus)
	reg := layer.NewRegistry(layersDir)
	require.NoError(t, reg.Load())

	exec := executor.New(store, led, insight.NewRetriever(store), client,
		prompt.NewRenderer(promptsDir), prompt.NewSelfConcept(filepath.Join(promptsDir, "self.md")),
		cfg, bus)
	sched := New(store, led, reg, exec, cfg, bus)
	return &rig{store: store, led: led, sched: sched, reg: reg, cfg: cfg}
}

func TestTriggerRunsLayer(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, &stubClient{text: "plain text reflection"},
		map[string]string{"daily_user.yaml": userLayerYAML})

	_, _, err := r.led.Earn(ctx, "server:srv1:user:alice", 5, "seed")
	require.NoError(t, err)
	// A channel topic in a different group must not be picked.
	_, _, err = r.led.Earn(ctx, "server:srv1:channel:general", 5, "seed")
	require.NoError(t, err)

	run, err := r.sched.Trigger(ctx, "daily_user")
	require.NoError(t, err)
	assert.Equal(t, types.RunSuccess, run.Status)
	assert.Equal(t, 1, run.TargetsMatched)
	assert.Equal(t, 1, run.InsightsCreated)

	ins, err := r.store.ListInsightsByRecency(ctx, "server:srv1:user:alice", false, nil, 10)
	require.NoError(t, err)
	require.Len(t, ins, 1)
}

func TestTriggerUnknownLayer(t *testing.T) {
	r := newRig(t, &stubClient{text: "x"}, nil)
	_, err := r.sched.Trigger(context.Background(), "no_such_layer")
	assert.ErrorIs(t, err, ErrUnknownLayer)
}

func TestActivateEmptySelectionIsDryRun(t *testing.T) {
	r := newRig(t, &stubClient{text: "x"},
		map[string]string{"daily_user.yaml": userLayerYAML})

	run, err := r.sched.Trigger(context.Background(), "daily_user")
	require.NoError(t, err)
	assert.Equal(t, types.RunDry, run.Status)
	assert.Zero(t, run.TargetsMatched)
}

func TestActivateRefusesOverlap(t *testing.T) {
	ctx := context.Background()
	client := &stubClient{
		text:    "held open",
		gate:    make(chan struct{}),
		entered: make(chan struct{}),
	}
	r := newRig(t, client, map[string]string{"daily_user.yaml": userLayerYAML})

	_, _, err := r.led.Earn(ctx, "server:srv1:user:alice", 5, "seed")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := r.sched.Trigger(ctx, "daily_user")
		done <- err
	}()
	<-client.entered
	assert.True(t, r.sched.Running("daily_user"))

	_, err = r.sched.Trigger(ctx, "daily_user")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(client.gate)
	require.NoError(t, <-done)
	assert.False(t, r.sched.Running("daily_user"))
}

func TestStartRecordsJobBookkeeping(t *testing.T) {
	ctx := context.Background()
	scheduled := `
name: nightly
target_category: user
schedule: "0 3 * * *"
nodes:
  - type: fetch_messages
    lookback_hours: 24
  - type: llm_call
    prompt_template: reflect.tmpl
    model: quick
    max_tokens: 256
  - type: store_insight
    category: observation
`
	r := newRig(t, &stubClient{text: "x"}, map[string]string{"nightly.yaml": scheduled})
	require.NoError(t, r.sched.Start(ctx))
	defer r.sched.Stop()

	jobs, err := r.sched.Jobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "nightly", jobs[0].LayerName)
	assert.Equal(t, "0 3 * * *", jobs[0].Schedule)
	require.NotNil(t, jobs[0].NextFireAt)
	assert.True(t, jobs[0].NextFireAt.After(time.Now().UTC()))
}

func TestThresholdActivation(t *testing.T) {
	ctx := context.Background()
	threshold := `
name: on_activity
target_category: user
trigger_threshold: 1
nodes:
  - type: llm_call
    prompt_template: reflect.tmpl
    model: quick
    max_tokens: 256
  - type: store_insight
    category: observation
`
	r := newRig(t, &stubClient{text: "threshold reflection"},
		map[string]string{"on_activity.yaml": threshold})

	_, _, err := r.led.Earn(ctx, "server:srv1:user:alice", 5, "seed")
	require.NoError(t, err)

	// An existing insight newer than the layer's last run trips the trigger.
	entries, spent, err := r.led.SpendEntries(ctx, "server:srv1:user:alice", 1, "reflection:seed-run")
	require.NoError(t, err)
	seedRun := &types.RunRecord{ID: "seed-run", LayerName: "other", StartedAt: time.Now().UTC(), Status: types.RunSuccess}
	require.NoError(t, r.store.InsertRun(ctx, seedRun))
	curiosity := 0.5
	require.NoError(t, r.store.StoreInsightTx(ctx, &types.Insight{
		ID: "seed-insight", TopicKey: "server:srv1:user:alice", Category: "observation",
		Content: "seed", ScopeMax: types.ScopePublic, CreatedAt: time.Now().UTC(),
		RunID: "seed-run", SalienceSpent: spent, StrengthAdjustment: 1, Strength: spent,
		Confidence: 0.5, Importance: 0.5, Novelty: 0.5, Curiosity: &curiosity,
	}, entries))

	require.NoError(t, r.sched.Start(ctx))
	r.sched.Stop()

	runs, err := r.store.ListRuns(ctx, storage.RunFilter{LayerName: "on_activity"})
	require.NoError(t, err)
	require.NotEmpty(t, runs)
	assert.Equal(t, types.RunSuccess, runs[0].Status)
}

func TestMatchLike(t *testing.T) {
	assert.True(t, matchLike("server:%:user:%", "server:srv1:user:alice"))
	assert.True(t, matchLike("user:alice", "user:alice"))
	assert.False(t, matchLike("user:alice", "user:bob"))
	assert.False(t, matchLike("server:%:dyad:%", "server:srv1:user:alice"))
	assert.True(t, matchLike("%emoji%", "server:srv1:emoji:blob"))
}

package layer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dailyUserYAML = `
name: daily_user
category: social
description: daily per-user reflection
schedule: "0 6 * * *"
target_category: user
max_targets: 5
nodes:
  - type: fetch_messages
    lookback_hours: 24
    limit_per_channel: 200
  - type: fetch_insights
    retrieval_profile: balanced
    max_per_topic: 10
  - type: llm_call
    prompt_template: daily_user.tmpl
    model: quick
    max_tokens: 1024
    temperature: 0.7
  - type: store_insight
    category: observation
`

func TestParseLayer(t *testing.T) {
	l, err := Parse([]byte(dailyUserYAML))
	require.NoError(t, err)
	assert.Equal(t, "daily_user", l.Name)
	assert.Equal(t, "0 6 * * *", l.Schedule)
	assert.Equal(t, 5, l.MaxTargets)
	assert.NotEmpty(t, l.Hash)
	require.Len(t, l.Nodes, 4)

	require.NotNil(t, l.Nodes[0].FetchMessages)
	assert.Equal(t, 24, l.Nodes[0].FetchMessages.LookbackHours)
	require.NotNil(t, l.Nodes[2].LLMCall)
	assert.Equal(t, "quick", l.Nodes[2].LLMCall.Model)
	require.NotNil(t, l.Nodes[2].LLMCall.Temperature)
	assert.InDelta(t, 0.7, *l.Nodes[2].LLMCall.Temperature, 1e-9)
	require.NotNil(t, l.Nodes[3].StoreInsight)
	assert.Equal(t, "observation", l.Nodes[3].StoreInsight.Category)
	assert.Empty(t, l.Warnings())
}

func TestParseLayerUnknownParamWarns(t *testing.T) {
	l, err := Parse([]byte(`
name: test
nodes:
  - type: store_insight
    category: observation
    flavor: spicy
`))
	require.NoError(t, err)
	require.Len(t, l.Warnings(), 1)
	assert.Contains(t, l.Warnings()[0], "flavor")
}

func TestParseLayerRejections(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown node type", "name: t\nnodes:\n  - type: teleport\n", "unknown node type"},
		{"missing name", "nodes:\n  - type: synthesize_to_global\n", "name required"},
		{"no nodes", "name: t\n", "at least one node"},
		{"bad cron", "name: t\nschedule: \"bogus\"\nnodes:\n  - type: synthesize_to_global\n", "cron"},
		{"bad target category", "name: t\ntarget_category: ghosts\nnodes:\n  - type: synthesize_to_global\n", "target_category"},
		{"llm_call missing model", "name: t\nnodes:\n  - type: llm_call\n    prompt_template: x\n    max_tokens: 100\n", "model profile"},
		{"store_insight missing category", "name: t\nnodes:\n  - type: store_insight\n", "category required"},
		{"fetch_messages no lookback", "name: t\nnodes:\n  - type: fetch_messages\n", "lookback_hours"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestTargetGroup(t *testing.T) {
	l := &Layer{TargetCategory: "user"}
	g, ok := l.TargetGroup()
	require.True(t, ok)
	assert.Equal(t, "social", string(g))

	l = &Layer{TargetCategory: "spaces"}
	g, ok = l.TargetGroup()
	require.True(t, ok)
	assert.Equal(t, "spaces", string(g))

	l = &Layer{}
	_, ok = l.TargetGroup()
	assert.False(t, ok)
}

func TestRegistryLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "daily_user.yaml"), []byte(dailyUserYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: [oops"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	r := NewRegistry(dir)
	require.NoError(t, r.Load())

	l, ok := r.Get("daily_user")
	require.True(t, ok)
	assert.Equal(t, "daily_user", l.Name)
	assert.Len(t, r.List(), 1)
	require.Len(t, r.Warnings(), 1)
	assert.Contains(t, r.Warnings()[0], "broken.yaml")
}

func TestRegistryDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"),
		[]byte("name: same\nnodes:\n  - type: synthesize_to_global\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"),
		[]byte("name: same\nnodes:\n  - type: synthesize_to_global\n"), 0o644))

	r := NewRegistry(dir)
	require.NoError(t, r.Load())
	assert.Len(t, r.List(), 1)
	require.Len(t, r.Warnings(), 1)
	assert.Contains(t, r.Warnings()[0], "duplicate")
}

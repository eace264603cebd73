// Package executor runs reflection layers: for each target topic it walks
// the layer's nodes in order, invoking the model and storing insights.
//
// Failure is per target (fail-forward): an error abandons the current
// target, is recorded on the run, and iteration continues. Salience is
// spent only when a store_insight node completes; failed targets cost
// nothing.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zos-ai/zos/internal/config"
	"github.com/zos-ai/zos/internal/eventbus"
	"github.com/zos-ai/zos/internal/idgen"
	"github.com/zos-ai/zos/internal/insight"
	"github.com/zos-ai/zos/internal/layer"
	"github.com/zos-ai/zos/internal/ledger"
	"github.com/zos-ai/zos/internal/model"
	"github.com/zos-ai/zos/internal/prompt"
	"github.com/zos-ai/zos/internal/storage"
	"github.com/zos-ai/zos/internal/topic"
	"github.com/zos-ai/zos/internal/types"
)

// Executor wires the collaborators a layer run needs.
type Executor struct {
	store       storage.Storage
	ledger      *ledger.Ledger
	retriever   *insight.Retriever
	model       model.Client
	renderer    *prompt.Renderer
	selfConcept *prompt.SelfConcept
	cfg         *config.Config
	bus         *eventbus.Bus
}

// New builds an Executor.
func New(store storage.Storage, led *ledger.Ledger, retriever *insight.Retriever,
	client model.Client, renderer *prompt.Renderer, selfConcept *prompt.SelfConcept,
	cfg *config.Config, bus *eventbus.Bus) *Executor {
	return &Executor{
		store:       store,
		ledger:      led,
		retriever:   retriever,
		model:       client,
		renderer:    renderer,
		selfConcept: selfConcept,
		cfg:         cfg,
		bus:         bus,
	}
}

func (e *Executor) publish(t eventbus.EventType, fields map[string]any) {
	if e.bus != nil {
		e.bus.Publish(eventbus.NewEvent(t, fields))
	}
}

// execContext is the per-target working state. A fresh one is built for
// every target; nothing carries over between targets.
type execContext struct {
	topic     topic.Key
	layer     *layer.Layer
	runID     string
	messages  []*types.Message
	insights  []insight.Retrieved
	layerRuns []*types.RunRecord

	llmResponse     string
	llmProfile      string
	tokensIn        int
	tokensOut       int
	cost            float64
	insightsCreated int

	// salience captured before any spend, available to prompt templates.
	topicSalience float64
}

// Execute runs the layer over the given targets and records the run.
// Targets execute sequentially; node order within a target is strict.
func (e *Executor) Execute(ctx context.Context, l *layer.Layer, targets []string) (*types.RunRecord, error) {
	now := time.Now().UTC()
	run := &types.RunRecord{
		ID:             idgen.New(),
		LayerName:      l.Name,
		LayerHash:      l.Hash,
		StartedAt:      now,
		Status:         types.RunDry,
		TargetsMatched: len(targets),
	}
	if err := e.store.InsertRun(ctx, run); err != nil {
		return nil, err
	}

	attempts := e.cfg.Scheduler.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	for _, target := range targets {
		var lastErr error
		var failedNode string
		processed := false
		for attempt := 0; attempt < attempts; attempt++ {
			ec, err := e.newContext(ctx, l, run.ID, target)
			if err != nil {
				lastErr, failedNode = err, "target"
				break
			}
			node, err := e.runTarget(ctx, ec)
			if err == nil {
				run.TargetsProcessed++
				run.InsightsCreated += ec.insightsCreated
				run.TokensIn += ec.tokensIn
				run.TokensOut += ec.tokensOut
				run.EstimatedCost += ec.cost
				if run.ModelProfile == "" && ec.llmProfile != "" {
					e.stampModel(run, ec.llmProfile)
				}
				processed = true
				break
			}
			lastErr, failedNode = err, node
			// Partial work before the failure still counts toward totals.
			run.TokensIn += ec.tokensIn
			run.TokensOut += ec.tokensOut
			run.EstimatedCost += ec.cost
			if ctx.Err() != nil {
				break
			}
			// Retrying after a stored insight would spend twice.
			if ec.insightsCreated > 0 {
				run.InsightsCreated += ec.insightsCreated
				break
			}
		}
		if !processed {
			run.TargetsSkipped++
			run.Errors = append(run.Errors, types.RunError{
				Topic: target, Node: failedNode, Error: lastErr.Error(),
			})
		}
		if ctx.Err() != nil {
			break
		}
	}

	ended := time.Now().UTC()
	run.EndedAt = &ended
	run.Status = runStatus(run)
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return run, err
	}

	event := eventbus.EventLayerRunCompleted
	if run.Status == types.RunFailed {
		event = eventbus.EventLayerRunFailed
	}
	e.publish(event, map[string]any{
		"layer": l.Name, "run_id": run.ID, "status": string(run.Status),
		"targets": run.TargetsMatched, "processed": run.TargetsProcessed,
		"insights": run.InsightsCreated,
	})
	return run, nil
}

func runStatus(run *types.RunRecord) types.RunStatus {
	switch {
	case run.TargetsMatched > 0 && run.TargetsSkipped == run.TargetsMatched:
		return types.RunFailed
	case run.TargetsSkipped > 0:
		return types.RunPartial
	case run.InsightsCreated == 0:
		return types.RunDry
	default:
		return types.RunSuccess
	}
}

func (e *Executor) stampModel(run *types.RunRecord, profile string) {
	run.ModelProfile = profile
	if p, ok := e.cfg.Models.Profiles[profile]; ok {
		run.ModelProvider = p.Provider
		run.ModelName = p.Model
	}
}

func (e *Executor) newContext(ctx context.Context, l *layer.Layer, runID, target string) (*execContext, error) {
	k, err := topic.Parse(target)
	if err != nil {
		return nil, err
	}
	balance, err := e.store.TopicBalance(ctx, target)
	if err != nil {
		return nil, err
	}
	return &execContext{topic: k, layer: l, runID: runID, topicSalience: balance}, nil
}

// runTarget executes the layer's nodes in order. On error it returns the
// failing node's type for the run record.
func (e *Executor) runTarget(ctx context.Context, ec *execContext) (string, error) {
	for i := range ec.layer.Nodes {
		node := &ec.layer.Nodes[i]
		if err := e.runNode(ctx, ec, node); err != nil {
			return string(node.Type), err
		}
	}
	return "", nil
}

func (e *Executor) runNode(ctx context.Context, ec *execContext, node *layer.Node) error {
	switch node.Type {
	case layer.NodeFetchMessages:
		return e.fetchMessages(ctx, ec, node.FetchMessages)
	case layer.NodeFetchInsights:
		return e.fetchInsights(ctx, ec, node.FetchInsights)
	case layer.NodeFetchLayerRuns:
		return e.fetchLayerRuns(ctx, ec, node.FetchLayerRuns)
	case layer.NodeLLMCall:
		return e.llmCall(ctx, ec, node.LLMCall)
	case layer.NodeStoreInsight:
		return e.storeInsight(ctx, ec, node.StoreInsight)
	case layer.NodeUpdateSelfConcept:
		return e.updateSelfConcept(ec, node.UpdateSelfConcept)
	case layer.NodeSynthesizeToGlobal:
		return e.synthesizeToGlobal(ctx, ec)
	case layer.NodeReduce:
		return e.reduce(ec, node.Reduce)
	case layer.NodeOutput:
		return nil
	default:
		return fmt.Errorf("unknown node type %q", node.Type)
	}
}

// errNoGlobalCounterpart marks topics that synthesize_to_global cannot serve.
var errNoGlobalCounterpart = errors.New("topic has no global counterpart")

func (e *Executor) synthesizeToGlobal(ctx context.Context, ec *execContext) error {
	var globalKey string
	switch {
	case ec.topic.Category == topic.CategoryUser && !ec.topic.IsGlobal():
		globalKey = topic.UserKey("", ec.topic.Parts[0])
	case ec.topic.Category == topic.CategoryDyad && !ec.topic.IsGlobal():
		globalKey = topic.DyadKey("", ec.topic.Parts[0], ec.topic.Parts[1])
	default:
		return fmt.Errorf("%w: %s", errNoGlobalCounterpart, ec.topic.Raw)
	}
	if ec.llmResponse == "" {
		return fmt.Errorf("synthesize_to_global: no llm response in context")
	}
	return e.writeInsight(ctx, ec, globalKey, "synthesis", []string{ec.topic.Raw})
}

// An empty model response is not a failure here: the parse fallback
// synthesizes a quiet-window insight so the target still counts as
// processed.
func (e *Executor) storeInsight(ctx context.Context, ec *execContext, node *layer.StoreInsightNode) error {
	return e.writeInsight(ctx, ec, ec.topic.Raw, node.Category, nil)
}

// writeInsight parses the model response, spends salience on the target
// topic, and stores the insight in one transaction.
func (e *Executor) writeInsight(ctx context.Context, ec *execContext, topicKey, category string, synthesizedFrom []string) error {
	parsed, fellBack := parseResponse(ec.llmResponse)
	if fellBack {
		e.publish(eventbus.EventParseFallback, map[string]any{
			"run_id": ec.runID, "topic": topicKey,
		})
	}

	gk, err := topic.Parse(topicKey)
	if err != nil {
		return err
	}
	if _, err := e.ledger.EnsureTopic(ctx, gk, false, ""); err != nil {
		return err
	}

	cost := e.cfg.Budget.DefaultReflectionCost
	entries, spent, err := e.ledger.SpendEntries(ctx, topicKey, cost, "reflection:"+ec.runID)
	if err != nil {
		return err
	}

	in := parsed.insight(ec, topicKey, category, spent)
	in.SynthesizedFrom = synthesizedFrom
	if err := insight.Validate(in); err != nil {
		return err
	}
	if err := e.store.StoreInsightTx(ctx, in, entries); err != nil {
		return err
	}

	ec.insightsCreated++
	ec.insights = append(ec.insights, insight.Retrieved{
		Insight: in,
		Age:     "0 minutes ago",
		Label:   insight.StrengthLabel(in.Strength),
	})
	if spent > 0 {
		e.publish(eventbus.EventSalienceSpent, map[string]any{
			"topic": topicKey, "amount": spent, "reason": "reflection:" + ec.runID,
		})
	}
	e.publish(eventbus.EventInsightStored, map[string]any{
		"insight_id": in.ID, "topic": topicKey, "category": category,
		"strength": in.Strength, "run_id": ec.runID,
	})
	return nil
}

func (e *Executor) updateSelfConcept(ec *execContext, node *layer.UpdateSelfConceptNode) error {
	if ec.llmResponse == "" {
		return fmt.Errorf("update_self_concept: no llm response in context")
	}
	text := ec.llmResponse
	if node.Conditional {
		decision, ok := parseDecision(ec.llmResponse)
		if !ok {
			return fmt.Errorf("update_self_concept: response is not a decision object")
		}
		if !decision.Update {
			return nil
		}
		if decision.Content != "" {
			text = decision.Content
		}
	}
	doc := e.selfConcept
	if node.DocumentPath != "" && node.DocumentPath != doc.Path() {
		doc = prompt.NewSelfConcept(node.DocumentPath)
	}
	if err := doc.Write(text); err != nil {
		return err
	}
	e.publish(eventbus.EventSelfConceptUpdated, map[string]any{
		"run_id": ec.runID, "path": doc.Path(), "bytes": len(text),
	})
	return nil
}

// reduce folds fetched context into the response slot so a following store
// or output node can consume an aggregate.
func (e *Executor) reduce(ec *execContext, node *layer.ReduceNode) error {
	field := node.Field
	if field == "" {
		field = "insights"
	}
	var sb strings.Builder
	switch field {
	case "insights":
		for _, in := range ec.insights {
			fmt.Fprintf(&sb, "- %s\n", in.Content)
		}
	case "messages":
		for _, m := range ec.messages {
			fmt.Fprintf(&sb, "- %s: %s\n", m.AuthorID, m.Content)
		}
	default:
		return fmt.Errorf("reduce: unknown field %q", field)
	}
	ec.llmResponse = sb.String()
	return nil
}

package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/zos-ai/zos/internal/eventbus"
	"github.com/zos-ai/zos/internal/insight"
	"github.com/zos-ai/zos/internal/layer"
	"github.com/zos-ai/zos/internal/model"
	"github.com/zos-ai/zos/internal/storage"
	"github.com/zos-ai/zos/internal/topic"
	"github.com/zos-ai/zos/internal/types"
)

const defaultMessageLimit = 200

// fetchMessages selects the message window for the target. The selection
// depends on the topic category; categories without a message surface
// (role, emoji, thread) yield an empty window and the node still succeeds.
func (e *Executor) fetchMessages(ctx context.Context, ec *execContext, node *layer.FetchMessagesNode) error {
	since := time.Now().UTC().Add(-time.Duration(node.LookbackHours) * time.Hour)
	limit := node.LimitPerChannel
	if limit <= 0 {
		limit = node.Limit
	}
	if limit <= 0 {
		limit = defaultMessageLimit
	}

	var (
		msgs []*types.Message
		err  error
	)
	switch ec.topic.Category {
	case topic.CategoryUser:
		msgs, err = e.store.ListUserMessages(ctx, ec.topic.Parts[0], since, limit)
	case topic.CategoryChannel:
		msgs, err = e.store.ListChannelMessages(ctx, ec.topic.Parts[0], since, limit)
	case topic.CategoryDyad:
		msgs, err = e.store.ListDyadMessages(ctx, ec.topic.Parts[0], ec.topic.Parts[1], since, limit)
	case topic.CategoryUserInChannel:
		msgs, err = e.channelMessagesBy(ctx, ec.topic.Parts[0], since, limit, ec.topic.Parts[1])
	case topic.CategoryDyadInChannel:
		msgs, err = e.channelMessagesBy(ctx, ec.topic.Parts[0], since, limit, ec.topic.Parts[1], ec.topic.Parts[2])
	case topic.CategorySubject:
		msgs, err = e.subjectMessages(ctx, ec.topic.Raw, since, limit)
	case topic.CategorySelf:
		// Self reflections look at insights and run records, not messages.
		return e.selfWindow(ctx, ec, since)
	}
	if err != nil {
		return err
	}
	ec.messages = msgs
	return nil
}

// channelMessagesBy narrows a channel window to the given authors.
func (e *Executor) channelMessagesBy(ctx context.Context, channelID string, since time.Time, limit int, authors ...string) ([]*types.Message, error) {
	all, err := e.store.ListChannelMessages(ctx, channelID, since, limit)
	if err != nil {
		return nil, err
	}
	want := map[string]bool{}
	for _, a := range authors {
		want[a] = true
	}
	var out []*types.Message
	for _, m := range all {
		if want[m.AuthorID] {
			out = append(out, m)
		}
	}
	return out, nil
}

// subjectMessages runs the two-phase subject selection: the messages that
// surfaced the subject, then recent messages from the topics they came from.
func (e *Executor) subjectMessages(ctx context.Context, subjectKey string, since time.Time, limit int) ([]*types.Message, error) {
	links, err := e.store.ListSubjectSources(ctx, subjectKey, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	sourceTopics := map[string]bool{}
	for _, l := range links {
		ids = append(ids, l.MessageID)
		if l.SourceTopicKey != "" {
			sourceTopics[l.SourceTopicKey] = true
		}
	}
	msgs, err := e.store.ListMessagesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	for _, m := range msgs {
		seen[m.ID] = true
	}
	remaining := limit - len(msgs)
	for key := range sourceTopics {
		if remaining <= 0 {
			break
		}
		k, err := topic.Parse(key)
		if err != nil {
			continue
		}
		var extra []*types.Message
		switch k.Category {
		case topic.CategoryChannel:
			extra, err = e.store.ListChannelMessages(ctx, k.Parts[0], since, remaining)
		case topic.CategoryUser:
			extra, err = e.store.ListUserMessages(ctx, k.Parts[0], since, remaining)
		case topic.CategoryDyad:
			extra, err = e.store.ListDyadMessages(ctx, k.Parts[0], k.Parts[1], since, remaining)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, m := range extra {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			msgs = append(msgs, m)
			remaining--
			if remaining <= 0 {
				break
			}
		}
	}
	return msgs, nil
}

// selfWindow loads recent self insights and run records into the context.
func (e *Executor) selfWindow(ctx context.Context, ec *execContext, since time.Time) error {
	ins, err := e.store.ListInsights(ctx, storage.InsightFilter{
		TopicKey: ec.topic.Raw,
		Since:    &since,
		Limit:    defaultMessageLimit,
	})
	if err != nil {
		return err
	}
	ec.insights = append(ec.insights, annotateNow(ins)...)

	runs, err := e.store.ListRuns(ctx, storage.RunFilter{Since: &since, Limit: 50})
	if err != nil {
		return err
	}
	ec.layerRuns = runs
	return nil
}

func annotateNow(ins []*types.Insight) []insight.Retrieved {
	now := time.Now().UTC()
	out := make([]insight.Retrieved, len(ins))
	for i, in := range ins {
		age := insight.AgeString(now.Sub(in.CreatedAt))
		label := insight.StrengthLabel(in.Strength)
		out[i] = insight.Retrieved{
			Insight: in,
			Age:     age,
			Label:   label,
			Marker:  label + " memory from " + age,
		}
	}
	return out
}

func (e *Executor) fetchInsights(ctx context.Context, ec *execContext, node *layer.FetchInsightsNode) error {
	profile, err := insight.ParseProfile(node.RetrievalProfile)
	if err != nil {
		return err
	}
	key := ec.topic.Raw
	if node.TopicPattern != "" {
		key = node.TopicPattern
	}
	limit := node.MaxPerTopic
	if limit <= 0 {
		limit = 10
	}

	hits, err := e.retriever.Retrieve(ctx, key, profile, limit, false)
	if err != nil {
		return err
	}

	var cutoff time.Time
	if node.SinceDays > 0 {
		cutoff = time.Now().UTC().AddDate(0, 0, -node.SinceDays)
	}
	wantCategory := map[string]bool{}
	for _, c := range node.Categories {
		wantCategory[c] = true
	}
	for _, h := range hits {
		if !cutoff.IsZero() && h.CreatedAt.Before(cutoff) {
			continue
		}
		if len(wantCategory) > 0 && !wantCategory[h.Category] {
			continue
		}
		ec.insights = append(ec.insights, h)
	}
	return nil
}

func (e *Executor) fetchLayerRuns(ctx context.Context, ec *execContext, node *layer.FetchLayerRunsNode) error {
	f := storage.RunFilter{LayerName: ec.layer.Name, Limit: 50}
	if node.SinceDays > 0 {
		since := time.Now().UTC().AddDate(0, 0, -node.SinceDays)
		f.Since = &since
	}
	runs, err := e.store.ListRuns(ctx, f)
	if err != nil {
		return err
	}
	if !node.IncludeErrors {
		for _, r := range runs {
			r.Errors = nil
		}
	}
	ec.layerRuns = runs
	return nil
}

func (e *Executor) llmCall(ctx context.Context, ec *execContext, node *layer.LLMCallNode) error {
	selfConcept, err := e.selfConcept.Read()
	if err != nil {
		return err
	}

	render := func() (string, error) {
		return e.renderer.Render(node.PromptTemplate, e.promptData(ec, selfConcept))
	}
	rendered, err := render()
	if err != nil {
		return err
	}

	// Oversized prompts shed the oldest messages until they fit.
	if max := e.maxPromptTokens(node.Model); max > 0 {
		dropped := 0
		for estimateTokens(rendered) > max && len(ec.messages) > 0 {
			cut := len(ec.messages) / 2
			if cut == 0 {
				cut = 1
			}
			ec.messages = ec.messages[cut:]
			dropped += cut
			if rendered, err = render(); err != nil {
				return err
			}
		}
		if dropped > 0 {
			e.publish(eventbus.EventTruncationApplied, map[string]any{
				"run_id": ec.runID, "topic": ec.topic.Raw, "messages_dropped": dropped,
			})
		}
		if estimateTokens(rendered) > max {
			return fmt.Errorf("llm_call: prompt exceeds %d tokens after truncation", max)
		}
	}

	res, err := e.model.Complete(ctx, model.Request{
		RunID:       ec.runID,
		Profile:     node.Model,
		Prompt:      rendered,
		MaxTokens:   node.MaxTokens,
		Temperature: node.Temperature,
	})
	if err != nil {
		return err
	}
	ec.llmResponse = res.Text
	ec.llmProfile = node.Model
	ec.tokensIn += res.Usage.InputTokens
	ec.tokensOut += res.Usage.OutputTokens
	ec.cost += res.EstimatedCost
	return nil
}

func (e *Executor) maxPromptTokens(profile string) int {
	if p, ok := e.cfg.Models.Profiles[profile]; ok {
		return p.MaxPromptTokens
	}
	return 0
}

// estimateTokens approximates tokens as four bytes each; only used for the
// truncation guard, never for billing.
func estimateTokens(s string) int { return len(s) / 4 }

func (e *Executor) promptData(ec *execContext, selfConcept string) map[string]any {
	return map[string]any{
		"topic":          ec.topic.Raw,
		"topic_category": string(ec.topic.Category),
		"server_id":      ec.topic.ServerID,
		"salience":       ec.topicSalience,
		"layer":          ec.layer.Name,
		"messages":       formatMessages(ec.messages),
		"insights":       formatInsights(ec.insights),
		"layer_runs":     formatRuns(ec.layerRuns),
		"self_concept":   selfConcept,
		"now":            time.Now().UTC().Format(time.RFC3339),
	}
}

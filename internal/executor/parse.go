package executor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zos-ai/zos/internal/idgen"
	"github.com/zos-ai/zos/internal/insight"
	"github.com/zos-ai/zos/internal/types"
)

// insightResponse is the JSON shape a store_insight prompt asks the model
// for. Pointer fields distinguish absent from zero.
type insightResponse struct {
	Content            string             `json:"content"`
	Confidence         *float64           `json:"confidence"`
	Importance         *float64           `json:"importance"`
	Novelty            *float64           `json:"novelty"`
	StrengthAdjustment *float64           `json:"strength_adjustment"`
	Valence            map[string]float64 `json:"valence"`
}

// parsedResponse is the normalized result of parsing a model response,
// defaults already applied.
type parsedResponse struct {
	Content            string
	Confidence         float64
	Importance         float64
	Novelty            float64
	StrengthAdjustment float64
	Valence            map[string]float64
}

// emptyResponseContent stands in when the model returns nothing at all; a
// quiet window still yields a stored reflection.
const emptyResponseContent = "Nothing noteworthy surfaced in this window."

// parseResponse extracts an insight from the model response. A response
// that is not valid JSON falls back to storing the raw text with neutral
// scores rather than losing the reflection; fellBack reports that path.
func parseResponse(text string) (parsedResponse, bool) {
	p := parsedResponse{
		Confidence:         0.5,
		Importance:         0.5,
		Novelty:            0.5,
		StrengthAdjustment: 1.0,
	}

	var resp insightResponse
	body := stripFences(text)
	if err := json.Unmarshal([]byte(body), &resp); err != nil || strings.TrimSpace(resp.Content) == "" {
		p.Content = strings.TrimSpace(text)
		if p.Content == "" {
			p.Content = emptyResponseContent
		}
		p.Valence = map[string]float64{"curiosity": 0.5}
		return p, true
	}

	p.Content = strings.TrimSpace(resp.Content)
	if resp.Confidence != nil {
		p.Confidence = clamp01(*resp.Confidence)
	}
	if resp.Importance != nil {
		p.Importance = clamp01(*resp.Importance)
	}
	if resp.Novelty != nil {
		p.Novelty = clamp01(*resp.Novelty)
	}
	if resp.StrengthAdjustment != nil {
		p.StrengthAdjustment = clampRange(*resp.StrengthAdjustment, 0.1, 10)
	}
	p.Valence = map[string]float64{}
	for dim, v := range resp.Valence {
		switch dim {
		case "joy", "concern", "curiosity", "warmth", "tension":
			p.Valence[dim] = clamp01(v)
		}
	}
	if len(p.Valence) == 0 {
		p.Valence["curiosity"] = 0.5
	}
	return p, false
}

// insight materializes the parsed response as a stored insight for the
// given topic. Strength is the salience actually spent times the model's
// adjustment; scope is the most private scope among the fetched messages.
func (p parsedResponse) insight(ec *execContext, topicKey, category string, spent float64) *types.Insight {
	in := &types.Insight{
		ID:                 idgen.New(),
		TopicKey:           topicKey,
		Category:           category,
		Content:            p.Content,
		ScopeMax:           scopeMax(ec.messages),
		CreatedAt:          time.Now().UTC(),
		RunID:              ec.runID,
		SalienceSpent:      spent,
		StrengthAdjustment: p.StrengthAdjustment,
		Strength:           spent * p.StrengthAdjustment,
		Confidence:         p.Confidence,
		Importance:         p.Importance,
		Novelty:            p.Novelty,
	}
	for dim, v := range p.Valence {
		v := v
		switch dim {
		case "joy":
			in.Joy = &v
		case "concern":
			in.Concern = &v
		case "curiosity":
			in.Curiosity = &v
		case "warmth":
			in.Warmth = &v
		case "tension":
			in.Tension = &v
		}
	}
	return in
}

func scopeMax(msgs []*types.Message) types.Scope {
	for _, m := range msgs {
		if m.Scope == types.ScopeDM {
			return types.ScopeDM
		}
	}
	return types.ScopePublic
}

// decision is the gate object a conditional update_self_concept expects.
type decision struct {
	Update  bool   `json:"update"`
	Content string `json:"content"`
}

// parseDecision parses an update/skip decision. ok is false when the
// response is not a JSON object carrying an "update" key.
func parseDecision(text string) (decision, bool) {
	body := stripFences(text)
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return decision{}, false
	}
	if _, has := raw["update"]; !has {
		return decision{}, false
	}
	var d decision
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return decision{}, false
	}
	return d, true
}

// stripFences unwraps a ```-fenced block, tolerating a language tag on the
// opening fence.
func stripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[i+1:]
	}
	if i := strings.LastIndex(t, "```"); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(t)
}

func clamp01(v float64) float64 { return clampRange(v, 0, 1) }

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// formatMessages renders the message window as prompt text, oldest first.
func formatMessages(msgs []*types.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		author := m.AuthorDisplay
		if author == "" {
			author = m.AuthorID
		}
		fmt.Fprintf(&sb, "[%s] %s: %s\n", m.CreatedAt.UTC().Format("2006-01-02 15:04"), author, m.Content)
	}
	return sb.String()
}

// formatInsights renders retrieved insights with their temporal markers.
func formatInsights(ins []insight.Retrieved) string {
	var sb strings.Builder
	for _, in := range ins {
		marker := in.Marker
		if marker == "" {
			marker = in.Label + " memory from " + in.Age
		}
		fmt.Fprintf(&sb, "- (%s) %s\n", marker, in.Content)
	}
	return sb.String()
}

// formatRuns renders run records as prompt text.
func formatRuns(runs []*types.RunRecord) string {
	var sb strings.Builder
	for _, r := range runs {
		fmt.Fprintf(&sb, "- %s %s: status=%s targets=%d insights=%d\n",
			r.StartedAt.UTC().Format("2006-01-02 15:04"), r.LayerName,
			r.Status, r.TargetsMatched, r.InsightsCreated)
	}
	return sb.String()
}

// Package layer loads and validates declarative reflection layers.
//
// A layer is a YAML file describing which topics to reflect on and the
// ordered pipeline of nodes to run per target. Node parameters are typed
// per node kind; unknown keys are collected as warnings rather than
// rejected, so a newer layer file degrades gracefully on an older binary.
package layer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/zos-ai/zos/internal/config"
	"github.com/zos-ai/zos/internal/topic"
)

// NodeType names a recognized node kind.
type NodeType string

const (
	NodeFetchMessages      NodeType = "fetch_messages"
	NodeFetchInsights      NodeType = "fetch_insights"
	NodeFetchLayerRuns     NodeType = "fetch_layer_runs"
	NodeLLMCall            NodeType = "llm_call"
	NodeStoreInsight       NodeType = "store_insight"
	NodeUpdateSelfConcept  NodeType = "update_self_concept"
	NodeSynthesizeToGlobal NodeType = "synthesize_to_global"
	NodeReduce             NodeType = "reduce"
	NodeOutput             NodeType = "output"
)

// FetchMessagesNode populates the context with the target's messages.
type FetchMessagesNode struct {
	LookbackHours   int `yaml:"lookback_hours"`
	Limit           int `yaml:"limit"`
	LimitPerChannel int `yaml:"limit_per_channel"`
}

// FetchInsightsNode populates the context with retrieved insights.
type FetchInsightsNode struct {
	RetrievalProfile string   `yaml:"retrieval_profile"`
	MaxPerTopic      int      `yaml:"max_per_topic"`
	SinceDays        int      `yaml:"since_days"`
	TopicPattern     string   `yaml:"topic_pattern"`
	Categories       []string `yaml:"categories"`
}

// FetchLayerRunsNode populates the context with recent run records.
type FetchLayerRunsNode struct {
	SinceDays     int  `yaml:"since_days"`
	IncludeErrors bool `yaml:"include_errors"`
}

// LLMCallNode invokes the model with a rendered prompt.
type LLMCallNode struct {
	PromptTemplate string   `yaml:"prompt_template"`
	Model          string   `yaml:"model"`
	MaxTokens      int64    `yaml:"max_tokens"`
	Temperature    *float64 `yaml:"temperature"`
}

// StoreInsightNode parses the model response, spends salience, and writes
// the insight.
type StoreInsightNode struct {
	Category string `yaml:"category"`
}

// UpdateSelfConceptNode persists the self-concept document, optionally
// gated by a decision JSON from the preceding llm_call.
type UpdateSelfConceptNode struct {
	DocumentPath string `yaml:"document_path"`
	Conditional  bool   `yaml:"conditional"`
}

// SynthesizeToGlobalNode writes a synthesis insight against the global
// counterpart of the current topic.
type SynthesizeToGlobalNode struct{}

// ReduceNode aggregates context fields; pure with respect to storage.
type ReduceNode struct {
	Field string `yaml:"field"`
}

// OutputNode renders an aggregate result into the run record.
type OutputNode struct {
	Format string `yaml:"format"`
}

// Node is a tagged variant: exactly one pointer matching Type is set.
type Node struct {
	Type NodeType

	FetchMessages      *FetchMessagesNode
	FetchInsights      *FetchInsightsNode
	FetchLayerRuns     *FetchLayerRunsNode
	LLMCall            *LLMCallNode
	StoreInsight       *StoreInsightNode
	UpdateSelfConcept  *UpdateSelfConceptNode
	SynthesizeToGlobal *SynthesizeToGlobalNode
	Reduce             *ReduceNode
	Output             *OutputNode

	// Warnings lists unknown parameter keys seen while decoding.
	Warnings []string
}

// knownKeys per node type, for unknown-key warnings.
var knownKeys = map[NodeType]map[string]bool{
	NodeFetchMessages:      {"lookback_hours": true, "limit": true, "limit_per_channel": true},
	NodeFetchInsights:      {"retrieval_profile": true, "max_per_topic": true, "since_days": true, "topic_pattern": true, "categories": true},
	NodeFetchLayerRuns:     {"since_days": true, "include_errors": true},
	NodeLLMCall:            {"prompt_template": true, "model": true, "max_tokens": true, "temperature": true},
	NodeStoreInsight:       {"category": true},
	NodeUpdateSelfConcept:  {"document_path": true, "conditional": true},
	NodeSynthesizeToGlobal: {},
	NodeReduce:             {"field": true},
	NodeOutput:             {"format": true},
}

// UnmarshalYAML decodes a node mapping into its typed variant.
func (n *Node) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	t, _ := raw["type"].(string)
	n.Type = NodeType(t)
	known, ok := knownKeys[n.Type]
	if !ok {
		return fmt.Errorf("unknown node type %q", t)
	}
	for k := range raw {
		if k != "type" && !known[k] {
			n.Warnings = append(n.Warnings, fmt.Sprintf("node %s: unknown parameter %q ignored", t, k))
		}
	}

	var target any
	switch n.Type {
	case NodeFetchMessages:
		n.FetchMessages = &FetchMessagesNode{}
		target = n.FetchMessages
	case NodeFetchInsights:
		n.FetchInsights = &FetchInsightsNode{}
		target = n.FetchInsights
	case NodeFetchLayerRuns:
		n.FetchLayerRuns = &FetchLayerRunsNode{}
		target = n.FetchLayerRuns
	case NodeLLMCall:
		n.LLMCall = &LLMCallNode{}
		target = n.LLMCall
	case NodeStoreInsight:
		n.StoreInsight = &StoreInsightNode{}
		target = n.StoreInsight
	case NodeUpdateSelfConcept:
		n.UpdateSelfConcept = &UpdateSelfConceptNode{}
		target = n.UpdateSelfConcept
	case NodeSynthesizeToGlobal:
		n.SynthesizeToGlobal = &SynthesizeToGlobalNode{}
		return nil
	case NodeReduce:
		n.Reduce = &ReduceNode{}
		target = n.Reduce
	case NodeOutput:
		n.Output = &OutputNode{}
		target = n.Output
	}
	return value.Decode(target)
}

// Layer is one declarative reflection layer.
type Layer struct {
	Name             string `yaml:"name"`
	Category         string `yaml:"category"`
	Description      string `yaml:"description"`
	Schedule         string `yaml:"schedule"`
	TriggerThreshold int    `yaml:"trigger_threshold"`
	TargetCategory   string `yaml:"target_category"`
	TargetFilter     string `yaml:"target_filter"`
	MaxTargets       int    `yaml:"max_targets"`
	Nodes            []Node `yaml:"nodes"`

	// Hash identifies the exact file content this layer was loaded from;
	// recorded on every run.
	Hash string `yaml:"-"`
	Path string `yaml:"-"`
}

// Parse decodes and validates a layer from YAML bytes.
func Parse(raw []byte) (*Layer, error) {
	var l Layer
	if err := yaml.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("parse layer: %w", err)
	}
	sum := sha256.Sum256(raw)
	l.Hash = hex.EncodeToString(sum[:])
	if l.MaxTargets <= 0 {
		l.MaxTargets = 10
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// Warnings collects the unknown-parameter warnings of every node.
func (l *Layer) Warnings() []string {
	var out []string
	for _, n := range l.Nodes {
		out = append(out, n.Warnings...)
	}
	return out
}

// Validate checks the layer's structural constraints.
func (l *Layer) Validate() error {
	if l.Name == "" {
		return fmt.Errorf("layer: name required")
	}
	if len(l.Nodes) == 0 {
		return fmt.Errorf("layer %s: at least one node required", l.Name)
	}
	if l.Schedule != "" {
		if err := config.ValidateCron(l.Schedule); err != nil {
			return fmt.Errorf("layer %s: %w", l.Name, err)
		}
	}
	if l.TriggerThreshold < 0 {
		return fmt.Errorf("layer %s: trigger_threshold must be non-negative", l.Name)
	}
	if l.TargetCategory != "" && !validTargetCategory(l.TargetCategory) {
		return fmt.Errorf("layer %s: unknown target_category %q", l.Name, l.TargetCategory)
	}
	for i, n := range l.Nodes {
		if err := n.validate(); err != nil {
			return fmt.Errorf("layer %s node %d: %w", l.Name, i, err)
		}
	}
	return nil
}

// TargetGroup maps the layer's target category to its budget group; layers
// without a target category select across all groups.
func (l *Layer) TargetGroup() (topic.Group, bool) {
	switch l.TargetCategory {
	case "":
		return "", false
	case string(topic.GroupSocial), string(topic.GroupGlobal), string(topic.GroupSpaces),
		string(topic.GroupSemantic), string(topic.GroupCulture), string(topic.GroupSelf):
		return topic.Group(l.TargetCategory), true
	}
	// A concrete category narrows to its group.
	switch topic.Category(l.TargetCategory) {
	case topic.CategorySelf:
		return topic.GroupSelf, true
	case topic.CategoryEmoji:
		return topic.GroupCulture, true
	case topic.CategorySubject, topic.CategoryRole:
		return topic.GroupSemantic, true
	case topic.CategoryChannel, topic.CategoryThread:
		return topic.GroupSpaces, true
	}
	return topic.GroupSocial, true
}

func validTargetCategory(s string) bool {
	switch topic.Category(s) {
	case topic.CategoryUser, topic.CategoryDyad, topic.CategoryChannel, topic.CategoryThread,
		topic.CategoryRole, topic.CategoryUserInChannel, topic.CategoryDyadInChannel,
		topic.CategorySubject, topic.CategoryEmoji, topic.CategorySelf:
		return true
	}
	switch topic.Group(s) {
	case topic.GroupSocial, topic.GroupGlobal, topic.GroupSpaces, topic.GroupSemantic,
		topic.GroupCulture, topic.GroupSelf:
		return true
	}
	return false
}

func (n *Node) validate() error {
	switch n.Type {
	case NodeLLMCall:
		if n.LLMCall.PromptTemplate == "" {
			return fmt.Errorf("llm_call: prompt_template required")
		}
		if n.LLMCall.Model == "" {
			return fmt.Errorf("llm_call: model profile required")
		}
		if n.LLMCall.MaxTokens <= 0 {
			return fmt.Errorf("llm_call: max_tokens must be positive")
		}
	case NodeStoreInsight:
		if n.StoreInsight.Category == "" {
			return fmt.Errorf("store_insight: category required")
		}
	case NodeFetchMessages:
		if n.FetchMessages.LookbackHours <= 0 {
			return fmt.Errorf("fetch_messages: lookback_hours must be positive")
		}
	case NodeUpdateSelfConcept:
		if n.UpdateSelfConcept.DocumentPath == "" {
			return fmt.Errorf("update_self_concept: document_path required")
		}
	}
	return nil
}

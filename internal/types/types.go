// Package types defines the core data structures for the zos watcher.
package types

import "time"

// Scope classifies where a message (and anything derived from it) was seen.
type Scope string

const (
	ScopePublic Scope = "public"
	ScopeDM     Scope = "dm"
)

// Message is an externally sourced chat observation. External ids (message,
// channel, server, author) are preserved verbatim; only zos-generated ids are
// time-sortable.
type Message struct {
	ID            string     `json:"id"`
	ChannelID     string     `json:"channel_id"`
	ServerID      string     `json:"server_id,omitempty"`
	AuthorID      string     `json:"author_id"`
	AuthorDisplay string     `json:"author_display,omitempty"`
	Content       string     `json:"content"`
	CreatedAt     time.Time  `json:"created_at"`
	Scope         Scope      `json:"scope"`
	ReplyToID     string     `json:"reply_to_id,omitempty"`
	ThreadID      string     `json:"thread_id,omitempty"`
	HasMedia      bool       `json:"has_media,omitempty"`
	HasLink       bool       `json:"has_link,omitempty"`
	IngestedAt    time.Time  `json:"ingested_at"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

// Topic is a named object of attention. The key encodes category and scope;
// see the topic package for the key grammar.
type Topic struct {
	Key            string     `json:"key"`
	Category       string     `json:"category"`
	BudgetGroup    string     `json:"budget_group"`
	ServerID       string     `json:"server_id,omitempty"`
	ParentKey      string     `json:"parent_key,omitempty"` // threads: owning channel topic
	Provisional    bool       `json:"provisional,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
}

// TxnKind is a ledger transaction kind.
type TxnKind string

const (
	TxnEarn      TxnKind = "earn"
	TxnSpend     TxnKind = "spend"
	TxnRetain    TxnKind = "retain"
	TxnDecay     TxnKind = "decay"
	TxnPropagate TxnKind = "propagate"
	TxnSpillover TxnKind = "spillover"
	TxnWarm      TxnKind = "warm"
	TxnReset     TxnKind = "reset"
)

// LedgerEntry is one append-only salience transaction. A topic's balance is
// the sum of its entry amounts; there is no authoritative balance column.
type LedgerEntry struct {
	ID          string    `json:"id"`
	TopicKey    string    `json:"topic_key"`
	Kind        TxnKind   `json:"kind"`
	Amount      float64   `json:"amount"`
	Reason      string    `json:"reason"`
	SourceTopic string    `json:"source_topic,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Insight is a durable, append-only unit of understanding attached to a topic.
type Insight struct {
	ID       string `json:"id"`
	TopicKey string `json:"topic_key"`
	Category string `json:"category"`
	Content  string `json:"content"`
	// ScopeMax is the most private scope among the insight's sources.
	ScopeMax  Scope     `json:"sources_scope_max"`
	CreatedAt time.Time `json:"created_at"`
	RunID     string    `json:"layer_run_id"`

	SalienceSpent      float64 `json:"salience_spent"`
	StrengthAdjustment float64 `json:"strength_adjustment"`
	Strength           float64 `json:"strength"`
	Confidence         float64 `json:"confidence"`
	Importance         float64 `json:"importance"`
	Novelty            float64 `json:"novelty"`

	// Emotional valence. At least one must be non-nil.
	Joy       *float64 `json:"joy,omitempty"`
	Concern   *float64 `json:"concern,omitempty"`
	Curiosity *float64 `json:"curiosity,omitempty"`
	Warmth    *float64 `json:"warmth,omitempty"`
	Tension   *float64 `json:"tension,omitempty"`

	// Non-owning graph references. Pure foreign-id pointers, no cascade.
	Supersedes       string   `json:"supersedes,omitempty"`
	ConflictsWith    []string `json:"conflicts_with,omitempty"`
	ConflictResolved bool     `json:"conflict_resolved,omitempty"`
	SynthesizedFrom  []string `json:"synthesized_from,omitempty"`

	Quarantined bool `json:"quarantined,omitempty"`

	// Cross-topic links.
	ContextChannelID string   `json:"context_channel_id,omitempty"`
	ContextThreadID  string   `json:"context_thread_id,omitempty"`
	Subject          string   `json:"subject,omitempty"`
	Participants     []string `json:"participants,omitempty"`
}

// RunStatus is the outcome of one layer activation.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
	RunDry     RunStatus = "dry"
)

// RunError records one skipped target within a run.
type RunError struct {
	Topic string `json:"topic"`
	Node  string `json:"node"`
	Error string `json:"error"`
}

// RunRecord is the audit record of one layer activation.
type RunRecord struct {
	ID               string     `json:"id"`
	LayerName        string     `json:"layer_name"`
	LayerHash        string     `json:"layer_hash"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	Status           RunStatus  `json:"status"`
	TargetsMatched   int        `json:"targets_matched"`
	TargetsProcessed int        `json:"targets_processed"`
	TargetsSkipped   int        `json:"targets_skipped"`
	InsightsCreated  int        `json:"insights_created"`
	ModelProfile     string     `json:"model_profile,omitempty"`
	ModelProvider    string     `json:"model_provider,omitempty"`
	ModelName        string     `json:"model_name,omitempty"`
	TokensIn         int        `json:"tokens_in"`
	TokensOut        int        `json:"tokens_out"`
	EstimatedCost    float64    `json:"estimated_cost"`
	Errors           []RunError `json:"errors,omitempty"`
}

// TokensTotal returns the combined token count for the run.
func (r *RunRecord) TokensTotal() int { return r.TokensIn + r.TokensOut }

// CallRecord is the full audit record of one model invocation. Prompt and
// response are stored whole.
type CallRecord struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id,omitempty"`
	Kind          string    `json:"kind"`
	Profile       string    `json:"profile"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	Prompt        string    `json:"prompt"`
	Response      string    `json:"response"`
	TokensIn      int       `json:"tokens_in"`
	TokensOut     int       `json:"tokens_out"`
	EstimatedCost float64   `json:"estimated_cost"`
	LatencyMS     int64     `json:"latency_ms"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// SubjectSource links a semantically identified subject back to the message
// that surfaced it, so subject reflections can find their originating
// messages without text search.
type SubjectSource struct {
	SubjectKey     string `json:"subject_key"`
	MessageID      string `json:"message_id"`
	SourceTopicKey string `json:"source_topic_key"`
	RunID          string `json:"run_id"`
}

// SchedulerJob is the scheduler's bookkeeping row for one layer.
type SchedulerJob struct {
	LayerName   string     `json:"layer_name"`
	Schedule    string     `json:"schedule"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	NextFireAt  *time.Time `json:"next_fire_at,omitempty"`
}

// TopicBalance pairs a topic key with its derived ledger balance.
type TopicBalance struct {
	Key         string  `json:"key"`
	Category    string  `json:"category"`
	BudgetGroup string  `json:"budget_group"`
	Balance     float64 `json:"balance"`
}

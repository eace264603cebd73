// Package storage defines the persistence interface for the watcher core.
//
// The concrete implementation lives in the sqlite sub-package. Consumers
// depend on this interface rather than on the concrete type so that mocks
// can be substituted in tests.
//
// A single writer is assumed. Any write that cannot be persisted fails the
// caller; a successfully applied ledger entry is never reversed —
// compensation is a new entry, not a delete.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/zos-ai/zos/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// InsightFilter narrows insight listings for the introspection surface.
type InsightFilter struct {
	TopicKey    string
	Category    string
	Since       *time.Time
	Offset      int
	Limit       int
	Quarantined bool // include quarantined rows
}

// RunFilter narrows run listings.
type RunFilter struct {
	LayerName string
	Status    types.RunStatus
	Since     *time.Time
	Offset    int
	Limit     int
}

// RunStats aggregates run records over a window.
type RunStats struct {
	Days            int            `json:"days"`
	Runs            int            `json:"runs"`
	ByStatus        map[string]int `json:"by_status"`
	InsightsCreated int            `json:"insights_created"`
	TokensIn        int            `json:"tokens_in"`
	TokensOut       int            `json:"tokens_out"`
	EstimatedCost   float64        `json:"estimated_cost"`
}

// GroupSalience summarizes one budget group for the introspection surface.
type GroupSalience struct {
	Group   string  `json:"group"`
	Topics  int     `json:"topics"`
	Balance float64 `json:"balance"`
}

// Storage is the persistence interface satisfied by *sqlite.Store.
type Storage interface {
	// Messages.
	InsertMessage(ctx context.Context, m *types.Message) (created bool, err error)
	MarkMessageDeleted(ctx context.Context, id string, at time.Time) error
	GetMessage(ctx context.Context, id string) (*types.Message, error)
	// ListChannelMessages returns non-deleted messages in a channel within
	// the window, oldest first.
	ListChannelMessages(ctx context.Context, channelID string, since time.Time, limit int) ([]*types.Message, error)
	// ListUserMessages returns non-deleted messages from channels and
	// threads the user participated in within the window, oldest first.
	ListUserMessages(ctx context.Context, userID string, since time.Time, limit int) ([]*types.Message, error)
	// ListDyadMessages returns the conversational intersection of two
	// users: replies between them plus messages in threads where both
	// participated, oldest first.
	ListDyadMessages(ctx context.Context, userA, userB string, since time.Time, limit int) ([]*types.Message, error)
	ListMessagesByIDs(ctx context.Context, ids []string) ([]*types.Message, error)

	// Topics.
	UpsertTopic(ctx context.Context, t *types.Topic) (created bool, err error)
	TouchTopic(ctx context.Context, key string, at time.Time) error
	GetTopic(ctx context.Context, key string) (*types.Topic, error)
	ListTopicKeysLike(ctx context.Context, pattern string) ([]string, error)
	ListTopicKeysByParent(ctx context.Context, parentKey string) ([]string, error)
	ListInactiveTopics(ctx context.Context, before time.Time) ([]*types.Topic, error)

	// Ledger. Entries within one call are applied atomically.
	AppendLedger(ctx context.Context, entries ...*types.LedgerEntry) error
	TopicBalance(ctx context.Context, key string) (float64, error)
	TopicBalanceSince(ctx context.Context, key string, since time.Time) (float64, error)
	ListLedgerEntries(ctx context.Context, key string, limit int) ([]*types.LedgerEntry, error)
	// LastEntryAt returns the newest entry time of the given kind for the
	// topic, or the zero time when none exists.
	LastEntryAt(ctx context.Context, key string, kind types.TxnKind) (time.Time, error)
	// GroupBalances returns positive-balance topics in a budget group,
	// highest balance first.
	GroupBalances(ctx context.Context, group string, limit int) ([]*types.TopicBalance, error)
	TopBalances(ctx context.Context, limit int) ([]*types.TopicBalance, error)
	GroupSummaries(ctx context.Context) ([]*GroupSalience, error)

	// User-server activity tracking (global warming trigger).
	RecordUserServer(ctx context.Context, userID, serverID string) (distinctServers int, err error)

	// Insights.
	InsertInsight(ctx context.Context, in *types.Insight) error
	// StoreInsightTx applies the spend/retain ledger entries and inserts
	// the insight in one transaction; if it fails, neither is visible.
	StoreInsightTx(ctx context.Context, in *types.Insight, entries []*types.LedgerEntry) error
	GetInsight(ctx context.Context, id string) (*types.Insight, error)
	ListInsights(ctx context.Context, f InsightFilter) ([]*types.Insight, error)
	// ListInsightsByRecency and ListInsightsByStrength serve the retrieval
	// profiles. keyPattern is a SQL LIKE pattern over topic keys.
	ListInsightsByRecency(ctx context.Context, keyPattern string, includeQuarantined bool, excludeIDs []string, limit int) ([]*types.Insight, error)
	ListInsightsByStrength(ctx context.Context, keyPattern string, includeQuarantined bool, excludeIDs []string, limit int) ([]*types.Insight, error)
	SearchInsights(ctx context.Context, query string, offset, limit int) ([]*types.Insight, error)
	SetInsightQuarantined(ctx context.Context, id string, quarantined bool) error
	// CountInsightsSince counts insights on matching topics newer than the
	// cutoff, excluding those written by excludeLayer's own runs.
	CountInsightsSince(ctx context.Context, keyPattern string, since time.Time, excludeLayer string) (int, error)

	// Runs.
	InsertRun(ctx context.Context, r *types.RunRecord) error
	UpdateRun(ctx context.Context, r *types.RunRecord) error
	GetRun(ctx context.Context, id string) (*types.RunRecord, error)
	ListRuns(ctx context.Context, f RunFilter) ([]*types.RunRecord, error)
	RunStatsSummary(ctx context.Context, days int) (*RunStats, error)
	// LastRunAt returns the newest started_at for a layer, or zero time.
	LastRunAt(ctx context.Context, layerName string) (time.Time, error)

	// Scheduler bookkeeping.
	UpsertSchedulerJob(ctx context.Context, j *types.SchedulerJob) error
	ListSchedulerJobs(ctx context.Context) ([]*types.SchedulerJob, error)
	DeleteSchedulerJob(ctx context.Context, layerName string) error

	// Call log.
	InsertCall(ctx context.Context, c *types.CallRecord) error
	ListCalls(ctx context.Context, runID string) ([]*types.CallRecord, error)
	PruneCalls(ctx context.Context, keepDays int) (int64, error)

	// Subject-source joins.
	AddSubjectSources(ctx context.Context, links []*types.SubjectSource) error
	ListSubjectSources(ctx context.Context, subjectKey string, limit int) ([]*types.SubjectSource, error)

	// Display names (presentation only; fed from observed messages).
	RecordDisplayName(ctx context.Context, id, display string) error
	DisplayNames(ctx context.Context, ids []string) (map[string]string, error)

	// Lifecycle.
	Ping(ctx context.Context) error
	SchemaVersion(ctx context.Context) (int, error)
	Close() error
}

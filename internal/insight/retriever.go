package insight

import (
	"context"
	"fmt"
	"time"

	"github.com/zos-ai/zos/internal/storage"
	"github.com/zos-ai/zos/internal/topic"
	"github.com/zos-ai/zos/internal/types"
)

// Profile names a retrieval weighting.
type Profile string

const (
	ProfileRecent        Profile = "recent"
	ProfileBalanced      Profile = "balanced"
	ProfileDeep          Profile = "deep"
	ProfileComprehensive Profile = "comprehensive"
)

type profileWeights struct {
	recency  float64
	strength float64
	// comprehensive also returns quarantined/conflicting rows.
	includeAll bool
}

var profiles = map[Profile]profileWeights{
	ProfileRecent:        {recency: 0.8, strength: 0.2},
	ProfileBalanced:      {recency: 0.5, strength: 0.5},
	ProfileDeep:          {recency: 0.3, strength: 0.7},
	ProfileComprehensive: {recency: 0.5, strength: 0.5, includeAll: true},
}

// ParseProfile validates a profile name; empty defaults to balanced.
func ParseProfile(name string) (Profile, error) {
	if name == "" {
		return ProfileBalanced, nil
	}
	p := Profile(name)
	if _, ok := profiles[p]; !ok {
		return "", fmt.Errorf("unknown retrieval profile %q", name)
	}
	return p, nil
}

// Retrieved is an insight annotated for presentation.
type Retrieved struct {
	*types.Insight
	Age    string `json:"age"`
	Label  string `json:"label"`
	Marker string `json:"marker"`
}

// Retriever serves profile-weighted insight retrieval.
type Retriever struct {
	store storage.Storage
}

// NewRetriever builds a Retriever over the store.
func NewRetriever(store storage.Storage) *Retriever {
	return &Retriever{store: store}
}

// Retrieve returns up to limit insights for the topic under the given
// profile: the recency share newest-first, then the strength share by
// strength descending, with the recency hits excluded from the second
// fetch. For a global user topic the limit is split evenly between the
// global key and its server-scoped counterparts.
func (r *Retriever) Retrieve(ctx context.Context, topicKey string, profile Profile, limit int, includeQuarantined bool) ([]Retrieved, error) {
	w, ok := profiles[profile]
	if !ok {
		return nil, fmt.Errorf("unknown retrieval profile %q", profile)
	}
	if limit <= 0 {
		limit = 10
	}
	includeQuarantined = includeQuarantined || w.includeAll

	k, err := topic.Parse(topicKey)
	if err != nil {
		return nil, err
	}
	if k.Category == topic.CategoryUser && k.IsGlobal() {
		return r.retrieveGlobalUser(ctx, k, w, limit, includeQuarantined)
	}
	hits, err := r.fetch(ctx, topicKey, w, limit, includeQuarantined, nil)
	if err != nil {
		return nil, err
	}
	return annotate(hits, time.Now().UTC()), nil
}

// retrieveGlobalUser splits the limit 50/50 between the global topic and the
// server-scoped user topics matched by pattern.
func (r *Retriever) retrieveGlobalUser(ctx context.Context, k topic.Key, w profileWeights, limit int, includeQuarantined bool) ([]Retrieved, error) {
	globalShare := (limit + 1) / 2
	global, err := r.fetch(ctx, k.Raw, w, globalShare, includeQuarantined, nil)
	if err != nil {
		return nil, err
	}
	pattern := "server:%:user:" + k.Parts[0]
	scoped, err := r.fetch(ctx, pattern, w, limit-len(global), includeQuarantined, ids(global))
	if err != nil {
		return nil, err
	}
	return annotate(append(global, scoped...), time.Now().UTC()), nil
}

func (r *Retriever) fetch(ctx context.Context, keyPattern string, w profileWeights, limit int, includeQuarantined bool, exclude []string) ([]*types.Insight, error) {
	if limit <= 0 {
		return nil, nil
	}
	// Truncate rather than round: deep's 0.3 share of a small limit goes
	// entirely to the strength fetch.
	recencyLimit := int(float64(limit) * w.recency)
	byRecency, err := r.store.ListInsightsByRecency(ctx, keyPattern, includeQuarantined, exclude, recencyLimit)
	if err != nil {
		return nil, err
	}
	strengthLimit := limit - len(byRecency)
	if strengthLimit <= 0 {
		return byRecency, nil
	}
	byStrength, err := r.store.ListInsightsByStrength(ctx, keyPattern, includeQuarantined,
		append(ids(byRecency), exclude...), strengthLimit)
	if err != nil {
		return nil, err
	}
	return append(byRecency, byStrength...), nil
}

func ids(ins []*types.Insight) []string {
	out := make([]string, len(ins))
	for i, in := range ins {
		out[i] = in.ID
	}
	return out
}

func annotate(ins []*types.Insight, now time.Time) []Retrieved {
	out := make([]Retrieved, len(ins))
	for i, in := range ins {
		age := AgeString(now.Sub(in.CreatedAt))
		label := StrengthLabel(in.Strength)
		out[i] = Retrieved{
			Insight: in,
			Age:     age,
			Label:   label,
			Marker:  label + " memory from " + age,
		}
	}
	return out
}

// AgeString renders a duration as a coarse relative age. Units are always
// written in the plural.
func AgeString(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	switch {
	case minutes < 60:
		return fmt.Sprintf("%d minutes ago", minutes)
	case minutes < 24*60:
		return fmt.Sprintf("%d hours ago", minutes/60)
	}
	days := int(d.Hours() / 24)
	switch {
	case days < 7:
		return fmt.Sprintf("%d days ago", days)
	case days < 30:
		return fmt.Sprintf("%d weeks ago", days/7)
	case days < 365:
		return fmt.Sprintf("%d months ago", days/30)
	default:
		return fmt.Sprintf("%d years ago", days/365)
	}
}

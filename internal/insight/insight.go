// Package insight implements the write-path validation and profile-based
// retrieval of durable insights.
package insight

import (
	"fmt"
	"math"

	"github.com/zos-ai/zos/internal/types"
)

// Validate checks an insight against the write-path constraints: at least
// one valence set with every set valence in [0,1], metrics in range, and
// strength derived exactly from the spend.
func Validate(in *types.Insight) error {
	if in.TopicKey == "" {
		return fmt.Errorf("insight: topic key required")
	}
	if in.Content == "" {
		return fmt.Errorf("insight: content required")
	}
	if in.RunID == "" {
		return fmt.Errorf("insight: run id required")
	}
	if in.ScopeMax != types.ScopePublic && in.ScopeMax != types.ScopeDM {
		return fmt.Errorf("insight: invalid scope %q", in.ScopeMax)
	}

	valences := map[string]*float64{
		"joy": in.Joy, "concern": in.Concern, "curiosity": in.Curiosity,
		"warmth": in.Warmth, "tension": in.Tension,
	}
	anySet := false
	for name, v := range valences {
		if v == nil {
			continue
		}
		anySet = true
		if *v < 0 || *v > 1 {
			return fmt.Errorf("insight: valence %s must be in [0,1], got %v", name, *v)
		}
	}
	if !anySet {
		return fmt.Errorf("insight: at least one valence must be set")
	}

	for name, v := range map[string]float64{
		"confidence": in.Confidence, "importance": in.Importance, "novelty": in.Novelty,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("insight: %s must be in [0,1], got %v", name, v)
		}
	}
	if in.StrengthAdjustment < 0.1 || in.StrengthAdjustment > 10 {
		return fmt.Errorf("insight: strength_adjustment must be in [0.1,10], got %v", in.StrengthAdjustment)
	}
	if want := in.SalienceSpent * in.StrengthAdjustment; math.Abs(in.Strength-want) > 1e-9 {
		return fmt.Errorf("insight: strength %v does not equal salience_spent * strength_adjustment (%v)", in.Strength, want)
	}
	return nil
}

// StrengthLabel buckets a strength value for presentation.
func StrengthLabel(strength float64) string {
	switch {
	case strength >= 8:
		return "strong"
	case strength >= 5:
		return "clear"
	case strength >= 2:
		return "fading"
	default:
		return "distant"
	}
}

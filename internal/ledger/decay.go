package ledger

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/zos-ai/zos/internal/eventbus"
	"github.com/zos-ai/zos/internal/idgen"
	"github.com/zos-ai/zos/internal/types"
)

// RunDecay applies decay to every positive-balance topic that has been
// inactive past the grace window. Missed days are caught up in a single
// compounded entry, so a stalled decay job converges to the same balances a
// daily one would. Running twice within one day is a no-op.
//
// Returns the number of decay entries written.
func (l *Ledger) RunDecay(ctx context.Context, now time.Time) (int, error) {
	d := l.cfg.Salience.Decay
	now = now.UTC()
	cutoff := now.AddDate(0, 0, -d.ThresholdDays)
	topics, err := l.store.ListInactiveTopics(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, t := range topics {
		balance, err := l.store.TopicBalance(ctx, t.Key)
		if err != nil {
			return applied, err
		}
		if balance <= 0 {
			continue
		}

		// Decay is owed from the end of the grace window, or from the last
		// decay entry when one is newer.
		activity := t.CreatedAt
		if t.LastActivityAt != nil {
			activity = *t.LastActivityAt
		}
		from := activity.AddDate(0, 0, d.ThresholdDays)
		lastDecay, err := l.store.LastEntryAt(ctx, t.Key, types.TxnDecay)
		if err != nil {
			return applied, err
		}
		if lastDecay.After(from) {
			from = lastDecay
		}
		days := int(now.Sub(from).Hours() / 24)
		if days < 1 {
			continue
		}

		amount := balance * (1 - math.Pow(1-d.RatePerDay, float64(days)))
		if amount < d.MinStep {
			continue
		}
		entry := &types.LedgerEntry{
			ID:        idgen.New(),
			TopicKey:  t.Key,
			Kind:      types.TxnDecay,
			Amount:    -amount,
			Reason:    fmt.Sprintf("decay:%dd", days),
			CreatedAt: now,
		}
		if err := l.store.AppendLedger(ctx, entry); err != nil {
			return applied, err
		}
		applied++
		l.publish(eventbus.EventDecayApplied, map[string]any{
			"topic": t.Key, "amount": -amount, "days": days,
			"balance": balance - amount,
		})
	}
	return applied, nil
}

// Package ledger implements the salience economy: earning with caps and
// one-hop propagation, spending with retention, warming of global topics,
// periodic decay, and budget-group target selection.
//
// All mutations are append-only ledger entries; a topic's balance is always
// derived as the sum of its entries.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/zos-ai/zos/internal/config"
	"github.com/zos-ai/zos/internal/eventbus"
	"github.com/zos-ai/zos/internal/idgen"
	"github.com/zos-ai/zos/internal/storage"
	"github.com/zos-ai/zos/internal/topic"
	"github.com/zos-ai/zos/internal/types"
)

// Ledger applies salience policy on top of the storage layer.
type Ledger struct {
	store storage.Storage
	cfg   *config.Config
	bus   *eventbus.Bus
}

// New builds a Ledger. bus may be nil in tests that do not observe events.
func New(store storage.Storage, cfg *config.Config, bus *eventbus.Bus) *Ledger {
	return &Ledger{store: store, cfg: cfg, bus: bus}
}

func (l *Ledger) publish(t eventbus.EventType, fields map[string]any) {
	if l.bus != nil {
		l.bus.Publish(eventbus.NewEvent(t, fields))
	}
}

// EarnOptions tunes topic creation on the earn path.
type EarnOptions struct {
	// SourceTopic attributes the earn to another topic (mentions, reactions).
	SourceTopic string
	// Provisional marks a topic created on this earn as provisional.
	Provisional bool
	// ParentKey links a thread topic to its owning channel topic.
	ParentKey string
}

// Earn credits a topic, clamped to its category cap, and propagates one hop
// to warm related topics. Returns the new balance and the clamped-away
// overflow.
func (l *Ledger) Earn(ctx context.Context, rawKey string, amount float64, reason string) (float64, float64, error) {
	return l.EarnWith(ctx, rawKey, amount, reason, EarnOptions{})
}

// EarnWith is Earn with explicit topic-creation options.
func (l *Ledger) EarnWith(ctx context.Context, rawKey string, amount float64, reason string, opts EarnOptions) (float64, float64, error) {
	k, err := topic.Parse(rawKey)
	if err != nil {
		return 0, 0, err
	}
	if amount <= 0 {
		return 0, 0, fmt.Errorf("earn on %s: amount must be positive, got %v", rawKey, amount)
	}
	now := time.Now().UTC()

	if _, err := l.EnsureTopic(ctx, k, opts.Provisional, opts.ParentKey); err != nil {
		return 0, 0, err
	}

	balance, err := l.store.TopicBalance(ctx, k.Raw)
	if err != nil {
		return 0, 0, err
	}
	cap := l.cfg.Salience.Cap(string(k.Category))
	actual := amount
	if room := cap - balance; actual > room {
		actual = room
	}
	if actual < 0 {
		actual = 0
	}
	overflow := amount - actual

	if actual > 0 {
		entry := &types.LedgerEntry{
			ID:          idgen.New(),
			TopicKey:    k.Raw,
			Kind:        types.TxnEarn,
			Amount:      actual,
			Reason:      reason,
			SourceTopic: opts.SourceTopic,
			CreatedAt:   now,
		}
		if err := l.store.AppendLedger(ctx, entry); err != nil {
			return 0, 0, err
		}
	}
	if err := l.store.TouchTopic(ctx, k.Raw, now); err != nil {
		return 0, 0, err
	}

	newBalance := balance + actual
	l.publish(eventbus.EventSalienceEarned, map[string]any{
		"topic": k.Raw, "amount": actual, "overflow": overflow,
		"balance": newBalance, "reason": reason,
	})

	if err := l.propagate(ctx, k, actual, overflow, now); err != nil {
		return 0, 0, err
	}
	return newBalance, overflow, nil
}

// EnsureTopic lazily creates the topic row for k. Returns whether it was new.
func (l *Ledger) EnsureTopic(ctx context.Context, k topic.Key, provisional bool, parentKey string) (bool, error) {
	created, err := l.store.UpsertTopic(ctx, &types.Topic{
		Key:         k.Raw,
		Category:    string(k.Category),
		BudgetGroup: string(k.Group()),
		ServerID:    k.ServerID,
		ParentKey:   parentKey,
		Provisional: provisional,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return false, err
	}
	if created {
		l.publish(eventbus.EventTopicCreated, map[string]any{
			"topic": k.Raw, "category": string(k.Category), "group": string(k.Group()),
		})
	}
	return created, nil
}

// Spend debits up to amount from a topic, crediting back the configured
// retention. Returns the amount actually spent.
func (l *Ledger) Spend(ctx context.Context, rawKey string, amount float64, reason string) (float64, error) {
	entries, actual, err := l.SpendEntries(ctx, rawKey, amount, reason)
	if err != nil || actual == 0 {
		return actual, err
	}
	if err := l.store.AppendLedger(ctx, entries...); err != nil {
		return 0, err
	}
	l.publish(eventbus.EventSalienceSpent, map[string]any{
		"topic": rawKey, "amount": actual, "reason": reason,
	})
	return actual, nil
}

// SpendEntries computes the spend and retain entries for a debit without
// applying them, so callers can bundle them into a larger transaction.
// Retention is captured at spend time, never inferred later.
func (l *Ledger) SpendEntries(ctx context.Context, rawKey string, amount float64, reason string) ([]*types.LedgerEntry, float64, error) {
	if _, err := topic.Parse(rawKey); err != nil {
		return nil, 0, err
	}
	if amount <= 0 {
		return nil, 0, fmt.Errorf("spend on %s: amount must be positive, got %v", rawKey, amount)
	}
	balance, err := l.store.TopicBalance(ctx, rawKey)
	if err != nil {
		return nil, 0, err
	}
	actual := amount
	if actual > balance {
		actual = balance
	}
	if actual <= 0 {
		return nil, 0, nil
	}
	now := time.Now().UTC()
	entries := []*types.LedgerEntry{{
		ID:        idgen.New(),
		TopicKey:  rawKey,
		Kind:      types.TxnSpend,
		Amount:    -actual,
		Reason:    reason,
		CreatedAt: now,
	}}
	if retained := actual * l.cfg.Salience.RetentionRate; retained > 0 {
		entries = append(entries, &types.LedgerEntry{
			ID:        idgen.New(),
			TopicKey:  rawKey,
			Kind:      types.TxnRetain,
			Amount:    retained,
			Reason:    reason,
			CreatedAt: now,
		})
	}
	return entries, actual, nil
}

// Reset zeroes a topic's balance with a single counter-entry. Operator
// tooling only; nothing in the running system resets balances.
func (l *Ledger) Reset(ctx context.Context, rawKey, reason string) (float64, error) {
	if _, err := topic.Parse(rawKey); err != nil {
		return 0, err
	}
	balance, err := l.store.TopicBalance(ctx, rawKey)
	if err != nil {
		return 0, err
	}
	if balance == 0 {
		return 0, nil
	}
	if err := l.store.AppendLedger(ctx, &types.LedgerEntry{
		ID:        idgen.New(),
		TopicKey:  rawKey,
		Kind:      types.TxnReset,
		Amount:    -balance,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return 0, err
	}
	l.publish(eventbus.EventSalienceReset, map[string]any{
		"topic": rawKey, "cleared": balance, "reason": reason,
	})
	return balance, nil
}

// Balance returns the topic's derived balance.
func (l *Ledger) Balance(ctx context.Context, rawKey string) (float64, error) {
	return l.store.TopicBalance(ctx, rawKey)
}

// WarmGlobalUser makes the global user topic warm if it is not already,
// crediting the configured initial warmth. Returns whether warming happened.
func (l *Ledger) WarmGlobalUser(ctx context.Context, userID, reason string) (bool, error) {
	key := topic.UserKey("", userID)
	balance, err := l.store.TopicBalance(ctx, key)
	if err != nil {
		return false, err
	}
	if balance > l.cfg.Salience.WarmThreshold {
		return false, nil
	}
	k, err := topic.Parse(key)
	if err != nil {
		return false, err
	}
	if _, err := l.EnsureTopic(ctx, k, false, ""); err != nil {
		return false, err
	}
	if err := l.store.AppendLedger(ctx, &types.LedgerEntry{
		ID:        idgen.New(),
		TopicKey:  key,
		Kind:      types.TxnWarm,
		Amount:    l.cfg.Salience.InitialGlobalWarmth,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return false, err
	}
	l.publish(eventbus.EventGlobalWarmed, map[string]any{
		"topic": key, "reason": reason, "amount": l.cfg.Salience.InitialGlobalWarmth,
	})
	return true, nil
}

// NoteUserServer records user activity in a server; reaching two distinct
// servers warms the user's global topic.
func (l *Ledger) NoteUserServer(ctx context.Context, userID, serverID string) error {
	n, err := l.store.RecordUserServer(ctx, userID, serverID)
	if err != nil {
		return err
	}
	if n >= 2 {
		if _, err := l.WarmGlobalUser(ctx, userID, "multi_server"); err != nil {
			return err
		}
	}
	return nil
}

// relatedTarget is one resolved propagation target.
type relatedTarget struct {
	key     topic.Key
	crosses bool
	// direct targets may not exist yet; they are created on first credit.
	direct bool
}

// propagate applies one-hop propagation and spillover from an earn.
// Propagate and spillover entries never themselves propagate.
func (l *Ledger) propagate(ctx context.Context, k topic.Key, actual, overflow float64, now time.Time) error {
	rels := topic.Relations(k)
	// A fully clamped earn still spills its overflow to warm neighbors.
	if len(rels) == 0 || (actual <= 0 && overflow <= 0) {
		return nil
	}
	targets, err := l.resolveRelated(ctx, k, rels)
	if err != nil {
		return err
	}
	sal := l.cfg.Salience
	for _, t := range targets {
		warm, err := l.isWarm(ctx, t.key)
		if err != nil {
			return err
		}
		if !warm {
			continue
		}
		factor := sal.PropagationFactor
		if t.crosses {
			factor = sal.GlobalPropagationFactor
		}
		var entries []*types.LedgerEntry
		if amt := actual * factor; amt > 0 {
			entries = append(entries, &types.LedgerEntry{
				ID:          idgen.New(),
				TopicKey:    t.key.Raw,
				Kind:        types.TxnPropagate,
				Amount:      amt,
				Reason:      "propagation",
				SourceTopic: k.Raw,
				CreatedAt:   now,
			})
		}
		if overflow > 0 {
			if amt := overflow * sal.SpilloverFactor; amt > 0 {
				entries = append(entries, &types.LedgerEntry{
					ID:          idgen.New(),
					TopicKey:    t.key.Raw,
					Kind:        types.TxnSpillover,
					Amount:      amt,
					Reason:      "spillover",
					SourceTopic: k.Raw,
					CreatedAt:   now,
				})
			}
		}
		if len(entries) == 0 {
			continue
		}
		if t.direct {
			if _, err := l.EnsureTopic(ctx, t.key, false, ""); err != nil {
				return err
			}
		}
		if err := l.store.AppendLedger(ctx, entries...); err != nil {
			return err
		}
	}
	return nil
}

// resolveRelated expands the relation descriptors against the topic table.
// Pattern hits are re-parsed and checked exactly; no fuzzy matching.
func (l *Ledger) resolveRelated(ctx context.Context, source topic.Key, rels []topic.Relation) ([]relatedTarget, error) {
	seen := map[string]bool{source.Raw: true}
	var out []relatedTarget
	add := func(raw string, crosses, direct bool) error {
		if seen[raw] {
			return nil
		}
		k, err := topic.Parse(raw)
		if err != nil {
			return nil // malformed rows never block propagation
		}
		seen[raw] = true
		out = append(out, relatedTarget{key: k, crosses: crosses, direct: direct})
		return nil
	}
	for _, r := range rels {
		switch {
		case r.Direct != "":
			if err := add(r.Direct, r.CrossesGlobalDivide, true); err != nil {
				return nil, err
			}
		case r.Pattern != "":
			keys, err := l.store.ListTopicKeysLike(ctx, r.Pattern)
			if err != nil {
				return nil, err
			}
			for _, raw := range keys {
				k, err := topic.Parse(raw)
				if err != nil || !r.Match(k) {
					continue
				}
				if err := add(raw, r.CrossesGlobalDivide, false); err != nil {
					return nil, err
				}
			}
		case r.ChildrenOf != "":
			keys, err := l.store.ListTopicKeysByParent(ctx, r.ChildrenOf)
			if err != nil {
				return nil, err
			}
			for _, raw := range keys {
				if err := add(raw, r.CrossesGlobalDivide, false); err != nil {
					return nil, err
				}
			}
		}
	}
	return out, nil
}

// isWarm reports whether a topic is warm. A global dyad is warm iff both of
// its global users are warm; every other topic is warm when its balance
// exceeds the threshold.
func (l *Ledger) isWarm(ctx context.Context, k topic.Key) (bool, error) {
	threshold := l.cfg.Salience.WarmThreshold
	if k.Category == topic.CategoryDyad && k.IsGlobal() {
		for _, uid := range k.Parts {
			b, err := l.store.TopicBalance(ctx, topic.UserKey("", uid))
			if err != nil {
				return false, err
			}
			if b <= threshold {
				return false, nil
			}
		}
		return true, nil
	}
	b, err := l.store.TopicBalance(ctx, k.Raw)
	if err != nil {
		return false, err
	}
	return b > threshold, nil
}

package ledger

import (
	"context"

	"github.com/zos-ai/zos/internal/topic"
)

// Target is one topic picked for reflection.
type Target struct {
	Key     string
	Group   topic.Group
	Balance float64
}

// SelectInGroup greedily picks the highest-balance topics of one budget
// group until the budget or maxTargets is exhausted. Topics with balance
// <= 0 are never candidates. The self group draws on its own pool and is
// selected the same way.
func (l *Ledger) SelectInGroup(ctx context.Context, g topic.Group, budget float64, maxTargets int) ([]Target, error) {
	cost := l.cfg.Budget.DefaultReflectionCost
	if maxTargets <= 0 || budget < cost {
		return nil, nil
	}
	balances, err := l.store.GroupBalances(ctx, string(g), maxTargets)
	if err != nil {
		return nil, err
	}
	var out []Target
	for _, b := range balances {
		if budget < cost || len(out) >= maxTargets {
			break
		}
		out = append(out, Target{Key: b.Key, Group: g, Balance: b.Balance})
		budget -= cost
	}
	return out, nil
}

// SelectTargets runs full budget-group selection over the total budget:
// each group gets its allocated share, picks greedily by balance, then
// unspent shares are redistributed proportionally among groups that still
// have candidates. The self pool is allocated and consumed independently.
func (l *Ledger) SelectTargets(ctx context.Context, total float64, maxTargets int) ([]Target, error) {
	cost := l.cfg.Budget.DefaultReflectionCost
	if maxTargets <= 0 {
		return nil, nil
	}

	type groupState struct {
		group  topic.Group
		alloc  float64
		topics []Target
		next   int
		budget float64
	}

	var states []*groupState
	for _, g := range topic.Groups {
		if g == topic.GroupSelf {
			continue
		}
		alloc := l.cfg.Budget.Allocations[string(g)]
		if alloc <= 0 {
			continue
		}
		balances, err := l.store.GroupBalances(ctx, string(g), maxTargets)
		if err != nil {
			return nil, err
		}
		st := &groupState{group: g, alloc: alloc, budget: total * alloc}
		for _, b := range balances {
			st.topics = append(st.topics, Target{Key: b.Key, Group: g, Balance: b.Balance})
		}
		states = append(states, st)
	}

	var picked []Target
	take := func(st *groupState) {
		for st.next < len(st.topics) && st.budget >= cost && len(picked) < maxTargets {
			picked = append(picked, st.topics[st.next])
			st.next++
			st.budget -= cost
		}
	}
	for _, st := range states {
		take(st)
	}

	// Redistribute leftover budget to groups that still have candidates.
	var unspent, demandAlloc float64
	var demanding []*groupState
	for _, st := range states {
		if st.next < len(st.topics) {
			demanding = append(demanding, st)
			demandAlloc += st.alloc
		} else {
			unspent += st.budget
			st.budget = 0
		}
	}
	if unspent > 0 && demandAlloc > 0 {
		for _, st := range demanding {
			st.budget += unspent * st.alloc / demandAlloc
		}
		for _, st := range demanding {
			take(st)
		}
	}

	if len(picked) < maxTargets {
		selfTargets, err := l.SelectInGroup(ctx, topic.GroupSelf, l.cfg.Budget.SelfPool, maxTargets-len(picked))
		if err != nil {
			return nil, err
		}
		picked = append(picked, selfTargets...)
	}
	return picked, nil
}

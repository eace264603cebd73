package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/zos-ai/zos/internal/storage"
	"github.com/zos-ai/zos/internal/types"
)

const ledgerColumns = `id, topic_key, kind, amount, reason, source_topic, created_at`

// AppendLedger appends the given entries atomically. Entries are never
// updated or deleted afterwards; compensation is a new entry.
func (s *Store) AppendLedger(ctx context.Context, entries ...*types.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return appendLedgerTx(tx, entries)
	})
}

func appendLedgerTx(tx *sql.Tx, entries []*types.LedgerEntry) error {
	stmt, err := tx.Prepare(`
		INSERT INTO ledger (` + ledgerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare ledger insert: %w", err)
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.Exec(e.ID, e.TopicKey, string(e.Kind), e.Amount,
			e.Reason, e.SourceTopic, e.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("append ledger entry for %s: %w", e.TopicKey, err)
		}
	}
	return nil
}

// TopicBalance derives the balance as the sum of the topic's entry amounts.
// There is no balance column; this is the authoritative read.
func (s *Store) TopicBalance(ctx context.Context, key string) (float64, error) {
	var balance sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(amount) FROM ledger WHERE topic_key = ?`, key).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("balance of %s: %w", key, err)
	}
	return balance.Float64, nil
}

// TopicBalanceSince sums entry amounts newer than the cutoff (pressure
// windows).
func (s *Store) TopicBalanceSince(ctx context.Context, key string, since time.Time) (float64, error) {
	var balance sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(amount) FROM ledger WHERE topic_key = ? AND created_at > ?`,
		key, since.UTC()).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("balance of %s since %s: %w", key, since, err)
	}
	return balance.Float64, nil
}

// ListLedgerEntries returns a topic's entries, newest first.
func (s *Store) ListLedgerEntries(ctx context.Context, key string, limit int) ([]*types.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ledgerColumns+` FROM ledger
		WHERE topic_key = ? ORDER BY id DESC LIMIT ?`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries for %s: %w", key, err)
	}
	defer rows.Close()
	var out []*types.LedgerEntry
	for rows.Next() {
		var e types.LedgerEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.TopicKey, &kind, &e.Amount, &e.Reason,
			&e.SourceTopic, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Kind = types.TxnKind(kind)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// LastEntryAt returns the newest entry time of the given kind for the topic;
// the zero time when none exists.
func (s *Store) LastEntryAt(ctx context.Context, key string, kind types.TxnKind) (time.Time, error) {
	var at sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM ledger WHERE topic_key = ? AND kind = ?`,
		key, string(kind)).Scan(&at)
	if err != nil {
		return time.Time{}, fmt.Errorf("last %s entry for %s: %w", kind, key, err)
	}
	if !at.Valid {
		return time.Time{}, nil
	}
	return at.Time, nil
}

// GroupBalances returns positive-balance topics in a budget group, highest
// balance first. Topics with balance <= 0 never appear.
func (s *Store) GroupBalances(ctx context.Context, group string, limit int) ([]*types.TopicBalance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.key, t.category, t.budget_group, SUM(l.amount) AS balance
		FROM topics t JOIN ledger l ON l.topic_key = t.key
		WHERE t.budget_group = ?
		GROUP BY t.key
		HAVING balance > 0
		ORDER BY balance DESC
		LIMIT ?`, group, limit)
	if err != nil {
		return nil, fmt.Errorf("group balances for %s: %w", group, err)
	}
	return collectBalances(rows)
}

// TopBalances returns the highest positive balances across all groups.
func (s *Store) TopBalances(ctx context.Context, limit int) ([]*types.TopicBalance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.key, t.category, t.budget_group, SUM(l.amount) AS balance
		FROM topics t JOIN ledger l ON l.topic_key = t.key
		GROUP BY t.key
		HAVING balance > 0
		ORDER BY balance DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("top balances: %w", err)
	}
	return collectBalances(rows)
}

// GroupSummaries aggregates balance and topic counts per budget group.
func (s *Store) GroupSummaries(ctx context.Context) ([]*storage.GroupSalience, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.budget_group, COUNT(DISTINCT t.key), COALESCE(SUM(l.amount), 0)
		FROM topics t LEFT JOIN ledger l ON l.topic_key = t.key
		GROUP BY t.budget_group
		ORDER BY t.budget_group`)
	if err != nil {
		return nil, fmt.Errorf("group summaries: %w", err)
	}
	defer rows.Close()
	var out []*storage.GroupSalience
	for rows.Next() {
		var g storage.GroupSalience
		if err := rows.Scan(&g.Group, &g.Topics, &g.Balance); err != nil {
			return nil, fmt.Errorf("scan group summary: %w", err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

// RecordUserServer notes activity of a user in a server and returns the
// distinct server count, which drives the two-server global warming trigger.
func (s *Store) RecordUserServer(ctx context.Context, userID, serverID string) (int, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO user_servers (user_id, server_id, first_seen_at)
		VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		userID, serverID, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("record user server: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_servers WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count user servers: %w", err)
	}
	return n, nil
}

func collectBalances(rows *sql.Rows) ([]*types.TopicBalance, error) {
	defer rows.Close()
	var out []*types.TopicBalance
	for rows.Next() {
		var b types.TopicBalance
		if err := rows.Scan(&b.Key, &b.Category, &b.BudgetGroup, &b.Balance); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

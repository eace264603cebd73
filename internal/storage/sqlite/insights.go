package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zos-ai/zos/internal/storage"
	"github.com/zos-ai/zos/internal/types"
)

const insightColumns = `id, topic_key, category, content, sources_scope_max, created_at,
	layer_run_id, salience_spent, strength_adjustment, strength, confidence, importance,
	novelty, joy, concern, curiosity, warmth, tension, supersedes, conflicts_with,
	conflict_resolved, synthesized_from, quarantined, context_channel_id,
	context_thread_id, subject, participants`

// InsertInsight appends a single insight row.
func (s *Store) InsertInsight(ctx context.Context, in *types.Insight) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertInsightTx(tx, in)
	})
}

// StoreInsightTx applies the spend/retain entries and inserts the insight in
// one transaction. This is the invariant that every spend entry has a
// matching stored insight: if the transaction fails, neither is visible.
func (s *Store) StoreInsightTx(ctx context.Context, in *types.Insight, entries []*types.LedgerEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := appendLedgerTx(tx, entries); err != nil {
			return err
		}
		return insertInsightTx(tx, in)
	})
}

func insertInsightTx(tx *sql.Tx, in *types.Insight) error {
	conflicts, err := marshalStrings(in.ConflictsWith)
	if err != nil {
		return fmt.Errorf("insight %s: %w", in.ID, err)
	}
	synth, err := marshalStrings(in.SynthesizedFrom)
	if err != nil {
		return fmt.Errorf("insight %s: %w", in.ID, err)
	}
	participants, err := marshalStrings(in.Participants)
	if err != nil {
		return fmt.Errorf("insight %s: %w", in.ID, err)
	}

	_, err = tx.Exec(`
		INSERT INTO insights (`+insightColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.TopicKey, in.Category, in.Content, string(in.ScopeMax), in.CreatedAt.UTC(),
		in.RunID, in.SalienceSpent, in.StrengthAdjustment, in.Strength, in.Confidence,
		in.Importance, in.Novelty, in.Joy, in.Concern, in.Curiosity, in.Warmth, in.Tension,
		in.Supersedes, conflicts, boolToInt(in.ConflictResolved), synth,
		boolToInt(in.Quarantined), in.ContextChannelID, in.ContextThreadID,
		in.Subject, participants)
	if err != nil {
		return fmt.Errorf("insert insight %s: %w", in.ID, err)
	}
	return nil
}

// GetInsight fetches one insight by id.
func (s *Store) GetInsight(ctx context.Context, id string) (*types.Insight, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+insightColumns+` FROM insights WHERE id = ?`, id)
	in, err := scanInsight(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return in, err
}

// ListInsights serves the introspection surface with combined filters,
// newest first.
func (s *Store) ListInsights(ctx context.Context, f storage.InsightFilter) ([]*types.Insight, error) {
	var where []string
	var args []any
	if f.TopicKey != "" {
		where = append(where, "topic_key = ?")
		args = append(args, f.TopicKey)
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if !f.Quarantined {
		where = append(where, "quarantined = 0")
	}
	q := `SELECT ` + insightColumns + ` FROM insights`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	return collectInsights(rows)
}

// ListInsightsByRecency returns insights whose topic key matches keyPattern,
// newest first, excluding quarantined rows unless asked.
func (s *Store) ListInsightsByRecency(ctx context.Context, keyPattern string, includeQuarantined bool, excludeIDs []string, limit int) ([]*types.Insight, error) {
	return s.listRetrievable(ctx, keyPattern, includeQuarantined, excludeIDs, limit, "id DESC")
}

// ListInsightsByStrength returns matching insights ordered by strength
// descending (ties broken newest first).
func (s *Store) ListInsightsByStrength(ctx context.Context, keyPattern string, includeQuarantined bool, excludeIDs []string, limit int) ([]*types.Insight, error) {
	return s.listRetrievable(ctx, keyPattern, includeQuarantined, excludeIDs, limit, "strength DESC, id DESC")
}

func (s *Store) listRetrievable(ctx context.Context, keyPattern string, includeQuarantined bool, excludeIDs []string, limit int, order string) ([]*types.Insight, error) {
	q := `SELECT ` + insightColumns + ` FROM insights WHERE topic_key LIKE ?`
	args := []any{keyPattern}
	if !includeQuarantined {
		q += ` AND quarantined = 0`
	}
	if len(excludeIDs) > 0 {
		q += ` AND id NOT IN (` + placeholders(len(excludeIDs)) + `)`
		for _, id := range excludeIDs {
			args = append(args, id)
		}
	}
	q += ` ORDER BY ` + order + ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list insights for %q: %w", keyPattern, err)
	}
	return collectInsights(rows)
}

// SearchInsights is a plain substring search over content; no semantic
// matching.
func (s *Store) SearchInsights(ctx context.Context, query string, offset, limit int) ([]*types.Insight, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+insightColumns+` FROM insights
		WHERE quarantined = 0 AND content LIKE '%' || ? || '%'
		ORDER BY id DESC LIMIT ? OFFSET ?`, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("search insights: %w", err)
	}
	return collectInsights(rows)
}

// SetInsightQuarantined toggles the quarantine flag. Idempotent; the only
// mutation an insight row supports besides conflict/supersede pointers.
func (s *Store) SetInsightQuarantined(ctx context.Context, id string, quarantined bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE insights SET quarantined = ? WHERE id = ?`, boolToInt(quarantined), id)
	if err != nil {
		return fmt.Errorf("quarantine insight %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("quarantine insight %s: %w", id, err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CountInsightsSince counts insights on matching topics created after the
// cutoff; drives threshold-triggered layers. Insights written by
// excludeLayer's own runs are not counted, so a layer cannot retrigger
// itself with its own output.
func (s *Store) CountInsightsSince(ctx context.Context, keyPattern string, since time.Time, excludeLayer string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM insights i
		WHERE i.topic_key LIKE ? AND i.created_at > ?
		  AND (? = '' OR i.layer_run_id NOT IN
		       (SELECT id FROM runs WHERE layer_name = ?))`,
		keyPattern, since.UTC(), excludeLayer, excludeLayer).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count insights for %q: %w", keyPattern, err)
	}
	return n, nil
}

func scanInsight(row rowScanner) (*types.Insight, error) {
	var in types.Insight
	var scope string
	var conflicts, synth, participants string
	var conflictResolved, quarantined int
	err := row.Scan(&in.ID, &in.TopicKey, &in.Category, &in.Content, &scope, &in.CreatedAt,
		&in.RunID, &in.SalienceSpent, &in.StrengthAdjustment, &in.Strength, &in.Confidence,
		&in.Importance, &in.Novelty, &in.Joy, &in.Concern, &in.Curiosity, &in.Warmth,
		&in.Tension, &in.Supersedes, &conflicts, &conflictResolved, &synth,
		&quarantined, &in.ContextChannelID, &in.ContextThreadID, &in.Subject, &participants)
	if err != nil {
		return nil, err
	}
	in.ScopeMax = types.Scope(scope)
	in.ConflictResolved = conflictResolved != 0
	in.Quarantined = quarantined != 0
	if err := unmarshalStrings(conflicts, &in.ConflictsWith); err != nil {
		return nil, fmt.Errorf("insight %s conflicts_with: %w", in.ID, err)
	}
	if err := unmarshalStrings(synth, &in.SynthesizedFrom); err != nil {
		return nil, fmt.Errorf("insight %s synthesized_from: %w", in.ID, err)
	}
	if err := unmarshalStrings(participants, &in.Participants); err != nil {
		return nil, fmt.Errorf("insight %s participants: %w", in.ID, err)
	}
	return &in, nil
}

func collectInsights(rows *sql.Rows) ([]*types.Insight, error) {
	defer rows.Close()
	var out []*types.Insight
	for rows.Next() {
		in, err := scanInsight(rows)
		if err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func marshalStrings(ss []string) (string, error) {
	if len(ss) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return "", fmt.Errorf("marshal string list: %w", err)
	}
	return string(b), nil
}

func unmarshalStrings(raw string, dst *[]string) error {
	if raw == "" || raw == "[]" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func placeholders(n int) string {
	p := strings.Repeat("?,", n)
	return p[:len(p)-1]
}

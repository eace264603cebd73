package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zos-ai/zos/internal/storage"
	"github.com/zos-ai/zos/internal/types"
)

const topicColumns = `key, category, budget_group, server_id, parent_key, provisional, created_at, last_activity_at`

// UpsertTopic creates the topic if missing. Existing rows are left untouched
// except that a non-empty ParentKey fills in a previously unknown parent
// (threads observed before their channel relation was known). created
// reports whether the row was new.
func (s *Store) UpsertTopic(ctx context.Context, t *types.Topic) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO topics (`+topicColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		t.Key, t.Category, t.BudgetGroup, t.ServerID, t.ParentKey,
		boolToInt(t.Provisional), t.CreatedAt.UTC(), nullTime(t.LastActivityAt))
	if err != nil {
		return false, fmt.Errorf("upsert topic %s: %w", t.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert topic %s: %w", t.Key, err)
	}
	if n > 0 {
		return true, nil
	}
	if t.ParentKey != "" {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE topics SET parent_key = ? WHERE key = ? AND parent_key = ''`,
			t.ParentKey, t.Key); err != nil {
			return false, fmt.Errorf("upsert topic %s: %w", t.Key, err)
		}
	}
	return false, nil
}

// TouchTopic updates last_activity_at. Called on every earn.
func (s *Store) TouchTopic(ctx context.Context, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE topics SET last_activity_at = ? WHERE key = ?`, at.UTC(), key)
	if err != nil {
		return fmt.Errorf("touch topic %s: %w", key, err)
	}
	return nil
}

// GetTopic fetches one topic by key.
func (s *Store) GetTopic(ctx context.Context, key string) (*types.Topic, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+topicColumns+` FROM topics WHERE key = ?`, key)
	t, err := scanTopic(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return t, err
}

// ListTopicKeysLike returns existing topic keys matching a SQL LIKE pattern.
// Callers re-check hits exactly; this is only a prefilter.
func (s *Store) ListTopicKeysLike(ctx context.Context, pattern string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM topics WHERE key LIKE ?`, pattern)
	if err != nil {
		return nil, fmt.Errorf("list topics like %q: %w", pattern, err)
	}
	return collectStrings(rows)
}

// ListTopicKeysByParent returns topics whose parent is the given key
// (threads under a channel).
func (s *Store) ListTopicKeysByParent(ctx context.Context, parentKey string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM topics WHERE parent_key = ?`, parentKey)
	if err != nil {
		return nil, fmt.Errorf("list topics under %q: %w", parentKey, err)
	}
	return collectStrings(rows)
}

// ListInactiveTopics returns topics whose last activity predates the cutoff
// (or was never recorded), for the decay task.
func (s *Store) ListInactiveTopics(ctx context.Context, before time.Time) ([]*types.Topic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+topicColumns+` FROM topics
		WHERE last_activity_at IS NULL OR last_activity_at < ?`,
		before.UTC())
	if err != nil {
		return nil, fmt.Errorf("list inactive topics: %w", err)
	}
	defer rows.Close()
	var out []*types.Topic
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTopic(row rowScanner) (*types.Topic, error) {
	var t types.Topic
	var provisional int
	var lastActivity sql.NullTime
	err := row.Scan(&t.Key, &t.Category, &t.BudgetGroup, &t.ServerID, &t.ParentKey,
		&provisional, &t.CreatedAt, &lastActivity)
	if err != nil {
		return nil, err
	}
	t.Provisional = provisional != 0
	if lastActivity.Valid {
		at := lastActivity.Time
		t.LastActivityAt = &at
	}
	return &t, nil
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

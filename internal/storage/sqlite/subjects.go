package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/zos-ai/zos/internal/types"
)

// AddSubjectSources records subject provenance links. Duplicate links are
// ignored; the join is unique over its whole tuple.
func (s *Store) AddSubjectSources(ctx context.Context, links []*types.SubjectSource) error {
	if len(links) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO subject_sources (subject_key, message_id, source_topic_key, run_id, created_at)
			VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`)
		if err != nil {
			return fmt.Errorf("prepare subject source insert: %w", err)
		}
		defer stmt.Close()
		now := time.Now().UTC()
		for _, l := range links {
			if _, err := stmt.Exec(l.SubjectKey, l.MessageID, l.SourceTopicKey, l.RunID, now); err != nil {
				return fmt.Errorf("add subject source for %s: %w", l.SubjectKey, err)
			}
		}
		return nil
	})
}

// ListSubjectSources returns the newest provenance links for a subject.
func (s *Store) ListSubjectSources(ctx context.Context, subjectKey string, limit int) ([]*types.SubjectSource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject_key, message_id, source_topic_key, run_id
		FROM subject_sources WHERE subject_key = ?
		ORDER BY created_at DESC LIMIT ?`, subjectKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list subject sources for %s: %w", subjectKey, err)
	}
	defer rows.Close()
	var out []*types.SubjectSource
	for rows.Next() {
		var l types.SubjectSource
		if err := rows.Scan(&l.SubjectKey, &l.MessageID, &l.SourceTopicKey, &l.RunID); err != nil {
			return nil, fmt.Errorf("scan subject source: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zos-ai/zos/internal/storage"
	"github.com/zos-ai/zos/internal/types"
)

const messageColumns = `id, channel_id, server_id, author_id, author_display, content,
	created_at, scope, reply_to_id, thread_id, has_media, has_link, ingested_at, deleted_at`

// InsertMessage persists an observation. Re-delivering the same message id is
// a no-op; created reports whether the row was new, so the earning path can
// avoid double-earning on duplicate events.
func (s *Store) InsertMessage(ctx context.Context, m *types.Message) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID, m.ChannelID, m.ServerID, m.AuthorID, m.AuthorDisplay, m.Content,
		m.CreatedAt.UTC(), string(m.Scope), m.ReplyToID, m.ThreadID,
		boolToInt(m.HasMedia), boolToInt(m.HasLink), m.IngestedAt.UTC(), nullTime(m.DeletedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	return n > 0, nil
}

// MarkMessageDeleted soft-deletes a message. The row is retained; it is only
// excluded from new reflection context.
func (s *Store) MarkMessageDeleted(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark message %s deleted: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already deleted or never seen; either way the intent holds.
		return nil
	}
	return nil
}

// GetMessage fetches a message by id, deleted or not.
func (s *Store) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return m, err
}

// ListChannelMessages returns non-deleted channel messages in the window,
// oldest first.
func (s *Store) ListChannelMessages(ctx context.Context, channelID string, since time.Time, limit int) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE channel_id = ? AND created_at >= ? AND deleted_at IS NULL
		ORDER BY created_at ASC LIMIT ?`,
		channelID, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list channel messages: %w", err)
	}
	return collectMessages(rows)
}

// ListUserMessages returns non-deleted messages from threads and channels
// the user participated in within the window, oldest first. Participation
// means the user authored at least one message in that thread (or, for
// unthreaded traffic, that channel) inside the window.
func (s *Store) ListUserMessages(ctx context.Context, userID string, since time.Time, limit int) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages m
		WHERE m.created_at >= ? AND m.deleted_at IS NULL
		  AND (
		    (m.thread_id != '' AND m.thread_id IN (
		        SELECT DISTINCT thread_id FROM messages
		        WHERE author_id = ? AND thread_id != '' AND created_at >= ?))
		    OR
		    (m.thread_id = '' AND m.channel_id IN (
		        SELECT DISTINCT channel_id FROM messages
		        WHERE author_id = ? AND thread_id = '' AND created_at >= ?))
		  )
		ORDER BY m.created_at ASC LIMIT ?`,
		since.UTC(), userID, since.UTC(), userID, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list user messages: %w", err)
	}
	return collectMessages(rows)
}

// ListDyadMessages returns messages between two users: direct replies in
// either direction, plus messages either authored in threads where both
// participated. Oldest first.
func (s *Store) ListDyadMessages(ctx context.Context, userA, userB string, since time.Time, limit int) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages m
		WHERE m.created_at >= ? AND m.deleted_at IS NULL
		  AND m.author_id IN (?, ?)
		  AND (
		    m.reply_to_id != '' AND EXISTS (
		        SELECT 1 FROM messages r
		        WHERE r.id = m.reply_to_id
		          AND r.author_id IN (?, ?) AND r.author_id != m.author_id)
		    OR
		    (m.thread_id != '' AND m.thread_id IN (
		        SELECT thread_id FROM messages
		        WHERE author_id = ? AND thread_id != '' AND created_at >= ?
		        INTERSECT
		        SELECT thread_id FROM messages
		        WHERE author_id = ? AND thread_id != '' AND created_at >= ?))
		  )
		ORDER BY m.created_at ASC LIMIT ?`,
		since.UTC(), userA, userB, userA, userB,
		userA, since.UTC(), userB, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list dyad messages: %w", err)
	}
	return collectMessages(rows)
}

// ListMessagesByIDs fetches the given non-deleted messages, oldest first.
func (s *Store) ListMessagesByIDs(ctx context.Context, ids []string) ([]*types.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE id IN (`+placeholders+`) AND deleted_at IS NULL
		ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages by ids: %w", err)
	}
	return collectMessages(rows)
}

// RecordDisplayName upserts the display name observed for an external id.
func (s *Store) RecordDisplayName(ctx context.Context, id, display string) error {
	if id == "" || display == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO display_names (id, display, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display = excluded.display, updated_at = excluded.updated_at`,
		id, display, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record display name: %w", err)
	}
	return nil
}

// DisplayNames resolves external ids to their last observed display names.
// Unknown ids are simply absent from the result.
func (s *Store) DisplayNames(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, display FROM display_names WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("display names: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, display string
		if err := rows.Scan(&id, &display); err != nil {
			return nil, fmt.Errorf("scan display name: %w", err)
		}
		out[id] = display
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*types.Message, error) {
	var m types.Message
	var scope string
	var hasMedia, hasLink int
	var deletedAt sql.NullTime
	err := row.Scan(&m.ID, &m.ChannelID, &m.ServerID, &m.AuthorID, &m.AuthorDisplay,
		&m.Content, &m.CreatedAt, &scope, &m.ReplyToID, &m.ThreadID,
		&hasMedia, &hasLink, &m.IngestedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	m.Scope = types.Scope(scope)
	m.HasMedia = hasMedia != 0
	m.HasLink = hasLink != 0
	if deletedAt.Valid {
		t := deletedAt.Time
		m.DeletedAt = &t
	}
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]*types.Message, error) {
	defer rows.Close()
	var out []*types.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/zos-ai/zos/internal/types"
)

const callColumns = `id, run_id, kind, profile, provider, model, prompt, response,
	tokens_in, tokens_out, estimated_cost, latency_ms, success, error, created_at`

// InsertCall records one model invocation with its full prompt and response.
func (s *Store) InsertCall(ctx context.Context, c *types.CallRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (`+callColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.RunID, c.Kind, c.Profile, c.Provider, c.Model, c.Prompt, c.Response,
		c.TokensIn, c.TokensOut, c.EstimatedCost, c.LatencyMS,
		boolToInt(c.Success), c.Error, c.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert call %s: %w", c.ID, err)
	}
	return nil
}

// ListCalls returns the calls for a run, oldest first.
func (s *Store) ListCalls(ctx context.Context, runID string) ([]*types.CallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list calls for run %s: %w", runID, err)
	}
	defer rows.Close()
	var out []*types.CallRecord
	for rows.Next() {
		var c types.CallRecord
		var success int
		if err := rows.Scan(&c.ID, &c.RunID, &c.Kind, &c.Profile, &c.Provider, &c.Model,
			&c.Prompt, &c.Response, &c.TokensIn, &c.TokensOut, &c.EstimatedCost,
			&c.LatencyMS, &success, &c.Error, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		c.Success = success != 0
		out = append(out, &c)
	}
	return out, rows.Err()
}

// PruneCalls deletes call records older than keepDays. Call rows hold full
// prompts and responses, so this is the one sanctioned delete in the store;
// it is operator-invoked only.
func (s *Store) PruneCalls(ctx context.Context, keepDays int) (int64, error) {
	if keepDays <= 0 {
		return 0, fmt.Errorf("prune calls: keep-days must be positive")
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -keepDays)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM calls WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune calls: %w", err)
	}
	return res.RowsAffected()
}

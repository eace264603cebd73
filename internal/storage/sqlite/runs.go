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

const runColumns = `id, layer_name, layer_hash, started_at, ended_at, status,
	targets_matched, targets_processed, targets_skipped, insights_created,
	model_profile, model_provider, model_name, tokens_in, tokens_out,
	estimated_cost, errors`

// InsertRun records a starting layer activation.
func (s *Store) InsertRun(ctx context.Context, r *types.RunRecord) error {
	errJSON, err := marshalRunErrors(r.Errors)
	if err != nil {
		return fmt.Errorf("run %s: %w", r.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.LayerName, r.LayerHash, r.StartedAt.UTC(), nullTime(r.EndedAt),
		string(r.Status), r.TargetsMatched, r.TargetsProcessed, r.TargetsSkipped,
		r.InsightsCreated, r.ModelProfile, r.ModelProvider, r.ModelName,
		r.TokensIn, r.TokensOut, r.EstimatedCost, errJSON)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

// UpdateRun overwrites the mutable completion fields of a run record.
func (s *Store) UpdateRun(ctx context.Context, r *types.RunRecord) error {
	errJSON, err := marshalRunErrors(r.Errors)
	if err != nil {
		return fmt.Errorf("run %s: %w", r.ID, err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET ended_at = ?, status = ?, targets_matched = ?,
			targets_processed = ?, targets_skipped = ?, insights_created = ?,
			model_profile = ?, model_provider = ?, model_name = ?,
			tokens_in = ?, tokens_out = ?, estimated_cost = ?, errors = ?
		WHERE id = ?`,
		nullTime(r.EndedAt), string(r.Status), r.TargetsMatched,
		r.TargetsProcessed, r.TargetsSkipped, r.InsightsCreated,
		r.ModelProfile, r.ModelProvider, r.ModelName,
		r.TokensIn, r.TokensOut, r.EstimatedCost, errJSON, r.ID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run %s: %w", r.ID, err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetRun fetches one run record.
func (s *Store) GetRun(ctx context.Context, id string) (*types.RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return r, err
}

// ListRuns returns run records with filters, newest first.
func (s *Store) ListRuns(ctx context.Context, f storage.RunFilter) ([]*types.RunRecord, error) {
	var where []string
	var args []any
	if f.LayerName != "" {
		where = append(where, "layer_name = ?")
		args = append(args, f.LayerName)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, f.Since.UTC())
	}
	q := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []*types.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunStatsSummary aggregates run records over the last N days.
func (s *Store) RunStatsSummary(ctx context.Context, days int) (*storage.RunStats, error) {
	if days <= 0 {
		days = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	stats := &storage.RunStats{Days: days, ByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(insights_created), 0),
		       COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0),
		       COALESCE(SUM(estimated_cost), 0)
		FROM runs WHERE started_at >= ?
		GROUP BY status`, since)
	if err != nil {
		return nil, fmt.Errorf("run stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count, insights, tokensIn, tokensOut int
		var cost float64
		if err := rows.Scan(&status, &count, &insights, &tokensIn, &tokensOut, &cost); err != nil {
			return nil, fmt.Errorf("scan run stats: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Runs += count
		stats.InsightsCreated += insights
		stats.TokensIn += tokensIn
		stats.TokensOut += tokensOut
		stats.EstimatedCost += cost
	}
	return stats, rows.Err()
}

// LastRunAt returns the newest started_at for a layer; zero time when the
// layer has never run.
func (s *Store) LastRunAt(ctx context.Context, layerName string) (time.Time, error) {
	var at sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(started_at) FROM runs WHERE layer_name = ?`, layerName).Scan(&at)
	if err != nil {
		return time.Time{}, fmt.Errorf("last run of %s: %w", layerName, err)
	}
	if !at.Valid {
		return time.Time{}, nil
	}
	return at.Time, nil
}

func scanRun(row rowScanner) (*types.RunRecord, error) {
	var r types.RunRecord
	var status, errJSON string
	var endedAt sql.NullTime
	err := row.Scan(&r.ID, &r.LayerName, &r.LayerHash, &r.StartedAt, &endedAt, &status,
		&r.TargetsMatched, &r.TargetsProcessed, &r.TargetsSkipped, &r.InsightsCreated,
		&r.ModelProfile, &r.ModelProvider, &r.ModelName, &r.TokensIn, &r.TokensOut,
		&r.EstimatedCost, &errJSON)
	if err != nil {
		return nil, err
	}
	r.Status = types.RunStatus(status)
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}
	if errJSON != "" && errJSON != "[]" {
		if err := json.Unmarshal([]byte(errJSON), &r.Errors); err != nil {
			return nil, fmt.Errorf("run %s errors: %w", r.ID, err)
		}
	}
	return &r, nil
}

func marshalRunErrors(errs []types.RunError) (string, error) {
	if len(errs) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(errs)
	if err != nil {
		return "", fmt.Errorf("marshal run errors: %w", err)
	}
	return string(b), nil
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/zos-ai/zos/internal/types"
)

// UpsertSchedulerJob records or updates the scheduler's bookkeeping row for
// a layer.
func (s *Store) UpsertSchedulerJob(ctx context.Context, j *types.SchedulerJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduler_jobs (layer_name, schedule, last_fired_at, next_fire_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(layer_name) DO UPDATE SET
			schedule = excluded.schedule,
			last_fired_at = COALESCE(excluded.last_fired_at, scheduler_jobs.last_fired_at),
			next_fire_at = excluded.next_fire_at`,
		j.LayerName, j.Schedule, nullTime(j.LastFiredAt), nullTime(j.NextFireAt))
	if err != nil {
		return fmt.Errorf("upsert scheduler job %s: %w", j.LayerName, err)
	}
	return nil
}

// ListSchedulerJobs returns all job rows sorted by layer name.
func (s *Store) ListSchedulerJobs(ctx context.Context) ([]*types.SchedulerJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT layer_name, schedule, last_fired_at, next_fire_at
		FROM scheduler_jobs ORDER BY layer_name`)
	if err != nil {
		return nil, fmt.Errorf("list scheduler jobs: %w", err)
	}
	defer rows.Close()
	var out []*types.SchedulerJob
	for rows.Next() {
		var j types.SchedulerJob
		var last, next sql.NullTime
		if err := rows.Scan(&j.LayerName, &j.Schedule, &last, &next); err != nil {
			return nil, fmt.Errorf("scan scheduler job: %w", err)
		}
		if last.Valid {
			t := last.Time
			j.LastFiredAt = &t
		}
		if next.Valid {
			t := next.Time
			j.NextFireAt = &t
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}

// DeleteSchedulerJob drops the bookkeeping row for a layer that no longer
// exists in the layers directory.
func (s *Store) DeleteSchedulerJob(ctx context.Context, layerName string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduler_jobs WHERE layer_name = ?`, layerName)
	if err != nil {
		return fmt.Errorf("delete scheduler job %s: %w", layerName, err)
	}
	return nil
}

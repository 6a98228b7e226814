package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StartWatch records the beginning of a watch on jobID.
func (s *Store) StartWatch(ctx context.Context, jobID string) (Watch, error) {
	w := Watch{
		ID:        uuid.New().String(),
		JobID:     jobID,
		State:     "polling",
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watches (id, job_id, state, started_at) VALUES (?, ?, ?, ?)`,
		w.ID, w.JobID, w.State, w.StartedAt.Format(timeLayout),
	)
	if err != nil {
		return Watch{}, fmt.Errorf("recording watch of %s: %w", jobID, err)
	}
	return w, nil
}

// FinishWatch stores the outcome of a watch. EndedAt defaults to now.
func (s *Store) FinishWatch(ctx context.Context, w Watch) error {
	if w.EndedAt.IsZero() {
		w.EndedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE watches SET state = ?, percent = ?, tiles = ?, detections = ?, error = ?, ended_at = ?
		WHERE id = ?`,
		w.State, w.Percent, w.Tiles, w.Detections, w.Error, w.EndedAt.UTC().Format(timeLayout), w.ID,
	)
	if err != nil {
		return fmt.Errorf("finishing watch %s: %w", w.ID, err)
	}
	return expectOne(res)
}

// GetWatch returns one watch by id.
func (s *Store) GetWatch(ctx context.Context, id string) (Watch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, state, percent, tiles, detections, error, started_at, ended_at
		FROM watches WHERE id = ?`, id)
	w, err := scanWatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Watch{}, ErrNotFound
	}
	return w, err
}

// RecentWatches returns up to limit watches, newest first.
func (s *Store) RecentWatches(ctx context.Context, limit int) ([]Watch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, state, percent, tiles, detections, error, started_at, ended_at
		FROM watches ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing watches: %w", err)
	}
	defer rows.Close()

	var out []Watch
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWatch(sc scanner) (Watch, error) {
	var (
		w         Watch
		startedAt string
		endedAt   sql.NullString
	)
	if err := sc.Scan(&w.ID, &w.JobID, &w.State, &w.Percent, &w.Tiles, &w.Detections, &w.Error, &startedAt, &endedAt); err != nil {
		return Watch{}, err
	}
	t, err := time.Parse(timeLayout, startedAt)
	if err != nil {
		return Watch{}, fmt.Errorf("parsing started_at: %w", err)
	}
	w.StartedAt = t
	if endedAt.Valid {
		if w.EndedAt, err = time.Parse(timeLayout, endedAt.String); err != nil {
			return Watch{}, fmt.Errorf("parsing ended_at: %w", err)
		}
	}
	return w, nil
}

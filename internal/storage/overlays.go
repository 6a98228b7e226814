package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/minewatch/internal/analysis"
	"github.com/kalambet/minewatch/internal/geo"
	"github.com/kalambet/minewatch/internal/overlay"
)

// AddOverlay stores a new overlay and returns its handle.
func (s *Store) AddOverlay(ctx context.Context, kind overlay.Kind, extent geo.Extent, content overlay.Content, opacity float64) (overlay.Handle, error) {
	detections, err := encodeDetections(content.Detections)
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	now := time.Now().UTC().Format(timeLayout)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO overlays (id, kind, south, north, west, east, image, detections, opacity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(kind), extent.South, extent.North, extent.West, extent.East,
		content.Image, detections, opacity, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("inserting %s overlay: %w", kind, err)
	}
	return overlay.Handle(id), nil
}

// UpdateOverlay replaces the extent, content and opacity of an overlay.
func (s *Store) UpdateOverlay(ctx context.Context, h overlay.Handle, extent geo.Extent, content overlay.Content, opacity float64) error {
	detections, err := encodeDetections(content.Detections)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE overlays SET south = ?, north = ?, west = ?, east = ?, image = ?, detections = ?, opacity = ?, updated_at = ?
		WHERE id = ?`,
		extent.South, extent.North, extent.West, extent.East, content.Image, detections, opacity,
		time.Now().UTC().Format(timeLayout), string(h),
	)
	if err != nil {
		return fmt.Errorf("updating overlay %s: %w", h, err)
	}
	return expectOne(res)
}

// RemoveOverlay deletes an overlay.
func (s *Store) RemoveOverlay(ctx context.Context, h overlay.Handle) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM overlays WHERE id = ?`, string(h))
	if err != nil {
		return fmt.Errorf("removing overlay %s: %w", h, err)
	}
	return expectOne(res)
}

// GetOverlay returns one overlay by handle.
func (s *Store) GetOverlay(ctx context.Context, h overlay.Handle) (Overlay, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, south, north, west, east, image, detections, opacity, created_at, updated_at
		FROM overlays WHERE id = ?`, string(h))
	o, err := scanOverlay(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Overlay{}, ErrNotFound
	}
	return o, err
}

// ListOverlays returns overlays in insertion order, filtered by kind unless
// kind is empty.
func (s *Store) ListOverlays(ctx context.Context, kind overlay.Kind) ([]Overlay, error) {
	query := `SELECT id, kind, south, north, west, east, image, detections, opacity, created_at, updated_at FROM overlays`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing overlays: %w", err)
	}
	defer rows.Close()

	var out []Overlay
	for rows.Next() {
		o, err := scanOverlay(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CountOverlays returns the number of stored overlays per kind.
func (s *Store) CountOverlays(ctx context.Context) (map[overlay.Kind]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM overlays GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("counting overlays: %w", err)
	}
	defer rows.Close()

	counts := make(map[overlay.Kind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[overlay.Kind(kind)] = n
	}
	return counts, rows.Err()
}

// ClearOverlays removes every overlay. Used at startup to drop leftovers
// from a previous process.
func (s *Store) ClearOverlays(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM overlays`)
	if err != nil {
		return 0, fmt.Errorf("clearing overlays: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOverlay(sc scanner) (Overlay, error) {
	var (
		o                    Overlay
		id, kind, detections string
		createdAt, updatedAt string
	)
	err := sc.Scan(&id, &kind, &o.Extent.South, &o.Extent.North, &o.Extent.West, &o.Extent.East,
		&o.Content.Image, &detections, &o.Opacity, &createdAt, &updatedAt)
	if err != nil {
		return Overlay{}, err
	}
	o.Handle = overlay.Handle(id)
	o.Kind = overlay.Kind(kind)
	if err := json.Unmarshal([]byte(detections), &o.Content.Detections); err != nil {
		return Overlay{}, fmt.Errorf("decoding detections of %s: %w", id, err)
	}
	if len(o.Content.Detections) == 0 {
		o.Content.Detections = nil
	}
	if o.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return Overlay{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if o.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return Overlay{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return o, nil
}

func encodeDetections(d []analysis.DetectionPolygon) (string, error) {
	if len(d) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encoding detections: %w", err)
	}
	return string(b), nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

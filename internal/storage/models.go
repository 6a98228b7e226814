package storage

import (
	"errors"
	"time"

	"github.com/kalambet/minewatch/internal/geo"
	"github.com/kalambet/minewatch/internal/overlay"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Overlay is one drawn tile overlay.
type Overlay struct {
	Handle    overlay.Handle
	Kind      overlay.Kind
	Extent    geo.Extent
	Content   overlay.Content
	Opacity   float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Watch records one watched analysis and how it ended.
type Watch struct {
	ID         string
	JobID      string
	State      string // "polling", "completed", "failed", "cancelled"
	Percent    int
	Tiles      int
	Detections int
	Error      string
	StartedAt  time.Time
	EndedAt    time.Time // zero while polling
}

// Package analysis holds the canonical records produced by a remote
// mining-detection analysis and the normalizer that builds them from the
// loosely shaped JSON the analysis API returns.
package analysis

import (
	"errors"
	"time"

	"github.com/paulmach/orb"
)

// ErrUnauthorized marks a transport-level authentication failure. Callers
// treat it as transient: the transport is expected to renew the session
// before the next request.
var ErrUnauthorized = errors.New("unauthorized")

// Status is the lifecycle stage reported by the analysis API.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusValidating   Status = "validating"
	StatusFetching     Status = "fetching"
	StatusLoadingModel Status = "loading_model"
	StatusInferring    Status = "inferring"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Known reports whether s is one of the statuses the API documents.
func (s Status) Known() bool {
	switch s {
	case StatusInitializing, StatusValidating, StatusFetching, StatusLoadingModel,
		StatusInferring, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further progress is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DetectionPolygon is one detected mining area inside a tile. Rings holds the
// outer ring followed by any holes, each as [lon, lat] pairs.
type DetectionPolygon struct {
	Rings             [][][2]float64 `json:"rings"`
	Name              string         `json:"name,omitempty"`
	AreaSquareMeters  float64        `json:"area_m2"`
	AverageConfidence float64        `json:"avg_confidence"`
	IsMerged          bool           `json:"is_merged"`
}

// Geometry converts the rings into an orb polygon.
func (p DetectionPolygon) Geometry() orb.Polygon {
	poly := make(orb.Polygon, 0, len(p.Rings))
	for _, ring := range p.Rings {
		r := make(orb.Ring, len(ring))
		for i, pt := range ring {
			r[i] = orb.Point{pt[0], pt[1]}
		}
		poly = append(poly, r)
	}
	return poly
}

// TileRecord is the canonical form of one processed tile.
type TileRecord struct {
	ID                   string             `json:"id"`
	Index                int                `json:"index"`
	BoundsCorners        [][2]float64       `json:"bounds"`
	BaseImage            string             `json:"base_image,omitempty"`
	ProbabilityMap       string             `json:"probability_map,omitempty"`
	Detections           []DetectionPolygon `json:"detections,omitempty"`
	MiningDetected       bool               `json:"mining_detected"`
	MiningPercentage     float64            `json:"mining_percentage"`
	Confidence           float64            `json:"confidence"`
	CloudCoveragePercent float64            `json:"cloud_coverage"`
	CapturedAt           time.Time          `json:"captured_at,omitzero"`
}

// Snapshot is one poll response. Snapshots are treated as immutable values;
// consumers diff them against their own retained state.
type Snapshot struct {
	Status          Status       `json:"status"`
	ProgressPercent int          `json:"progress"`
	Message         string       `json:"message"`
	TotalTiles      *int         `json:"total_tiles,omitempty"`
	TilesFetched    *int         `json:"tiles_fetched,omitempty"`
	AreaKm2         *float64     `json:"area_km2,omitempty"`
	Tiles           []TileRecord `json:"tiles"`
	ErrorMessage    string       `json:"error,omitempty"`

	// Seq is the receipt order assigned by the poller; zero means unsequenced.
	Seq        uint64    `json:"seq"`
	ReceivedAt time.Time `json:"received_at,omitzero"`
}

// MiningTiles counts tiles flagged with detected mining activity.
func (s Snapshot) MiningTiles() int {
	n := 0
	for _, t := range s.Tiles {
		if t.MiningDetected {
			n++
		}
	}
	return n
}

// DetectionCount is the total number of detection polygons across tiles.
func (s Snapshot) DetectionCount() int {
	n := 0
	for _, t := range s.Tiles {
		n += len(t.Detections)
	}
	return n
}

// MaxMiningPercentage returns the highest per-tile mining percentage.
func (s Snapshot) MaxMiningPercentage() float64 {
	var m float64
	for _, t := range s.Tiles {
		if t.MiningPercentage > m {
			m = t.MiningPercentage
		}
	}
	return m
}

// Package geo computes rectangular extents for analysis tiles.
//
// Extents are plain min/max folds over longitude and latitude. There is no
// projection and no antimeridian handling: a tile that straddles ±180° gets
// an extent spanning the whole globe.
package geo

import (
	"fmt"

	"github.com/paulmach/orb"
)

// Extent is a rectangular geographic region in degrees.
type Extent struct {
	South float64 `json:"south"`
	North float64 `json:"north"`
	West  float64 `json:"west"`
	East  float64 `json:"east"`
}

// ComputeExtent folds a tile's corner list ([lon, lat] pairs, open or closed
// ring) into an extent. Fewer than two distinct points produce a degenerate
// extent rather than an error; an empty list produces the zero extent.
func ComputeExtent(corners [][2]float64) Extent {
	if len(corners) == 0 {
		return Extent{}
	}
	mp := make(orb.MultiPoint, len(corners))
	for i, c := range corners {
		mp[i] = orb.Point{c[0], c[1]}
	}
	return FromBound(mp.Bound())
}

// FromBound converts an orb bound (X = lon, Y = lat) into an extent.
func FromBound(b orb.Bound) Extent {
	return Extent{
		South: b.Min.Lat(),
		North: b.Max.Lat(),
		West:  b.Min.Lon(),
		East:  b.Max.Lon(),
	}
}

// Bound returns the extent as an orb bound.
func (e Extent) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{e.West, e.South},
		Max: orb.Point{e.East, e.North},
	}
}

// Width is the east-west span in degrees.
func (e Extent) Width() float64 { return e.East - e.West }

// Height is the north-south span in degrees.
func (e Extent) Height() float64 { return e.North - e.South }

// Degenerate reports whether the extent has zero width or zero height.
func (e Extent) Degenerate() bool {
	return e.Width() <= 0 || e.Height() <= 0
}

// Hash returns a stable string for change detection.
func (e Extent) Hash() string {
	return fmt.Sprintf("%.7f,%.7f,%.7f,%.7f", e.South, e.North, e.West, e.East)
}

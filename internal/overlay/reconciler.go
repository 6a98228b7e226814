// Package overlay keeps rendered map overlays in step with the tile list of
// the latest analysis snapshot.
//
// Reconciler is the family-agnostic engine: it owns a key→handle table and
// turns each new tile list into create/update/dispose calls. Layer binds the
// engine to a Surface for one overlay family.
package overlay

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/kalambet/minewatch/internal/analysis"
	"github.com/kalambet/minewatch/internal/geo"
)

// Entry is the reconciler's record of one rendered tile.
type Entry[H any] struct {
	Key     string
	Handle  H
	Opacity float64
	Hash    string
}

// Funcs are the family-specific hooks the engine drives.
type Funcs[H any] struct {
	// Present selects the tiles this family renders.
	Present func(analysis.TileRecord) bool
	// Fingerprint identifies the rendered payload; a change triggers Update.
	Fingerprint func(analysis.TileRecord) string
	Render      func(analysis.TileRecord, geo.Extent, float64) (H, error)
	Update      func(H, analysis.TileRecord, geo.Extent, float64) error
	Dispose     func(H) error
}

// Result counts what one reconciliation pass did.
type Result struct {
	Created   int
	Updated   int
	Unchanged int
	Disposed  int
	Skipped   int
	Failed    int
}

// Changed reports whether the pass touched the surface.
func (r Result) Changed() bool {
	return r.Created+r.Updated+r.Disposed > 0
}

// Reconciler owns the handles it creates and disposes each exactly once.
// It is not safe for concurrent use; callers serialize passes.
type Reconciler[H any] struct {
	name    string
	entries map[string]*Entry[H]
	logger  *slog.Logger
}

// NewReconciler creates an empty engine. name only labels log lines.
func NewReconciler[H any](name string, logger *slog.Logger) *Reconciler[H] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler[H]{
		name:    name,
		entries: make(map[string]*Entry[H]),
		logger:  logger.With("layer", name),
	}
}

// Len returns the number of tracked entries.
func (r *Reconciler[H]) Len() int { return len(r.entries) }

// Keys returns the tracked tile ids in sorted order.
func (r *Reconciler[H]) Keys() []string {
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entry returns a copy of the entry for key.
func (r *Reconciler[H]) Entry(key string) (Entry[H], bool) {
	e, ok := r.entries[key]
	if !ok {
		return Entry[H]{}, false
	}
	return *e, true
}

// Reconcile brings the entry table into agreement with tiles.
//
// When visible is false every entry is disposed and the table cleared. When
// visible, tiles failing Present are ignored, tiles with empty or degenerate
// bounds are skipped, known ids are updated only if their bounds, payload or
// opacity changed, and ids no longer present are disposed. A failing hook
// affects only its own tile.
func (r *Reconciler[H]) Reconcile(tiles []analysis.TileRecord, visible bool, opacity float64, fns Funcs[H]) Result {
	if !visible {
		return r.disposeAll(fns.Dispose)
	}

	var res Result
	incoming := collapse(tiles, fns.Present)
	seen := make(map[string]struct{}, len(incoming))

	for _, tile := range incoming {
		seen[tile.ID] = struct{}{}

		if len(tile.BoundsCorners) == 0 {
			r.logger.Debug("skipping tile without bounds", "tile", tile.ID)
			res.Skipped++
			continue
		}
		extent := geo.ComputeExtent(tile.BoundsCorners)
		if extent.Degenerate() {
			r.logger.Debug("skipping tile with degenerate extent", "tile", tile.ID, "extent", extent.Hash())
			res.Skipped++
			continue
		}

		hash := extent.Hash()
		if fns.Fingerprint != nil {
			hash += "|" + fns.Fingerprint(tile)
		}

		if e, ok := r.entries[tile.ID]; ok {
			if e.Hash == hash && e.Opacity == opacity {
				res.Unchanged++
				continue
			}
			err := guard(func() error { return fns.Update(e.Handle, tile, extent, opacity) })
			if err != nil {
				r.logger.Warn("overlay update failed", "tile", tile.ID, "error", err)
				res.Failed++
				continue
			}
			e.Hash = hash
			e.Opacity = opacity
			res.Updated++
			continue
		}

		var h H
		err := guard(func() error {
			var rerr error
			h, rerr = fns.Render(tile, extent, opacity)
			return rerr
		})
		if err != nil {
			r.logger.Warn("overlay render failed", "tile", tile.ID, "error", err)
			res.Failed++
			continue
		}
		r.entries[tile.ID] = &Entry[H]{Key: tile.ID, Handle: h, Opacity: opacity, Hash: hash}
		res.Created++
	}

	for _, key := range r.Keys() {
		if _, ok := seen[key]; ok {
			continue
		}
		r.dispose(key, fns.Dispose, &res)
	}
	return res
}

func (r *Reconciler[H]) disposeAll(dispose func(H) error) Result {
	var res Result
	for _, key := range r.Keys() {
		r.dispose(key, dispose, &res)
	}
	return res
}

// dispose releases one handle and always drops the entry, so a handle is
// never disposed twice even when the surface reports an error.
func (r *Reconciler[H]) dispose(key string, dispose func(H) error, res *Result) {
	e := r.entries[key]
	delete(r.entries, key)
	if err := guard(func() error { return dispose(e.Handle) }); err != nil {
		r.logger.Warn("overlay dispose failed", "tile", key, "error", err)
		res.Failed++
		return
	}
	res.Disposed++
}

// collapse resolves duplicate ids to the later tile, keeping the position of
// the first occurrence, and then filters by present. A later record without
// the family payload therefore hides an earlier one that had it.
func collapse(tiles []analysis.TileRecord, present func(analysis.TileRecord) bool) []analysis.TileRecord {
	pos := make(map[string]int, len(tiles))
	merged := make([]analysis.TileRecord, 0, len(tiles))
	for _, t := range tiles {
		if i, ok := pos[t.ID]; ok {
			merged[i] = t
			continue
		}
		pos[t.ID] = len(merged)
		merged = append(merged, t)
	}
	if present == nil {
		return merged
	}

	out := merged[:0]
	for _, t := range merged {
		if present(t) {
			out = append(out, t)
		}
	}
	return out
}

// guard runs fn, converting a panic in a rendering hook into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}

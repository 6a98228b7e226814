package overlay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/kalambet/minewatch/internal/analysis"
	"github.com/kalambet/minewatch/internal/geo"
	"github.com/kalambet/minewatch/internal/metrics"
)

// Kind names an overlay family.
type Kind string

const (
	KindImagery Kind = "imagery"
	KindHeatmap Kind = "heatmap"
	KindPolygon Kind = "polygon"
)

// Kinds lists the families in drawing order, bottom first.
var Kinds = []Kind{KindImagery, KindHeatmap, KindPolygon}

// ParseKind validates a family name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown overlay kind %q", s)
}

// Handle is an opaque reference to an overlay held by a Surface.
type Handle string

// Content is the payload drawn for one tile. Raster families carry an
// encoded image; the polygon family carries detection geometry.
type Content struct {
	Image      string                      `json:"image,omitempty"`
	Detections []analysis.DetectionPolygon `json:"detections,omitempty"`
}

// Surface is the rendering capability overlays are drawn on.
type Surface interface {
	AddOverlay(ctx context.Context, kind Kind, extent geo.Extent, content Content, opacity float64) (Handle, error)
	UpdateOverlay(ctx context.Context, h Handle, extent geo.Extent, content Content, opacity float64) error
	RemoveOverlay(ctx context.Context, h Handle) error
}

// Present reports whether a tile carries data for the given family.
func Present(kind Kind, t analysis.TileRecord) bool {
	switch kind {
	case KindImagery:
		return t.BaseImage != ""
	case KindHeatmap:
		return t.ProbabilityMap != ""
	case KindPolygon:
		return len(t.Detections) > 0
	}
	return false
}

// ContentFor extracts the family payload from a tile.
func ContentFor(kind Kind, t analysis.TileRecord) Content {
	switch kind {
	case KindImagery:
		return Content{Image: t.BaseImage}
	case KindHeatmap:
		return Content{Image: t.ProbabilityMap}
	case KindPolygon:
		return Content{Detections: t.Detections}
	}
	return Content{}
}

func fingerprint(c Content) string {
	h := sha256.New()
	h.Write([]byte(c.Image))
	if len(c.Detections) > 0 {
		b, _ := json.Marshal(c.Detections)
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil)[:12])
}

// Layer reconciles one overlay family against a Surface.
type Layer struct {
	kind    Kind
	surface Surface
	engine  *Reconciler[Handle]
}

// NewLayer creates an empty layer for kind drawing on surface.
func NewLayer(kind Kind, surface Surface, logger *slog.Logger) *Layer {
	return &Layer{
		kind:    kind,
		surface: surface,
		engine:  NewReconciler[Handle](string(kind), logger),
	}
}

// Kind returns the family this layer draws.
func (l *Layer) Kind() Kind { return l.kind }

// Len returns the number of overlays currently held.
func (l *Layer) Len() int { return l.engine.Len() }

// Keys returns the tile ids currently drawn.
func (l *Layer) Keys() []string { return l.engine.Keys() }

// Reconcile draws tiles on the surface. opacity is clamped to [0, 1].
func (l *Layer) Reconcile(ctx context.Context, tiles []analysis.TileRecord, visible bool, opacity float64) Result {
	opacity = math.Max(0, math.Min(1, opacity))
	res := l.engine.Reconcile(tiles, visible, opacity, l.funcs(ctx))
	l.record(res)
	return res
}

// Release disposes every overlay this layer holds.
func (l *Layer) Release(ctx context.Context) Result {
	return l.Reconcile(ctx, nil, false, 0)
}

func (l *Layer) funcs(ctx context.Context) Funcs[Handle] {
	return Funcs[Handle]{
		Present: func(t analysis.TileRecord) bool { return Present(l.kind, t) },
		Fingerprint: func(t analysis.TileRecord) string {
			return fingerprint(ContentFor(l.kind, t))
		},
		Render: func(t analysis.TileRecord, e geo.Extent, opacity float64) (Handle, error) {
			return l.surface.AddOverlay(ctx, l.kind, e, ContentFor(l.kind, t), opacity)
		},
		Update: func(h Handle, t analysis.TileRecord, e geo.Extent, opacity float64) error {
			return l.surface.UpdateOverlay(ctx, h, e, ContentFor(l.kind, t), opacity)
		},
		Dispose: func(h Handle) error {
			return l.surface.RemoveOverlay(ctx, h)
		},
	}
}

func (l *Layer) record(res Result) {
	name := string(l.kind)
	counts := map[string]int{
		"created":  res.Created,
		"updated":  res.Updated,
		"disposed": res.Disposed,
		"skipped":  res.Skipped,
		"failed":   res.Failed,
	}
	for action, n := range counts {
		if n > 0 {
			metrics.OverlayActionsTotal.WithLabelValues(name, action).Add(float64(n))
		}
	}
	metrics.OverlaysActive.WithLabelValues(name).Set(float64(l.engine.Len()))
}

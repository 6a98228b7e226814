package analysis

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
)

// Field spellings accepted from the analysis API, primary key first.
var (
	tileIDKeys         = []string{"id", "tile_id", "tileId"}
	tileIndexKeys      = []string{"index", "tile_index", "tileIndex"}
	boundsKeys         = []string{"bounds", "corners", "bounds_corners", "boundsCorners", "geometry"}
	baseImageKeys      = []string{"image_base64", "imageBase64", "base_image", "baseImage", "rgb_image", "image"}
	probabilityMapKeys = []string{"probability_map_base64", "probabilityMapBase64", "probability_map", "probabilityMap", "heatmap"}
	polygonKeys        = []string{"mining_polygons", "miningPolygons", "polygons", "detections"}
	miningDetectedKeys = []string{"mining_detected", "miningDetected"}
	miningPercentKeys  = []string{"mining_percentage", "miningPercentage"}
	confidenceKeys     = []string{"confidence", "mining_confidence", "avg_confidence"}
	cloudKeys          = []string{"cloud_coverage", "cloudCoverage", "cloud_coverage_percent"}
	capturedAtKeys     = []string{"timestamp", "captured_at", "capturedAt", "acquisition_date"}

	polygonNameKeys       = []string{"name", "label", "id"}
	polygonAreaKeys       = []string{"area_m2", "area_sq_m", "areaSquareMeters", "area"}
	polygonConfidenceKeys = []string{"avg_confidence", "average_confidence", "averageConfidence", "confidence"}
	polygonMergedKeys     = []string{"is_merged", "isMerged", "merged"}

	statusKeys       = []string{"status", "state"}
	progressKeys     = []string{"progress", "progress_percent", "progressPercent"}
	messageKeys      = []string{"message", "current_step", "currentStep"}
	totalTilesKeys   = []string{"total_tiles", "totalTiles"}
	tilesFetchedKeys = []string{"tiles_fetched", "tilesFetched", "tiles_processed", "tilesProcessed"}
	areaKeys         = []string{"area_km2", "areaKm2"}
	tilesKeys        = []string{"tiles", "tile_results", "tileResults", "results.tiles"}
	errorKeys        = []string{"error", "error_message", "errorMessage"}
)

// DecodeSnapshot reads one JSON status payload and normalizes it. Only a
// syntactically invalid or non-object body is an error; every field-level
// problem degrades to a zero value.
func DecodeSnapshot(r io.Reader) (Snapshot, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return Snapshot{}, fmt.Errorf("decoding status payload: %w", err)
	}
	if raw == nil {
		return Snapshot{}, fmt.Errorf("decoding status payload: empty body")
	}
	if _, ok := lookup(raw, statusKeys...); !ok {
		if inner, ok := raw["data"].(map[string]any); ok {
			raw = inner
		}
	}
	return NormalizeSnapshot(raw), nil
}

// NormalizeSnapshot maps a raw status payload into a Snapshot. Tile entries
// that are not objects are skipped; tiles sharing an id collapse into the
// later record, kept at the earlier position.
func NormalizeSnapshot(raw map[string]any) Snapshot {
	s := Snapshot{
		Status:          normalizeStatus(stringField(raw, statusKeys...)),
		ProgressPercent: clampInt(intField(raw, progressKeys...), 0, 100),
		Message:         stringField(raw, messageKeys...),
		ErrorMessage:    errorField(raw),
	}
	if v, ok := lookupInt(raw, totalTilesKeys...); ok {
		s.TotalTiles = &v
	}
	if v, ok := lookupInt(raw, tilesFetchedKeys...); ok {
		s.TilesFetched = &v
	}
	if v, ok := lookupFloat(raw, areaKeys...); ok {
		s.AreaKm2 = &v
	}

	list, _ := lookup(raw, tilesKeys...)
	items, _ := list.([]any)
	tiles := make([]TileRecord, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			slog.Debug("skipping malformed tile entry", "index", i, "type", fmt.Sprintf("%T", item))
			continue
		}
		tiles = append(tiles, NormalizeTile(m, i))
	}
	s.Tiles = dedupeTiles(tiles)
	return s
}

// NormalizeTile maps one raw tile payload into a TileRecord. It never fails:
// missing or mistyped fields become zero values and malformed detection
// polygons are dropped individually.
func NormalizeTile(raw map[string]any, index int) TileRecord {
	t := TileRecord{
		Index:                index,
		BaseImage:            stringField(raw, baseImageKeys...),
		ProbabilityMap:       stringField(raw, probabilityMapKeys...),
		MiningDetected:       boolField(raw, miningDetectedKeys...),
		MiningPercentage:     clampFloat(floatField(raw, miningPercentKeys...), 0, 100),
		Confidence:           clampFloat(floatField(raw, confidenceKeys...), 0, 1),
		CloudCoveragePercent: floatField(raw, cloudKeys...),
		CapturedAt:           timeField(raw, capturedAtKeys...),
	}
	if v, ok := lookupInt(raw, tileIndexKeys...); ok {
		t.Index = v
	}

	t.ID = stringField(raw, tileIDKeys...)
	if t.ID == "" {
		t.ID = fmt.Sprintf("tile-%d", index)
	}

	if v, ok := lookup(raw, boundsKeys...); ok {
		t.BoundsCorners = parseCorners(v)
	}

	if v, ok := lookup(raw, polygonKeys...); ok {
		t.Detections = parseDetections(t.ID, v)
	}
	return t
}

func dedupeTiles(tiles []TileRecord) []TileRecord {
	pos := make(map[string]int, len(tiles))
	out := make([]TileRecord, 0, len(tiles))
	for _, t := range tiles {
		if i, ok := pos[t.ID]; ok {
			out[i] = t
			continue
		}
		pos[t.ID] = len(out)
		out = append(out, t)
	}
	return out
}

func normalizeStatus(s string) Status {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return StatusInitializing
	}
	return Status(s)
}

func errorField(raw map[string]any) string {
	v, ok := lookup(raw, errorKeys...)
	if !ok {
		return ""
	}
	switch e := v.(type) {
	case string:
		return strings.TrimSpace(e)
	case map[string]any:
		return stringField(e, "message", "detail")
	}
	return ""
}

// --- corners and geometry ---

// parseCorners accepts a [[lon, lat], ...] list, a list of {lon, lat}
// objects, or a GeoJSON-style object whose first coordinate ring is used.
func parseCorners(v any) [][2]float64 {
	switch c := v.(type) {
	case map[string]any:
		if coords, ok := c["coordinates"].([]any); ok && len(coords) > 0 {
			if ring, ok := coords[0].([]any); ok && isPointList(ring) {
				return parseCorners(ring)
			}
			return parseCorners(coords)
		}
		return nil
	case []any:
		out := make([][2]float64, 0, len(c))
		for _, p := range c {
			if pt, ok := parsePoint(p); ok {
				out = append(out, pt)
			}
		}
		return out
	}
	return nil
}

func isPointList(v []any) bool {
	if len(v) == 0 {
		return false
	}
	_, ok := parsePoint(v[0])
	return ok
}

func parsePoint(v any) ([2]float64, bool) {
	switch p := v.(type) {
	case []any:
		if len(p) < 2 {
			return [2]float64{}, false
		}
		lon, ok1 := toFloat(p[0])
		lat, ok2 := toFloat(p[1])
		if !ok1 || !ok2 {
			return [2]float64{}, false
		}
		return [2]float64{lon, lat}, true
	case map[string]any:
		lon, ok1 := lookupFloat(p, "lon", "lng", "longitude", "x")
		lat, ok2 := lookupFloat(p, "lat", "latitude", "y")
		if !ok1 || !ok2 {
			return [2]float64{}, false
		}
		return [2]float64{lon, lat}, true
	}
	return [2]float64{}, false
}

func parseDetections(tileID string, v any) []DetectionPolygon {
	items, ok := v.([]any)
	if !ok {
		if m, isMap := v.(map[string]any); isMap {
			// A FeatureCollection in place of a plain list.
			items, ok = m["features"].([]any)
		}
		if !ok {
			return nil
		}
	}

	var out []DetectionPolygon
	for i, item := range items {
		polys, err := parseDetection(item)
		if err != nil {
			slog.Debug("dropping malformed detection polygon", "tile", tileID, "index", i, "error", err)
			continue
		}
		out = append(out, polys...)
	}
	return out
}

// parseDetection accepts a GeoJSON Feature, a bare Polygon/MultiPolygon
// geometry, or an object carrying coordinates next to its properties. A
// MultiPolygon yields one DetectionPolygon per part.
func parseDetection(item any) ([]DetectionPolygon, error) {
	m, ok := item.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected %T", item)
	}

	geom := m
	props := m
	if g, ok := m["geometry"].(map[string]any); ok {
		geom = g
		if p, ok := m["properties"].(map[string]any); ok {
			props = p
		}
	}

	coords, ok := geom["coordinates"].([]any)
	if !ok || len(coords) == 0 {
		return nil, fmt.Errorf("missing coordinates")
	}

	base := DetectionPolygon{
		Name:              stringField(props, polygonNameKeys...),
		AreaSquareMeters:  floatField(props, polygonAreaKeys...),
		AverageConfidence: clampFloat(floatField(props, polygonConfidenceKeys...), 0, 1),
		IsMerged:          boolField(props, polygonMergedKeys...),
	}

	var parts []any
	if strings.EqualFold(stringField(geom, "type"), "MultiPolygon") {
		parts = coords
	} else {
		parts = []any{coords}
	}

	out := make([]DetectionPolygon, 0, len(parts))
	for _, part := range parts {
		rings, err := parseRings(part)
		if err != nil {
			return nil, err
		}
		p := base
		p.Rings = rings
		out = append(out, p)
	}
	return out, nil
}

func parseRings(v any) ([][][2]float64, error) {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("missing rings")
	}
	rings := make([][][2]float64, 0, len(list))
	for i, r := range list {
		pts, ok := r.([]any)
		if !ok {
			return nil, fmt.Errorf("ring %d is %T", i, r)
		}
		if len(pts) < 3 {
			return nil, fmt.Errorf("ring %d has %d points", i, len(pts))
		}
		ring := make([][2]float64, len(pts))
		for j, p := range pts {
			pt, ok := parsePoint(p)
			if !ok {
				return nil, fmt.Errorf("ring %d point %d is malformed", i, j)
			}
			ring[j] = pt
		}
		rings = append(rings, ring)
	}
	return rings, nil
}

// --- scalar lookups ---

// lookup returns the first present, non-nil value among keys. A key with a
// dot descends into nested objects.
func lookup(raw map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := lookupPath(raw, k); ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func lookupPath(raw map[string]any, key string) (any, bool) {
	head, rest, nested := strings.Cut(key, ".")
	v, ok := raw[head]
	if !ok || !nested {
		return v, ok
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return lookupPath(m, rest)
}

func stringField(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := lookupPath(raw, k)
		if !ok || v == nil {
			continue
		}
		switch s := v.(type) {
		case string:
			if s != "" {
				return s
			}
		case json.Number:
			return s.String()
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64)
		}
	}
	return ""
}

func floatField(raw map[string]any, keys ...string) float64 {
	v, _ := lookupFloat(raw, keys...)
	return v
}

func lookupFloat(raw map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := lookupPath(raw, k)
		if !ok {
			continue
		}
		if f, ok := toFloat(v); ok {
			return f, true
		}
	}
	return 0, false
}

func intField(raw map[string]any, keys ...string) int {
	v, _ := lookupInt(raw, keys...)
	return v
}

func lookupInt(raw map[string]any, keys ...string) (int, bool) {
	f, ok := lookupFloat(raw, keys...)
	if !ok {
		return 0, false
	}
	switch f = math.Round(f); {
	case math.IsNaN(f):
		return 0, false
	case f >= math.MaxInt:
		return math.MaxInt, true
	case f <= math.MinInt:
		return math.MinInt, true
	}
	return int(f), true
}

func boolField(raw map[string]any, keys ...string) bool {
	for _, k := range keys {
		v, ok := lookupPath(raw, k)
		if !ok || v == nil {
			continue
		}
		switch b := v.(type) {
		case bool:
			return b
		case string:
			if parsed, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
				return parsed
			}
		default:
			if f, ok := toFloat(b); ok {
				return f != 0
			}
		}
	}
	return false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func timeField(raw map[string]any, keys ...string) time.Time {
	for _, k := range keys {
		v, ok := lookupPath(raw, k)
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			for _, layout := range timeLayouts {
				if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
					return t.UTC()
				}
			}
			continue
		}
		if secs, ok := toFloat(v); ok && secs > 0 {
			return time.Unix(int64(secs), 0).UTC()
		}
	}
	return time.Time{}
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(hi, v))
}

package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/kalambet/minewatch/internal/analysis"
	"github.com/kalambet/minewatch/internal/geo"
	"github.com/kalambet/minewatch/internal/overlay"
)

// Store must satisfy the rendering surface.
var _ overlay.Surface = (*Store)(nil)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same directory and verifies
// no migration is applied twice.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()
	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if !reflect.DeepEqual(v1, v2) {
		t.Errorf("applied migrations changed: %v -> %v", v1, v2)
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if want := []int{1, 2}; !reflect.DeepEqual(versions, want) {
		t.Errorf("versions = %v, want %v", versions, want)
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	for _, idx := range []string{"idx_overlays_kind", "idx_watches_started"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestParseMigrationVersion(t *testing.T) {
	if v, err := parseMigrationVersion("012_add_things.sql"); err != nil || v != 12 {
		t.Errorf("parseMigrationVersion = %d, %v", v, err)
	}
	if _, err := parseMigrationVersion("readme.sql"); err == nil {
		t.Error("expected error for unnumbered file")
	}
}

var testExtent = geo.Extent{South: 20, North: 21, West: 10, East: 11}

func TestOverlayRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	content := overlay.Content{Detections: []analysis.DetectionPolygon{{
		Rings:            [][][2]float64{{{10, 20}, {10.5, 20}, {10.5, 20.5}, {10, 20}}},
		AreaSquareMeters: 1200,
		IsMerged:         true,
	}}}
	h, err := s.AddOverlay(ctx, overlay.KindPolygon, testExtent, content, 0.8)
	if err != nil {
		t.Fatalf("AddOverlay: %v", err)
	}
	if h == "" {
		t.Fatal("empty handle")
	}

	got, err := s.GetOverlay(ctx, h)
	if err != nil {
		t.Fatalf("GetOverlay: %v", err)
	}
	if got.Kind != overlay.KindPolygon || got.Extent != testExtent || got.Opacity != 0.8 {
		t.Errorf("overlay = %+v", got)
	}
	if !reflect.DeepEqual(got.Content, content) {
		t.Errorf("content = %+v, want %+v", got.Content, content)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
}

func TestUpdateOverlay(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	h, err := s.AddOverlay(ctx, overlay.KindHeatmap, testExtent, overlay.Content{Image: "v1"}, 0.6)
	if err != nil {
		t.Fatalf("AddOverlay: %v", err)
	}
	moved := geo.Extent{South: 0, North: 1, West: 0, East: 1}
	if err := s.UpdateOverlay(ctx, h, moved, overlay.Content{Image: "v2"}, 0.3); err != nil {
		t.Fatalf("UpdateOverlay: %v", err)
	}

	got, _ := s.GetOverlay(ctx, h)
	if got.Extent != moved || got.Content.Image != "v2" || got.Opacity != 0.3 {
		t.Errorf("overlay after update = %+v", got)
	}
	if got.Content.Detections != nil {
		t.Errorf("detections = %v, want nil", got.Content.Detections)
	}
}

func TestUpdateAndRemoveUnknownHandle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpdateOverlay(ctx, "missing", testExtent, overlay.Content{}, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateOverlay err = %v, want ErrNotFound", err)
	}
	if err := s.RemoveOverlay(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RemoveOverlay err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetOverlay(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOverlay err = %v, want ErrNotFound", err)
	}
}

func TestListAndCountOverlays(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	kinds := []overlay.Kind{overlay.KindImagery, overlay.KindHeatmap, overlay.KindImagery, overlay.KindPolygon}
	var handles []overlay.Handle
	for _, k := range kinds {
		h, err := s.AddOverlay(ctx, k, testExtent, overlay.Content{Image: string(k)}, 1)
		if err != nil {
			t.Fatalf("AddOverlay: %v", err)
		}
		handles = append(handles, h)
	}

	all, err := s.ListOverlays(ctx, "")
	if err != nil {
		t.Fatalf("ListOverlays: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d overlays, want 4", len(all))
	}
	for i, o := range all {
		if o.Handle != handles[i] {
			t.Errorf("overlay %d handle = %s, want insertion order", i, o.Handle)
		}
	}

	imagery, _ := s.ListOverlays(ctx, overlay.KindImagery)
	if len(imagery) != 2 {
		t.Errorf("imagery overlays = %d, want 2", len(imagery))
	}

	counts, err := s.CountOverlays(ctx)
	if err != nil {
		t.Fatalf("CountOverlays: %v", err)
	}
	want := map[overlay.Kind]int{overlay.KindImagery: 2, overlay.KindHeatmap: 1, overlay.KindPolygon: 1}
	if !reflect.DeepEqual(counts, want) {
		t.Errorf("counts = %v, want %v", counts, want)
	}

	if err := s.RemoveOverlay(ctx, handles[0]); err != nil {
		t.Fatalf("RemoveOverlay: %v", err)
	}
	n, err := s.ClearOverlays(ctx)
	if err != nil || n != 3 {
		t.Errorf("ClearOverlays = %d, %v; want 3", n, err)
	}
}

// TestStoreAsLayerSurface drives a real layer against the store.
func TestStoreAsLayerSurface(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	layer := overlay.NewLayer(overlay.KindImagery, s, nil)

	tile := func(id string, x float64) analysis.TileRecord {
		return analysis.TileRecord{
			ID:            id,
			BoundsCorners: [][2]float64{{x, 0}, {x + 1, 0}, {x + 1, 1}, {x, 1}},
			BaseImage:     "img-" + id,
		}
	}

	layer.Reconcile(ctx, []analysis.TileRecord{tile("a", 0), tile("b", 1)}, true, 1)
	layer.Reconcile(ctx, []analysis.TileRecord{tile("b", 1), tile("c", 2)}, true, 1)

	stored, _ := s.ListOverlays(ctx, overlay.KindImagery)
	var images []string
	for _, o := range stored {
		images = append(images, o.Content.Image)
	}
	if want := []string{"img-b", "img-c"}; !reflect.DeepEqual(images, want) {
		t.Errorf("stored images = %v, want %v", images, want)
	}

	layer.Release(ctx)
	if counts, _ := s.CountOverlays(ctx); len(counts) != 0 {
		t.Errorf("overlays after release = %v", counts)
	}
}

func TestWatchLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w, err := s.StartWatch(ctx, "job-1")
	if err != nil {
		t.Fatalf("StartWatch: %v", err)
	}
	got, err := s.GetWatch(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWatch: %v", err)
	}
	if got.State != "polling" || !got.EndedAt.IsZero() {
		t.Errorf("new watch = %+v", got)
	}

	w.State, w.Percent, w.Tiles, w.Detections = "completed", 100, 12, 5
	if err := s.FinishWatch(ctx, w); err != nil {
		t.Fatalf("FinishWatch: %v", err)
	}
	got, _ = s.GetWatch(ctx, w.ID)
	if got.State != "completed" || got.Percent != 100 || got.Tiles != 12 || got.Detections != 5 {
		t.Errorf("finished watch = %+v", got)
	}
	if got.EndedAt.IsZero() {
		t.Error("ended_at not set")
	}

	if err := s.FinishWatch(ctx, Watch{ID: "missing", State: "failed"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishWatch(missing) err = %v, want ErrNotFound", err)
	}
}

func TestRecentWatches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		if _, err := s.StartWatch(ctx, id); err != nil {
			t.Fatalf("StartWatch: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	recent, err := s.RecentWatches(ctx, 2)
	if err != nil {
		t.Fatalf("RecentWatches: %v", err)
	}
	if len(recent) != 2 || recent[0].JobID != "job-3" || recent[1].JobID != "job-2" {
		t.Errorf("recent = %+v", recent)
	}
}

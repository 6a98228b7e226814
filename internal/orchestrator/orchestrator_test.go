package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/minewatch/internal/analysis"
	"github.com/kalambet/minewatch/internal/geo"
	"github.com/kalambet/minewatch/internal/overlay"
	"github.com/kalambet/minewatch/internal/poller"
)

type reply struct {
	snap analysis.Snapshot
	err  error
}

// feedFetcher answers each status request with the next value sent on feed.
type feedFetcher struct {
	feed  chan reply
	stops atomic.Int32
	jobs  sync.Map
}

func newFeedFetcher() *feedFetcher {
	return &feedFetcher{feed: make(chan reply)}
}

func (f *feedFetcher) FetchStatus(ctx context.Context, id string) (analysis.Snapshot, error) {
	f.jobs.Store(id, true)
	select {
	case r := <-f.feed:
		if ctx.Err() != nil {
			// Hand the reply to whichever poller asks next.
			go func() { f.feed <- r }()
			return analysis.Snapshot{}, ctx.Err()
		}
		return r.snap, r.err
	case <-ctx.Done():
		return analysis.Snapshot{}, ctx.Err()
	}
}

func (f *feedFetcher) StopAnalysis(context.Context, string) error {
	f.stops.Add(1)
	return nil
}

func (f *feedFetcher) send(t *testing.T, r reply) {
	t.Helper()
	select {
	case f.feed <- r:
	case <-time.After(3 * time.Second):
		t.Fatal("poller never requested status")
	}
}

type fakeSurface struct {
	mu      sync.Mutex
	seq     int
	live    map[overlay.Handle]overlay.Kind
	opacity map[overlay.Handle]float64
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{
		live:    make(map[overlay.Handle]overlay.Kind),
		opacity: make(map[overlay.Handle]float64),
	}
}

func (s *fakeSurface) AddOverlay(_ context.Context, kind overlay.Kind, _ geo.Extent, _ overlay.Content, opacity float64) (overlay.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	h := overlay.Handle(fmt.Sprintf("h%d", s.seq))
	s.live[h] = kind
	s.opacity[h] = opacity
	return h, nil
}

func (s *fakeSurface) UpdateOverlay(_ context.Context, h overlay.Handle, _ geo.Extent, _ overlay.Content, opacity float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opacity[h] = opacity
	return nil
}

func (s *fakeSurface) RemoveOverlay(_ context.Context, h overlay.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, h)
	delete(s.opacity, h)
	return nil
}

func (s *fakeSurface) count(kind overlay.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range s.live {
		if k == kind {
			n++
		}
	}
	return n
}

func (s *fakeSurface) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// eventLog collects orchestrator events on channels for synchronization.
type eventLog struct {
	progress  chan int
	completes chan analysis.Snapshot
	errs      chan string
	cancels   atomic.Int32
}

func newEventLog() *eventLog {
	return &eventLog{
		progress:  make(chan int, 64),
		completes: make(chan analysis.Snapshot, 4),
		errs:      make(chan string, 4),
	}
}

func (e *eventLog) events() Events {
	return Events{
		OnProgress:  func(pct int, _ string) { e.progress <- pct },
		OnComplete:  func(s analysis.Snapshot) { e.completes <- s },
		OnError:     func(msg string) { e.errs <- msg },
		OnCancelled: func() { e.cancels.Add(1) },
	}
}

func (e *eventLog) waitProgress(t *testing.T, want int) {
	t.Helper()
	select {
	case got := <-e.progress:
		if got != want {
			t.Fatalf("progress = %d, want %d", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no progress event, want %d", want)
	}
}

func testOptions() Options {
	return Options{
		Poll: poller.Options{
			Interval:       5 * time.Millisecond,
			InitialDelay:   time.Millisecond,
			RequestTimeout: time.Minute,
		},
		SettleDelay:  40 * time.Millisecond,
		TickInterval: 5 * time.Millisecond,
	}
}

func resultTile(id string, x float64) analysis.TileRecord {
	return analysis.TileRecord{
		ID:             id,
		BoundsCorners:  [][2]float64{{x, 0}, {x + 1, 0}, {x + 1, 1}, {x, 1}},
		BaseImage:      "base-" + id,
		ProbabilityMap: "prob-" + id,
		MiningDetected: true,
		Detections: []analysis.DetectionPolygon{{
			Rings: [][][2]float64{{{x, 0}, {x + 0.5, 0}, {x + 0.5, 0.5}, {x, 0}}},
		}},
	}
}

func snapshot(status analysis.Status, pct int, tiles ...analysis.TileRecord) analysis.Snapshot {
	return analysis.Snapshot{Status: status, ProgressPercent: pct, Tiles: tiles}
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("channel not closed")
	}
}

func TestResultsGatedByThreshold(t *testing.T) {
	f, surface, ev := newFeedFetcher(), newFakeSurface(), newEventLog()
	o := New(f, surface, testOptions(), ev.events())
	ctx := context.Background()
	if err := o.Start(ctx, "job-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { o.Close(ctx) })

	tiles := []analysis.TileRecord{resultTile("a", 0), resultTile("b", 1)}

	f.send(t, reply{snap: snapshot(analysis.StatusInferring, ResultsThreshold-1, tiles...)})
	ev.waitProgress(t, ResultsThreshold-1)
	if surface.count(overlay.KindImagery) != 2 {
		t.Errorf("imagery overlays = %d, want 2", surface.count(overlay.KindImagery))
	}
	if surface.count(overlay.KindHeatmap) != 0 || surface.count(overlay.KindPolygon) != 0 {
		t.Error("result layers drawn below threshold")
	}
	if v := o.View(); v.ResultsVisible || v.Layers[overlay.KindHeatmap].Shown {
		t.Errorf("view reports results visible at %d%%", v.Percent)
	}

	f.send(t, reply{snap: snapshot(analysis.StatusInferring, ResultsThreshold, tiles...)})
	ev.waitProgress(t, ResultsThreshold)
	if surface.count(overlay.KindHeatmap) != 2 || surface.count(overlay.KindPolygon) != 2 {
		t.Errorf("heatmap=%d polygon=%d, want 2/2 at threshold",
			surface.count(overlay.KindHeatmap), surface.count(overlay.KindPolygon))
	}
}

func TestCompletionSettlesThenReleases(t *testing.T) {
	f, surface, ev := newFeedFetcher(), newFakeSurface(), newEventLog()
	o := New(f, surface, testOptions(), ev.events())
	ctx := context.Background()
	o.Start(ctx, "job-1")

	f.send(t, reply{snap: snapshot(analysis.StatusCompleted, 100, resultTile("a", 0))})
	ev.waitProgress(t, 100)

	if surface.total() != 3 {
		t.Errorf("overlays before settle = %d, want 3", surface.total())
	}
	select {
	case <-ev.completes:
		t.Fatal("OnComplete delivered before the settle delay")
	default:
	}

	var final analysis.Snapshot
	select {
	case final = <-ev.completes:
	case <-time.After(3 * time.Second):
		t.Fatal("OnComplete not delivered")
	}
	if len(final.Tiles) != 1 {
		t.Errorf("final snapshot tiles = %d", len(final.Tiles))
	}
	waitClosed(t, o.Done())

	if surface.total() != 0 {
		t.Errorf("overlays after completion = %d, want 0", surface.total())
	}
	select {
	case <-ev.completes:
		t.Error("OnComplete delivered twice")
	case <-time.After(60 * time.Millisecond):
	}
	v := o.View()
	if v.State != "completed" || v.StepLabel != "Complete" {
		t.Errorf("view = %+v", v)
	}
}

func TestErrorReleasesImmediately(t *testing.T) {
	f, surface, ev := newFeedFetcher(), newFakeSurface(), newEventLog()
	o := New(f, surface, testOptions(), ev.events())
	o.Start(context.Background(), "job-1")

	f.send(t, reply{snap: snapshot(analysis.StatusFetching, 30, resultTile("a", 0))})
	ev.waitProgress(t, 30)
	if surface.total() != 1 {
		t.Fatalf("overlays = %d, want 1", surface.total())
	}

	f.send(t, reply{err: errors.New("Analysis job not found")})
	select {
	case msg := <-ev.errs:
		if msg != "Analysis job not found" {
			t.Errorf("error message = %q", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnError not delivered")
	}
	waitClosed(t, o.Done())
	if surface.total() != 0 {
		t.Errorf("overlays after error = %d, want 0", surface.total())
	}
	if v := o.View(); v.State != "failed" || v.Error != "Analysis job not found" {
		t.Errorf("view = %+v", v)
	}
}

func TestOlderSnapshotDiscarded(t *testing.T) {
	surface, ev := newFakeSurface(), newEventLog()
	o := New(newFeedFetcher(), surface, testOptions(), ev.events())
	s := &session{
		ctx:      context.Background(),
		jobID:    "job-1",
		stopTick: func() {},
		state:    poller.Polling,
		done:     make(chan struct{}),
	}
	o.session = s

	newer := snapshot(analysis.StatusFetching, 50, resultTile("a", 0))
	newer.Seq = 2
	o.onSnapshot(s, newer)
	ev.waitProgress(t, 50)

	older := snapshot(analysis.StatusValidating, 20, resultTile("a", 0), resultTile("b", 2))
	older.Seq = 1
	o.onSnapshot(s, older)

	// A replayed sequence number is stale too.
	replay := snapshot(analysis.StatusInferring, 90)
	replay.Seq = 2
	o.onSnapshot(s, replay)

	select {
	case pct := <-ev.progress:
		t.Fatalf("stale snapshot delivered progress %d", pct)
	default:
	}
	v := o.View()
	if v.Percent != 50 || v.Status != analysis.StatusFetching || v.Tiles != 1 {
		t.Errorf("view = percent %d status %s tiles %d, want the seq 2 snapshot", v.Percent, v.Status, v.Tiles)
	}
	if got := surface.count(overlay.KindImagery); got != 1 {
		t.Errorf("imagery overlays = %d, want 1", got)
	}
	if got := v.Layers[overlay.KindImagery].Overlays; got != 1 {
		t.Errorf("imagery layer holds %d overlays, want 1", got)
	}
}

func TestCancelIsReentrant(t *testing.T) {
	f, surface, ev := newFeedFetcher(), newFakeSurface(), newEventLog()
	o := New(f, surface, testOptions(), ev.events())
	ctx := context.Background()
	o.Start(ctx, "job-1")

	f.send(t, reply{snap: snapshot(analysis.StatusFetching, 20, resultTile("a", 0))})
	ev.waitProgress(t, 20)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Cancel(ctx)
		}()
	}
	wg.Wait()
	waitClosed(t, o.Done())

	if f.stops.Load() != 1 {
		t.Errorf("stop requests = %d, want 1", f.stops.Load())
	}
	if ev.cancels.Load() != 1 {
		t.Errorf("OnCancelled calls = %d, want 1", ev.cancels.Load())
	}
	if surface.total() != 0 {
		t.Errorf("overlays after cancel = %d, want 0", surface.total())
	}
}

func TestCancelWithoutSession(t *testing.T) {
	o := New(newFeedFetcher(), newFakeSurface(), testOptions(), Events{})
	if err := o.Cancel(context.Background()); err != nil {
		t.Errorf("Cancel: %v", err)
	}
	waitClosed(t, o.Done())
}

func TestSetLayer(t *testing.T) {
	f, surface, ev := newFeedFetcher(), newFakeSurface(), newEventLog()
	o := New(f, surface, testOptions(), ev.events())
	ctx := context.Background()
	o.Start(ctx, "job-1")
	t.Cleanup(func() { o.Close(ctx) })

	f.send(t, reply{snap: snapshot(analysis.StatusInferring, 90, resultTile("a", 0), resultTile("b", 1))})
	ev.waitProgress(t, 90)

	if err := o.SetLayer(overlay.KindHeatmap, false, 0.6); err != nil {
		t.Fatalf("SetLayer: %v", err)
	}
	if surface.count(overlay.KindHeatmap) != 0 {
		t.Errorf("heatmap overlays after hide = %d", surface.count(overlay.KindHeatmap))
	}
	if surface.count(overlay.KindPolygon) != 2 {
		t.Error("hiding heatmap must not touch polygons")
	}

	if err := o.SetLayer(overlay.KindHeatmap, true, 0.25); err != nil {
		t.Fatalf("SetLayer: %v", err)
	}
	if surface.count(overlay.KindHeatmap) != 2 {
		t.Errorf("heatmap overlays after show = %d", surface.count(overlay.KindHeatmap))
	}
	if got := o.View().Layers[overlay.KindHeatmap]; got.Opacity != 0.25 || got.Overlays != 2 {
		t.Errorf("heatmap view = %+v", got)
	}

	if err := o.SetLayer(overlay.Kind("terrain"), true, 1); err == nil {
		t.Error("expected error for unknown layer")
	}
	if err := o.SetLayer(overlay.KindPolygon, true, 1.5); err == nil {
		t.Error("expected error for opacity out of range")
	}
}

func TestStartReplacesSession(t *testing.T) {
	f, surface, ev := newFeedFetcher(), newFakeSurface(), newEventLog()
	o := New(f, surface, testOptions(), ev.events())
	ctx := context.Background()

	o.Start(ctx, "job-a")
	f.send(t, reply{snap: snapshot(analysis.StatusFetching, 10, resultTile("a", 0))})
	ev.waitProgress(t, 10)
	oldDone := o.Done()

	if err := o.Start(ctx, "job-b"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { o.Close(ctx) })
	waitClosed(t, oldDone)

	if surface.total() != 0 {
		t.Errorf("overlays from replaced session = %d, want 0", surface.total())
	}
	if f.stops.Load() != 0 {
		t.Error("replacing a session must not cancel the old job remotely")
	}

	f.send(t, reply{snap: snapshot(analysis.StatusFetching, 15, resultTile("b", 5))})
	ev.waitProgress(t, 15)
	if v := o.View(); v.JobID != "job-b" || v.Percent != 15 {
		t.Errorf("view = %+v", v)
	}
	if _, ok := f.jobs.Load("job-b"); !ok {
		t.Error("new job was never polled")
	}
}

func TestViewTracksStepsAndElapsed(t *testing.T) {
	f, surface, ev := newFeedFetcher(), newFakeSurface(), newEventLog()
	o := New(f, surface, testOptions(), ev.events())
	ctx := context.Background()

	if v := o.View(); v.State != "idle" || v.StepLabel != Steps[0].Label {
		t.Errorf("idle view = %+v", v)
	}

	o.Start(ctx, "job-1")
	t.Cleanup(func() { o.Close(ctx) })

	total, fetched := 12, 4
	snap := snapshot(analysis.StatusLoadingModel, 40, resultTile("a", 0))
	snap.TotalTiles, snap.TilesFetched = &total, &fetched
	f.send(t, reply{snap: snap})
	ev.waitProgress(t, 40)

	time.Sleep(30 * time.Millisecond)
	v := o.View()
	if v.Step != 3 || v.StepLabel != "Loading model" {
		t.Errorf("step = %d %q, want 3 Loading model", v.Step, v.StepLabel)
	}
	if v.Elapsed <= 0 {
		t.Error("elapsed did not advance")
	}
	if *v.TotalTiles != 12 || *v.TilesFetched != 4 {
		t.Errorf("tile counts = %d/%d", *v.TilesFetched, *v.TotalTiles)
	}
	if v.MiningTiles != 1 || v.Detections != 1 {
		t.Errorf("summary = %d mining tiles, %d detections", v.MiningTiles, v.Detections)
	}

	// A status outside the step list keeps the current step.
	f.send(t, reply{snap: snapshot("queued", 41)})
	ev.waitProgress(t, 41)
	if v := o.View(); v.Step != 3 || v.Status != "queued" {
		t.Errorf("step after unknown status = %d, status %q", v.Step, v.Status)
	}
}

func TestStepIndex(t *testing.T) {
	tests := []struct {
		status analysis.Status
		prev   int
		want   int
	}{
		{analysis.StatusInitializing, 3, 0},
		{analysis.StatusFetching, 0, 2},
		{analysis.StatusInferring, 0, 4},
		{analysis.StatusCompleted, 4, 5},
		{analysis.StatusFailed, 2, 2},
		{analysis.StatusCancelled, 4, 4},
		{"unknown", 1, 1},
	}
	for _, tt := range tests {
		if got := StepIndex(tt.status, tt.prev); got != tt.want {
			t.Errorf("StepIndex(%q, %d) = %d, want %d", tt.status, tt.prev, got, tt.want)
		}
	}
}

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00"},
		{59 * time.Second, "00:59"},
		{61 * time.Second, "01:01"},
		{75*time.Minute + 3*time.Second, "75:03"},
		{-time.Second, "00:00"},
	}
	for _, tt := range tests {
		if got := FormatElapsed(tt.in); got != tt.want {
			t.Errorf("FormatElapsed(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStartRejectsEmptyJob(t *testing.T) {
	o := New(newFeedFetcher(), newFakeSurface(), testOptions(), Events{})
	if err := o.Start(context.Background(), ""); err == nil {
		t.Error("expected error for empty job id")
	}
}

// Package orchestrator ties a status poller to the three overlay layers and
// exposes the progress of the watched analysis.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/minewatch/internal/analysis"
	"github.com/kalambet/minewatch/internal/overlay"
	"github.com/kalambet/minewatch/internal/poller"
)

// ResultsThreshold is the progress percent at which the heatmap and polygon
// layers are revealed. Below it only imagery is drawn.
const ResultsThreshold = 80

const (
	DefaultSettleDelay  = 1500 * time.Millisecond
	DefaultTickInterval = time.Second
)

// Options configure an Orchestrator. Zero values select the defaults.
type Options struct {
	Poll         poller.Options
	SettleDelay  time.Duration
	TickInterval time.Duration
	Layers       map[overlay.Kind]LayerSettings
	Logger       *slog.Logger
}

// Events are delivered to the caller. Any of them may be nil.
type Events struct {
	OnProgress  func(percent int, message string)
	OnComplete  func(analysis.Snapshot)
	OnError     func(message string)
	OnCancelled func()
}

// session is the state of one watched job.
type session struct {
	ctx      context.Context
	jobID    string
	poller   *poller.Poller
	stopTick context.CancelFunc
	settle   *time.Timer

	state    poller.State
	latest   analysis.Snapshot
	lastSeq  uint64
	step     int
	elapsed  time.Duration
	errMsg   string
	done     chan struct{}
	doneOnce sync.Once
}

func (s *session) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Orchestrator runs at most one session at a time. Snapshot application,
// layer changes and views are serialized by its mutex.
type Orchestrator struct {
	fetcher poller.Fetcher
	opts    Options
	events  Events
	logger  *slog.Logger
	layers  map[overlay.Kind]*overlay.Layer

	mu       sync.Mutex
	settings map[overlay.Kind]LayerSettings
	session  *session
}

// New creates an idle Orchestrator drawing on surface.
func New(fetcher poller.Fetcher, surface overlay.Surface, opts Options, events Events) *Orchestrator {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Poll.Logger == nil {
		opts.Poll.Logger = logger
	}

	o := &Orchestrator{
		fetcher:  fetcher,
		opts:     opts,
		events:   events,
		logger:   logger,
		layers:   make(map[overlay.Kind]*overlay.Layer, len(overlay.Kinds)),
		settings: make(map[overlay.Kind]LayerSettings, len(overlay.Kinds)),
	}
	for _, kind := range overlay.Kinds {
		o.layers[kind] = overlay.NewLayer(kind, surface, logger)
		set, ok := opts.Layers[kind]
		if !ok {
			set = DefaultLayers[kind]
		}
		o.settings[kind] = set
	}
	return o
}

// Start watches jobID, replacing any session already running. The previous
// session is stopped without a remote cancel and its overlays released.
func (o *Orchestrator) Start(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("starting analysis watch: empty job id")
	}
	o.teardown(ctx)

	tickCtx, stopTick := context.WithCancel(ctx)
	s := &session{
		ctx:      ctx,
		jobID:    jobID,
		stopTick: stopTick,
		state:    poller.Polling,
		done:     make(chan struct{}),
	}
	s.poller = poller.New(o.fetcher, o.opts.Poll, poller.Handlers{
		OnSnapshot:  func(snap analysis.Snapshot) { o.onSnapshot(s, snap) },
		OnComplete:  func(snap analysis.Snapshot) { o.onComplete(s, snap) },
		OnError:     func(msg string) { o.onError(s, msg) },
		OnCancelled: func() { o.onCancelled(s) },
	})

	o.mu.Lock()
	o.session = s
	o.mu.Unlock()

	if err := s.poller.Start(jobID); err != nil {
		stopTick()
		o.mu.Lock()
		o.session = nil
		o.mu.Unlock()
		return fmt.Errorf("starting poller: %w", err)
	}
	go o.tick(tickCtx, s)
	o.logger.Info("watching analysis", "job_id", jobID)
	return nil
}

// teardown stops the current session, if any, and releases its overlays.
func (o *Orchestrator) teardown(ctx context.Context) {
	o.mu.Lock()
	old := o.session
	o.session = nil
	o.mu.Unlock()
	if old == nil {
		return
	}

	old.poller.Stop()
	old.stopTick()
	o.mu.Lock()
	if old.settle != nil {
		old.settle.Stop()
	}
	o.releaseLocked(ctx)
	o.mu.Unlock()
	old.finish()
	o.logger.Debug("previous session replaced", "job_id", old.jobID)
}

// Close stops watching without contacting the API and releases all overlays.
func (o *Orchestrator) Close(ctx context.Context) {
	o.teardown(ctx)
}

// Cancel asks the API to stop the current job and releases the overlays.
// Repeated or concurrent calls result in a single stop request.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	o.mu.Lock()
	s := o.session
	o.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.poller.Cancel(ctx)
}

// Done is closed when the current session has ended and its final event has
// been delivered. Without a session the returned channel is already closed.
func (o *Orchestrator) Done() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return o.session.done
}

// SetLayer changes a layer's visibility and opacity and redraws it against
// the latest snapshot.
func (o *Orchestrator) SetLayer(kind overlay.Kind, visible bool, opacity float64) error {
	if _, ok := o.layers[kind]; !ok {
		return fmt.Errorf("unknown layer %q", kind)
	}
	if opacity < 0 || opacity > 1 {
		return fmt.Errorf("opacity %v out of range [0, 1]", opacity)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.settings[kind] = LayerSettings{Visible: visible, Opacity: opacity}
	if s := o.session; s != nil && s.state == poller.Polling && s.lastSeq > 0 {
		o.reconcileLocked(s, kind)
	}
	return nil
}

// Layer returns the current settings for kind.
func (o *Orchestrator) Layer(kind overlay.Kind) LayerSettings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings[kind]
}

func (o *Orchestrator) onSnapshot(s *session, snap analysis.Snapshot) {
	o.mu.Lock()
	if o.session != s || snap.Seq <= s.lastSeq {
		o.mu.Unlock()
		return
	}
	s.lastSeq = snap.Seq
	s.latest = snap
	s.step = StepIndex(snap.Status, s.step)
	for _, kind := range overlay.Kinds {
		o.reconcileLocked(s, kind)
	}
	o.mu.Unlock()

	if o.events.OnProgress != nil {
		o.events.OnProgress(snap.ProgressPercent, snap.Message)
	}
}

func (o *Orchestrator) onComplete(s *session, snap analysis.Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != s {
		return
	}
	s.state = poller.Completed
	s.step = len(Steps) - 1
	s.stopTick()
	s.settle = time.AfterFunc(o.opts.SettleDelay, func() { o.deliver(s, snap) })
}

// deliver hands the final snapshot to the caller once the settle delay has
// passed, then clears the overlays.
func (o *Orchestrator) deliver(s *session, snap analysis.Snapshot) {
	o.mu.Lock()
	current := o.session == s
	o.mu.Unlock()
	if !current {
		return
	}

	o.logger.Info("analysis results ready", "job_id", s.jobID, "tiles", len(snap.Tiles), "detections", snap.DetectionCount())
	if o.events.OnComplete != nil {
		o.events.OnComplete(snap)
	}

	o.mu.Lock()
	if o.session == s {
		o.releaseLocked(s.ctx)
	}
	o.mu.Unlock()
	s.finish()
}

func (o *Orchestrator) onError(s *session, msg string) {
	o.mu.Lock()
	if o.session != s {
		o.mu.Unlock()
		return
	}
	s.state = poller.Failed
	s.errMsg = msg
	s.stopTick()
	o.releaseLocked(s.ctx)
	o.mu.Unlock()

	o.logger.Warn("analysis failed", "job_id", s.jobID, "error", msg)
	if o.events.OnError != nil {
		o.events.OnError(msg)
	}
	s.finish()
}

func (o *Orchestrator) onCancelled(s *session) {
	o.mu.Lock()
	if o.session != s {
		o.mu.Unlock()
		return
	}
	s.state = poller.Cancelled
	s.stopTick()
	o.releaseLocked(s.ctx)
	o.mu.Unlock()

	if o.events.OnCancelled != nil {
		o.events.OnCancelled()
	}
	s.finish()
}

// reconcileLocked draws one layer from the session's latest snapshot. Result
// layers stay hidden until progress reaches ResultsThreshold.
func (o *Orchestrator) reconcileLocked(s *session, kind overlay.Kind) {
	set := o.settings[kind]
	visible := set.Visible
	if kind != overlay.KindImagery {
		visible = visible && s.latest.ProgressPercent >= ResultsThreshold
	}
	o.layers[kind].Reconcile(s.ctx, s.latest.Tiles, visible, set.Opacity)
}

func (o *Orchestrator) releaseLocked(ctx context.Context) {
	for _, kind := range overlay.Kinds {
		o.layers[kind].Release(context.WithoutCancel(ctx))
	}
}

// tick advances the elapsed counter while the session is polling,
// independent of whether polls succeed.
func (o *Orchestrator) tick(ctx context.Context, s *session) {
	t := time.NewTicker(o.opts.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.mu.Lock()
			if s.state == poller.Polling {
				s.elapsed += o.opts.TickInterval
			}
			o.mu.Unlock()
		}
	}
}

// View returns a snapshot of the current session for display.
func (o *Orchestrator) View() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()

	p := Progress{
		State:  poller.Idle.String(),
		Layers: make(map[overlay.Kind]LayerView, len(overlay.Kinds)),
	}
	s := o.session
	if s != nil {
		snap := s.latest
		p.JobID = s.jobID
		p.State = s.state.String()
		p.Status = snap.Status
		p.Percent = snap.ProgressPercent
		p.Message = snap.Message
		p.Step = s.step
		p.Elapsed = s.elapsed
		p.TotalTiles = snap.TotalTiles
		p.TilesFetched = snap.TilesFetched
		p.AreaKm2 = snap.AreaKm2
		p.Tiles = len(snap.Tiles)
		p.MiningTiles = snap.MiningTiles()
		p.Detections = snap.DetectionCount()
		p.MaxMiningPercentage = snap.MaxMiningPercentage()
		p.ResultsVisible = snap.ProgressPercent >= ResultsThreshold
		p.Error = s.errMsg
	}
	p.StepLabel = Steps[p.Step].Label
	p.ElapsedSeconds = int(p.Elapsed / time.Second)
	p.ElapsedText = FormatElapsed(p.Elapsed)

	for _, kind := range overlay.Kinds {
		set := o.settings[kind]
		p.Layers[kind] = LayerView{
			LayerSettings: set,
			Shown:         set.Visible && (kind == overlay.KindImagery || p.ResultsVisible),
			Overlays:      o.layers[kind].Len(),
		}
	}
	return p
}

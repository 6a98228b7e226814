// Package poller watches one remote analysis job until it reaches a terminal
// state.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/minewatch/internal/analysis"
	"github.com/kalambet/minewatch/internal/metrics"
)

const (
	DefaultInterval       = 5 * time.Second
	DefaultInitialDelay   = 1 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

// ErrNotIdle is returned by Start on a poller that already ran.
var ErrNotIdle = errors.New("poller already started")

// Fetcher is the remote analysis API as seen by the poller.
type Fetcher interface {
	FetchStatus(ctx context.Context, id string) (analysis.Snapshot, error)
	StopAnalysis(ctx context.Context, id string) error
}

// Options tune the poll loop. Zero values select the defaults.
type Options struct {
	Interval       time.Duration
	InitialDelay   time.Duration
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Handlers receive poller events. Any of them may be nil.
type Handlers struct {
	OnSnapshot  func(analysis.Snapshot)
	OnComplete  func(analysis.Snapshot)
	OnError     func(message string)
	OnCancelled func()
}

// Poller issues periodic status requests for one job. A Poller is single-use:
// once it leaves Polling it cannot be restarted.
type Poller struct {
	fetcher  Fetcher
	opts     Options
	handlers Handlers
	logger   *slog.Logger

	mu         sync.Mutex
	state      State
	jobID      string
	stopping   bool
	cancelLoop context.CancelFunc
	loopDone   chan struct{}

	done     chan struct{}
	doneOnce sync.Once
}

// New creates an idle Poller.
func New(fetcher Fetcher, opts Options, handlers Handlers) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultInitialDelay
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		fetcher:  fetcher,
		opts:     opts,
		handlers: handlers,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start begins polling jobID in a background goroutine.
func (p *Poller) Start(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("starting poller: empty job id")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !canTransition(p.state, Polling) {
		return ErrNotIdle
	}
	p.state = Polling
	p.jobID = jobID

	ctx, cancel := context.WithCancel(context.Background())
	p.cancelLoop = cancel
	p.loopDone = make(chan struct{})
	p.logger = p.logger.With("job_id", jobID)
	go p.run(ctx, jobID)
	return nil
}

// State returns the current lifecycle state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// JobID returns the job being watched, or "" before Start.
func (p *Poller) JobID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jobID
}

// Done is closed once the poller is terminal and its final event returned.
func (p *Poller) Done() <-chan struct{} { return p.done }

// Cancel stops polling and asks the API to stop the job. Only the first call
// on a polling poller has an effect; later or concurrent calls return nil.
// The stop request is best effort: its error is logged and returned, and the
// poller ends Cancelled either way. Cancel must not be called from a handler.
func (p *Poller) Cancel(ctx context.Context) error {
	jobID, ok := p.halt(ctx)
	if !ok {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	defer cancel()
	stopErr := p.fetcher.StopAnalysis(stopCtx, jobID)
	if stopErr != nil {
		p.logger.Warn("remote stop failed", "error", stopErr)
		stopErr = fmt.Errorf("stopping analysis %s: %w", jobID, stopErr)
	}

	if p.transition(Cancelled) {
		p.logger.Info("analysis cancelled")
		if p.handlers.OnCancelled != nil {
			p.handlers.OnCancelled()
		}
	}
	p.finish()
	return stopErr
}

// Stop ends polling locally without contacting the API or calling handlers.
func (p *Poller) Stop() {
	if _, ok := p.halt(context.Background()); !ok {
		return
	}
	p.transition(Cancelled)
	p.finish()
}

// halt claims the right to end a polling poller and waits for the loop to
// exit. It reports false if the poller is not polling or already stopping.
func (p *Poller) halt(ctx context.Context) (string, bool) {
	p.mu.Lock()
	if p.state != Polling || p.stopping {
		p.mu.Unlock()
		return "", false
	}
	p.stopping = true
	jobID, cancel, loopDone := p.jobID, p.cancelLoop, p.loopDone
	p.mu.Unlock()

	cancel()
	select {
	case <-loopDone:
	case <-ctx.Done():
	}
	return jobID, true
}

// transition moves to a terminal state. Once a halt is in progress only
// Cancelled is accepted, so a late response cannot complete the job.
func (p *Poller) transition(to State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !canTransition(p.state, to) {
		return false
	}
	if p.stopping && to != Cancelled {
		return false
	}
	p.state = to
	metrics.TerminalTotal.WithLabelValues(to.String()).Inc()
	return true
}

func (p *Poller) finish() {
	p.doneOnce.Do(func() { close(p.done) })
}

type response struct {
	seq      uint64
	snap     analysis.Snapshot
	err      error
	duration time.Duration
}

func (p *Poller) run(ctx context.Context, jobID string) {
	defer close(p.loopDone)

	results := make(chan response, 1)
	var (
		issued    uint64
		inFlight  bool
		reqCancel context.CancelFunc
	)
	defer func() {
		if reqCancel != nil {
			reqCancel()
		}
	}()

	poll := func() {
		if inFlight {
			p.logger.Debug("skipping tick, request in flight")
			return
		}
		issued++
		seq := issued
		inFlight = true
		rctx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
		reqCancel = cancel
		go func() {
			start := time.Now()
			snap, err := p.fetcher.FetchStatus(rctx, jobID)
			results <- response{seq: seq, snap: snap, err: err, duration: time.Since(start)}
		}()
	}

	first := time.NewTimer(p.opts.InitialDelay)
	defer first.Stop()
	var (
		ticker *time.Ticker
		tick   <-chan time.Time
	)
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-first.C:
			ticker = time.NewTicker(p.opts.Interval)
			tick = ticker.C
			poll()
		case <-tick:
			poll()
		case r := <-results:
			inFlight = false
			reqCancel()
			reqCancel = nil
			metrics.PollDurationMs.Observe(float64(r.duration.Milliseconds()))

			if r.seq != issued || ctx.Err() != nil {
				metrics.PollsTotal.WithLabelValues("discarded").Inc()
				p.logger.Debug("discarding stale response", "seq", r.seq)
				continue
			}
			if p.apply(ctx, r) {
				return
			}
		}
	}
}

// apply handles one current response. It reports true when the poller
// reached a terminal state.
func (p *Poller) apply(ctx context.Context, r response) bool {
	if r.err != nil {
		switch {
		case errors.Is(r.err, analysis.ErrUnauthorized):
			metrics.PollsTotal.WithLabelValues("unauthorized").Inc()
			p.logger.Warn("status poll unauthorized, retrying next tick")
			return false
		case ctx.Err() != nil:
			metrics.PollsTotal.WithLabelValues("discarded").Inc()
			return true
		}
		metrics.PollsTotal.WithLabelValues("error").Inc()
		p.logger.Error("status poll failed", "error", r.err)
		if p.transition(Failed) {
			if p.handlers.OnError != nil {
				p.handlers.OnError(r.err.Error())
			}
			p.finish()
		}
		return true
	}

	metrics.PollsTotal.WithLabelValues("ok").Inc()
	snap := r.snap
	snap.Seq = r.seq
	snap.ReceivedAt = time.Now()
	metrics.JobProgress.Set(float64(snap.ProgressPercent))

	p.mu.Lock()
	live := p.state == Polling && !p.stopping
	p.mu.Unlock()
	if !live {
		return true
	}

	p.logger.Debug("status", "seq", snap.Seq, "status", snap.Status, "progress", snap.ProgressPercent, "tiles", len(snap.Tiles))
	if p.handlers.OnSnapshot != nil {
		p.handlers.OnSnapshot(snap)
	}

	next, message := Outcome(snap)
	switch next {
	case Completed:
		if p.transition(Completed) {
			p.logger.Info("analysis completed", "tiles", len(snap.Tiles))
			if p.handlers.OnComplete != nil {
				p.handlers.OnComplete(snap)
			}
			p.finish()
		}
		return true
	case Failed:
		if p.transition(Failed) {
			p.logger.Warn("analysis failed", "message", message)
			if p.handlers.OnError != nil {
				p.handlers.OnError(message)
			}
			p.finish()
		}
		return true
	case Cancelled:
		if p.transition(Cancelled) {
			p.logger.Info("analysis cancelled by server")
			if p.handlers.OnCancelled != nil {
				p.handlers.OnCancelled()
			}
			p.finish()
		}
		return true
	}
	return false
}

// Outcome evaluates a snapshot against the terminal rules, in order:
// completed status, failed status or error message, progress at 100,
// cancelled status. It returns Polling when the job is still running, and
// for Failed the message to report.
func Outcome(s analysis.Snapshot) (State, string) {
	switch {
	case s.Status == analysis.StatusCompleted:
		return Completed, ""
	case s.Status == analysis.StatusFailed || s.ErrorMessage != "":
		switch {
		case s.ErrorMessage != "":
			return Failed, s.ErrorMessage
		case s.Message != "":
			return Failed, s.Message
		}
		return Failed, "analysis failed"
	case s.ProgressPercent >= 100:
		return Completed, ""
	case s.Status == analysis.StatusCancelled:
		return Cancelled, ""
	}
	return Polling, ""
}

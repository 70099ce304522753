package connections

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/linkgate/internal/observability"
	"github.com/haasonsaas/linkgate/internal/rpc"
	"github.com/haasonsaas/linkgate/pkg/models"
)

const (
	// DefaultPollInterval is the gap between background polls.
	DefaultPollInterval = 45 * time.Second

	probeRequestTimeout      = 8000 * time.Millisecond
	probeCallTimeout         = 12000 * time.Millisecond
	backgroundRequestTimeout = 4000 * time.Millisecond
	backgroundCallTimeout    = 6000 * time.Millisecond
)

// StatusState is what readers of the aggregator see. Snapshot is the last
// successful poll and survives later failures.
type StatusState struct {
	Snapshot    *models.StatusSnapshot
	LastError   string
	LastSuccess time.Time
	Refreshing  bool
}

// AggregatorOptions configures a StatusAggregator.
type AggregatorOptions struct {
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Now      func() time.Time
}

// StatusAggregator polls providers.status on a fixed cadence and keeps the
// latest snapshot.
type StatusAggregator struct {
	caller   rpc.Caller
	interval time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	refreshing atomic.Bool

	// inFlight is closed when the running poll finishes; nil when idle.
	inFlightMu sync.Mutex
	inFlight   chan struct{}

	mu    sync.RWMutex
	state StatusState

	subMu   sync.Mutex
	subs    map[int]func(StatusState)
	nextSub int

	loopMu      sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	onFirstPoll func(context.Context)
}

// NewStatusAggregator returns an aggregator that has not started polling.
func NewStatusAggregator(caller rpc.Caller, opts AggregatorOptions) *StatusAggregator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusAggregator{
		caller:   caller,
		interval: opts.Interval,
		logger:   logger.With("component", "status-aggregator"),
		metrics:  opts.Metrics,
		now:      opts.Now,
		subs:     make(map[int]func(StatusState)),
	}
}

// OnFirstPoll registers fn to run once after the first poll of each Start,
// whatever its outcome. It must be set before Start.
func (a *StatusAggregator) OnFirstPoll(fn func(context.Context)) {
	a.loopMu.Lock()
	defer a.loopMu.Unlock()
	a.onFirstPoll = fn
}

// Start launches the polling loop unless it is already running. The first
// poll is a probe; later polls are background reads every interval.
func (a *StatusAggregator) Start(ctx context.Context) {
	a.loopMu.Lock()
	defer a.loopMu.Unlock()
	if a.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.cancel = cancel
	a.done = done
	firstPoll := a.onFirstPoll

	go func() {
		defer close(done)

		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()

		_ = a.firstProbe(loopCtx)
		if firstPoll != nil && loopCtx.Err() == nil {
			firstPoll(loopCtx)
		}

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if loopCtx.Err() != nil {
					return
				}
				_ = a.Refresh(loopCtx, false)
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit. No poll runs after Stop
// returns.
func (a *StatusAggregator) Stop() {
	a.loopMu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel = nil
	a.done = nil
	a.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Refresh performs one poll. It returns ErrBusy without calling the gateway
// when another poll is in flight. A failed poll keeps the previous snapshot
// and records the error.
func (a *StatusAggregator) Refresh(ctx context.Context, probe bool) error {
	if !a.refreshing.CompareAndSwap(false, true) {
		return ErrBusy
	}
	finished := make(chan struct{})
	a.inFlightMu.Lock()
	a.inFlight = finished
	a.inFlightMu.Unlock()
	defer func() {
		a.inFlightMu.Lock()
		a.inFlight = nil
		a.inFlightMu.Unlock()
		a.refreshing.Store(false)
		close(finished)
	}()

	requestTimeout, callTimeout := backgroundRequestTimeout, backgroundCallTimeout
	if probe {
		requestTimeout, callTimeout = probeRequestTimeout, probeCallTimeout
	}

	var snapshot models.StatusSnapshot
	err := a.caller.Call(ctx, models.MethodProvidersStatus, models.StatusParams{
		Probe:     probe,
		TimeoutMs: requestTimeout.Milliseconds(),
	}, callTimeout, &snapshot)
	a.metrics.RecordStatusPoll(probe, err == nil)

	if err != nil && ctx.Err() != nil {
		// Abandoned by Stop or by the caller; nothing to report.
		return err
	}

	a.mu.Lock()
	if err != nil {
		a.state.LastError = err.Error()
	} else {
		a.state.Snapshot = &snapshot
		a.state.LastError = ""
		a.state.LastSuccess = a.now()
	}
	state := a.state
	a.mu.Unlock()

	if err != nil {
		a.logger.Debug("status poll failed", "probe", probe, "error", err)
	}
	a.notify(state)
	return err
}

// firstProbe runs the loop's opening probe poll. A poll already in flight
// (a manual Refresh, or a background read) is waited out rather than
// counted, so the loop always opens with a probe of its own.
func (a *StatusAggregator) firstProbe(ctx context.Context) error {
	for {
		a.inFlightMu.Lock()
		running := a.inFlight
		a.inFlightMu.Unlock()

		err := a.Refresh(ctx, true)
		if !errors.Is(err, ErrBusy) {
			return err
		}
		if running == nil {
			// A poll started after the lookup; pick it up next pass.
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-running:
		}
	}
}

// State returns the current state.
func (a *StatusAggregator) State() StatusState {
	a.mu.RLock()
	state := a.state
	a.mu.RUnlock()
	state.Refreshing = a.refreshing.Load()
	return state
}

// Snapshot returns the last successful snapshot, or nil.
func (a *StatusAggregator) Snapshot() *models.StatusSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Snapshot
}

// Subscribe registers fn to receive the state after every completed poll.
// The returned func removes the subscription.
func (a *StatusAggregator) Subscribe(fn func(StatusState)) func() {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	return func() {
		a.subMu.Lock()
		defer a.subMu.Unlock()
		delete(a.subs, id)
	}
}

func (a *StatusAggregator) notify(state StatusState) {
	a.subMu.Lock()
	subs := make([]func(StatusState), 0, len(a.subs))
	for _, fn := range a.subs {
		subs = append(subs, fn)
	}
	a.subMu.Unlock()
	for _, fn := range subs {
		fn(state)
	}
}

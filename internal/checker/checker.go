package checker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"endpointwatch/internal/metrics"
	"endpointwatch/internal/models"
	"endpointwatch/internal/storage"
)

// ErrCheckInProgress is returned by TriggerCheck when the endpoint is
// already being probed.
var ErrCheckInProgress = errors.New("check already in progress")

// Prober checks one URL.
type Prober interface {
	Probe(ctx context.Context, url string) ProbeResult
}

// Notifier receives the events raised by state transitions.
type Notifier interface {
	Notify(ctx context.Context, evt models.Event) error
}

// Options configures a Checker.
type Options struct {
	// DefaultInterval is used when the stored settings carry no interval.
	DefaultInterval time.Duration
	MaxConcurrency  int
	// RemindWhileDown raises EventStillDown on every cycle an endpoint
	// stays down. The throttle still applies.
	RemindWhileDown bool
	// ShutdownGrace bounds how long Stop waits for in-flight probes.
	ShutdownGrace time.Duration
}

// Stats is a snapshot of scheduler activity.
type Stats struct {
	Running           bool          `json:"running"`
	Cycles            uint64        `json:"cycles"`
	LastCycleAt       time.Time     `json:"last_cycle_at"`
	LastCycleDuration time.Duration `json:"last_cycle_duration"`
	LastCycleChecked  int           `json:"last_cycle_checked"`
	Interval          time.Duration `json:"interval"`
}

// Checker periodically probes every endpoint, persists the outcome and
// raises notifications on transitions. Cycles run with a fixed delay: the
// next cycle starts one interval after the previous one finished.
type Checker struct {
	store    storage.Storer
	prober   Prober
	notifier Notifier
	pool     *WorkerPool
	inflight *EndpointLimiter
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	trigger chan struct{}

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}
	abandon context.CancelFunc
	stats   Stats
}

// New creates a new Checker. The worker pool is started immediately so
// RunCycle and TriggerCheck work without Start.
func New(store storage.Storer, prober Prober, notifier Notifier, opts Options, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = 10 * time.Second
	}
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 8
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}
	return &Checker{
		store:    store,
		prober:   prober,
		notifier: notifier,
		pool:     NewWorkerPool(opts.MaxConcurrency),
		inflight: NewEndpointLimiter(),
		opts:     opts,
		logger:   logger.With("component", "checker"),
		now:      func() time.Time { return time.Now().UTC() },
		trigger:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic checking process. It is a no-op if the checker
// is already running or has been stopped. Cancelling ctx stops the loop.
func (c *Checker) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || c.stopped {
		return
	}

	// in-flight work outlives ctx until Stop's grace period expires
	jobCtx, abandon := context.WithCancel(context.WithoutCancel(ctx))
	c.running = true
	c.stats.Running = true
	c.abandon = abandon
	c.done = make(chan struct{})

	c.logger.Info("starting background checker", "default_interval", c.opts.DefaultInterval.String(), "max_concurrency", c.opts.MaxConcurrency)
	go c.loop(ctx, jobCtx)
}

func (c *Checker) loop(ctx, jobCtx context.Context) {
	defer close(c.done)
	for {
		c.RunCycle(jobCtx)

		interval := c.interval(jobCtx)
		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-c.trigger:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.stopCh:
			timer.Stop()
			return
		}
	}
}

// Stop signals the loop to stop submitting work, waits up to the shutdown
// grace for in-flight probes, then abandons the rest. Safe to call more than
// once.
func (c *Checker) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopCh)
	wasRunning := c.running
	done, abandon := c.done, c.abandon
	c.mu.Unlock()

	if wasRunning {
		select {
		case <-done:
		case <-time.After(c.opts.ShutdownGrace):
			c.logger.Warn("shutdown grace expired, abandoning in-flight checks", "grace", c.opts.ShutdownGrace.String())
			abandon()
			<-done
		}
		abandon()
	}
	c.pool.Stop()

	c.mu.Lock()
	c.running = false
	c.stats.Running = false
	c.mu.Unlock()
	c.logger.Info("background checker stopped")
}

// TriggerAll wakes the loop so the next cycle starts now.
func (c *Checker) TriggerAll() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// TriggerCheck probes a single endpoint right away and returns its updated
// state.
func (c *Checker) TriggerCheck(ctx context.Context, id string) (*models.Endpoint, error) {
	if _, err := c.store.GetEndpoint(ctx, id); err != nil {
		return nil, err
	}
	if !c.checkEndpoint(ctx, id) {
		return nil, ErrCheckInProgress
	}
	return c.store.GetEndpoint(ctx, id)
}

// Stats returns a snapshot of scheduler activity.
func (c *Checker) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// RunCycle probes every endpoint once and returns when all probes of the
// cycle have finished. Errors are logged per endpoint.
func (c *Checker) RunCycle(ctx context.Context) {
	start := time.Now()
	endpoints, err := c.store.ListEndpoints(ctx)
	if err != nil {
		c.logger.Error("error fetching endpoints for checking", "error", err)
		return
	}

	var wg sync.WaitGroup
	submitted := 0
	for _, e := range endpoints {
		if c.stopping() {
			break
		}
		id := e.ID
		wg.Add(1)
		err := c.pool.Submit(ctx, func() {
			defer wg.Done()
			c.checkEndpoint(ctx, id)
		})
		if err != nil {
			wg.Done()
			c.logger.Warn("stopped submitting checks", "error", err)
			break
		}
		submitted++
	}
	wg.Wait()

	metrics.ObserveCycle(time.Since(start))
	c.mu.Lock()
	c.stats.Cycles++
	c.stats.LastCycleAt = start.UTC()
	c.stats.LastCycleDuration = time.Since(start)
	c.stats.LastCycleChecked = submitted
	c.mu.Unlock()
	c.logger.Debug("check cycle finished", "endpoints", len(endpoints), "checked", submitted, "duration", time.Since(start).String())
}

func (c *Checker) stopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// interval reads the check interval from settings on every cycle so that
// edits take effect without a restart.
func (c *Checker) interval(ctx context.Context) time.Duration {
	interval := c.opts.DefaultInterval
	settings, err := c.store.GetSettings(ctx)
	if err != nil {
		c.logger.Warn("could not read settings, using default interval", "error", err)
	} else if settings.CheckIntervalSeconds > 0 {
		interval = settings.CheckInterval()
	}
	c.mu.Lock()
	c.stats.Interval = interval
	c.mu.Unlock()
	return interval
}

// checkEndpoint runs the probe → persist → notify pipeline for one
// endpoint. It returns false if another probe of the same endpoint is in
// flight.
func (c *Checker) checkEndpoint(ctx context.Context, id string) bool {
	if !c.inflight.Acquire(id) {
		c.logger.Debug("skipping check, endpoint is already being checked", "endpoint_id", id)
		return false
	}
	defer c.inflight.Release(id)
	defer c.recoverPanic(id)

	// read-then-write against the row, serialized by the limiter
	current, err := c.store.GetEndpoint(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return true
	}
	if err != nil {
		c.logger.Error("error loading endpoint", "endpoint_id", id, "error", err)
		return true
	}

	res := c.safeProbe(ctx, current.URL)
	if ctx.Err() != nil {
		c.logger.Debug("check abandoned", "endpoint_id", id)
		return true
	}

	// a finished probe is persisted and notified even if the caller goes
	// away; a lost write here would swallow the transition for good
	ctx = context.WithoutCancel(ctx)

	isDown := res.IsDown()
	checkedAt := c.now()
	metrics.ObserveProbe(probeOutcome(res), res.Latency)
	if res.Err != nil {
		c.logger.Info("endpoint unreachable", "endpoint_id", id, "url", current.URL, "error", res.Err)
	}

	err = c.store.RecordProbe(ctx, storage.ProbeUpdate{
		EndpointID: id,
		Status:     res.StatusCode,
		IsDown:     isDown,
		CheckedAt:  checkedAt,
	})
	if errors.Is(err, storage.ErrNotFound) {
		c.logger.Debug("endpoint deleted during check, discarding result", "endpoint_id", id)
		return true
	}
	if err != nil {
		c.logger.Error("error saving probe result", "endpoint_id", id, "error", err)
		return true
	}

	kind, raise := DetectTransition(*current, isDown, c.opts.RemindWhileDown)
	if !raise || c.notifier == nil {
		return true
	}

	updated := *current
	status := res.StatusCode
	updated.LastStatus = &status
	updated.IsDown = isDown
	updated.LastChecked = &checkedAt
	evt := models.Event{
		Kind:       kind,
		Endpoint:   updated,
		StatusCode: res.StatusCode,
		Latency:    res.Latency,
		OccurredAt: checkedAt,
	}
	if res.Err != nil {
		evt.Error = res.Err.Error()
	}
	c.logger.Info("endpoint state changed", "endpoint_id", id, "url", current.URL, "event", string(kind), "status", res.StatusCode)
	if err := c.notifier.Notify(ctx, evt); err != nil {
		c.logger.Error("error notifying", "endpoint_id", id, "event", string(kind), "error", err)
	}
	return true
}

func probeOutcome(res ProbeResult) string {
	switch {
	case !res.Reachable:
		return metrics.ProbeUnreachable
	case res.IsDown():
		return metrics.ProbeDown
	default:
		return metrics.ProbeUp
	}
}

// safeProbe turns a panicking prober into an unreachable result.
func (c *Checker) safeProbe(ctx context.Context, url string) (res ProbeResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in prober", "url", url, "panic", r, "stack", string(debug.Stack()))
			res = ProbeResult{URL: url, Err: &ProbeError{URL: url, Err: fmt.Errorf("panic: %v", r)}}
		}
	}()
	return c.prober.Probe(ctx, url)
}

func (c *Checker) recoverPanic(id string) {
	if r := recover(); r != nil {
		c.logger.Error("panic in check pipeline",
			"correlation_id", uuid.NewString(),
			"endpoint_id", id,
			"panic", r,
			"stack", string(debug.Stack()),
		)
	}
}

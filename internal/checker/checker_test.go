package checker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"endpointwatch/internal/checker"
	"endpointwatch/internal/models"
	"endpointwatch/internal/storage"
	"endpointwatch/internal/storage/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProber returns queued results per URL; once a queue is drained it
// keeps returning the last result.
type scriptedProber struct {
	mu      sync.Mutex
	scripts map[string][]checker.ProbeResult
	calls   map[string]int
	hook    func(ctx context.Context, url string)
}

func newScriptedProber() *scriptedProber {
	return &scriptedProber{
		scripts: make(map[string][]checker.ProbeResult),
		calls:   make(map[string]int),
	}
}

func (p *scriptedProber) script(url string, results ...checker.ProbeResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts[url] = append(p.scripts[url], results...)
}

func (p *scriptedProber) Probe(ctx context.Context, url string) checker.ProbeResult {
	p.mu.Lock()
	hook := p.hook
	n := p.calls[url]
	p.calls[url]++
	queue := p.scripts[url]
	p.mu.Unlock()

	if hook != nil {
		hook(ctx, url)
	}
	if len(queue) == 0 {
		return up(url)
	}
	if n >= len(queue) {
		n = len(queue) - 1
	}
	return queue[n]
}

func up(url string) checker.ProbeResult {
	return checker.ProbeResult{URL: url, StatusCode: 200, Reachable: true, Latency: time.Millisecond}
}

func status(url string, code int) checker.ProbeResult {
	return checker.ProbeResult{URL: url, StatusCode: code, Reachable: true, Latency: time.Millisecond}
}

func unreachable(url string) checker.ProbeResult {
	return checker.ProbeResult{URL: url, Err: &checker.ProbeError{URL: url, Err: context.DeadlineExceeded}}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.Event
}

func (n *recordingNotifier) Notify(ctx context.Context, evt models.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
	return nil
}

func (n *recordingNotifier) Events() []models.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Event(nil), n.events...)
}

func createEndpoint(t *testing.T, store storage.Storer, url string) *models.Endpoint {
	t.Helper()
	e, err := store.CreateEndpoint(context.Background(), &models.Endpoint{URL: url}, url)
	if err != nil {
		t.Fatalf("failed to create endpoint: %v", err)
	}
	return e
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestRunCycleTransitions(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	url := "https://example.com"
	e := createEndpoint(t, store, url)

	prober := newScriptedProber()
	prober.script(url, up(url), up(url), up(url), unreachable(url), unreachable(url), up(url))
	notifier := &recordingNotifier{}
	c := checker.New(store, prober, notifier, checker.Options{MaxConcurrency: 2}, testLogger())
	defer c.Stop()

	wantStatus := []int{200, 200, 200, models.StatusUnreachable, models.StatusUnreachable, 200}
	for cycle, want := range wantStatus {
		c.RunCycle(ctx)

		got, err := store.GetEndpoint(ctx, e.ID)
		if err != nil {
			t.Fatalf("cycle %d: %v", cycle+1, err)
		}
		if got.LastStatus == nil || *got.LastStatus != want {
			t.Fatalf("cycle %d: expected last_status %d, got %v", cycle+1, want, got.LastStatus)
		}
		if got.IsDown != (want != 200) {
			t.Errorf("cycle %d: expected is_down=%v", cycle+1, want != 200)
		}
		if got.LastChecked == nil {
			t.Errorf("cycle %d: expected last_checked to be set", cycle+1)
		}
	}

	events := notifier.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != models.EventDown || events[0].Error == "" {
		t.Errorf("expected down event with error detail, got %+v", events[0])
	}
	if events[1].Kind != models.EventRecovered || events[1].StatusCode != 200 {
		t.Errorf("expected recovery with status 200, got %+v", events[1])
	}
	if c.Stats().Cycles != uint64(len(wantStatus)) {
		t.Errorf("expected %d cycles, got %d", len(wantStatus), c.Stats().Cycles)
	}
}

func TestRunCycleNon200IsDown(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	url := "https://example.com/health"
	e := createEndpoint(t, store, url)

	prober := newScriptedProber()
	prober.script(url, status(url, 503))
	notifier := &recordingNotifier{}
	c := checker.New(store, prober, notifier, checker.Options{}, testLogger())
	defer c.Stop()

	c.RunCycle(ctx)
	c.RunCycle(ctx)

	got, _ := store.GetEndpoint(ctx, e.ID)
	if !got.IsDown || *got.LastStatus != 503 {
		t.Errorf("expected down with 503, got %+v", got)
	}
	// first probe of a pending endpoint raises the down event once
	if n := len(notifier.Events()); n != 1 {
		t.Errorf("expected 1 event, got %d", n)
	}
}

func TestRemindWhileDown(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	url := "https://example.com"
	createEndpoint(t, store, url)

	prober := newScriptedProber()
	prober.script(url, up(url), status(url, 500))
	notifier := &recordingNotifier{}
	c := checker.New(store, prober, notifier, checker.Options{RemindWhileDown: true}, testLogger())
	defer c.Stop()

	for i := 0; i < 4; i++ {
		c.RunCycle(ctx)
	}

	events := notifier.Events()
	want := []models.EventKind{models.EventDown, models.EventStillDown, models.EventStillDown}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, kind := range want {
		if events[i].Kind != kind {
			t.Errorf("event %d: expected %s, got %s", i, kind, events[i].Kind)
		}
	}
}

func TestDeleteDuringProbe(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	url := "https://example.com"
	e := createEndpoint(t, store, url)

	prober := newScriptedProber()
	prober.script(url, unreachable(url))
	prober.hook = func(ctx context.Context, _ string) {
		if err := store.DeleteEndpoint(ctx, e.ID); err != nil {
			t.Errorf("delete: %v", err)
		}
	}
	notifier := &recordingNotifier{}
	c := checker.New(store, prober, notifier, checker.Options{}, testLogger())
	defer c.Stop()

	c.RunCycle(ctx)

	if _, err := store.GetEndpoint(ctx, e.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected endpoint to stay deleted, got %v", err)
	}
	if n := len(notifier.Events()); n != 0 {
		t.Errorf("expected no events for a deleted endpoint, got %d", n)
	}
}

func TestProberPanicIsContained(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	url := "https://example.com"
	e := createEndpoint(t, store, url)

	prober := newScriptedProber()
	prober.hook = func(context.Context, string) { panic("boom") }
	c := checker.New(store, prober, nil, checker.Options{}, testLogger())
	defer c.Stop()

	c.RunCycle(ctx)

	got, _ := store.GetEndpoint(ctx, e.ID)
	if got.LastStatus == nil || *got.LastStatus != models.StatusUnreachable || !got.IsDown {
		t.Errorf("expected panicking probe to count as unreachable, got %+v", got)
	}
}

func TestTriggerCheck(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	url := "https://example.com"
	e := createEndpoint(t, store, url)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	prober := newScriptedProber()
	prober.hook = func(context.Context, string) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	c := checker.New(store, prober, nil, checker.Options{}, testLogger())
	defer c.Stop()

	t.Run("unknown endpoint", func(t *testing.T) {
		if _, err := c.TriggerCheck(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("in progress", func(t *testing.T) {
		done := make(chan *models.Endpoint, 1)
		go func() {
			got, _ := c.TriggerCheck(ctx, e.ID)
			done <- got
		}()
		<-entered

		if _, err := c.TriggerCheck(ctx, e.ID); !errors.Is(err, checker.ErrCheckInProgress) {
			t.Errorf("expected ErrCheckInProgress, got %v", err)
		}
		close(release)

		got := <-done
		if got == nil || got.LastStatus == nil || *got.LastStatus != 200 {
			t.Errorf("expected updated endpoint with status 200, got %+v", got)
		}
	})
}

// cancelOnRecord cancels the caller's context as soon as the probe result is
// being written.
type cancelOnRecord struct {
	storage.Storer
	cancel context.CancelFunc
}

func (s *cancelOnRecord) RecordProbe(ctx context.Context, u storage.ProbeUpdate) error {
	s.cancel()
	return s.Storer.RecordProbe(ctx, u)
}

// ctxNotifier records events whose context was still live.
type ctxNotifier struct {
	recordingNotifier
	cancelled int
}

func (n *ctxNotifier) Notify(ctx context.Context, evt models.Event) error {
	if err := ctx.Err(); err != nil {
		n.mu.Lock()
		n.cancelled++
		n.mu.Unlock()
		return err
	}
	return n.recordingNotifier.Notify(ctx, evt)
}

func TestTriggerCheckCallerGoneAfterProbe(t *testing.T) {
	store := memory.New()
	url := "https://example.com"
	e := createEndpoint(t, store, url)
	store.RecordProbe(context.Background(), storage.ProbeUpdate{EndpointID: e.ID, Status: 200, CheckedAt: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prober := newScriptedProber()
	prober.script(url, status(url, 503))
	notifier := &ctxNotifier{}
	c := checker.New(&cancelOnRecord{Storer: store, cancel: cancel}, prober, notifier, checker.Options{}, testLogger())
	defer c.Stop()

	c.TriggerCheck(ctx, e.ID)

	got, err := store.GetEndpoint(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("get endpoint: %v", err)
	}
	if !got.IsDown {
		t.Error("expected the down result to be stored")
	}
	events := notifier.Events()
	if len(events) != 1 || events[0].Kind != models.EventDown {
		t.Errorf("expected one down event, got %+v", events)
	}
	if notifier.cancelled != 0 {
		t.Errorf("expected notify on a live context, got %d cancelled calls", notifier.cancelled)
	}
}

func TestCheckerLifecycle(t *testing.T) {
	t.Run("start and stop are idempotent", func(t *testing.T) {
		store := memory.New()
		createEndpoint(t, store, "https://example.com")
		c := checker.New(store, newScriptedProber(), nil, checker.Options{DefaultInterval: time.Hour}, testLogger())

		c.Start(context.Background())
		c.Start(context.Background())
		waitFor(t, time.Second, func() bool { return c.Stats().Cycles >= 1 })
		if !c.Stats().Running {
			t.Error("expected checker to be running")
		}

		c.Stop()
		c.Stop()
		if c.Stats().Running {
			t.Error("expected checker to be stopped")
		}

		// a stopped checker does not restart
		c.Start(context.Background())
		if c.Stats().Running {
			t.Error("expected Start after Stop to be a no-op")
		}
	})

	t.Run("stop without start", func(t *testing.T) {
		c := checker.New(memory.New(), newScriptedProber(), nil, checker.Options{}, testLogger())
		c.Stop()
	})

	t.Run("trigger all wakes the loop", func(t *testing.T) {
		store := memory.New()
		createEndpoint(t, store, "https://example.com")
		c := checker.New(store, newScriptedProber(), nil, checker.Options{DefaultInterval: time.Hour}, testLogger())
		defer c.Stop()

		c.Start(context.Background())
		waitFor(t, time.Second, func() bool { return c.Stats().Cycles >= 1 })
		c.TriggerAll()
		waitFor(t, time.Second, func() bool { return c.Stats().Cycles >= 2 })
	})

	t.Run("interval comes from settings", func(t *testing.T) {
		store := memory.New()
		if err := store.SeedSettings(context.Background(), models.Settings{CheckIntervalSeconds: 42, NotifyEveryMinutes: 1}); err != nil {
			t.Fatal(err)
		}
		c := checker.New(store, newScriptedProber(), nil, checker.Options{DefaultInterval: time.Hour}, testLogger())
		defer c.Stop()

		c.Start(context.Background())
		waitFor(t, time.Second, func() bool { return c.Stats().Interval == 42*time.Second })
	})
}

// TestGracefulShutdown tests that Stop abandons probes that outlive the grace
// period without recording them.
func TestGracefulShutdown(t *testing.T) {
	store := memory.New()
	e := createEndpoint(t, store, "https://example.com")

	entered := make(chan struct{})
	var once sync.Once
	prober := newScriptedProber()
	prober.hook = func(ctx context.Context, _ string) {
		once.Do(func() { close(entered) })
		<-ctx.Done()
	}
	c := checker.New(store, prober, nil, checker.Options{ShutdownGrace: 50 * time.Millisecond}, testLogger())

	c.Start(context.Background())
	<-entered

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the grace period")
	}

	got, _ := store.GetEndpoint(context.Background(), e.ID)
	if !got.Pending() {
		t.Errorf("expected abandoned probe to leave the endpoint pending, got %+v", got)
	}
}

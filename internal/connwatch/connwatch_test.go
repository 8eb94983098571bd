package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fastConfig returns a watcher config that polls every few milliseconds.
func fastConfig(name string, probe ProbeFunc) WatcherConfig {
	return WatcherConfig{
		Name:             name,
		Probe:            probe,
		PollInterval:     2 * time.Millisecond,
		ProbeTimeout:     50 * time.Millisecond,
		FailureThreshold: 2,
		InitiallyReady:   true,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWatch_Defaults(t *testing.T) {
	t.Parallel()
	m := NewManager(slog.Default())
	w := m.Watch(context.Background(), WatcherConfig{
		Name:  "defaults",
		Probe: func(ctx context.Context) error { return nil },
	})
	defer w.Stop()

	if w.config.PollInterval != DefaultPollInterval {
		t.Errorf("PollInterval = %v, want %v", w.config.PollInterval, DefaultPollInterval)
	}
	if w.config.ProbeTimeout != DefaultProbeTimeout {
		t.Errorf("ProbeTimeout = %v, want %v", w.config.ProbeTimeout, DefaultProbeTimeout)
	}
	if w.config.FailureThreshold != DefaultFailureThreshold {
		t.Errorf("FailureThreshold = %d, want %d", w.config.FailureThreshold, DefaultFailureThreshold)
	}
	if w.IsReady() {
		t.Error("InitiallyReady unset should start not ready")
	}
}

func TestWatch_PanicsOnMissingFields(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	for _, cfg := range []WatcherConfig{
		{Probe: func(ctx context.Context) error { return nil }},
		{Name: "no-probe"},
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Watch(%+v) did not panic", cfg)
				}
			}()
			m.Watch(context.Background(), cfg)
		}()
	}
}

func TestWatcher_HealthyServerStaysReady(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var probes, readyCalled atomic.Int32
	cfg := fastConfig("healthy", func(ctx context.Context) error {
		probes.Add(1)
		return nil
	})
	cfg.OnReady = func() { readyCalled.Add(1) }

	w := NewManager(nil).Watch(ctx, cfg)
	waitFor(t, "several probes", func() bool { return probes.Load() >= 5 })

	if !w.IsReady() {
		t.Error("healthy server should stay ready")
	}
	if readyCalled.Load() != 0 {
		t.Errorf("OnReady called %d times for a server that never went down", readyCalled.Load())
	}
}

func TestWatcher_SingleFailureBelowThreshold(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var probes atomic.Int32
	var downCalled atomic.Int32
	cfg := fastConfig("flaky", func(ctx context.Context) error {
		if probes.Add(1) == 1 {
			return errors.New("slow ping")
		}
		return nil
	})
	cfg.OnDown = func(error) { downCalled.Add(1) }

	w := NewManager(nil).Watch(ctx, cfg)
	waitFor(t, "recovery probes", func() bool { return probes.Load() >= 4 })

	if !w.IsReady() {
		t.Error("one failure below threshold should not mark the server down")
	}
	if downCalled.Load() != 0 {
		t.Errorf("OnDown called %d times, want 0", downCalled.Load())
	}
	if w.Status().ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d after success, want 0", w.Status().ConsecutiveFailures)
	}
}

func TestWatcher_GoesDownAndRecovers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var failing atomic.Bool
	failing.Store(true)
	var downCalled, readyCalled atomic.Int32

	cfg := fastConfig("procs", func(ctx context.Context) error {
		if failing.Load() {
			return errors.New("transport closed")
		}
		return nil
	})
	cfg.OnDown = func(error) { downCalled.Add(1) }
	cfg.OnReady = func() { readyCalled.Add(1) }

	w := NewManager(nil).Watch(ctx, cfg)

	waitFor(t, "server down", func() bool { return !w.IsReady() && downCalled.Load() == 1 })
	if w.LastError() == nil {
		t.Error("LastError should be set while down")
	}
	if s := w.Status(); s.ConsecutiveFailures < 2 || s.LastError == "" {
		t.Errorf("Status() = %+v", s)
	}

	failing.Store(false)
	waitFor(t, "server recovered", func() bool { return w.IsReady() && readyCalled.Load() == 1 })

	if downCalled.Load() != 1 {
		t.Errorf("OnDown called %d times, want exactly 1", downCalled.Load())
	}
}

func TestWatcher_CallbacksRunInOrder(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var failing atomic.Bool
	var (
		mu  sync.Mutex
		seq []string
	)
	record := func(s string) {
		mu.Lock()
		seq = append(seq, s)
		mu.Unlock()
	}
	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seq...)
	}

	cfg := fastConfig("flapping", func(ctx context.Context) error {
		if failing.Load() {
			return errors.New("down")
		}
		return nil
	})
	cfg.FailureThreshold = 1
	cfg.OnDown = func(error) { record("down") }
	cfg.OnReady = func() { record("ready") }

	w := NewManager(nil).Watch(ctx, cfg)
	for i := range 3 {
		failing.Store(true)
		waitFor(t, "down", func() bool { return len(snapshot()) == 2*i+1 })
		failing.Store(false)
		waitFor(t, "ready", func() bool { return len(snapshot()) == 2*i+2 })
	}
	w.Stop()

	got := strings.Join(snapshot(), ",")
	if want := "down,ready,down,ready,down,ready"; got != want {
		t.Errorf("callback order = %s, want %s", got, want)
	}
	if !w.IsReady() {
		t.Error("watcher should end ready")
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := fastConfig("hung", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cfg.ProbeTimeout = 5 * time.Millisecond

	w := NewManager(nil).Watch(ctx, cfg)
	waitFor(t, "hung server down", func() bool { return !w.IsReady() })

	if !errors.Is(w.LastError(), context.DeadlineExceeded) {
		t.Errorf("LastError = %v, want DeadlineExceeded", w.LastError())
	}
}

func TestWatcher_StopsOnContextCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	w := NewManager(nil).Watch(ctx, fastConfig("cancel", func(ctx context.Context) error { return nil }))
	cancel()

	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop after context cancellation")
	}
}

func TestManager_StatusAndReplace(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(nil)
	m.Watch(ctx, fastConfig("a", func(ctx context.Context) error { return nil }))
	down := m.Watch(ctx, fastConfig("b", func(ctx context.Context) error { return errors.New("unreachable") }))
	waitFor(t, "b down", func() bool { return !down.IsReady() })

	status := m.Status()
	if len(status) != 2 {
		t.Fatalf("Status() has %d entries, want 2", len(status))
	}
	if !status["a"].Ready || status["a"].LastError != "" {
		t.Errorf("a = %+v, want ready", status["a"])
	}
	if status["b"].Ready || status["b"].LastError == "" {
		t.Errorf("b = %+v, want down with error", status["b"])
	}

	// Re-watching a name stops the old watcher.
	m.Watch(ctx, fastConfig("b", func(ctx context.Context) error { return nil }))
	select {
	case <-down.done:
	case <-time.After(time.Second):
		t.Fatal("replaced watcher still running")
	}
	if len(m.Status()) != 2 {
		t.Errorf("Status() after replace has %d entries, want 2", len(m.Status()))
	}
}

func TestManager_Stop(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	m.Watch(context.Background(), fastConfig("one", func(ctx context.Context) error { return nil }))
	m.Watch(context.Background(), fastConfig("two", func(ctx context.Context) error { return nil }))

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Manager.Stop did not return")
	}
}

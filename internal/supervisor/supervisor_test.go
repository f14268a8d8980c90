package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeLink struct {
	mu       sync.Mutex
	connects int
	failN    int // fail the first failN connects, -1 always
	healthy  atomic.Bool
	deliver  func() // called right after prepare, like a read loop starting
}

func (l *fakeLink) Connect(_ context.Context, prepare func()) error {
	l.mu.Lock()
	l.connects++
	failed := l.failN < 0 || l.connects <= l.failN
	deliver := l.deliver
	l.mu.Unlock()

	if failed {
		return errors.New("dial refused")
	}
	if prepare != nil {
		prepare()
	}
	if deliver != nil {
		deliver()
	}
	return nil
}

func (l *fakeLink) Healthy(context.Context) error {
	if l.healthy.Load() {
		return nil
	}
	return errors.New("stale")
}

func (l *fakeLink) connectCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connects
}

func testConfig() Config {
	return Config{
		Enabled:     true,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		MaxAttempts: 3,
		Window:      time.Minute,
	}
}

// waitFor reads transitions until one reaches want.
func waitFor(t *testing.T, ch <-chan Transition, want State) Transition {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case tr := <-ch:
			if tr.To == want {
				return tr
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestBudgetExhaustionFails(t *testing.T) {
	link := &fakeLink{failN: -1}
	s := New(link, testConfig(), zap.NewNop())
	events := s.Subscribe(64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	tr := waitFor(t, events, Failed)
	if !errors.Is(tr.Err, ErrBudgetExhausted) {
		t.Errorf("Expected ErrBudgetExhausted, got %v", tr.Err)
	}

	// no further retries while Failed
	time.Sleep(20 * time.Millisecond)
	if got := link.connectCount(); got != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", got)
	}
	if s.State() != Failed {
		t.Errorf("Expected Failed, got %s", s.State())
	}
}

func TestResumeRestoresBudget(t *testing.T) {
	link := &fakeLink{failN: 3}
	s := New(link, testConfig(), zap.NewNop())
	events := s.Subscribe(64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, events, Failed)
	s.Resume()
	tr := waitFor(t, events, Connected)
	if tr.Reconnected {
		t.Error("First successful connection is not a reconnect")
	}
}

func TestReconnectRunsResettersBeforeConnected(t *testing.T) {
	link := &fakeLink{}
	link.healthy.Store(true)
	s := New(link, testConfig(), zap.NewNop())

	var resets atomic.Int32
	var stateAtReset atomic.Value
	s.AddResetter(ResetFunc(func() {
		resets.Add(1)
		stateAtReset.Store(s.State())
	}))
	events := s.Subscribe(64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, events, Connected)
	if resets.Load() != 0 {
		t.Fatal("Resetters must not run on the initial connection")
	}

	s.ReportFailure(errors.New("read: connection reset"))
	waitFor(t, events, Disconnected)
	tr := waitFor(t, events, Connected)

	if !tr.Reconnected {
		t.Error("Expected Reconnected flag on second connection")
	}
	if resets.Load() != 1 {
		t.Errorf("Expected 1 reset, got %d", resets.Load())
	}
	if st, _ := stateAtReset.Load().(State); st == Connected {
		t.Error("Reset must happen before Connected is announced")
	}
}

func TestResettersRunBeforeDelivery(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(step string) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
	}

	link := &fakeLink{deliver: func() { record("tick") }}
	s := New(link, testConfig(), zap.NewNop())
	s.AddResetter(ResetFunc(func() { record("reset") }))
	events := s.Subscribe(64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, events, Connected)
	s.ReportFailure(errors.New("read: connection reset"))
	waitFor(t, events, Connected)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"tick", "reset", "tick"}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("step %d = %s, want %s (%v)", i, order[i], want[i], order)
		}
	}
}

func TestHealthCheckFailureDisconnects(t *testing.T) {
	link := &fakeLink{}
	cfg := testConfig()
	cfg.HealthInterval = 5 * time.Millisecond
	s := New(link, cfg, zap.NewNop())
	events := s.Subscribe(64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, events, Connected)
	tr := waitFor(t, events, Disconnected)
	if tr.From != Connected || tr.Err == nil {
		t.Errorf("Unexpected transition %+v", tr)
	}
}

func TestDisabledReconnectFails(t *testing.T) {
	link := &fakeLink{}
	cfg := testConfig()
	cfg.Enabled = false
	s := New(link, cfg, zap.NewNop())
	events := s.Subscribe(64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, events, Connected)
	s.ReportFailure(errors.New("eof"))
	tr := waitFor(t, events, Failed)
	if !errors.Is(tr.Err, ErrReconnectDisabled) {
		t.Errorf("Expected ErrReconnectDisabled, got %v", tr.Err)
	}
	if link.connectCount() != 1 {
		t.Errorf("No reconnect attempt expected, got %d connects", link.connectCount())
	}
}

func TestBackoff(t *testing.T) {
	s := New(&fakeLink{}, Config{BaseDelay: 5 * time.Second, MaxDelay: time.Minute}, zap.NewNop())

	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 0},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, time.Minute},
		{50, time.Minute},
	}
	for _, tt := range tests {
		if got := s.Backoff(tt.n); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestStateString(t *testing.T) {
	for st, want := range map[State]string{
		Connected:    "CONNECTED",
		Disconnected: "DISCONNECTED",
		Reconnecting: "RECONNECTING",
		Failed:       "FAILED",
	} {
		if st.String() != want {
			t.Errorf("%d.String() = %q, want %q", st, st.String(), want)
		}
	}
}

package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrBudgetExhausted   = errors.New("reconnect budget exhausted")
	ErrReconnectDisabled = errors.New("reconnect disabled")
)

// State of the upstream link.
type State int

const (
	Disconnected State = iota
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Connected:
		return "CONNECTED"
	case Disconnected:
		return "DISCONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Transition is emitted on every state change, and on every failed attempt
// while Reconnecting.
type Transition struct {
	From    State     `json:"from"`
	To      State     `json:"to"`
	Attempt int       `json:"attempt,omitempty"`
	Err     error     `json:"-"`
	At      time.Time `json:"at"`
	// Reconnected is set on a Connected transition that follows an earlier
	// connection, after resetters ran.
	Reconnected bool `json:"reconnected,omitempty"`
}

// Link is the supervised connection. Connect must call prepare, when set,
// after the new connection is established and before it delivers any data.
type Link interface {
	Connect(ctx context.Context, prepare func()) error
	Healthy(ctx context.Context) error
}

// Resetter clears state that a silent gap in the tick stream would corrupt.
type Resetter interface {
	Reset()
}

// ResetFunc adapts a plain function to Resetter.
type ResetFunc func()

func (f ResetFunc) Reset() { f() }

type Config struct {
	Enabled        bool
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int           // burst of attempts allowed per Window
	Window         time.Duration // one attempt is refunded per Window
	HealthInterval time.Duration // 0 disables periodic health checks
}

// Supervisor is the connection state machine:
//
//	Disconnected -> Reconnecting -> Connected
//	Reconnecting -> Reconnecting (backoff) | Failed (budget exhausted)
//	Connected    -> Disconnected (health check or reported I/O failure)
//	Failed       -> Disconnected (Resume)
type Supervisor struct {
	mu        sync.RWMutex
	state     State
	cfg       Config
	link      Link
	limiter   *rate.Limiter
	resetters []Resetter
	subs      []chan Transition
	connected bool // has been Connected at least once

	failures chan error
	resume   chan struct{}
	logger   *zap.Logger
}

func New(link Link, cfg Config, logger *zap.Logger) *Supervisor {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 5 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	s := &Supervisor{
		state:    Disconnected,
		cfg:      cfg,
		link:     link,
		failures: make(chan error, 1),
		resume:   make(chan struct{}, 1),
		logger:   logger.With(zap.String("component", "supervisor")),
	}
	s.limiter = s.newLimiter()
	return s
}

func (s *Supervisor) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(s.cfg.Window), s.cfg.MaxAttempts)
}

// AddResetter registers r to run on every reconnect, before the new
// connection delivers data. Call before Run.
func (s *Supervisor) AddResetter(r ...Resetter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetters = append(s.resetters, r...)
}

// Subscribe returns a channel receiving every transition. Slow subscribers
// lose transitions rather than stall the supervisor.
func (s *Supervisor) Subscribe(buffer int) <-chan Transition {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Transition, buffer)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ReportFailure signals an I/O failure on the live link.
func (s *Supervisor) ReportFailure(err error) {
	select {
	case s.failures <- err:
	default:
	}
}

// Resume leaves Failed and starts a fresh reconnect budget.
func (s *Supervisor) Resume() {
	select {
	case s.resume <- struct{}{}:
	default:
	}
}

// Backoff returns the delay before retry n (n >= 1): BaseDelay*2^(n-1), capped.
func (s *Supervisor) Backoff(n int) time.Duration {
	if n < 1 {
		return 0
	}
	d := s.cfg.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= s.cfg.MaxDelay {
			return s.cfg.MaxDelay
		}
	}
	return d
}

func (s *Supervisor) transition(to State, attempt int, err error, reconnected bool) {
	s.mu.Lock()
	t := Transition{From: s.state, To: to, Attempt: attempt, Err: err, At: time.Now(), Reconnected: reconnected}
	s.state = to
	subs := s.subs
	s.mu.Unlock()

	fields := []zap.Field{
		zap.Stringer("From", t.From),
		zap.Stringer("To", t.To),
	}
	if attempt > 0 {
		fields = append(fields, zap.Int("Attempt", attempt))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if to == Failed {
		s.logger.Error("!!! Upstream State Transition !!!", fields...)
	} else {
		s.logger.Info("!!! Upstream State Transition !!!", fields...)
	}

	for _, ch := range subs {
		select {
		case ch <- t:
		default:
			s.logger.Warn("Transition subscriber full! Dropping transition.", zap.Stringer("To", to))
		}
	}
}

// Run drives the state machine until ctx is cancelled. The first connection
// is attempted immediately.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch s.State() {
		case Disconnected:
			s.reconnect(ctx)
		case Connected:
			s.watch(ctx)
		case Failed:
			select {
			case <-ctx.Done():
			case <-s.resume:
				s.mu.Lock()
				s.limiter = s.newLimiter()
				s.mu.Unlock()
				s.logger.Info("Reconnect budget restored by resume")
				s.transition(Disconnected, 0, nil, false)
			}
		default:
			// Reconnecting is only held inside reconnect
			s.transition(Disconnected, 0, nil, false)
		}
	}
}

// reconnect runs attempts until one succeeds, the budget is spent or ctx ends.
func (s *Supervisor) reconnect(ctx context.Context) {
	// drop failures reported against the previous connection
	select {
	case <-s.failures:
	default:
	}

	s.mu.RLock()
	wasConnected := s.connected
	s.mu.RUnlock()

	for attempt := 1; ; attempt++ {
		// without reconnect only the initial connection gets a single attempt
		if !s.cfg.Enabled && (wasConnected || attempt > 1) {
			s.transition(Failed, attempt-1, ErrReconnectDisabled, false)
			return
		}

		s.mu.RLock()
		limiter := s.limiter
		s.mu.RUnlock()
		if !limiter.Allow() {
			s.transition(Failed, attempt-1, ErrBudgetExhausted, false)
			return
		}

		if attempt > 1 {
			delay := s.Backoff(attempt - 1)
			s.logger.Info("Waiting before reconnect attempt", zap.Int("Attempt", attempt), zap.Duration("Delay", delay))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		s.transition(Reconnecting, attempt, nil, false)

		prepared := false
		err := s.link.Connect(ctx, func() {
			prepared = true
			s.prepare()
		})
		if err == nil {
			if !prepared {
				s.prepare()
			}
			s.onConnected(attempt)
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("Reconnect attempt failed", zap.Int("Attempt", attempt), zap.Error(err))
	}
}

// prepare runs the resetters when the link is coming back after a gap.
func (s *Supervisor) prepare() {
	s.mu.RLock()
	reconnect := s.connected
	resetters := append([]Resetter(nil), s.resetters...)
	s.mu.RUnlock()

	if !reconnect {
		return
	}
	for _, r := range resetters {
		r.Reset()
	}
	s.logger.Info("Resetters run before resuming delivery", zap.Int("count", len(resetters)))
}

func (s *Supervisor) onConnected(attempt int) {
	s.mu.Lock()
	reconnected := s.connected
	s.connected = true
	s.mu.Unlock()

	s.transition(Connected, attempt, nil, reconnected)
}

// watch blocks while Connected until a failure is observed.
func (s *Supervisor) watch(ctx context.Context) {
	var tick <-chan time.Time
	if s.cfg.HealthInterval > 0 {
		ticker := time.NewTicker(s.cfg.HealthInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-s.failures:
			s.transition(Disconnected, 0, err, false)
			return
		case <-tick:
			hctx, cancel := context.WithTimeout(ctx, s.cfg.HealthInterval)
			err := s.link.Healthy(hctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("Health check failed", zap.Error(err))
				s.transition(Disconnected, 0, err, false)
				return
			}
		}
	}
}

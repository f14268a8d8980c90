package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"candle-stream-bridge/internal/data"
	"candle-stream-bridge/internal/model"
	"go.uber.org/zap"
)

// ErrWrite matches every PersistenceWriteError.
var ErrWrite = errors.New("persistence write failed")

// WriteError is a failed sink write. It is logged and counted; streaming continues.
type WriteError struct {
	Sink string
	Op   string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("persistence: %s %s: %v", e.Sink, e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func (e *WriteError) Is(target error) bool { return target == ErrWrite }

// Sink is a destination for closed candles and raw ticks. Implementations
// must be safe for concurrent Reset while a write is in progress.
type Sink interface {
	Name() string
	WriteCandle(asset string, minutes int, c model.Candle) error
	WriteTick(t model.Tick) error
	Reset()
	Close() error
}

type recordKind int

const (
	recordCandle recordKind = iota
	recordTick
)

type record struct {
	kind    recordKind
	asset   string
	minutes int
	candle  model.Candle
	tick    model.Tick
}

// Stats are cumulative persistence counters.
type Stats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

// Manager queues closed candles (and optionally ticks) off the ingestion path
// and writes them from a single goroutine, so writes for one key never overlap.
type Manager struct {
	sinks       []Sink
	queue       chan record
	recordTicks bool
	logger      *zap.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

const defaultQueueSize = 4096

func NewManager(queueSize int, recordTicks bool, logger *zap.Logger, sinks ...Sink) *Manager {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Manager{
		sinks:       sinks,
		queue:       make(chan record, queueSize),
		recordTicks: recordTicks,
		logger:      logger.With(zap.String("component", "persistence")),
	}
}

// Start launches the writer goroutine.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.writeLoop(ctx)
	m.logger.Info("Persistence manager started", zap.Int("sinks", len(m.sinks)))
}

// Stop drains queued records, closes the sinks and returns once done.
func (m *Manager) Stop() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			m.logger.Error("Failed to close sink", zap.String("sink", s.Name()), zap.Error(err))
		}
	}
	m.logger.Info("Persistence manager stopped", zap.Uint64("written", m.written.Load()))
}

func (m *Manager) writeLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			// drain what is already queued
			for {
				select {
				case r := <-m.queue:
					m.write(r)
				default:
					return
				}
			}
		case r := <-m.queue:
			m.write(r)
		}
	}
}

func (m *Manager) write(r record) {
	for _, s := range m.sinks {
		var err error
		switch r.kind {
		case recordCandle:
			err = s.WriteCandle(r.asset, r.minutes, r.candle)
		case recordTick:
			err = s.WriteTick(r.tick)
		}
		if err != nil {
			m.failed.Add(1)
			m.logger.Error("Persistence write failed", zap.String("sink", s.Name()), zap.Error(err))
			continue
		}
		m.written.Add(1)
	}
}

func (m *Manager) enqueue(r record) {
	if m.stopped.Load() {
		return
	}
	select {
	case m.queue <- r:
	default:
		m.dropped.Add(1)
		m.logger.Warn("Persistence queue full! Dropping record.", zap.String("asset", r.asset))
	}
}

// OnTick queues the tick when tick recording is enabled.
func (m *Manager) OnTick(tick model.Tick) {
	if m.recordTicks {
		m.enqueue(record{kind: recordTick, asset: tick.Asset, tick: tick})
	}
}

// OnCandle queues the candle frozen by the update, if any.
func (m *Manager) OnCandle(upd data.Update) {
	if upd.Frozen == nil {
		return
	}
	m.enqueue(record{kind: recordCandle, asset: upd.Asset, minutes: upd.Minutes, candle: *upd.Frozen})
}

// OnHistory is a no-op: seeded history came from upstream and is not re-written.
func (m *Manager) OnHistory(string, int, []model.Candle) {}

// Reset clears rotation state in every sink. Called after an upstream reconnect.
func (m *Manager) Reset() {
	for _, s := range m.sinks {
		s.Reset()
	}
	m.logger.Info("Persistence rotation reset")
}

func (m *Manager) Stats() Stats {
	return Stats{
		Written: m.written.Load(),
		Failed:  m.failed.Load(),
		Dropped: m.dropped.Load(),
	}
}

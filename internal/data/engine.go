package data

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"candle-stream-bridge/internal/api"
	"candle-stream-bridge/internal/model"
	"go.uber.org/zap"
)

// Listener receives pipeline output. Callbacks run on the ingestion path while
// the pipeline lock is held, so implementations must not block.
type Listener interface {
	OnTick(tick model.Tick)
	OnCandle(upd Update)
	OnHistory(asset string, minutes int, candles []model.Candle)
}

// Stats are cumulative pipeline counters.
type Stats struct {
	Payloads     uint64 `json:"payloads"`
	Ticks        uint64 `json:"ticks"`
	DecodeErrors uint64 `json:"decode_errors"`
	FocusDrops   uint64 `json:"focus_drops"`
	LateDrops    uint64 `json:"late_drops"`
	StaleDrops   uint64 `json:"stale_drops"`

	Timeframe model.TimeframeSpec `json:"timeframe"`
}

// DataEngine runs decode -> focus admission -> aggregation -> listeners for
// every upstream payload. One payload is processed at a time; focus changes
// take the same lock, so once Halt returns nothing more is pushed for the
// previous asset.
type DataEngine struct {
	mu        sync.Mutex
	focus     *FocusController
	agg       *CandleAggregator
	detector  *Detector
	listeners []Listener
	logger    *zap.Logger

	// epoch is the oldest connection generation still accepted; guarded by mu
	epoch uint64

	payloads     atomic.Uint64
	ticks        atomic.Uint64
	decodeErrors atomic.Uint64
	staleDrops   atomic.Uint64
}

func NewDataEngine(focus *FocusController, agg *CandleAggregator, detector *Detector, logger *zap.Logger) *DataEngine {
	return &DataEngine{
		focus:    focus,
		agg:      agg,
		detector: detector,
		logger:   logger.With(zap.String("component", "engine")),
	}
}

// AddListener registers l. Call before Run.
func (de *DataEngine) AddListener(l Listener) {
	de.mu.Lock()
	defer de.mu.Unlock()
	de.listeners = append(de.listeners, l)
}

// Run consumes payloads until ctx is cancelled or in is closed.
func (de *DataEngine) Run(ctx context.Context, in <-chan api.Payload) {
	de.logger.Info("Data engine started, monitoring payload stream...")
	defer de.logger.Info("Data engine stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-in:
			if !ok {
				return
			}
			de.Handle(p)
		}
	}
}

// HandlePayload processes one raw payload of the current generation.
func (de *DataEngine) HandlePayload(raw []byte) {
	de.mu.Lock()
	gen := de.epoch
	de.mu.Unlock()
	de.Handle(api.Payload{Gen: gen, Data: raw})
}

// Handle processes one upstream payload synchronously. Payloads read on a
// connection older than the last Resync are dropped.
func (de *DataEngine) Handle(p api.Payload) {
	raw := p.Data
	de.payloads.Add(1)

	frame, err := api.DecodeFrame(raw)
	if err != nil {
		de.decodeErrors.Add(1)
		if errors.Is(err, api.ErrUnknownSchema) {
			de.logger.Debug("Ignoring payload with unknown schema", zap.Error(err))
		} else {
			de.logger.Warn("Dropping malformed payload", zap.Error(err), zap.Int("bytes", len(raw)))
		}
		return
	}
	for _, rej := range frame.Rejected {
		de.decodeErrors.Add(1)
		de.logger.Warn("Skipping malformed batch entry", zap.Error(rej))
	}

	de.mu.Lock()
	defer de.mu.Unlock()

	if p.Gen < de.epoch {
		de.staleDrops.Add(1)
		de.logger.Debug("Dropping payload from a previous connection",
			zap.Uint64("gen", p.Gen), zap.Uint64("epoch", de.epoch))
		return
	}

	if frame.History != nil {
		de.applyHistory(frame.History)
	}

	for _, tick := range frame.Ticks {
		// admission first: ticks of other assets never reach the aggregator
		if !de.focus.Admit(tick) {
			continue
		}

		upd, err := de.agg.Ingest(tick)
		if err != nil {
			de.logger.Debug("Dropping late tick",
				zap.String("asset", tick.Asset),
				zap.Float64("ts", tick.Timestamp),
				zap.Error(err))
			continue
		}
		de.ticks.Add(1)

		for _, l := range de.listeners {
			l.OnTick(tick)
			l.OnCandle(upd)
		}
	}
}

func (de *DataEngine) applyHistory(h *model.History) {
	focus, ok := de.focus.Focus()
	if !ok || focus != h.Asset {
		de.logger.Debug("Ignoring history for unfocused asset", zap.String("asset", h.Asset))
		return
	}

	minutes := de.agg.SetTimeframe(de.detector.Resolve(h.Candles))
	de.agg.Seed(h.Asset, h.Candles)
	candles := de.agg.History(h.Asset)

	for _, l := range de.listeners {
		l.OnHistory(h.Asset, minutes, candles)
	}
}

// Focus points the pipeline at asset. minutes > 0 locks the timeframe, 0 lets
// it be detected from history. Returns the effective timeframe.
func (de *DataEngine) Focus(asset string, minutes int) int {
	de.mu.Lock()
	defer de.mu.Unlock()

	de.focus.SetFocus(asset)
	if minutes > 0 {
		de.detector.Lock(minutes)
	} else {
		de.detector.Unlock()
	}
	tf := de.agg.SetTimeframe(de.detector.Resolve(de.agg.History(asset)))

	de.logger.Info("Pipeline focused", zap.String("asset", asset), zap.Int("minutes", tf),
		zap.Bool("locked", minutes > 0))
	return tf
}

// Resync starts a new ingestion epoch for connection generation gen: forming
// candles are dropped and payloads of older generations are ignored from now on.
func (de *DataEngine) Resync(gen uint64) {
	de.mu.Lock()
	defer de.mu.Unlock()
	if gen > de.epoch {
		de.epoch = gen
	}
	de.agg.ResetForming()
	de.logger.Info("Ingestion resynced", zap.Uint64("epoch", de.epoch))
}

// Halt releases the focus. In-flight work finishes before it returns.
func (de *DataEngine) Halt() {
	de.mu.Lock()
	defer de.mu.Unlock()
	de.focus.ReleaseFocus()
}

// Timeframe returns the effective bucket width in minutes.
func (de *DataEngine) Timeframe() int {
	return de.agg.Timeframe()
}

func (de *DataEngine) Stats() Stats {
	return Stats{
		Payloads:     de.payloads.Load(),
		Ticks:        de.ticks.Load(),
		DecodeErrors: de.decodeErrors.Load(),
		FocusDrops:   de.focus.Dropped(),
		LateDrops:    de.agg.LateDrops(),
		StaleDrops:   de.staleDrops.Load(),
		Timeframe:    de.detector.Spec(),
	}
}

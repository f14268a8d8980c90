package data

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"candle-stream-bridge/internal/model"
	"go.uber.org/zap"
)

var (
	ErrTimeframeInvalid = errors.New("invalid timeframe")
	ErrLateTick         = errors.New("tick targets an already frozen bucket")
)

// DefaultMaxHistory bounds frozen candles kept per (asset, timeframe).
const DefaultMaxHistory = 5000

type seriesKey struct {
	asset   string
	minutes int
}

// series is the candle state of one (asset, timeframe). mu serialises every
// mutation of the key.
type series struct {
	mu      sync.Mutex
	forming *model.Candle  // at most one mutable candle
	history []model.Candle // frozen, strictly increasing timestamps
	// open marks the newest history candle as seeded from upstream with a
	// bucket that may still be in progress; the first live tick of that
	// bucket reopens it.
	open bool
}

// Update describes the effect of one ingested tick.
type Update struct {
	Asset   string
	Minutes int
	Candle  model.Candle  // affected candle (the forming one after the tick)
	Frozen  *model.Candle // candle frozen by this tick's rollover, nil if none
}

// CandleAggregator buckets admitted ticks into OHLC candles per (asset, timeframe)
// and exclusively owns candle history. Callers only ever get copies.
type CandleAggregator struct {
	mu         sync.RWMutex
	series     map[seriesKey]*series
	minutes    int
	maxHistory int
	logger     *zap.Logger
	now        func() time.Time

	lateDrops atomic.Uint64
}

// NewCandleAggregator creates an aggregator bucketing at minutes (<=0 falls back to 1).
func NewCandleAggregator(minutes, maxHistory int, logger *zap.Logger) *CandleAggregator {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	a := &CandleAggregator{
		series:     make(map[seriesKey]*series),
		maxHistory: maxHistory,
		logger:     logger.With(zap.String("component", "aggregator")),
		now:        time.Now,
	}
	a.SetTimeframe(minutes)
	return a
}

// SetTimeframe changes the bucket width for subsequent ticks and returns the
// effective value. An invalid width is logged and replaced by DefaultTimeframe.
// Forming candles of the previous width are discarded: their buckets never
// closed and no further tick reaches them.
func (a *CandleAggregator) SetTimeframe(minutes int) int {
	if minutes <= 0 {
		a.logger.Warn("Invalid timeframe, falling back to default",
			zap.Int("requested", minutes),
			zap.Int("fallback", DefaultTimeframe),
			zap.Error(ErrTimeframeInvalid))
		minutes = DefaultTimeframe
	}

	a.mu.Lock()
	previous := a.minutes
	a.minutes = minutes
	var stale []*series
	if previous != minutes && previous != 0 {
		for key, s := range a.series {
			if key.minutes == previous {
				stale = append(stale, s)
			}
		}
	}
	a.mu.Unlock()

	if previous == minutes || previous == 0 {
		return minutes
	}

	discarded := 0
	for _, s := range stale {
		s.mu.Lock()
		if s.forming != nil {
			s.forming = nil
			discarded++
		}
		s.mu.Unlock()
	}
	a.logger.Info("Timeframe changed",
		zap.Int("from", previous),
		zap.Int("to", minutes),
		zap.Int("discarded_forming", discarded))
	return minutes
}

// Timeframe returns the current bucket width in minutes.
func (a *CandleAggregator) Timeframe() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.minutes
}

func (a *CandleAggregator) lookup(key seriesKey, create bool) *series {
	a.mu.RLock()
	s, ok := a.series[key]
	a.mu.RUnlock()
	if ok || !create {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok = a.series[key]; !ok {
		s = &series{}
		a.series[key] = s
	}
	return s
}

// Ingest folds tick into the candle of its bucket. When the bucket advances
// past the forming candle, that candle is frozen into history and a new one
// is opened. Ticks for an already frozen bucket are dropped with ErrLateTick.
func (a *CandleAggregator) Ingest(tick model.Tick) (Update, error) {
	minutes := a.Timeframe()
	width := int64(minutes) * 60
	bucket := model.BucketStart(tick.Timestamp, width)

	s := a.lookup(seriesKey{tick.Asset, minutes}, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	upd := Update{Asset: tick.Asset, Minutes: minutes}

	// 1. no forming candle: open one unless the bucket is already frozen
	if s.forming == nil {
		if n := len(s.history); n > 0 && bucket <= s.history[n-1].Timestamp {
			if !s.open || bucket != s.history[n-1].Timestamp {
				a.lateDrops.Add(1)
				return upd, ErrLateTick
			}
			// seeded candle of the bucket still in progress: reopen it
			c := s.history[n-1]
			s.history = s.history[:n-1]
			s.open = false
			c.Apply(tick.Price)
			s.forming = &c
			upd.Candle = c
			return upd, nil
		}
		s.open = false
		c := model.NewCandle(bucket, tick.Price)
		s.forming = &c
		upd.Candle = c
		return upd, nil
	}

	switch {
	case bucket < s.forming.Timestamp:
		// 2. late tick for a frozen bucket
		a.lateDrops.Add(1)
		return upd, ErrLateTick

	case bucket > s.forming.Timestamp:
		// 3. rollover: freeze the forming candle, open the next
		frozen := *s.forming
		s.history = append(s.history, frozen)
		if len(s.history) > a.maxHistory {
			s.history = append(s.history[:0:0], s.history[len(s.history)-a.maxHistory:]...)
		}
		upd.Frozen = &frozen
		a.logger.Debug("Candle frozen", zap.String("asset", tick.Asset), zap.Stringer("candle", frozen))

		c := model.NewCandle(bucket, tick.Price)
		s.forming = &c

	default:
		// 4. same bucket: update high/low/close
		s.forming.Apply(tick.Price)
	}

	upd.Candle = *s.forming
	return upd, nil
}

// Latest returns the forming candle of asset at the current timeframe, or the
// last frozen one when nothing is forming.
func (a *CandleAggregator) Latest(asset string) (model.Candle, bool) {
	s := a.lookup(seriesKey{asset, a.Timeframe()}, false)
	if s == nil {
		return model.Candle{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.forming != nil {
		return *s.forming, true
	}
	if n := len(s.history); n > 0 {
		return s.history[n-1], true
	}
	return model.Candle{}, false
}

// History returns a copy of the frozen candles of asset at the current timeframe.
func (a *CandleAggregator) History(asset string) []model.Candle {
	return a.HistoryAt(asset, a.Timeframe())
}

// HistoryAt returns a copy of the frozen candles of (asset, minutes).
func (a *CandleAggregator) HistoryAt(asset string, minutes int) []model.Candle {
	s := a.lookup(seriesKey{asset, minutes}, false)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Candle, len(s.history))
	copy(out, s.history)
	return out
}

// Seed merges upstream history into asset's series at the current timeframe.
// Candles are resampled to the current width; buckets already frozen or at or
// after the forming candle are left untouched. When nothing is forming, the
// newest seeded candle is treated as in progress: it becomes the forming
// candle if its bucket is the current wall-clock bucket, otherwise the first
// live tick of its bucket reopens it. Returns the number of candles added.
func (a *CandleAggregator) Seed(asset string, candles []model.Candle) int {
	if len(candles) == 0 {
		return 0
	}
	minutes := a.Timeframe()
	width := int64(minutes) * 60
	incoming := Resample(candles, width)

	s := a.lookup(seriesKey{asset, minutes}, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[int64]struct{}, len(s.history))
	for _, c := range s.history {
		existing[c.Timestamp] = struct{}{}
	}

	added := 0
	var latest int64
	merged := append([]model.Candle(nil), s.history...)
	for _, c := range incoming {
		if s.forming != nil && c.Timestamp >= s.forming.Timestamp {
			continue
		}
		if _, dup := existing[c.Timestamp]; dup {
			continue
		}
		merged = append(merged, c)
		latest = c.Timestamp
		added++
	}
	if added == 0 {
		return 0
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp < merged[j].Timestamp })

	if tail := merged[len(merged)-1]; s.forming == nil && tail.Timestamp == latest {
		current := model.BucketStart(float64(a.now().Unix()), width)
		if tail.Timestamp >= current {
			s.forming = &tail
			merged = merged[:len(merged)-1]
		} else {
			s.open = true
		}
	}

	if len(merged) > a.maxHistory {
		merged = merged[len(merged)-a.maxHistory:]
	}
	s.history = merged

	a.logger.Info("History seeded",
		zap.String("asset", asset),
		zap.Int("minutes", minutes),
		zap.Int("added", added),
		zap.Int("total", len(merged)))
	return added
}

// ResetForming drops every unfrozen candle. Frozen history is kept.
func (a *CandleAggregator) ResetForming() {
	a.mu.RLock()
	all := make([]*series, 0, len(a.series))
	for _, s := range a.series {
		all = append(all, s)
	}
	a.mu.RUnlock()

	for _, s := range all {
		s.mu.Lock()
		s.forming = nil
		s.open = false
		s.mu.Unlock()
	}
	a.logger.Info("Forming candles reset", zap.Int("series", len(all)))
}

// LateDrops returns the number of ticks dropped for targeting a frozen bucket.
func (a *CandleAggregator) LateDrops() uint64 {
	return a.lateDrops.Load()
}

// Resample folds candles (any order) into buckets of width seconds.
func Resample(candles []model.Candle, width int64) []model.Candle {
	sorted := append([]model.Candle(nil), candles...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	out := make([]model.Candle, 0, len(sorted))
	for _, c := range sorted {
		bucket := model.BucketStart(float64(c.Timestamp), width)
		n := len(out)
		if n > 0 && out[n-1].Timestamp == bucket {
			last := &out[n-1]
			if c.High > last.High {
				last.High = c.High
			}
			if c.Low < last.Low {
				last.Low = c.Low
			}
			last.Close = c.Close
			continue
		}
		c.Timestamp = bucket
		out = append(out, c)
	}
	return out
}

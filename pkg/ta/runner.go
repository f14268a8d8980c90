package ta

import (
	"context"
	"fmt"
	"sync"

	"candle-stream-bridge/internal/data"
	"candle-stream-bridge/internal/model"

	"go.uber.org/zap"
)

// HistorySource returns a snapshot (copy) of the frozen candles of asset.
type HistorySource interface {
	History(asset string) []model.Candle
}

// EmitFunc receives the results of one recomputation.
type EmitFunc func(asset string, results map[string]Result)

// Runner keeps the indicator instances of each asset and recomputes them on
// its own goroutine whenever a candle closes or the instance set changes.
// Requests for the same asset are coalesced.
type Runner struct {
	mu        sync.Mutex
	instances map[string][]Instance
	dirty     map[string]struct{}
	notify    chan struct{}

	source HistorySource
	emit   EmitFunc
	logger *zap.Logger
}

func NewRunner(source HistorySource, emit EmitFunc, logger *zap.Logger) *Runner {
	return &Runner{
		instances: make(map[string][]Instance),
		dirty:     make(map[string]struct{}),
		notify:    make(chan struct{}, 1),
		source:    source,
		emit:      emit,
		logger:    logger.With(zap.String("component", "indicators")),
	}
}

// Run recomputes scheduled assets until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.notify:
			r.mu.Lock()
			assets := make([]string, 0, len(r.dirty))
			for a := range r.dirty {
				assets = append(assets, a)
			}
			r.dirty = make(map[string]struct{})
			r.mu.Unlock()

			for _, asset := range assets {
				r.recompute(asset)
			}
		}
	}
}

func (r *Runner) recompute(asset string) {
	r.mu.Lock()
	insts, known := r.instances[asset]
	insts = append([]Instance(nil), insts...)
	if known && len(insts) == 0 {
		// last instance removed: announce the empty set once
		delete(r.instances, asset)
	}
	r.mu.Unlock()

	if !known {
		return
	}
	if len(insts) == 0 {
		r.logger.Debug("Indicators cleared", zap.String("asset", asset))
		if r.emit != nil {
			r.emit(asset, map[string]Result{})
		}
		return
	}
	results := Calculate(insts, r.source.History(asset))

	failed := 0
	for name, res := range results {
		if res.Err != "" {
			failed++
			r.logger.Debug("Indicator not computed", zap.String("asset", asset), zap.String("name", name), zap.String("error", res.Err))
		}
	}
	r.logger.Debug("Indicators recomputed", zap.String("asset", asset), zap.Int("count", len(results)), zap.Int("failed", failed))

	if r.emit != nil {
		r.emit(asset, results)
	}
}

// Schedule queues asset for recomputation without blocking.
func (r *Runner) Schedule(asset string) {
	r.mu.Lock()
	r.dirty[asset] = struct{}{}
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Add registers inst for asset. Names are unique per asset.
func (r *Runner) Add(asset string, inst Instance) error {
	if err := Validate(inst); err != nil {
		return err
	}

	r.mu.Lock()
	for _, existing := range r.instances[asset] {
		if existing.Name == inst.Name {
			r.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrDuplicateName, inst.Name)
		}
	}
	r.instances[asset] = append(r.instances[asset], inst)
	r.mu.Unlock()

	r.Schedule(asset)
	return nil
}

// Update replaces the params of an existing instance.
func (r *Runner) Update(asset string, inst Instance) error {
	if err := Validate(inst); err != nil {
		return err
	}

	r.mu.Lock()
	found := false
	for i, existing := range r.instances[asset] {
		if existing.Name == inst.Name {
			insts := append([]Instance(nil), r.instances[asset]...)
			insts[i] = inst
			r.instances[asset] = insts
			found = true
			break
		}
	}
	r.mu.Unlock()

	if !found {
		return fmt.Errorf("indicator %q not found", inst.Name)
	}
	r.Schedule(asset)
	return nil
}

// Remove drops the named instance, reporting whether it existed.
func (r *Runner) Remove(asset, name string) bool {
	r.mu.Lock()
	insts := r.instances[asset]
	kept := make([]Instance, 0, len(insts))
	for _, inst := range insts {
		if inst.Name != name {
			kept = append(kept, inst)
		}
	}
	removed := len(kept) != len(insts)
	if removed {
		r.instances[asset] = kept
	}
	r.mu.Unlock()

	if removed {
		r.Schedule(asset)
	}
	return removed
}

// Instances returns a copy of the instances of asset.
func (r *Runner) Instances(asset string) []Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Instance(nil), r.instances[asset]...)
}

func (r *Runner) OnTick(model.Tick) {}

// OnCandle schedules a recomputation when a candle closes.
func (r *Runner) OnCandle(upd data.Update) {
	if upd.Frozen != nil {
		r.Schedule(upd.Asset)
	}
}

func (r *Runner) OnHistory(asset string, _ int, _ []model.Candle) {
	r.Schedule(asset)
}

package data

import (
	"errors"
	"sync"
	"sync/atomic"

	"candle-stream-bridge/internal/model"
)

// ErrFocusMismatch marks a tick for an asset other than the focused one.
var ErrFocusMismatch = errors.New("tick asset does not match focus")

// FocusController tracks the single asset eligible for tick admission.
// Admit must be called before any aggregation work for a tick.
type FocusController struct {
	mu      sync.RWMutex
	asset   string
	focused bool

	dropped atomic.Uint64 // FocusMismatch count
}

func NewFocusController() *FocusController {
	return &FocusController{}
}

// SetFocus replaces the focused asset. Histories of the previous asset are not touched.
func (f *FocusController) SetFocus(asset string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asset = asset
	f.focused = asset != ""
}

// ReleaseFocus clears the focus; every tick is dropped until the next SetFocus.
func (f *FocusController) ReleaseFocus() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asset = ""
	f.focused = false
}

// Focus returns the focused asset and whether one is set.
func (f *FocusController) Focus() (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.asset, f.focused
}

// Check returns ErrFocusMismatch when tick does not belong to the focused
// asset. Rejections are counted.
func (f *FocusController) Check(tick model.Tick) error {
	f.mu.RLock()
	ok := f.focused && tick.Asset == f.asset
	f.mu.RUnlock()

	if !ok {
		f.dropped.Add(1)
		return ErrFocusMismatch
	}
	return nil
}

// Admit is Check as a bool.
func (f *FocusController) Admit(tick model.Tick) bool {
	return f.Check(tick) == nil
}

// Dropped returns the number of ticks rejected by Admit.
func (f *FocusController) Dropped() uint64 {
	return f.dropped.Load()
}

package data

import (
	"math"
	"sync"

	"candle-stream-bridge/internal/model"
)

// SupportedTimeframes are the bucket widths (minutes) detection snaps to.
var SupportedTimeframes = []int{1, 2, 3, 5, 10, 15, 30, 60, 240, 1440}

const (
	DefaultTimeframe = 1  // minutes
	detectWindow     = 10 // candles considered by DetectTimeframe
)

// DetectTimeframe infers the bucket width in minutes from candle spacing.
// It averages the positive timestamp deltas of the last 10 candles and snaps
// the result to the nearest SupportedTimeframes entry (the smaller one on a tie).
// Fewer than two candles, or no positive delta, yields DefaultTimeframe.
func DetectTimeframe(candles []model.Candle) int {
	if len(candles) < 2 {
		return DefaultTimeframe
	}

	recent := candles
	if len(recent) > detectWindow {
		recent = recent[len(recent)-detectWindow:]
	}

	var sum float64
	var n int
	for i := 1; i < len(recent); i++ {
		delta := recent[i].Timestamp - recent[i-1].Timestamp
		if delta <= 0 {
			// out-of-order or duplicate
			continue
		}
		sum += float64(delta)
		n++
	}
	if n == 0 {
		return DefaultTimeframe
	}

	return SnapTimeframe(sum / float64(n) / 60)
}

// SnapTimeframe returns the supported timeframe closest to minutes.
func SnapTimeframe(minutes float64) int {
	best := SupportedTimeframes[0]
	bestDist := math.Abs(minutes - float64(best))
	for _, tf := range SupportedTimeframes[1:] {
		if d := math.Abs(minutes - float64(tf)); d < bestDist {
			best, bestDist = tf, d
		}
	}
	return best
}

// Detector holds the session's TimeframeSpec. A locked spec wins over detection.
type Detector struct {
	mu   sync.RWMutex
	spec model.TimeframeSpec
}

func NewDetector() *Detector {
	return &Detector{spec: model.TimeframeSpec{Minutes: DefaultTimeframe}}
}

// Lock pins the timeframe. Non-positive minutes unlock instead.
func (d *Detector) Lock(minutes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if minutes <= 0 {
		d.spec.Locked = false
		return
	}
	d.spec = model.TimeframeSpec{Minutes: minutes, Locked: true}
}

// Unlock returns the detector to inference mode, keeping the last value.
func (d *Detector) Unlock() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.spec.Locked = false
}

func (d *Detector) Spec() model.TimeframeSpec {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.spec
}

// Resolve returns the locked timeframe, or detects one from candles and records it.
func (d *Detector) Resolve(candles []model.Candle) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.spec.Locked {
		return d.spec.Minutes
	}
	d.spec.Minutes = DetectTimeframe(candles)
	return d.spec.Minutes
}

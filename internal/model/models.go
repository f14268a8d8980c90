package model

import (
	"fmt"
	"math"
	"time"
)

// Tick is the smallest unit of market data: one price observation.
type Tick struct {
	Asset     string  `json:"asset"`     // venue asset id, e.g. "EURUSD_otc"
	Price     float64 `json:"price"`
	Timestamp float64 `json:"timestamp"` // epoch seconds, fractional part kept
}

// Candle is an OHLC bar. Timestamp is the bucket start in epoch seconds.
type Candle struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
}

// NewCandle opens a candle whose four prices are all price.
func NewCandle(bucket int64, price float64) Candle {
	return Candle{Timestamp: bucket, Open: price, High: price, Low: price, Close: price}
}

// Apply folds a price into the candle.
func (c *Candle) Apply(price float64) {
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
}

// Valid reports whether low <= {open,close} <= high.
func (c Candle) Valid() bool {
	return c.Low <= c.Open && c.Low <= c.Close && c.High >= c.Open && c.High >= c.Close
}

// Time returns the bucket start as a time.Time in UTC.
func (c Candle) Time() time.Time {
	return time.Unix(c.Timestamp, 0).UTC()
}

func (c Candle) String() string {
	return fmt.Sprintf("CANDLE [%s] O: %.5f H: %.5f L: %.5f C: %.5f", c.Time().Format(time.RFC3339), c.Open, c.High, c.Low, c.Close)
}

// TimeframeSpec is the effective bucket width. Locked means set explicitly
// and not subject to detection.
type TimeframeSpec struct {
	Minutes int  `json:"minutes"`
	Locked  bool `json:"locked"`
}

// Seconds returns the bucket width in seconds.
func (s TimeframeSpec) Seconds() int64 {
	return int64(s.Minutes) * 60
}

// StreamSession describes the (single) active stream of the process.
type StreamSession struct {
	Asset     string    `json:"asset,omitempty"`
	Active    bool      `json:"active"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Timeframe int       `json:"timeframe"` // minutes
}

// History is a batch of past candles delivered by the venue when a chart opens.
type History struct {
	Asset   string   `json:"asset"`
	Period  int      `json:"period"` // seconds per candle as reported upstream, 0 if unknown
	Candles []Candle `json:"candles"`
}

// BucketStart aligns ts down to a multiple of width seconds.
func BucketStart(ts float64, width int64) int64 {
	return int64(math.Floor(ts/float64(width))) * width
}

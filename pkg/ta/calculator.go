package ta

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"candle-stream-bridge/internal/model"

	"github.com/markcheno/go-talib"
)

var (
	ErrUnknownKind         = errors.New("unknown indicator type")
	ErrBadParams           = errors.New("invalid indicator parameters")
	ErrInsufficientHistory = errors.New("insufficient history")
	ErrDuplicateName       = errors.New("duplicate indicator name")
)

// Kind is the closed set of supported indicators.
type Kind string

const (
	KindSMA    Kind = "sma"
	KindEMA    Kind = "ema"
	KindWMA    Kind = "wma"
	KindRSI    Kind = "rsi"
	KindMACD   Kind = "macd"
	KindBBands Kind = "bbands"
	KindATR    Kind = "atr"
	KindStoch  Kind = "stoch"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindSMA, KindEMA, KindWMA, KindRSI, KindMACD, KindBBands, KindATR, KindStoch}

// ParseKind resolves a kind name, ignoring case and surrounding space.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, k := range Kinds {
		if string(k) == name {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Instance is one configured indicator. Name is unique per asset.
type Instance struct {
	Name   string             `json:"name"`
	Kind   Kind               `json:"type"`
	Params map[string]float64 `json:"params,omitempty"`
}

// Result holds the valid tail of every output line of one instance. Series
// values line up with Timestamps; leading lookback values are cut off.
type Result struct {
	Kind       Kind                 `json:"type"`
	Series     map[string][]float64 `json:"series,omitempty"`
	Timestamps []int64              `json:"timestamps,omitempty"`
	Err        string               `json:"error,omitempty"`
}

// OHLC is the column view of a candle history that talib consumes.
type OHLC struct {
	Timestamps []int64
	Open       []float64
	High       []float64
	Low        []float64
	Close      []float64
}

func Columns(history []model.Candle) OHLC {
	o := OHLC{
		Timestamps: make([]int64, len(history)),
		Open:       make([]float64, len(history)),
		High:       make([]float64, len(history)),
		Low:        make([]float64, len(history)),
		Close:      make([]float64, len(history)),
	}
	for i, c := range history {
		o.Timestamps[i] = c.Timestamp
		o.Open[i] = c.Open
		o.High[i] = c.High
		o.Low[i] = c.Low
		o.Close[i] = c.Close
	}
	return o
}

// Calculate runs every instance over history. A failing instance carries its
// error in Result.Err and never affects the others.
func Calculate(instances []Instance, history []model.Candle) map[string]Result {
	data := Columns(history)
	out := make(map[string]Result, len(instances))

	for _, inst := range instances {
		if _, dup := out[inst.Name]; dup {
			out[inst.Name] = Result{Kind: inst.Kind, Err: fmt.Errorf("%w: %q", ErrDuplicateName, inst.Name).Error()}
			continue
		}
		res, err := compute(inst, data)
		if err != nil {
			res = Result{Kind: inst.Kind, Err: err.Error()}
		}
		out[inst.Name] = res
	}
	return out
}

// Validate checks kind and params without computing anything.
func Validate(inst Instance) error {
	if inst.Name == "" {
		return fmt.Errorf("%w: empty name", ErrBadParams)
	}
	_, err := lookback(inst)
	return err
}

func compute(inst Instance, data OHLC) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("indicator %q panicked: %v", inst.Name, r)
		}
	}()

	kind, err := ParseKind(string(inst.Kind))
	if err != nil {
		return Result{}, err
	}
	lb, err := lookback(inst)
	if err != nil {
		return Result{}, err
	}
	if len(data.Close) <= lb {
		return Result{}, fmt.Errorf("%w: %s needs %d candles, have %d", ErrInsufficientHistory, kind, lb+1, len(data.Close))
	}

	series := make(map[string][]float64)
	p := params(inst.Params)

	switch kind {
	case KindSMA:
		series["value"] = talib.Sma(data.Close, p.intOr("period", 20))
	case KindEMA:
		series["value"] = talib.Ema(data.Close, p.intOr("period", 20))
	case KindWMA:
		series["value"] = talib.Wma(data.Close, p.intOr("period", 20))
	case KindRSI:
		series["value"] = talib.Rsi(data.Close, p.intOr("period", 14))
	case KindMACD:
		macd, signal, hist := talib.Macd(data.Close, p.intOr("fast", 12), p.intOr("slow", 26), p.intOr("signal", 9))
		series["macd"], series["signal"], series["hist"] = macd, signal, hist
	case KindBBands:
		upper, middle, lower := talib.BBands(data.Close, p.intOr("period", 20), p.floatOr("dev_up", 2), p.floatOr("dev_down", 2), talib.SMA)
		series["upper"], series["middle"], series["lower"] = upper, middle, lower
	case KindATR:
		series["value"] = talib.Atr(data.High, data.Low, data.Close, p.intOr("period", 14))
	case KindStoch:
		k, d := talib.Stoch(data.High, data.Low, data.Close,
			p.intOr("fast_k", 14), p.intOr("slow_k", 3), talib.SMA, p.intOr("slow_d", 3), talib.SMA)
		series["k"], series["d"] = k, d
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownKind, inst.Kind)
	}

	for name, values := range series {
		series[name] = clean(values[lb:])
	}
	ts := make([]int64, len(data.Timestamps)-lb)
	copy(ts, data.Timestamps[lb:])
	return Result{Kind: kind, Series: series, Timestamps: ts}, nil
}

// lookback is the number of leading candles an instance needs before its
// first valid output.
func lookback(inst Instance) (int, error) {
	kind, err := ParseKind(string(inst.Kind))
	if err != nil {
		return 0, err
	}
	p := params(inst.Params)
	if err := p.validate(); err != nil {
		return 0, err
	}

	switch kind {
	case KindSMA, KindEMA, KindWMA:
		return p.intOr("period", 20) - 1, nil
	case KindRSI:
		return p.intOr("period", 14), nil
	case KindATR:
		return p.intOr("period", 14), nil
	case KindMACD:
		fast, slow := p.intOr("fast", 12), p.intOr("slow", 26)
		if fast >= slow {
			return 0, fmt.Errorf("%w: fast (%d) must be < slow (%d)", ErrBadParams, fast, slow)
		}
		return slow - 1 + p.intOr("signal", 9) - 1, nil
	case KindBBands:
		if p.floatOr("dev_up", 2) <= 0 || p.floatOr("dev_down", 2) <= 0 {
			return 0, fmt.Errorf("%w: deviations must be > 0", ErrBadParams)
		}
		return p.intOr("period", 20) - 1, nil
	case KindStoch:
		return p.intOr("fast_k", 14) - 1 + p.intOr("slow_k", 3) - 1 + p.intOr("slow_d", 3) - 1, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, inst.Kind)
	}
}

type params map[string]float64

// validate requires every period-like param to be a positive integer.
func (p params) validate() error {
	for k, v := range p {
		if k == "dev_up" || k == "dev_down" {
			continue
		}
		if v < 1 || v != math.Trunc(v) || v > 10000 {
			return fmt.Errorf("%w: %s=%v", ErrBadParams, k, v)
		}
	}
	return nil
}

func (p params) intOr(key string, def int) int {
	if v, ok := p[key]; ok {
		return int(v)
	}
	return def
}

func (p params) floatOr(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// clean copies values, replacing NaN/Inf with 0 so results stay JSON encodable.
func clean(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out[i] = v
		}
	}
	return out
}

package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"candle-stream-bridge/internal/model"
	"candle-stream-bridge/internal/service"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrUnknownSchema    = errors.New("unknown payload schema")
)

// DecodeErrorKind classifies a payload the decoder could not turn into data.
type DecodeErrorKind int

const (
	MalformedPayload DecodeErrorKind = iota + 1 // not JSON, truncated, bad field types or values
	UnknownSchema                               // valid JSON, but no known frame shape
)

func (k DecodeErrorKind) String() string {
	switch k {
	case MalformedPayload:
		return "MalformedPayload"
	case UnknownSchema:
		return "UnknownSchema"
	default:
		return "Unknown"
	}
}

// DecodeError is returned for every payload that yields no data.
// errors.Is(err, ErrMalformedPayload) / errors.Is(err, ErrUnknownSchema) select on Kind.
type DecodeError struct {
	Kind   DecodeErrorKind
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool {
	switch target {
	case ErrMalformedPayload:
		return e.Kind == MalformedPayload
	case ErrUnknownSchema:
		return e.Kind == UnknownSchema
	}
	return false
}

func malformed(reason string, err error) error {
	return &DecodeError{Kind: MalformedPayload, Reason: reason, Err: err}
}

func unknownSchema(reason string) error {
	return &DecodeError{Kind: UnknownSchema, Reason: reason}
}

// Frame is one decoded upstream payload: either a batch of ticks or a history snapshot.
// Rejected holds the DecodeErrors of batch entries that were skipped.
type Frame struct {
	Ticks    []model.Tick
	History  *model.History
	Rejected []error
}

// msTimestampThreshold separates epoch seconds from epoch milliseconds.
const msTimestampThreshold = 1e12

// defaultHistoryPeriod is used when a tick history frame carries no period.
const defaultHistoryPeriod = 60

// maxEventNesting bounds ["event", payload] unwrapping.
const maxEventNesting = 2

// Decode returns the first tick of the payload. Frames without ticks
// (history snapshots, acks) yield an UnknownSchema error.
func Decode(raw []byte) (model.Tick, error) {
	frame, err := DecodeFrame(raw)
	if err != nil {
		return model.Tick{}, err
	}
	if len(frame.Ticks) == 0 {
		return model.Tick{}, unknownSchema("frame carries no tick")
	}
	return frame.Ticks[0], nil
}

// DecodeFrame decodes an intercepted venue payload. Supported shapes:
//
//	[["EURUSD_otc", 1700000000.25, 1.08451], ...]                   tick batch
//	["EURUSD_otc", 1700000000.25, 1.08451]                          single tick
//	{"asset":"EURUSD","price":1.0845,"timestamp":1700000000}        tick object
//	{"asset":"EURUSD","period":60,"history":[[ts,price],...]}       tick history
//	{"asset":"EURUSD","period":60,"candles":[[ts,o,c,h,l],...]}     candle history
//	["updateStream", <any of the above>]                            named event
//
// A socket.io style numeric prefix ("42", "451-") is stripped first.
func DecodeFrame(raw []byte) (Frame, error) {
	body := stripPacketPrefix(bytes.TrimSpace(raw))
	if len(body) == 0 {
		return Frame{}, malformed("empty payload", nil)
	}
	if !json.Valid(body) {
		return Frame{}, malformed("invalid json", nil)
	}
	return decodeValue(body, 0)
}

func decodeValue(body []byte, depth int) (Frame, error) {
	switch body[0] {
	case '[':
		return decodeArray(body, depth)
	case '{':
		return decodeObject(body)
	default:
		return Frame{}, unknownSchema("top-level value is neither array nor object")
	}
}

func decodeArray(body []byte, depth int) (Frame, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return Frame{}, malformed("array", err)
	}
	if len(items) == 0 {
		return Frame{}, unknownSchema("empty array")
	}

	first := bytes.TrimSpace(items[0])
	switch first[0] {
	case '[':
		// tick batch: bad entries are skipped, the frame fails only when none decodes
		frame := Frame{Ticks: make([]model.Tick, 0, len(items))}
		for i, item := range items {
			t, err := decodeTickTuple(item)
			if err != nil {
				frame.Rejected = append(frame.Rejected, fmt.Errorf("tick %d: %w", i, err))
				continue
			}
			frame.Ticks = append(frame.Ticks, t)
		}
		if len(frame.Ticks) == 0 {
			return Frame{}, frame.Rejected[0]
		}
		return frame, nil

	case '"':
		if len(items) >= 3 && isNumber(items[1]) {
			t, err := decodeTickTuple(body)
			if err != nil {
				return Frame{}, err
			}
			return Frame{Ticks: []model.Tick{t}}, nil
		}
		if len(items) == 2 && depth < maxEventNesting {
			inner := bytes.TrimSpace(items[1])
			if len(inner) > 0 && (inner[0] == '[' || inner[0] == '{') {
				return decodeValue(inner, depth+1)
			}
		}
		return Frame{}, unknownSchema("unrecognised named event")
	}

	return Frame{}, unknownSchema("unrecognised array layout")
}

// decodeTickTuple decodes ["asset", ts, price].
func decodeTickTuple(raw json.RawMessage) (model.Tick, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return model.Tick{}, malformed("tick tuple", err)
	}
	if len(parts) < 3 {
		return model.Tick{}, malformed(fmt.Sprintf("tick tuple has %d fields, want 3", len(parts)), nil)
	}

	var asset string
	if err := json.Unmarshal(parts[0], &asset); err != nil {
		return model.Tick{}, malformed("tick asset", err)
	}
	ts, err := toFloat(parts[1])
	if err != nil {
		return model.Tick{}, malformed("tick timestamp", err)
	}
	price, err := toFloat(parts[2])
	if err != nil {
		return model.Tick{}, malformed("tick price", err)
	}
	return newTick(asset, ts, price)
}

// wsObject is the union of object frame fields; Data is decoded lazily.
type wsObject struct {
	Asset     string          `json:"asset"`
	Symbol    string          `json:"symbol"`
	Price     json.RawMessage `json:"price"`
	Timestamp json.RawMessage `json:"timestamp"`
	Time      json.RawMessage `json:"time"`
	TS        json.RawMessage `json:"ts"`
	Period    int             `json:"period"`
	History   json.RawMessage `json:"history"`
	Candles   json.RawMessage `json:"candles"`
}

func decodeObject(body []byte) (Frame, error) {
	var obj wsObject
	if err := json.Unmarshal(body, &obj); err != nil {
		return Frame{}, malformed("object", err)
	}

	asset := obj.Asset
	if asset == "" {
		asset = obj.Symbol
	}

	if len(obj.Candles) > 0 || len(obj.History) > 0 {
		if asset == "" {
			return Frame{}, malformed("history without asset", nil)
		}
		h, err := decodeHistory(asset, obj)
		if err != nil {
			return Frame{}, err
		}
		return Frame{History: h}, nil
	}

	if asset == "" || len(obj.Price) == 0 {
		return Frame{}, unknownSchema("object has no asset/price")
	}

	tsRaw := firstNonEmpty(obj.Timestamp, obj.Time, obj.TS)
	if tsRaw == nil {
		return Frame{}, malformed("tick object without timestamp", nil)
	}
	ts, err := toFloat(tsRaw)
	if err != nil {
		return Frame{}, malformed("tick timestamp", err)
	}
	price, err := toFloat(obj.Price)
	if err != nil {
		return Frame{}, malformed("tick price", err)
	}
	t, err := newTick(asset, ts, price)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Ticks: []model.Tick{t}}, nil
}

func decodeHistory(asset string, obj wsObject) (*model.History, error) {
	h := &model.History{Asset: asset, Period: obj.Period}

	if len(obj.Candles) > 0 {
		var rows [][]json.RawMessage
		if err := json.Unmarshal(obj.Candles, &rows); err != nil {
			return nil, malformed("history candles", err)
		}
		for i, row := range rows {
			if len(row) < 5 {
				return nil, malformed(fmt.Sprintf("history candle %d has %d fields, want 5", i, len(row)), nil)
			}
			var v [5]float64
			for j := 0; j < 5; j++ {
				f, err := toFloat(row[j])
				if err != nil {
					return nil, malformed(fmt.Sprintf("history candle %d field %d", i, j), err)
				}
				v[j] = f
			}
			// row order: timestamp, open, close, high, low
			c := model.Candle{Timestamp: int64(normalizeTimestamp(v[0])), Open: v[1], Close: v[2], High: v[3], Low: v[4]}
			if !c.Valid() {
				return nil, malformed(fmt.Sprintf("history candle %d violates low<=open,close<=high", i), nil)
			}
			h.Candles = append(h.Candles, c)
		}
		sort.Slice(h.Candles, func(i, j int) bool { return h.Candles[i].Timestamp < h.Candles[j].Timestamp })
		return h, nil
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(obj.History, &rows); err != nil {
		return nil, malformed("history ticks", err)
	}
	period := obj.Period
	if period <= 0 {
		period = defaultHistoryPeriod
	}

	type point struct{ ts, price float64 }
	points := make([]point, 0, len(rows))
	for i, row := range rows {
		if len(row) < 2 {
			return nil, malformed(fmt.Sprintf("history tick %d has %d fields, want 2", i, len(row)), nil)
		}
		ts, err := toFloat(row[0])
		if err != nil {
			return nil, malformed(fmt.Sprintf("history tick %d timestamp", i), err)
		}
		price, err := toFloat(row[1])
		if err != nil {
			return nil, malformed(fmt.Sprintf("history tick %d price", i), err)
		}
		points = append(points, point{normalizeTimestamp(ts), price})
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].ts < points[j].ts })

	width := int64(period)
	for _, p := range points {
		bucket := model.BucketStart(p.ts, width)
		n := len(h.Candles)
		if n > 0 && h.Candles[n-1].Timestamp == bucket {
			h.Candles[n-1].Apply(p.price)
			continue
		}
		h.Candles = append(h.Candles, model.NewCandle(bucket, p.price))
	}
	return h, nil
}

func newTick(asset string, ts, price float64) (model.Tick, error) {
	asset = strings.TrimSpace(asset)
	if asset == "" {
		return model.Tick{}, malformed("empty asset", nil)
	}
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return model.Tick{}, malformed(fmt.Sprintf("invalid price %v", price), nil)
	}
	if math.IsNaN(ts) || math.IsInf(ts, 0) || ts < 0 {
		return model.Tick{}, malformed(fmt.Sprintf("invalid timestamp %v", ts), nil)
	}
	return model.Tick{Asset: asset, Price: price, Timestamp: normalizeTimestamp(ts)}, nil
}

func normalizeTimestamp(ts float64) float64 {
	if ts > msTimestampThreshold {
		return ts / 1000
	}
	return ts
}

// toFloat accepts a JSON number or a numeric string.
func toFloat(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, errors.New("missing value")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		return service.StringToFloat(strings.TrimSpace(s))
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, err
	}
	return f, nil
}

func isNumber(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	c := raw[0]
	return c == '-' || (c >= '0' && c <= '9')
}

func firstNonEmpty(values ...json.RawMessage) json.RawMessage {
	for _, v := range values {
		if len(bytes.TrimSpace(v)) > 0 && string(bytes.TrimSpace(v)) != "null" {
			return v
		}
	}
	return nil
}

// stripPacketPrefix drops a socket.io packet type / attachment count prefix.
func stripPacketPrefix(b []byte) []byte {
	i := 0
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	if i == 0 || i == len(b) {
		// pure number or no prefix: leave untouched
		return b
	}
	if b[i] == '-' {
		i++
	}
	if i < len(b) && (b[i] == '[' || b[i] == '{') {
		return b[i:]
	}
	return b
}

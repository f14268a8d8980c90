package gateway

import (
	"time"

	"candle-stream-bridge/internal/model"
	"candle-stream-bridge/pkg/ta"

	"github.com/google/uuid"
)

// EventType names an event pushed to clients.
type EventType string

const (
	EventStreamStarted        EventType = "stream_started"
	EventStreamStopped        EventType = "stream_stopped"
	EventAssetChanged         EventType = "asset_changed"
	EventCandleUpdate         EventType = "candle_update"
	EventTickUpdate           EventType = "tick_update"
	EventAssetDetected        EventType = "asset_detected"
	EventAssetDetectionFailed EventType = "asset_detection_failed"
	EventBackendReconnected   EventType = "backend_reconnected"
	EventUpstreamReconnected  EventType = "upstream_reconnected"
	EventUpstreamState        EventType = "upstream_state"
	EventHistoryLoaded        EventType = "history_loaded"
	EventIndicatorsCalculated EventType = "indicators_calculated"
	EventIndicatorUpdate      EventType = "indicator_update"
	EventError                EventType = "error"
)

// Event is the JSON envelope of every push message.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`
	Time time.Time `json:"time"`
	// ReplyTo is the id of the command this event answers, if any.
	ReplyTo string `json:"reply_to,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func NewEvent(t EventType, data any) Event {
	return Event{ID: uuid.NewString(), Type: t, Time: time.Now().UTC(), Data: data}
}

type AssetPayload struct {
	Asset    string `json:"asset"`
	Previous string `json:"previous,omitempty"`
}

type StreamPayload struct {
	Asset     string `json:"asset"`
	Timeframe int    `json:"timeframe"`
	Locked    bool   `json:"locked"`
}

type TickPayload struct {
	Asset     string  `json:"asset"`
	Price     float64 `json:"price"`
	Timestamp float64 `json:"timestamp"`
}

type CandlePayload struct {
	Asset     string       `json:"asset"`
	Timeframe int          `json:"timeframe"`
	Candle    model.Candle `json:"candle"`
	Closed    bool         `json:"closed"`
}

type HistoryPayload struct {
	Asset     string         `json:"asset"`
	Timeframe int            `json:"timeframe"`
	Candles   []model.Candle `json:"candles"`
}

type IndicatorsPayload struct {
	Asset   string               `json:"asset"`
	Results map[string]ta.Result `json:"results"`
}

type UpstreamStatePayload struct {
	From    string `json:"from"`
	State   string `json:"state"`
	Attempt int    `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`
}

type ErrorPayload struct {
	Command string `json:"command,omitempty"`
	Error   string `json:"error"`
}

// CommandType names a control command sent by a client.
type CommandType string

const (
	CmdStartStream         CommandType = "start_stream"
	CmdStopStream          CommandType = "stop_stream"
	CmdChangeAsset         CommandType = "change_asset"
	CmdDetectAsset         CommandType = "detect_asset"
	CmdCalculateIndicators CommandType = "calculate_indicators"
	CmdAddIndicator        CommandType = "add_indicator"
	CmdUpdateIndicator     CommandType = "update_indicator"
	CmdRemoveIndicator     CommandType = "remove_indicator"
)

// Command is a client control message. Fields are used per Type.
type Command struct {
	ID        string        `json:"id,omitempty"`
	Type      CommandType   `json:"type"`
	Asset     string        `json:"asset,omitempty"`
	Timeframe int           `json:"timeframe,omitempty"` // minutes, 0 = detect
	Instances []ta.Instance `json:"instances,omitempty"`
	Instance  *ta.Instance  `json:"instance,omitempty"`
	Name      string        `json:"name,omitempty"`
}

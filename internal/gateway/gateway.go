package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"candle-stream-bridge/internal/data"
	"candle-stream-bridge/internal/model"
	"candle-stream-bridge/internal/supervisor"
	"candle-stream-bridge/pkg/ta"

	"go.uber.org/zap"
)

var (
	ErrDetectionFailed = errors.New("asset detection failed")
	ErrInvalidCommand  = errors.New("invalid command")
)

// AssetQuerier asks the automation relay which asset the venue is showing.
type AssetQuerier interface {
	QueryCurrentAsset(ctx context.Context) (string, error)
}

// Gateway owns the stream session and turns control commands into pipeline
// changes. Pipeline output reaches it through the data.Listener methods and
// is fanned out by the hub.
type Gateway struct {
	// ctl serialises control operations; mu only guards the session and is
	// never held while calling into the pipeline.
	ctl       sync.Mutex
	mu        sync.Mutex
	session   model.StreamSession
	requested int // minutes asked for at start, 0 = detect

	engine  *data.DataEngine
	agg     *data.CandleAggregator
	querier AssetQuerier
	runner  *ta.Runner
	hub     *Hub
	logger  *zap.Logger
}

func New(engine *data.DataEngine, agg *data.CandleAggregator, querier AssetQuerier, runner *ta.Runner, hub *Hub, logger *zap.Logger) *Gateway {
	return &Gateway{
		engine:  engine,
		agg:     agg,
		querier: querier,
		runner:  runner,
		hub:     hub,
		logger:  logger.With(zap.String("component", "gateway")),
	}
}

func (g *Gateway) Hub() *Hub { return g.hub }

// Session returns a copy of the current stream session.
func (g *Gateway) Session() model.StreamSession {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session
}

// StartStream focuses the pipeline on asset. minutes > 0 locks the timeframe,
// 0 leaves it to detection. A running stream for another asset is replaced.
func (g *Gateway) StartStream(ctx context.Context, asset string, minutes int) (model.StreamSession, error) {
	g.ctl.Lock()
	defer g.ctl.Unlock()
	return g.start(asset, minutes)
}

func (g *Gateway) start(asset string, minutes int) (model.StreamSession, error) {
	asset = strings.TrimSpace(asset)
	if asset == "" {
		return model.StreamSession{}, fmt.Errorf("%w: asset is required", ErrInvalidCommand)
	}
	if minutes < 0 {
		return model.StreamSession{}, fmt.Errorf("%w: timeframe must be >= 0, got %d", ErrInvalidCommand, minutes)
	}

	tf := g.engine.Focus(asset, minutes)

	g.mu.Lock()
	g.session = model.StreamSession{Asset: asset, Active: true, StartedAt: time.Now().UTC(), Timeframe: tf}
	g.requested = minutes
	session := g.session
	g.mu.Unlock()

	g.logger.Info("Stream started", zap.String("asset", asset), zap.Int("timeframe", tf), zap.Bool("locked", minutes > 0))
	g.hub.Broadcast(NewEvent(EventStreamStarted, StreamPayload{Asset: asset, Timeframe: tf, Locked: minutes > 0}))
	g.pushHistory(asset, tf)
	return session, nil
}

// StopStream halts aggregation and push for the current asset. Frozen
// history is kept. Calling it without an active stream does nothing.
func (g *Gateway) StopStream() bool {
	g.ctl.Lock()
	defer g.ctl.Unlock()

	session := g.Session()
	if !session.Active {
		return false
	}
	g.engine.Halt()

	g.mu.Lock()
	g.session = model.StreamSession{}
	g.requested = 0
	g.mu.Unlock()

	g.logger.Info("Stream stopped", zap.String("asset", session.Asset))
	g.hub.Broadcast(NewEvent(EventStreamStopped, nil))
	return true
}

// ChangeAsset moves the active stream to asset, keeping the requested
// timeframe. Without an active stream it starts one.
func (g *Gateway) ChangeAsset(ctx context.Context, asset string) (model.StreamSession, error) {
	asset = strings.TrimSpace(asset)
	if asset == "" {
		return model.StreamSession{}, fmt.Errorf("%w: asset is required", ErrInvalidCommand)
	}

	g.ctl.Lock()
	defer g.ctl.Unlock()

	g.mu.Lock()
	session, requested := g.session, g.requested
	g.mu.Unlock()

	if !session.Active {
		return g.start(asset, 0)
	}
	previous := session.Asset
	if previous == asset {
		return session, nil
	}

	tf := g.engine.Focus(asset, requested)

	g.mu.Lock()
	g.session.Asset = asset
	g.session.Timeframe = tf
	session = g.session
	g.mu.Unlock()

	g.logger.Info("Asset changed", zap.String("from", previous), zap.String("to", asset), zap.Int("timeframe", tf))
	g.hub.Broadcast(NewEvent(EventAssetChanged, AssetPayload{Asset: asset, Previous: previous}))
	g.pushHistory(asset, tf)
	return session, nil
}

// DetectAsset asks the relay for the visible asset. Failures are returned
// wrapped in ErrDetectionFailed and announced; nothing is started either way.
func (g *Gateway) DetectAsset(ctx context.Context) (string, error) {
	asset, err := g.querier.QueryCurrentAsset(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrDetectionFailed, err)
		g.logger.Warn("Asset detection failed", zap.Error(err))
		g.hub.Broadcast(NewEvent(EventAssetDetectionFailed, ErrorPayload{Command: string(CmdDetectAsset), Error: err.Error()}))
		return "", err
	}

	g.logger.Info("Asset detected", zap.String("asset", asset))
	g.hub.Broadcast(NewEvent(EventAssetDetected, AssetPayload{Asset: asset}))
	return asset, nil
}

// CalculateIndicators computes instances once over the current history of asset.
func (g *Gateway) CalculateIndicators(asset string, instances []ta.Instance) map[string]ta.Result {
	results := ta.Calculate(instances, g.agg.History(asset))
	g.hub.Broadcast(NewEvent(EventIndicatorsCalculated, IndicatorsPayload{Asset: asset, Results: results}))
	return results
}

// Handle executes a client command.
func (g *Gateway) Handle(ctx context.Context, cmd Command) error {
	switch cmd.Type {
	case CmdStartStream:
		_, err := g.StartStream(ctx, cmd.Asset, cmd.Timeframe)
		return err
	case CmdStopStream:
		g.StopStream()
		return nil
	case CmdChangeAsset:
		_, err := g.ChangeAsset(ctx, cmd.Asset)
		return err
	case CmdDetectAsset:
		_, err := g.DetectAsset(ctx)
		return err
	case CmdCalculateIndicators:
		asset, err := g.assetOrSession(cmd.Asset)
		if err != nil {
			return err
		}
		g.CalculateIndicators(asset, cmd.Instances)
		return nil
	case CmdAddIndicator, CmdUpdateIndicator:
		if cmd.Instance == nil {
			return fmt.Errorf("%w: instance is required", ErrInvalidCommand)
		}
		asset, err := g.assetOrSession(cmd.Asset)
		if err != nil {
			return err
		}
		if cmd.Type == CmdUpdateIndicator {
			if err := g.runner.Update(asset, *cmd.Instance); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
			}
			return nil
		}
		return g.runner.Add(asset, *cmd.Instance)
	case CmdRemoveIndicator:
		asset, err := g.assetOrSession(cmd.Asset)
		if err != nil {
			return err
		}
		if !g.runner.Remove(asset, cmd.Name) {
			return fmt.Errorf("%w: indicator %q not found", ErrInvalidCommand, cmd.Name)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, cmd.Type)
	}
}

func (g *Gateway) assetOrSession(asset string) (string, error) {
	if asset = strings.TrimSpace(asset); asset != "" {
		return asset, nil
	}
	if s := g.Session(); s.Active {
		return s.Asset, nil
	}
	return "", fmt.Errorf("%w: asset is required without an active stream", ErrInvalidCommand)
}

func (g *Gateway) pushHistory(asset string, minutes int) {
	candles := g.agg.HistoryAt(asset, minutes)
	if len(candles) == 0 {
		return
	}
	g.hub.Broadcast(NewEvent(EventHistoryLoaded, HistoryPayload{Asset: asset, Timeframe: minutes, Candles: candles}))
	g.runner.Schedule(asset)
}

// OnTick runs on the ingestion path: broadcast only.
func (g *Gateway) OnTick(tick model.Tick) {
	g.hub.Broadcast(NewEvent(EventTickUpdate, TickPayload{Asset: tick.Asset, Price: tick.Price, Timestamp: tick.Timestamp}))
}

func (g *Gateway) OnCandle(upd data.Update) {
	if upd.Frozen != nil {
		g.hub.Broadcast(NewEvent(EventCandleUpdate, CandlePayload{Asset: upd.Asset, Timeframe: upd.Minutes, Candle: *upd.Frozen, Closed: true}))
	}
	g.hub.Broadcast(NewEvent(EventCandleUpdate, CandlePayload{Asset: upd.Asset, Timeframe: upd.Minutes, Candle: upd.Candle}))
}

// OnHistory announces seeded history; the detected timeframe becomes the
// session timeframe.
func (g *Gateway) OnHistory(asset string, minutes int, candles []model.Candle) {
	g.mu.Lock()
	if g.session.Active && g.session.Asset == asset {
		g.session.Timeframe = minutes
	}
	g.mu.Unlock()

	g.hub.Broadcast(NewEvent(EventHistoryLoaded, HistoryPayload{Asset: asset, Timeframe: minutes, Candles: candles}))
}

// PublishIndicators is the ta.Runner emit callback.
func (g *Gateway) PublishIndicators(asset string, results map[string]ta.Result) {
	g.hub.Broadcast(NewEvent(EventIndicatorUpdate, IndicatorsPayload{Asset: asset, Results: results}))
}

// WatchUpstream relays supervisor transitions to clients until ctx ends.
func (g *Gateway) WatchUpstream(ctx context.Context, transitions <-chan supervisor.Transition) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-transitions:
			if !ok {
				return
			}
			payload := UpstreamStatePayload{From: t.From.String(), State: t.To.String(), Attempt: t.Attempt}
			if t.Err != nil {
				payload.Error = t.Err.Error()
			}
			g.hub.Broadcast(NewEvent(EventUpstreamState, payload))

			if t.To == supervisor.Connected && t.Reconnected {
				g.hub.Broadcast(NewEvent(EventUpstreamReconnected, g.Session()))
			}
		}
	}
}

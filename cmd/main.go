package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"candle-stream-bridge/internal/api"
	"candle-stream-bridge/internal/data"
	"candle-stream-bridge/internal/gateway"
	"candle-stream-bridge/internal/persistence"
	"candle-stream-bridge/internal/service"
	"candle-stream-bridge/internal/supervisor"
	"candle-stream-bridge/pkg/ta"

	"go.uber.org/zap"
)

func main() {
	service.InitLogger("info")
	defer service.Logger.Sync()

	configPath := os.Getenv("CSB_CONFIG_DIR")
	if configPath == "" {
		configPath = "config"
	}
	cfg, err := service.LoadConfig(configPath)
	if err != nil {
		service.Logger.Fatal("Failed to load configuration", zap.String("path", configPath), zap.Error(err))
	}
	if cfg.Log.Level != "info" {
		service.InitLogger(cfg.Log.Level)
	}
	logger := service.Named("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. upstream relay connection
	connector := api.NewConnector(cfg.Upstream, service.Logger)

	// 2. hot path: focus -> aggregation
	initialTF := cfg.Stream.DefaultTimeframe
	if initialTF <= 0 {
		initialTF = data.DefaultTimeframe
	}
	agg := data.NewCandleAggregator(initialTF, cfg.Stream.MaxHistory, service.Logger)
	detector := data.NewDetector()
	if cfg.Stream.DefaultTimeframe > 0 {
		detector.Lock(cfg.Stream.DefaultTimeframe)
	}
	engine := data.NewDataEngine(data.NewFocusController(), agg, detector, service.Logger)

	// 3. push layer and indicators
	hub := gateway.NewHub(cfg.Gateway.ClientQueueSize, service.Logger)
	var gw *gateway.Gateway
	runner := ta.NewRunner(agg, func(asset string, results map[string]ta.Result) {
		gw.PublishIndicators(asset, results)
	}, service.Logger)
	gw = gateway.New(engine, agg, connector, runner, hub, service.Logger)

	engine.AddListener(gw)
	engine.AddListener(runner)

	// 4. optional persistence
	var store *persistence.Manager
	if cfg.Persistence.Enabled {
		store = newPersistence(ctx, cfg, logger)
		engine.AddListener(store)
		store.Start(ctx)
		defer store.Stop()
	}

	// 5. supervision of the relay link
	sup := supervisor.New(connector, supervisor.Config{
		Enabled:        cfg.Reconnect.Enabled,
		BaseDelay:      cfg.Reconnect.BaseDelay,
		MaxDelay:       cfg.Reconnect.MaxDelay,
		MaxAttempts:    cfg.Reconnect.MaxAttempts,
		Window:         cfg.Reconnect.Window,
		HealthInterval: cfg.Reconnect.HealthInterval,
	}, service.Logger)
	// runs inside Connect, after the generation bump and before the read loop
	sup.AddResetter(supervisor.ResetFunc(func() { engine.Resync(connector.Generation()) }))
	if store != nil {
		sup.AddResetter(store)
	}
	connector.OnFailure(sup.ReportFailure)
	transitions := sup.Subscribe(64)

	go gw.WatchUpstream(ctx, transitions)
	go engine.Run(ctx, connector.Payloads())
	go runner.Run(ctx)
	go sup.Run(ctx)

	status := func() map[string]any {
		st := map[string]any{
			"upstream":         sup.State().String(),
			"pipeline":         engine.Stats(),
			"payloads_dropped": connector.Dropped(),
		}
		if store != nil {
			st["persistence"] = store.Stats()
		}
		return st
	}
	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: gateway.NewServer(gw, cfg.Gateway, status, service.Logger),
	}

	go func() {
		logger.Info("Gateway listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Gateway server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Gateway shutdown incomplete", zap.Error(err))
	}
	gw.StopStream()
	connector.Close()
}

func newPersistence(ctx context.Context, cfg *service.Config, logger *zap.Logger) *persistence.Manager {
	var sinks []persistence.Sink

	csvSink, err := persistence.NewCSVSink(cfg.Persistence.Dir, cfg.Persistence.CandlesPerFile, cfg.Persistence.TicksPerFile)
	if err != nil {
		logger.Fatal("Failed to initialize CSV sink", zap.Error(err))
	}
	sinks = append(sinks, csvSink)

	if cfg.Redis.Addr != "" {
		redisSink := persistence.NewRedisSink(cfg.Redis)
		if err := redisSink.Ping(ctx); err != nil {
			logger.Error("Redis unreachable, candle mirror disabled", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
			redisSink.Close()
		} else {
			sinks = append(sinks, redisSink)
		}
	}

	return persistence.NewManager(cfg.Persistence.QueueSize, cfg.Persistence.RecordTicks, service.Logger, sinks...)
}

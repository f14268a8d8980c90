package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"candle-stream-bridge/internal/model"
	"candle-stream-bridge/internal/service"

	"github.com/go-redis/redis/v8"
)

const redisOpTimeout = 2 * time.Second

// RedisSink mirrors closed candles into a per-series sorted set (score = bucket
// start) trimmed to maxLen, and publishes each one on channel.
type RedisSink struct {
	client  *redis.Client
	maxLen  int64
	channel string
}

type redisCandleMessage struct {
	Asset     string       `json:"asset"`
	Timeframe string       `json:"timeframe"`
	Candle    model.Candle `json:"candle"`
}

func NewRedisSink(cfg service.RedisConfig) *RedisSink {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisSinkWithClient(client, cfg.MaxLen, cfg.Channel)
}

func newRedisSinkWithClient(client *redis.Client, maxLen int64, channel string) *RedisSink {
	if maxLen <= 0 {
		maxLen = 5000
	}
	if channel == "" {
		channel = "candle_update"
	}
	return &RedisSink{client: client, maxLen: maxLen, channel: channel}
}

func (s *RedisSink) Name() string { return "redis" }

// Ping checks connectivity; used once at startup.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func candleKey(asset string, minutes int) string {
	return fmt.Sprintf("candles:%s:%s", asset, service.TimeframeLabel(minutes))
}

func (s *RedisSink) WriteCandle(asset string, minutes int, c model.Candle) error {
	member, err := json.Marshal(c)
	if err != nil {
		return &WriteError{Sink: s.Name(), Op: "encode candle", Err: err}
	}
	msg, err := json.Marshal(redisCandleMessage{Asset: asset, Timeframe: service.TimeframeLabel(minutes), Candle: c})
	if err != nil {
		return &WriteError{Sink: s.Name(), Op: "encode message", Err: err}
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	key := candleKey(asset, minutes)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(c.Timestamp), Member: member})
	pipe.ZRemRangeByRank(ctx, key, 0, -s.maxLen-1)
	pipe.Publish(ctx, s.channel, msg)
	if _, err := pipe.Exec(ctx); err != nil {
		return &WriteError{Sink: s.Name(), Op: "write candle", Err: err}
	}
	return nil
}

// WriteTick is a no-op: only closed candles are mirrored.
func (s *RedisSink) WriteTick(model.Tick) error { return nil }

// Reset is a no-op: sorted sets are keyed by bucket start, not by chunk.
func (s *RedisSink) Reset() {}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

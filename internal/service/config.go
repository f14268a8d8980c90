// internal/service/config.go
package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. CSB_SERVER_ADDR.
const EnvPrefix = "CSB"

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Upstream    UpstreamConfig    `mapstructure:"upstream"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Reconnect   ReconnectConfig   `mapstructure:"reconnect"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Log         LogConfig         `mapstructure:"log"`
}

// ServerConfig is the local HTTP/WebSocket listener the UI connects to.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// UpstreamConfig describes the browser-automation relay.
type UpstreamConfig struct {
	WSURL            string        `mapstructure:"ws_url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	QueryTimeout     time.Duration `mapstructure:"query_timeout"`
	PayloadBuffer    int           `mapstructure:"payload_buffer"`
}

// StreamConfig holds aggregation defaults.
type StreamConfig struct {
	DefaultTimeframe int `mapstructure:"default_timeframe"` // minutes, 0 = detect from history
	MaxHistory       int `mapstructure:"max_history"`       // frozen candles kept per series
}

type ReconnectConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	MaxAttempts    int           `mapstructure:"max_attempts"` // per Window
	Window         time.Duration `mapstructure:"window"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

type PersistenceConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Dir            string `mapstructure:"dir"`
	CandlesPerFile int    `mapstructure:"candles_per_file"`
	TicksPerFile   int    `mapstructure:"ticks_per_file"`
	RecordTicks    bool   `mapstructure:"record_ticks"`
	QueueSize      int    `mapstructure:"queue_size"`
}

// RedisConfig enables the optional candle mirror when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	MaxLen   int64  `mapstructure:"max_len"`
	Channel  string `mapstructure:"channel"`
}

type GatewayConfig struct {
	ClientQueueSize int           `mapstructure:"client_queue_size"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "127.0.0.1:8765")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("upstream.ws_url", "ws://127.0.0.1:9222/relay")
	v.SetDefault("upstream.handshake_timeout", 10*time.Second)
	v.SetDefault("upstream.read_timeout", 60*time.Second)
	v.SetDefault("upstream.write_timeout", 10*time.Second)
	v.SetDefault("upstream.query_timeout", 5*time.Second)
	v.SetDefault("upstream.payload_buffer", 2048)

	v.SetDefault("stream.default_timeframe", 0)
	v.SetDefault("stream.max_history", 5000)

	v.SetDefault("reconnect.enabled", true)
	v.SetDefault("reconnect.base_delay", 5*time.Second)
	v.SetDefault("reconnect.max_delay", 60*time.Second)
	v.SetDefault("reconnect.max_attempts", 3)
	v.SetDefault("reconnect.window", time.Minute)
	v.SetDefault("reconnect.health_interval", 15*time.Second)

	v.SetDefault("persistence.enabled", false)
	v.SetDefault("persistence.dir", "data")
	v.SetDefault("persistence.candles_per_file", 100)
	v.SetDefault("persistence.ticks_per_file", 1000)
	v.SetDefault("persistence.record_ticks", false)
	v.SetDefault("persistence.queue_size", 4096)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_len", 5000)
	v.SetDefault("redis.channel", "candle_update")

	v.SetDefault("gateway.client_queue_size", 1000)
	v.SetDefault("gateway.write_timeout", 10*time.Second)
	v.SetDefault("gateway.ping_interval", 30*time.Second)
	v.SetDefault("gateway.allowed_origins", []string{})

	v.SetDefault("log.level", "info")
}

// LoadConfig reads <configPath>/config.yaml, applies an optional .env file and
// CSB_* environment overrides on top of the defaults. A missing config file is
// not an error.
func LoadConfig(configPath string) (*Config, error) {
	envFile := filepath.Join(configPath, "..", ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Upstream.WSURL == "" {
		return errors.New("config: upstream.ws_url is required")
	}
	if c.Stream.DefaultTimeframe < 0 {
		return fmt.Errorf("config: stream.default_timeframe must be >= 0, got %d", c.Stream.DefaultTimeframe)
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("config: reconnect.max_attempts must be > 0, got %d", c.Reconnect.MaxAttempts)
	}
	if c.Gateway.ClientQueueSize <= 0 {
		return fmt.Errorf("config: gateway.client_queue_size must be > 0, got %d", c.Gateway.ClientQueueSize)
	}
	if c.Persistence.Enabled && (c.Persistence.CandlesPerFile <= 0 || c.Persistence.TicksPerFile <= 0) {
		return errors.New("config: persistence rotation sizes must be > 0")
	}
	return nil
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"candle-stream-bridge/internal/service"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrUpstreamDisconnected = errors.New("upstream disconnected")
	ErrNoCurrentAsset       = errors.New("relay reported no current asset")
)

// Relay message types.
const (
	msgPayload           = "payload"
	msgCurrentAsset      = "current_asset"
	msgError             = "error"
	msgQueryCurrentAsset = "query_current_asset"
)

// RelayMessage is the envelope spoken with the browser-automation relay.
// Data is kept raw and handed to the decoder untouched.
type RelayMessage struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Asset string          `json:"asset,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Payload is one raw venue frame tagged with the connection generation it
// was read on.
type Payload struct {
	Gen  uint64
	Data []byte
}

// Connector is the websocket client to the relay. Intercepted venue frames
// come out of Payloads(); QueryCurrentAsset is a request/reply over the same socket.
type Connector struct {
	cfg    service.UpstreamConfig
	dialer *websocket.Dialer
	logger *zap.Logger

	payloads chan Payload

	mu      sync.Mutex
	conn    *websocket.Conn
	gen     uint64
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan RelayMessage

	lastRead  atomic.Int64 // unix nanos
	dropped   atomic.Uint64
	onFailure func(error)
}

func NewConnector(cfg service.UpstreamConfig, logger *zap.Logger) *Connector {
	if cfg.PayloadBuffer <= 0 {
		cfg.PayloadBuffer = 2048
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	c := &Connector{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger:   logger.With(zap.String("component", "connector")),
		payloads: make(chan Payload, cfg.PayloadBuffer),
		pending:  make(map[string]chan RelayMessage),
	}
	c.logger.Info("Connector initialized", zap.String("URL", cfg.WSURL))
	return c
}

// OnFailure sets the callback invoked when the live connection breaks.
// Call before Connect.
func (c *Connector) OnFailure(fn func(error)) {
	c.onFailure = fn
}

// Payloads returns the channel of raw venue payloads. It is never closed.
func (c *Connector) Payloads() <-chan Payload {
	return c.payloads
}

// Generation returns the generation of the current connection. Every
// Connect and Close advances it.
func (c *Connector) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Dropped returns the number of payloads dropped because the channel was full.
func (c *Connector) Dropped() uint64 {
	return c.dropped.Load()
}

// Connect dials the relay, replacing any previous connection, and starts the
// read loop. prepare, if set, runs once the new generation is in place and
// before anything is read from the new connection.
func (c *Connector) Connect(ctx context.Context, prepare func()) error {
	c.logger.Info("Connecting to relay...", zap.String("URL", c.cfg.WSURL))

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if prepare != nil {
		prepare()
	}

	c.touch()
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	go c.readLoop(conn, gen)
	c.logger.Info("Connected to relay")
	return nil
}

func (c *Connector) touch() {
	c.lastRead.Store(time.Now().UnixNano())
}

func (c *Connector) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// readLoop reads until the connection breaks. Only the current connection
// reports failures; a replaced one exits quietly.
func (c *Connector) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		if c.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !c.current(gen) {
				return
			}
			c.logger.Error("Error reading relay message", zap.Error(err))
			c.failPending(err)
			if c.onFailure != nil {
				c.onFailure(fmt.Errorf("%w: %v", ErrUpstreamDisconnected, err))
			}
			return
		}
		c.touch()
		c.handleMessage(message, gen)
	}
}

func (c *Connector) handleMessage(message []byte, gen uint64) {
	var msg RelayMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Debug("Ignoring non-JSON relay message", zap.Error(err))
		return
	}

	switch msg.Type {
	case msgPayload:
		if len(msg.Data) == 0 {
			return
		}
		c.push(Payload{Gen: gen, Data: unwrapData(msg.Data)})
	case msgCurrentAsset, msgError:
		c.resolve(msg)
	default:
		c.logger.Debug("Ignoring relay message", zap.String("type", msg.Type))
	}
}

// unwrapData returns the payload bytes. Text frames arrive as JSON strings
// (e.g. socket.io "42[...]") and are unquoted.
func unwrapData(data json.RawMessage) []byte {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			return []byte(s)
		}
	}
	return data
}

func (c *Connector) push(p Payload) {
	select {
	case c.payloads <- p:
	default:
		c.dropped.Add(1)
		c.logger.Warn("Payload channel full! Dropping payload.", zap.Int("bytes", len(p.Data)))
	}
}

func (c *Connector) resolve(msg RelayMessage) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("Reply for unknown request", zap.String("id", msg.ID))
		return
	}
	ch <- msg
}

func (c *Connector) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- RelayMessage{Type: msgError, ID: id, Error: err.Error()}
		delete(c.pending, id)
	}
}

func (c *Connector) write(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrUpstreamDisconnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return conn.WriteJSON(v)
}

// QueryCurrentAsset asks the relay which asset the venue is showing.
// An empty answer is ErrNoCurrentAsset; no default is substituted.
func (c *Connector) QueryCurrentAsset(ctx context.Context) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.QueryTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	reply := make(chan RelayMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = reply
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(RelayMessage{Type: msgQueryCurrentAsset, ID: id}); err != nil {
		return "", fmt.Errorf("send asset query: %w", err)
	}

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("asset query: %w", ctx.Err())
	case msg := <-reply:
		if msg.Type == msgError {
			return "", fmt.Errorf("asset query: %s", msg.Error)
		}
		asset := strings.TrimSpace(msg.Asset)
		if asset == "" {
			return "", ErrNoCurrentAsset
		}
		return asset, nil
	}
}

// Healthy pings the relay and checks that something was read recently.
func (c *Connector) Healthy(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrUpstreamDisconnected
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrUpstreamDisconnected, err)
	}

	if c.cfg.ReadTimeout > 0 {
		idle := time.Since(time.Unix(0, c.lastRead.Load()))
		if idle > c.cfg.ReadTimeout {
			return fmt.Errorf("%w: no data for %s", ErrUpstreamDisconnected, idle.Round(time.Second))
		}
	}
	return nil
}

// Close drops the connection without reporting a failure.
func (c *Connector) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.gen++
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"candle-stream-bridge/internal/model"
	"candle-stream-bridge/internal/service"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxCommandSize = 64 * 1024
	commandTimeout = 10 * time.Second
)

// StatusFunc returns the extra fields reported by /healthz.
type StatusFunc func() map[string]any

// Server exposes the gateway to local clients: /ws for events and commands,
// /healthz and /api/history for plain HTTP.
type Server struct {
	mux      *http.ServeMux
	gw       *Gateway
	cfg      service.GatewayConfig
	upgrader websocket.Upgrader
	status   StatusFunc
	logger   *zap.Logger
}

func NewServer(gw *Gateway, cfg service.GatewayConfig, status StatusFunc, logger *zap.Logger) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	s := &Server{
		mux:    http.NewServeMux(),
		gw:     gw,
		cfg:    cfg,
		status: status,
		logger: logger.With(zap.String("component", "server")),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/ws", http.HandlerFunc(s.handleWS))
	s.mux.Handle("/healthz", http.HandlerFunc(s.handleHealth))
	s.mux.Handle("/api/history", http.HandlerFunc(s.handleHistory))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// checkOrigin allows same-host and configured origins; an empty list allows all.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	hub := s.gw.Hub()
	client := hub.Register()
	defer hub.Unregister(client)

	// a new client learns the current session straight away
	hub.Send(client, NewEvent(EventBackendReconnected, s.gw.Session()))

	go s.writePump(conn, client)
	s.readPump(r.Context(), conn, client)
}

func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, client *Client) {
	defer conn.Close()
	conn.SetReadLimit(maxCommandSize)
	conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("Client read error", zap.String("client", client.ID), zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			s.reply(client, "", NewEvent(EventError, ErrorPayload{Error: "malformed command: " + err.Error()}))
			continue
		}

		s.logger.Debug("Command received", zap.String("client", client.ID), zap.String("type", string(cmd.Type)))
		cctx, cancel := context.WithTimeout(ctx, commandTimeout)
		err = s.gw.Handle(cctx, cmd)
		cancel()

		// detection failures are already broadcast as asset_detection_failed
		if err != nil && cmd.Type != CmdDetectAsset {
			s.reply(client, cmd.ID, NewEvent(EventError, ErrorPayload{Command: string(cmd.Type), Error: err.Error()}))
		}
	}
}

func (s *Server) reply(client *Client, replyTo string, ev Event) {
	ev.ReplyTo = replyTo
	s.gw.Hub().Send(client, ev)
}

func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-client.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case <-client.Ready():
			for _, ev := range client.Drain() {
				conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				if err := conn.WriteJSON(ev); err != nil {
					s.logger.Warn("Client write error", zap.String("client", client.ID), zap.Error(err))
					return
				}
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"session": s.gw.Session(),
		"clients": s.gw.Hub().Stats(),
		"time":    time.Now().UTC(),
	}
	if s.status != nil {
		for k, v := range s.status() {
			body[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

// parseTimeframe accepts minutes ("5") or an interval label ("5m", "1h").
func parseTimeframe(raw string) (int, error) {
	if m, err := strconv.Atoi(raw); err == nil {
		if m <= 0 {
			return 0, fmt.Errorf("timeframe must be > 0, got %d", m)
		}
		return m, nil
	}
	d, err := service.ParseIntervalDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < time.Minute || d%time.Minute != 0 {
		return 0, fmt.Errorf("timeframe must be whole minutes, got %s", raw)
	}
	return int(d / time.Minute), nil
}

// handleHistory serves frozen candles: ?asset=<id>[&timeframe=<minutes>].
// Without asset the current session asset is used.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session := s.gw.Session()
	asset := strings.TrimSpace(r.URL.Query().Get("asset"))
	if asset == "" {
		asset = session.Asset
	}
	if asset == "" {
		http.Error(w, "asset is required", http.StatusBadRequest)
		return
	}

	minutes := s.gw.agg.Timeframe()
	if raw := r.URL.Query().Get("timeframe"); raw != "" {
		m, err := parseTimeframe(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		minutes = m
	}

	candles := s.gw.agg.HistoryAt(asset, minutes)
	if candles == nil {
		candles = []model.Candle{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(model.History{Asset: asset, Period: minutes * 60, Candles: candles})
}

package gateway

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultClientQueue is the per-client backlog before the oldest events are dropped.
const DefaultClientQueue = 1000

// Client is one subscriber. Its queue is bounded; when full the oldest event
// is discarded, so a slow client never slows down the producer.
type Client struct {
	ID string

	mu     sync.Mutex
	queue  []Event
	max    int
	closed bool
	ready  chan struct{}
	done   chan struct{}

	dropped atomic.Uint64
}

func newClient(max int) *Client {
	return &Client{
		ID:    uuid.NewString(),
		max:   max,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// push appends ev, evicting the oldest event on overflow. Reports whether
// something was dropped.
func (c *Client) push(ev Event) (dropped bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if len(c.queue) >= c.max {
		c.queue[0] = Event{}
		c.queue = c.queue[1:]
		c.dropped.Add(1)
		dropped = true
	}
	c.queue = append(c.queue, ev)
	c.mu.Unlock()

	select {
	case c.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Drain takes every queued event.
func (c *Client) Drain() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	return out
}

// Ready fires when events are waiting.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Done is closed when the client is unregistered.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Dropped() uint64 { return c.dropped.Load() }

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.queue = nil
		close(c.done)
	}
}

// HubStats are fan-out counters.
type HubStats struct {
	Clients   int    `json:"clients"`
	Broadcast uint64 `json:"broadcast"`
	Dropped   uint64 `json:"dropped"`
}

// Hub fans events out to every registered client.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]*Client
	queueSize int
	logger    *zap.Logger

	broadcast atomic.Uint64
	dropped   atomic.Uint64
}

func NewHub(queueSize int, logger *zap.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultClientQueue
	}
	return &Hub{
		clients:   make(map[string]*Client),
		queueSize: queueSize,
		logger:    logger.With(zap.String("component", "hub")),
	}
}

func (h *Hub) Register() *Client {
	c := newClient(h.queueSize)
	h.mu.Lock()
	h.clients[c.ID] = c
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("Client connected", zap.String("client", c.ID), zap.Int("clients", n))
	return c
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.ID]
	delete(h.clients, c.ID)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.close()
		h.logger.Info("Client disconnected", zap.String("client", c.ID),
			zap.Uint64("dropped", c.Dropped()), zap.Int("clients", n))
	}
}

// Broadcast queues ev for every client. Never blocks.
func (h *Hub) Broadcast(ev Event) {
	h.broadcast.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.push(ev) {
			if h.dropped.Add(1)%100 == 1 {
				h.logger.Warn("Client queue full! Dropping oldest events.",
					zap.String("client", c.ID), zap.Uint64("client_dropped", c.Dropped()))
			}
		}
	}
}

// Send queues ev for a single client.
func (h *Hub) Send(c *Client, ev Event) {
	if c.push(ev) {
		h.dropped.Add(1)
	}
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return HubStats{Clients: n, Broadcast: h.broadcast.Load(), Dropped: h.dropped.Load()}
}

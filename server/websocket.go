package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/linyinli/llama-box/metrics"
)

// Event types pushed to websocket clients.
const (
	EventGenerationStarted   = "generation_started"
	EventGenerationProgress  = "generation_progress"
	EventGenerationCompleted = "generation_completed"
	EventGenerationFailed    = "generation_failed"
	EventGPUUpdate           = "gpu_update"
)

// Event is the envelope of every websocket message.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(eventType string, data any) Event {
	return Event{Type: eventType, Timestamp: time.Now(), Data: data}
}

// GenerationEvent describes a request starting or finishing.
type GenerationEvent struct {
	RequestID  string `json:"request_id"`
	Mode       string `json:"mode"`
	Prompt     string `json:"prompt,omitempty"`
	Images     int    `json:"images"`
	Status     string `json:"status,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ProgressEvent reports one sampling step of one image of a request.
type ProgressEvent struct {
	RequestID string `json:"request_id"`
	Index     int    `json:"index"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

// HubConfig configures a ProgressHub.
type HubConfig struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	BufferSize     int
}

// DefaultHubConfig returns the standard keep-alive timings.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 512,
		BufferSize:     256,
	}
}

// ProgressHub fans generation events out to every connected websocket
// client. Clients only listen; anything they send is discarded.
type ProgressHub struct {
	config   HubConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]*hubClient
	closed  bool

	broadcast chan Event
}

type hubClient struct {
	remoteAddr string
	send       chan []byte
	once       sync.Once
}

func (c *hubClient) close() {
	c.once.Do(func() { close(c.send) })
}

// NewProgressHub creates a hub. Call Start to begin delivering events.
func NewProgressHub(config HubConfig, logger *zap.Logger) *ProgressHub {
	def := DefaultHubConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.PongWait <= 0 {
		config.PongWait = def.PongWait
	}
	if config.WriteWait <= 0 {
		config.WriteWait = def.WriteWait
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = def.MaxMessageSize
	}
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHub{
		config:    config,
		logger:    logger,
		clients:   make(map[*websocket.Conn]*hubClient),
		broadcast: make(chan Event, config.BufferSize),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Start delivers queued events and pings clients until ctx is done, then
// disconnects everyone.
func (h *ProgressHub) Start(ctx context.Context) {
	ping := time.NewTicker(h.config.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Close()
			return
		case ev := <-h.broadcast:
			h.deliver(ev)
		case <-ping.C:
			h.pingAll()
		}
	}
}

// Publish queues an event without blocking. Events are dropped when the
// queue is full; progress is advisory.
func (h *ProgressHub) Publish(ev Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Debug("progress hub queue full, dropping event", zap.String("type", ev.Type))
	}
}

// PublishGPU is a metrics.GPUCollector sample callback.
func (h *ProgressHub) PublishGPU(gpu metrics.GPUMetrics) {
	h.Publish(NewEvent(EventGPUUpdate, gpu))
}

// HandleConnection upgrades the request and registers the client.
func (h *ProgressHub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	client := &hubClient{
		remoteAddr: conn.RemoteAddr().String(),
		send:       make(chan []byte, h.config.BufferSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = client
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("websocket client connected",
		zap.String("remote_addr", client.remoteAddr), zap.Int("clients", count))

	conn.SetReadLimit(h.config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})

	go h.writePump(conn, client)
	go h.readPump(conn)
}

// ClientCount returns the number of connected clients.
func (h *ProgressHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client. Later connections are refused.
func (h *ProgressHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn, client := range h.clients {
		client.close()
		conn.Close()
		delete(h.clients, conn)
	}
}

func (h *ProgressHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	client, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
	}
	h.mu.Unlock()

	if ok {
		client.close()
		conn.Close()
		h.logger.Debug("websocket client disconnected", zap.String("remote_addr", client.remoteAddr))
	}
}

func (h *ProgressHub) deliver(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("failed to marshal progress event", zap.String("type", ev.Type), zap.Error(err))
		return
	}

	var slow []*websocket.Conn
	h.mu.RLock()
	for conn, client := range h.clients {
		select {
		case client.send <- data:
		default:
			slow = append(slow, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range slow {
		h.logger.Debug("websocket client too slow, disconnecting")
		h.remove(conn)
	}
}

func (h *ProgressHub) pingAll() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	deadline := time.Now().Add(h.config.WriteWait)
	for _, conn := range conns {
		// WriteControl is safe to call alongside the write pump.
		if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			h.remove(conn)
		}
	}
}

func (h *ProgressHub) readPump(conn *websocket.Conn) {
	defer h.remove(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
	}
}

func (h *ProgressHub) writePump(conn *websocket.Conn, client *hubClient) {
	defer conn.Close()
	for msg := range client.send {
		conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.remove(conn)
			return
		}
	}
}

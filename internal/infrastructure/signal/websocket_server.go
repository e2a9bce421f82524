package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"livecast/internal/infrastructure/events"
	"livecast/pkg/tracing"
	"livecast/pkg/utils"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const sinkName = "websocket"

// MetadataSender delivers timed metadata into the live stream.
type MetadataSender interface {
	SendTimedMetadata(ctx context.Context, text string) error
}

// Metrics receives client and delivery counts. *monitoring.PrometheusCollector
// satisfies it.
type Metrics interface {
	RecordClientConnected()
	RecordClientDisconnected()
	RecordEventPublished(sink string, n int)
	RecordEventsDropped(sink string, n int)
}

type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	MaxMessageSize int64
	MaxClients     int

	// Per-client command rate.
	MessagesPerSecond float64
	Burst             int

	// AllowedOrigins lists browser origins allowed to connect. "*" allows
	// any origin; an empty list only allows same-host requests.
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		SendBuffer:        64,
		MaxMessageSize:    4096,
		MaxClients:        32,
		MessagesPerSecond: 10,
		Burst:             20,
	}
}

// Command is a message sent by a dashboard.
type Command struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Text string `json:"text,omitempty"`
}

// Reply answers a Command.
type Reply struct {
	Type  string               `json:"type"`
	ID    string               `json:"id,omitempty"`
	Error *events.ErrorPayload `json:"error,omitempty"`
}

// WebSocketServer streams session events to connected dashboards and
// accepts timed metadata commands from them.
type WebSocketServer struct {
	cfg      Config
	sender   MetadataSender
	metrics  Metrics
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	logger *zap.SugaredLogger
}

type client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	done    chan struct{}
	once    sync.Once
	canSend bool
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func NewWebSocketServer(cfg Config, sender MetadataSender, metrics Metrics, logger *zap.SugaredLogger) *WebSocketServer {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = def.MessagesPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	s := &WebSocketServer{
		cfg:     cfg,
		sender:  sender,
		metrics: metrics,
		clients: make(map[*client]struct{}),
		logger:  logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// HandleWebSocket serves a client that may send metadata.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.Serve(w, r, true)
}

// Serve upgrades r and streams events until the client goes away. Clients
// without canSend only receive events and pings.
func (s *WebSocketServer) Serve(w http.ResponseWriter, r *http.Request, canSend bool) {
	s.mu.RLock()
	full := s.cfg.MaxClients > 0 && len(s.clients) >= s.cfg.MaxClients
	closed := s.closed
	s.mu.RUnlock()
	if closed || full {
		http.Error(w, "too many event stream clients", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	c := &client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, s.cfg.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst),
		done:    make(chan struct{}),
		canSend: canSend,
	}
	if !s.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	s.logger.Infow("event stream client connected", "client_id", c.id, "remote_addr", r.RemoteAddr)

	go s.writePump(c)
	s.readPump(r.Context(), c)

	s.unregister(c)
	s.logger.Infow("event stream client disconnected", "client_id", c.id)
}

func (s *WebSocketServer) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	s.metrics.RecordClientConnected()
	return true
}

func (s *WebSocketServer) unregister(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		s.metrics.RecordClientDisconnected()
	}
	s.mu.Unlock()
	c.close()
}

func (s *WebSocketServer) readPump(ctx context.Context, c *client) {
	c.conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading from event stream client", "client_id", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		cmdCtx, span := tracing.TraceWebSocketMessage(ctx, cmd.Type, c.id)
		reply := s.handleCommand(cmdCtx, c, cmd)
		if reply.Error != nil {
			span.SetStatus(codes.Error, reply.Error.Message)
		}
		span.End()
		if !s.enqueue(c, reply) {
			return
		}
	}
}

func (s *WebSocketServer) handleCommand(ctx context.Context, c *client, cmd Command) Reply {
	if !c.limiter.Allow() {
		return errorReply(cmd.ID, fmt.Errorf("rate limit exceeded"))
	}

	switch cmd.Type {
	case "ping":
		return Reply{Type: "pong", ID: cmd.ID}
	case "metadata":
		if s.sender == nil {
			return errorReply(cmd.ID, fmt.Errorf("metadata is not supported"))
		}
		if !c.canSend {
			return errorReply(cmd.ID, fmt.Errorf("metadata requires the operator role"))
		}
		if err := s.sender.SendTimedMetadata(ctx, cmd.Text); err != nil {
			s.logger.Debugw("metadata command rejected", "client_id", c.id, "error", err)
			return errorReply(cmd.ID, err)
		}
		s.logger.Debugw("metadata sent", "client_id", c.id, "text", utils.TruncateString(cmd.Text, 64))
		return Reply{Type: "ack", ID: cmd.ID}
	case "":
		return errorReply(cmd.ID, fmt.Errorf("message type is required"))
	default:
		return errorReply(cmd.ID, fmt.Errorf("unknown message type: %s", cmd.Type))
	}
}

func errorReply(id string, err error) Reply {
	p := events.NewErrorPayload(err)
	return Reply{Type: "error", ID: id, Error: &p}
}

// enqueue queues a reply for c. It returns false when c has gone away.
func (s *WebSocketServer) enqueue(c *client, reply Reply) bool {
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Errorw("failed to marshal reply", "error", err)
		return true
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	}
}

func (s *WebSocketServer) writePump(c *client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Infow("error writing to event stream client", "client_id", c.id, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "client_id", c.id, "error", err)
				c.close()
				return
			}
		}
	}
}

// Publish broadcasts ev to every client. Clients whose send buffer is full
// miss the event.
func (s *WebSocketServer) Publish(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Errorw("failed to marshal event", "type", ev.Type, "error", err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sent, dropped := 0, 0
	for c := range s.clients {
		select {
		case c.send <- data:
			sent++
		default:
			dropped++
		}
	}
	if sent > 0 {
		s.metrics.RecordEventPublished(sinkName, sent)
	}
	if dropped > 0 {
		s.metrics.RecordEventsDropped(sinkName, dropped)
		s.logger.Debugw("event dropped for slow clients", "type", ev.Type, "clients", dropped)
	}
}

// ClientCount returns the number of connected clients.
func (s *WebSocketServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close disconnects every client and refuses new ones.
func (s *WebSocketServer) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

type noopMetrics struct{}

func (noopMetrics) RecordClientConnected()           {}
func (noopMetrics) RecordClientDisconnected()        {}
func (noopMetrics) RecordEventPublished(string, int) {}
func (noopMetrics) RecordEventsDropped(string, int)  {}

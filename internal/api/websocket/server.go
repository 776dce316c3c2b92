package websocket

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/flowmesh/flowmesh/internal/engine"
	"github.com/flowmesh/flowmesh/internal/services"
	"github.com/flowmesh/flowmesh/internal/validation"
	"github.com/flowmesh/flowmesh/pkg/auth"
	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/observability"
)

// Config holds socket server settings
type Config struct {
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	// MessageRate is the per-connection sustained messages/second budget
	MessageRate float64 `mapstructure:"message_rate"`
	// HandshakeRate is the per-IP sustained upgrades/second budget
	HandshakeRate float64 `mapstructure:"handshake_rate"`
}

// DefaultConfig returns production socket defaults
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		MaxMessageSize: 512 * 1024,
		MessageRate:    100,
		HandshakeRate:  5,
	}
}

// Server owns every live editor connection and routes frames to the room and
// engine layers.
type Server struct {
	config   Config
	verifier *auth.Verifier
	authz    *services.AuthorizationService
	validate *validation.Validator
	engine   *engine.Engine
	rooms    *RoomRegistry

	mu          sync.RWMutex
	connections map[string]*Connection

	limiterMu  sync.Mutex
	ipLimiters map[string]*rate.Limiter

	logger  observability.Logger
	metrics observability.MetricsClient
	tracer  observability.StartSpanFunc
}

// NewServer creates the socket server
func NewServer(
	config Config,
	verifier *auth.Verifier,
	authz *services.AuthorizationService,
	validator *validation.Validator,
	eng *engine.Engine,
	logger observability.Logger,
	metrics observability.MetricsClient,
	tracer observability.StartSpanFunc,
) *Server {
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultConfig().PingInterval
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultConfig().MaxMessageSize
	}
	if config.MessageRate <= 0 {
		config.MessageRate = DefaultConfig().MessageRate
	}
	if config.HandshakeRate <= 0 {
		config.HandshakeRate = DefaultConfig().HandshakeRate
	}
	if tracer == nil {
		tracer = observability.NoopStartSpan
	}

	return &Server{
		config:      config,
		verifier:    verifier,
		authz:       authz,
		validate:    validator,
		engine:      eng,
		rooms:       NewRoomRegistry(logger, metrics),
		connections: make(map[string]*Connection),
		ipLimiters:  make(map[string]*rate.Limiter),
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
	}
}

// ConnectionCount returns the number of live connections
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Rooms exposes the room registry to the HTTP side-band endpoints
func (s *Server) Rooms() *RoomRegistry { return s.rooms }

// HandleWebSocket upgrades an editor connection. The handshake token is taken
// from the Authorization header or the token query parameter and must verify
// before the upgrade completes.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.allowHandshake(r) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	token := r.Header.Get("Authorization")
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	claims, err := s.verifier.VerifyToken(r.Context(), token)
	if err != nil {
		s.metrics.IncrementCounter("ws_handshake_rejected", 1)
		if errors.Is(err, auth.ErrAuthRequired) {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		http.Error(w, "invalid session", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.config.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", map[string]interface{}{
			"remote_addr": r.RemoteAddr,
			"error":       err.Error(),
		})
		return
	}
	conn.SetReadLimit(s.config.MaxMessageSize)

	connection := newConnection(uuid.New().String(), conn, claims, s.config.MessageRate, s.logger, s.metrics)
	s.register(connection)

	s.logger.Info("Editor connected", map[string]interface{}{
		"connection_id": connection.ID,
		"user_id":       claims.UserID,
	})

	go connection.writePump(context.Background(), s.config.PingInterval)
	s.readPump(connection)
}

func (s *Server) register(conn *Connection) {
	s.mu.Lock()
	s.connections[conn.ID] = conn
	count := len(s.connections)
	s.mu.Unlock()
	s.metrics.RecordGauge("ws_connections_active", float64(count), nil)
}

func (s *Server) unregister(conn *Connection) {
	s.mu.Lock()
	delete(s.connections, conn.ID)
	count := len(s.connections)
	s.mu.Unlock()
	s.metrics.RecordGauge("ws_connections_active", float64(count), nil)
}

// readPump consumes frames until the socket dies, then tears the session
// down: the room is left and peers get a presence update.
func (s *Server) readPump(conn *Connection) {
	defer func() {
		s.disconnect(conn)
	}()

	ctx := context.Background()
	for {
		msgType, data, err := conn.conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		s.metrics.IncrementCounter("ws_messages_received", 1)

		if !conn.allowMessage() {
			conn.SendEvent(models.EventError, errorFrame{
				Type:    "RATE_LIMITED",
				Message: "message rate limit exceeded",
			})
			continue
		}

		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			conn.SendEvent(models.EventError, errorFrame{
				Type:    models.ErrorValidation,
				Message: "malformed frame",
			})
			continue
		}

		s.dispatch(ctx, conn, &envelope)
	}
}

// disconnect finalizes a dead connection
func (s *Server) disconnect(conn *Connection) {
	conn.Close(websocket.StatusNormalClosure, "")
	s.unregister(conn)

	if room := s.rooms.Leave(conn.ID); room != nil {
		s.broadcastPresence(room)
	}

	s.logger.Info("Editor disconnected", map[string]interface{}{
		"connection_id": conn.ID,
		"user_id":       conn.UserID(),
	})
}

// allowHandshake applies the per-IP upgrade rate limit
func (s *Server) allowHandshake(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	s.limiterMu.Lock()
	limiter, ok := s.ipLimiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.config.HandshakeRate), int(s.config.HandshakeRate)*2)
		s.ipLimiters[host] = limiter
	}
	s.limiterMu.Unlock()

	if !limiter.Allow() {
		s.metrics.IncrementCounter("ws_handshake_rate_limited", 1)
		return false
	}
	return true
}

// NotifyWorkflowDeleted informs every session editing the workflow and
// dissolves the room. Called from the HTTP side-band when the main
// application deletes a workflow.
func (s *Server) NotifyWorkflowDeleted(workflowID string) int {
	room := s.rooms.Room(workflowID)
	if room == nil {
		return 0
	}

	notice := models.WorkflowNotice{
		WorkflowID: workflowID,
		Message:    "Workflow has been deleted",
		Timestamp:  time.Now().UnixMilli(),
	}

	room.mu.Lock()
	members := make([]*Connection, 0, len(room.sessions))
	for _, sess := range room.sessions {
		members = append(members, sess.conn)
	}
	room.mu.Unlock()

	for _, conn := range members {
		conn.SendEvent(models.EventWorkflowDeleted, notice)
		s.rooms.Leave(conn.ID)
	}

	s.logger.Info("Workflow room dissolved after deletion", map[string]interface{}{
		"workflow_id": workflowID,
		"sessions":    len(members),
	})
	return len(members)
}

// NotifyWorkflowReverted pushes a fresh snapshot to every session editing the
// workflow. Called from the HTTP side-band when the main application reverts
// a workflow to a previous version.
func (s *Server) NotifyWorkflowReverted(ctx context.Context, workflowID string) (int, error) {
	room := s.rooms.Room(workflowID)
	if room == nil {
		return 0, nil
	}

	state, err := s.engine.Snapshot(ctx, workflowID)
	if err != nil {
		return 0, err
	}

	notice := models.WorkflowNotice{
		WorkflowID: workflowID,
		Message:    "Workflow has been reverted",
		Timestamp:  time.Now().UnixMilli(),
	}

	room.mu.Lock()
	members := make([]*Connection, 0, len(room.sessions))
	for _, sess := range room.sessions {
		members = append(members, sess.conn)
	}
	room.mu.Unlock()

	for _, conn := range members {
		conn.SendEvent(models.EventWorkflowReverted, notice)
		conn.SendEvent(models.EventWorkflowState, state)
	}
	return len(members), nil
}

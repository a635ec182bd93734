// Package statusserver exposes sync manager state over HTTP.
//
// Routes:
//
//	GET  /status   current SyncManagerStatus as JSON
//	GET  /stats    SyncStatistics as JSON
//	POST /sync     trigger a pass (?force=true to run alongside another)
//	GET  /ws       websocket stream of status messages
//	GET  /metrics  Prometheus exposition
package statusserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cloudfs/cloudsync/internal/core"
	"github.com/cloudfs/cloudsync/internal/metrics"
	"github.com/cloudfs/cloudsync/internal/model"
)

// Source is the part of the sync manager the server reads from.
// *core.SyncManager satisfies it.
type Source interface {
	GetStatus(ctx context.Context) (*model.SyncManagerStatus, error)
	GetSyncStatistics(ctx context.Context) (*model.SyncStatistics, error)
	TriggerSync(ctx context.Context, force bool) (*model.SyncResult, error)
	AddStatusListener(ctx context.Context, fn func(model.SyncManagerStatus)) func()
}

// MessageType tags websocket messages.
type MessageType string

const (
	MessageTypeStatus MessageType = "status"
)

// Message is one websocket frame.
type Message struct {
	Type      MessageType              `json:"type"`
	Timestamp time.Time                `json:"timestamp"`
	Status    *model.SyncManagerStatus `json:"status,omitempty"`
}

const writeTimeout = 5 * time.Second

// Server serves status and pushes changes to websocket clients.
type Server struct {
	source Source
	router *gin.Engine
	server *http.Server
	logger *zap.Logger

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast   chan Message
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer builds the router. rec may be nil, in which case /metrics is absent.
func NewServer(source Source, rec *metrics.Recorder, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		source:    source,
		logger:    logger.Named("statusserver"),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 64),
		ctx:       ctx,
		cancel:    cancel,
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.logRequests())
	router.GET("/status", s.handleStatus)
	router.GET("/stats", s.handleStats)
	router.POST("/sync", s.handleSync)
	router.GET("/ws", s.handleWebSocket)
	if rec != nil {
		router.GET("/metrics", gin.WrapH(rec.Handler()))
	}
	s.router = router
	return s
}

// Handler returns the router, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start subscribes to status changes and serves on ln until Stop.
func (s *Server) Start(ln net.Listener) error {
	s.server = &http.Server{
		Handler:     s.router,
		ReadTimeout: 10 * time.Second,
	}

	s.unsubscribe = s.source.AddStatusListener(s.ctx, func(status model.SyncManagerStatus) {
		s.Broadcast(Message{Type: MessageTypeStatus, Status: &status})
	})

	s.wg.Add(2)
	go s.broadcastLoop()
	go func() {
		defer s.wg.Done()
		s.logger.Info("status server listening", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop closes websocket clients and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	var err error
	if s.server != nil {
		if serr := s.server.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("failed to shut down status server: %w", serr)
		}
	}
	s.wg.Wait()
	return err
}

// Broadcast queues msg for every client. Drops it when the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("broadcast queue full, dropping message", zap.String("type", string(msg.Type)))
	}
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to encode message", zap.Error(err))
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				if err := s.write(conn, data); err != nil {
					s.logger.Debug("dropping websocket client", zap.Error(err))
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	status, err := s.source.GetStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.source.GetSyncStatistics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleSync(c *gin.Context) {
	force := c.Query("force") == "true"
	result, err := s.source.TriggerSync(c.Request.Context(), force)
	switch {
	case errors.Is(err, core.ErrOffline):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrAlreadyInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, result)
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Debug("websocket client connected", zap.Int("clients", count))

	if status, err := s.source.GetStatus(c.Request.Context()); err == nil {
		data, _ := json.Marshal(Message{Type: MessageTypeStatus, Timestamp: time.Now(), Status: status})
		_ = s.write(conn, data)
	}

	// The handler must not return while the connection is in use.
	s.readLoop(conn)
}

// readLoop drains client frames until the client goes away.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug("websocket client disconnected", zap.Int("clients", count))
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

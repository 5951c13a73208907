// Package gateway serves the operator HTTP surface: a WebSocket event
// feed, a health endpoint, and a webhook task source.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/talon/internal/bus"
	"github.com/nextlevelbuilder/talon/internal/channels"
	"github.com/nextlevelbuilder/talon/internal/config"
	"github.com/nextlevelbuilder/talon/internal/task"
)

// HealthSource produces the health payload served at /health.
type HealthSource func() interface{}

// TaskSubmitter accepts webhook task submissions.
type TaskSubmitter interface {
	Submit(req task.SubmitRequest) (*task.Record, error)
}

// client is one connected WebSocket consumer.
type client struct {
	id   string
	conn *websocket.Conn
	send chan bus.Event
}

// Server is the operator gateway. It implements bus.EventPublisher:
// Broadcast fans events out to every connected WebSocket client.
type Server struct {
	cfg      config.GatewayConfig
	health   HealthSource
	tasks    TaskSubmitter
	upgrader websocket.Upgrader
	limiter  *channels.RateLimiter

	mu      sync.RWMutex
	clients map[string]*client

	httpServer *http.Server
}

// NewServer creates the gateway. tasks may be nil; the webhook endpoint
// then rejects submissions.
func NewServer(cfg config.GatewayConfig, health HealthSource, tasks TaskSubmitter) *Server {
	return &Server{
		cfg:     cfg,
		health:  health,
		tasks:   tasks,
		clients: make(map[string]*client),
		limiter: channels.NewRateLimiter(time.Minute, 30),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Non-browser operator clients; auth is the bearer token.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Broadcast implements bus.EventPublisher. Slow clients are dropped
// rather than blocking the producer.
func (s *Server) Broadcast(event bus.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.send <- event:
		default:
			slog.Debug("dropping event for slow client", "client", c.id, "event", event.Name)
		}
	}
}

// Start begins serving. Non-blocking; errors after startup are logged.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/webhook/task", s.handleWebhookTask)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("gateway listening", "addr", addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway server stopped", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down and closes all WebSocket clients.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for id, c := range s.clients {
		close(c.send)
		c.conn.Close()
		delete(s.clients, id)
	}
	s.mu.Unlock()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// authorized checks the bearer token. An empty configured token admits
// everyone (local-only deployments).
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(header, "Bearer "); ok && tok == s.cfg.Token {
		return true
	}
	return r.URL.Query().Get("token") == s.cfg.Token
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, send: make(chan bus.Event, 64)}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	slog.Info("event feed client connected", "client", c.id)

	go s.writeLoop(c)
	go s.readLoop(c)
}

func (s *Server) writeLoop(c *client) {
	for ev := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteJSON(ev); err != nil {
			s.dropClient(c)
			return
		}
	}
}

// readLoop discards inbound frames; the feed is one-way. It exists to
// observe the close handshake.
func (s *Server) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			s.dropClient(c)
			return
		}
	}
}

func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c.id]; ok {
		delete(s.clients, c.id)
		close(c.send)
	}
	s.mu.Unlock()
	c.conn.Close()
	slog.Info("event feed client disconnected", "client", c.id)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var payload interface{} = map[string]string{"status": "ok"}
	if s.health != nil {
		payload = s.health()
	}
	json.NewEncoder(w).Encode(payload)
}

// webhookRequest is the POST /webhook/task body.
type webhookRequest struct {
	Text   string   `json:"text"`
	RepoID string   `json:"repoId,omitempty"`
	Fanout []string `json:"fanout,omitempty"`
}

func (s *Server) handleWebhookTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.limiter.Allow(r.RemoteAddr) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	if s.tasks == nil {
		http.Error(w, "task orchestration unavailable", http.StatusServiceUnavailable)
		return
	}

	var req webhookRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	rec, err := s.tasks.Submit(task.SubmitRequest{
		Text:   req.Text,
		RepoID: req.RepoID,
		Fanout: req.Fanout,
		Source: task.SourceWebhook,
	})
	if err != nil {
		if err == task.ErrRepoNotFound {
			http.Error(w, "repo_not_found", http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"taskId": rec.ID, "status": string(rec.Status)})
}

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/panel-pipeline/backend/internal/config"
	"github.com/panel-pipeline/backend/internal/logging"
	"github.com/panel-pipeline/backend/internal/pipeline"
	"github.com/panel-pipeline/backend/internal/session"
	"github.com/panel-pipeline/backend/internal/stats"
)

// maxMessageBytes bounds one inbound frame; job submissions are carried
// inline.
const maxMessageBytes = 8 << 20

const errAlreadyRunning = "A process is already running for this session"

// Submitter starts a job for a session. *pipeline.Orchestrator implements it.
type Submitter interface {
	Submit(ctx context.Context, sessionID, csvData string) <-chan pipeline.Result
}

type Options struct {
	Config config.ServerConfig
	Store  *session.Store
	Hub    *Hub
	Jobs   Submitter
	Stats  *stats.Tracker
	Logger *logging.Logger

	// Static serves the client page at /. Nil disables it.
	Static http.Handler

	// BaseContext is passed to every submitted job. Cancelling it stops
	// jobs still waiting for admission.
	BaseContext context.Context
}

type Server struct {
	store          *session.Store
	hub            *Hub
	jobs           Submitter
	tracker        *stats.Tracker
	logger         *logging.Logger
	static         http.Handler
	ctx            context.Context
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	upgrader       websocket.Upgrader
}

func NewServer(opts Options) *Server {
	s := &Server{
		store:          opts.Store,
		hub:            opts.Hub,
		jobs:           opts.Jobs,
		tracker:        opts.Stats,
		logger:         opts.Logger,
		static:         opts.Static,
		ctx:            opts.BaseContext,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      opts.Config.AuthToken,
	}
	if s.logger == nil {
		s.logger = logging.NopLogger()
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}

	for _, origin := range opts.Config.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

// Handler returns the server's routes wrapped with security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.static != nil {
		mux.Handle("/", s.static)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c, err := s.hub.AddClient(conn)
	if errors.Is(err, ErrTooManyConnections) {
		s.logger.Warn("ws connection rejected", "remote", r.RemoteAddr, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	log := s.logger.WithSession(c.id)
	log.Info("ws client connected", "remote", r.RemoteAddr)
	s.hub.Publish(c.id, MsgConnected, ConnectedPayload{SessionID: c.id})

	go s.readPump(c, log)
}

// readPump handles inbound frames until the connection drops. Leaving
// removes the session; a job still running is not stopped, its further
// events are simply dropped.
func (s *Server) readPump(c *client, log *logging.Logger) {
	defer func() {
		s.hub.RemoveClient(c)
		c.conn.Close()
		s.store.Delete(c.id)
		log.Info("ws client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageBytes)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleMessage(c, log, data)
	}
}

func (s *Server) handleMessage(c *client, log *logging.Logger, data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn("invalid ws message", "error", err)
		s.publishError(c.id, "Invalid message")
		return
	}

	switch msg.Type {
	case MsgStartProcess:
		var p StartProcessPayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				log.Warn("invalid startProcess payload", "error", err)
				s.publishError(c.id, "Invalid message")
				return
			}
		}
		s.startProcess(c, log, p.CSVData)
	default:
		log.Warn("unknown ws message type", "type", msg.Type)
	}
}

func (s *Server) startProcess(c *client, log *logging.Logger, csvData string) {
	if !c.tryAcquire() {
		log.Warn("startProcess rejected, job already running")
		s.publishError(c.id, errAlreadyRunning)
		return
	}

	// A finished session from an earlier job on this connection makes way
	// for the new one.
	if st, ok := s.store.Get(c.id); ok && st.IsTerminal() {
		s.store.Delete(c.id)
	}

	done := s.jobs.Submit(s.ctx, c.id, csvData)
	go func() {
		defer c.release()
		res := <-done
		if errors.Is(res.Err, session.ErrSessionExists) {
			s.publishError(c.id, errAlreadyRunning)
		}
	}()
}

func (s *Server) publishError(sessionID, msg string) {
	s.hub.Publish(sessionID, pipeline.EventProcessError, pipeline.StagePayload{
		Status:  "error",
		Message: msg,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessions := s.store.GetAll()
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartTime.Equal(sessions[j].StartTime) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].StartTime.Before(sessions[j].StartTime)
	})
	writeJSON(w, sessions)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	state, ok := s.store.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, state)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if s.tracker == nil {
		http.Error(w, "stats not available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.tracker.Stats())
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Active   int    `json:"active"`
	Clients  int    `json:"clients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, healthResponse{
		Status:   "ok",
		Sessions: s.store.Len(),
		Active:   s.store.ActiveCount(),
		Clients:  s.hub.ClientCount(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Pipeline-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}

	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

package streamserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/broker"
	"github.com/harun/conduit/pkg/event"
	"github.com/harun/conduit/pkg/fault"
	"github.com/harun/conduit/pkg/llm"
	"github.com/harun/conduit/pkg/tool"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultWriteTimeout = 10 * time.Second

// Dispatcher accepts events from clients
type Dispatcher interface {
	Dispatch(ev event.Event) event.Event
}

// Config holds server configuration
type Config struct {
	Addr string
	// SharedSecret, when set, must be sent in the X-Conduit-Secret header
	SharedSecret string
	Broker       *broker.Broker
	Dispatcher   Dispatcher
	Model        string
	LLMConfig    llm.Config
	Tools        []tool.Tool
	Logger       *zerolog.Logger

	// Mounts adds handlers to the mux by pattern, e.g. "/hooks/"
	Mounts map[string]http.Handler

	// WriteTimeout bounds a single write to a client, default 10s.
	// Broadcasts run on the dispatcher loop, so a stalled client must not
	// hold them up.
	WriteTimeout time.Duration
}

// Server relays broker output and dispatcher events over websockets
type Server struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	clients  *clientRegistry
	logger   zerolog.Logger
	seq      int64

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlight       sync.WaitGroup
}

// New creates a server
func New(cfg Config) (*Server, error) {
	if cfg.Broker == nil && cfg.Dispatcher == nil {
		return nil, fmt.Errorf("a broker or a dispatcher is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8484"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	observability.EnsureRegistered()

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Server{
		cfg:     cfg,
		clients: newClientRegistry(),
		logger:  logger.With().Str("component", "streamserver").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// Handler returns the HTTP handler serving /ws, /metrics, /healthz and any
// configured mounts
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	for pattern, h := range s.cfg.Mounts {
		mux.Handle(pattern, h)
	}
	return mux
}

// Start listens in the background
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
	}

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("Starting stream server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Stream server error")
			errCh <- err
		}
	}()

	// Give the listener a moment to fail fast on a bad address
	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start stream server: %w", err)
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

// Stop drains in-flight requests, closes clients and shuts down
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down stream server")

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, c := range s.clients.all() {
		c.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("Stream server stopped")
	return nil
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	return s.clients.count()
}

// Clients describes connected clients
func (s *Server) Clients() []ClientInfo {
	all := s.clients.all()
	out := make([]ClientInfo, 0, len(all))
	for _, c := range all {
		out = append(out, ClientInfo{ID: c.ID, ConnectedAt: c.ConnectedAt, IPAddress: c.IPAddress})
	}
	return out
}

// BroadcastEvent sends ev to every client
func (s *Server) BroadcastEvent(ev event.Event) {
	msg := Response{
		Type:      TypeEvent,
		Event:     &ev,
		Seq:       atomic.AddInt64(&s.seq, 1),
		Timestamp: time.Now().UnixMilli(),
	}

	for _, c := range s.clients.all() {
		if err := c.WriteJSON(msg); err != nil {
			s.logger.Warn().
				Err(err).
				Str("clientId", c.ID).
				Str("eventType", string(ev.Type)).
				Int64("seq", msg.Seq).
				Msg("Failed to broadcast to client, dropping it")
			// the read loop sees the close and unregisters the client
			c.Conn.Close()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	shuttingDown := s.isShuttingDown
	s.shutdownMu.RUnlock()
	if shuttingDown {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.cfg.SharedSecret != "" && r.Header.Get("X-Conduit-Secret") != s.cfg.SharedSecret {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:          clientID,
		Conn:        conn,
		ConnectedAt: time.Now(),
		IPAddress:   r.RemoteAddr,

		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.clients.add(client)
	observability.AddStreamClients(1)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	go s.handleClient(client)
}

func (s *Server) handleClient(client *Client) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		client.Conn.Close()
		if s.clients.remove(client.ID) {
			observability.AddStreamClients(-1)
		}
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		var req Request
		if err := json.Unmarshal(message, &req); err != nil {
			s.send(client, Response{Type: TypeError, Error: "invalid message: " + err.Error(), Kind: string(fault.KindParse)})
			continue
		}

		s.inFlight.Add(1)
		go func() {
			defer s.inFlight.Done()
			s.handleRequest(ctx, client, req)
		}()
	}
}

func (s *Server) handleRequest(ctx context.Context, client *Client, req Request) {
	switch req.Type {
	case TypeGenerate:
		s.handleGenerate(ctx, client, req)
	case TypeDispatch:
		s.handleDispatch(client, req)
	default:
		s.send(client, Response{Type: TypeError, ID: req.ID, Error: fmt.Sprintf("unknown request type: %q", req.Type)})
	}
}

func (s *Server) handleDispatch(client *Client, req Request) {
	if s.cfg.Dispatcher == nil {
		s.send(client, Response{Type: TypeError, ID: req.ID, Error: "dispatching is not enabled"})
		return
	}
	if req.Event == nil || req.Event.Type == "" {
		s.send(client, Response{Type: TypeError, ID: req.ID, Error: "dispatch requires an event with a type"})
		return
	}

	ev := *req.Event
	if ev.Source == "" {
		ev.Source = "ws:" + client.ID
	}
	ev.Timestamp = time.Time{}
	out := s.cfg.Dispatcher.Dispatch(ev)

	s.send(client, Response{Type: TypeDispatched, ID: req.ID, CorrelationID: out.CorrelationID})
}

func (s *Server) handleGenerate(ctx context.Context, client *Client, req Request) {
	if s.cfg.Broker == nil {
		s.send(client, Response{Type: TypeError, ID: req.ID, Error: "generation is not enabled"})
		return
	}

	messages := req.Messages
	if len(messages) == 0 {
		if req.Prompt == "" {
			s.send(client, Response{Type: TypeError, ID: req.ID, Error: "generate requires a prompt or messages"})
			return
		}
		messages = []llm.Message{llm.UserMessage(req.Prompt)}
	}

	model := req.Model
	if model == "" {
		model = s.cfg.Model
	}

	ctx = tracing.WithTraceID(ctx, req.ID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	breq := broker.Request{Model: model, Messages: messages, Config: s.cfg.LLMConfig, Tools: s.cfg.Tools}

	if !req.Stream {
		text, err := s.cfg.Broker.Generate(ctx, breq)
		if err != nil {
			logger.Error().Err(err).Msg("Generation failed")
			s.sendFault(client, req.ID, err)
			return
		}
		s.send(client, Response{Type: TypeChunk, ID: req.ID, Content: text})
		s.send(client, Response{Type: TypeDone, ID: req.ID})
		return
	}

	chunks, err := s.cfg.Broker.Stream(ctx, breq)
	if err != nil {
		logger.Error().Err(err).Msg("Stream failed to open")
		s.sendFault(client, req.ID, err)
		return
	}

	for res := range chunks {
		text, err := res.Unwrap()
		if err != nil {
			logger.Error().Err(err).Msg("Stream failed")
			s.sendFault(client, req.ID, err)
			return
		}
		if err := s.send(client, Response{Type: TypeChunk, ID: req.ID, Content: text}); err != nil {
			return
		}
	}
	s.send(client, Response{Type: TypeDone, ID: req.ID})
}

func (s *Server) sendFault(client *Client, id string, err error) {
	s.send(client, Response{Type: TypeError, ID: id, Error: err.Error(), Kind: string(fault.KindOf(err))})
}

func (s *Server) send(client *Client, resp Response) error {
	if resp.Timestamp == 0 {
		resp.Timestamp = time.Now().UnixMilli()
	}
	if err := client.WriteJSON(resp); err != nil {
		s.logger.Warn().Err(err).Str("clientId", client.ID).Str("type", resp.Type).Msg("Failed to send message")
		return err
	}
	return nil
}

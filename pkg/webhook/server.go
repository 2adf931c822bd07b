package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/event"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CorrelationHeader lets a sender continue an existing causal chain
const CorrelationHeader = "X-Correlation-ID"

// Dispatcher receives events built from accepted requests
type Dispatcher interface {
	Dispatch(ev event.Event) event.Event
}

// Server turns signed HTTP POSTs into dispatched events. It is an
// http.Handler meant to be mounted on an existing mux.
type Server struct {
	opts       Options
	dispatcher Dispatcher
	limiter    *RateLimiter
	logger     zerolog.Logger

	endpoints map[string]*Endpoint // key: path
	mu        sync.RWMutex
}

// New creates an ingress dispatching into d
func New(d Dispatcher, opts Options, logger *zerolog.Logger) (*Server, error) {
	if d == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if opts.RateLimitPerMinute <= 0 {
		opts.RateLimitPerMinute = 100
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	observability.EnsureRegistered()

	l := log.Logger
	if logger != nil {
		l = *logger
	}

	return &Server{
		opts:       opts,
		dispatcher: d,
		limiter:    NewRateLimiter(opts.RateLimitPerMinute),
		logger:     l.With().Str("component", "webhook").Logger(),
		endpoints:  make(map[string]*Endpoint),
	}, nil
}

// Register adds an endpoint. Each path may be registered once.
func (s *Server) Register(ep Endpoint) error {
	if !strings.HasPrefix(ep.Path, "/") {
		return fmt.Errorf("webhook path must start with /: %q", ep.Path)
	}
	if ep.EventType == "" {
		return fmt.Errorf("webhook %s: event type is required", ep.Path)
	}
	if ep.SignatureAlgorithm == "" {
		ep.SignatureAlgorithm = "sha256"
	}
	if _, ok := computeSignature(nil, "", ep.SignatureAlgorithm); !ok {
		return fmt.Errorf("webhook %s: unsupported signature algorithm %q", ep.Path, ep.SignatureAlgorithm)
	}
	if ep.SignatureHeader == "" {
		ep.SignatureHeader = "X-Webhook-Signature"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.endpoints[ep.Path]; exists {
		return fmt.Errorf("webhook already registered: %s", ep.Path)
	}
	s.endpoints[ep.Path] = &ep

	s.logger.Info().
		Str("path", ep.Path).
		Str("eventType", string(ep.EventType)).
		Bool("signed", ep.Secret != "").
		Msg("Webhook registered")
	return nil
}

// Unregister removes the endpoint at path
func (s *Server) Unregister(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.endpoints[path]; !ok {
		return false
	}
	delete(s.endpoints, path)
	return true
}

// Endpoints lists registered endpoints by path
func (s *Server) Endpoints() []Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		out = append(out, *ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Stop releases the rate limiter
func (s *Server) Stop() {
	s.limiter.Stop()
}

func (s *Server) endpoint(path string) *Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoints[path]
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ep := s.endpoint(r.URL.Path)
	if ep == nil {
		s.reject(w, "unmatched", http.StatusNotFound, "Not Found")
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.reject(w, ep.Path, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}

	ip := clientIP(r)
	if !s.limiter.Allow(ip) {
		retryAfter := s.limiter.RetryAfter(ip)
		s.logger.Warn().
			Str("ip", ip).
			Str("path", ep.Path).
			Int("retryAfter", retryAfter).
			Msg("Rate limit exceeded")
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.reject(w, ep.Path, http.StatusTooManyRequests, "Too Many Requests")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.reject(w, ep.Path, http.StatusRequestEntityTooLarge, "Request Entity Too Large")
			return
		}
		s.reject(w, ep.Path, http.StatusBadRequest, "Bad Request")
		return
	}

	if ep.Secret != "" {
		signature := r.Header.Get(ep.SignatureHeader)
		if signature == "" || !verifySignature(body, signature, ep.Secret, ep.SignatureAlgorithm) {
			s.logger.Warn().
				Str("path", ep.Path).
				Str("ip", ip).
				Bool("missing", signature == "").
				Msg("Webhook signature rejected")
			s.reject(w, ep.Path, http.StatusUnauthorized, "Unauthorized")
			return
		}
	}

	data, err := decodeBody(body)
	if err != nil {
		s.logger.Debug().Err(err).Str("path", ep.Path).Msg("Webhook body rejected")
		s.reject(w, ep.Path, http.StatusBadRequest, err.Error())
		return
	}

	ev := event.New("webhook:"+ep.Path, event.Custom{Kind: ep.EventType, Data: data})
	if id := r.Header.Get(CorrelationHeader); id != "" {
		ev = ev.WithCorrelationID(id)
	}
	ev = s.dispatcher.Dispatch(ev)

	ctx := tracing.NewEventContext(r.Context(), ev.CorrelationID, string(ev.Type), "")
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("path", ep.Path).
		Str("ip", ip).
		Msg("Webhook accepted")

	observability.RecordWebhookRequest(ep.Path, http.StatusAccepted)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(Accepted{CorrelationID: ev.CorrelationID, EventType: ev.Type})
}

func (s *Server) reject(w http.ResponseWriter, path string, code int, msg string) {
	observability.RecordWebhookRequest(path, code)
	http.Error(w, msg, code)
}

// decodeBody accepts an empty body or a JSON object
func decodeBody(body []byte) (map[string]interface{}, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("body must be a JSON object")
	}
	return data, nil
}

// clientIP prefers proxy headers over the socket address
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

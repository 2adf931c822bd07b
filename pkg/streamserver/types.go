package streamserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/conduit/pkg/event"
	"github.com/harun/conduit/pkg/llm"
)

// Message types sent by clients
const (
	TypeGenerate = "generate"
	TypeDispatch = "dispatch"
)

// Message types sent by the server
const (
	TypeChunk      = "chunk"
	TypeDone       = "done"
	TypeError      = "error"
	TypeDispatched = "dispatched"
	TypeEvent      = "event"
)

// Request is a client message
type Request struct {
	Type     string        `json:"type"`
	ID       string        `json:"id,omitempty"`
	Model    string        `json:"model,omitempty"`
	Prompt   string        `json:"prompt,omitempty"`
	Messages []llm.Message `json:"messages,omitempty"`
	// Stream selects chunked output for generate requests
	Stream bool         `json:"stream,omitempty"`
	Event  *event.Event `json:"event,omitempty"`
}

// Response is a server message
type Response struct {
	Type          string       `json:"type"`
	ID            string       `json:"id,omitempty"`
	Content       string       `json:"content,omitempty"`
	Error         string       `json:"error,omitempty"`
	Kind          string       `json:"kind,omitempty"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	Event         *event.Event `json:"event,omitempty"`
	Seq           int64        `json:"seq,omitempty"`
	Timestamp     int64        `json:"timestamp"`
}

// Client is a connected websocket peer
type Client struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	IPAddress   string

	// WriteTimeout bounds each write; zero means no deadline
	WriteTimeout time.Duration

	writeMu sync.Mutex
}

// WriteJSON serializes writes; gorilla connections allow one writer at a time.
// After a failed write the connection is unusable.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.WriteTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout)); err != nil {
			return err
		}
	}
	return c.Conn.WriteJSON(v)
}

// ClientInfo describes a connected client
type ClientInfo struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connectedAt"`
	IPAddress   string    `json:"ipAddress"`
}

// clientRegistry tracks connected clients
type clientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{clients: make(map[string]*Client)}
}

func (r *clientRegistry) add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID] = c
}

func (r *clientRegistry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.clients[id]
	delete(r.clients, id)
	return ok
}

func (r *clientRegistry) all() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

func (r *clientRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

package webhook

import (
	"github.com/harun/conduit/pkg/event"
)

// Endpoint maps an HTTP path to an event type. Accepted requests are
// dispatched as a Custom event carrying the decoded body.
type Endpoint struct {
	Path      string     `json:"path"` // e.g. "/hooks/github"
	EventType event.Type `json:"eventType"`

	// Secret enables HMAC verification of the raw body
	Secret             string `json:"secret,omitempty"`
	SignatureHeader    string `json:"signatureHeader,omitempty"`    // default X-Webhook-Signature
	SignatureAlgorithm string `json:"signatureAlgorithm,omitempty"` // sha256 (default) or sha1
	Description        string `json:"description,omitempty"`
}

// Options configures the ingress
type Options struct {
	RateLimitPerMinute int   // per client IP, default 100
	MaxBodyBytes       int64 // default 1 MiB
}

// Accepted is the body of a 202 response
type Accepted struct {
	CorrelationID string     `json:"correlation_id"`
	EventType     event.Type `json:"event_type"`
}

// rateLimitState tracks request timestamps for one client
type rateLimitState struct {
	requests []int64 // unix millis
}

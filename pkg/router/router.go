package router

import (
	"sync"

	"github.com/harun/conduit/pkg/agent"
	"github.com/harun/conduit/pkg/event"
	"github.com/rs/zerolog/log"
)

// Router maps event types to the ordered list of agents that receive them
type Router struct {
	routes map[event.Type][]agent.Agent
	mu     sync.RWMutex
}

// New creates an empty router
func New() *Router {
	return &Router{
		routes: make(map[event.Type][]agent.Agent),
	}
}

// AddRoute appends a to the agents for eventType. Adding the same agent
// twice makes it receive the event twice.
func (r *Router) AddRoute(eventType event.Type, a agent.Agent) {
	if a == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.routes[eventType] = append(r.routes[eventType], a)

	log.Debug().
		Str("eventType", string(eventType)).
		Str("agent", a.Name()).
		Msg("Route added")
}

// Agents returns a copy of the agents registered for ev's type, in
// registration order. Unknown types yield an empty slice.
func (r *Router) Agents(ev event.Event) []agent.Agent {
	return r.AgentsFor(ev.Type)
}

// AgentsFor is Agents keyed by type
func (r *Router) AgentsFor(eventType event.Type) []agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	registered := r.routes[eventType]
	out := make([]agent.Agent, len(registered))
	copy(out, registered)
	return out
}

// RemoveAgent drops every route to the named agent
func (r *Router) RemoveAgent(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for t, agents := range r.routes {
		kept := agents[:0:0]
		for _, a := range agents {
			if a.Name() == name {
				removed++
				continue
			}
			kept = append(kept, a)
		}
		if len(kept) == 0 {
			delete(r.routes, t)
		} else {
			r.routes[t] = kept
		}
	}
	return removed
}

// Clear removes every route
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = make(map[event.Type][]agent.Agent)
}

// Routes returns the number of agents registered per event type
func (r *Router) Routes() map[event.Type]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[event.Type]int, len(r.routes))
	for t, agents := range r.routes {
		out[t] = len(agents)
	}
	return out
}

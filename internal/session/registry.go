package session

import (
	"context"
	"sync"

	"github.com/agentdeck/agentdeck/internal/event"
	"github.com/agentdeck/agentdeck/internal/logging"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// Registry holds at most one live session per agent identity. Sessions
// are created lazily on first access and survive until cleared, so a
// conversation persists across UI navigation. The registry is an
// explicit value owned by the composition root, not a global.
type Registry struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session
}

// Detail is a read-only snapshot of one live session, for
// observability surfaces.
type Detail struct {
	AgentID        string                `json:"agentId"`
	SessionID      string                `json:"sessionId"`
	MessageCount   int                   `json:"historyCount"`
	RequestHistory []types.RequestRecord `json:"requestHistory"`
}

// NewRegistry creates an empty registry. Sessions it constructs share
// the given options.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Get returns the live session for the agent, constructing one on first
// access. The creation handshake for remote-protocol agents runs at
// most once; a handshake failure is logged but does not discard the
// session, matching the protocol's tolerance for servers that create
// sessions implicitly on the first turn.
func (r *Registry) Get(ctx context.Context, agent types.Agent) *Session {
	r.mu.Lock()
	s, ok := r.sessions[agent.ID]
	if !ok {
		s = New(agent, r.opts)
		r.sessions[agent.ID] = s
	}
	r.mu.Unlock()

	if !ok {
		if err := s.Create(ctx); err != nil {
			logging.Error().Err(err).Str("agent", agent.ID).Msg("session creation handshake failed")
		}
	}
	return s
}

// Clear evicts the session for an agent so the next access builds a
// fresh one. Called when an agent is stopped.
func (r *Registry) Clear(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, agentID)
}

// Bind subscribes the registry to the event bus so sessions are evicted
// when their agent stops. Returns the unsubscribe function.
func (r *Registry) Bind(bus *event.Bus) func() {
	return bus.Subscribe(event.StatusChanged, func(e event.Event) {
		data, ok := e.Data.(event.StatusChangedData)
		if !ok {
			return
		}
		if data.Agent.Status == types.StatusStopped && data.Previous != types.StatusStopped {
			r.Clear(data.Agent.ID)
		}
	})
}

// Details returns a snapshot of every live session.
func (r *Registry) Details() []Detail {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	details := make([]Detail, 0, len(sessions))
	for _, s := range sessions {
		details = append(details, Detail{
			AgentID:        s.AgentID(),
			SessionID:      s.ID(),
			MessageCount:   len(s.History()),
			RequestHistory: s.Requests(),
		})
	}
	return details
}

package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes. Agent identities contain
// slashes, so commands take the agent in the request body rather than
// the path.
func (s *Server) setupRoutes() {
	r := s.router

	r.Route("/agents", func(r chi.Router) {
		r.Get("/", s.listAgents)
		r.Get("/groups", s.listGroups)
	})

	r.Route("/command", func(r chi.Router) {
		r.Post("/start", s.startAgent)
		r.Post("/stop", s.stopAgent)
		r.Post("/stop_all", s.stopAll)
	})

	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/chat", s.chat) // Streaming NDJSON response
	})

	r.Get("/connection", s.getConnection)
	r.Get("/logs", s.getLogs)

	r.Get("/agent_events", s.getAgentEvents)
	r.Delete("/agent_events", s.clearAgentEvents)

	// Event streaming (SSE)
	r.Get("/event", s.allEvents)
}

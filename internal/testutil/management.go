// Package testutil provides in-process fakes of the management server
// and of agent backends for tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/agentdeck/agentdeck/pkg/types"
)

// ManagementServer fakes the management backend: the roster endpoint
// plus the realtime websocket channel. Tests drive it explicitly by
// pushing frames and reading the commands the client sent.
type ManagementServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	agents []types.Agent
	roots  []types.AgentRoot
	conn   *websocket.Conn

	// RosterFails makes GET /agents return 503 while set, to exercise
	// the readiness-probe retry path.
	rosterFails bool

	commands chan map[string]any
	clients  chan struct{}
}

// NewManagementServer starts a fake management server with the given
// roster and roots.
func NewManagementServer(agents []types.Agent, roots []types.AgentRoot) *ManagementServer {
	s := &ManagementServer{
		agents:   agents,
		roots:    roots,
		commands: make(chan map[string]any, 64),
		clients:  make(chan struct{}, 8),
	}

	r := chi.NewRouter()
	r.Get("/agents", s.handleAgents)
	r.Get("/ws", s.handleChannel)
	s.server = httptest.NewServer(r)
	return s
}

// URL returns the management base URL.
func (s *ManagementServer) URL() string {
	return s.server.URL
}

// Close shuts the fake down.
func (s *ManagementServer) Close() {
	s.DropClient()
	s.server.Close()
}

// SetRosterFails toggles roster fetch failures.
func (s *ManagementServer) SetRosterFails(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rosterFails = fail
}

func (s *ManagementServer) handleAgents(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	fail := s.rosterFails
	agents := s.agents
	s.mu.Unlock()

	if fail {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}

	// The roster payload carries no status; the client seeds STOPPED.
	type rosterEntry struct {
		ID          string          `json:"id"`
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Type        types.AgentType `json:"type"`
	}
	out := make([]rosterEntry, len(agents))
	for i, a := range agents {
		out[i] = rosterEntry{ID: a.ID, Name: a.Name, Description: a.Description, Type: a.Type}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *ManagementServer) handleChannel(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	roots := s.roots
	s.mu.Unlock()

	select {
	case s.clients <- struct{}{}:
	default:
	}

	// The real server pushes the config roots on connect.
	if len(roots) > 0 {
		s.sendJSON(map[string]any{"type": "config", "data": roots})
	}

	for {
		var command map[string]any
		if err := conn.ReadJSON(&command); err != nil {
			return
		}
		s.commands <- command
	}
}

// WaitForClient blocks until a websocket client connects.
func (s *ManagementServer) WaitForClient(timeout time.Duration) bool {
	select {
	case <-s.clients:
		return true
	case <-time.After(timeout):
		return false
	}
}

// NextCommand returns the next command frame sent by the client.
func (s *ManagementServer) NextCommand(timeout time.Duration) (map[string]any, bool) {
	select {
	case command := <-s.commands:
		return command, true
	case <-time.After(timeout):
		return nil, false
	}
}

// SendStatus pushes a status acknowledgment frame.
func (s *ManagementServer) SendStatus(agent, status, url string) {
	frame := map[string]any{"type": "status", "agent": agent, "status": status}
	if url != "" {
		frame["url"] = url
	}
	s.sendJSON(frame)
}

// SendLog pushes a log frame.
func (s *ManagementServer) SendLog(agent, line string) {
	s.sendJSON(map[string]any{"type": "log", "agent": agent, "line": line})
}

// SendAgentEvent pushes a realtime agent event frame.
func (s *ManagementServer) SendAgentEvent(agent, eventName string, data any) {
	s.sendJSON(map[string]any{
		"type":  "agent_event",
		"agent": agent,
		"data":  map[string]any{"event": eventName, "data": data},
	})
}

// SendRaw pushes an arbitrary text frame, valid JSON or not.
func (s *ManagementServer) SendRaw(frame string) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.WriteMessage(websocket.TextMessage, []byte(frame))
	}
}

// DropClient closes the websocket to simulate channel loss.
func (s *ManagementServer) DropClient() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *ManagementServer) sendJSON(v any) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.WriteJSON(v)
	}
}

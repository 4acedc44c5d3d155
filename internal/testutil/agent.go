package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/go-chi/chi/v5"
)

// AgentServer fakes an agent backend. It serves both the native
// surface (POST /run_turn, POST /upload) and the remote-protocol
// surface (POST /apps/.../sessions/..., POST /run), so one fake covers
// either agent type.
type AgentServer struct {
	server *httptest.Server

	mu sync.Mutex
	// StreamLines, when set, is written as a chunked NDJSON stream.
	streamLines []string
	// Response, when set and no stream is configured, is returned as a
	// buffered native run_turn body.
	response string
	events   []json.RawMessage

	turnRequests    []json.RawMessage
	sessionRequests []string
	uploads         []string
}

// NewAgentServer starts a fake agent backend.
func NewAgentServer() *AgentServer {
	s := &AgentServer{}

	r := chi.NewRouter()
	r.Post("/run_turn", s.handleRunTurn)
	r.Post("/upload", s.handleUpload)
	r.Post("/run", s.handleRun)
	r.Post("/apps/{app}/users/{user}/sessions/{session}", s.handleCreateSession)
	s.server = httptest.NewServer(r)
	return s
}

// URL returns the agent base URL.
func (s *AgentServer) URL() string {
	return s.server.URL
}

// Close shuts the fake down.
func (s *AgentServer) Close() {
	s.server.Close()
}

// ScriptStream makes turn endpoints reply with the given NDJSON lines,
// written one write per line so chunk boundaries land mid-stream.
func (s *AgentServer) ScriptStream(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamLines = lines
	s.response = ""
	s.events = nil
}

// ScriptResponse makes /run_turn reply with a buffered JSON body
// carrying the final text and optional raw protocol events.
func (s *AgentServer) ScriptResponse(text string, events ...json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamLines = nil
	s.response = text
	s.events = events
}

// TurnRequests returns the raw bodies received on turn endpoints.
func (s *AgentServer) TurnRequests() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]json.RawMessage, len(s.turnRequests))
	copy(out, s.turnRequests)
	return out
}

// SessionRequests returns the paths of session-create calls received.
func (s *AgentServer) SessionRequests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sessionRequests))
	copy(out, s.sessionRequests)
	return out
}

// Uploads returns the filenames received on /upload.
func (s *AgentServer) Uploads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.uploads))
	copy(out, s.uploads)
	return out
}

func (s *AgentServer) recordTurn(r *http.Request) {
	var body json.RawMessage
	json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	s.turnRequests = append(s.turnRequests, body)
	s.mu.Unlock()
}

func (s *AgentServer) handleRunTurn(w http.ResponseWriter, r *http.Request) {
	s.recordTurn(r)

	s.mu.Lock()
	stream := s.streamLines
	response := s.response
	events := s.events
	s.mu.Unlock()

	if stream != nil {
		s.writeStream(w, stream)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"response": response, "events": events})
}

func (s *AgentServer) handleRun(w http.ResponseWriter, r *http.Request) {
	s.recordTurn(r)

	s.mu.Lock()
	stream := s.streamLines
	s.mu.Unlock()
	s.writeStream(w, stream)
}

func (s *AgentServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.sessionRequests = append(s.sessionRequests, r.URL.Path)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{}`))
}

func (s *AgentServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file.Close()

	s.mu.Lock()
	s.uploads = append(s.uploads, header.Filename)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"filename": header.Filename})
}

func (s *AgentServer) writeStream(w http.ResponseWriter, lines []string) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	for _, line := range lines {
		w.Write([]byte(line + "\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}
}

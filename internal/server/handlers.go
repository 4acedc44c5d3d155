package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/pkg/types"
)

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Agents())
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	groups := s.mgr.Groups()
	if groups == nil {
		groups = []types.AgentGroup{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) getConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"connected": s.mgr.Connected()})
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"lines": s.mgr.Logs()})
}

// commandRequest names the agent a fleet command applies to.
type commandRequest struct {
	Agent string `json:"agent"`
}

func (s *Server) decodeCommand(w http.ResponseWriter, r *http.Request) (commandRequest, bool) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return req, false
	}
	if req.Agent == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "agent is required")
		return req, false
	}
	if _, ok := s.mgr.Agent(req.Agent); !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "unknown agent")
		return req, false
	}
	return req, true
}

func (s *Server) startAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCommand(w, r)
	if !ok {
		return
	}
	s.mgr.Start(req.Agent)
	writeSuccess(w)
}

func (s *Server) stopAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCommand(w, r)
	if !ok {
		return
	}
	s.mgr.Stop(req.Agent)
	writeSuccess(w)
}

func (s *Server) stopAll(w http.ResponseWriter, r *http.Request) {
	s.mgr.StopAll()
	writeSuccess(w)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Details())
}

func (s *Server) getAgentEvents(w http.ResponseWriter, r *http.Request) {
	agent := r.URL.Query().Get("agent")
	if agent == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "agent is required")
		return
	}
	events := s.mgr.Events(agent)
	if events == nil {
		events = []types.AgentPush{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) clearAgentEvents(w http.ResponseWriter, r *http.Request) {
	agent := r.URL.Query().Get("agent")
	if agent == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "agent is required")
		return
	}
	s.mgr.ClearEvents(agent)
	writeSuccess(w)
}

// chatRequest carries one turn for an agent. File data is base64.
type chatRequest struct {
	Agent   string `json:"agent"`
	Message string `json:"message"`
	File    *struct {
		Name     string `json:"name"`
		MimeType string `json:"mimeType"`
		Data     string `json:"data"`
	} `json:"file,omitempty"`
}

// chat runs one turn and streams the decoded events back as NDJSON, so
// the dashboard renders tool activity as it happens.
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	agent, ok := s.mgr.Agent(req.Agent)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "unknown agent")
		return
	}

	var attachment *session.Attachment
	if req.File != nil {
		data, err := base64.StdEncoding.DecodeString(req.File.Data)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "file data is not valid base64")
			return
		}
		attachment = &session.Attachment{
			Name:     req.File.Name,
			MimeType: req.File.MimeType,
			Data:     data,
		}
	}

	sess := s.registry.Get(r.Context(), agent)
	turn, err := sess.RunTurn(r.Context(), req.Message, attachment)
	if err != nil {
		if errors.Is(err, session.ErrTurnInProgress) {
			writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, ErrCodeAgentError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for {
		ev, err := turn.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			enc.Encode(types.TurnEvent{Type: types.TurnError, Content: err.Error()})
			return
		}
		enc.Encode(ev)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// Package session implements the per-agent conversation runtime: one
// session per agent identity, the turn protocol drivers, the streaming
// turn decoder, and the session registry.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/internal/audit"
	"github.com/agentdeck/agentdeck/internal/logging"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// ErrTurnInProgress is returned when RunTurn is called while a previous
// turn on the same session has not finished. Turns are single-flight
// per agent; a second caller must wait, not interleave.
var ErrTurnInProgress = errors.New("turn already in progress")

// defaultFilePrompt substitutes for an empty prompt when a file is
// attached.
const defaultFilePrompt = "Please analyze the attached file."

// Attachment is a file carried by a turn.
type Attachment struct {
	Name     string
	MimeType string
	Data     []byte
}

// driver is the protocol capability behind a session: an optional
// session-creation handshake plus the turn call itself.
type driver interface {
	// create performs the protocol's session-creation handshake, if any.
	create(ctx context.Context, s *Session) error
	// runTurn issues the turn call and returns the event stream. The
	// user message has already been appended when this runs.
	runTurn(ctx context.Context, s *Session, prompt string, file *Attachment) (*Turn, error)
}

// Session owns one conversation with one agent: its ordered chat
// history, its audit trail, and the protocol driver for its agent type.
type Session struct {
	id      string
	agent   types.Agent
	userID  string
	driver  driver
	client  *http.Client
	timeout time.Duration
	audit   *audit.Recorder

	createOnce sync.Once
	createErr  error

	inTurn atomic.Bool

	mu      sync.Mutex
	history []types.ChatMessage
}

// Options configures session construction.
type Options struct {
	// APIBaseURL is the base URL for native turn endpoints.
	APIBaseURL string
	// UserID identifies the dashboard user to remote-protocol agents.
	UserID string
	// TurnTimeout bounds one turn round-trip. Zero means no bound.
	TurnTimeout time.Duration
	// Client is the HTTP client to use. Defaults to http.DefaultClient.
	Client *http.Client
}

// New constructs a session for the given agent, selecting the protocol
// driver by agent type.
func New(agent types.Agent, opts Options) *Session {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}

	s := &Session{
		id:      uuid.NewString(),
		agent:   agent,
		userID:  opts.UserID,
		client:  client,
		timeout: opts.TurnTimeout,
		audit:   audit.NewRecorder(),
	}

	switch agent.Type {
	case types.AgentTypeRemote:
		s.driver = &remoteDriver{}
	default:
		s.driver = &nativeDriver{baseURL: strings.TrimRight(opts.APIBaseURL, "/")}
	}
	return s
}

// ID returns the session's opaque unique token.
func (s *Session) ID() string {
	return s.id
}

// AgentID returns the identity of the owning agent.
func (s *Session) AgentID() string {
	return s.agent.ID
}

// History returns a snapshot of the conversation in append order.
func (s *Session) History() []types.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.ChatMessage, len(s.history))
	copy(out, s.history)
	return out
}

// Requests returns a snapshot of the audit trail.
func (s *Session) Requests() []types.RequestRecord {
	return s.audit.Records()
}

// Create performs the protocol's session-creation handshake. It runs at
// most once per session; native sessions have no handshake and return
// nil immediately.
func (s *Session) Create(ctx context.Context) error {
	s.createOnce.Do(func() {
		s.createErr = s.driver.create(ctx, s)
	})
	return s.createErr
}

// RunTurn sends one user prompt, with an optional file attachment, and
// returns the turn's event stream. The user message is appended to
// history before the network call; every failure appends a model-role
// error message and an audit record before the error is returned, so no
// failure is ever silent.
func (s *Session) RunTurn(ctx context.Context, prompt string, file *Attachment) (*Turn, error) {
	if !s.inTurn.CompareAndSwap(false, true) {
		return nil, ErrTurnInProgress
	}

	if file != nil && strings.TrimSpace(prompt) == "" {
		prompt = defaultFilePrompt
	}

	historyPrompt := prompt
	if file != nil {
		historyPrompt += fmt.Sprintf("\n[File attached: %s]", file.Name)
	}
	s.appendMessage(types.RoleUser, historyPrompt)

	turnCtx := ctx
	cancel := context.CancelFunc(func() {})
	if s.timeout > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, s.timeout)
	}

	turn, err := s.driver.runTurn(turnCtx, s, prompt, file)
	if err != nil {
		cancel()
		s.releaseTurn()
		return nil, err
	}
	turn.cancel = cancel
	return turn, nil
}

func (s *Session) releaseTurn() {
	s.inTurn.Store(false)
}

func (s *Session) appendMessage(role types.ChatRole, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, types.ChatMessage{Role: role, Content: content})
}

// applyEvent folds one decoded event into the conversation history.
func (s *Session) applyEvent(ev types.TurnEvent) {
	switch ev.Type {
	case types.TurnToolCall:
		s.appendMessage(types.RoleTool, formatToolCall(ev))
	case types.TurnToolResult:
		s.appendMessage(types.RoleTool, formatToolResult(ev))
	case types.TurnFinalAnswer:
		s.appendMessage(types.RoleModel, ev.Content)
	case types.TurnError:
		s.appendMessage(types.RoleModel, "Error: "+ev.Content)
	}
}

// appendTurnError records a failed turn in the conversation so the chat
// view always explains what happened.
func (s *Session) appendTurnError(err error) {
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "the turn timed out before the agent answered"
	}
	s.appendMessage(types.RoleModel, "Error: "+msg)
	logging.Error().Err(err).Str("agent", s.agent.ID).Msg("turn failed")
}

func formatToolCall(ev types.TurnEvent) string {
	args := compactArgs(ev.Args)
	if args == "" {
		return fmt.Sprintf("Calling the %s tool", ev.Name)
	}
	return fmt.Sprintf("Calling the %s tool with arguments:\n%s", ev.Name, args)
}

func formatToolResult(ev types.TurnEvent) string {
	if ev.Content == "" {
		return fmt.Sprintf("The %s tool returned no output", ev.Name)
	}
	return fmt.Sprintf("The %s tool returned:\n%s", ev.Name, ev.Content)
}

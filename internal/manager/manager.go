// Package manager implements the management-channel client: it tracks
// the agent roster through the status state machine over a long-lived
// websocket, fans events out on the bus, and recovers from every
// transport failure by retrying on a fixed interval.
package manager

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/event"
	"github.com/agentdeck/agentdeck/internal/logging"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// Log banner lines, kept byte-compatible with the original dashboard so
// existing log tooling keeps matching them.
const (
	logOffline      = "--- Management server offline, trying to connect... ---"
	logReconnected  = "--- Reconnected to management server ---"
	logDisconnected = "--- Disconnected. Attempting to reconnect... ---"
	logSocketError  = "--- WebSocket connection error ---"
	logParseError   = "--- Error parsing server message ---"
	logNotConnected = "--- Cannot send command: WebSocket not connected ---"
)

// Manager is the realtime management-channel client. It owns the agent
// roster and status map exclusively; external callers read snapshots
// and issue commands.
type Manager struct {
	cfg    *config.Config
	bus    *event.Bus
	client *http.Client
	dialer *websocket.Dialer

	mu         sync.Mutex
	agents     []*types.Agent
	roots      []types.AgentRoot
	logs       *ring
	events     map[string][]types.AgentPush
	conn       *websocket.Conn
	connected  bool
	firstConn  bool
	retryTimer *time.Timer
	retry      backoff.BackOff
	closed     bool
}

// New creates a manager. Call Connect to start it.
func New(cfg *config.Config, bus *event.Bus) *Manager {
	size := cfg.LogBufferSize
	if size <= 0 {
		size = config.DefaultLogBufferSize
	}

	retry := backoff.NewConstantBackOff(cfg.ReconnectInterval)

	return &Manager{
		cfg:       cfg,
		bus:       bus,
		client:    &http.Client{Timeout: 30 * time.Second},
		dialer:    websocket.DefaultDialer,
		logs:      newRing(size),
		events:    make(map[string][]types.AgentPush),
		retry:     retry,
		firstConn: true,
	}
}

// Connect starts the connection loop in the background. The manager
// retries indefinitely until Close; connection failures are recovered
// locally and never surfaced to the caller.
func (m *Manager) Connect() {
	go m.connect()
}

// Close tears the manager down: no further reconnect attempts are
// scheduled and the channel, if open, is closed.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	conn := m.conn
	m.conn = nil
	m.connected = false
	m.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// connect performs one attempt: roster fetch as a readiness probe, then
// the websocket dial. Any failure schedules exactly one retry.
func (m *Manager) connect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.mu.Unlock()

	roster, err := m.fetchRoster()
	if err != nil {
		logging.Warn().Err(err).Msg("roster fetch failed, retrying")
		m.appendLog(logOffline)
		m.setDisconnected()
		m.scheduleReconnect()
		return
	}

	m.mu.Lock()
	m.agents = roster
	m.mu.Unlock()

	wsURL, err := m.channelURL()
	if err != nil {
		logging.Error().Err(err).Msg("invalid management URL")
		m.scheduleReconnect()
		return
	}

	conn, _, err := m.dialer.Dial(wsURL, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("realtime channel dial failed")
		m.appendLog(logSocketError)
		m.setDisconnected()
		m.scheduleReconnect()
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.connected = true
	reconnect := !m.firstConn
	m.firstConn = false
	m.mu.Unlock()

	if reconnect {
		m.appendLog(logReconnected)
	}
	m.bus.PublishSync(event.Event{
		Type: event.Connected,
		Data: event.ConnectionData{Connected: true, Reconnect: reconnect},
	})
	logging.Info().Bool("reconnect", reconnect).Msg("connected to management server")

	go m.readLoop(conn)
}

// fetchRoster performs the plain agent list fetch. Status is not part
// of the payload; every agent starts STOPPED.
func (m *Manager) fetchRoster() ([]*types.Agent, error) {
	resp, err := m.client.Get(m.cfg.ManagementURL + "/agents")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server responded with status: %d", resp.StatusCode)
	}

	var fetched []types.Agent
	if err := json.NewDecoder(resp.Body).Decode(&fetched); err != nil {
		return nil, fmt.Errorf("failed to decode agent list: %w", err)
	}

	roster := make([]*types.Agent, len(fetched))
	for i := range fetched {
		a := fetched[i]
		a.Status = types.StatusStopped
		a.URL = ""
		roster[i] = &a
	}
	return roster, nil
}

// channelURL derives the websocket endpoint from the management URL.
func (m *Manager) channelURL() (string, error) {
	u, err := url.Parse(m.cfg.ManagementURL)
	if err != nil {
		return "", err
	}

	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}

// readLoop processes inbound frames strictly in arrival order until the
// channel drops.
func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(conn)
			return
		}
		m.handleMessage(data)
	}
}

// handleDisconnect reacts to channel loss: every agent is forced back
// to STOPPED with its URL cleared, and exactly one reconnect attempt is
// scheduled.
func (m *Manager) handleDisconnect(conn *websocket.Conn) {
	m.mu.Lock()
	if m.conn != conn {
		// A stale read loop for an already-replaced connection.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.connected = false
	closed := m.closed
	for _, a := range m.agents {
		a.Status = types.StatusStopped
		a.URL = ""
	}
	m.mu.Unlock()

	if closed {
		return
	}

	m.appendLog(logDisconnected)
	m.bus.PublishSync(event.Event{
		Type: event.Disconnected,
		Data: event.ConnectionData{Connected: false},
	})
	logging.Warn().Msg("disconnected from management server")
	m.scheduleReconnect()
}

// scheduleReconnect arms the reconnect timer. Overlapping close and
// error events never schedule two: the pending timer wins.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.retryTimer != nil {
		return
	}

	delay := m.retry.NextBackOff()
	if delay == backoff.Stop {
		delay = m.cfg.ReconnectInterval
	}
	m.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.retryTimer = nil
		m.mu.Unlock()
		m.connect()
	})
}

func (m *Manager) setDisconnected() {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
}

// handleMessage classifies one inbound frame by its type discriminator.
func (m *Manager) handleMessage(data []byte) {
	var msg types.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logging.Warn().Err(err).Str("frame", string(data)).Msg("unparseable server message")
		m.appendLog(logParseError)
		return
	}

	switch msg.Type {
	case types.MessageConfig:
		m.handleConfig(msg.Data)
	case types.MessageStatus:
		m.handleStatus(msg)
	case types.MessageLog:
		m.appendLog(fmt.Sprintf("[%s] %s", msg.Agent, msg.Line))
	case types.MessageAgentEvent:
		m.handleAgentEvent(msg)
	default:
		logging.Debug().Str("type", msg.Type).Msg("ignoring unknown server message")
	}
}

func (m *Manager) handleConfig(roots []types.AgentRoot) {
	m.mu.Lock()
	m.roots = roots
	m.mu.Unlock()

	m.bus.PublishSync(event.Event{
		Type: event.ConfigUpdated,
		Data: event.ConfigUpdatedData{Roots: roots},
	})
}

// handleStatus applies one acknowledgment to the status state machine.
// The server's word is final: optimistic local transitions are
// reconciled last-write-wins here.
func (m *Manager) handleStatus(msg types.ServerMessage) {
	m.mu.Lock()
	agent := m.findLocked(msg.Agent)
	if agent == nil {
		m.mu.Unlock()
		logging.Debug().Str("agent", msg.Agent).Msg("status for unknown agent")
		return
	}

	previous := agent.Status
	switch msg.Status {
	case types.AckRunning, types.AckAlreadyRunning:
		agent.Status = types.StatusRunning
	case types.AckStopped, types.AckNotRunning:
		agent.Status = types.StatusStopped
	default:
		// Unknown acknowledgment: keep the current state.
	}
	agent.URL = msg.URL

	snapshot := *agent
	m.mu.Unlock()

	m.appendLog(fmt.Sprintf("--- Status [%s]: %s ---", snapshot.Name, strings.ToUpper(msg.Status)))
	m.bus.PublishSync(event.Event{
		Type: event.StatusChanged,
		Data: event.StatusChangedData{Agent: snapshot, Previous: previous},
	})

	if snapshot.Status == types.StatusRunning && previous != types.StatusRunning && msg.Status == types.AckRunning {
		m.bus.PublishSync(event.Event{
			Type: event.AgentStarted,
			Data: event.AgentStartedData{Agent: snapshot},
		})
	}
}

func (m *Manager) handleAgentEvent(msg types.ServerMessage) {
	if msg.Event == nil {
		return
	}

	m.mu.Lock()
	m.events[msg.Agent] = append(m.events[msg.Agent], *msg.Event)
	m.mu.Unlock()

	m.bus.PublishSync(event.Event{
		Type: event.AgentEventReceived,
		Data: event.AgentEventData{AgentID: msg.Agent, Push: *msg.Event},
	})
}

// appendLog pushes a line onto the bounded log buffer and fans it out.
func (m *Manager) appendLog(line string) {
	m.mu.Lock()
	m.logs.push(line)
	m.mu.Unlock()

	m.bus.PublishSync(event.Event{
		Type: event.LogAppended,
		Data: event.LogAppendedData{Line: line},
	})
}

func (m *Manager) findLocked(id string) *types.Agent {
	for _, a := range m.agents {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// Start asks the management server to launch an agent. Only accepted
// from STOPPED; the transition to STARTING is applied optimistically
// before any acknowledgment.
func (m *Manager) Start(agentID string) {
	m.mu.Lock()
	var agent *types.Agent
	index := -1
	for i, a := range m.agents {
		if a.ID == agentID {
			agent, index = a, i
			break
		}
	}
	if agent == nil || agent.Status != types.StatusStopped {
		m.mu.Unlock()
		return
	}
	agent.Status = types.StatusStarting
	port := m.cfg.AgentPortBase + index
	m.mu.Unlock()

	m.send(types.StartCommand{
		Action:    types.ActionStart,
		AgentName: agentID,
		Port:      port,
	})
}

// Stop asks the management server to stop an agent. Only accepted from
// RUNNING; the transition to STOPPING is applied optimistically.
func (m *Manager) Stop(agentID string) {
	m.mu.Lock()
	agent := m.findLocked(agentID)
	if agent == nil || agent.Status != types.StatusRunning {
		m.mu.Unlock()
		return
	}
	agent.Status = types.StatusStopping
	m.mu.Unlock()

	m.send(types.StopCommand{Action: types.ActionStop, AgentName: agentID})
}

// StopAll asks the management server to stop every agent.
func (m *Manager) StopAll() {
	m.send(types.StopAllCommand{Action: types.ActionStopAll})
}

// send writes one command frame. Sending while disconnected is a no-op
// that logs a warning; it never fails the caller.
func (m *Manager) send(command any) {
	m.mu.Lock()
	conn := m.conn
	connected := m.connected
	if conn == nil || !connected {
		m.mu.Unlock()
		logging.Warn().Msg("cannot send command: channel not connected")
		m.appendLog(logNotConnected)
		return
	}
	err := conn.WriteJSON(command)
	m.mu.Unlock()

	if err != nil {
		logging.Warn().Err(err).Msg("failed to send command")
	}
}

// Connected reports whether the realtime channel is open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Agents returns a snapshot of the roster in fetch order.
func (m *Manager) Agents() []types.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.Agent, len(m.agents))
	for i, a := range m.agents {
		out[i] = *a
	}
	return out
}

// Agent returns a snapshot of one agent by identity.
func (m *Manager) Agent(id string) (types.Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a := m.findLocked(id); a != nil {
		return *a, true
	}
	return types.Agent{}, false
}

// Roots returns the configured agent roots.
func (m *Manager) Roots() []types.AgentRoot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.AgentRoot, len(m.roots))
	copy(out, m.roots)
	return out
}

// Logs returns a snapshot of the bounded log buffer, oldest first.
func (m *Manager) Logs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logs.snapshot()
}

// Events returns a snapshot of the queued realtime events for an agent.
func (m *Manager) Events(agentID string) []types.AgentPush {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue := m.events[agentID]
	out := make([]types.AgentPush, len(queue))
	copy(out, queue)
	return out
}

// ClearEvents drops the queued realtime events for an agent.
func (m *Manager) ClearEvents(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, agentID)
}

// Groups derives the roster view the dashboard renders: a group of
// active agents first, then one group per configured root holding the
// stopped agents whose identity falls under the root path.
func (m *Manager) Groups() []types.AgentGroup {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.roots) == 0 || len(m.agents) == 0 {
		return nil
	}

	var running, stopped []types.Agent
	for _, a := range m.agents {
		switch a.Status {
		case types.StatusRunning, types.StatusStarting, types.StatusStopping:
			running = append(running, *a)
		default:
			stopped = append(stopped, *a)
		}
	}

	var groups []types.AgentGroup
	if len(running) > 0 {
		groups = append(groups, types.AgentGroup{Name: "Running Agents", Agents: running})
	}
	for _, root := range m.roots {
		group := types.AgentGroup{Name: root.Name, Agents: []types.Agent{}}
		for _, a := range stopped {
			if strings.HasPrefix(a.ID, root.Path) {
				group.Agents = append(group.Agents, a)
			}
		}
		groups = append(groups, group)
	}
	return groups
}

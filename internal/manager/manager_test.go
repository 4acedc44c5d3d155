package manager

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/event"
	"github.com/agentdeck/agentdeck/internal/testutil"
	"github.com/agentdeck/agentdeck/pkg/types"
)

func testConfig(url string) *config.Config {
	cfg := config.Default()
	cfg.ManagementURL = url
	cfg.ReconnectInterval = 50 * time.Millisecond
	return cfg
}

// seedManager builds a manager with a roster injected directly, for
// exercising the status state machine without a live channel.
func seedManager(bus *event.Bus, agents ...*types.Agent) *Manager {
	m := New(testConfig("http://localhost:0"), bus)
	m.agents = agents
	return m
}

func statusFrame(agent, status, url string) []byte {
	if url == "" {
		return []byte(fmt.Sprintf(`{"type":"status","agent":%q,"status":%q}`, agent, status))
	}
	return []byte(fmt.Sprintf(`{"type":"status","agent":%q,"status":%q,"url":%q}`, agent, status, url))
}

func waitEvent(t *testing.T, ch <-chan event.Event) event.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return event.Event{}
	}
}

func TestStatusStateMachine(t *testing.T) {
	tests := []struct {
		name       string
		initial    types.AgentStatus
		ack        string
		url        string
		wantStatus types.AgentStatus
		wantURL    string
	}{
		{"running ack starts agent", types.StatusStarting, "running", "http://x", types.StatusRunning, "http://x"},
		{"already_running maps to running", types.StatusStopped, "already_running", "http://x", types.StatusRunning, "http://x"},
		{"stopped ack stops agent", types.StatusRunning, "stopped", "", types.StatusStopped, ""},
		{"not_running maps to stopped", types.StatusStopping, "not_running", "", types.StatusStopped, ""},
		{"unknown ack keeps status", types.StatusRunning, "resuming", "", types.StatusRunning, ""},
		{"url always tracks the message", types.StatusRunning, "running", "", types.StatusRunning, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := event.NewBus()
			defer bus.Close()

			m := seedManager(bus, &types.Agent{ID: "agents/a", Name: "a", Status: tt.initial, URL: "http://old"})
			m.handleMessage(statusFrame("agents/a", tt.ack, tt.url))

			got, ok := m.Agent("agents/a")
			require.True(t, ok)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantURL, got.URL)
		})
	}
}

func TestStatusLogLineUppercasesAck(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	m := seedManager(bus, &types.Agent{ID: "agents/a", Name: "weather", Status: types.StatusStopped})
	m.handleMessage(statusFrame("agents/a", "running", "http://x"))

	logs := m.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, "--- Status [weather]: RUNNING ---", logs[0])
}

func TestStatusForUnknownAgentIgnored(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	m := seedManager(bus, &types.Agent{ID: "agents/a", Name: "a", Status: types.StatusStopped})
	m.handleMessage(statusFrame("agents/ghost", "running", "http://x"))

	got, _ := m.Agent("agents/a")
	assert.Equal(t, types.StatusStopped, got.Status)
	assert.Empty(t, m.Logs())
}

func TestAgentStartedFiresOnceOnTransition(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	var started []event.AgentStartedData
	bus.Subscribe(event.AgentStarted, func(e event.Event) {
		started = append(started, e.Data.(event.AgentStartedData))
	})

	m := seedManager(bus, &types.Agent{ID: "agents/a", Name: "a", Status: types.StatusStarting})

	m.handleMessage(statusFrame("agents/a", "running", "http://x"))
	m.handleMessage(statusFrame("agents/a", "running", "http://x"))
	m.handleMessage(statusFrame("agents/a", "stopped", ""))
	// already_running confirms an agent we did not start; no auto-select.
	m.handleMessage(statusFrame("agents/a", "already_running", "http://x"))

	require.Len(t, started, 1)
	assert.Equal(t, "agents/a", started[0].Agent.ID)
	assert.Equal(t, "http://x", started[0].Agent.URL)
}

func TestStatusChangedCarriesPreviousStatus(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	var changes []event.StatusChangedData
	bus.Subscribe(event.StatusChanged, func(e event.Event) {
		changes = append(changes, e.Data.(event.StatusChangedData))
	})

	m := seedManager(bus, &types.Agent{ID: "agents/a", Name: "a", Status: types.StatusStarting})
	m.handleMessage(statusFrame("agents/a", "running", "http://x"))

	require.Len(t, changes, 1)
	assert.Equal(t, types.StatusStarting, changes[0].Previous)
	assert.Equal(t, types.StatusRunning, changes[0].Agent.Status)
}

func TestMalformedFrameLogsBannerAndContinues(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	m := seedManager(bus, &types.Agent{ID: "agents/a", Name: "a", Status: types.StatusStopped})

	m.handleMessage([]byte("this is not json"))
	m.handleMessage(statusFrame("agents/a", "running", "http://x"))

	logs := m.Logs()
	require.Len(t, logs, 2)
	assert.Equal(t, "--- Error parsing server message ---", logs[0])

	got, _ := m.Agent("agents/a")
	assert.Equal(t, types.StatusRunning, got.Status)
}

func TestLogFramesAndRingEviction(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	m := seedManager(bus)
	m.logs = newRing(5)

	for i := 0; i < 7; i++ {
		m.handleMessage([]byte(fmt.Sprintf(`{"type":"log","agent":"agents/a","line":"line %d"}`, i)))
	}

	logs := m.Logs()
	require.Len(t, logs, 5)
	assert.Equal(t, "[agents/a] line 2", logs[0])
	assert.Equal(t, "[agents/a] line 6", logs[4])
}

func TestAgentEventsQueuedAndCleared(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	var received []event.AgentEventData
	bus.Subscribe(event.AgentEventReceived, func(e event.Event) {
		received = append(received, e.Data.(event.AgentEventData))
	})

	m := seedManager(bus, &types.Agent{ID: "agents/a", Name: "a", Status: types.StatusRunning})
	m.handleMessage([]byte(`{"type":"agent_event","agent":"agents/a","data":{"event":"progress","data":{"step":1}}}`))
	m.handleMessage([]byte(`{"type":"agent_event","agent":"agents/a","data":{"event":"progress","data":{"step":2}}}`))

	queued := m.Events("agents/a")
	require.Len(t, queued, 2)
	assert.Equal(t, "progress", queued[0].Event)
	require.Len(t, received, 2)
	assert.Equal(t, "agents/a", received[0].AgentID)

	m.ClearEvents("agents/a")
	assert.Empty(t, m.Events("agents/a"))
}

func TestGroupsSplitsRunningFromRoots(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	m := seedManager(bus,
		&types.Agent{ID: "team/a", Name: "a", Status: types.StatusRunning},
		&types.Agent{ID: "team/b", Name: "b", Status: types.StatusStopped},
		&types.Agent{ID: "lab/c", Name: "c", Status: types.StatusStopped},
	)
	m.roots = []types.AgentRoot{
		{Name: "Team", Path: "team/"},
		{Name: "Lab", Path: "lab/"},
	}

	groups := m.Groups()
	require.Len(t, groups, 3)
	assert.Equal(t, "Running Agents", groups[0].Name)
	require.Len(t, groups[0].Agents, 1)
	assert.Equal(t, "team/a", groups[0].Agents[0].ID)

	assert.Equal(t, "Team", groups[1].Name)
	require.Len(t, groups[1].Agents, 1)
	assert.Equal(t, "team/b", groups[1].Agents[0].ID)

	assert.Equal(t, "Lab", groups[2].Name)
	require.Len(t, groups[2].Agents, 1)
	assert.Equal(t, "lab/c", groups[2].Agents[0].ID)
}

func TestSendWhileDisconnectedLogsBanner(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	m := seedManager(bus, &types.Agent{ID: "agents/a", Name: "a", Status: types.StatusStopped})
	m.StopAll()

	logs := m.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, "--- Cannot send command: WebSocket not connected ---", logs[0])
}

func roster(ids ...string) []types.Agent {
	out := make([]types.Agent, len(ids))
	for i, id := range ids {
		out[i] = types.Agent{ID: id, Name: id, Type: types.AgentTypeNative}
	}
	return out
}

func TestConnectFetchesRosterAndOpensChannel(t *testing.T) {
	srv := testutil.NewManagementServer(
		roster("agents/a", "agents/b"),
		[]types.AgentRoot{{Name: "Agents", Path: "agents/"}},
	)
	defer srv.Close()

	bus := event.NewBus()
	defer bus.Close()

	connected := make(chan event.Event, 1)
	bus.Subscribe(event.Connected, func(e event.Event) { connected <- e })
	configured := make(chan event.Event, 1)
	bus.Subscribe(event.ConfigUpdated, func(e event.Event) { configured <- e })

	m := New(testConfig(srv.URL()), bus)
	defer m.Close()
	m.Connect()

	e := waitEvent(t, connected)
	data := e.Data.(event.ConnectionData)
	assert.True(t, data.Connected)
	assert.False(t, data.Reconnect)

	waitEvent(t, configured)
	assert.True(t, m.Connected())

	agents := m.Agents()
	require.Len(t, agents, 2)
	for _, a := range agents {
		assert.Equal(t, types.StatusStopped, a.Status)
		assert.Empty(t, a.URL)
	}

	roots := m.Roots()
	require.Len(t, roots, 1)
	assert.Equal(t, "Agents", roots[0].Name)
}

func TestStartScenario(t *testing.T) {
	srv := testutil.NewManagementServer(roster("agents/a", "agents/b"), nil)
	defer srv.Close()

	bus := event.NewBus()
	defer bus.Close()

	connected := make(chan event.Event, 1)
	bus.Subscribe(event.Connected, func(e event.Event) { connected <- e })
	changed := make(chan event.Event, 4)
	bus.Subscribe(event.StatusChanged, func(e event.Event) { changed <- e })

	cfg := testConfig(srv.URL())
	cfg.AgentPortBase = 8001
	m := New(cfg, bus)
	defer m.Close()
	m.Connect()
	waitEvent(t, connected)

	m.Start("agents/b")

	// The transition to STARTING is applied before any acknowledgment.
	got, _ := m.Agent("agents/b")
	assert.Equal(t, types.StatusStarting, got.Status)

	command, ok := srv.NextCommand(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, "start", command["action"])
	assert.Equal(t, "agents/b", command["agent_name"])
	assert.Equal(t, float64(8002), command["port"])

	srv.SendStatus("agents/b", "running", "http://x")
	e := waitEvent(t, changed)
	data := e.Data.(event.StatusChangedData)
	assert.Equal(t, types.StatusRunning, data.Agent.Status)
	assert.Equal(t, "http://x", data.Agent.URL)
	assert.Equal(t, types.StatusStarting, data.Previous)
}

func TestStartRejectedUnlessStopped(t *testing.T) {
	srv := testutil.NewManagementServer(roster("agents/a"), nil)
	defer srv.Close()

	bus := event.NewBus()
	defer bus.Close()

	connected := make(chan event.Event, 1)
	bus.Subscribe(event.Connected, func(e event.Event) { connected <- e })

	m := New(testConfig(srv.URL()), bus)
	defer m.Close()
	m.Connect()
	waitEvent(t, connected)

	m.Start("agents/a")
	m.Start("agents/a")

	_, ok := srv.NextCommand(5 * time.Second)
	require.True(t, ok)
	_, ok = srv.NextCommand(200 * time.Millisecond)
	assert.False(t, ok, "second start should not reach the server")
}

func TestStopOnlyFromRunning(t *testing.T) {
	srv := testutil.NewManagementServer(roster("agents/a"), nil)
	defer srv.Close()

	bus := event.NewBus()
	defer bus.Close()

	connected := make(chan event.Event, 1)
	bus.Subscribe(event.Connected, func(e event.Event) { connected <- e })
	changed := make(chan event.Event, 4)
	bus.Subscribe(event.StatusChanged, func(e event.Event) { changed <- e })

	m := New(testConfig(srv.URL()), bus)
	defer m.Close()
	m.Connect()
	waitEvent(t, connected)

	// Not running yet: stop is a no-op.
	m.Stop("agents/a")
	_, ok := srv.NextCommand(200 * time.Millisecond)
	assert.False(t, ok)

	srv.SendStatus("agents/a", "running", "http://x")
	waitEvent(t, changed)

	m.Stop("agents/a")
	got, _ := m.Agent("agents/a")
	assert.Equal(t, types.StatusStopping, got.Status)

	command, ok := srv.NextCommand(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, "stop", command["action"])
	assert.Equal(t, "agents/a", command["agent_name"])
}

func TestChannelLossResetsAgentsAndReconnects(t *testing.T) {
	srv := testutil.NewManagementServer(roster("agents/a", "agents/b"), nil)
	defer srv.Close()

	bus := event.NewBus()
	defer bus.Close()

	connected := make(chan event.Event, 4)
	bus.Subscribe(event.Connected, func(e event.Event) { connected <- e })
	disconnected := make(chan event.Event, 1)
	bus.Subscribe(event.Disconnected, func(e event.Event) { disconnected <- e })
	changed := make(chan event.Event, 4)
	bus.Subscribe(event.StatusChanged, func(e event.Event) { changed <- e })

	m := New(testConfig(srv.URL()), bus)
	defer m.Close()
	m.Connect()
	waitEvent(t, connected)

	srv.SendStatus("agents/a", "running", "http://x")
	waitEvent(t, changed)

	srv.DropClient()
	waitEvent(t, disconnected)

	assert.False(t, m.Connected())
	for _, a := range m.Agents() {
		assert.Equal(t, types.StatusStopped, a.Status)
		assert.Empty(t, a.URL)
	}
	assert.Contains(t, m.Logs(), "--- Disconnected. Attempting to reconnect... ---")

	// The fixed-interval retry brings the channel back on its own.
	e := waitEvent(t, connected)
	data := e.Data.(event.ConnectionData)
	assert.True(t, data.Reconnect)
	assert.Contains(t, m.Logs(), "--- Reconnected to management server ---")
}

func TestOfflineServerRetriesUntilReachable(t *testing.T) {
	srv := testutil.NewManagementServer(roster("agents/a"), nil)
	defer srv.Close()
	srv.SetRosterFails(true)

	bus := event.NewBus()
	defer bus.Close()

	connected := make(chan event.Event, 1)
	bus.Subscribe(event.Connected, func(e event.Event) { connected <- e })
	logged := make(chan event.Event, 16)
	bus.Subscribe(event.LogAppended, func(e event.Event) { logged <- e })

	m := New(testConfig(srv.URL()), bus)
	defer m.Close()
	m.Connect()

	e := waitEvent(t, logged)
	assert.Equal(t, "--- Management server offline, trying to connect... ---", e.Data.(event.LogAppendedData).Line)
	assert.False(t, m.Connected())

	srv.SetRosterFails(false)
	waitEvent(t, connected)
	assert.True(t, m.Connected())
}

func TestCloseStopsReconnecting(t *testing.T) {
	srv := testutil.NewManagementServer(roster("agents/a"), nil)
	defer srv.Close()

	bus := event.NewBus()
	defer bus.Close()

	connected := make(chan event.Event, 1)
	bus.Subscribe(event.Connected, func(e event.Event) { connected <- e })

	m := New(testConfig(srv.URL()), bus)
	m.Connect()
	waitEvent(t, connected)

	require.NoError(t, m.Close())

	assert.False(t, srv.WaitForClient(300*time.Millisecond), "closed manager should not redial")
	assert.False(t, m.Connected())
}

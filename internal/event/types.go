package event

import "github.com/agentdeck/agentdeck/pkg/types"

// ConnectionData is the data for channel.connected and
// channel.disconnected events.
type ConnectionData struct {
	Connected bool `json:"connected"`
	// Reconnect is true when a connected event follows a prior drop.
	Reconnect bool `json:"reconnect,omitempty"`
}

// ConfigUpdatedData is the data for config.updated events.
type ConfigUpdatedData struct {
	Roots []types.AgentRoot `json:"roots"`
}

// StatusChangedData is the data for agent.status events.
type StatusChangedData struct {
	Agent    types.Agent       `json:"agent"`
	Previous types.AgentStatus `json:"previous"`
}

// AgentStartedData is the data for agent.started events.
type AgentStartedData struct {
	Agent types.Agent `json:"agent"`
}

// LogAppendedData is the data for log.appended events.
type LogAppendedData struct {
	Line string `json:"line"`
}

// AgentEventData is the data for agent.event events.
type AgentEventData struct {
	AgentID string          `json:"agentID"`
	Push    types.AgentPush `json:"push"`
}

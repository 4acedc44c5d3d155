// Package types provides the core data types for the agentdeck runtime.
package types

// AgentStatus is the lifecycle state of a managed agent process.
type AgentStatus string

const (
	StatusStopped  AgentStatus = "STOPPED"
	StatusStarting AgentStatus = "STARTING"
	StatusRunning  AgentStatus = "RUNNING"
	StatusStopping AgentStatus = "STOPPING"
	StatusError    AgentStatus = "ERROR"
)

// AgentType selects the session protocol spoken by an agent.
type AgentType string

const (
	// AgentTypeNative agents are driven through the management API's
	// single run-turn endpoint.
	AgentTypeNative AgentType = "native"
	// AgentTypeRemote agents expose their own session-based protocol
	// at the URL assigned once the process is running.
	AgentTypeRemote AgentType = "remote-protocol"
)

// Agent is one manageable agent process. Identity is stable; Status and
// URL are mutated by the connection manager as the channel reports them.
type Agent struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Status      AgentStatus `json:"status"`
	Type        AgentType   `json:"type"`
	URL         string      `json:"url,omitempty"`
}

// AgentRoot is one configured grouping root for the roster.
type AgentRoot struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// AgentGroup is a named view over the roster: the running agents first,
// then one group per root with the stopped agents under it.
type AgentGroup struct {
	Name   string  `json:"name"`
	Agents []Agent `json:"agents"`
}

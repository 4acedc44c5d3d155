package types

import "encoding/json"

// Server-to-client message discriminators on the realtime channel.
const (
	MessageConfig     = "config"
	MessageStatus     = "status"
	MessageLog        = "log"
	MessageAgentEvent = "agent_event"
)

// Status acknowledgment values carried by status messages.
const (
	AckRunning        = "running"
	AckStopped        = "stopped"
	AckAlreadyRunning = "already_running"
	AckNotRunning     = "not_running"
)

// ServerMessage is one inbound frame on the realtime channel. The Type
// discriminator selects which of the remaining fields are meaningful.
type ServerMessage struct {
	Type string `json:"type"`

	// config
	Data []AgentRoot `json:"data,omitempty"`

	// status and log and agent_event
	Agent string `json:"agent,omitempty"`

	// status
	Status string `json:"status,omitempty"`
	URL    string `json:"url,omitempty"`
	PID    int    `json:"pid,omitempty"`

	// log
	Line string `json:"line,omitempty"`

	// agent_event
	Event *AgentPush `json:"-"`
}

// AgentPush is the payload of an agent_event frame: a realtime event
// emitted by a running agent out-of-band from any turn.
type AgentPush struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// rawServerMessage exists to decode the agent_event payload, whose
// "data" field collides with the config message's roots array.
type rawServerMessage struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	Agent  string          `json:"agent,omitempty"`
	Status string          `json:"status,omitempty"`
	URL    string          `json:"url,omitempty"`
	PID    int             `json:"pid,omitempty"`
	Line   string          `json:"line,omitempty"`
}

// UnmarshalJSON decodes a channel frame, splitting the overloaded "data"
// field by message type.
func (m *ServerMessage) UnmarshalJSON(b []byte) error {
	var raw rawServerMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	m.Type = raw.Type
	m.Agent = raw.Agent
	m.Status = raw.Status
	m.URL = raw.URL
	m.PID = raw.PID
	m.Line = raw.Line
	m.Data = nil
	m.Event = nil

	switch raw.Type {
	case MessageConfig:
		if len(raw.Data) > 0 {
			return json.Unmarshal(raw.Data, &m.Data)
		}
	case MessageAgentEvent:
		if len(raw.Data) > 0 {
			var push AgentPush
			if err := json.Unmarshal(raw.Data, &push); err != nil {
				return err
			}
			m.Event = &push
		}
	}
	return nil
}

// StartCommand asks the management server to launch an agent process on
// the given port.
type StartCommand struct {
	Action    string `json:"action"`
	AgentName string `json:"agent_name"`
	Port      int    `json:"port"`
}

// StopCommand asks the management server to stop one agent process.
type StopCommand struct {
	Action    string `json:"action"`
	AgentName string `json:"agent_name"`
}

// StopAllCommand asks the management server to stop every agent process.
type StopAllCommand struct {
	Action string `json:"action"`
}

// Client-to-server command actions.
const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionStopAll = "stop_all"
)

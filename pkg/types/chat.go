package types

// ChatRole is the author of a chat message.
type ChatRole string

const (
	RoleUser  ChatRole = "user"
	RoleModel ChatRole = "model"
	RoleTool  ChatRole = "tool"
)

// ChatMessage is one entry in a session's conversation history.
// History is append-only; entries are never mutated in place.
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

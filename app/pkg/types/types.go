package types

import "context"

const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
	MessageRoleSystem    = "system"
)

// Event types streamed back to a chat caller.
const (
	EventMessage    = "message"
	EventStructured = "structured"
	EventEnd        = "end"
	EventError      = "error"
)

// Event is one typed item of a turn response. Every event carries the
// conversation id so a caller without session affinity can resume.
type Event struct {
	Type           string      `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Content        string      `json:"content,omitempty"`
	Kind           string      `json:"kind,omitempty"`
	Data           interface{} `json:"data,omitempty"`
}

// Message represents a user input or an assistant reply
type Message struct {
	ID             string
	Content        string
	Role           string // "user", "assistant", "system"
	ChannelID      string // Source channel identifier (e.g., "http", "cli", "mcp")
	UserID         string
	ConversationID string
	RequestID      string
	Events         []Event
	Meta           map[string]interface{}
}

// Agent processes one conversation turn
type Agent interface {
	Process(ctx context.Context, msg Message) (Message, error)
	Name() string
}

// Channel represents an input/output interface (CLI, HTTP)
type Channel interface {
	Start(ctx context.Context, handler func(Message)) error
	Send(ctx context.Context, msg Message) error
	ID() string
}

// Gateway orchestrates channels and the agent
type Gateway interface {
	RegisterChannel(c Channel)
	Start(ctx context.Context) error
}

package session

import "time"

// Roles seen in chat transcripts. The client itself only appends user and
// assistant messages; system and tool turns can appear when the backend's
// view of a session is fetched over /api/history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Message represents a single chat message
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ToolCall  string    `json:"tool_call,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session represents a chat session against the DevOps Pal backend
type Session struct {
	ID        string    `json:"id"`
	StartTime time.Time `json:"start_time"`
	BaseURL   string    `json:"base_url"`
	Messages  []Message `json:"messages"`
}

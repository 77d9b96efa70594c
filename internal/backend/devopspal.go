package backend

// StartSessionResponse represents the response from POST /api/start_session
type StartSessionResponse struct {
	SessionID string `json:"session_id"`
}

// ChatRequest represents the request body for POST /api/chat
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ChatResponse represents the response from POST /api/chat. The backend may
// legitimately omit the response field; callers treat that as "no reply",
// not as an error.
type ChatResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// HistoryRequest represents the request body for POST /api/history
type HistoryRequest struct {
	SessionID string `json:"session_id"`
}

// HistoryMessage represents one transcript entry as the backend stores it.
// Tool turns carry the tool name in tool_call.
type HistoryMessage struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	ToolCall string `json:"tool_call,omitempty"`
}

// HistoryResponse represents the response from POST /api/history
type HistoryResponse struct {
	History []HistoryMessage `json:"history"`
	Error   string           `json:"error,omitempty"`
}

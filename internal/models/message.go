package models

// Message types.
const (
	TypeChat            = "chat"
	TypeSystem          = "system"
	TypeApprovalRequest = "approval-request"
	TypeApproved        = "approved"
	TypeRejected        = "rejected"
)

// EmptyChatPlaceholder replaces chat content that is blank after trimming.
const EmptyChatPlaceholder = "(empty message)"

// Usage is token accounting reported by an agent after its reply was posted.
type Usage struct {
	Model        string  `json:"model,omitempty"`
	InputTokens  int64   `json:"inputTokens,omitempty"`
	OutputTokens int64   `json:"outputTokens,omitempty"`
	CachedTokens int64   `json:"cachedTokens,omitempty"`
	CostUSD      float64 `json:"costUsd,omitempty"`
}

// Message represents a chat message in a room's log.
type Message struct {
	RoomID    string `json:"roomId"`
	Seq       int64  `json:"seq,omitempty"`
	From      string `json:"from"`
	Content   string `json:"content"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"` // Unix ms
	Usage     *Usage `json:"usage,omitempty"`
}

// IsChat reports whether the message is a chat post. An empty type is treated as chat.
func (m Message) IsChat() bool {
	return m.Type == "" || m.Type == TypeChat
}

package models

import (
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// DoneSentinel is the content value that marks the end of a chat stream.
// It is a control signal and never stored as a message.
const DoneSentinel = "DONE"

// RunMessage is an incremental unit of output attached to a run
// (tool call, result, error, token).
type RunMessage struct {
	ID        string    `json:"id"`
	RunID     string    `json:"runId"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is a chat thread summary as listed by the backend.
type Conversation struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ProjectID string    `json:"projectId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ChatMessage is a single message within a conversation or a run-scoped chat.
// User messages keep their client-assigned ID for their whole lifetime.
type ChatMessage struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversationId,omitempty"`
	RunID          string           `json:"runId,omitempty"`
	Role           Role             `json:"role"`
	Content        string           `json:"content"`
	Context        *ContextSnapshot `json:"context,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`

	// Failed is set locally when the submission of an optimistic message was rejected.
	Failed bool `json:"-"`
}

// IsDone reports whether the message is the stream-completion sentinel.
func (m ChatMessage) IsDone() bool {
	return m.Content == DoneSentinel
}

package domain

import "time"

// Speaker roles stored in conversation logs. They match the inference API's
// chat roles so history can be forwarded without translation.
const (
	SpeakerUser      = "user"
	SpeakerAssistant = "assistant"
)

// ConversationEntry is one turn of a per-user conversation log.
type ConversationEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

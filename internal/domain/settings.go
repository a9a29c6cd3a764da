package domain

import "time"

// Welcome content types supported by the welcome message and broadcasts.
const (
	ContentText     = "text"
	ContentPhoto    = "photo"
	ContentVideo    = "video"
	ContentAudio    = "audio"
	ContentDocument = "document"
)

// Welcome describes the configured greeting: a content type plus either the
// text itself or a media file reference.
type Welcome struct {
	Type    string `bson:"type" json:"type"`
	Content string `bson:"content" json:"content"`
}

// Settings is the process-wide mutable configuration, persisted as a single
// document and merged with defaults on load.
type Settings struct {
	RequiredChannel     string    `bson:"required_channel" json:"required_channel"`
	FreeMessages        int       `bson:"free_messages" json:"free_messages"`
	Welcome             Welcome   `bson:"welcome" json:"welcome"`
	SubscriptionEnabled bool      `bson:"subscription_enabled" json:"subscription_enabled"`
	UpdatedAt           time.Time `bson:"updated_at" json:"updated_at"`
}

// DefaultFreeMessages is the free-tier quota applied to new users and to a
// settings document missing the field.
const DefaultFreeMessages = 50

// DefaultSettings returns the configuration used before any admin has edited
// anything.
func DefaultSettings() Settings {
	return Settings{
		FreeMessages: DefaultFreeMessages,
		Welcome:      Welcome{Type: ContentText},
	}
}

package models

import "time"

// Role is a chat persona: a named identity with an archetype label, a
// free-text description and the system prompt that steers the model.
// Records are immutable once created.
type Role struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Archetype    string    `json:"archetype"`
	Description  string    `json:"description"`
	SystemPrompt string    `json:"systemPrompt"`
	AvatarURL    string    `json:"avatarUrl,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

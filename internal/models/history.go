package models

import "time"

// ChatTurn is one persisted conversation turn: a user message paired with
// the assistant reply it produced. Turns are append-only; they are never
// updated or deleted by the service.
type ChatTurn struct {
	ID             int64     `json:"id"`
	RoleID         int64     `json:"roleId"`
	SessionID      string    `json:"sessionId"`
	UserMessage    string    `json:"userMessage"`
	AssistantReply string    `json:"assistantReply"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Package domain contains core domain types for the coaching protocol.
package domain

import (
	"time"
)

// Role identifies who authored a chat message.
type Role string

const (
	// RoleUser marks a message typed by the athlete.
	RoleUser Role = "user"
	// RoleAssistant marks a message produced by the coach.
	RoleAssistant Role = "assistant"
)

// ChatMessage is one bubble in a conversation view.
// Content only grows while the exchange that created the message is open.
type ChatMessage struct {
	ID           string    `json:"id"`
	Role         Role      `json:"role"`
	Content      string    `json:"content"`
	Proposal     *Proposal `json:"proposal,omitempty"`
	TimedOut     bool      `json:"timed_out"`
	RetryMessage string    `json:"retry_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// CanRetry returns true if the message carries a retry affordance.
func (m *ChatMessage) CanRetry() bool {
	return m.TimedOut && m.RetryMessage != ""
}

// Clone returns a deep copy safe to hand to callers.
func (m *ChatMessage) Clone() ChatMessage {
	out := *m
	if m.Proposal != nil {
		p := *m.Proposal
		out.Proposal = &p
	}
	return out
}

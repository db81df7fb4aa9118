// Package models defines the core data structures for Habita.
//
// It includes the coaching user record, conversation messages, summaries, and
// the transport-facing event types shared across modules.
package models

import (
	"errors"
	"time"
)

// Validation constants for inbound and outbound content.
const (
	// MaxMessageLength defines the maximum allowed length for a stored message body.
	MaxMessageLength = 4096
)

// Error variables for better error handling and testability.
var (
	// ErrUserNotFound indicates no user record exists for the given identity.
	// Fatal for the current message; surfaced to the user as a fixed apology.
	ErrUserNotFound = errors.New("user not found")
	// ErrValidationParseFailure indicates the validation verdict from the
	// completion provider could not be parsed. Recovered locally (fail closed).
	ErrValidationParseFailure = errors.New("validation verdict could not be parsed")
	// ErrCompletionFailed indicates the completion provider returned an error.
	ErrCompletionFailed = errors.New("completion provider failed")
	// ErrInvalidDialogueState indicates a state value outside the closed set.
	ErrInvalidDialogueState = errors.New("invalid dialogue state")
	// ErrEmptyRecipient indicates a message with no destination.
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
	// ErrEmptyBody indicates a message with no content.
	ErrEmptyBody = errors.New("message body cannot be empty")
	// ErrShuttingDown indicates the orchestrator is no longer accepting messages.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleUser marks a message authored by the end user.
	RoleUser Role = "user"
	// RoleAssistant marks a message authored by the coach.
	RoleAssistant Role = "assistant"
	// RoleSystem marks an internally generated message.
	RoleSystem Role = "system"
)

// IsValidRole checks if the given role is supported.
func IsValidRole(r Role) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// User represents one coached end user.
//
// Exactly one User exists per phone number. State and StateData are mutated
// only by the orchestrator, always together.
type User struct {
	ID          string        `json:"id"`           // opaque internal id, generated once
	PhoneNumber string        `json:"phone_number"` // external platform identity (E.164)
	ChatID      string        `json:"chat_id"`      // delivery destination on the transport
	Name        string        `json:"name,omitempty"`
	State       DialogueState `json:"state"`
	StateData   StateData     `json:"state_data,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Message represents one inbound or outbound conversation turn.
// Immutable once stored; the message log is append-only.
type Message struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary is a compacted digest of a contiguous block of older messages.
// Append-only; superseded only by a later Summary.
type Summary struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Response represents a normalized inbound message from the transport.
type Response struct {
	From string `json:"from"` // sender identity (E.164 phone number)
	Body string `json:"body"`
	Time int64  `json:"time"` // unix seconds
}

// OutboundMessage is the "response ready" event consumed by the transport.
type OutboundMessage struct {
	To   string `json:"to"` // delivery destination
	Body string `json:"body"`
}

// Validate checks an outbound message before delivery.
func (m OutboundMessage) Validate() error {
	if m.To == "" {
		return ErrEmptyRecipient
	}
	if m.Body == "" {
		return ErrEmptyBody
	}
	return nil
}

// Delivery status values carried on receipts.
const (
	// StatusSent marks a message accepted by the transport.
	StatusSent = "sent"
	// StatusDelivered marks a message delivered to the recipient's device.
	StatusDelivered = "delivered"
	// StatusRead marks a message read by the recipient.
	StatusRead = "read"
)

// Receipt represents a delivery status event from the transport.
type Receipt struct {
	To     string `json:"to"`
	Status string `json:"status"` // sent, delivered, read
	Time   int64  `json:"time"`
}

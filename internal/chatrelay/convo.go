package chatrelay

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicateEntity    = errors.New("duplicate entity")
	ErrInvalidState       = errors.New("invalid state")
	ErrConversationClosed = errors.New("conversation closed")
	ErrInvalidInput       = errors.New("invalid input")
)

// ValidationError describes a malformed webhook event. It matches
// ErrInvalidInput under errors.Is so the boundary can map all shape
// problems to a single category.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

type ConversationStatus string

const (
	StatusOpen   ConversationStatus = "OPEN"
	StatusClosed ConversationStatus = "CLOSED"
)

type MessageDirection string

const (
	DirectionSent     MessageDirection = "SENT"
	DirectionReceived MessageDirection = "RECEIVED"
)

// Conversation is a customer-support thread. CreatedAt is the processing
// time of the creating event; ClosedAt carries the closing event's own
// timestamp and is set exactly once. ClosedAt is non-nil iff Status is
// CLOSED.
type Conversation struct {
	ID             string             `json:"id"`
	Status         ConversationStatus `json:"status"`
	ContactID      *string            `json:"contact_id,omitempty"`
	AssignedUserID *string            `json:"assigned_user_id,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	ClosedAt       *time.Time         `json:"closed_at"`
}

func (c Conversation) IsOpen() bool {
	return c.Status == StatusOpen
}

func (c Conversation) IsClosed() bool {
	return c.Status == StatusClosed
}

// Message is immutable after admission. Timestamp is the producer-supplied
// event time and drives display ordering; CreatedAt is record-insertion
// time.
type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation"`
	Direction      MessageDirection `json:"direction"`
	Content        string           `json:"content"`
	Timestamp      time.Time        `json:"timestamp"`
	AuthorUserID   *string          `json:"author_user,omitempty"`
	IsInternal     bool             `json:"is_internal"`
	CreatedAt      time.Time        `json:"created_at"`
}

// ConversationSummary is the list-view shape: the conversation plus the
// customer-facing message count and most recent customer-facing message.
type ConversationSummary struct {
	Conversation
	MessageCount int      `json:"message_count"`
	LastMessage  *Message `json:"last_message"`
}

type EventType string

const (
	EventNewConversation   EventType = "NEW_CONVERSATION"
	EventNewMessage        EventType = "NEW_MESSAGE"
	EventCloseConversation EventType = "CLOSE_CONVERSATION"
)

// Event is a validated webhook instruction. Data fields beyond ID are only
// populated for NEW_MESSAGE.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      EventData
}

type EventData struct {
	ID             string
	Direction      MessageDirection
	Content        string
	ConversationID string
}

// Result is the uniform outcome returned for an accepted event.
type Result struct {
	Status string `json:"status"`
	Entity string `json:"entity"`
	ID     string `json:"id"`
}

// ConversationFilter narrows ListConversations. Zero values mean "no
// constraint"; Limit <= 0 falls back to 50.
type ConversationFilter struct {
	Status   ConversationStatus
	Search   string
	DateFrom *time.Time
	DateTo   *time.Time
	Limit    int
}

const DefaultConversationLimit = 50

// EntityStore is the durable record of conversations and messages. The
// open/closed check-and-write for CloseConversation and CreateMessage runs
// inside the store because only there can a row-level lock span the check
// and the write.
type EntityStore interface {
	// CreateConversation inserts a new OPEN conversation. ErrDuplicateEntity
	// if the id is taken.
	CreateConversation(ctx context.Context, id string, createdAt time.Time) (Conversation, error)
	// CloseConversation locks the row, verifies it is OPEN and transitions it
	// to CLOSED with the supplied closedAt. ErrNotFound if absent,
	// ErrInvalidState if already CLOSED.
	CloseConversation(ctx context.Context, id string, closedAt time.Time) (Conversation, error)
	// CreateMessage admits a message: ErrDuplicateEntity on a reused message
	// id, ErrNotFound if the parent is absent, ErrConversationClosed if the
	// locked parent is not OPEN. Touches the parent's UpdatedAt.
	CreateMessage(ctx context.Context, msg Message) (Message, error)
	// GetConversation returns the conversation with its messages ordered by
	// Timestamp ascending. Internal notes are omitted unless includeInternal.
	GetConversation(ctx context.Context, id string, includeInternal bool) (Conversation, []Message, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]ConversationSummary, error)
	ListMessages(ctx context.Context, conversationID string, includeInternal bool) ([]Message, error)
	Close() error
}

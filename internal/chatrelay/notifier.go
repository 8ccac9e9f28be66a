package chatrelay

import (
	"log"
	"time"
)

// TopicConversations is the single broadcast topic live viewers subscribe
// to.
const TopicConversations = "conversations"

type ChangeKind string

const (
	ChangeNewConversation     ChangeKind = "new_conversation"
	ChangeNewMessage          ChangeKind = "new_message"
	ChangeConversationUpdated ChangeKind = "conversation_updated"
)

// ChangeEvent is the post-commit fact published to subscribers. Exactly one
// of Conversation or Message is set, depending on Kind.
type ChangeEvent struct {
	Kind         ChangeKind
	Conversation *ConversationChange
	Message      *MessageChange
}

type ConversationChange struct {
	ID        string             `json:"id"`
	Status    ConversationStatus `json:"status"`
	CreatedAt *time.Time         `json:"created_at,omitempty"`
	ClosedAt  *time.Time         `json:"closed_at,omitempty"`
}

type MessageChange struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation"`
	Direction      MessageDirection `json:"direction"`
	Content        string           `json:"content"`
	Timestamp      time.Time        `json:"timestamp"`
	CreatedAt      time.Time        `json:"created_at"`
	IsInternal     bool             `json:"is_internal"`
	AuthorUser     *string          `json:"author_user,omitempty"`
}

// Publisher delivers a change event to a broadcast topic. Delivery is
// at-most-once; implementations must not block indefinitely.
type Publisher interface {
	Publish(topic string, event ChangeEvent) error
}

// Notifier is the best-effort change fan-out invoked after a commit.
// Publish failures are logged and swallowed; they never fail or roll back
// the operation that produced the change.
type Notifier struct {
	publisher Publisher
	logger    *log.Logger
}

func NewNotifier(publisher Publisher, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.Default()
	}
	return &Notifier{publisher: publisher, logger: logger}
}

func (n *Notifier) ConversationCreated(conv Conversation) {
	createdAt := conv.CreatedAt
	n.publish(ChangeEvent{
		Kind: ChangeNewConversation,
		Conversation: &ConversationChange{
			ID:        conv.ID,
			Status:    conv.Status,
			CreatedAt: &createdAt,
		},
	})
}

func (n *Notifier) ConversationClosed(conv Conversation) {
	n.publish(ChangeEvent{
		Kind: ChangeConversationUpdated,
		Conversation: &ConversationChange{
			ID:       conv.ID,
			Status:   conv.Status,
			ClosedAt: conv.ClosedAt,
		},
	})
}

func (n *Notifier) MessageCreated(msg Message) {
	n.publish(ChangeEvent{
		Kind: ChangeNewMessage,
		Message: &MessageChange{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			Direction:      msg.Direction,
			Content:        msg.Content,
			Timestamp:      msg.Timestamp,
			CreatedAt:      msg.CreatedAt,
			IsInternal:     msg.IsInternal,
			AuthorUser:     msg.AuthorUserID,
		},
	})
}

func (n *Notifier) publish(event ChangeEvent) {
	if n == nil || n.publisher == nil {
		return
	}
	if err := n.publisher.Publish(TopicConversations, event); err != nil {
		n.logger.Printf("notify %s failed: %v", event.Kind, err)
	}
}

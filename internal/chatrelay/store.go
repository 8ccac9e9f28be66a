package chatrelay

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the in-process EntityStore used by tests and the
// memory:// profile. A single mutex stands in for row-level locking: it
// serializes every check-and-write, which is strictly stronger than the
// per-row exclusion the Postgres store provides.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]Conversation
	messages      map[string]Message
	order         map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[string]Conversation{},
		messages:      map[string]Message{},
		order:         map[string][]string{},
	}
}

func (s *MemoryStore) CreateConversation(ctx context.Context, id string, createdAt time.Time) (Conversation, error) {
	if strings.TrimSpace(id) == "" {
		return Conversation{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[id]; exists {
		return Conversation{}, ErrDuplicateEntity
	}
	conv := Conversation{
		ID:        id,
		Status:    StatusOpen,
		CreatedAt: createdAt.UTC(),
		UpdatedAt: createdAt.UTC(),
	}
	s.conversations[id] = conv
	return conv, nil
}

func (s *MemoryStore) CloseConversation(ctx context.Context, id string, closedAt time.Time) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[id]
	if !exists {
		return Conversation{}, ErrNotFound
	}
	if conv.IsClosed() {
		return Conversation{}, ErrInvalidState
	}
	closed := closedAt.UTC()
	conv.Status = StatusClosed
	conv.ClosedAt = &closed
	conv.UpdatedAt = time.Now().UTC()
	s.conversations[id] = conv
	return conv, nil
}

func (s *MemoryStore) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	if strings.TrimSpace(msg.ID) == "" || strings.TrimSpace(msg.ConversationID) == "" {
		return Message{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.ID]; exists {
		return Message{}, ErrDuplicateEntity
	}
	conv, exists := s.conversations[msg.ConversationID]
	if !exists {
		return Message{}, ErrNotFound
	}
	if !conv.IsOpen() {
		return Message{}, ErrConversationClosed
	}

	msg.Timestamp = msg.Timestamp.UTC()
	msg.CreatedAt = time.Now().UTC()
	s.messages[msg.ID] = msg
	s.order[msg.ConversationID] = append(s.order[msg.ConversationID], msg.ID)

	conv.UpdatedAt = msg.CreatedAt
	s.conversations[msg.ConversationID] = conv
	return msg, nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string, includeInternal bool) (Conversation, []Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[id]
	if !exists {
		return Conversation{}, nil, ErrNotFound
	}
	return conv, s.messagesLocked(id, includeInternal), nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string, includeInternal bool) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.conversations[conversationID]; !exists {
		return nil, ErrNotFound
	}
	return s.messagesLocked(conversationID, includeInternal), nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]ConversationSummary, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultConversationLimit
	}
	search := strings.ToLower(strings.TrimSpace(filter.Search))

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		if filter.Status != "" && conv.Status != filter.Status {
			continue
		}
		if filter.DateFrom != nil && conv.CreatedAt.Before(*filter.DateFrom) {
			continue
		}
		if filter.DateTo != nil && conv.CreatedAt.After(*filter.DateTo) {
			continue
		}
		if search != "" && !s.anyMessageContainsLocked(conv.ID, search) {
			continue
		}
		matched = append(matched, conv)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}

	summaries := make([]ConversationSummary, 0, len(matched))
	for _, conv := range matched {
		visible := s.messagesLocked(conv.ID, false)
		summary := ConversationSummary{Conversation: conv, MessageCount: len(visible)}
		if len(visible) > 0 {
			last := visible[len(visible)-1]
			summary.LastMessage = &last
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) messagesLocked(conversationID string, includeInternal bool) []Message {
	ids := s.order[conversationID]
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		msg := s.messages[id]
		if msg.IsInternal && !includeInternal {
			continue
		}
		out = append(out, msg)
	}
	// Stable keeps insertion order for equal timestamps.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func (s *MemoryStore) anyMessageContainsLocked(conversationID, loweredNeedle string) bool {
	for _, id := range s.order[conversationID] {
		if strings.Contains(strings.ToLower(s.messages[id].Content), loweredNeedle) {
			return true
		}
	}
	return false
}

package chatrelay

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"
)

type capturingPublisher struct {
	events []ChangeEvent
	err    error
}

func (p *capturingPublisher) Publish(topic string, event ChangeEvent) error {
	if p.err != nil {
		return p.err
	}
	if topic != TopicConversations {
		return errors.New("unexpected topic " + topic)
	}
	p.events = append(p.events, event)
	return nil
}

type capturingSink struct {
	messages []Message
	full     bool
}

func (s *capturingSink) EnqueueMessage(msg Message) bool {
	if s.full {
		return false
	}
	s.messages = append(s.messages, msg)
	return true
}

func testProcessor(t *testing.T, opts ProcessorOptions) (*Processor, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return testTime(t, 0) }
	}
	return NewProcessor(store, opts), store
}

func TestProcessConversationLifecycle(t *testing.T) {
	pub := &capturingPublisher{}
	proc, store := testProcessor(t, ProcessorOptions{Publisher: pub})
	ctx := context.Background()

	res, err := proc.Process(ctx, Event{Type: EventNewConversation, Timestamp: testTime(t, -time.Hour), Data: EventData{ID: testConvID}})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if res.Status != "created" || res.Entity != "conversation" || res.ID != testConvID {
		t.Fatalf("bad result: %+v", res)
	}

	conv, _, err := store.GetConversation(ctx, testConvID, true)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	// Creation ignores the event timestamp; CreatedAt is processing time.
	if !conv.CreatedAt.Equal(testTime(t, 0)) {
		t.Fatalf("CreatedAt should be processing time, got %v", conv.CreatedAt)
	}

	closedAt := testTime(t, 30*time.Minute)
	res, err = proc.Process(ctx, Event{Type: EventCloseConversation, Timestamp: closedAt, Data: EventData{ID: testConvID}})
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if res.Status != "closed" {
		t.Fatalf("bad result: %+v", res)
	}
	conv, _, err = store.GetConversation(ctx, testConvID, true)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	// Close takes the event-supplied timestamp.
	if conv.ClosedAt == nil || !conv.ClosedAt.Equal(closedAt) {
		t.Fatalf("ClosedAt should be the event timestamp, got %v", conv.ClosedAt)
	}

	if len(pub.events) != 2 {
		t.Fatalf("expected 2 published changes, got %d", len(pub.events))
	}
	if pub.events[0].Kind != ChangeNewConversation || pub.events[1].Kind != ChangeConversationUpdated {
		t.Fatalf("bad change kinds: %v, %v", pub.events[0].Kind, pub.events[1].Kind)
	}
}

func TestProcessMessageCarriesEventTimestamp(t *testing.T) {
	pub := &capturingPublisher{}
	proc, store := testProcessor(t, ProcessorOptions{Publisher: pub})
	ctx := context.Background()

	if _, err := proc.Process(ctx, Event{Type: EventNewConversation, Timestamp: testTime(t, 0), Data: EventData{ID: testConvID}}); err != nil {
		t.Fatalf("create conversation failed: %v", err)
	}
	sentAt := testTime(t, time.Minute)
	res, err := proc.Process(ctx, Event{
		Type:      EventNewMessage,
		Timestamp: sentAt,
		Data:      EventData{ID: testMsgID, Direction: DirectionReceived, Content: "oi", ConversationID: testConvID},
	})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if res.Entity != "message" || res.ID != testMsgID {
		t.Fatalf("bad result: %+v", res)
	}
	messages, err := store.ListMessages(ctx, testConvID, true)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(messages) != 1 || !messages[0].Timestamp.Equal(sentAt) {
		t.Fatalf("message should carry the event timestamp: %+v", messages)
	}
	last := pub.events[len(pub.events)-1]
	if last.Kind != ChangeNewMessage || last.Message == nil || last.Message.ID != testMsgID {
		t.Fatalf("bad message change: %+v", last)
	}
}

func TestProcessRawRejectsBeforePersisting(t *testing.T) {
	proc, store := testProcessor(t, ProcessorOptions{})
	ctx := context.Background()

	// Valid envelope, invalid data shape for the type.
	_, err := proc.ProcessRaw(ctx, []byte(`{
		"type": "NEW_CONVERSATION",
		"timestamp": "2026-02-21T10:00:00Z",
		"data": {"id": "`+testConvID+`", "content": "smuggled"}
	}`))
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, _, err := store.GetConversation(ctx, testConvID, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rejected event must not persist anything, got %v", err)
	}
}

func TestPublishFailureDoesNotFailProcessing(t *testing.T) {
	pub := &capturingPublisher{err: errors.New("hub down")}
	proc, store := testProcessor(t, ProcessorOptions{Publisher: pub})
	ctx := context.Background()

	if _, err := proc.Process(ctx, Event{Type: EventNewConversation, Timestamp: testTime(t, 0), Data: EventData{ID: testConvID}}); err != nil {
		t.Fatalf("publish failure leaked into processing: %v", err)
	}
	if _, _, err := store.GetConversation(ctx, testConvID, true); err != nil {
		t.Fatalf("conversation should be persisted despite publish failure: %v", err)
	}
}

func TestOutboundEnqueueOnlyForSentExternalMessages(t *testing.T) {
	sink := &capturingSink{}
	proc, _ := testProcessor(t, ProcessorOptions{Outbound: sink})
	ctx := context.Background()

	if _, err := proc.Process(ctx, Event{Type: EventNewConversation, Timestamp: testTime(t, 0), Data: EventData{ID: testConvID}}); err != nil {
		t.Fatalf("create conversation failed: %v", err)
	}
	if _, err := proc.Process(ctx, Event{
		Type:      EventNewMessage,
		Timestamp: testTime(t, time.Minute),
		Data:      EventData{ID: testMsgID, Direction: DirectionReceived, Content: "inbound", ConversationID: testConvID},
	}); err != nil {
		t.Fatalf("received message failed: %v", err)
	}
	if len(sink.messages) != 0 {
		t.Fatalf("inbound messages must not be dispatched outbound")
	}

	author := "agent-1"
	if _, err := proc.Admission().CreateMessage(ctx, Message{
		ID:             "0e4f4f43-6d32-44ff-b146-1c4c8b7ce0b1",
		ConversationID: testConvID,
		Direction:      DirectionSent,
		Content:        "internal note",
		Timestamp:      testTime(t, 2*time.Minute),
		IsInternal:     true,
		AuthorUserID:   &author,
	}); err != nil {
		t.Fatalf("internal message failed: %v", err)
	}
	if len(sink.messages) != 0 {
		t.Fatalf("internal notes must not be dispatched outbound")
	}

	if _, err := proc.Admission().CreateMessage(ctx, Message{
		ID:             "c2534b0e-9f29-4df5-a2a5-4d1d6e2a9d10",
		ConversationID: testConvID,
		Direction:      DirectionSent,
		Content:        "reply",
		Timestamp:      testTime(t, 3*time.Minute),
	}); err != nil {
		t.Fatalf("sent message failed: %v", err)
	}
	if len(sink.messages) != 1 || sink.messages[0].Content != "reply" {
		t.Fatalf("expected one outbound dispatch, got %+v", sink.messages)
	}
}

func TestOutboundQueueFullDoesNotFailAdmission(t *testing.T) {
	sink := &capturingSink{full: true}
	proc, store := testProcessor(t, ProcessorOptions{Outbound: sink})
	ctx := context.Background()

	if _, err := proc.Process(ctx, Event{Type: EventNewConversation, Timestamp: testTime(t, 0), Data: EventData{ID: testConvID}}); err != nil {
		t.Fatalf("create conversation failed: %v", err)
	}
	if _, err := proc.Admission().CreateMessage(ctx, Message{
		ID:             testMsgID,
		ConversationID: testConvID,
		Direction:      DirectionSent,
		Content:        "dropped delivery",
		Timestamp:      testTime(t, time.Minute),
	}); err != nil {
		t.Fatalf("full outbound queue must not fail the admission: %v", err)
	}
	messages, err := store.ListMessages(ctx, testConvID, true)
	if err != nil || len(messages) != 1 {
		t.Fatalf("message should be persisted: %v, %+v", err, messages)
	}
}

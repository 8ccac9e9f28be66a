package chatrelay

import (
	"errors"
	"testing"
	"time"
)

const (
	testConvID = "6a41b347-8d80-4ce9-84ba-7af66f369f6a"
	testMsgID  = "49108c71-4dca-4af3-9f32-61bac745595b"
)

func TestParseNewConversation(t *testing.T) {
	v := NewEventValidator()
	event, err := v.Parse([]byte(`{
		"type": "NEW_CONVERSATION",
		"timestamp": "2026-02-21T10:20:41.349308Z",
		"data": {"id": "` + testConvID + `"}
	}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if event.Type != EventNewConversation || event.Data.ID != testConvID {
		t.Fatalf("bad event: %+v", event)
	}
	if event.Timestamp.Location() != time.UTC {
		t.Fatalf("timestamp must be normalized to UTC")
	}
}

func TestParseNewMessage(t *testing.T) {
	v := NewEventValidator()
	event, err := v.Parse([]byte(`{
		"type": "NEW_MESSAGE",
		"timestamp": "2026-02-21T10:20:42.349308Z",
		"data": {
			"id": "` + testMsgID + `",
			"direction": "RECEIVED",
			"content": "Ola, tudo bem?",
			"conversation_id": "` + testConvID + `"
		}
	}`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if event.Data.Direction != DirectionReceived || event.Data.ConversationID != testConvID {
		t.Fatalf("bad event: %+v", event)
	}
}

func TestParseRejections(t *testing.T) {
	v := NewEventValidator()
	cases := []struct {
		name string
		body string
	}{
		{"not json", `{"type": "NEW_CONVERSATION"`},
		{"unknown type", `{"type": "DELETE_CONVERSATION", "timestamp": "2026-02-21T10:00:00Z", "data": {"id": "` + testConvID + `"}}`},
		{"missing timestamp", `{"type": "NEW_CONVERSATION", "data": {"id": "` + testConvID + `"}}`},
		{"bad timestamp", `{"type": "NEW_CONVERSATION", "timestamp": "yesterday", "data": {"id": "` + testConvID + `"}}`},
		{"bad uuid", `{"type": "NEW_CONVERSATION", "timestamp": "2026-02-21T10:00:00Z", "data": {"id": "not-a-uuid"}}`},
		{"conversation event with content", `{"type": "NEW_CONVERSATION", "timestamp": "2026-02-21T10:00:00Z", "data": {"id": "` + testConvID + `", "content": "hi"}}`},
		{"close event with direction", `{"type": "CLOSE_CONVERSATION", "timestamp": "2026-02-21T10:00:00Z", "data": {"id": "` + testConvID + `", "direction": "SENT"}}`},
		{"message without conversation_id", `{"type": "NEW_MESSAGE", "timestamp": "2026-02-21T10:00:00Z", "data": {"id": "` + testMsgID + `", "direction": "SENT", "content": "hi"}}`},
		{"message with bad direction", `{"type": "NEW_MESSAGE", "timestamp": "2026-02-21T10:00:00Z", "data": {"id": "` + testMsgID + `", "direction": "SIDEWAYS", "content": "hi", "conversation_id": "` + testConvID + `"}}`},
		{"blank content", `{"type": "NEW_MESSAGE", "timestamp": "2026-02-21T10:00:00Z", "data": {"id": "` + testMsgID + `", "direction": "SENT", "content": "   ", "conversation_id": "` + testConvID + `"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := v.Parse([]byte(tc.body)); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

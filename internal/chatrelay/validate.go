package chatrelay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const envelopeSchemaSource = `{
	"type": "object",
	"required": ["type", "timestamp", "data"],
	"properties": {
		"type": {
			"type": "string",
			"enum": ["NEW_CONVERSATION", "NEW_MESSAGE", "CLOSE_CONVERSATION"]
		},
		"timestamp": {"type": "string"},
		"data": {"type": "object"}
	}
}`

// NEW_CONVERSATION and CLOSE_CONVERSATION carry only the conversation id;
// message-shaped fields in their data are an error, not noise.
const conversationDataSchemaSource = `{
	"type": "object",
	"properties": {
		"data": {
			"type": "object",
			"required": ["id"],
			"properties": {"id": {"type": "string"}},
			"not": {
				"anyOf": [
					{"required": ["direction"]},
					{"required": ["content"]},
					{"required": ["conversation_id"]}
				]
			}
		}
	}
}`

const messageDataSchemaSource = `{
	"type": "object",
	"properties": {
		"data": {
			"type": "object",
			"required": ["id", "direction", "content", "conversation_id"],
			"properties": {
				"id": {"type": "string"},
				"direction": {"type": "string", "enum": ["SENT", "RECEIVED"]},
				"content": {"type": "string"},
				"conversation_id": {"type": "string"}
			}
		}
	}
}`

// EventValidator performs the structural validation of webhook payloads
// before any dispatch: an envelope schema shared by all event types plus a
// per-type data schema, then the checks a schema cannot express (timestamp
// parsing, UUID validity, blank-after-trim content).
type EventValidator struct {
	envelope         *jsonschema.Schema
	conversationData *jsonschema.Schema
	messageData      *jsonschema.Schema
}

func NewEventValidator() *EventValidator {
	return &EventValidator{
		envelope:         mustCompileSchema("envelope.json", envelopeSchemaSource),
		conversationData: mustCompileSchema("conversation_data.json", conversationDataSchemaSource),
		messageData:      mustCompileSchema("message_data.json", messageDataSchemaSource),
	}
}

func mustCompileSchema(name, source string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		panic(fmt.Sprintf("chatrelay: bad schema %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("chatrelay: add schema %s: %v", name, err))
	}
	return compiler.MustCompile(name)
}

type wireEvent struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      struct {
		ID             string `json:"id"`
		Direction      string `json:"direction"`
		Content        string `json:"content"`
		ConversationID string `json:"conversation_id"`
	} `json:"data"`
}

// Parse validates a raw webhook payload and returns the typed event. Every
// failure is a *ValidationError; nothing is persisted before Parse
// succeeds.
func (v *EventValidator) Parse(raw []byte) (Event, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Event{}, &ValidationError{Reason: "invalid json body"}
	}
	if err := v.envelope.Validate(doc); err != nil {
		return Event{}, &ValidationError{Reason: err.Error()}
	}

	var wire wireEvent
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Event{}, &ValidationError{Reason: "invalid json body"}
	}
	eventType := EventType(wire.Type)

	switch eventType {
	case EventNewConversation, EventCloseConversation:
		if err := v.conversationData.Validate(doc); err != nil {
			return Event{}, &ValidationError{Field: "data", Reason: fmt.Sprintf("%s should only contain 'id'", wire.Type)}
		}
	case EventNewMessage:
		if err := v.messageData.Validate(doc); err != nil {
			return Event{}, &ValidationError{Field: "data", Reason: err.Error()}
		}
	default:
		return Event{}, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown event type: %s", wire.Type)}
	}

	timestamp, err := time.Parse(time.RFC3339, wire.Timestamp)
	if err != nil {
		return Event{}, &ValidationError{Field: "timestamp", Reason: "not a valid ISO-8601 timestamp"}
	}
	if _, err := uuid.Parse(wire.Data.ID); err != nil {
		return Event{}, &ValidationError{Field: "data.id", Reason: "not a valid UUID"}
	}

	event := Event{
		Type:      eventType,
		Timestamp: timestamp.UTC(),
		Data:      EventData{ID: wire.Data.ID},
	}
	if eventType == EventNewMessage {
		if _, err := uuid.Parse(wire.Data.ConversationID); err != nil {
			return Event{}, &ValidationError{Field: "data.conversation_id", Reason: "not a valid UUID"}
		}
		if strings.TrimSpace(wire.Data.Content) == "" {
			return Event{}, &ValidationError{Field: "data.content", Reason: "must not be blank"}
		}
		event.Data.Direction = MessageDirection(wire.Data.Direction)
		event.Data.Content = wire.Data.Content
		event.Data.ConversationID = wire.Data.ConversationID
	}
	return event, nil
}

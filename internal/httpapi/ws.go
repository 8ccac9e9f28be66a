package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/chatrelay/chatrelay/internal/chatrelay"
)

const (
	wsWriteTimeout     = 5 * time.Second
	wsSubscriberBuffer = 16
)

// Hub fans out persisted changes to connected websocket viewers and serves
// their read commands. It is the Publisher behind the notifier: Publish is
// called after a commit and broadcasts to every subscriber. Delivery is
// best effort; a subscriber that cannot keep up is disconnected.
type Hub struct {
	processor *chatrelay.Processor
	store     chatrelay.EntityStore
	jwtSecret string
	logger    *log.Logger

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	events    chan []byte
	closeSlow func()
}

func NewHub(store chatrelay.EntityStore, jwtSecret string, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		store:       store,
		jwtSecret:   jwtSecret,
		logger:      logger,
		subscribers: map[*subscriber]struct{}{},
	}
}

// AttachProcessor completes the wiring: the hub publishes the processor's
// commits and the processor serves the hub's send_message command. Call
// before accepting connections.
func (h *Hub) AttachProcessor(processor *chatrelay.Processor) {
	h.processor = processor
}

// Publish implements chatrelay.Publisher.
func (h *Hub) Publish(topic string, event chatrelay.ChangeEvent) error {
	if topic != chatrelay.TopicConversations {
		return nil
	}
	frame, err := marshalChangeFrame(event)
	if err != nil {
		return err
	}
	h.broadcast(frame)
	return nil
}

// SubscriberCount reports how many viewers are connected.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *Hub) broadcast(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		select {
		case sub.events <- frame:
		default:
			go sub.closeSlow()
		}
	}
}

func (h *Hub) addSubscriber(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[sub] = struct{}{}
}

func (h *Hub) removeSubscriber(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, sub)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("websocket accept failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "connection torn down")

	claims, authErr := parseUserToken(bearerToken(r), h.jwtSecret, time.Now().UTC())
	authenticated := authErr == nil

	err = h.serve(r.Context(), conn, claims, authenticated)
	if errors.Is(err, context.Canceled) {
		return
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return
	}
	if err != nil {
		h.logger.Printf("websocket session ended: %v", err)
	}
}

func (h *Hub) serve(ctx context.Context, conn *websocket.Conn, claims userClaims, authenticated bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := &subscriber{
		events: make(chan []byte, wsSubscriberBuffer),
		closeSlow: func() {
			conn.Close(websocket.StatusPolicyViolation, "subscriber too slow to keep up")
		},
	}
	h.addSubscriber(sub)
	defer h.removeSubscriber(sub)

	h.enqueue(sub, h.helloFrame(ctx, claims, authenticated))

	readErr := make(chan error, 1)
	go func() {
		readErr <- h.readCommands(ctx, conn, sub, claims, authenticated)
	}()

	// All writes go through the events channel so a single goroutine owns
	// the write side of the connection.
	for {
		select {
		case frame := <-sub.events:
			if err := writeWithTimeout(ctx, conn, frame); err != nil {
				return err
			}
		case err := <-readErr:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type wsCommand struct {
	Type string `json:"type"`
	Data struct {
		ID             string `json:"id"`
		ConversationID string `json:"conversation_id"`
		Content        string `json:"content"`
		ClientID       string `json:"client_id"`
		Status         string `json:"status"`
		Search         string `json:"search"`
		DateFrom       string `json:"date_from"`
		DateTo         string `json:"date_to"`
	} `json:"data"`
}

func (h *Hub) readCommands(ctx context.Context, conn *websocket.Conn, sub *subscriber, claims userClaims, authenticated bool) error {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var cmd wsCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			h.enqueue(sub, errorFrame("invalid command payload"))
			continue
		}
		switch cmd.Type {
		case "get_conversations":
			h.enqueue(sub, h.conversationsListFrame(ctx, chatrelay.ConversationFilter{}))
		case "filter_conversations":
			filter, err := commandFilter(cmd)
			if err != nil {
				h.enqueue(sub, errorFrame(err.Error()))
				continue
			}
			h.enqueue(sub, h.conversationsListFrame(ctx, filter))
		case "get_conversation":
			h.enqueue(sub, h.conversationDetailFrame(ctx, cmd.Data.ID, authenticated))
		case "send_message":
			h.enqueue(sub, h.sendMessage(ctx, cmd, claims, authenticated))
		default:
			h.enqueue(sub, errorFrame("unknown command type: "+cmd.Type))
		}
	}
}

// enqueue routes a frame to this subscriber's writer. The slow-client rule
// applies to command replies the same as to broadcasts.
func (h *Hub) enqueue(sub *subscriber, frame []byte) {
	if frame == nil {
		return
	}
	select {
	case sub.events <- frame:
	default:
		go sub.closeSlow()
	}
}

func (h *Hub) helloFrame(ctx context.Context, claims userClaims, authenticated bool) []byte {
	// Anonymous viewers get a generated persona so the UI can label them.
	personaID := uuid.NewString()
	personaName := "User_" + personaID[:8]
	if authenticated {
		personaID = claims.UserID
		if claims.Username != "" {
			personaName = claims.Username
		}
	}
	payload := map[string]any{
		"type":          "connection_established",
		"persona_id":    personaID,
		"persona_name":  personaName,
		"authenticated": authenticated,
	}
	summaries, err := h.store.ListConversations(ctx, chatrelay.ConversationFilter{})
	if err == nil {
		payload["conversations"] = summaries
	}
	return mustMarshalFrame(payload)
}

func (h *Hub) conversationsListFrame(ctx context.Context, filter chatrelay.ConversationFilter) []byte {
	summaries, err := h.store.ListConversations(ctx, filter)
	if err != nil {
		return errorFrame("failed to load conversations")
	}
	return mustMarshalFrame(map[string]any{
		"type":          "conversations_list",
		"conversations": summaries,
	})
}

func (h *Hub) conversationDetailFrame(ctx context.Context, id string, authenticated bool) []byte {
	conv, messages, err := h.store.GetConversation(ctx, id, authenticated)
	if err != nil {
		if errors.Is(err, chatrelay.ErrNotFound) {
			return errorFrame("conversation not found")
		}
		return errorFrame("failed to load conversation")
	}
	return mustMarshalFrame(map[string]any{
		"type":         "conversation_detail",
		"conversation": conversationDetail{Conversation: conv, Messages: messages},
	})
}

// sendMessage persists an operator reply typed into the live view. The
// admission path is the same as for webhook messages, so the broadcast to
// other viewers rides the notifier; only the direct ack goes back here.
func (h *Hub) sendMessage(ctx context.Context, cmd wsCommand, claims userClaims, authenticated bool) []byte {
	if strings.TrimSpace(cmd.Data.Content) == "" {
		return errorFrame("content must not be blank")
	}
	if strings.TrimSpace(cmd.Data.ConversationID) == "" {
		return errorFrame("conversation_id is required")
	}
	msg := chatrelay.Message{
		ID:             uuid.NewString(),
		ConversationID: cmd.Data.ConversationID,
		Content:        cmd.Data.Content,
		Timestamp:      h.processor.Now(),
		Direction:      chatrelay.DirectionReceived,
	}
	if authenticated {
		msg.Direction = chatrelay.DirectionSent
		userID := claims.UserID
		msg.AuthorUserID = &userID
	}
	created, err := h.processor.Admission().CreateMessage(ctx, msg)
	if err != nil {
		switch {
		case errors.Is(err, chatrelay.ErrNotFound):
			return errorFrame("conversation not found")
		case errors.Is(err, chatrelay.ErrConversationClosed):
			return errorFrame("conversation is closed")
		case errors.Is(err, chatrelay.ErrInvalidInput):
			return errorFrame(err.Error())
		default:
			return errorFrame("failed to send message")
		}
	}
	return mustMarshalFrame(map[string]any{
		"type":      "message_sent",
		"client_id": cmd.Data.ClientID,
		"message":   created,
	})
}

func commandFilter(cmd wsCommand) (chatrelay.ConversationFilter, error) {
	filter := chatrelay.ConversationFilter{Search: cmd.Data.Search}
	if cmd.Data.Status != "" {
		status := chatrelay.ConversationStatus(cmd.Data.Status)
		if status != chatrelay.StatusOpen && status != chatrelay.StatusClosed {
			return chatrelay.ConversationFilter{}, errors.New("status must be OPEN or CLOSED")
		}
		filter.Status = status
	}
	if cmd.Data.DateFrom != "" {
		from, err := parseQueryTime(cmd.Data.DateFrom)
		if err != nil {
			return chatrelay.ConversationFilter{}, errors.New("date_from is not a valid timestamp")
		}
		filter.DateFrom = &from
	}
	if cmd.Data.DateTo != "" {
		to, err := parseQueryTime(cmd.Data.DateTo)
		if err != nil {
			return chatrelay.ConversationFilter{}, errors.New("date_to is not a valid timestamp")
		}
		filter.DateTo = &to
	}
	return filter, nil
}

func marshalChangeFrame(event chatrelay.ChangeEvent) ([]byte, error) {
	payload := map[string]any{"type": string(event.Kind)}
	switch event.Kind {
	case chatrelay.ChangeNewConversation, chatrelay.ChangeConversationUpdated:
		payload["conversation"] = event.Conversation
	case chatrelay.ChangeNewMessage:
		payload["message"] = event.Message
	default:
		return nil, errors.New("unknown change kind: " + string(event.Kind))
	}
	return json.Marshal(payload)
}

func mustMarshalFrame(payload map[string]any) []byte {
	frame, err := json.Marshal(payload)
	if err != nil {
		return errorFrame("failed to encode frame")
	}
	return frame
}

func errorFrame(details string) []byte {
	frame, _ := json.Marshal(map[string]string{
		"type":    "error",
		"details": details,
	})
	return frame
}

func writeWithTimeout(ctx context.Context, conn *websocket.Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

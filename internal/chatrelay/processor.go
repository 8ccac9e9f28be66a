package chatrelay

import (
	"context"
	"fmt"
	"log"
	"time"
)

// OutboundSink receives admitted outbound messages for best-effort external
// delivery. A false return means the message was dropped, never that the
// admission failed.
type OutboundSink interface {
	EnqueueMessage(msg Message) bool
}

// Lifecycle owns the conversation state machine: OPEN at creation, a single
// transition to CLOSED, nothing after.
type Lifecycle struct {
	store    EntityStore
	notifier *Notifier
	logger   *log.Logger
}

func (l *Lifecycle) CreateConversation(ctx context.Context, id string, createdAt time.Time) (Conversation, error) {
	conv, err := l.store.CreateConversation(ctx, id, createdAt)
	if err != nil {
		return Conversation{}, err
	}
	l.logger.Printf("created conversation %s", conv.ID)
	l.notifier.ConversationCreated(conv)
	return conv, nil
}

func (l *Lifecycle) CloseConversation(ctx context.Context, id string, closedAt time.Time) (Conversation, error) {
	conv, err := l.store.CloseConversation(ctx, id, closedAt)
	if err != nil {
		return Conversation{}, err
	}
	l.logger.Printf("closed conversation %s", conv.ID)
	l.notifier.ConversationClosed(conv)
	return conv, nil
}

// Admission validates and persists new messages subject to the lifecycle
// constraints enforced inside the store's locked check-and-write.
type Admission struct {
	store    EntityStore
	notifier *Notifier
	outbound OutboundSink
	logger   *log.Logger
}

func (a *Admission) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	created, err := a.store.CreateMessage(ctx, msg)
	if err != nil {
		return Message{}, err
	}
	a.logger.Printf("created %s message %s in conversation %s", created.Direction, created.ID, created.ConversationID)
	a.notifier.MessageCreated(created)
	if a.outbound != nil && created.Direction == DirectionSent && !created.IsInternal {
		if !a.outbound.EnqueueMessage(created) {
			a.logger.Printf("outbound queue full, dropping delivery of message %s", created.ID)
		}
	}
	return created, nil
}

type ProcessorOptions struct {
	Publisher Publisher
	Outbound  OutboundSink
	Logger    *log.Logger
	Clock     func() time.Time
}

// Processor is the event dispatcher: it validates a webhook payload's shape
// and routes the typed event to the lifecycle manager or the admission
// controller. Domain errors propagate unmodified to the boundary.
type Processor struct {
	validator *EventValidator
	lifecycle *Lifecycle
	admission *Admission
	clock     func() time.Time
	logger    *log.Logger
}

func NewProcessor(store EntityStore, opts ProcessorOptions) *Processor {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	notifier := NewNotifier(opts.Publisher, logger)
	return &Processor{
		validator: NewEventValidator(),
		lifecycle: &Lifecycle{store: store, notifier: notifier, logger: logger},
		admission: &Admission{store: store, notifier: notifier, outbound: opts.Outbound, logger: logger},
		clock:     clock,
		logger:    logger,
	}
}

func (p *Processor) Lifecycle() *Lifecycle {
	return p.lifecycle
}

func (p *Processor) Admission() *Admission {
	return p.admission
}

func (p *Processor) Now() time.Time {
	return p.clock()
}

// ProcessRaw validates a raw webhook body and applies it.
func (p *Processor) ProcessRaw(ctx context.Context, raw []byte) (Result, error) {
	event, err := p.validator.Parse(raw)
	if err != nil {
		return Result{}, err
	}
	return p.Process(ctx, event)
}

// Process applies an already-validated event. The conversation's CreatedAt
// uses processing time; ClosedAt and message Timestamp carry the
// event-supplied value.
func (p *Processor) Process(ctx context.Context, event Event) (Result, error) {
	p.logger.Printf("processing %s event", event.Type)
	switch event.Type {
	case EventNewConversation:
		conv, err := p.lifecycle.CreateConversation(ctx, event.Data.ID, p.clock())
		if err != nil {
			return Result{}, err
		}
		return Result{Status: "created", Entity: "conversation", ID: conv.ID}, nil
	case EventNewMessage:
		msg, err := p.admission.CreateMessage(ctx, Message{
			ID:             event.Data.ID,
			ConversationID: event.Data.ConversationID,
			Direction:      event.Data.Direction,
			Content:        event.Data.Content,
			Timestamp:      event.Timestamp,
		})
		if err != nil {
			return Result{}, err
		}
		return Result{Status: "created", Entity: "message", ID: msg.ID}, nil
	case EventCloseConversation:
		conv, err := p.lifecycle.CloseConversation(ctx, event.Data.ID, event.Timestamp)
		if err != nil {
			return Result{}, err
		}
		return Result{Status: "closed", Entity: "conversation", ID: conv.ID}, nil
	default:
		return Result{}, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown event type: %s", event.Type)}
	}
}

// Package provider delivers operator replies to the external messaging
// provider. Delivery is best effort and fully decoupled from admission: a
// provider outage never fails or delays message persistence.
package provider

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatrelay/chatrelay/internal/chatrelay"
)

const (
	DefaultWorkers     = 2
	DefaultQueueSize   = 256
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 2 * time.Second

	sendTimeout = 10 * time.Second
)

// OutboundMessage is the provider-facing projection of an admitted message.
type OutboundMessage struct {
	MessageID      string
	ConversationID string
	Content        string
	Timestamp      time.Time
}

// Receipt is the provider's acknowledgement of an accepted delivery.
type Receipt struct {
	ProviderMessageID string
	Status            string
	AcceptedAt        time.Time
}

type Provider interface {
	SendMessage(ctx context.Context, msg OutboundMessage) (Receipt, error)
}

// StubProvider stands in for the real messaging provider in development.
// It accepts everything, logs the delivery and fabricates a receipt.
// Credentials can be swapped at runtime when the config file changes.
type StubProvider struct {
	logger *log.Logger

	mu        sync.Mutex
	accountID string
	authToken string
}

func NewStubProvider(logger *log.Logger) *StubProvider {
	if logger == nil {
		logger = log.Default()
	}
	return &StubProvider{logger: logger}
}

func (p *StubProvider) SetCredentials(accountID, authToken string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accountID = accountID
	p.authToken = authToken
}

func (p *StubProvider) SendMessage(ctx context.Context, msg OutboundMessage) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	p.mu.Lock()
	accountID := p.accountID
	p.mu.Unlock()
	if accountID == "" {
		accountID = "stub"
	}
	receipt := Receipt{
		ProviderMessageID: accountID + "-" + uuid.NewString(),
		Status:            "queued",
		AcceptedAt:        time.Now().UTC(),
	}
	p.logger.Printf("stub provider accepted message %s for conversation %s", msg.MessageID, msg.ConversationID)
	return receipt, nil
}

type deliveryTask struct {
	msg     OutboundMessage
	attempt int
}

type DispatcherOptions struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	RetryDelay  time.Duration
	Logger      *log.Logger
}

// Dispatcher drains admitted outbound messages through the provider with
// bounded buffering and per-message retry. It implements
// chatrelay.OutboundSink; EnqueueMessage never blocks the caller.
type Dispatcher struct {
	provider    Provider
	tasks       chan deliveryTask
	maxAttempts int
	retryDelay  time.Duration
	logger      *log.Logger

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewDispatcher(p Provider, opts DispatcherOptions) *Dispatcher {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	d := &Dispatcher{
		provider:    p,
		tasks:       make(chan deliveryTask, queueSize),
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		logger:      logger,
		closed:      make(chan struct{}),
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer d.wg.Done()
			d.worker()
		}()
	}
	return d
}

// EnqueueMessage implements chatrelay.OutboundSink. It returns false when
// the dispatcher is closed or the queue is full; the caller treats both as
// a dropped delivery, not a failure.
func (d *Dispatcher) EnqueueMessage(msg chatrelay.Message) bool {
	task := deliveryTask{
		msg: OutboundMessage{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			Content:        msg.Content,
			Timestamp:      msg.Timestamp,
		},
		attempt: 1,
	}
	select {
	case <-d.closed:
		return false
	default:
	}
	select {
	case d.tasks <- task:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.wg.Wait()
	})
}

func (d *Dispatcher) worker() {
	for {
		select {
		case <-d.closed:
			return
		case task := <-d.tasks:
			d.deliver(task)
		}
	}
}

func (d *Dispatcher) deliver(task deliveryTask) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	receipt, err := d.provider.SendMessage(ctx, task.msg)
	cancel()
	if err == nil {
		d.logger.Printf("delivered message %s (provider id %s, status %s)",
			task.msg.MessageID, receipt.ProviderMessageID, receipt.Status)
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	if task.attempt >= d.maxAttempts {
		d.logger.Printf("giving up on message %s after %d attempts: %v", task.msg.MessageID, task.attempt, err)
		return
	}
	delay := d.retryDelay << (task.attempt - 1)
	d.logger.Printf("delivery of message %s failed (attempt %d/%d), retrying in %s: %v",
		task.msg.MessageID, task.attempt, d.maxAttempts, delay, err)
	retry := deliveryTask{msg: task.msg, attempt: task.attempt + 1}
	time.AfterFunc(delay, func() {
		select {
		case <-d.closed:
			return
		default:
		}
		select {
		case d.tasks <- retry:
		default:
			d.logger.Printf("retry queue full, dropping message %s", retry.msg.MessageID)
		}
	})
}

package provider

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/chatrelay/chatrelay/internal/chatrelay"
)

type fakeProvider struct {
	mu       sync.Mutex
	failures int
	calls    []OutboundMessage
	done     chan struct{}
	doneOnce sync.Once
}

func newFakeProvider(failures int) *fakeProvider {
	return &fakeProvider{failures: failures, done: make(chan struct{})}
}

func (p *fakeProvider) SendMessage(_ context.Context, msg OutboundMessage) (Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, msg)
	if p.failures > 0 {
		p.failures--
		return Receipt{}, errors.New("provider unavailable")
	}
	p.doneOnce.Do(func() { close(p.done) })
	return Receipt{ProviderMessageID: "prov-1", Status: "queued", AcceptedAt: time.Now().UTC()}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testMessage(id string) chatrelay.Message {
	return chatrelay.Message{
		ID:             id,
		ConversationID: "6a41b347-8d80-4ce9-84ba-7af66f369f6a",
		Direction:      chatrelay.DirectionSent,
		Content:        "outbound",
		Timestamp:      time.Now().UTC(),
	}
}

func TestDispatcherDelivers(t *testing.T) {
	fake := newFakeProvider(0)
	d := NewDispatcher(fake, DispatcherOptions{Logger: discardLogger()})
	defer d.Close()

	if !d.EnqueueMessage(testMessage("m-1")) {
		t.Fatalf("enqueue rejected")
	}
	select {
	case <-fake.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("delivery never happened")
	}
	if fake.callCount() != 1 {
		t.Fatalf("expected 1 call, got %d", fake.callCount())
	}
}

func TestDispatcherRetriesWithBackoff(t *testing.T) {
	fake := newFakeProvider(2)
	d := NewDispatcher(fake, DispatcherOptions{
		MaxAttempts: 3,
		RetryDelay:  10 * time.Millisecond,
		Logger:      discardLogger(),
	})
	defer d.Close()

	if !d.EnqueueMessage(testMessage("m-1")) {
		t.Fatalf("enqueue rejected")
	}
	select {
	case <-fake.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("delivery never succeeded after retries")
	}
	if fake.callCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", fake.callCount())
	}
}

func TestDispatcherGivesUpAfterMaxAttempts(t *testing.T) {
	fake := newFakeProvider(100)
	d := NewDispatcher(fake, DispatcherOptions{
		MaxAttempts: 2,
		RetryDelay:  5 * time.Millisecond,
		Logger:      discardLogger(),
	})
	defer d.Close()

	if !d.EnqueueMessage(testMessage("m-1")) {
		t.Fatalf("enqueue rejected")
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if fake.callCount() >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Let any stray retry fire before counting.
	time.Sleep(50 * time.Millisecond)
	if fake.callCount() != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", fake.callCount())
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	fake := newFakeProvider(0)
	d := NewDispatcher(fake, DispatcherOptions{
		Workers:   1,
		QueueSize: 1,
		Logger:    discardLogger(),
	})
	d.Close()

	if d.EnqueueMessage(testMessage("m-1")) {
		t.Fatalf("closed dispatcher must reject enqueues")
	}
}

func TestStubProviderAccepts(t *testing.T) {
	stub := NewStubProvider(discardLogger())
	stub.SetCredentials("acct-1", "token")

	receipt, err := stub.SendMessage(context.Background(), OutboundMessage{
		MessageID:      "m-1",
		ConversationID: "c-1",
		Content:        "hello",
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("stub send failed: %v", err)
	}
	if receipt.Status != "queued" || receipt.ProviderMessageID == "" {
		t.Fatalf("bad receipt: %+v", receipt)
	}
}

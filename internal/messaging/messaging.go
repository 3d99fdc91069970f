// Package messaging defines the event bus the engine publishes alert,
// incident and mitigation events to. The nats subpackage is the production
// transport; MemoryPublisher stands in when no broker is configured.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Message is one event on the guard bus.
type Message struct {
	Subject   string
	Data      []byte            // JSON body
	Metadata  map[string]string // broker headers
	Timestamp time.Time         // zero means "now" when publishing
}

// MessageHandler consumes one delivered event.
type MessageHandler func(ctx context.Context, msg *Message) error

// Subscription is an active Subscribe registration.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// Publisher exports engine events. Publishing is fire-and-forget: callers
// log failures and carry on, so a missing broker never affects verdicts.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	PublishMsg(ctx context.Context, msg *Message) error
	IsConnected() bool
	Close() error
}

// Subscriber delivers published events to a handler. Subjects may use the
// broker's wildcards, e.g. SubjectAll.
type Subscriber interface {
	Subscribe(subject string, handler MessageHandler) (Subscription, error)
}

// PublishJSON marshals v and publishes it to subject.
func PublishJSON(ctx context.Context, p Publisher, subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return p.Publish(ctx, subject, data)
}

// MemoryPublisher records published messages in memory. It backs the engine
// when no broker is configured and is used by tests to observe events.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []Message
	limit    int
	closed   bool
}

// NewMemoryPublisher creates a MemoryPublisher keeping at most limit
// messages (0 keeps everything).
func NewMemoryPublisher(limit int) *MemoryPublisher {
	return &MemoryPublisher{limit: limit}
}

func (p *MemoryPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.PublishMsg(ctx, &Message{Subject: subject, Data: data})
}

func (p *MemoryPublisher) PublishMsg(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("publisher closed")
	}
	m := *msg
	m.Data = append([]byte(nil), msg.Data...)
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	p.messages = append(p.messages, m)
	if p.limit > 0 && len(p.messages) > p.limit {
		p.messages = p.messages[len(p.messages)-p.limit:]
	}
	return nil
}

// Messages returns published messages on subject, or all when subject is empty.
func (p *MemoryPublisher) Messages(subject string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Message
	for _, m := range p.messages {
		if subject == "" || m.Subject == subject {
			out = append(out, m)
		}
	}
	return out
}

func (p *MemoryPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

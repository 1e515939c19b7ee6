package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/grovehq/grove/internal/common/logger"
)

// MemoryEventBus implements EventBus with in-process delivery. It supports
// NATS-style subject wildcards (* for one token, > for the rest) so the same
// subject scheme works against either backend.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	queues map[string]*queueGroup
	logger *logger.Logger
	closed bool
}

// memorySubscription is one registered handler.
type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil when the subject has no wildcards
	handler EventHandler
	queue   string // empty for plain subscriptions

	mu     sync.Mutex
	active bool
}

// queueGroup round-robins deliveries among its members.
type queueGroup struct {
	mu      sync.Mutex
	members []*memorySubscription
	next    int
}

// NewMemoryEventBus creates a new in-memory event bus
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		queues: make(map[string]*queueGroup),
		logger: log,
	}
}

// Publish sends an event to all matching subscribers
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	// Each queue group receives at most one delivery per publish.
	deliveredQueues := make(map[string]bool)

	for _, sub := range b.subs {
		if !sub.IsValid() || !subjectMatches(subject, sub.subject, sub.pattern) {
			continue
		}

		if sub.queue != "" {
			key := sub.queue + ":" + sub.subject
			if !deliveredQueues[key] {
				deliveredQueues[key] = true
				b.deliverToQueue(ctx, key, subject, event)
			}
			continue
		}

		go func(s *memorySubscription) {
			if err := s.handler(ctx, event); err != nil {
				b.logger.Error("Event handler error",
					zap.String("subject", subject),
					zap.Error(err))
			}
		}(sub)
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))

	return nil
}

// Subscribe creates a subscription to a subject pattern
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.addSubscription(subject, "", handler)
}

// QueueSubscribe creates a queue subscription for load balancing.
// Only one subscriber in the queue group receives each message.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.addSubscription(subject, queue, handler)
}

func (b *MemoryEventBus) addSubscription(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   queue,
		active:  true,
	}
	b.subs = append(b.subs, sub)

	if queue != "" {
		key := queue + ":" + subject
		qg, ok := b.queues[key]
		if !ok {
			qg = &queueGroup{}
			b.queues[key] = qg
		}
		qg.mu.Lock()
		qg.members = append(qg.members, sub)
		qg.mu.Unlock()
		b.logger.Debug("Queue subscribed to subject",
			zap.String("subject", subject),
			zap.String("queue", queue))
	} else {
		b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	}

	return sub, nil
}

// Request sends a request and waits for a response. The reply address rides
// in the event data under "_reply", mirroring NATS inbox semantics.
func (b *MemoryEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	replySubject := fmt.Sprintf("_INBOX.%s", event.ID)

	responseChan := make(chan *Event, 1)
	sub, err := b.Subscribe(replySubject, func(ctx context.Context, e *Event) error {
		select {
		case responseChan <- e:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reply subscription: %w", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	if event.Data == nil {
		event.Data = make(map[string]any)
	}
	event.Data["_reply"] = replySubject

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, fmt.Errorf("failed to publish request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case response := <-responseChan:
		return response, nil
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("request timeout after %v", timeout)
	}
}

// Close closes the event bus
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.subs {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	b.subs = nil
	b.queues = make(map[string]*queueGroup)

	b.logger.Info("Memory event bus closed")
}

// IsConnected returns true while the bus is open
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// deliverToQueue delivers to one active member of the queue group (round-robin)
func (b *MemoryEventBus) deliverToQueue(ctx context.Context, key, subject string, event *Event) {
	qg, ok := b.queues[key]
	if !ok {
		return
	}

	qg.mu.Lock()
	defer qg.mu.Unlock()

	n := len(qg.members)
	for i := 0; i < n; i++ {
		idx := (qg.next + i) % n
		sub := qg.members[idx]
		if !sub.IsValid() {
			continue
		}

		qg.next = (idx + 1) % n
		go func(s *memorySubscription) {
			if err := s.handler(ctx, event); err != nil {
				b.logger.Error("Queue event handler error",
					zap.String("subject", subject),
					zap.String("queue", key),
					zap.Error(err))
			}
		}(sub)
		return
	}
}

// Unsubscribe removes the subscription
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}

	if s.queue != "" {
		key := s.queue + ":" + s.subject
		if qg, ok := s.bus.queues[key]; ok {
			qg.mu.Lock()
			for i, sub := range qg.members {
				if sub == s {
					qg.members = append(qg.members[:i], qg.members[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}

	return nil
}

// IsValid returns whether the subscription is still active
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// subjectMatches checks a concrete subject against a subscription pattern.
func subjectMatches(subject, pattern string, regex *regexp.Regexp) bool {
	if regex == nil {
		return subject == pattern
	}
	return regex.MatchString(subject)
}

// compilePattern converts a NATS-style pattern to a regexp. Returns nil for
// literal subjects, which match by string equality.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `\>`, `.+`)

	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}

package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
)

// DefaultQueueSize is the per-subscriber bounded queue depth. A publisher
// never blocks on a slow subscriber: once a subscriber's queue is full, the
// oldest queued message is dropped to make room for the new one.
const DefaultQueueSize = 256

// MemoryEventBus is the default in-process EventBus. Every subscriber gets
// its own goroutine draining its own bounded channel, so one slow handler
// cannot block delivery to others or to the publisher.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	logger        *logger.Logger
	closed        bool
	dropped       int64
}

var _ EventBus = (*MemoryEventBus)(nil)

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log.WithFields(zap.String("component", "memory_event_bus")),
	}
}

type delivery struct {
	subject string
	event   *Event
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp
	handler EventHandler
	queue   chan delivery
	done    chan struct{}
	mu      sync.Mutex
	active  bool
}

func (s *memorySubscription) Unsubscribe() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.mu.Unlock()
	close(s.done)

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subscriptions[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// deliver enqueues an event for this subscriber, dropping the oldest queued
// event if the bounded queue is already full.
func (s *memorySubscription) deliver(subject string, e *Event) {
	d := delivery{subject: subject, event: e}
	select {
	case s.queue <- d:
		return
	default:
	}
	// Queue full: drop the oldest and try once more.
	select {
	case <-s.queue:
		atomic.AddInt64(&s.bus.dropped, 1)
	default:
	}
	select {
	case s.queue <- d:
	default:
		atomic.AddInt64(&s.bus.dropped, 1)
	}
}

func (s *memorySubscription) run() {
	for {
		select {
		case d := <-s.queue:
			s.handler(context.Background(), d.subject, d.event)
		case <-s.done:
			return
		}
	}
}

// Publish sends an event to every subscriber whose pattern matches subject.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for pattern, subs := range b.subscriptions {
		if !matches(subject, pattern) {
			continue
		}
		for _, sub := range subs {
			if sub.IsValid() {
				sub.deliver(subject, event)
			}
		}
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe creates a subscription to a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
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
		queue:   make(chan delivery, DefaultQueueSize),
		done:    make(chan struct{}),
		active:  true,
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	go sub.run()

	b.logger.Debug("subscribed", zap.String("subject", subject))
	return sub, nil
}

// Close shuts the bus down and deactivates every subscription. It snapshots
// and clears the subscription map under the bus lock, then stops each
// subscription's run loop outside it: Unsubscribe re-acquires b.mu, so
// calling it while still holding the lock here would deadlock.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subscriptions
	b.subscriptions = make(map[string][]*memorySubscription)
	b.mu.Unlock()

	for _, group := range subs {
		for _, sub := range group {
			sub.stop()
		}
	}
	b.logger.Info("memory event bus closed")
}

// stop deactivates the subscription and halts its run loop without touching
// the bus's subscription map; callers that still need the map entry removed
// should use Unsubscribe instead.
func (s *memorySubscription) stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.mu.Unlock()
	close(s.done)
}

// IsConnected reports true until Close is called: the in-memory bus has no
// external dependency.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Dropped returns the cumulative count of messages dropped due to queue overflow.
func (b *MemoryEventBus) Dropped() int64 {
	return atomic.LoadInt64(&b.dropped)
}

func matches(subject, pattern string) bool {
	if !strings.ContainsAny(pattern, "*>") {
		return subject == pattern
	}
	re := compilePattern(pattern)
	return re != nil && re.MatchString(subject)
}

// compilePattern converts a NATS-style pattern ("*" single token, ">" rest)
// into a regular expression. Returns nil for exact-match patterns.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.ContainsAny(pattern, "*>") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.:]+`)
	escaped = strings.ReplaceAll(escaped, `\>`, `.+`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return re
}

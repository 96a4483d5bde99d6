package events

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/taskforge/internal/common/logger"
)

// MemoryEventBus is the no-external-dependency default EventBus, selected
// when nats.url is empty (§10.3). Grounded directly on
// apps/backend/internal/events/bus/memory.go: NATS-style wildcard subject
// matching (* single token, > remaining tokens), queue groups for
// load-balanced delivery, async per-subscriber dispatch.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	queues        map[string]*queueGroup
	log           *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp
	handler EventHandler
	queue   string

	mu     sync.Mutex
	active bool
}

type queueGroup struct {
	mu          sync.Mutex
	subscribers []*memorySubscription
	nextIndex   int
}

var _ EventBus = (*MemoryEventBus)(nil)

// NewMemoryEventBus creates an empty in-process event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		queues:        make(map[string]*queueGroup),
		log:           log.WithFields(zap.String("component", "memory_event_bus")),
	}
}

func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	delivered := make(map[string]bool)
	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			active := sub.active
			sub.mu.Unlock()
			if !active || !matchesSubject(subject, pattern, sub.pattern) {
				continue
			}

			if sub.queue != "" {
				key := sub.queue + ":" + pattern
				if delivered[key] {
					continue
				}
				delivered[key] = true
				b.publishToQueue(ctx, key, subject, event)
				continue
			}

			go func(s *memorySubscription, e *Event) {
				if err := s.handler(ctx, e); err != nil {
					b.log.Error("event handler failed", zap.String("subject", subject), zap.Error(err))
				}
			}(sub, event)
		}
	}
	return nil
}

func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}
	sub := &memorySubscription{bus: b, subject: subject, pattern: compileSubjectPattern(subject), handler: handler, active: true}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	return sub, nil
}

func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}
	sub := &memorySubscription{bus: b, subject: subject, pattern: compileSubjectPattern(subject), handler: handler, queue: queue, active: true}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	key := queue + ":" + subject
	if _, ok := b.queues[key]; !ok {
		b.queues[key] = &queueGroup{}
	}
	b.queues[key].subscribers = append(b.queues[key].subscribers, sub)
	return sub, nil
}

func (b *MemoryEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	replySubject := "_INBOX." + event.ID
	responseCh := make(chan *Event, 1)

	sub, err := b.Subscribe(replySubject, func(ctx context.Context, e *Event) error {
		responseCh <- e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reply subscription: %w", err)
	}
	defer sub.Unsubscribe()

	if event.Data == nil {
		event.Data = map[string]interface{}{}
	}
	event.Data["_reply"] = replySubject

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case resp := <-responseCh:
		return resp, nil
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("request to %s timed out after %v", subject, timeout)
	}
}

func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.queues = make(map[string]*queueGroup)
}

func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryEventBus) publishToQueue(ctx context.Context, key, subject string, event *Event) {
	qg, ok := b.queues[key]
	if !ok {
		return
	}
	qg.mu.Lock()
	defer qg.mu.Unlock()
	if len(qg.subscribers) == 0 {
		return
	}
	for i := 0; i < len(qg.subscribers); i++ {
		idx := (qg.nextIndex + i) % len(qg.subscribers)
		sub := qg.subscribers[idx]
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}
		qg.nextIndex = (idx + 1) % len(qg.subscribers)
		go func(s *memorySubscription, e *Event) {
			if err := s.handler(ctx, e); err != nil {
				b.log.Error("queue event handler failed", zap.String("subject", subject), zap.String("queue", key), zap.Error(err))
			}
		}(sub, event)
		return
	}
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs, ok := s.bus.subscriptions[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	if s.queue != "" {
		key := s.queue + ":" + s.subject
		if qg, ok := s.bus.queues[key]; ok {
			qg.mu.Lock()
			for i, sub := range qg.subscribers {
				if sub == s {
					qg.subscribers = append(qg.subscribers[:i], qg.subscribers[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func matchesSubject(subject, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	if regex != nil {
		return regex.MatchString(subject)
	}
	return false
}

func compileSubjectPattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `\>`, `.+`)
	escaped = "^" + escaped + "$"
	re, err := regexp.Compile(escaped)
	if err != nil {
		return nil
	}
	return re
}

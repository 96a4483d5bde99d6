// Package events is the optional external Event Bus (§10.3): a secondary,
// best-effort fan-out of task state/completion transitions alongside the
// mandatory in-process Broadcast Hub. Grounded directly on
// apps/backend/internal/events/bus's {bus,nats,memory}.go: the same
// EventBus interface, the same NATS-backed and in-process implementations,
// re-scoped from a general service event bus to publishing task lifecycle
// events only.
package events

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Event is one message published on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates an Event stamped with a fresh id and the current time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes a received Event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the bus abstraction §10.3 publishes task lifecycle events
// through. Subscribe/QueueSubscribe/Request round out the same contract
// the teacher's bus offers; this system's own code only calls Publish, but
// the interface is the thing external consumers (an ops sidecar, a
// read-only dashboard) depend on, so it stays complete rather than
// trimmed to only what this repository itself calls.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)
	Close()
	IsConnected() bool
}

// TaskStateSubject and TaskCompleteSubject are the two subjects §10.3
// publishes, parameterised by task id (e.g. "task.42.state").
func TaskStateSubject(taskID int64) string    { return subjectFor(taskID, "state") }
func TaskCompleteSubject(taskID int64) string { return subjectFor(taskID, "complete") }

func subjectFor(taskID int64, suffix string) string {
	return "task." + strconv.FormatInt(taskID, 10) + "." + suffix
}

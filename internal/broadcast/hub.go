// Package broadcast is the Broadcast Hub (§4.6): a concurrent fan-out of
// task events to an unbounded, dynamically-changing set of observers.
// Grounded on the corpus's WebSocket hub (internal/orchestrator/streaming,
// both snapshots: register/unregister/broadcast channels feeding a
// single-goroutine actor loop, per-client bounded send buffer, drop-on-full
// detach), generalized here so the hub's core never imports a transport
// package: an Observer is just a bounded channel of Events, and the
// websocket read/write pump pair that drains it lives in the Control
// Surface (§4.7), not here.
package broadcast

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/taskforge/internal/common/logger"
)

// defaultBuffer is the per-observer channel depth: 64 events, a quarter of
// the 256 the teacher's hub uses for its client send buffers. An observer
// that falls this far behind is dropped rather than slowing the core.
const defaultBuffer = 64

// Event is one task occurrence delivered to every attached observer, per
// §6.2's wire shape: {task_id, type, ...fields}. Type is left to Payload so
// the hub stays agnostic of the event taxonomy the Scheduler produces.
type Event struct {
	TaskID  int64
	Payload interface{}
}

// Observer is a single attached consumer. Construct with NewObserver,
// attach it with Hub.Attach, and range over Events() until it's closed
// (either by the observer itself via Close, or by the hub after a failed,
// non-blocking delivery).
//
// Close and delivery both go through mu, never through sync.Once alone:
// Hub.Broadcast is called concurrently by independent goroutines (the
// scheduler's dispatch, every task's onOutput/onComplete), so a full
// buffer detected by one of them must not race a close against a send
// still in flight from another. Serializing "is it closed / send / mark
// closed" behind one mutex per observer is what makes that safe — each
// observer's own traffic is serialized, while distinct observers still
// receive concurrently, per §5.
type Observer struct {
	id     string
	events chan Event
	hub    *Hub

	mu     sync.Mutex
	closed bool
}

// NewObserver creates an Observer with a bounded event channel. id is for
// logging only; it need not be unique.
func NewObserver(id string) *Observer {
	return &Observer{id: id, events: make(chan Event, defaultBuffer)}
}

// Events returns the channel of events this observer receives. Ranging
// over it terminates once the channel is closed, by Close or by the hub
// when a delivery finds the buffer full; Hub.Detach alone does not close it.
func (o *Observer) Events() <-chan Event { return o.events }

// Close detaches the observer from its hub, if attached, and closes its
// channel. Safe to call concurrently with Hub.Broadcast, and idempotent.
func (o *Observer) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeLocked()
}

// closeLocked does the actual detach+close; callers must hold o.mu.
func (o *Observer) closeLocked() {
	if o.closed {
		return
	}
	o.closed = true
	if o.hub != nil {
		o.hub.detachLocked(o)
	}
	close(o.events)
}

// Hub fans task events out to every attached Observer.
type Hub struct {
	mu        sync.RWMutex
	observers map[*Observer]struct{}
	log       *logger.Logger
}

// NewHub creates an empty Broadcast Hub.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		observers: make(map[*Observer]struct{}),
		log:       log.WithFields(zap.String("component", "broadcast_hub")),
	}
}

// Attach registers an observer to receive all future broadcasts.
func (h *Hub) Attach(o *Observer) {
	h.mu.Lock()
	o.hub = h
	h.observers[o] = struct{}{}
	h.mu.Unlock()
	h.log.Debug("observer attached", zap.String("observer_id", o.id), zap.Int("observer_count", h.Count()))
}

// Detach removes an observer if present; idempotent. It does not close the
// observer's channel — callers that want that should call Observer.Close
// instead, which detaches as part of closing.
func (h *Hub) Detach(o *Observer) {
	h.mu.Lock()
	_, existed := h.observers[o]
	delete(h.observers, o)
	h.mu.Unlock()
	if existed {
		h.log.Debug("observer detached", zap.String("observer_id", o.id))
	}
}

func (h *Hub) detachLocked(o *Observer) {
	h.mu.Lock()
	delete(h.observers, o)
	h.mu.Unlock()
}

// Count returns the number of currently attached observers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Broadcast delivers an event to every observer attached at the moment of
// the call. It iterates over a snapshot of the observer set, so attach/
// detach calls racing with this one never invalidate the iteration (§4.6's
// concurrency requirement). Broadcast itself is called concurrently by
// independent goroutines — the scheduler's dispatch and every task's
// onOutput/onComplete (§5) — so delivery to a given observer goes through
// that observer's own mutex (see Observer.deliver) rather than sending on
// o.events directly here; that is what keeps a full-buffer close from
// racing a send still in flight from another Broadcast call.
func (h *Hub) Broadcast(taskID int64, payload interface{}) {
	snapshot := h.snapshot()
	if len(snapshot) == 0 {
		return
	}

	ev := Event{TaskID: taskID, Payload: payload}
	for _, o := range snapshot {
		o.deliver(ev, h.log)
	}
}

// deliver attempts a non-blocking send of ev. An observer whose channel is
// full is detached and closed instead of stalling the broadcast — the
// core must never block task execution on a slow observer. Holding o.mu
// across the closed check, the send, and the close-on-full path is what
// prevents the send-on-closed-channel panic: Close (called by whichever
// goroutine owns draining this observer) and a concurrent Broadcast can
// never interleave their close/send on the same channel.
func (o *Observer) deliver(ev Event, log *logger.Logger) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	select {
	case o.events <- ev:
	default:
		log.Warn("observer channel full, detaching", zap.String("observer_id", o.id), zap.Int64("task_id", ev.TaskID))
		o.closeLocked()
	}
}

func (h *Hub) snapshot() []*Observer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Observer, 0, len(h.observers))
	for o := range h.observers {
		out = append(out, o)
	}
	return out
}

// Package audit records every attempted mutating operation. Writes are
// fire-and-forget through a bounded queue so a slow audit store never blocks
// a request: on overflow the oldest entry is dropped and a counter bumped.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action names recorded by the control plane.
const (
	ActionRunStart           = "run.start"
	ActionRunCancel          = "run.cancel"
	ActionDispatchReassigned = "dispatch.reassigned"
	ActionWorkerCommand      = "worker.command"
	ActionWorkflowCreate     = "workflow.create"
	ActionWorkflowPatch      = "workflow.patch"
	ActionWorkflowDelete     = "workflow.delete"
)

// SystemActor marks events produced by the control plane itself.
const SystemActor = "system"

// Event is one audit record.
type Event struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	ActorID    string          `json:"actor_id,omitempty" db:"actor_id"`
	Action     string          `json:"action" db:"action"`
	TargetType string          `json:"target_type" db:"target_type"`
	TargetID   string          `json:"target_id,omitempty" db:"target_id"`
	Details    json.RawMessage `json:"details,omitempty" db:"details"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Sink persists audit events.
type Sink interface {
	Insert(ctx context.Context, ev *Event) error
}

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Counter is bumped once per dropped event. Prometheus counters satisfy it.
type Counter interface {
	Inc()
}

type noopCounter struct{}

func (noopCounter) Inc() {}

// Recorder buffers events and drains them to the sink on one goroutine.
type Recorder struct {
	sink    Sink
	log     Logger
	dropped Counter

	mu     sync.Mutex
	buf    chan *Event
	closed bool
	done   chan struct{}
}

// RecorderOpts configures a Recorder.
type RecorderOpts struct {
	Sink    Sink
	Logger  Logger
	Size    int
	Dropped Counter
}

// NewRecorder starts the drain goroutine. Close flushes what the queue
// still holds.
func NewRecorder(opts *RecorderOpts) *Recorder {
	size := opts.Size
	if size <= 0 {
		size = 1024
	}
	dropped := opts.Dropped
	if dropped == nil {
		dropped = noopCounter{}
	}
	r := &Recorder{
		sink:    opts.Sink,
		log:     opts.Logger,
		dropped: dropped,
		buf:     make(chan *Event, size),
		done:    make(chan struct{}),
	}
	go r.drain()
	return r
}

// Record enqueues an audit event. It never blocks: when the queue is full
// the oldest entry is dropped to make room.
func (r *Recorder) Record(actorID, action, targetType, targetID string, details interface{}) {
	ev := &Event{
		ID:         uuid.New(),
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Details:    marshalDetails(details),
		CreatedAt:  time.Now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for {
		select {
		case r.buf <- ev:
			return
		default:
		}
		select {
		case <-r.buf:
			r.dropped.Inc()
			r.log.Warn("audit queue full, dropped oldest event", "action", action)
		default:
		}
	}
}

// marshalDetails serialises the details blob; failures degrade to a marker
// instead of losing the event.
func marshalDetails(details interface{}) json.RawMessage {
	if details == nil {
		return nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return json.RawMessage(`{"error":"serialization_failed"}`)
	}
	return data
}

func (r *Recorder) drain() {
	defer close(r.done)
	for ev := range r.buf {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.sink.Insert(ctx, ev); err != nil {
			r.log.Error("audit insert failed", "action", ev.Action, "error", err)
		}
		cancel()
	}
}

// Close stops intake and waits for the drain goroutine to flush the queue.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.buf)
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-time.After(10 * time.Second):
		r.log.Warn("audit recorder close timed out before flush finished")
	}
	return nil
}

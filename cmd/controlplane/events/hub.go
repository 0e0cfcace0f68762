package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/weftlabs/weft/common/metrics"
	redisc "github.com/weftlabs/weft/common/redis"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

const (
	// defaultStream is the journal stream key.
	defaultStream = "events:journal"

	// defaultMaxLen caps the journal; XADD trims approximately.
	defaultMaxLen = 8192

	// defaultSubscriberBuffer is each subscriber's channel depth. A
	// subscriber that falls this far behind is dropped and has to resume
	// through the journal.
	defaultSubscriberBuffer = 64

	// publishQueueDepth buffers producers against the hub loop. Producers
	// never block: past this depth events are dropped and counted.
	publishQueueDepth = 256

	// journalTimeout bounds each append so a stalled Redis cannot stall
	// the live feed.
	journalTimeout = 2 * time.Second
)

// Subscriber is one attached firehose consumer.
type Subscriber struct {
	client string
	ch     chan *Event
	once   sync.Once
}

// Events delivers the live feed. The channel closes when the subscriber
// is dropped for falling behind or the hub shuts down.
func (s *Subscriber) Events() <-chan *Event { return s.ch }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub serialises every state change through one loop: it stamps the
// monotonic id, appends to the journal and fans out to subscribers, in
// that order, so the journal and every live feed agree on event order.
// Producer calls never block.
type Hub struct {
	journal *redisc.Client
	stream  string
	maxLen  int64
	buffer  int
	logger  Logger
	now     func() time.Time

	publish  chan *Event
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  bool

	mu   sync.RWMutex
	subs map[*Subscriber]struct{}

	// Id counter state, owned by the run loop once Start returns.
	lastMS  int64
	lastSeq int64
}

// HubOpts configures NewHub. Zero values fall back to the documented
// defaults.
type HubOpts struct {
	// Journal persists events for Last-Event-ID replay; nil disables the
	// journal and subscribers get the live feed only.
	Journal *redisc.Client
	Stream  string
	MaxLen  int64
	// SubscriberBuffer is each subscriber's channel depth.
	SubscriberBuffer int
	Logger           Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// NewHub creates a hub. Call Start to run the fan-out loop.
func NewHub(opts *HubOpts) *Hub {
	stream := opts.Stream
	if stream == "" {
		stream = defaultStream
	}
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	buffer := opts.SubscriberBuffer
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Hub{
		journal: opts.Journal,
		stream:  stream,
		maxLen:  maxLen,
		buffer:  buffer,
		logger:  opts.Logger,
		now:     now,
		publish: make(chan *Event, publishQueueDepth),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		subs:    make(map[*Subscriber]struct{}),
	}
}

// Start seeds the id counter from the journal tail and launches the
// fan-out loop. Seeding keeps explicit stream ids increasing across
// process restarts.
func (h *Hub) Start(ctx context.Context) error {
	if h.journal != nil {
		tail, err := h.journal.TailStream(ctx, h.stream)
		if err != nil {
			return fmt.Errorf("failed to read journal tail: %w", err)
		}
		if tail != "" {
			h.lastMS, h.lastSeq = splitID(tail)
		}
	}
	h.started = true
	go h.run()
	return nil
}

// Close stops the loop, drains queued events and closes every subscriber
// channel.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
	if h.started {
		<-h.done
	}
}

// Subscribe attaches a live-feed consumer. The caller must Unsubscribe
// when done with it.
func (h *Hub) Subscribe(clientSessionID string) *Subscriber {
	sub := &Subscriber{client: clientSessionID, ch: make(chan *Event, h.buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	total := len(h.subs)
	h.mu.Unlock()

	metrics.SSESubscribers.Inc()
	h.logger.Info("subscriber attached",
		"client_session_id", clientSessionID, "subscribers", total)
	return sub
}

// Unsubscribe detaches and closes the subscriber. Safe to call more than
// once and safe to race with a slow-subscriber drop.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()
	if !ok {
		return
	}
	metrics.SSESubscribers.Dec()
	sub.close()
	h.logger.Info("subscriber detached", "client_session_id", sub.client)
}

// SubscriberCount reports attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Replay returns journaled events after the given id, oldest first. An
// empty or "0" id reads from the start. Without a journal there is
// nothing to replay.
func (h *Hub) Replay(ctx context.Context, after string, limit int64) ([]*Event, error) {
	if h.journal == nil {
		return nil, nil
	}
	msgs, err := h.journal.RangeStream(ctx, h.stream, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to replay journal: %w", err)
	}
	out := make([]*Event, 0, len(msgs))
	for _, msg := range msgs {
		ev, err := eventFromJournal(msg.ID, msg.Values)
		if err != nil {
			h.logger.Warn("skipping bad journal entry", "id", msg.ID, "error", err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// emit queues one event for the loop. Producers run inside run loops and
// gateway read loops, so a full queue drops the event instead of blocking.
func (h *Hub) emit(kind Kind, runID, worker string, data interface{}) {
	var body json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			h.logger.Error("failed to encode event data",
				"kind", string(kind), "run_id", runID, "error", err)
		} else {
			body = b
		}
	}
	ev := &Event{Kind: kind, RunID: runID, Worker: worker, At: h.now().UTC(), Data: body}
	select {
	case h.publish <- ev:
	default:
		metrics.EventsDropped.Inc()
		h.logger.Warn("publish queue full, event dropped",
			"kind", string(kind), "run_id", runID, "worker", worker)
	}
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case ev := <-h.publish:
			h.deliver(ev)
		case <-h.stop:
			for {
				select {
				case ev := <-h.publish:
					h.deliver(ev)
				default:
					h.closeAll()
					return
				}
			}
		}
	}
}

func (h *Hub) deliver(ev *Event) {
	ev.ID = h.nextID(ev.At)
	h.journalAppend(ev)
	h.fanout(ev)
}

// nextID mints the next stream id, the same way Redis assigns auto ids:
// milliseconds plus a sequence that bumps within the same millisecond.
// A clock that runs backwards reuses the last millisecond so ids keep
// increasing.
func (h *Hub) nextID(at time.Time) string {
	ms := at.UnixMilli()
	if ms < h.lastMS {
		ms = h.lastMS
	}
	if ms == h.lastMS {
		h.lastSeq++
	} else {
		h.lastMS = ms
		h.lastSeq = 0
	}
	return strconv.FormatInt(ms, 10) + "-" + strconv.FormatInt(h.lastSeq, 10)
}

func (h *Hub) journalAppend(ev *Event) {
	if h.journal == nil {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode event for journal", "id", ev.ID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	_, err = h.journal.AddToStreamCapped(ctx, h.stream, ev.ID, h.maxLen, map[string]interface{}{
		journalKindField:  string(ev.Kind),
		journalEventField: string(body),
	})
	if err != nil {
		// The live feed still gets the event; only replay loses it.
		h.logger.Error("journal append failed", "id", ev.ID, "error", err)
	}
}

func (h *Hub) fanout(ev *Event) {
	h.mu.RLock()
	var slow []*Subscriber
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		metrics.EventsDropped.Inc()
		h.logger.Warn("subscriber too slow, dropping",
			"client_session_id", sub.client, "event_id", ev.ID)
		h.Unsubscribe(sub)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*Subscriber]struct{})
	h.mu.Unlock()
	for sub := range subs {
		metrics.SSESubscribers.Dec()
		sub.close()
	}
}

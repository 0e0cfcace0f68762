package wire

import (
	"errors"
	"sort"
	"sync"
)

// ErrWindowClosed is returned when reserving a slot on a closed window.
var ErrWindowClosed = errors.New("send window closed")

// DefaultWindowSize bounds outstanding unacked frames per session.
const DefaultWindowSize = 64

// SendWindow tracks reliable outbound frames awaiting acknowledgement. The
// session writer reserves a slot per reliable frame before sending; when all
// slots are taken the writer blocks, which is the protocol's backpressure.
// Slots free as acks arrive. Unacked frames are retained for replay after a
// resume, keeping their original seq.
type SendWindow struct {
	mu      sync.Mutex
	size    int
	slots   chan struct{}
	unacked map[uint64]*Frame
	closed  bool
	done    chan struct{}
}

// NewSendWindow builds a window with the given size (DefaultWindowSize when
// size <= 0).
func NewSendWindow(size int) *SendWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	w := &SendWindow{
		size:    size,
		slots:   make(chan struct{}, size),
		unacked: make(map[uint64]*Frame),
		done:    make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		w.slots <- struct{}{}
	}
	return w
}

// Slots exposes the reservation channel: receiving one token grants the
// right to Track exactly one frame. Used in selects so a blocked writer can
// keep servicing control traffic.
func (w *SendWindow) Slots() <-chan struct{} {
	return w.slots
}

// Done is closed when the window closes.
func (w *SendWindow) Done() <-chan struct{} {
	return w.done
}

// Track records a sent reliable frame under its seq. The caller must hold a
// slot token obtained from Slots.
func (w *SendWindow) Track(f *Frame) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.unacked[f.Seq] = f
}

// ReleaseSlot returns an unused reservation, for shutdown paths that took a
// token but never sent.
func (w *SendWindow) ReleaseSlot() {
	select {
	case w.slots <- struct{}{}:
	default:
	}
}

// Acknowledge applies a cumulative-plus-bitmap ack and frees one slot per
// newly acked frame. Replayed acks are no-ops: only seqs still tracked
// free anything.
func (w *SendWindow) Acknowledge(a Ack) int {
	w.mu.Lock()
	freed := 0
	for seq := range w.unacked {
		if a.Has(seq) {
			delete(w.unacked, seq)
			freed++
		}
	}
	closed := w.closed
	w.mu.Unlock()

	if closed {
		return freed
	}
	for i := 0; i < freed; i++ {
		select {
		case w.slots <- struct{}{}:
		default:
		}
	}
	return freed
}

// Unacked returns the retained frames in seq order, for resume replay.
func (w *SendWindow) Unacked() []*Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	frames := make([]*Frame, 0, len(w.unacked))
	for _, f := range w.unacked {
		frames = append(frames, f)
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].Seq < frames[j].Seq })
	return frames
}

// Outstanding returns the number of unacked frames.
func (w *SendWindow) Outstanding() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.unacked)
}

// Size returns the configured window size.
func (w *SendWindow) Size() int {
	return w.size
}

// Close releases all blocked reservations. Unacked frames stay retained so
// a resuming session can still replay them.
func (w *SendWindow) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.done)
}

// RecvTracker deduplicates inbound reliable frames and produces the acks the
// peer needs. Base is the highest seq below which everything arrived; seqs
// above it are tracked individually until the gap closes.
type RecvTracker struct {
	mu   sync.Mutex
	base uint64
	seen map[uint64]bool
}

// NewRecvTracker starts tracking above base (0 for a fresh session).
func NewRecvTracker(base uint64) *RecvTracker {
	return &RecvTracker{base: base, seen: make(map[uint64]bool)}
}

// Accept records a received seq. It returns false for duplicates — seqs at
// or below the cumulative base, or already seen above it — which the caller
// drops silently.
func (t *RecvTracker) Accept(seq uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq <= t.base || t.seen[seq] {
		return false
	}
	t.seen[seq] = true
	for t.seen[t.base+1] {
		delete(t.seen, t.base+1)
		t.base++
	}
	return true
}

// Ack snapshots the current receive state as a cumulative-plus-bitmap ack.
func (t *RecvTracker) Ack() Ack {
	t.mu.Lock()
	defer t.mu.Unlock()

	a := Ack{UpTo: t.base}
	if len(t.seen) == 0 {
		return a
	}
	var max uint64
	for seq := range t.seen {
		if seq > max {
			max = seq
		}
	}
	a.Bitmap = make([]byte, (max-t.base+7)/8)
	for seq := range t.seen {
		i := seq - t.base - 1
		a.Bitmap[i/8] |= 1 << (i % 8)
	}
	return a
}

// Base returns the cumulative receive watermark; the next in-order seq is
// Base()+1.
func (t *RecvTracker) Base() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.base
}

package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/sjson"

	"github.com/weftlabs/weft/common/metrics"
	"github.com/weftlabs/weft/common/wire"
)

const (
	// writeWait bounds a single frame write to the transport.
	writeWait = 10 * time.Second

	// handshakeTimeout bounds how long a fresh connection may sit between
	// upgrade and hello.
	handshakeTimeout = 10 * time.Second

	// maxFrameBytes caps inbound frames; dispatch parameters dominate.
	maxFrameBytes = 1 << 20
)

var (
	// ErrSessionDetached means the worker's transport is gone and new sends
	// must wait for a resume.
	ErrSessionDetached = errors.New("session detached")

	// ErrSessionClosed means the session is gone for good.
	ErrSessionClosed = errors.New("session closed")
)

// sessionState tracks where a session is in its lifecycle. A detached
// session has lost its transport but stays resumable until the grace runs
// out.
type sessionState int

const (
	stateActive sessionState = iota
	stateDetached
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateActive:
		return "active"
	case stateDetached:
		return "detached"
	default:
		return "closed"
	}
}

// outFrame is one reliable frame held for possible replay until acked.
type outFrame struct {
	frame *wire.Frame
	acked bool
}

// Session is one worker's stateful connection. It owns outbound sequencing,
// the unacked ring, the send-window semaphore and the inbound duplicate
// cursor. The transport may come and go underneath it; seqs never reset.
type Session struct {
	ID         string
	WorkerName string
	CreatedAt  time.Time

	window int
	logger Logger
	now    func() time.Time

	// slots is the send-window semaphore: one token per unacked reliable
	// frame in flight. Senders block here when the window is full; tokens
	// come back as acks trim the ring.
	slots  chan struct{}
	closed chan struct{}

	// writeMu serialises every append to the transport, including resume
	// replay, so wire order always matches seq order.
	writeMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	state       sessionState
	sendSeq     uint64
	ackBase     uint64
	ring        []outFrame
	recvSeqNext uint64
	lastSeenAt  time.Time
	detachedAt  time.Time

	closeOnce sync.Once
}

func newSession(id, workerName string, window int, logger Logger, now func() time.Time) *Session {
	s := &Session{
		ID:          id,
		WorkerName:  workerName,
		CreatedAt:   now(),
		window:      window,
		logger:      logger,
		now:         now,
		slots:       make(chan struct{}, window),
		closed:      make(chan struct{}),
		state:       stateDetached,
		recvSeqNext: 1,
		lastSeenAt:  now(),
		detachedAt:  now(),
	}
	for i := 0; i < window; i++ {
		s.slots <- struct{}{}
	}
	return s
}

// send writes one frame. Reliable kinds take a window slot (blocking while
// the window is full), get the next seq and join the unacked ring before the
// bytes leave; control kinds pass straight through. A write error on a
// reliable frame is not reported: the frame is already ringed and the reader
// will detach the broken transport, so it replays on resume.
func (s *Session) send(ctx context.Context, f *wire.Frame) (uint64, error) {
	reliable := f.Kind.Reliable()
	if reliable {
		select {
		case <-s.slots:
		case <-s.closed:
			return 0, ErrSessionClosed
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	conn := s.conn
	st := s.state
	if conn == nil || st != stateActive {
		s.mu.Unlock()
		if reliable {
			s.releaseSlot()
		}
		if st == stateClosed {
			return 0, ErrSessionClosed
		}
		return 0, ErrSessionDetached
	}
	if reliable {
		s.sendSeq++
		f.Seq = s.sendSeq
		if f.Kind == wire.KindDispatch {
			// The dispatch payload echoes its wire seq so the worker can
			// persist it alongside the task.
			if patched, err := sjson.SetBytes(f.Payload, "seq", f.Seq); err == nil {
				f.Payload = patched
			}
		}
		s.ring = append(s.ring, outFrame{frame: f})
	}
	s.mu.Unlock()

	if err := writeFrame(conn, f, s.now()); err != nil {
		s.logger.Warn("session write failed",
			"session_id", s.ID, "kind", f.Kind, "error", err)
		if !reliable {
			return 0, err
		}
	}
	return f.Seq, nil
}

// applyAck marks ring frames covered by the ack and trims the acked prefix.
// Window slots free only as the prefix trims, which keeps the number of
// live seqs bounded even when acks arrive out of order via the bitmap.
func (s *Session) applyAck(a *wire.Ack) {
	if a == nil {
		return
	}
	s.mu.Lock()
	for i := range s.ring {
		if !s.ring[i].acked && a.Has(s.ring[i].frame.Seq) {
			s.ring[i].acked = true
		}
	}
	freed := 0
	for len(s.ring) > 0 && s.ring[0].acked {
		s.ackBase = s.ring[0].frame.Seq
		s.ring = s.ring[1:]
		freed++
	}
	s.mu.Unlock()
	for i := 0; i < freed; i++ {
		s.releaseSlot()
	}
}

func (s *Session) releaseSlot() {
	select {
	case s.slots <- struct{}{}:
	default:
	}
}

// acceptInbound reports whether a reliable inbound seq is fresh, advancing
// the receive cursor. Stale seqs are duplicates: the caller re-acks and
// drops them without reprocessing.
func (s *Session) acceptInbound(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < s.recvSeqNext {
		return false
	}
	s.recvSeqNext = seq + 1
	return true
}

// inboundAck builds the cumulative ack for everything received so far.
func (s *Session) inboundAck() *wire.Ack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &wire.Ack{UpTo: s.recvSeqNext - 1}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeenAt = now
	s.mu.Unlock()
}

// attach puts a fresh transport on the session and writes the preamble
// (hello_ack) before any queued sender can interleave. Returns false if the
// session was already destroyed.
func (s *Session) attach(conn *websocket.Conn, preamble ...*wire.Frame) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return false
	}
	old := s.conn
	s.conn = conn
	s.state = stateActive
	s.detachedAt = time.Time{}
	s.lastSeenAt = s.now()
	s.mu.Unlock()

	if old != nil && old != conn {
		old.Close()
	}
	for _, f := range preamble {
		if err := writeFrame(conn, f, s.now()); err != nil {
			s.logger.Warn("preamble write failed",
				"session_id", s.ID, "kind", f.Kind, "error", err)
			return true
		}
	}
	return true
}

// resume swaps in a reconnected transport: applies the worker's last
// cumulative ack, writes the preamble, announces the replay span, then
// replays every still-unacked ring frame in original seq order. New sends
// queue on the writer lock until the replay is done, so a resumed worker
// never sees fresh frames before replayed ones.
func (s *Session) resume(conn *websocket.Conn, lastAcked uint64, preamble ...*wire.Frame) (int, bool) {
	s.applyAck(&wire.Ack{UpTo: lastAcked})

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return 0, false
	}
	old := s.conn
	s.conn = conn
	s.state = stateActive
	s.detachedAt = time.Time{}
	s.lastSeenAt = s.now()
	pending := make([]*wire.Frame, 0, len(s.ring))
	for _, of := range s.ring {
		if !of.acked {
			pending = append(pending, of.frame)
		}
	}
	s.mu.Unlock()

	if old != nil && old != conn {
		old.Close()
	}
	for _, f := range preamble {
		if err := writeFrame(conn, f, s.now()); err != nil {
			s.logger.Warn("preamble write failed",
				"session_id", s.ID, "kind", f.Kind, "error", err)
			return 0, true
		}
	}
	if len(pending) > 0 {
		span, err := wire.NewFrame(wire.KindResume, wire.Resume{
			SessionID: s.ID,
			FromSeq:   pending[0].Seq,
			ToSeq:     pending[len(pending)-1].Seq,
		})
		if err == nil {
			if err := writeFrame(conn, span, s.now()); err != nil {
				return 0, true
			}
		}
	}
	replayed := 0
	for _, f := range pending {
		if err := writeFrame(conn, f, s.now()); err != nil {
			s.logger.Warn("replay write failed",
				"session_id", s.ID, "seq", f.Seq, "error", err)
			break
		}
		replayed++
	}
	return replayed, true
}

// detach drops the given transport but keeps the session resumable. Returns
// false when the conn was already swapped out or the session is closed.
func (s *Session) detach(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn || s.state != stateActive {
		return false
	}
	s.conn = nil
	s.state = stateDetached
	s.detachedAt = s.now()
	return true
}

// expired reports whether a detached session has outlived the resume grace.
func (s *Session) expired(now time.Time, grace time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateDetached && !s.detachedAt.IsZero() &&
		now.Sub(s.detachedAt) > grace
}

func (s *Session) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateActive
}

// destroy closes the session permanently: blocked senders fail out and the
// transport, if any, is closed.
func (s *Session) destroy() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.state = stateClosed
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	if conn != nil {
		conn.Close()
	}
}

// SessionInfo is a read-only snapshot for operator queries.
type SessionInfo struct {
	SessionID   string    `json:"session_id"`
	WorkerName  string    `json:"worker_name"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	SendSeq     uint64    `json:"send_seq"`
	AckedUpTo   uint64    `json:"acked_up_to"`
	RecvSeqNext uint64    `json:"recv_seq_next"`
	Unacked     int       `json:"unacked_frames"`
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	unacked := 0
	for _, of := range s.ring {
		if !of.acked {
			unacked++
		}
	}
	return SessionInfo{
		SessionID:   s.ID,
		WorkerName:  s.WorkerName,
		State:       s.state.String(),
		CreatedAt:   s.CreatedAt,
		LastSeenAt:  s.lastSeenAt,
		SendSeq:     s.sendSeq,
		AckedUpTo:   s.ackBase,
		RecvSeqNext: s.recvSeqNext,
		Unacked:     unacked,
	}
}

func writeFrame(conn *websocket.Conn, f *wire.Frame, now time.Time) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(now.Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	metrics.FramesTotal.WithLabelValues("out", string(f.Kind)).Inc()
	return nil
}

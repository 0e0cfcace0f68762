package client

import (
	"context"

	"github.com/gorilla/websocket"

	"github.com/weftlabs/weft/common/metrics"
	"github.com/weftlabs/weft/common/wire"
)

// send writes one frame to the gateway. Reliable kinds reserve a window slot
// (blocking while the window is full), take the next seq and join the
// unacked set before the bytes leave; a write failure on a reliable frame is
// absorbed because the frame replays on resume. Control kinds need a live
// transport and fail immediately without one.
func (c *Client) send(ctx context.Context, f *wire.Frame) error {
	if !f.Kind.Reliable() {
		return c.writeControl(f)
	}

	c.mu.Lock()
	win := c.window
	c.mu.Unlock()
	if win == nil {
		return wire.ErrWindowClosed
	}
	select {
	case <-win.Slots():
	case <-win.Done():
		return wire.ErrWindowClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.commit(win, f, false)
}

// trySend is send for advisory frames: when the window is full the frame is
// dropped instead of blocking the caller.
func (c *Client) trySend(f *wire.Frame) {
	c.mu.Lock()
	win := c.window
	c.mu.Unlock()
	if win == nil {
		return
	}
	select {
	case <-win.Slots():
	default:
		return
	}
	c.commit(win, f, true)
}

// commit stamps the seq, tracks the frame and writes it, all under the
// writer lock so seq order and wire order never diverge. The caller must
// hold a slot token from win.
func (c *Client) commit(win *wire.SendWindow, f *wire.Frame, advisory bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.window != win {
		// The link was reset while we held a slot from the old window;
		// the frame belongs to a session that no longer exists.
		c.mu.Unlock()
		return wire.ErrWindowClosed
	}
	c.sendSeq++
	f.Seq = c.sendSeq
	win.Track(f)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		// Detached: the frame rides the window and replays on resume.
		return nil
	}
	if err := c.writeTo(conn, f); err != nil {
		if advisory {
			c.logger.Debug("advisory frame write failed", "kind", f.Kind, "error", err)
		} else {
			c.logger.Warn("frame write failed, will replay on resume",
				"kind", f.Kind, "seq", f.Seq, "error", err)
		}
	}
	return nil
}

func (c *Client) writeControl(f *wire.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return c.writeTo(conn, f)
}

func (c *Client) writeTo(conn *websocket.Conn, f *wire.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(c.now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	metrics.FramesTotal.WithLabelValues("out", string(f.Kind)).Inc()
	return nil
}

// resetLink starts a fresh logical session on conn: new window, new receive
// tracker, seqs from zero. Whatever the old session was still running is
// cancelled — the control plane has already handed those tasks back.
func (c *Client) resetLink(conn *websocket.Conn, windowSize int) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	sessCtx, stop := context.WithCancel(context.Background())

	c.mu.Lock()
	oldStop := c.sessStop
	oldWin := c.window
	c.sessCtx = sessCtx
	c.sessStop = stop
	c.window = wire.NewSendWindow(windowSize)
	c.recv = wire.NewRecvTracker(0)
	c.sendSeq = 0
	c.tasks = make(map[string]*taskHandle)
	c.draining = false
	c.drainSent = false
	c.conn = conn
	c.closeErr = nil
	c.mu.Unlock()

	if oldStop != nil {
		oldStop()
	}
	if oldWin != nil {
		oldWin.Close()
	}
}

// adoptResumed attaches a reconnected transport to the surviving session and
// replays every unacked frame in original seq order before any new send can
// interleave. In-flight tasks keep executing throughout.
func (c *Client) adoptResumed(conn *websocket.Conn) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.conn = conn
	c.closeErr = nil
	c.drainSent = false
	win := c.window
	c.mu.Unlock()

	for _, f := range win.Unacked() {
		if err := c.writeTo(conn, f); err != nil {
			c.logger.Warn("replay write failed", "seq", f.Seq, "error", err)
			break
		}
	}
}

// dropConn clears the transport if conn is still the active one.
func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

// sayBye sends a best-effort bye and forces the transport closed, recording
// cause as the reason the read loop will report.
func (c *Client) sayBye(reason string, cause error) {
	if f, err := wire.NewFrame(wire.KindBye, wire.Bye{Reason: reason}); err == nil {
		if werr := c.writeControl(f); werr != nil {
			c.logger.Debug("bye write failed", "reason", reason, "error", werr)
		}
	}
	c.forceClose(cause)
}

func (c *Client) forceClose(cause error) {
	c.mu.Lock()
	if c.closeErr == nil {
		c.closeErr = cause
	}
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) takeCloseErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.closeErr
	c.closeErr = nil
	return err
}

func (c *Client) clearResume() {
	c.mu.Lock()
	c.sessionID = ""
	c.resumeTok = ""
	c.mu.Unlock()
}

func (c *Client) recvTracker() *wire.RecvTracker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recv
}

func (c *Client) recvAck() *wire.Ack {
	a := c.recvTracker().Ack()
	return &a
}

// sendRecvAck tells the gateway what we have received so far.
func (c *Client) sendRecvAck() {
	f := &wire.Frame{Kind: wire.KindAck, Ack: c.recvAck()}
	if err := c.writeControl(f); err != nil {
		c.logger.Debug("ack send failed", "error", err)
	}
}

func (c *Client) ackWindow(a wire.Ack) {
	c.mu.Lock()
	win := c.window
	c.mu.Unlock()
	if win != nil {
		win.Acknowledge(a)
	}
}

func (c *Client) sessionCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessCtx == nil {
		return context.Background()
	}
	return c.sessCtx
}

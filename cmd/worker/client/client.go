// Package client maintains the worker's session with the control plane
// gateway: dial, handshake, sliding-window delivery with resume, heartbeats,
// dispatch execution and admin commands. It reconnects with exponential
// backoff and keeps unacked frames for replay, so a transport drop mid-task
// loses nothing the resume grace can still save.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weftlabs/weft/cmd/worker/executor"
	"github.com/weftlabs/weft/common/config"
	"github.com/weftlabs/weft/common/metrics"
	"github.com/weftlabs/weft/common/wire"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Debug(msg string, args ...interface{})
}

const (
	// writeWait bounds a single frame write to the transport.
	writeWait = 10 * time.Second

	// dialTimeout bounds the websocket dial and upgrade.
	dialTimeout = 10 * time.Second

	// handshakeTimeout bounds the wait for hello_ack after hello.
	handshakeTimeout = 10 * time.Second

	// maxFrameBytes matches the gateway's inbound cap.
	maxFrameBytes = 1 << 20

	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// to avoid thundering herd on reconnect.
	jitterFraction = 0.2
)

var (
	// errAuthRejected means the gateway refused our credentials; retrying
	// with the same token cannot succeed.
	errAuthRejected = errors.New("gateway rejected worker credentials")

	// errServerBye means the gateway closed the session deliberately.
	errServerBye = errors.New("gateway closed the session")

	// errDrained means this worker finished draining and said bye itself.
	errDrained = errors.New("drain complete")

	errNotConnected = errors.New("not connected")
)

// Opts configures a Client.
type Opts struct {
	Config    config.WorkerConfig
	Executors *executor.Registry
	// Packages overrides the initial package set; defaults to
	// Config.Packages.
	Packages *PackageSet
	Logger   Logger

	// BackoffInitial and BackoffMax override redial pacing in tests.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Client is one worker's connection to the gateway. Create with New, then
// Run until the context ends or the session is closed for good.
type Client struct {
	cfg      config.WorkerConfig
	execs    *executor.Registry
	packages *PackageSet
	logger   Logger
	now      func() time.Time

	backoffInitial time.Duration
	backoffMax     time.Duration

	// writeMu serialises every transport write together with seq
	// assignment, so wire order always matches seq order: the gateway
	// dedupes inbound frames with a plain cursor and would drop anything
	// arriving out of order.
	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	window    *wire.SendWindow
	recv      *wire.RecvTracker
	sendSeq   uint64
	sessCtx   context.Context
	sessStop  context.CancelFunc
	tasks     map[string]*taskHandle
	queueName string
	draining  bool
	sessionID string
	resumeTok string
	closeErr  error

	// drainSent marks the drained bye as delivered for the current
	// transport; it re-arms on resume.
	drainSent bool

	// sem bounds concurrent task execution; accepted dispatches beyond it
	// queue, still honouring cancellation.
	sem    chan struct{}
	taskWG sync.WaitGroup
}

// New builds a client. An empty worker name gets a random one, matching how
// unnamed consumers are minted elsewhere in the system.
func New(opts *Opts) *Client {
	cfg := opts.Config
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	execs := opts.Executors
	if execs == nil {
		execs = executor.NewRegistry()
	}
	packages := opts.Packages
	if packages == nil {
		packages = NewPackageSet(cfg.Packages...)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	bi := opts.BackoffInitial
	if bi <= 0 {
		bi = backoffInitial
	}
	bm := opts.BackoffMax
	if bm <= 0 {
		bm = backoffMax
	}
	return &Client{
		cfg:            cfg,
		execs:          execs,
		packages:       packages,
		logger:         opts.Logger,
		now:            now,
		backoffInitial: bi,
		backoffMax:     bm,
		tasks:          make(map[string]*taskHandle),
		queueName:      cfg.Queue,
		sem:            make(chan struct{}, cfg.Concurrency),
	}
}

// Name returns the worker name in use, minted or configured.
func (c *Client) Name() string {
	return c.cfg.Name
}

// Run connects to the gateway and serves sessions until ctx ends, the
// gateway says bye, draining completes, or authentication fails. On any
// transport loss it reconnects with exponential backoff, resuming the prior
// session while the resume grace allows.
func (c *Client) Run(ctx context.Context) error {
	defer c.teardown()

	backoff := c.backoffInitial
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			metrics.WorkerReconnects.Inc()
		}
		if c.drainedIdle() {
			// Drain finished while detached; nothing left to resume.
			c.logger.Info("drain complete, exiting", "worker", c.cfg.Name)
			return nil
		}

		established, err := c.connect(ctx)
		if ctx.Err() != nil {
			c.logger.Info("worker stopping", "worker", c.cfg.Name)
			return nil
		}
		switch {
		case errors.Is(err, errDrained):
			c.logger.Info("drain complete, exiting", "worker", c.cfg.Name)
			return nil
		case errors.Is(err, errServerBye):
			c.logger.Info("session closed by gateway, exiting", "worker", c.cfg.Name)
			return nil
		case errors.Is(err, errAuthRejected):
			c.logger.Error("gateway rejected credentials", "worker", c.cfg.Name)
			return err
		}

		if established {
			// Successful session — reset backoff for the next reconnect.
			backoff = c.backoffInitial
		}
		wait := jitter(backoff)
		c.logger.Warn("gateway connection lost, redialling",
			"worker", c.cfg.Name, "retry_in", wait, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		if !established {
			backoff = nextBackoff(backoff, c.backoffMax)
		}
	}
}

// connect establishes one session: dial, hello/hello_ack, then the read and
// ping pumps until the transport ends. The established return tells the
// redial loop whether a session actually formed.
func (c *Client) connect(ctx context.Context) (established bool, err error) {
	dialer := &websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.GatewayURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.GatewayURL, err)
	}
	conn.SetReadLimit(maxFrameBytes)

	c.mu.Lock()
	resuming := c.sessionID != "" && c.resumeTok != ""
	hello := wire.Hello{
		Token:        c.cfg.Token,
		WorkerName:   c.cfg.Name,
		Capabilities: c.execs.Kinds(),
		Packages:     c.packages.List(),
		Queue:        c.queueName,
	}
	if resuming {
		hello.PriorSessionID = c.sessionID
		hello.ResumeToken = c.resumeTok
		hello.LastAckedSeq = c.recv.Base()
	}
	c.mu.Unlock()

	helloFrame, err := wire.NewFrame(wire.KindHello, hello)
	if err != nil {
		conn.Close()
		return false, err
	}
	if err := c.writeTo(conn, helloFrame); err != nil {
		conn.Close()
		return false, fmt.Errorf("send hello: %w", err)
	}

	conn.SetReadDeadline(c.now().Add(handshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return false, fmt.Errorf("handshake read: %w", err)
	}
	first, err := wire.Decode(data)
	if err != nil {
		conn.Close()
		return false, fmt.Errorf("handshake frame: %w", err)
	}

	switch first.Kind {
	case wire.KindHelloAck:
	case wire.KindBye:
		var bye wire.Bye
		if len(first.Payload) > 0 {
			_ = first.DecodePayload(&bye)
		}
		conn.Close()
		if bye.Reason == wire.CloseAuthFailed && !resuming {
			return false, fmt.Errorf("%w (%s)", errAuthRejected, bye.Reason)
		}
		// A refused resume or a name conflict: drop the stale session
		// credentials and redial fresh.
		c.clearResume()
		return false, fmt.Errorf("handshake refused: %s", bye.Reason)
	default:
		conn.Close()
		return false, fmt.Errorf("handshake got %s, want hello_ack", first.Kind)
	}

	var ack wire.HelloAck
	if err := first.DecodePayload(&ack); err != nil {
		conn.Close()
		return false, err
	}
	metrics.FramesTotal.WithLabelValues("in", string(wire.KindHelloAck)).Inc()

	heartbeat := time.Duration(ack.HeartbeatSeconds) * time.Second
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}

	resumed := resuming && ack.Resumed
	if resumed {
		c.adoptResumed(conn)
	} else {
		c.resetLink(conn, ack.WindowSize)
	}
	c.mu.Lock()
	c.sessionID = ack.SessionID
	c.resumeTok = ack.ResumeToken
	c.mu.Unlock()

	c.logger.Info("session established",
		"worker", c.cfg.Name, "session_id", ack.SessionID,
		"resumed", resumed, "window", ack.WindowSize, "heartbeat", heartbeat)

	// A drain that completed while detached still owes the gateway a bye.
	c.maybeFinishDrain()

	done := make(chan struct{})
	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		c.pingLoop(heartbeat, done)
	}()
	go func() {
		defer pumps.Done()
		select {
		case <-ctx.Done():
			c.sayBye(wire.CloseShutdown, ctx.Err())
		case <-done:
		}
	}()

	err = c.readLoop(conn, heartbeat)
	close(done)
	c.dropConn(conn)
	conn.Close()
	pumps.Wait()
	return true, err
}

// readLoop pumps inbound frames until the transport ends. It applies
// piggybacked acks from every frame, dedupes reliable ones through the
// receive tracker and acknowledges them after handling. Slow work (task
// execution, admin commands) runs in goroutines so the loop never blocks on
// the send window.
func (c *Client) readLoop(conn *websocket.Conn, heartbeat time.Duration) error {
	readWait := 3 * heartbeat
	for {
		conn.SetReadDeadline(c.now().Add(readWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if cerr := c.takeCloseErr(); cerr != nil {
				return cerr
			}
			return fmt.Errorf("transport: %w", err)
		}
		f, err := wire.Decode(data)
		if err != nil {
			c.logger.Warn("undecodable frame dropped", "error", err)
			continue
		}
		metrics.FramesTotal.WithLabelValues("in", string(f.Kind)).Inc()
		if f.Ack != nil {
			c.ackWindow(*f.Ack)
		}
		if f.Kind.Reliable() && !c.recvTracker().Accept(f.Seq) {
			// Duplicate of something already processed: re-ack so the
			// gateway can trim its window, act no further.
			c.sendRecvAck()
			continue
		}

		switch f.Kind {
		case wire.KindPing:
			pong := &wire.Frame{Kind: wire.KindPong, Ack: c.recvAck()}
			if err := c.writeControl(pong); err != nil {
				c.logger.Debug("pong send failed", "error", err)
			}
		case wire.KindPong, wire.KindAck:
			// Piggybacked ack was applied above.
		case wire.KindResume:
			var p wire.Resume
			if err := f.DecodePayload(&p); err == nil {
				c.logger.Info("gateway replaying frames",
					"from_seq", p.FromSeq, "to_seq", p.ToSeq)
			}
		case wire.KindDispatch:
			var d wire.Dispatch
			if err := f.DecodePayload(&d); err != nil {
				c.logger.Warn("bad dispatch payload", "error", err)
				break
			}
			c.acceptDispatch(&d)
		case wire.KindCancel:
			var p wire.Cancel
			if err := f.DecodePayload(&p); err != nil {
				c.logger.Warn("bad cancel payload", "error", err)
				break
			}
			c.cancelTask(&p)
		case wire.KindAdminCmd:
			var cmd wire.AdminCommand
			if err := f.DecodePayload(&cmd); err != nil {
				c.logger.Warn("bad admin command payload", "error", err)
				break
			}
			c.taskWG.Add(1)
			go func() {
				defer c.taskWG.Done()
				c.handleAdmin(&cmd)
			}()
		case wire.KindBye:
			var p wire.Bye
			if len(f.Payload) > 0 {
				if derr := f.DecodePayload(&p); derr != nil {
					p.Reason = ""
				}
			}
			c.logger.Info("gateway said bye", "reason", p.Reason)
			return errServerBye
		default:
			c.logger.Debug("unexpected frame ignored", "kind", f.Kind)
		}

		if f.Kind.Reliable() {
			c.sendRecvAck()
		}
	}
}

// pingLoop heartbeats at the gateway's negotiated interval, piggybacking the
// cumulative receive ack so the gateway's window trims even when the worker
// has nothing else to say.
func (c *Client) pingLoop(heartbeat time.Duration, done chan struct{}) {
	t := time.NewTicker(heartbeat)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			f := &wire.Frame{Kind: wire.KindPing, Ack: c.recvAck()}
			if err := c.writeControl(f); err != nil {
				return
			}
		}
	}
}

// teardown ends whatever logical session is left: in-flight tasks are
// cancelled and their runners waited out.
func (c *Client) teardown() {
	c.mu.Lock()
	stop := c.sessStop
	win := c.window
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	if win != nil {
		win.Close()
	}
	c.taskWG.Wait()
}

// nextBackoff returns the next backoff duration, capped at max.
func nextBackoff(current, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > max {
		return max
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d to avoid
// thundering herd on reconnect.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

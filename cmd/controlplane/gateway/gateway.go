// Package gateway owns the worker-facing edge of the control plane: the
// websocket transport, per-worker sessions with sliding-window delivery and
// resume, the worker catalogue, and heartbeat liveness. Run semantics live
// elsewhere; the gateway moves frames and keeps the directory honest.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weftlabs/weft/cmd/controlplane/registry"
	"github.com/weftlabs/weft/common/config"
	"github.com/weftlabs/weft/common/metrics"
	"github.com/weftlabs/weft/common/model"
	"github.com/weftlabs/weft/common/wire"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Debug(msg string, args ...interface{})
}

// RunIngest is the orchestrator-facing half of the gateway. Worker traffic
// feeds the run state machines; lost workers hand their tasks back.
type RunIngest interface {
	HandleResult(runID string, res *registry.Result)
	HandleAck(runID, taskID string)
	HandleWorkerCancel(runID, taskID string, class wire.CancelClass, reason string)
	WorkerLost(workerName string)
}

// EventSink receives worker-side happenings for the event firehose.
// Implementations must not block.
type EventSink interface {
	WorkerProgress(p *wire.Progress)
	WorkerStatusChanged(name string, status model.WorkerStatus)
	AdminCommandCompleted(worker string, res *wire.AdminResult)
}

type nopSink struct{}

func (nopSink) WorkerProgress(*wire.Progress) {}

func (nopSink) WorkerStatusChanged(string, model.WorkerStatus) {}

func (nopSink) AdminCommandCompleted(string, *wire.AdminResult) {}

// ErrNoSession means the worker has no session at all.
var ErrNoSession = errors.New("no session for worker")

var errNameConflict = errors.New("worker name already connected")

// adminResultTTL bounds how long an unanswered admin command stays pending.
const adminResultTTL = 5 * time.Minute

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Workers are not browsers; origin checks buy nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type pendingCommand struct {
	worker   string
	command  string
	args     json.RawMessage
	issuedAt time.Time
}

// Gateway accepts worker connections, runs the session protocol and exposes
// the send side the dispatcher uses. One Gateway serves every worker.
type Gateway struct {
	cfg    config.SessionConfig
	runs   RunIngest
	events EventSink
	cat    *Catalogue
	logger Logger
	now    func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	byName   map[string]*Session

	cmdMu   sync.Mutex
	pending map[string]pendingCommand
}

// GatewayOpts contains options for creating a gateway.
type GatewayOpts struct {
	Config config.SessionConfig
	Runs   RunIngest
	// Events receives worker-side happenings for the firehose; optional.
	Events EventSink
	Logger Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// NewGateway creates a gateway. Zero config fields fall back to the
// documented defaults. Call Start to run the liveness sweeper.
func NewGateway(opts *GatewayOpts) *Gateway {
	cfg := opts.Config
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 64
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 5 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	events := opts.Events
	if events == nil {
		events = nopSink{}
	}
	return &Gateway{
		cfg:      cfg,
		runs:     opts.Runs,
		events:   events,
		cat:      NewCatalogue(&CatalogueOpts{Logger: opts.Logger, Now: now}),
		logger:   opts.Logger,
		now:      now,
		stop:     make(chan struct{}),
		sessions: make(map[string]*Session),
		byName:   make(map[string]*Session),
		pending:  make(map[string]pendingCommand),
	}
}

// Start launches the background sweeper that ages out heartbeats, expired
// resume graces and unanswered admin commands.
func (g *Gateway) Start() {
	g.wg.Add(1)
	go g.sweepLoop()
}

// Close stops the sweeper, says goodbye to every connected worker and waits
// for the pumps to drain. Tasks are not handed back: a restarting control
// plane reloads run state, not live sessions.
func (g *Gateway) Close() {
	g.stopOnce.Do(func() { close(g.stop) })

	g.mu.Lock()
	open := make([]*Session, 0, len(g.sessions))
	for _, sess := range g.sessions {
		open = append(open, sess)
	}
	g.sessions = make(map[string]*Session)
	g.byName = make(map[string]*Session)
	g.mu.Unlock()

	for _, sess := range open {
		if bye, err := wire.NewFrame(wire.KindBye, wire.Bye{Reason: wire.CloseShutdown}); err == nil {
			sess.send(context.Background(), bye)
		}
		sess.destroy()
		metrics.SessionsActive.Dec()
	}
	g.wg.Wait()
}

// HandleWS upgrades a worker connection and runs its handshake and pumps.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.serve(conn, r.RemoteAddr)
	}()
}

func (g *Gateway) serve(conn *websocket.Conn, remote string) {
	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(g.now().Add(handshakeTimeout))

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	f, err := wire.Decode(data)
	if err != nil || f.Kind != wire.KindHello {
		g.logger.Warn("handshake expected hello", "remote", remote)
		g.sendBye(conn, wire.CloseAuthFailed)
		conn.Close()
		return
	}
	var hello wire.Hello
	if err := f.DecodePayload(&hello); err != nil {
		g.sendBye(conn, wire.CloseAuthFailed)
		conn.Close()
		return
	}
	metrics.FramesTotal.WithLabelValues("in", string(wire.KindHello)).Inc()

	if hello.WorkerName == "" || !g.tokenOK(hello.Token) {
		g.logger.Warn("handshake auth failed", "worker", hello.WorkerName, "remote", remote)
		g.sendBye(conn, wire.CloseAuthFailed)
		conn.Close()
		return
	}

	sess, resumed, err := g.bindSession(&hello)
	if err != nil {
		g.logger.Warn("handshake refused", "worker", hello.WorkerName, "error", err)
		g.sendBye(conn, wire.CloseConflict)
		conn.Close()
		return
	}

	token, err := mintResumeToken(g.secret(), sess.ID, sess.WorkerName, g.cfg.TokenTTL, g.now())
	if err != nil {
		g.logger.Error("resume token mint failed", "worker", sess.WorkerName, "error", err)
		g.sendBye(conn, wire.CloseShutdown)
		conn.Close()
		return
	}
	ackFrame, err := wire.NewFrame(wire.KindHelloAck, wire.HelloAck{
		SessionID:        sess.ID,
		ResumeToken:      token,
		WindowSize:       g.cfg.WindowSize,
		HeartbeatSeconds: int(g.cfg.HeartbeatInterval / time.Second),
		Resumed:          resumed,
	})
	if err != nil {
		conn.Close()
		return
	}

	// Catalogue first: once the worker sees hello_ack it is dispatchable,
	// so its record must already be there.
	g.cat.Bind(&hello, sess.ID, resumed)
	g.events.WorkerStatusChanged(sess.WorkerName, model.WorkerOnline)

	attached := false
	if resumed {
		var replayed int
		replayed, attached = sess.resume(conn, hello.LastAckedSeq, ackFrame)
		if attached {
			metrics.SessionResumes.Inc()
			g.logger.Info("session resumed",
				"worker", sess.WorkerName, "session_id", sess.ID,
				"last_acked", hello.LastAckedSeq, "replayed", replayed)
		}
	} else {
		attached = sess.attach(conn, ackFrame)
		if attached {
			g.logger.Info("session opened",
				"worker", sess.WorkerName, "session_id", sess.ID, "remote", remote)
		}
	}
	if !attached {
		// Lost a race with the grace sweeper; the worker will redial fresh.
		g.cat.SetStatus(sess.WorkerName, model.WorkerOffline)
		g.sendBye(conn, wire.CloseAuthFailed)
		conn.Close()
		return
	}

	done := make(chan struct{})
	g.wg.Add(1)
	go g.pingLoop(sess, done)
	g.readLoop(sess, conn)
	close(done)
}

// bindSession resolves a hello to a session: adopt the prior one when the
// resume credentials check out, refuse a name that is actively connected,
// supersede a detached session the worker chose not to resume, or open a
// fresh one.
func (g *Gateway) bindSession(hello *wire.Hello) (*Session, bool, error) {
	if hello.PriorSessionID != "" && hello.ResumeToken != "" {
		g.mu.Lock()
		prior := g.sessions[hello.PriorSessionID]
		g.mu.Unlock()
		if prior != nil && prior.WorkerName == hello.WorkerName {
			if err := verifyResumeToken(g.secret(), hello.ResumeToken, prior.ID, prior.WorkerName); err != nil {
				g.logger.Warn("resume token rejected",
					"worker", hello.WorkerName, "session_id", hello.PriorSessionID, "error", err)
			} else {
				return prior, true, nil
			}
		}
		// Stale resume attempts fall through and open a fresh session.
	}

	for {
		g.mu.Lock()
		cur := g.byName[hello.WorkerName]
		if cur == nil {
			sess := newSession(newSessionID(), hello.WorkerName, g.cfg.WindowSize, g.logger, g.now)
			g.sessions[sess.ID] = sess
			g.byName[sess.WorkerName] = sess
			g.mu.Unlock()
			metrics.SessionsActive.Inc()
			return sess, false, nil
		}
		if cur.live() {
			g.mu.Unlock()
			return nil, false, errNameConflict
		}
		g.mu.Unlock()
		// A detached session the worker is not resuming: reclaim it and
		// hand its tasks back before the fresh one binds.
		g.logger.Info("superseding unresumed session",
			"worker", hello.WorkerName, "session_id", cur.ID)
		g.closeSession(cur, true)
	}
}

func (g *Gateway) readLoop(sess *Session, conn *websocket.Conn) {
	defer conn.Close()
	readWait := 3 * g.cfg.HeartbeatInterval
	for {
		conn.SetReadDeadline(g.now().Add(readWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if sess.detach(conn) {
				g.workerUnreachable(sess)
			}
			return
		}
		f, err := wire.Decode(data)
		if err != nil {
			g.logger.Warn("undecodable frame dropped", "worker", sess.WorkerName, "error", err)
			continue
		}
		metrics.FramesTotal.WithLabelValues("in", string(f.Kind)).Inc()
		sess.touch(g.now())
		g.cat.Heartbeat(sess.WorkerName)
		if f.Ack != nil {
			sess.applyAck(f.Ack)
		}
		if f.Kind.Reliable() && !sess.acceptInbound(f.Seq) {
			// Duplicate of something already processed: re-ack so the
			// worker can trim its window, act no further.
			g.ackInbound(sess)
			continue
		}
		if stop := g.routeFrame(sess, f); stop {
			return
		}
	}
}

// routeFrame handles one accepted frame. Reliable frames are acked after
// handling, even when the payload turns out to be unusable: the seq was
// consumed and a retransmit would not improve it.
func (g *Gateway) routeFrame(sess *Session, f *wire.Frame) (stop bool) {
	switch f.Kind {
	case wire.KindPing:
		pong := &wire.Frame{Kind: wire.KindPong, Ack: sess.inboundAck()}
		if _, err := sess.send(context.Background(), pong); err != nil {
			g.logger.Debug("pong send failed", "worker", sess.WorkerName, "error", err)
		}
	case wire.KindPong:
		// Liveness bookkeeping already happened; nothing else to do.
	case wire.KindAck:
		// Envelope ack was applied above.
	case wire.KindDispatchAck:
		var p wire.DispatchAck
		if err := f.DecodePayload(&p); err != nil {
			g.logger.Warn("bad dispatch_ack payload", "worker", sess.WorkerName, "error", err)
			break
		}
		g.runs.HandleAck(p.RunID, p.TaskID)
	case wire.KindResult:
		var p wire.Result
		if err := f.DecodePayload(&p); err != nil {
			g.logger.Warn("bad result payload", "worker", sess.WorkerName, "error", err)
			break
		}
		g.cat.TaskFinished(sess.WorkerName, p.DurationMS)
		g.runs.HandleResult(p.RunID, &registry.Result{
			TaskID:     p.TaskID,
			Status:     model.NodeStatus(p.Status),
			Result:     p.Result,
			Error:      p.Error,
			Metadata:   p.Metadata,
			DurationMS: p.DurationMS,
		})
	case wire.KindProgress:
		var p wire.Progress
		if err := f.DecodePayload(&p); err != nil {
			g.logger.Warn("bad progress payload", "worker", sess.WorkerName, "error", err)
			break
		}
		g.events.WorkerProgress(&p)
	case wire.KindWorkerCancel:
		var p wire.WorkerCancel
		if err := f.DecodePayload(&p); err != nil {
			g.logger.Warn("bad worker_cancel payload", "worker", sess.WorkerName, "error", err)
			break
		}
		g.cat.TaskFinished(sess.WorkerName, 0)
		g.runs.HandleWorkerCancel(p.RunID, p.TaskID, p.Class, p.Reason)
	case wire.KindAdminResult:
		var p wire.AdminResult
		if err := f.DecodePayload(&p); err != nil {
			g.logger.Warn("bad admin_result payload", "worker", sess.WorkerName, "error", err)
			break
		}
		g.completeCommand(sess.WorkerName, &p)
	case wire.KindBye:
		var p wire.Bye
		if len(f.Payload) > 0 {
			if err := f.DecodePayload(&p); err != nil {
				p.Reason = ""
			}
		}
		g.logger.Info("worker closed session",
			"worker", sess.WorkerName, "session_id", sess.ID, "reason", p.Reason)
		g.closeSession(sess, true)
		return true
	default:
		g.logger.Debug("unexpected frame ignored", "worker", sess.WorkerName, "kind", f.Kind)
	}
	if f.Kind.Reliable() {
		g.ackInbound(sess)
	}
	return false
}

func (g *Gateway) ackInbound(sess *Session) {
	f := &wire.Frame{Kind: wire.KindAck, Ack: sess.inboundAck()}
	if _, err := sess.send(context.Background(), f); err != nil {
		g.logger.Debug("inbound ack send failed", "worker", sess.WorkerName, "error", err)
	}
}

// workerUnreachable marks a worker offline after its transport dropped. The
// session stays resumable; tasks hand back only when the grace runs out.
func (g *Gateway) workerUnreachable(sess *Session) {
	if g.cat.SetStatus(sess.WorkerName, model.WorkerOffline) {
		g.events.WorkerStatusChanged(sess.WorkerName, model.WorkerOffline)
	}
	g.logger.Warn("worker transport lost",
		"worker", sess.WorkerName, "session_id", sess.ID, "resume_grace", g.cfg.TokenTTL)
}

// closeSession tears a session down for good: out of the maps, destroyed,
// worker offline, and (when lost) its tasks handed back for redispatch.
func (g *Gateway) closeSession(sess *Session, lost bool) {
	g.mu.Lock()
	if g.sessions[sess.ID] != sess {
		g.mu.Unlock()
		return
	}
	delete(g.sessions, sess.ID)
	if g.byName[sess.WorkerName] == sess {
		delete(g.byName, sess.WorkerName)
	}
	g.mu.Unlock()

	sess.destroy()
	metrics.SessionsActive.Dec()
	if g.cat.SetStatus(sess.WorkerName, model.WorkerOffline) {
		g.events.WorkerStatusChanged(sess.WorkerName, model.WorkerOffline)
	}
	if lost {
		g.runs.WorkerLost(sess.WorkerName)
	}
}

func (g *Gateway) pingLoop(sess *Session, done chan struct{}) {
	defer g.wg.Done()
	t := time.NewTicker(g.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-g.stop:
			return
		case <-t.C:
			f := &wire.Frame{Kind: wire.KindPing, Ack: sess.inboundAck()}
			if _, err := sess.send(context.Background(), f); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) sweepLoop() {
	defer g.wg.Done()
	t := time.NewTicker(g.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-t.C:
			g.sweep()
		}
	}
}

func (g *Gateway) sweep() {
	now := g.now()
	for _, name := range g.cat.SweepStale(3 * g.cfg.HeartbeatInterval) {
		g.logger.Warn("worker heartbeat stale", "worker", name)
		g.events.WorkerStatusChanged(name, model.WorkerOffline)
	}

	g.mu.Lock()
	var expired []*Session
	for _, sess := range g.sessions {
		if sess.expired(now, g.cfg.TokenTTL) {
			expired = append(expired, sess)
		}
	}
	g.mu.Unlock()
	for _, sess := range expired {
		g.logger.Warn("resume grace expired",
			"worker", sess.WorkerName, "session_id", sess.ID)
		g.closeSession(sess, true)
	}

	g.expirePending(now)
}

func (g *Gateway) expirePending(now time.Time) {
	g.cmdMu.Lock()
	defer g.cmdMu.Unlock()
	for id, pc := range g.pending {
		if now.Sub(pc.issuedAt) > adminResultTTL {
			delete(g.pending, id)
			g.logger.Warn("admin command timed out",
				"command_id", id, "worker", pc.worker, "command", pc.command)
		}
	}
}

// SendDispatch delivers a dispatch to the named worker, blocking while the
// session's send window is full. The returned seq is the wire seq used; the
// payload's seq field is stamped to match.
func (g *Gateway) SendDispatch(ctx context.Context, workerName string, d *wire.Dispatch) (uint64, error) {
	sess := g.sessionFor(workerName)
	if sess == nil {
		return 0, fmt.Errorf("worker %s: %w", workerName, ErrNoSession)
	}
	f, err := wire.NewFrame(wire.KindDispatch, d)
	if err != nil {
		return 0, err
	}
	seq, err := sess.send(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("dispatch to %s: %w", workerName, err)
	}
	d.Seq = seq
	g.cat.TaskStarted(workerName)
	return seq, nil
}

// SendCancel tells a worker to abandon a task.
func (g *Gateway) SendCancel(ctx context.Context, workerName string, c *wire.Cancel) error {
	sess := g.sessionFor(workerName)
	if sess == nil {
		return fmt.Errorf("worker %s: %w", workerName, ErrNoSession)
	}
	f, err := wire.NewFrame(wire.KindCancel, c)
	if err != nil {
		return err
	}
	if _, err := sess.send(ctx, f); err != nil {
		return fmt.Errorf("cancel to %s: %w", workerName, err)
	}
	return nil
}

// SendCommand issues an admin command and returns the command id the result
// will correlate on. Side effects (drain status, queue rebind, package set
// changes) apply when the worker reports ok.
func (g *Gateway) SendCommand(ctx context.Context, workerName, command string, args json.RawMessage) (string, error) {
	return g.SendCommandAs(ctx, workerName, "cmd-"+uuid.NewString(), command, args)
}

// SendCommandAs issues an admin command under a caller-chosen command id, so
// a retried submission can keep correlating on the id of its first attempt.
func (g *Gateway) SendCommandAs(ctx context.Context, workerName, commandID, command string, args json.RawMessage) (string, error) {
	sess := g.sessionFor(workerName)
	if sess == nil {
		return "", fmt.Errorf("worker %s: %w", workerName, ErrNoSession)
	}
	cmd := &wire.AdminCommand{
		CommandID: commandID,
		Command:   command,
		Args:      args,
	}
	f, err := wire.NewFrame(wire.KindAdminCmd, cmd)
	if err != nil {
		return "", err
	}
	g.cmdMu.Lock()
	g.pending[cmd.CommandID] = pendingCommand{
		worker:   workerName,
		command:  command,
		args:     args,
		issuedAt: g.now(),
	}
	g.cmdMu.Unlock()
	if _, err := sess.send(ctx, f); err != nil {
		g.cmdMu.Lock()
		delete(g.pending, cmd.CommandID)
		g.cmdMu.Unlock()
		return "", fmt.Errorf("admin command to %s: %w", workerName, err)
	}
	g.logger.Info("admin command sent",
		"worker", workerName, "command", command, "command_id", cmd.CommandID)
	return cmd.CommandID, nil
}

func (g *Gateway) completeCommand(workerName string, res *wire.AdminResult) {
	g.cmdMu.Lock()
	pc, ok := g.pending[res.CommandID]
	if ok {
		delete(g.pending, res.CommandID)
	}
	g.cmdMu.Unlock()
	if !ok {
		g.logger.Debug("admin result without pending command",
			"worker", workerName, "command_id", res.CommandID)
		return
	}
	if pc.worker != workerName {
		g.logger.Warn("admin result from wrong worker",
			"command_id", res.CommandID, "expected", pc.worker, "got", workerName)
		return
	}
	if res.Status == "ok" {
		g.applyCommandEffect(workerName, pc)
	} else {
		g.logger.Warn("admin command failed",
			"worker", workerName, "command", pc.command, "message", res.Message)
	}
	g.events.AdminCommandCompleted(workerName, res)
}

func (g *Gateway) applyCommandEffect(workerName string, pc pendingCommand) {
	switch pc.command {
	case wire.AdminDrain:
		if g.cat.SetStatus(workerName, model.WorkerDraining) {
			g.events.WorkerStatusChanged(workerName, model.WorkerDraining)
		}
	case wire.AdminRebind:
		var args struct {
			Queue string `json:"queue"`
		}
		if err := json.Unmarshal(pc.args, &args); err != nil || args.Queue == "" {
			g.logger.Warn("rebind succeeded with unusable args", "worker", workerName)
			return
		}
		g.cat.SetQueue(workerName, args.Queue)
	case wire.AdminPkgInstall, wire.AdminPkgUninstall:
		var args struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		}
		if err := json.Unmarshal(pc.args, &args); err != nil || args.Name == "" || args.Version == "" {
			g.logger.Warn("package command succeeded with unusable args", "worker", workerName)
			return
		}
		ref := args.Name + "@" + args.Version
		if pc.command == wire.AdminPkgInstall {
			g.cat.InstallPackage(workerName, ref)
		} else {
			g.cat.UninstallPackage(workerName, ref)
		}
	}
}

// Workers returns catalogue snapshots; satisfies the dispatcher's directory.
func (g *Gateway) Workers() []model.WorkerRecord {
	return g.cat.Workers()
}

// Worker returns one catalogue record.
func (g *Gateway) Worker(name string) (model.WorkerRecord, bool) {
	return g.cat.Get(name)
}

// SessionInfo reports the session snapshot for a worker, if it has one.
func (g *Gateway) SessionInfo(name string) (SessionInfo, bool) {
	g.mu.Lock()
	sess := g.byName[name]
	g.mu.Unlock()
	if sess == nil {
		return SessionInfo{}, false
	}
	return sess.info(), true
}

func (g *Gateway) sessionFor(name string) *Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.byName[name]
}

func (g *Gateway) sendBye(conn *websocket.Conn, reason string) {
	f, err := wire.NewFrame(wire.KindBye, wire.Bye{Reason: reason})
	if err != nil {
		return
	}
	if err := writeFrame(conn, f, g.now()); err != nil {
		g.logger.Debug("bye write failed", "reason", reason, "error", err)
	}
}

func (g *Gateway) tokenOK(token string) bool {
	if token == "" {
		return false
	}
	for _, t := range g.cfg.WorkerTokens {
		if t == token {
			return true
		}
	}
	return false
}

func (g *Gateway) secret() []byte {
	return []byte(g.cfg.Secret)
}

func newSessionID() string {
	return "sess-" + uuid.NewString()
}

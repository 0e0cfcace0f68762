// Package dispatch is the orchestrator: it converts run readiness into
// dispatch frames, selects workers, polices ack deadlines and retries, and
// feeds worker-reported outcomes back into the registry. One goroutine per
// run serialises every dispatch decision; runs proceed in parallel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/weftlabs/weft/cmd/controlplane/registry"
	"github.com/weftlabs/weft/common/config"
	"github.com/weftlabs/weft/common/metrics"
	"github.com/weftlabs/weft/common/model"
	"github.com/weftlabs/weft/common/wire"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// WorkerDirectory supplies the current worker catalogue for selection.
// Snapshots are value copies, safe to filter and sort.
type WorkerDirectory interface {
	Workers() []model.WorkerRecord
}

// DispatchSender delivers protocol payloads to a named worker's session.
// SendDispatch assigns the payload its wire seq, blocks while the session's
// send window is full, and returns the seq used.
type DispatchSender interface {
	SendDispatch(ctx context.Context, workerName string, d *wire.Dispatch) (uint64, error)
	SendCancel(ctx context.Context, workerName string, c *wire.Cancel) error
}

// PackageResolver maps a package reference to the artifact refs workers use
// to fetch it before executing.
type PackageResolver interface {
	ResourceRefs(ctx context.Context, pkg model.PackageRef) ([]string, error)
}

// Notifier receives run lifecycle changes for the event firehose. Calls are
// made from run loops and must not block.
type Notifier interface {
	NodeDispatched(runID, nodeID, middleware, worker, taskID string, attempt int)
	NodeFinished(app *registry.ResultApplication)
	RunFinished(runID string, status model.RunStatus, runErr *model.NodeError)
}

type nopNotifier struct{}

func (nopNotifier) NodeDispatched(string, string, string, string, string, int) {}

func (nopNotifier) NodeFinished(*registry.ResultApplication) {}

func (nopNotifier) RunFinished(string, model.RunStatus, *model.NodeError) {}

const loopEventBuffer = 128

// Orchestrator bridges readiness and the worker gateway.
type Orchestrator struct {
	registry  *registry.Registry
	directory WorkerDirectory
	sender    DispatchSender
	packages  PackageResolver
	notifier  Notifier
	selector  *Selector
	cfg       config.DispatchConfig
	logger    Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	loops map[string]*runLoop
}

// OrchestratorOpts contains options for creating an orchestrator.
type OrchestratorOpts struct {
	Registry  *registry.Registry
	Directory WorkerDirectory
	Sender    DispatchSender
	// Packages resolves artifact refs for dispatch payloads; optional.
	Packages PackageResolver
	// Notifier receives lifecycle changes for the event firehose; optional.
	Notifier Notifier
	// Affinity shares a compiled-expression cache with workflow validation;
	// optional.
	Affinity *AffinityEvaluator
	Config   config.DispatchConfig
	Logger   Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// NewOrchestrator creates an orchestrator. Zero config fields fall back to
// the documented defaults.
func NewOrchestrator(opts *OrchestratorOpts) *Orchestrator {
	cfg := opts.Config
	if cfg.Strategy == "" {
		cfg.Strategy = config.StrategyDefault
	}
	if cfg.MaxHeartbeatAge <= 0 {
		cfg.MaxHeartbeatAge = 45 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 15 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		registry:  opts.Registry,
		directory: opts.Directory,
		sender:    opts.Sender,
		packages:  opts.Packages,
		notifier:  notifier,
		selector: NewSelector(&SelectorOpts{
			Strategy:        cfg.Strategy,
			MaxHeartbeatAge: cfg.MaxHeartbeatAge,
			Affinity:        opts.Affinity,
			Logger:          opts.Logger,
		}),
		cfg:    cfg,
		logger: opts.Logger,
		now:    now,
		ctx:    ctx,
		cancel: cancel,
		loops:  make(map[string]*runLoop),
	}
}

// Launch starts the dispatch loop for a run. Launching twice is a no-op.
func (o *Orchestrator) Launch(runID string) {
	o.mu.Lock()
	if _, ok := o.loops[runID]; ok {
		o.mu.Unlock()
		return
	}
	rl := &runLoop{
		runID:  runID,
		events: make(chan loopEvent, loopEventBuffer),
		done:   make(chan struct{}),
	}
	o.loops[runID] = rl
	o.mu.Unlock()

	o.wg.Add(1)
	go o.loop(rl)
}

// HandleResult ingests a worker-reported task result.
func (o *Orchestrator) HandleResult(runID string, res *registry.Result) {
	o.deliver(runID, loopEvent{kind: evResult, result: res})
}

// HandleAck ingests a dispatch_ack.
func (o *Orchestrator) HandleAck(runID, taskID string) {
	o.deliver(runID, loopEvent{kind: evAck, taskID: taskID})
}

// HandleWorkerCancel ingests a worker handing a task back. Unknown classes
// are treated as transient so the node gets another chance.
func (o *Orchestrator) HandleWorkerCancel(runID, taskID string, class wire.CancelClass, reason string) {
	o.deliver(runID, loopEvent{kind: evWorkerCancel, taskID: taskID, class: class, reason: reason})
}

// CancelRun finalises the run as cancelled and fans best-effort cancel
// commands out to the workers holding its tasks.
func (o *Orchestrator) CancelRun(ctx context.Context, runID, reason string) (*registry.CancelApplication, error) {
	app, err := o.registry.RequestCancel(runID)
	if err != nil {
		return nil, err
	}
	if app.AlreadyFinalised {
		return app, nil
	}
	for _, t := range app.InFlight {
		c := &wire.Cancel{RunID: runID, TaskID: t.TaskID, NodeID: t.NodeID, Reason: reason}
		if serr := o.sender.SendCancel(ctx, t.WorkerName, c); serr != nil {
			o.logger.Warn("cancel send failed",
				"run_id", runID,
				"worker", t.WorkerName,
				"task_id", t.TaskID,
				"error", serr,
			)
		}
	}
	o.notifier.RunFinished(runID, model.RunCancelled, nil)
	o.kick(runID)
	return app, nil
}

// WorkerLost requeues every task the named worker held and wakes the affected
// runs. The gateway calls it when a session's resume grace expires.
func (o *Orchestrator) WorkerLost(workerName string) {
	resets := o.registry.ResetWorkerTasks(workerName)
	kicked := make(map[string]bool, len(resets))
	for _, rs := range resets {
		if kicked[rs.RunID] {
			continue
		}
		kicked[rs.RunID] = true
		o.kick(rs.RunID)
	}
}

// Close stops every run loop. The registry keeps its state; late worker
// traffic still applies directly.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

type eventKind int

const (
	evResult eventKind = iota
	evAck
	evWorkerCancel
	evKick
)

type loopEvent struct {
	kind   eventKind
	result *registry.Result
	taskID string
	class  wire.CancelClass
	reason string
}

type runLoop struct {
	runID  string
	events chan loopEvent
	done   chan struct{}
}

// pendingDispatch tracks one sent-but-unacked dispatch.
type pendingDispatch struct {
	worker   string
	deadline time.Time
}

// loopState is the per-run dispatch bookkeeping. It lives on the loop
// goroutine's stack and is never shared.
type loopState struct {
	// pending maps task id to its ack deadline.
	pending map[string]pendingDispatch
	// hold defers redelivery of a unit until the backoff passes.
	hold map[string]time.Time
	// misses counts consecutive selection rounds that found no worker.
	misses map[string]int
}

func (o *Orchestrator) kick(runID string) {
	o.deliver(runID, loopEvent{kind: evKick})
}

func (o *Orchestrator) deliver(runID string, ev loopEvent) {
	o.mu.Lock()
	rl := o.loops[runID]
	o.mu.Unlock()
	if rl == nil {
		o.applyDirect(runID, ev)
		return
	}
	select {
	case rl.events <- ev:
	case <-rl.done:
		o.applyDirect(runID, ev)
	case <-o.ctx.Done():
	}
}

// applyDirect handles traffic for runs whose loop has retired. The registry
// answers statelessly: finalised and duplicate deliveries are no-ops.
func (o *Orchestrator) applyDirect(runID string, ev loopEvent) {
	var err error
	switch ev.kind {
	case evResult:
		_, err = o.registry.RecordResult(runID, ev.result)
	case evAck:
		_, err = o.registry.ConfirmDispatch(runID, ev.taskID)
	case evWorkerCancel:
		if ev.class == wire.CancelPermanent {
			_, err = o.registry.RecordResult(runID, &registry.Result{
				TaskID: ev.taskID,
				Status: model.NodeFailed,
				Error:  &model.NodeError{Code: "worker_cancelled_permanent", Message: ev.reason},
			})
		} else {
			_, err = o.registry.ResetDispatch(runID, ev.taskID)
		}
	case evKick:
	}
	if err != nil {
		o.logger.Debug("late event dropped", "run_id", runID, "error", err)
	}
}

func (o *Orchestrator) retire(rl *runLoop) {
	o.mu.Lock()
	delete(o.loops, rl.runID)
	o.mu.Unlock()
	close(rl.done)
}

func (o *Orchestrator) loop(rl *runLoop) {
	defer o.wg.Done()
	defer o.retire(rl)

	run, err := o.registry.Get(rl.runID)
	if err != nil {
		o.logger.Error("launch for unknown run", "run_id", rl.runID, "error", err)
		return
	}
	if run.Finalised() {
		return
	}

	lp := &loopState{
		pending: make(map[string]pendingDispatch),
		hold:    make(map[string]time.Time),
		misses:  make(map[string]int),
	}

	if o.pump(rl, lp) {
		return
	}

	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer timer.Stop()

	for {
		timerC := o.arm(rl, lp, timer)
		select {
		case <-o.ctx.Done():
			return
		case ev := <-rl.events:
			stopTimer(timer)
			if o.handle(rl, lp, ev) {
				return
			}
		case <-timerC:
			if o.expire(rl, lp) {
				return
			}
		}
		if o.pump(rl, lp) {
			return
		}
	}
}

// arm resets the loop timer to the earliest ack deadline, backoff hold or
// registry retry. Returns nil when nothing is scheduled, so the select blocks
// on events alone.
func (o *Orchestrator) arm(rl *runLoop, lp *loopState, timer *time.Timer) <-chan time.Time {
	next := o.nextWake(rl, lp)
	if next == nil {
		return nil
	}
	d := next.Sub(o.now())
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
	return timer.C
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func (o *Orchestrator) nextWake(rl *runLoop, lp *loopState) *time.Time {
	var next *time.Time
	earlier := func(t time.Time) {
		if next == nil || t.Before(*next) {
			tt := t
			next = &tt
		}
	}
	for _, pd := range lp.pending {
		earlier(pd.deadline)
	}
	for _, until := range lp.hold {
		earlier(until)
	}
	if rt, err := o.registry.NextRetry(rl.runID); err == nil && rt != nil {
		earlier(*rt)
	}
	return next
}

// pump dispatches every ready unit not backing off. New readiness only comes
// from results, so one pass over the ready set is enough. Reports whether the
// run reached a terminal status.
func (o *Orchestrator) pump(rl *runLoop, lp *loopState) bool {
	ready, err := o.registry.CollectReadyNodes(rl.runID)
	if err != nil {
		o.logger.Error("collect ready failed", "run_id", rl.runID, "error", err)
		return true
	}
	now := o.now()
	for key, until := range lp.hold {
		if !until.After(now) {
			delete(lp.hold, key)
		}
	}
	for _, rn := range ready {
		if _, held := lp.hold[unitKey(rn)]; held {
			continue
		}
		if o.dispatchUnit(rl, lp, rn, now) {
			return true
		}
	}
	return false
}

// dispatchUnit builds, validates and sends one dispatch, then records it.
// Reports whether the run reached a terminal status.
func (o *Orchestrator) dispatchUnit(rl *runLoop, lp *loopState, rn model.ReadyNode, now time.Time) bool {
	spec, err := o.registry.DescribeDispatch(rl.runID, rn)
	if err != nil {
		o.logger.Error("describe dispatch failed",
			"run_id", rl.runID, "node", rn.NodeID, "error", err)
		return false
	}

	d := buildDispatch(spec, registry.NewTaskID(), registry.NewDispatchID())
	if code, verr := validateDispatch(d); verr != nil {
		metrics.DispatchesTotal.WithLabelValues("invalid").Inc()
		o.logger.Error("dispatch failed chain validation",
			"run_id", rl.runID,
			"node", rn.NodeID,
			"host", rn.HostNodeID,
			"error", verr,
		)
		return o.failUndeliverable(rl, lp, rn, &model.NodeError{Code: code, Message: verr.Error()})
	}

	start := time.Now()
	pick, ok := o.selector.Select(spec, o.directory.Workers(), now)
	metrics.DispatchSelectionLatency.Observe(time.Since(start).Seconds())
	if !ok {
		return o.holdOrFail(rl, lp, rn, now)
	}
	delete(lp.misses, unitKey(rn))

	if spec.Package.Name != "" && o.packages != nil {
		refs, rerr := o.packages.ResourceRefs(o.ctx, spec.Package)
		if rerr != nil {
			// Refs only help cold workers prefetch; the candidate already
			// advertises the package.
			o.logger.Warn("package resolution failed, dispatching without refs",
				"package", spec.Package.String(), "error", rerr)
		} else {
			d.ResourceRefs = refs
		}
	}

	seq, err := o.sender.SendDispatch(o.ctx, pick.Name, d)
	if err != nil {
		metrics.DispatchesTotal.WithLabelValues("send_error").Inc()
		o.logger.Warn("dispatch send failed",
			"run_id", rl.runID, "node", rn.NodeID, "worker", pick.Name, "error", err)
		return o.holdOrFail(rl, lp, rn, now)
	}

	deadline := now.Add(o.cfg.AckTimeout)
	err = o.registry.MarkDispatched(rl.runID, registry.DispatchRecord{
		Node:        rn,
		TaskID:      d.TaskID,
		WorkerName:  pick.Name,
		DispatchID:  d.DispatchID,
		Seq:         seq,
		AckDeadline: deadline,
	})
	if err != nil {
		// The unit concluded (or the run finalised) between readiness and
		// send; tell the worker to drop the orphaned task.
		o.logger.Warn("dispatch superseded",
			"run_id", rl.runID, "node", rn.NodeID, "error", err)
		c := &wire.Cancel{RunID: rl.runID, TaskID: d.TaskID, NodeID: rn.NodeID, Reason: "superseded"}
		if cerr := o.sender.SendCancel(o.ctx, pick.Name, c); cerr != nil {
			o.logger.Warn("cancel send failed",
				"worker", pick.Name, "task_id", d.TaskID, "error", cerr)
		}
		return errors.Is(err, registry.ErrRunFinalised)
	}

	lp.pending[d.TaskID] = pendingDispatch{worker: pick.Name, deadline: deadline}
	metrics.DispatchesTotal.WithLabelValues("sent").Inc()
	o.notifier.NodeDispatched(rl.runID, rn.HostNodeID, middlewareOf(rn), pick.Name, d.TaskID, spec.Attempt)
	o.logger.Info("dispatched",
		"run_id", rl.runID,
		"node", rn.NodeID,
		"host", rn.HostNodeID,
		"worker", pick.Name,
		"task_id", d.TaskID,
		"seq", seq,
		"attempt", spec.Attempt,
	)
	return false
}

// holdOrFail backs an unplaceable unit off, failing it with
// worker_unavailable once the consecutive miss budget is spent.
func (o *Orchestrator) holdOrFail(rl *runLoop, lp *loopState, rn model.ReadyNode, now time.Time) bool {
	key := unitKey(rn)
	lp.misses[key]++
	if lp.misses[key] >= o.cfg.MaxAttempts {
		metrics.DispatchesTotal.WithLabelValues("no_worker").Inc()
		o.logger.Error("no eligible worker",
			"run_id", rl.runID, "node", rn.NodeID, "rounds", lp.misses[key])
		return o.failUndeliverable(rl, lp, rn, &model.NodeError{
			Code:    "worker_unavailable",
			Message: fmt.Sprintf("no eligible worker after %d selection rounds", lp.misses[key]),
		})
	}
	lp.hold[key] = now.Add(o.backoff(lp.misses[key]))
	o.logger.Debug("no eligible worker, holding",
		"run_id", rl.runID, "node", rn.NodeID, "round", lp.misses[key])
	return false
}

func (o *Orchestrator) failUndeliverable(rl *runLoop, lp *loopState, rn model.ReadyNode, nerr *model.NodeError) bool {
	key := unitKey(rn)
	delete(lp.misses, key)
	delete(lp.hold, key)
	app, err := o.registry.FailQueued(rl.runID, rn, nerr)
	if err != nil {
		o.logger.Error("fail queued unit",
			"run_id", rl.runID, "node", rn.NodeID, "error", err)
		return false
	}
	return o.applied(rl, app)
}

// handle applies one event. Reports whether the run reached a terminal
// status.
func (o *Orchestrator) handle(rl *runLoop, lp *loopState, ev loopEvent) bool {
	switch ev.kind {
	case evResult:
		delete(lp.pending, ev.result.TaskID)
		app, err := o.registry.RecordResult(rl.runID, ev.result)
		if err != nil {
			o.logger.Error("result apply failed",
				"run_id", rl.runID, "task_id", ev.result.TaskID, "error", err)
			return false
		}
		return o.applied(rl, app)

	case evAck:
		delete(lp.pending, ev.taskID)
		ok, err := o.registry.ConfirmDispatch(rl.runID, ev.taskID)
		if err != nil {
			o.logger.Error("ack apply failed",
				"run_id", rl.runID, "task_id", ev.taskID, "error", err)
		} else if !ok {
			o.logger.Debug("ack for unknown task",
				"run_id", rl.runID, "task_id", ev.taskID)
		}
		return false

	case evWorkerCancel:
		delete(lp.pending, ev.taskID)
		if ev.class != wire.CancelPermanent {
			out, err := o.registry.ResetDispatch(rl.runID, ev.taskID)
			if err != nil {
				o.logger.Error("worker cancel reset failed",
					"run_id", rl.runID, "task_id", ev.taskID, "error", err)
				return false
			}
			if out.Reset {
				o.logger.Info("task handed back, reselecting",
					"run_id", rl.runID, "node", out.Node.NodeID, "reason", ev.reason)
			}
			return false
		}
		app, err := o.registry.RecordResult(rl.runID, &registry.Result{
			TaskID: ev.taskID,
			Status: model.NodeFailed,
			Error: &model.NodeError{
				Code:    "worker_cancelled_permanent",
				Message: ev.reason,
			},
		})
		if err != nil {
			o.logger.Error("worker cancel apply failed",
				"run_id", rl.runID, "task_id", ev.taskID, "error", err)
			return false
		}
		return o.applied(rl, app)

	case evKick:
		run, err := o.registry.Get(rl.runID)
		if err != nil {
			return true
		}
		return run.Finalised()
	}
	return false
}

// expire sweeps pending ack deadlines. A reset that exhausts the attempt
// budget concludes the unit as dispatch_timeout.
func (o *Orchestrator) expire(rl *runLoop, lp *loopState) bool {
	now := o.now()
	for taskID, pd := range lp.pending {
		if pd.deadline.After(now) {
			continue
		}
		delete(lp.pending, taskID)
		out, err := o.registry.ResetExpiredDispatch(rl.runID, taskID)
		if err != nil {
			o.logger.Error("expired dispatch reset failed",
				"run_id", rl.runID, "task_id", taskID, "error", err)
			continue
		}
		if !out.Reset {
			// Acked or concluded while the timer was pending.
			continue
		}
		metrics.DispatchAckTimeouts.Inc()
		if out.Attempt >= o.cfg.MaxAttempts {
			o.logger.Error("dispatch attempts exhausted",
				"run_id", rl.runID, "node", out.Node.NodeID, "attempts", out.Attempt)
			if o.failUndeliverable(rl, lp, out.Node, &model.NodeError{
				Code:    "dispatch_timeout",
				Message: fmt.Sprintf("no ack from %s after %d attempts", pd.worker, out.Attempt),
			}) {
				return true
			}
			continue
		}
		o.logger.Warn("ack deadline expired, requeued",
			"run_id", rl.runID,
			"node", out.Node.NodeID,
			"worker", pd.worker,
			"task_id", taskID,
			"attempt", out.Attempt,
		)
		lp.hold[unitKey(out.Node)] = now.Add(o.backoff(out.Attempt))
	}
	return false
}

// applied publishes a registry application and reports whether it finished
// the run.
func (o *Orchestrator) applied(rl *runLoop, app *registry.ResultApplication) bool {
	if app.Finalised || app.Duplicate {
		return app.Finalised
	}
	o.notifier.NodeFinished(app)
	if app.RunFinished {
		o.logger.Info("run finished",
			"run_id", rl.runID, "status", string(app.RunStatus))
		o.notifier.RunFinished(rl.runID, app.RunStatus, app.RunError)
		return true
	}
	return false
}

// backoff returns the redelivery delay for attempt n: capped exponential with
// ±20% jitter so redispatch storms do not synchronise.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	d := o.cfg.BackoffBase << (attempt - 1)
	if d <= 0 || d > o.cfg.BackoffMax {
		d = o.cfg.BackoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(d)*2/5+1)) - d/5
	return d + jitter
}

// unitKey folds a ready unit to its loop-local identity, matching the
// registry's state key.
func unitKey(rn model.ReadyNode) string {
	if rn.IsMiddleware() {
		return model.MiddlewareStateKey(rn.HostNodeID, rn.NodeID)
	}
	return rn.NodeID
}

func middlewareOf(rn model.ReadyNode) string {
	if rn.IsMiddleware() {
		return rn.NodeID
	}
	return ""
}

// buildDispatch assembles the wire payload for one ready unit. The seq is
// assigned by the session writer at send time.
func buildDispatch(spec *registry.DispatchSpec, taskID, dispatchID string) *wire.Dispatch {
	return &wire.Dispatch{
		RunID:           spec.RunID,
		Tenant:          spec.Tenant,
		NodeID:          spec.NodeID,
		TaskID:          taskID,
		NodeType:        spec.NodeType,
		PackageName:     spec.Package.Name,
		PackageVersion:  spec.Package.Version,
		Parameters:      spec.Parameters,
		Affinity:        spec.Affinity,
		ConcurrencyKey:  spec.ConcurrencyKey,
		DispatchID:      dispatchID,
		HostNodeID:      spec.HostNodeID,
		MiddlewareChain: spec.MiddlewareChain,
		ChainIndex:      spec.ChainIndex,
	}
}

// validateDispatch enforces the chain invariants every dispatch must satisfy
// before it reaches a worker. The returned code is a reserved middleware-next
// error code.
func validateDispatch(d *wire.Dispatch) (string, error) {
	if d.ChainIndex == nil {
		if d.HostNodeID != "" && d.HostNodeID != d.NodeID {
			return model.NextInvalidChain,
				fmt.Errorf("host dispatch %s names foreign host %s", d.NodeID, d.HostNodeID)
		}
		return "", nil
	}
	if d.HostNodeID == "" || len(d.MiddlewareChain) == 0 {
		return model.NextNoChain,
			fmt.Errorf("middleware dispatch %s has no chain", d.NodeID)
	}
	idx := *d.ChainIndex
	if idx < 0 || idx >= len(d.MiddlewareChain) {
		return model.NextInvalidChain,
			fmt.Errorf("chain index %d out of range [0,%d)", idx, len(d.MiddlewareChain))
	}
	if d.MiddlewareChain[idx] != d.NodeID {
		return model.NextInvalidChain,
			fmt.Errorf("chain[%d]=%s does not name dispatched hop %s", idx, d.MiddlewareChain[idx], d.NodeID)
	}
	return "", nil
}

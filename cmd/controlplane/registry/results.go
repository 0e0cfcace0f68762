package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/weftlabs/weft/common/metrics"
	"github.com/weftlabs/weft/common/model"
)

// Backoff applied when a unit is requeued by result application: scoped-node
// retries under a container retry policy, and transient middleware hop
// failures. The orchestrator owns dispatch-level (ack timeout) backoff
// separately.
const (
	defaultRetryBase = 250 * time.Millisecond
	defaultRetryMult = 2.0
	maxRetryDelay    = 30 * time.Second
	maxHopDispatches = 5
)

// Result is a worker-reported (or control-plane synthesised) task outcome.
type Result struct {
	TaskID     string
	Status     model.NodeStatus
	Result     json.RawMessage
	Error      *model.NodeError
	Metadata   json.RawMessage
	DurationMS int64
}

// ResultApplication reports everything a result did to the run, so the
// orchestrator can emit events, arm retry timers and dispatch newly ready
// units without re-reading state.
type ResultApplication struct {
	RunID      string
	NodeID     string
	Middleware string
	Status     model.NodeStatus

	// Finalised: the run was already terminal, nothing was applied.
	// Duplicate: the task id is unknown or concluded, nothing was applied.
	Finalised bool
	Duplicate bool

	// RetryAt is set when the unit was requeued with a backoff instead of
	// concluding.
	RetryAt *time.Time

	// HostFailed marks a permanent hop failure that failed its host node.
	HostFailed bool

	// Skipped lists every unit marked skipped by propagation.
	Skipped []string

	NewlyReady []model.ReadyNode

	RunFinished bool
	RunStatus   model.RunStatus
	RunError    *model.NodeError
}

// RecordResult applies one task result to the run: terminal state, edge
// bindings, chain cursor movement, container completion, retry scheduling,
// skip propagation and terminal aggregation. Results for finalised runs and
// unknown or concluded tasks are reported as no-ops rather than errors, since
// both are expected under at-least-once delivery.
func (r *Registry) RecordResult(runID string, res *Result) (*ResultApplication, error) {
	e, err := r.entry(runID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	app := &ResultApplication{RunID: runID, Status: res.Status}

	if e.run.Finalised() {
		app.Finalised = true
		app.RunStatus = e.run.Status
		return app, nil
	}

	key, ok := e.tasks[res.TaskID]
	if !ok {
		app.Duplicate = true
		return app, nil
	}
	st, ok := e.state(key)
	if !ok || st.TaskID != res.TaskID || st.Status != model.NodeRunning {
		app.Duplicate = true
		return app, nil
	}
	delete(e.tasks, res.TaskID)

	now := r.now()
	hostID, mwID, isHop := e.hopOf(key)
	app.NodeID = key
	if isHop {
		app.NodeID = hostID
		app.Middleware = mwID
	}

	switch res.Status {
	case model.NodeSucceeded:
		if err := e.applySuccess(key, hostID, isHop, st, res, now); err != nil {
			// A binding that cannot be written is a control-plane defect;
			// the unit fails with internal_error and the run aggregates
			// normally.
			r.logger.Error("binding apply failed",
				"run_id", runID, "node", app.NodeID, "error", err)
			ie := &model.NodeError{Code: "internal_error", Message: err.Error()}
			e.applyFailure(key, hostID, isHop, st, model.NodeFailed, ie, now, app)
		}
	case model.NodeSkipped:
		e.applyWorkerSkip(key, hostID, isHop, st, res, now, app)
	case model.NodeFailed, model.NodeCancelled:
		errInfo := res.Error
		if errInfo == nil {
			errInfo = &model.NodeError{Code: "task_failed", Message: "worker reported failure without detail"}
		}
		st.DurationMS = res.DurationMS
		e.applyFailure(key, hostID, isHop, st, res.Status, errInfo, now, app)
	default:
		return nil, fmt.Errorf("invalid result status %q for task %s", res.Status, res.TaskID)
	}

	e.finaliseIfIdle(now, app)
	if !e.run.Finalised() {
		app.NewlyReady = e.collectReady(now)
	} else {
		app.RunStatus = e.run.Status
		app.RunError = e.run.Error
	}

	r.logger.Debug("result applied",
		"run_id", runID,
		"node", app.NodeID,
		"middleware", app.Middleware,
		"status", string(res.Status),
		"skipped", len(app.Skipped),
		"ready", len(app.NewlyReady),
		"run_finished", app.RunFinished,
	)
	return app, nil
}

// hopOf reports whether a state key addresses a middleware hop.
func (e *runEntry) hopOf(key string) (hostID, mwID string, isHop bool) {
	if _, ok := e.run.Nodes[key]; ok {
		return "", "", false
	}
	hostID, mwID, _ = splitHopKey(key)
	return hostID, mwID, true
}

// applySuccess records a successful outcome. Hop successes advance the host's
// chain cursor; node successes apply outgoing bindings and, for scope sinks,
// complete or re-iterate the enclosing container.
func (e *runEntry) applySuccess(key, hostID string, isHop bool, st *model.NodeState, res *Result, now time.Time) error {
	st.Status = model.NodeSucceeded
	st.Results = cloneRaw(res.Result)
	st.Error = nil
	st.RetryAt = nil
	st.FinishedAt = &now
	st.DurationMS = res.DurationMS

	if isHop {
		e.run.Nodes[hostID].ChainCursor++
		return nil
	}

	if err := e.applyBindings(key, st.Results); err != nil {
		return err
	}
	return e.sinkConcluded(key, model.NodeSucceeded, now, nil)
}

// sinkConcluded checks whether key is a container's scope sink and, if so,
// either starts the next loop iteration or concludes the container with the
// sink's status and results. Non-sink keys are a no-op.
func (e *runEntry) sinkConcluded(key string, status model.NodeStatus, now time.Time, app *ResultApplication) error {
	containerID, ok := e.run.ScopeIndex.ScopeOf(key)
	if !ok || e.scopeSink[containerID] != key {
		return nil
	}
	cdef := e.nodes[containerID]
	cst := e.run.Nodes[containerID]
	if cst.Status != model.NodeQueued {
		// The container already concluded (scope failure, cancel).
		return nil
	}

	if status == model.NodeSucceeded && cdef.Loop != nil && cst.Iteration < cdef.Loop.MaxIterations {
		return e.resetScopeForIteration(containerID, cst, now)
	}

	sinkSt := e.run.Nodes[key]
	cst.Status = status
	cst.FinishedAt = &now
	switch status {
	case model.NodeSucceeded:
		cst.Results = cloneRaw(sinkSt.Results)
		return e.applyBindings(containerID, cst.Results)
	default:
		// A skipped or cancelled sink yields no results; downstream nodes
		// of the container can never resolve their inputs.
		e.markDependentsSkipped(containerID, app)
	}
	return nil
}

// resetScopeForIteration rearms every scope member for the next pass. Member
// parameters are reseeded from their definitions, so in-scope binding writes
// from the previous pass do not leak forward; the entry node re-merges the
// container's parameters exactly like first activation.
func (e *runEntry) resetScopeForIteration(containerID string, cst *model.NodeState, now time.Time) error {
	for _, id := range e.scopeNodes[containerID] {
		def := e.nodes[id]
		st := e.run.Nodes[id]
		st.Status = model.NodeQueued
		st.ClearDispatch()
		st.Parameters = cloneRaw(def.Parameters)
		st.Results = nil
		st.Error = nil
		st.RetryAt = nil
		st.StartedAt = nil
		st.FinishedAt = nil
		st.Attempt = 0
		st.ChainCursor = 0
		st.DurationMS = 0
		for _, mwID := range st.Chain {
			ms := e.run.MiddlewareStates[model.MiddlewareStateKey(id, mwID)]
			e.resetHopState(id, mwID, ms)
		}
	}
	cst.Iteration++
	return e.seedScopeEntry(containerID, cst)
}

// resetHopState rearms one middleware hop with its definition's parameters.
func (e *runEntry) resetHopState(hostID, mwID string, ms *model.NodeState) {
	def := e.nodes[hostID]
	var seed json.RawMessage
	for i := range def.Middlewares {
		if def.Middlewares[i].ID == mwID {
			seed = cloneRaw(def.Middlewares[i].Parameters)
			break
		}
	}
	ms.Status = model.NodeQueued
	ms.ClearDispatch()
	ms.Parameters = seed
	ms.Results = nil
	ms.Error = nil
	ms.RetryAt = nil
	ms.StartedAt = nil
	ms.FinishedAt = nil
	ms.Attempt = 0
	ms.DurationMS = 0
}

// seedScopeEntry merges the container's parameters over the entry node's
// seeded parameters, making the container's inputs visible inside the scope.
func (e *runEntry) seedScopeEntry(containerID string, cst *model.NodeState) error {
	entryID := e.scopeEntry[containerID]
	est := e.run.Nodes[entryID]
	merged, err := mergeParams(est.Parameters, cst.Parameters)
	if err != nil {
		return fmt.Errorf("seed scope entry %s: %w", entryID, err)
	}
	est.Parameters = merged
	return nil
}

// applyBindings copies each bound source value into its target's parameters.
// A source path absent from the results is not an error: the binding simply
// does not fire, and the target stays unresolved.
func (e *runEntry) applyBindings(sourceKey string, results json.RawMessage) error {
	bindings := e.run.Bindings[sourceKey]
	if len(bindings) == 0 {
		return nil
	}
	start := time.Now()
	for i := range bindings {
		b := &bindings[i]
		val := gjson.GetBytes(results, gjsonPath(b.SourcePath, model.ResultsRoot))
		if !val.Exists() {
			continue
		}
		var target *model.NodeState
		if b.TargetMiddleware != "" {
			target = e.run.MiddlewareStates[model.MiddlewareStateKey(b.TargetNode, b.TargetMiddleware)]
		} else {
			target = e.run.Nodes[b.TargetNode]
		}
		if target == nil {
			return fmt.Errorf("edge %s: unknown target %s", b.EdgeID, b.TargetNode)
		}
		params := target.Parameters
		if len(params) == 0 {
			params = json.RawMessage("{}")
		}
		updated, err := sjson.SetRawBytes(params, gjsonPath(b.TargetPath, model.ParametersRoot), []byte(val.Raw))
		if err != nil {
			return fmt.Errorf("edge %s: write %s: %w", b.EdgeID, b.TargetPath, err)
		}
		target.Parameters = updated
	}
	metrics.BindingApplyDuration.Observe(time.Since(start).Seconds())
	return nil
}

// applyFailure records a failed or cancelled outcome. Hops classify their
// error code into a bounded requeue or a host failure; scoped nodes consult
// the container's retry policy before failing the scope.
func (e *runEntry) applyFailure(key, hostID string, isHop bool, st *model.NodeState, status model.NodeStatus, errInfo *model.NodeError, now time.Time, app *ResultApplication) {
	if isHop {
		if status == model.NodeFailed && transientHopCode(errInfo.Code) && st.Attempt < maxHopDispatches {
			st.Status = model.NodeQueued
			st.ClearDispatch()
			st.Error = errInfo
			retryAt := now.Add(backoffDelay(nil, st.Attempt))
			st.RetryAt = &retryAt
			app.RetryAt = &retryAt
			return
		}
		st.Status = status
		st.Error = errInfo
		st.FinishedAt = &now
		app.HostFailed = true
		e.failNode(hostID, status, errInfo, now, app)
		return
	}

	if containerID, scoped := e.run.ScopeIndex.ScopeOf(key); scoped && status == model.NodeFailed {
		pol := e.nodes[containerID].Retry
		if pol != nil && pol.MaxAttempts > 0 && st.Attempt < pol.MaxAttempts {
			e.requeueForRetry(key, st, errInfo, pol, now, app)
			return
		}
	}
	st.Status = status
	st.Error = errInfo
	st.FinishedAt = &now
	e.concludeFailedNode(key, status, errInfo, now, app)
}

// failNode concludes a node as failed/cancelled on behalf of something other
// than its own result (a permanent hop failure).
func (e *runEntry) failNode(key string, status model.NodeStatus, errInfo *model.NodeError, now time.Time, app *ResultApplication) {
	st := e.run.Nodes[key]
	if st == nil || st.Status.Terminal() {
		return
	}
	st.Status = status
	st.Error = errInfo
	st.FinishedAt = &now
	e.concludeFailedNode(key, status, errInfo, now, app)
}

// concludeFailedNode handles everything downstream of a node becoming
// failed/cancelled: pending hops are skipped, an enclosing container fails
// with the node's error, and dependents that can no longer resolve their
// inputs are skipped. Only non-optional failures set the run error.
func (e *runEntry) concludeFailedNode(key string, status model.NodeStatus, errInfo *model.NodeError, now time.Time, app *ResultApplication) {
	e.skipQueuedHops(key, app)

	def := e.nodes[key]
	if containerID, scoped := e.run.ScopeIndex.ScopeOf(key); scoped {
		e.skipScopeRemainder(containerID, app)
		cst := e.run.Nodes[containerID]
		if !cst.Status.Terminal() {
			cst.Status = status
			cst.Error = errInfo
			cst.FinishedAt = &now
		}
		key = containerID
		def = e.nodes[containerID]
	}

	if !def.Optional && e.run.Error == nil {
		e.run.Error = errInfo
	}
	e.markDependentsSkipped(key, app)
}

// requeueForRetry rearms a scoped node under its container's retry policy.
// Parameters are kept: they were resolved from in-scope sources that already
// succeeded. Chain progress is reset so the retry re-runs its middlewares.
func (e *runEntry) requeueForRetry(key string, st *model.NodeState, errInfo *model.NodeError, pol *model.RetryPolicy, now time.Time, app *ResultApplication) {
	st.Status = model.NodeQueued
	st.ClearDispatch()
	st.Results = nil
	st.Error = errInfo
	st.ChainCursor = 0
	for _, mwID := range st.Chain {
		ms := e.run.MiddlewareStates[model.MiddlewareStateKey(key, mwID)]
		e.resetHopState(key, mwID, ms)
	}
	retryAt := now.Add(backoffDelay(pol, st.Attempt))
	st.RetryAt = &retryAt
	app.RetryAt = &retryAt
}

// applyWorkerSkip records a worker-reported skipped outcome. A skipped hop is
// a no-op for its chain; a skipped node propagates skips downstream the same
// way an unresolvable input does.
func (e *runEntry) applyWorkerSkip(key, hostID string, isHop bool, st *model.NodeState, res *Result, now time.Time, app *ResultApplication) {
	st.Status = model.NodeSkipped
	st.FinishedAt = &now
	st.DurationMS = res.DurationMS

	if isHop {
		e.run.Nodes[hostID].ChainCursor++
		return
	}

	app.Skipped = append(app.Skipped, key)
	if containerID, scoped := e.run.ScopeIndex.ScopeOf(key); scoped && e.scopeSink[containerID] == key {
		_ = e.sinkConcluded(key, model.NodeSkipped, now, app)
		return
	}
	e.markDependentsSkipped(key, app)
}

// markDependentsSkipped walks outgoing bindings from key and marks every
// still-queued target skipped, transitively. Running targets are left alone;
// their own results conclude them.
func (e *runEntry) markDependentsSkipped(key string, app *ResultApplication) {
	queue := []string{key}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, b := range e.run.Bindings[cur] {
			target := b.TargetNode
			st := e.run.Nodes[target]
			if st == nil || st.Status != model.NodeQueued {
				continue
			}
			st.Status = model.NodeSkipped
			if app != nil {
				app.Skipped = append(app.Skipped, target)
			}
			e.skipQueuedHops(target, app)
			if e.nodes[target].IsContainer() {
				e.skipScopeRemainder(target, app)
			}
			if containerID, scoped := e.run.ScopeIndex.ScopeOf(target); scoped && e.scopeSink[containerID] == target {
				cst := e.run.Nodes[containerID]
				if cst.Status == model.NodeQueued {
					cst.Status = model.NodeSkipped
					if app != nil {
						app.Skipped = append(app.Skipped, containerID)
					}
					queue = append(queue, containerID)
				}
			}
			queue = append(queue, target)
		}
	}
}

// skipQueuedHops skips the not-yet-run middleware hops of a concluded host.
func (e *runEntry) skipQueuedHops(hostID string, app *ResultApplication) {
	st := e.run.Nodes[hostID]
	if st == nil {
		return
	}
	for _, mwID := range st.Chain {
		ms := e.run.MiddlewareStates[model.MiddlewareStateKey(hostID, mwID)]
		if ms != nil && ms.Status == model.NodeQueued {
			ms.Status = model.NodeSkipped
			if app != nil {
				app.Skipped = append(app.Skipped, model.MiddlewareStateKey(hostID, mwID))
			}
		}
	}
}

// skipScopeRemainder skips every still-queued member of a scope whose
// container concluded. Running members are left to conclude on their own;
// their late results apply against an already-terminal container.
func (e *runEntry) skipScopeRemainder(containerID string, app *ResultApplication) {
	for _, id := range e.scopeNodes[containerID] {
		st := e.run.Nodes[id]
		if st.Status == model.NodeQueued {
			st.Status = model.NodeSkipped
			if app != nil {
				app.Skipped = append(app.Skipped, id)
			}
		}
		e.skipQueuedHops(id, app)
	}
}

// collectReady returns every dispatchable unit: queued nodes with resolved
// inputs and no backoff pending, respecting scope activation and middleware
// chain order. Containers never dispatch; a ready container activates its
// scope instead. Callers must hold e.mu.
func (e *runEntry) collectReady(now time.Time) []model.ReadyNode {
	if e.run.Finalised() {
		return nil
	}
	var ready []model.ReadyNode
	for _, id := range e.order {
		def := e.nodes[id]
		st := e.run.Nodes[id]
		if st.Status != model.NodeQueued {
			continue
		}
		if st.RetryAt != nil && st.RetryAt.After(now) {
			continue
		}
		if containerID, scoped := e.run.ScopeIndex.ScopeOf(id); scoped {
			cst := e.run.Nodes[containerID]
			if cst.Status != model.NodeQueued || cst.Iteration == 0 {
				continue
			}
		}
		if !e.inputsResolved(id) {
			continue
		}
		if def.IsContainer() {
			if st.Iteration == 0 {
				e.activateScope(id, st, now)
			}
			continue
		}
		if st.ChainCursor < len(st.Chain) {
			mwID := st.Chain[st.ChainCursor]
			ms := e.run.MiddlewareStates[model.MiddlewareStateKey(id, mwID)]
			if ms.Status == model.NodeQueued && (ms.RetryAt == nil || !ms.RetryAt.After(now)) {
				ready = append(ready, model.ReadyNode{
					RunID:      e.run.RunID,
					NodeID:     mwID,
					HostNodeID: id,
					ChainIndex: st.ChainCursor,
				})
			}
			continue
		}
		ready = append(ready, model.ReadyNode{
			RunID:      e.run.RunID,
			NodeID:     id,
			HostNodeID: id,
			ChainIndex: -1,
		})
	}
	return ready
}

// inputsResolved reports whether every incoming binding of id has fired: the
// source concluded successfully and the bound path exists in its results.
func (e *runEntry) inputsResolved(id string) bool {
	for _, b := range e.incoming[id] {
		src := e.run.Nodes[b.SourceNode]
		if src == nil || src.Status != model.NodeSucceeded {
			return false
		}
		if !gjson.GetBytes(src.Results, gjsonPath(b.SourcePath, model.ResultsRoot)).Exists() {
			return false
		}
	}
	return true
}

// activateScope opens a container's scope for its first iteration. The
// container itself stays queued with Iteration > 0 while members execute;
// it concludes when its sink does.
func (e *runEntry) activateScope(containerID string, cst *model.NodeState, now time.Time) {
	cst.Iteration = 1
	cst.StartedAt = &now
	if err := e.seedScopeEntry(containerID, cst); err != nil {
		// Validation guarantees object-shaped parameters, so this is a
		// control-plane defect; the container fails and the run aggregates.
		e.failNode(containerID, model.NodeFailed,
			&model.NodeError{Code: "internal_error", Message: err.Error()}, now, nil)
	}
}

// finaliseIfIdle concludes the run once nothing can make progress: no unit
// running, no retry armed, nothing ready. Queued stragglers at that point are
// unreachable and are marked skipped before aggregation. The run succeeds
// only if no non-optional top-level node failed and at least one sink node
// succeeded.
func (e *runEntry) finaliseIfIdle(now time.Time, app *ResultApplication) {
	if e.run.Finalised() {
		return
	}
	for _, st := range e.run.Nodes {
		if st.Status == model.NodeRunning {
			return
		}
	}
	for _, st := range e.run.MiddlewareStates {
		if st.Status == model.NodeRunning {
			return
		}
	}
	if e.retryPending() {
		return
	}
	if len(e.collectReady(now)) > 0 {
		return
	}

	for key, st := range e.run.Nodes {
		if st.Status == model.NodeQueued {
			st.Status = model.NodeSkipped
			app.Skipped = append(app.Skipped, key)
		}
	}
	for key, ms := range e.run.MiddlewareStates {
		if ms.Status == model.NodeQueued {
			ms.Status = model.NodeSkipped
			app.Skipped = append(app.Skipped, key)
		}
	}

	status := model.RunSucceeded
	for _, id := range e.order {
		if _, scoped := e.run.ScopeIndex.ScopeOf(id); scoped {
			continue
		}
		st := e.run.Nodes[id]
		if (st.Status == model.NodeFailed || st.Status == model.NodeCancelled) && !e.nodes[id].Optional {
			status = model.RunFailed
			break
		}
	}
	if status == model.RunSucceeded {
		sinkOK := false
		for _, id := range e.sinks {
			if e.run.Nodes[id].Status == model.NodeSucceeded {
				sinkOK = true
				break
			}
		}
		if !sinkOK {
			status = model.RunFailed
			if e.run.Error == nil {
				e.run.Error = &model.NodeError{Code: "no_sink_succeeded", Message: "no sink node produced results"}
			}
		}
	}

	e.run.Status = status
	e.run.FinishedAt = &now
	app.RunFinished = true
	app.RunStatus = status
	app.RunError = e.run.Error

	metrics.RunsActive.Dec()
	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
}

// retryPending reports whether any queued unit is waiting out a backoff.
func (e *runEntry) retryPending() bool {
	for _, st := range e.run.Nodes {
		if st.Status == model.NodeQueued && st.RetryAt != nil {
			return true
		}
	}
	for _, ms := range e.run.MiddlewareStates {
		if ms.Status == model.NodeQueued && ms.RetryAt != nil {
			return true
		}
	}
	return false
}

// transientHopCode reports whether a hop error code means "requeue the hop"
// rather than "fail the host". Duplicate and run-finalised deliveries are
// treated as transient: the hop requeues and the registry resolves the truth
// on its next conclusion.
func transientHopCode(code string) bool {
	switch code {
	case model.NextTargetNotReady, model.NextTimeout, model.NextUnavailable,
		model.NextDuplicate, model.NextRunFinalised:
		return true
	}
	return false
}

// backoffDelay computes the requeue delay for attempt n (1-based) under a
// retry policy, falling back to the package defaults.
func backoffDelay(pol *model.RetryPolicy, attempt int) time.Duration {
	base := defaultRetryBase
	if pol != nil && pol.BackoffMS > 0 {
		base = time.Duration(pol.BackoffMS) * time.Millisecond
	}
	mult := defaultRetryMult
	if pol != nil && pol.BackoffMultiplier > 1 {
		mult = pol.BackoffMultiplier
	}
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(base) * math.Pow(mult, float64(attempt-1)))
	if d <= 0 || d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

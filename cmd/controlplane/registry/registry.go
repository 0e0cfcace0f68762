// Package registry owns all mutable run state: the immutable workflow
// snapshot per run, per-node execution state, derived edge bindings and
// container scopes, readiness computation and terminal aggregation. Every
// mutation is serialised by a run-scoped mutex; parallel runs never contend.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/common/metrics"
	"github.com/weftlabs/weft/common/model"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Sentinel errors the service layer maps onto API error kinds.
var (
	ErrRunNotFound   = errors.New("run not found")
	ErrRunExists     = errors.New("run already exists")
	ErrRunFinalised  = errors.New("run is finalised")
	ErrInvalidCursor = errors.New("invalid list cursor")
	ErrNotQueued     = errors.New("node is not queued")
)

// Registry is the owner of all run records.
type Registry struct {
	logger Logger
	now    func() time.Time

	mu   sync.RWMutex
	runs map[string]*runEntry
}

// RegistryOpts contains options for creating a registry
type RegistryOpts struct {
	Logger Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// NewRegistry creates a new run registry
func NewRegistry(opts *RegistryOpts) *Registry {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		logger: opts.Logger,
		now:    now,
		runs:   make(map[string]*runEntry),
	}
}

// CreateRun validates the snapshot, derives scopes and bindings, and
// initialises every node to queued. The caller surfaces validation errors
// as invalid_workflow; no run state is created on failure.
func (r *Registry) CreateRun(runID, tenant, clientID string, wf *model.Workflow) (*model.Run, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}

	entry, err := buildRunEntry(runID, tenant, clientID, wf, r.now())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[runID]; exists {
		return nil, fmt.Errorf("%s: %w", runID, ErrRunExists)
	}
	r.runs[runID] = entry

	metrics.RunsActive.Inc()
	r.logger.Info("run created",
		"run_id", runID,
		"tenant", tenant,
		"nodes", len(entry.run.Nodes),
		"scopes", len(entry.scopeNodes),
	)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.snapshot(), nil
}

// Get returns a read-safe copy of the run record.
func (r *Registry) Get(runID string) (*model.Run, error) {
	e, err := r.entry(runID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), nil
}

// ListFilter narrows and pages List results. Cursor is the run id of the
// last item of the previous page.
type ListFilter struct {
	Status   model.RunStatus
	ClientID string
	Limit    int
	Cursor   string
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// List returns run snapshots newest-first with cursor paging. The returned
// cursor is empty once the final page is reached.
func (r *Registry) List(f ListFilter) ([]*model.Run, string, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	r.mu.RLock()
	entries := make([]*runEntry, 0, len(r.runs))
	for _, e := range r.runs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	all := make([]*model.Run, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if f.Status != "" && e.run.Status != f.Status {
			e.mu.Unlock()
			continue
		}
		if f.ClientID != "" && e.run.ClientID != f.ClientID {
			e.mu.Unlock()
			continue
		}
		all = append(all, e.snapshot())
		e.mu.Unlock()
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].RunID < all[j].RunID
	})

	start := 0
	if f.Cursor != "" {
		found := false
		for i, run := range all {
			if run.RunID == f.Cursor {
				start = i + 1
				found = true
				break
			}
		}
		if !found {
			return nil, "", fmt.Errorf("%s: %w", f.Cursor, ErrInvalidCursor)
		}
	}

	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	page := all[start:end]

	next := ""
	if end < len(all) && len(page) > 0 {
		next = page[len(page)-1].RunID
	}
	return page, next, nil
}

// CollectReadyNodes returns every currently dispatchable unit of a run.
// Collecting activates container scopes whose inputs resolved, so their
// entry nodes surface in the same pass.
func (r *Registry) CollectReadyNodes(runID string) ([]model.ReadyNode, error) {
	e, err := r.entry(runID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.collectReady(r.now()), nil
}

// DispatchSpec is everything the orchestrator needs to build one dispatch
// frame for a ready unit.
type DispatchSpec struct {
	RunID          string
	Tenant         string
	NodeID         string
	NodeType       string
	Package        model.PackageRef
	Parameters     []byte
	Affinity       string
	ConcurrencyKey string
	Attempt        int

	HostNodeID      string
	MiddlewareChain []string
	ChainIndex      *int
}

// DescribeDispatch snapshots the dispatch-relevant fields of a ready unit.
// Parameters are final at this point: readiness required every incoming
// binding to be applied already.
func (r *Registry) DescribeDispatch(runID string, rn model.ReadyNode) (*DispatchSpec, error) {
	e, err := r.entry(runID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	host, ok := e.nodes[rn.HostNodeID]
	if !ok {
		return nil, fmt.Errorf("unknown node %s in run %s", rn.HostNodeID, runID)
	}

	spec := &DispatchSpec{
		RunID:          runID,
		Tenant:         e.run.Tenant,
		NodeID:         rn.NodeID,
		HostNodeID:     rn.HostNodeID,
		Affinity:       host.Affinity,
		ConcurrencyKey: runID + "/" + rn.HostNodeID,
	}

	if rn.IsMiddleware() {
		mw, ok := host.MiddlewareByID(rn.NodeID)
		if !ok {
			return nil, fmt.Errorf("unknown middleware %s on node %s", rn.NodeID, rn.HostNodeID)
		}
		ms, ok := e.run.MiddlewareState(rn.HostNodeID, rn.NodeID)
		if !ok {
			return nil, fmt.Errorf("missing middleware state %s/%s", rn.HostNodeID, rn.NodeID)
		}
		idx := rn.ChainIndex
		spec.NodeType = mw.Type
		spec.Package = mw.Package
		spec.Parameters = cloneRaw(ms.Parameters)
		spec.MiddlewareChain = e.run.Nodes[rn.HostNodeID].Chain
		spec.ChainIndex = &idx
		spec.Attempt = ms.Attempt + 1
		return spec, nil
	}

	st, ok := e.run.Nodes[rn.NodeID]
	if !ok {
		return nil, fmt.Errorf("unknown node %s in run %s", rn.NodeID, runID)
	}
	spec.NodeType = host.Type
	spec.Package = host.Package
	spec.Parameters = cloneRaw(st.Parameters)
	spec.Attempt = st.Attempt + 1
	return spec, nil
}

// DispatchRecord is the bookkeeping MarkDispatched stores on the node.
type DispatchRecord struct {
	Node        model.ReadyNode
	TaskID      string
	WorkerName  string
	DispatchID  string
	Seq         uint64
	AckDeadline time.Time
}

// MarkDispatched transitions a queued unit to running and records which
// worker holds it. Idempotent on DispatchID: replaying the same dispatch
// leaves the record unchanged.
func (r *Registry) MarkDispatched(runID string, rec DispatchRecord) error {
	e, err := r.entry(runID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.run.Finalised() {
		return fmt.Errorf("%s: %w", runID, ErrRunFinalised)
	}

	key := stateKey(rec.Node)
	st, ok := e.state(key)
	if !ok {
		return fmt.Errorf("unknown node %s in run %s", key, runID)
	}

	if st.DispatchID == rec.DispatchID && rec.DispatchID != "" {
		return nil
	}
	if st.Status != model.NodeQueued {
		return fmt.Errorf("%s: %w (status %s)", key, ErrNotQueued, st.Status)
	}

	now := r.now()
	deadline := rec.AckDeadline
	st.Status = model.NodeRunning
	st.WorkerName = rec.WorkerName
	st.TaskID = rec.TaskID
	st.DispatchID = rec.DispatchID
	st.SeqUsed = rec.Seq
	st.AckDeadline = &deadline
	st.AckedAt = nil
	st.Attempt++
	st.RetryAt = nil
	if st.StartedAt == nil {
		st.StartedAt = &now
	}
	e.tasks[rec.TaskID] = key

	if e.run.Status == model.RunQueued {
		e.run.Status = model.RunRunning
	}
	return nil
}

// ConfirmDispatch records the worker's dispatch_ack for a task. An unknown
// task is reported so the caller can log it; the usual cause is an ack
// racing a deadline reset.
func (r *Registry) ConfirmDispatch(runID, taskID string) (bool, error) {
	e, err := r.entry(runID)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	key, ok := e.tasks[taskID]
	if !ok {
		return false, nil
	}
	st, ok := e.state(key)
	if !ok || st.TaskID != taskID {
		return false, nil
	}
	now := r.now()
	st.AckedAt = &now
	return true, nil
}

// ResetOutcome reports what a dispatch reset did.
type ResetOutcome struct {
	Reset   bool
	Node    model.ReadyNode
	Attempt int
}

// ResetDispatch hands a running task back to the ready set: status returns
// to queued and the dispatch bookkeeping is cleared. Used for transient
// worker cancels and for dispatches whose ack deadline expired. Resetting a
// task that already concluded (or was already reset) is a no-op.
func (r *Registry) ResetDispatch(runID, taskID string) (*ResetOutcome, error) {
	e, err := r.entry(runID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.run.Finalised() {
		return &ResetOutcome{}, nil
	}
	key, ok := e.tasks[taskID]
	if !ok {
		return &ResetOutcome{}, nil
	}
	return e.resetTask(key, taskID)
}

// ResetExpiredDispatch requeues a running task only if its dispatch_ack never
// arrived. The orchestrator's deadline timer calls this; an ack racing the
// timer wins and the reset becomes a no-op.
func (r *Registry) ResetExpiredDispatch(runID, taskID string) (*ResetOutcome, error) {
	e, err := r.entry(runID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.run.Finalised() {
		return &ResetOutcome{}, nil
	}
	key, ok := e.tasks[taskID]
	if !ok {
		return &ResetOutcome{}, nil
	}
	st, ok := e.state(key)
	if !ok || st.TaskID != taskID || st.AckedAt != nil {
		return &ResetOutcome{}, nil
	}
	return e.resetTask(key, taskID)
}

// resetTask requeues one running state. Callers must hold e.mu.
func (e *runEntry) resetTask(key, taskID string) (*ResetOutcome, error) {
	st, ok := e.state(key)
	if !ok || st.TaskID != taskID || st.Status != model.NodeRunning {
		return &ResetOutcome{}, nil
	}

	st.Status = model.NodeQueued
	st.ClearDispatch()
	delete(e.tasks, taskID)

	return &ResetOutcome{
		Reset:   true,
		Node:    e.readyNodeFor(key),
		Attempt: st.Attempt,
	}, nil
}

// readyNodeFor rebuilds the ReadyNode form for a state key.
func (e *runEntry) readyNodeFor(key string) model.ReadyNode {
	if _, ok := e.run.Nodes[key]; ok {
		return model.ReadyNode{RunID: e.run.RunID, NodeID: key, HostNodeID: key, ChainIndex: -1}
	}
	hostID, mwID, _ := splitHopKey(key)
	cursor := 0
	if hs, ok := e.run.Nodes[hostID]; ok {
		cursor = hs.ChainCursor
	}
	return model.ReadyNode{RunID: e.run.RunID, NodeID: mwID, HostNodeID: hostID, ChainIndex: cursor}
}

// WorkerTaskReset describes one task handed back when a worker's session
// closed for good.
type WorkerTaskReset struct {
	RunID   string
	TaskID  string
	Node    model.ReadyNode
	Attempt int
}

// ResetWorkerTasks requeues every running task held by a worker across all
// live runs. The gateway calls it when a session's resume grace expires.
func (r *Registry) ResetWorkerTasks(workerName string) []WorkerTaskReset {
	r.mu.RLock()
	entries := make([]*runEntry, 0, len(r.runs))
	for _, e := range r.runs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var resets []WorkerTaskReset
	for _, e := range entries {
		e.mu.Lock()
		if e.run.Finalised() {
			e.mu.Unlock()
			continue
		}
		for taskID, key := range e.tasks {
			st, ok := e.state(key)
			if !ok || st.WorkerName != workerName || st.Status != model.NodeRunning {
				continue
			}
			out, _ := e.resetTask(key, taskID)
			if out.Reset {
				resets = append(resets, WorkerTaskReset{
					RunID:   e.run.RunID,
					TaskID:  taskID,
					Node:    out.Node,
					Attempt: out.Attempt,
				})
			}
		}
		e.mu.Unlock()
	}

	if len(resets) > 0 {
		r.logger.Warn("worker tasks handed back for rescheduling",
			"worker", workerName,
			"tasks", len(resets),
		)
	}
	return resets
}

// FailQueued concludes a queued unit the orchestrator could not deliver:
// no eligible worker, ack attempts exhausted, or a dispatch that failed the
// chain invariants. Delivery failures are terminal and bypass retry policies.
// A unit that is no longer queued (concluded by propagation while the
// orchestrator was backing off) is reported as a duplicate no-op.
func (r *Registry) FailQueued(runID string, rn model.ReadyNode, errInfo *model.NodeError) (*ResultApplication, error) {
	e, err := r.entry(runID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	app := &ResultApplication{RunID: runID, Status: model.NodeFailed}
	if e.run.Finalised() {
		app.Finalised = true
		app.RunStatus = e.run.Status
		return app, nil
	}

	key := stateKey(rn)
	st, ok := e.state(key)
	if !ok {
		return nil, fmt.Errorf("unknown node %s in run %s", key, runID)
	}
	if st.Status != model.NodeQueued {
		app.Duplicate = true
		return app, nil
	}

	now := r.now()
	hostID, mwID, isHop := e.hopOf(key)
	app.NodeID = key
	if isHop {
		app.NodeID = hostID
		app.Middleware = mwID
	}

	st.Status = model.NodeFailed
	st.Error = errInfo
	st.RetryAt = nil
	st.FinishedAt = &now
	if isHop {
		app.HostFailed = true
		e.failNode(hostID, model.NodeFailed, errInfo, now, app)
	} else {
		e.concludeFailedNode(key, model.NodeFailed, errInfo, now, app)
	}

	e.finaliseIfIdle(now, app)
	if !e.run.Finalised() {
		app.NewlyReady = e.collectReady(now)
	} else {
		app.RunStatus = e.run.Status
		app.RunError = e.run.Error
	}

	r.logger.Warn("queued unit failed without executing",
		"run_id", runID,
		"node", app.NodeID,
		"middleware", app.Middleware,
		"code", errInfo.Code,
	)
	return app, nil
}

// InFlightTask identifies one running task a cancelled run wants stopped.
type InFlightTask struct {
	TaskID     string
	WorkerName string
	NodeID     string
}

// CancelApplication reports what RequestCancel did.
type CancelApplication struct {
	AlreadyFinalised bool
	// InFlight lists tasks to send best-effort cancel commands for.
	InFlight []InFlightTask
}

// RequestCancel finalises the run as cancelled: every non-terminal node is
// marked cancelled, no further dispatches or mutations are possible, and the
// tasks currently held by workers are returned for best-effort cancels.
func (r *Registry) RequestCancel(runID string) (*CancelApplication, error) {
	e, err := r.entry(runID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.run.Finalised() {
		return &CancelApplication{AlreadyFinalised: true}, nil
	}

	now := r.now()
	app := &CancelApplication{}

	cancelState := func(key string, st *model.NodeState) {
		switch st.Status {
		case model.NodeRunning:
			app.InFlight = append(app.InFlight, InFlightTask{
				TaskID:     st.TaskID,
				WorkerName: st.WorkerName,
				NodeID:     key,
			})
			st.Status = model.NodeCancelled
			st.FinishedAt = &now
		case model.NodeQueued:
			st.Status = model.NodeCancelled
		}
	}
	for key, st := range e.run.Nodes {
		cancelState(key, st)
	}
	for key, st := range e.run.MiddlewareStates {
		cancelState(key, st)
	}

	e.tasks = map[string]string{}
	e.run.Status = model.RunCancelled
	e.run.FinishedAt = &now

	metrics.RunsActive.Dec()
	metrics.RunsTotal.WithLabelValues(string(model.RunCancelled)).Inc()
	r.logger.Info("run cancelled", "run_id", runID, "in_flight", len(app.InFlight))
	return app, nil
}

// NextRetry returns the earliest pending backoff deadline of the run, if
// any, so the orchestrator can arm a wake-up timer.
func (r *Registry) NextRetry(runID string) (*time.Time, error) {
	e, err := r.entry(runID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var next *time.Time
	consider := func(st *model.NodeState) {
		if st.Status != model.NodeQueued || st.RetryAt == nil {
			return
		}
		if next == nil || st.RetryAt.Before(*next) {
			t := *st.RetryAt
			next = &t
		}
	}
	for _, st := range e.run.Nodes {
		consider(st)
	}
	for _, st := range e.run.MiddlewareStates {
		consider(st)
	}
	return next, nil
}

// NewTaskID mints a task identifier.
func NewTaskID() string {
	return "task-" + uuid.NewString()
}

// NewDispatchID mints a dispatch identifier.
func NewDispatchID() string {
	return "disp-" + uuid.NewString()
}

func (r *Registry) entry(runID string) (*runEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return e, nil
}

// stateKey maps a ready unit to the key its state is stored under.
func stateKey(rn model.ReadyNode) string {
	if rn.IsMiddleware() {
		return model.MiddlewareStateKey(rn.HostNodeID, rn.NodeID)
	}
	return rn.NodeID
}

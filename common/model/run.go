package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus is the lifecycle status of a run. Transitions are strictly
// forward; a finalised run never mutates again.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Finalised reports whether the run reached a terminal status.
func (s RunStatus) Finalised() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// NodeStatus is the lifecycle status of one node (or middleware hop) inside
// a run.
type NodeStatus string

const (
	NodeQueued    NodeStatus = "queued"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

// Terminal reports whether the node reached a terminal status.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeSucceeded, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// ParseNodeStatus validates a worker-reported status string.
func ParseNodeStatus(s string) (NodeStatus, error) {
	switch NodeStatus(s) {
	case NodeSucceeded, NodeFailed, NodeSkipped, NodeCancelled:
		return NodeStatus(s), nil
	}
	return "", fmt.Errorf("invalid result status: %q", s)
}

// NodeError is a worker-reported or control-plane-assigned node failure.
type NodeError struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *NodeError) Error() string {
	return e.Code + ": " + e.Message
}

// Reserved error codes for middleware hop results. Workers report them on a
// hop's next-delivery; the registry decides per code whether the hop is
// requeued or the host node fails with the hop's error.
const (
	NextRunFinalised   = "next_run_finalised"
	NextDuplicate      = "next_duplicate"
	NextNoChain        = "next_no_chain"
	NextInvalidChain   = "next_invalid_chain"
	NextTargetNotReady = "next_target_not_ready"
	NextTimeout        = "next_timeout"
	NextCancelled      = "next_cancelled"
	NextUnavailable    = "next_unavailable"
)

// NodeState is the mutable execution state of one node or middleware hop.
// Only the registry mutates it: the orchestrator's dispatch fields via
// MarkDispatched, everything else via result application.
type NodeState struct {
	Status     NodeStatus `json:"status"`
	WorkerName string     `json:"worker_name,omitempty"`
	TaskID     string     `json:"task_id,omitempty"`
	DispatchID string     `json:"dispatch_id,omitempty"`
	Attempt    int        `json:"attempt"`
	SeqUsed    uint64     `json:"seq_used,omitempty"`

	// AckDeadline is set on every dispatch and stays set while the node
	// runs; AckedAt records the worker's dispatch_ack. A dispatch whose
	// deadline passes without AckedAt is handed back for rescheduling.
	AckDeadline *time.Time `json:"ack_deadline,omitempty"`
	AckedAt     *time.Time `json:"acked_at,omitempty"`

	// Parameters are seeded from the snapshot and mutated by edge-binding
	// writes. Results are written once the node succeeds.
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Results    json.RawMessage `json:"results,omitempty"`

	Error      *NodeError `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Chain lists middleware ids in dispatch order when this state belongs
	// to a host node; ChainCursor indexes the next hop to dispatch. A cursor
	// equal to len(Chain) means all hops ran and the host itself is next.
	Chain       []string `json:"middleware_chain,omitempty"`
	ChainCursor int      `json:"chain_cursor,omitempty"`

	// RetryAt defers readiness while a scoped retry backs off.
	RetryAt *time.Time `json:"retry_at,omitempty"`

	// Iteration counts completed loop passes for container nodes.
	Iteration int `json:"iteration,omitempty"`

	DurationMS int64 `json:"duration_ms,omitempty"`
}

// Dispatched reports whether dispatch bookkeeping is present. A running
// node always has all four fields set.
func (ns *NodeState) Dispatched() bool {
	return ns.WorkerName != "" && ns.TaskID != "" && ns.DispatchID != "" && ns.AckDeadline != nil
}

// ClearDispatch resets the dispatch bookkeeping when a node is handed back
// for rescheduling.
func (ns *NodeState) ClearDispatch() {
	ns.WorkerName = ""
	ns.TaskID = ""
	ns.DispatchID = ""
	ns.SeqUsed = 0
	ns.AckDeadline = nil
	ns.AckedAt = nil
}

// EdgeBinding is the derived, apply-ready form of one edge: when SourceNode
// succeeds, read SourcePath from its results and write the value at
// TargetPath into the target's parameters. TargetMiddleware is set when the
// edge binds into a middleware handle on the target host.
type EdgeBinding struct {
	EdgeID           string `json:"edge_id"`
	SourceNode       string `json:"source_node"`
	SourcePath       string `json:"source_path"`
	TargetNode       string `json:"target_node"`
	TargetMiddleware string `json:"target_middleware,omitempty"`
	TargetPath       string `json:"target_path"`
}

// ScopeIndex maps a node id to the container node that owns its scope.
// Top-level nodes are absent from the index.
type ScopeIndex map[string]string

// ScopeOf returns the owning container id for a node, if any.
func (si ScopeIndex) ScopeOf(nodeID string) (string, bool) {
	c, ok := si[nodeID]
	return c, ok
}

// Run is the record of one workflow execution: the immutable snapshot plus
// all mutable per-node state. Containment is by id — node states reference
// their host and scope by id, never by pointer.
type Run struct {
	RunID      string     `json:"run_id"`
	Tenant     string     `json:"tenant"`
	ClientID   string     `json:"client_id,omitempty"`
	Status     RunStatus  `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Workflow *Workflow `json:"workflow"`

	// Derived at creation, immutable afterwards.
	ScopeIndex ScopeIndex               `json:"scope_index,omitempty"`
	Bindings   map[string][]EdgeBinding `json:"edge_bindings,omitempty"`

	// Nodes holds host/container node state keyed by (scoped) node id;
	// MiddlewareStates holds hop state keyed by "<host_id>/<middleware_id>".
	Nodes            map[string]*NodeState `json:"nodes"`
	MiddlewareStates map[string]*NodeState `json:"middleware_state,omitempty"`

	// Error carries the failure that finalised the run, when there was one.
	Error *NodeError `json:"error,omitempty"`
}

// MiddlewareStateKey builds the key middleware hop state is stored under.
func MiddlewareStateKey(hostID, mwID string) string {
	return hostID + "/" + mwID
}

// State returns the node state for a host/container id.
func (r *Run) State(nodeID string) (*NodeState, bool) {
	ns, ok := r.Nodes[nodeID]
	return ns, ok
}

// MiddlewareState returns the hop state for a host and middleware id.
func (r *Run) MiddlewareState(hostID, mwID string) (*NodeState, bool) {
	ns, ok := r.MiddlewareStates[MiddlewareStateKey(hostID, mwID)]
	return ns, ok
}

// Finalised reports whether the run reached a terminal status.
func (r *Run) Finalised() bool {
	return r.Status.Finalised()
}

// ReadyNode is one dispatchable unit surfaced by readiness computation.
// For a middleware hop, NodeID names the middleware, HostNodeID its host
// and ChainIndex its position; for a host dispatch ChainIndex is -1.
type ReadyNode struct {
	RunID      string `json:"run_id"`
	NodeID     string `json:"node_id"`
	HostNodeID string `json:"host_node_id"`
	ChainIndex int    `json:"chain_index"`
}

// IsMiddleware reports whether the ready unit is a middleware hop.
func (rn ReadyNode) IsMiddleware() bool {
	return rn.ChainIndex >= 0 && rn.NodeID != rn.HostNodeID
}

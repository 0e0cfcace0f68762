package model

import (
	"encoding/json"
	"strings"
)

// Node type constants. Worker-executed types are open-ended (the dispatch
// layer matches them against worker capabilities); only the container type
// has control-plane semantics.
const (
	NodeTypeContainer = "container"
)

// MiddlewarePortPrefix marks an edge target port that binds into a
// middleware handle instead of the host node: "mw:<middleware_id>:input:<key>".
const MiddlewarePortPrefix = "mw:"

// BindingMode says which direction a port binding moves data.
type BindingMode string

const (
	// BindingRead resolves a path under the node's results.
	BindingRead BindingMode = "read"
	// BindingWrite applies a value under the node's parameters.
	BindingWrite BindingMode = "write"
)

// Binding ties a port to a JSON-pointer-like path. Read paths are rooted at
// /results/, write paths at /parameters/.
type Binding struct {
	Path string      `json:"path"`
	Mode BindingMode `json:"mode"`
}

// Port is a named attachment point on a node or middleware.
type Port struct {
	Key     string   `json:"key"`
	Label   string   `json:"label,omitempty"`
	Binding *Binding `json:"binding,omitempty"`
}

// NodeUI carries the declared input/output ports of a node.
type NodeUI struct {
	InputPorts  []Port `json:"input_ports,omitempty"`
	OutputPorts []Port `json:"output_ports,omitempty"`
}

// PackageRef pins the package a node executes from.
type PackageRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// String renders the "name@version" capability form workers advertise.
func (p PackageRef) String() string {
	return p.Name + "@" + p.Version
}

// Middleware is a pre-node hop attached to a host node. Hops run in
// declaration order before the host; each hop is dispatched like a node and
// keeps its own execution state.
type Middleware struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Package    PackageRef      `json:"package"`
	Label      string          `json:"label,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// RetryPolicy bounds re-execution of nodes inside a container scope.
type RetryPolicy struct {
	MaxAttempts       int     `json:"max_attempts,omitempty"`
	BackoffMS         int     `json:"backoff_ms,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
}

// LoopPolicy re-executes a container's subgraph up to MaxIterations times.
type LoopPolicy struct {
	MaxIterations int `json:"max_iterations"`
}

// Position is UI placement metadata; the control plane carries it opaquely.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one vertex of the workflow graph.
type Node struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Package    PackageRef      `json:"package"`
	Status     string          `json:"status,omitempty"`
	Category   string          `json:"category,omitempty"`
	Label      string          `json:"label,omitempty"`
	Position   *Position       `json:"position,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	UI         *NodeUI         `json:"ui,omitempty"`
	Middlewares []Middleware   `json:"middlewares,omitempty"`

	// Optional nodes do not fail the run when they fail.
	Optional bool `json:"optional,omitempty"`

	// Affinity is an optional worker-selection constraint expression
	// evaluated against candidate worker records at dispatch time.
	Affinity string `json:"affinity,omitempty"`

	// Container fields: Subgraph names the snapshot to expand, Retry/Loop
	// apply to every node inside the expanded scope.
	Subgraph string       `json:"subgraph,omitempty"`
	Retry    *RetryPolicy `json:"retry,omitempty"`
	Loop     *LoopPolicy  `json:"loop,omitempty"`
}

// IsContainer reports whether the node expands a subgraph scope.
func (n *Node) IsContainer() bool {
	return n.Type == NodeTypeContainer
}

// MiddlewareByID returns the declared middleware with the given id.
func (n *Node) MiddlewareByID(id string) (*Middleware, bool) {
	for i := range n.Middlewares {
		if n.Middlewares[i].ID == id {
			return &n.Middlewares[i], true
		}
	}
	return nil, false
}

// ChainIDs returns the middleware ids in dispatch order.
func (n *Node) ChainIDs() []string {
	if len(n.Middlewares) == 0 {
		return nil
	}
	ids := make([]string, len(n.Middlewares))
	for i := range n.Middlewares {
		ids[i] = n.Middlewares[i].ID
	}
	return ids
}

// Endpoint addresses one side of an edge.
type Endpoint struct {
	Node string `json:"node"`
	Port string `json:"port"`
}

// Edge is a data-flow dependency between two nodes. The target port may use
// middleware syntax to bind into a middleware handle on the target host.
type Edge struct {
	ID     string   `json:"id"`
	Source Endpoint `json:"source"`
	Target Endpoint `json:"target"`
}

// Subgraph is a reusable snapshot fragment referenced by container nodes.
type Subgraph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// WorkflowMeta is descriptive snapshot metadata.
type WorkflowMeta struct {
	Name        string   `json:"name"`
	Namespace   string   `json:"namespace"`
	OriginID    string   `json:"origin_id,omitempty"`
	Description string   `json:"description,omitempty"`
	Environment string   `json:"environment,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Workflow is the immutable snapshot a run executes. Once a run is created
// the snapshot is never mutated; all execution state lives on the run record.
type Workflow struct {
	WorkflowID    string              `json:"workflow_id"`
	SchemaVersion string              `json:"schema_version"`
	Metadata      WorkflowMeta        `json:"metadata"`
	Nodes         []Node              `json:"nodes"`
	Edges         []Edge              `json:"edges"`
	Subgraphs     map[string]Subgraph `json:"subgraphs,omitempty"`
}

// Node returns the declared node with the given id.
func (w *Workflow) Node(id string) (*Node, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// ParseMiddlewarePort splits "mw:<middleware_id>:input:<key>" into its
// middleware id and input key. ok is false when the port does not use
// middleware syntax; malformed middleware ports return ok true with an
// empty id or key so validation can reject them.
func ParseMiddlewarePort(port string) (mwID, key string, ok bool) {
	if !strings.HasPrefix(port, MiddlewarePortPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(port, MiddlewarePortPrefix)
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 || parts[1] != "input" {
		return "", "", true
	}
	return parts[0], parts[2], true
}

// ResultsRoot and ParametersRoot are the only legal binding path roots.
const (
	ResultsRoot    = "/results/"
	ParametersRoot = "/parameters/"
)

// ResultsPath reports whether path is rooted at /results/.
func ResultsPath(path string) bool {
	return strings.HasPrefix(path, ResultsRoot) && len(path) > len(ResultsRoot)
}

// ParametersPath reports whether path is rooted at /parameters/.
func ParametersPath(path string) bool {
	return strings.HasPrefix(path, ParametersRoot) && len(path) > len(ParametersRoot)
}

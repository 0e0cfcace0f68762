package registry

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/weftlabs/weft/common/model"
)

// runEntry pairs one run record with its derived execution graph and the
// per-run mutex that serialises every state change. The derived maps are
// built once at creation and read-only afterwards; only run state mutates.
type runEntry struct {
	mu  sync.Mutex
	run *model.Run

	// nodes holds the executable definitions: top-level nodes plus one
	// scoped copy per container subgraph member, keyed by (scoped) id.
	nodes map[string]*model.Node

	// incoming indexes bindings by target node for readiness checks;
	// run.Bindings indexes the same bindings by source for result applies.
	incoming map[string][]model.EdgeBinding

	// order fixes a deterministic iteration order: declaration order, with
	// each container's scope members following the container itself.
	order []string

	scopeEntry map[string]string   // container id → scoped entry node id
	scopeSink  map[string]string   // container id → scoped sink node id
	scopeNodes map[string][]string // container id → scoped member ids

	// sinks are the top-level nodes with no outgoing edges; terminal
	// aggregation requires at least one of them to succeed.
	sinks []string

	// tasks maps an in-flight task id to the state key it was dispatched
	// for. Entries are removed when the task concludes or is reset.
	tasks map[string]string
}

// scopedID names a subgraph member inside a container scope.
func scopedID(containerID, nodeID string) string {
	return containerID + "/" + nodeID
}

// buildRunEntry derives scopes, bindings and initial node state from a
// validated snapshot.
func buildRunEntry(runID, tenant, clientID string, wf *model.Workflow, now time.Time) (*runEntry, error) {
	e := &runEntry{
		run: &model.Run{
			RunID:            runID,
			Tenant:           tenant,
			ClientID:         clientID,
			Status:           model.RunQueued,
			CreatedAt:        now,
			Workflow:         wf,
			ScopeIndex:       model.ScopeIndex{},
			Bindings:         map[string][]model.EdgeBinding{},
			Nodes:            map[string]*model.NodeState{},
			MiddlewareStates: map[string]*model.NodeState{},
		},
		nodes:      map[string]*model.Node{},
		incoming:   map[string][]model.EdgeBinding{},
		scopeEntry: map[string]string{},
		scopeSink:  map[string]string{},
		scopeNodes: map[string][]string{},
		tasks:      map[string]string{},
	}

	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		e.addNode(n.ID, n)
		if n.IsContainer() {
			sg := wf.Subgraphs[n.Subgraph]
			if err := e.expandScope(n, &sg); err != nil {
				return nil, err
			}
		}
	}

	for i := range wf.Edges {
		b, err := buildBinding(&wf.Edges[i], e.nodes, "")
		if err != nil {
			return nil, err
		}
		e.addBinding(b)
	}

	for _, id := range e.order {
		if _, scoped := e.run.ScopeIndex.ScopeOf(id); scoped {
			continue
		}
		if len(e.run.Bindings[id]) == 0 {
			e.sinks = append(e.sinks, id)
		}
	}

	return e, nil
}

// addNode registers an executable definition and initialises its state and
// the state of each of its middleware hops.
func (e *runEntry) addNode(id string, def *model.Node) {
	e.nodes[id] = def
	e.order = append(e.order, id)
	e.run.Nodes[id] = &model.NodeState{
		Status:     model.NodeQueued,
		Parameters: cloneRaw(def.Parameters),
		Chain:      def.ChainIDs(),
	}
	for i := range def.Middlewares {
		mw := &def.Middlewares[i]
		e.run.MiddlewareStates[model.MiddlewareStateKey(id, mw.ID)] = &model.NodeState{
			Status:     model.NodeQueued,
			Parameters: cloneRaw(mw.Parameters),
		}
	}
}

// expandScope inlines a container's subgraph: every member gets a scoped id,
// a state record and a scope-index entry, and the subgraph's edges become
// bindings between the scoped copies.
func (e *runEntry) expandScope(container *model.Node, sg *model.Subgraph) error {
	incoming := make(map[string]int, len(sg.Nodes))
	outgoing := make(map[string]int, len(sg.Nodes))
	for i := range sg.Edges {
		incoming[sg.Edges[i].Target.Node]++
		outgoing[sg.Edges[i].Source.Node]++
	}

	for i := range sg.Nodes {
		inner := sg.Nodes[i]
		sid := scopedID(container.ID, inner.ID)
		def := inner
		def.ID = sid
		e.addNode(sid, &def)
		e.run.ScopeIndex[sid] = container.ID
		e.scopeNodes[container.ID] = append(e.scopeNodes[container.ID], sid)

		// Validation guarantees exactly one of each.
		if incoming[inner.ID] == 0 {
			e.scopeEntry[container.ID] = sid
		}
		if outgoing[inner.ID] == 0 {
			e.scopeSink[container.ID] = sid
		}
	}

	for i := range sg.Edges {
		b, err := buildBinding(&sg.Edges[i], e.nodes, container.ID)
		if err != nil {
			return fmt.Errorf("container %s: %w", container.ID, err)
		}
		e.addBinding(b)
	}

	return nil
}

func (e *runEntry) addBinding(b model.EdgeBinding) {
	e.run.Bindings[b.SourceNode] = append(e.run.Bindings[b.SourceNode], b)
	e.incoming[b.TargetNode] = append(e.incoming[b.TargetNode], b)
}

// buildBinding resolves an edge's ports into the apply-ready form. Declared
// ports use their binding path; undeclared ports default to /results/<port>
// on the source side and /parameters/<port> on the target side. Middleware
// syntax on the target routes the write into the hop's parameters.
func buildBinding(edge *model.Edge, nodes map[string]*model.Node, scope string) (model.EdgeBinding, error) {
	prefix := func(id string) string {
		if scope == "" {
			return id
		}
		return scopedID(scope, id)
	}

	b := model.EdgeBinding{
		EdgeID:     prefix(edge.ID),
		SourceNode: prefix(edge.Source.Node),
		TargetNode: prefix(edge.Target.Node),
	}

	src, ok := nodes[b.SourceNode]
	if !ok {
		return b, fmt.Errorf("edge %s: unknown source node %s", edge.ID, b.SourceNode)
	}
	dst, ok := nodes[b.TargetNode]
	if !ok {
		return b, fmt.Errorf("edge %s: unknown target node %s", edge.ID, b.TargetNode)
	}

	b.SourcePath = outputPath(src, edge.Source.Port)

	if mwID, key, isMW := model.ParseMiddlewarePort(edge.Target.Port); isMW {
		b.TargetMiddleware = mwID
		b.TargetPath = model.ParametersRoot + key
	} else {
		b.TargetPath = inputPath(dst, edge.Target.Port)
	}

	return b, nil
}

func outputPath(n *model.Node, port string) string {
	if n.UI != nil {
		for i := range n.UI.OutputPorts {
			p := &n.UI.OutputPorts[i]
			if p.Key == port && p.Binding != nil {
				return p.Binding.Path
			}
		}
	}
	return model.ResultsRoot + port
}

func inputPath(n *model.Node, port string) string {
	if n.UI != nil {
		for i := range n.UI.InputPorts {
			p := &n.UI.InputPorts[i]
			if p.Key == port && p.Binding != nil {
				return p.Binding.Path
			}
		}
	}
	return model.ParametersRoot + port
}

// gjsonPath converts a rooted JSON-pointer-like binding path into the dotted
// path gjson/sjson address within the results or parameters document.
// Segment dots are escaped so a key named "a.b" stays one key.
func gjsonPath(path, root string) string {
	rel := strings.TrimPrefix(path, root)
	segs := strings.Split(rel, "/")
	for i, s := range segs {
		segs[i] = strings.ReplaceAll(s, ".", `\.`)
	}
	return strings.Join(segs, ".")
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// mergeParams overlays container parameters onto a scope entry's seeded
// parameters; overlay keys win.
func mergeParams(seed, overlay json.RawMessage) (json.RawMessage, error) {
	if len(overlay) == 0 {
		return seed, nil
	}
	if len(seed) == 0 {
		return cloneRaw(overlay), nil
	}
	var base, over map[string]json.RawMessage
	if err := json.Unmarshal(seed, &base); err != nil {
		return nil, fmt.Errorf("merge parameters: %w", err)
	}
	if err := json.Unmarshal(overlay, &over); err != nil {
		return nil, fmt.Errorf("merge parameters: %w", err)
	}
	for k, v := range over {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("merge parameters: %w", err)
	}
	return merged, nil
}

// snapshot returns a read-safe copy of the run record. Node states are
// copied by value; raw JSON fields are replaced (never mutated in place) so
// sharing their backing arrays is safe. Callers must hold e.mu.
func (e *runEntry) snapshot() *model.Run {
	out := *e.run
	out.Nodes = make(map[string]*model.NodeState, len(e.run.Nodes))
	for k, v := range e.run.Nodes {
		st := *v
		out.Nodes[k] = &st
	}
	out.MiddlewareStates = make(map[string]*model.NodeState, len(e.run.MiddlewareStates))
	for k, v := range e.run.MiddlewareStates {
		st := *v
		out.MiddlewareStates[k] = &st
	}
	return &out
}

// state resolves a state key to its record: plain node ids live in Nodes,
// "<host>/<mw>" keys in MiddlewareStates. Scoped node ids also contain a
// slash, so Nodes is checked first.
func (e *runEntry) state(key string) (*model.NodeState, bool) {
	if st, ok := e.run.Nodes[key]; ok {
		return st, true
	}
	st, ok := e.run.MiddlewareStates[key]
	return st, ok
}

// splitHopKey splits a middleware state key into host id and middleware id.
// Middleware ids never contain a slash, so the last segment is the hop.
func splitHopKey(key string) (hostID, mwID string, ok bool) {
	i := strings.LastIndex(key, "/")
	if i < 0 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

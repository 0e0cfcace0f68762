package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

// Validate checks the snapshot for structural correctness before a run is
// created. The first violation found is returned; callers surface it as an
// invalid_workflow error and create no run state.
func (w *Workflow) Validate() error {
	if len(w.Nodes) == 0 {
		return fmt.Errorf("workflow has no nodes")
	}

	if err := validateGraph(w.Nodes, w.Edges, w.Subgraphs, false); err != nil {
		return err
	}

	for name, sg := range w.Subgraphs {
		if err := validateGraph(sg.Nodes, sg.Edges, nil, true); err != nil {
			return fmt.Errorf("subgraph %s: %w", name, err)
		}
	}

	return nil
}

// validateGraph checks one node/edge set. Subgraphs may not nest containers;
// everything else applies to both the top-level graph and subgraph fragments.
func validateGraph(nodes []Node, edges []Edge, subgraphs map[string]Subgraph, inSubgraph bool) error {
	byID := make(map[string]*Node, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		if n.ID == "" {
			return fmt.Errorf("node at index %d has empty id", i)
		}
		if _, dup := byID[n.ID]; dup {
			return fmt.Errorf("duplicate node id: %s", n.ID)
		}
		byID[n.ID] = n

		if err := validateNode(n, subgraphs, inSubgraph); err != nil {
			return err
		}
	}

	seenEdges := make(map[string]bool, len(edges))
	incoming := make(map[string]int, len(nodes))
	for i := range edges {
		e := &edges[i]
		if e.ID != "" {
			if seenEdges[e.ID] {
				return fmt.Errorf("duplicate edge id: %s", e.ID)
			}
			seenEdges[e.ID] = true
		}

		src, ok := byID[e.Source.Node]
		if !ok {
			return fmt.Errorf("edge %s references non-existent source node: %s", e.ID, e.Source.Node)
		}
		dst, ok := byID[e.Target.Node]
		if !ok {
			return fmt.Errorf("edge %s references non-existent target node: %s", e.ID, e.Target.Node)
		}
		if src == dst {
			return fmt.Errorf("edge %s is a self-loop on node %s", e.ID, e.Source.Node)
		}
		incoming[dst.ID]++

		if err := validateEdgePorts(e, src, dst); err != nil {
			return err
		}
	}

	if err := checkAcyclic(byID, edges); err != nil {
		return err
	}

	// A graph with no entry never starts and one with no sink never ends.
	entries := 0
	for id := range byID {
		if incoming[id] == 0 {
			entries++
		}
	}
	if entries == 0 {
		return fmt.Errorf("workflow has no entry nodes (no place to start)")
	}
	outgoing := make(map[string]int, len(nodes))
	for i := range edges {
		outgoing[edges[i].Source.Node]++
	}
	sinks := 0
	for id := range byID {
		if outgoing[id] == 0 {
			sinks++
		}
	}
	if sinks == 0 {
		return fmt.Errorf("workflow has no sink nodes (would run forever)")
	}

	// Container scopes seed the entry from the container's parameters and
	// surface the sink's results as the container's, so both must be unique.
	if inSubgraph {
		if entries != 1 {
			return fmt.Errorf("subgraph must have exactly one entry node, found %d", entries)
		}
		if sinks != 1 {
			return fmt.Errorf("subgraph must have exactly one sink node, found %d", sinks)
		}
	}

	return nil
}

func validateNode(n *Node, subgraphs map[string]Subgraph, inSubgraph bool) error {
	// Slashes are reserved: scoped subgraph members and middleware state
	// are addressed as "<container>/<node>" and "<host>/<middleware>".
	if strings.Contains(n.ID, "/") {
		return fmt.Errorf("node %s: node ids may not contain '/'", n.ID)
	}

	if n.IsContainer() {
		if inSubgraph {
			return fmt.Errorf("node %s: containers may not nest inside subgraphs", n.ID)
		}
		if n.Subgraph == "" {
			return fmt.Errorf("node %s: container requires a subgraph reference", n.ID)
		}
		if _, ok := subgraphs[n.Subgraph]; !ok {
			return fmt.Errorf("node %s: references non-existent subgraph: %s", n.ID, n.Subgraph)
		}
		if len(n.Middlewares) > 0 {
			return fmt.Errorf("node %s: container nodes may not carry middlewares", n.ID)
		}
		if n.Retry != nil && n.Retry.MaxAttempts < 0 {
			return fmt.Errorf("node %s: retry max_attempts must be >= 0", n.ID)
		}
		if n.Loop != nil && n.Loop.MaxIterations <= 0 {
			return fmt.Errorf("node %s: loop max_iterations must be > 0", n.ID)
		}
	} else if n.Subgraph != "" {
		return fmt.Errorf("node %s: only container nodes may reference a subgraph", n.ID)
	}

	// Edge bindings merge values into parameters by key, so a non-object
	// seed could never accept a write.
	if len(n.Parameters) > 0 && !isJSONObject(n.Parameters) {
		return fmt.Errorf("node %s: parameters must be a JSON object", n.ID)
	}

	seenMW := make(map[string]bool, len(n.Middlewares))
	for i := range n.Middlewares {
		mw := &n.Middlewares[i]
		if mw.ID == "" {
			return fmt.Errorf("node %s: middleware at index %d has empty id", n.ID, i)
		}
		if strings.Contains(mw.ID, "/") {
			return fmt.Errorf("node %s: middleware ids may not contain '/': %s", n.ID, mw.ID)
		}
		if seenMW[mw.ID] {
			return fmt.Errorf("node %s: duplicate middleware id: %s", n.ID, mw.ID)
		}
		seenMW[mw.ID] = true
		if len(mw.Parameters) > 0 && !isJSONObject(mw.Parameters) {
			return fmt.Errorf("node %s: middleware %s: parameters must be a JSON object", n.ID, mw.ID)
		}
	}

	if n.UI != nil {
		for i := range n.UI.InputPorts {
			if err := validatePort(&n.UI.InputPorts[i], BindingWrite); err != nil {
				return fmt.Errorf("node %s: input port %s: %w", n.ID, n.UI.InputPorts[i].Key, err)
			}
		}
		for i := range n.UI.OutputPorts {
			if err := validatePort(&n.UI.OutputPorts[i], BindingRead); err != nil {
				return fmt.Errorf("node %s: output port %s: %w", n.ID, n.UI.OutputPorts[i].Key, err)
			}
		}
	}

	return nil
}

// validatePort enforces the binding root per direction: output ports read
// from /results/, input ports write under /parameters/.
func validatePort(p *Port, want BindingMode) error {
	if p.Key == "" {
		return fmt.Errorf("port has empty key")
	}
	if p.Binding == nil {
		return nil
	}
	if p.Binding.Mode != want {
		return fmt.Errorf("binding mode %q not allowed here (want %q)", p.Binding.Mode, want)
	}
	switch want {
	case BindingRead:
		if !ResultsPath(p.Binding.Path) {
			return fmt.Errorf("read binding path must be rooted at %s: %s", ResultsRoot, p.Binding.Path)
		}
	case BindingWrite:
		if !ParametersPath(p.Binding.Path) {
			return fmt.Errorf("write binding path must be rooted at %s: %s", ParametersRoot, p.Binding.Path)
		}
	}
	return nil
}

func validateEdgePorts(e *Edge, src, dst *Node) error {
	if e.Source.Port == "" {
		return fmt.Errorf("edge %s has empty source port", e.ID)
	}
	if e.Target.Port == "" {
		return fmt.Errorf("edge %s has empty target port", e.ID)
	}
	if mwID, key, isMW := ParseMiddlewarePort(e.Source.Port); isMW {
		_ = mwID
		_ = key
		return fmt.Errorf("edge %s: middleware syntax is not allowed on source ports", e.ID)
	}
	if mwID, key, isMW := ParseMiddlewarePort(e.Target.Port); isMW {
		if mwID == "" || key == "" {
			return fmt.Errorf("edge %s: malformed middleware port: %s", e.ID, e.Target.Port)
		}
		if _, ok := dst.MiddlewareByID(mwID); !ok {
			return fmt.Errorf("edge %s: references non-existent middleware %s on node %s", e.ID, mwID, dst.ID)
		}
	}
	return nil
}

// checkAcyclic runs a DFS over the data-flow edges. Iteration lives in
// container loop policy, never in back-edges, so any cycle is an error.
func checkAcyclic(nodes map[string]*Node, edges []Edge) error {
	next := make(map[string][]string, len(nodes))
	for i := range edges {
		next[edges[i].Source.Node] = append(next[edges[i].Source.Node], edges[i].Target.Node)
	}

	visited := make(map[string]bool, len(nodes))
	inStack := make(map[string]bool, len(nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = true
		inStack[id] = true
		for _, n := range next[id] {
			if !visited[n] {
				if visit(n) {
					return true
				}
			} else if inStack[n] {
				return true
			}
		}
		inStack[id] = false
		return false
	}

	for id := range nodes {
		if !visited[id] {
			if visit(id) {
				return fmt.Errorf("workflow contains a cycle")
			}
		}
	}
	return nil
}

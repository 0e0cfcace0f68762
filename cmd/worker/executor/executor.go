// Package executor holds the node-type implementations the reference worker
// ships with. An Executor runs one task and produces the node's result
// document; the session client owns framing, acks and redelivery.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/weftlabs/weft/common/model"
)

// ProgressFunc streams an interim update for a running task. Updates are
// advisory: the client drops them rather than block the executor.
type ProgressFunc func(percent float64, message string, data json.RawMessage)

// Task is one dispatched unit of work.
type Task struct {
	RunID      string
	NodeID     string
	TaskID     string
	NodeType   string
	Parameters json.RawMessage

	// Progress is never nil; the client wires it per task.
	Progress ProgressFunc
}

// Executor runs tasks of one node type.
type Executor interface {
	// Kind is the node type this executor handles. It is advertised as a
	// capability in the session handshake, so selection only routes
	// matching nodes here.
	Kind() string

	// Execute runs the task and returns its result document. Returning a
	// *model.NodeError preserves the error code in the reported result;
	// any other error is reported as task_failed. Execute must stop when
	// ctx is cancelled.
	Execute(ctx context.Context, task *Task) (json.RawMessage, error)
}

// Fail builds a task failure with a stable error code.
func Fail(code, format string, args ...interface{}) error {
	return &model.NodeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Registry maps node types to executors.
type Registry struct {
	execs map[string]Executor
}

func NewRegistry(execs ...Executor) *Registry {
	r := &Registry{execs: make(map[string]Executor, len(execs))}
	for _, e := range execs {
		r.execs[e.Kind()] = e
	}
	return r
}

func (r *Registry) Get(kind string) (Executor, bool) {
	e, ok := r.execs[kind]
	return e, ok
}

// Kinds returns the registered node types, sorted.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.execs))
	for k := range r.execs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package dispatch

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/weftlabs/weft/common/model"
)

// AffinityEvaluator evaluates node affinity constraints against worker
// records using CEL (Common Expression Language). Compiled programs are
// cached per expression; workflows reuse a small set of constraints across
// many dispatches.
type AffinityEvaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewAffinityEvaluator creates an evaluator with an empty program cache.
func NewAffinityEvaluator() *AffinityEvaluator {
	return &AffinityEvaluator{
		cache: make(map[string]cel.Program),
	}
}

// Matches reports whether the worker satisfies the affinity expression. The
// expression sees a `worker` variable holding the record's fields.
func (e *AffinityEvaluator) Matches(expr string, w *model.WorkerRecord) (bool, error) {
	e.mu.RLock()
	prg, exists := e.cache[expr]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = e.compile(expr)
		if err != nil {
			return false, err
		}

		e.mu.Lock()
		e.cache[expr] = prg
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"worker": workerVars(w),
	})
	if err != nil {
		return false, fmt.Errorf("affinity evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("affinity expression did not return boolean, got %T", out.Value())
	}
	return result, nil
}

// Compile checks an expression without evaluating it, so workflow validation
// can reject bad affinities before a run is created.
func (e *AffinityEvaluator) Compile(expr string) error {
	e.mu.RLock()
	_, exists := e.cache[expr]
	e.mu.RUnlock()
	if exists {
		return nil
	}

	prg, err := e.compile(expr)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()
	return nil
}

func (e *AffinityEvaluator) compile(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("worker", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("affinity compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return prg, nil
}

// workerVars exposes the selectable fields of a worker record to CEL.
func workerVars(w *model.WorkerRecord) map[string]interface{} {
	return map[string]interface{}{
		"name":         w.Name,
		"queue":        w.Queue,
		"status":       string(w.Status),
		"capabilities": w.Capabilities,
		"packages":     w.Packages,
		"in_flight":    w.InFlight,
		"latency_ms":   w.LatencyEWMAMS,
	}
}

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/weftlabs/weft/common/model"
)

func newTask(nodeType, params string) *Task {
	return &Task{
		RunID:      "run-1",
		NodeID:     "n1",
		TaskID:     "task-1",
		NodeType:   nodeType,
		Parameters: json.RawMessage(params),
		Progress:   func(float64, string, json.RawMessage) {},
	}
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	var ne *model.NodeError
	if !errors.As(err, &ne) {
		t.Fatalf("error = %v, want NodeError with code %q", err, code)
	}
	if ne.Code != code {
		t.Fatalf("code = %q, want %q", ne.Code, code)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(Constant{}, Sleep{}, Transform{}, HTTP{})

	kinds := r.Kinds()
	want := []string{"constant", "http", "sleep", "transform"}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}

	if _, ok := r.Get("transform"); !ok {
		t.Errorf("transform should be registered")
	}
	if _, ok := r.Get("shell"); ok {
		t.Errorf("shell should not be registered")
	}
}

func TestConstant(t *testing.T) {
	out, err := Constant{}.Execute(context.Background(), newTask("constant", `{"value": {"n": 7}}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := gjson.GetBytes(out, "value.n").Int(); got != 7 {
		t.Errorf("value.n = %d, want 7 (result %s)", got, out)
	}

	_, err = Constant{}.Execute(context.Background(), newTask("constant", `{}`))
	wantCode(t, err, "bad_parameters")
}

func TestTransform(t *testing.T) {
	t.Run("explicit_source", func(t *testing.T) {
		params := `{"expression": "items.1.name", "source": {"items": [{"name": "a"}, {"name": "b"}]}}`
		out, err := Transform{}.Execute(context.Background(), newTask("transform", params))
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if got := gjson.GetBytes(out, "value").String(); got != "b" {
			t.Errorf("value = %q, want %q", got, "b")
		}
	})

	t.Run("default_source_is_parameters", func(t *testing.T) {
		out, err := Transform{}.Execute(context.Background(), newTask("transform", `{"expression": "threshold", "threshold": 5}`))
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if got := gjson.GetBytes(out, "value").Int(); got != 5 {
			t.Errorf("value = %d, want 5", got)
		}
	})

	t.Run("no_match_fails", func(t *testing.T) {
		_, err := Transform{}.Execute(context.Background(), newTask("transform", `{"expression": "missing.path", "source": {"a": 1}}`))
		wantCode(t, err, "transform_failed")
	})

	t.Run("missing_expression", func(t *testing.T) {
		_, err := Transform{}.Execute(context.Background(), newTask("transform", `{"source": {}}`))
		wantCode(t, err, "bad_parameters")
	})
}

func TestSleep(t *testing.T) {
	var mu sync.Mutex
	var percents []float64
	task := newTask("sleep", `{"duration_ms": 40}`)
	task.Progress = func(p float64, _ string, _ json.RawMessage) {
		mu.Lock()
		percents = append(percents, p)
		mu.Unlock()
	}

	out, err := Sleep{}.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := gjson.GetBytes(out, "slept_ms").Int(); got != 40 {
		t.Errorf("slept_ms = %d, want 40", got)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []float64{25, 50, 75, 100}
	if len(percents) != len(want) {
		t.Fatalf("progress percents = %v, want %v", percents, want)
	}
	for i := range want {
		if percents[i] != want[i] {
			t.Fatalf("progress percents = %v, want %v", percents, want)
		}
	}
}

func TestSleep_ZeroAndNegative(t *testing.T) {
	out, err := Sleep{}.Execute(context.Background(), newTask("sleep", `{"duration_ms": 0}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := gjson.GetBytes(out, "slept_ms").Int(); got != 0 {
		t.Errorf("slept_ms = %d, want 0", got)
	}

	_, err = Sleep{}.Execute(context.Background(), newTask("sleep", `{"duration_ms": -1}`))
	wantCode(t, err, "bad_parameters")
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Sleep{}.Execute(ctx, newTask("sleep", `{"duration_ms": 5000}`))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancellation took %v, should abort promptly", elapsed)
	}
}

package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Sleep waits for duration_ms, streaming progress at each quarter. It exists
// to exercise cancellation, draining and progress plumbing under load.
type Sleep struct{}

func (Sleep) Kind() string { return "sleep" }

func (Sleep) Execute(ctx context.Context, task *Task) (json.RawMessage, error) {
	ms := gjson.GetBytes(task.Parameters, "duration_ms").Int()
	if ms < 0 {
		return nil, Fail("bad_parameters", "duration_ms must be >= 0")
	}

	if total := time.Duration(ms) * time.Millisecond; total > 0 {
		quarter := total / 4
		timer := time.NewTimer(quarter)
		defer timer.Stop()
		for i := 1; i <= 4; i++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
			}
			task.Progress(float64(i)*25, "sleeping", nil)
			if i < 4 {
				timer.Reset(quarter)
			}
		}
	}

	return json.RawMessage(fmt.Sprintf(`{"slept_ms":%d}`, ms)), nil
}

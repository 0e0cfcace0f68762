package executor

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Constant emits the configured value unchanged. Handy as a workflow source
// node and for exercising edge bindings end to end.
type Constant struct{}

func (Constant) Kind() string { return "constant" }

func (Constant) Execute(_ context.Context, task *Task) (json.RawMessage, error) {
	value := gjson.GetBytes(task.Parameters, "value")
	if !value.Exists() {
		return nil, Fail("bad_parameters", "constant requires a value parameter")
	}
	return sjson.SetRawBytes([]byte(`{}`), "value", []byte(value.Raw))
}

package executor

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Transform evaluates a gjson path expression against a JSON document and
// emits the match as {"value": ...}. The document comes from the source
// parameter, defaulting to the whole parameters object, so upstream results
// can be reshaped by binding them into source.
type Transform struct{}

func (Transform) Kind() string { return "transform" }

func (Transform) Execute(_ context.Context, task *Task) (json.RawMessage, error) {
	expr := gjson.GetBytes(task.Parameters, "expression").String()
	if expr == "" {
		return nil, Fail("bad_parameters", "transform requires an expression parameter")
	}

	doc := string(task.Parameters)
	if source := gjson.GetBytes(task.Parameters, "source"); source.Exists() {
		doc = source.Raw
	}

	match := gjson.Get(doc, expr)
	if !match.Exists() {
		return nil, Fail("transform_failed", "expression %q matched nothing", expr)
	}
	return sjson.SetRawBytes([]byte(`{}`), "value", []byte(match.Raw))
}

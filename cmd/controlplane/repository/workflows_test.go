package repository

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/weftlabs/weft/common/model"
)

func storedDefinition(t *testing.T) []byte {
	t.Helper()
	wf := &model.Workflow{
		WorkflowID:    "wf-etl",
		SchemaVersion: "1.0",
		Metadata: model.WorkflowMeta{
			Name:      "etl",
			Namespace: "team-a",
			OriginID:  "origin-1",
		},
		Nodes: []model.Node{
			{ID: "extract", Type: "transform", Package: model.PackageRef{Name: "std", Version: "1.0.0"}},
		},
	}
	data, err := json.Marshal(wf)
	if err != nil {
		t.Fatalf("marshal definition: %v", err)
	}
	return data
}

func TestApplyMergePatchUpdatesFields(t *testing.T) {
	original := storedDefinition(t)

	patch := []byte(`{
		"metadata": {"description": "nightly ETL"},
		"nodes": [{"id": "extract", "type": "transform", "package": {"name": "std", "version": "2.0.0"}}]
	}`)
	merged, err := applyMergePatch(original, patch)
	if err != nil {
		t.Fatalf("applyMergePatch: %v", err)
	}
	if merged.Metadata.Description != "nightly ETL" {
		t.Fatalf("description = %q, want %q", merged.Metadata.Description, "nightly ETL")
	}
	if merged.Metadata.Namespace != "team-a" {
		t.Fatalf("namespace = %q, untouched fields must survive the merge", merged.Metadata.Namespace)
	}
	if len(merged.Nodes) != 1 {
		t.Fatalf("got %d nodes, want 1 (arrays replace wholesale)", len(merged.Nodes))
	}
	if got := merged.Nodes[0].Package.Version; got != "2.0.0" {
		t.Fatalf("node package version = %q, want 2.0.0", got)
	}
}

func TestApplyMergePatchRemovingNodesIsRejected(t *testing.T) {
	original := storedDefinition(t)

	_, err := applyMergePatch(original, []byte(`{"nodes": null}`))
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("err = %v, want ErrInvalidDefinition", err)
	}
}

func TestApplyMergePatchValidatesResult(t *testing.T) {
	original := storedDefinition(t)

	patch := []byte(`{"edges": [{"id": "e1", "source": {"node": "extract", "port": "out"}, "target": {"node": "ghost", "port": "in"}}]}`)
	_, err := applyMergePatch(original, patch)
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("err = %v, want ErrInvalidDefinition", err)
	}
}

func TestApplyMergePatchMalformedPatch(t *testing.T) {
	original := storedDefinition(t)

	_, err := applyMergePatch(original, []byte(`{"nodes":`))
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("err = %v, want ErrInvalidDefinition", err)
	}
}

package registry

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/weftlabs/weft/common/model"
)

type nopLogger struct{}

func (nopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Error(msg string, keysAndValues ...interface{}) {}
func (nopLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Debug(msg string, keysAndValues ...interface{}) {}

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func newTestRegistry() (*Registry, *fakeClock) {
	clk := &fakeClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewRegistry(&RegistryOpts{Logger: nopLogger{}, Now: clk.Now}), clk
}

func stdPkg() model.PackageRef {
	return model.PackageRef{Name: "std", Version: "1.0.0"}
}

func valueOut() *model.NodeUI {
	return &model.NodeUI{
		OutputPorts: []model.Port{
			{Key: "out", Binding: &model.Binding{Path: "/results/value", Mode: model.BindingRead}},
		},
	}
}

func linearSnapshot() *model.Workflow {
	return &model.Workflow{
		WorkflowID:    "wf-linear",
		SchemaVersion: "1",
		Metadata:      model.WorkflowMeta{Name: "linear", Namespace: "default"},
		Nodes: []model.Node{
			{ID: "A", Type: "fetch", Package: stdPkg(), UI: valueOut()},
			{ID: "B", Type: "store", Package: stdPkg()},
		},
		Edges: []model.Edge{
			{ID: "e1", Source: model.Endpoint{Node: "A", Port: "out"}, Target: model.Endpoint{Node: "B", Port: "v"}},
		},
	}
}

func mustCreate(t *testing.T, reg *Registry, runID string, wf *model.Workflow) *model.Run {
	t.Helper()
	run, err := reg.CreateRun(runID, "tenant-a", "client-1", wf)
	if err != nil {
		t.Fatalf("CreateRun(%s) failed: %v", runID, err)
	}
	return run
}

func readyIDs(ready []model.ReadyNode) []string {
	ids := make([]string, len(ready))
	for i, rn := range ready {
		ids[i] = rn.NodeID
	}
	return ids
}

func mustReady(t *testing.T, reg *Registry, runID string, want ...string) []model.ReadyNode {
	t.Helper()
	ready, err := reg.CollectReadyNodes(runID)
	if err != nil {
		t.Fatalf("CollectReadyNodes(%s) failed: %v", runID, err)
	}
	if len(ready) != len(want) {
		t.Fatalf("ready set = %v, want %v", readyIDs(ready), want)
	}
	for i, rn := range ready {
		if rn.NodeID != want[i] {
			t.Fatalf("ready set = %v, want %v", readyIDs(ready), want)
		}
	}
	return ready
}

func dispatchAs(t *testing.T, reg *Registry, clk *fakeClock, runID string, rn model.ReadyNode, worker string) string {
	t.Helper()
	taskID := NewTaskID()
	err := reg.MarkDispatched(runID, DispatchRecord{
		Node:        rn,
		TaskID:      taskID,
		WorkerName:  worker,
		DispatchID:  NewDispatchID(),
		Seq:         1,
		AckDeadline: clk.Now().Add(30 * time.Second),
	})
	if err != nil {
		t.Fatalf("MarkDispatched(%s) failed: %v", rn.NodeID, err)
	}
	return taskID
}

func dispatchUnit(t *testing.T, reg *Registry, clk *fakeClock, runID string, rn model.ReadyNode) string {
	t.Helper()
	return dispatchAs(t, reg, clk, runID, rn, "w1")
}

func succeedTask(t *testing.T, reg *Registry, runID, taskID, result string) *ResultApplication {
	t.Helper()
	app, err := reg.RecordResult(runID, &Result{
		TaskID: taskID,
		Status: model.NodeSucceeded,
		Result: json.RawMessage(result),
	})
	if err != nil {
		t.Fatalf("RecordResult(%s) failed: %v", taskID, err)
	}
	return app
}

func failTask(t *testing.T, reg *Registry, runID, taskID, code string) *ResultApplication {
	t.Helper()
	app, err := reg.RecordResult(runID, &Result{
		TaskID: taskID,
		Status: model.NodeFailed,
		Error:  &model.NodeError{Code: code, Message: code},
	})
	if err != nil {
		t.Fatalf("RecordResult(%s) failed: %v", taskID, err)
	}
	return app
}

func TestLinearRun_BindingAndCompletion(t *testing.T) {
	reg, clk := newTestRegistry()
	mustCreate(t, reg, "run-1", linearSnapshot())

	ready := mustReady(t, reg, "run-1", "A")
	if ready[0].ChainIndex != -1 || ready[0].HostNodeID != "A" {
		t.Fatalf("unexpected ready unit: %+v", ready[0])
	}

	taskA := dispatchUnit(t, reg, clk, "run-1", ready[0])
	mustReady(t, reg, "run-1")

	app := succeedTask(t, reg, "run-1", taskA, `{"value": 42}`)
	if app.RunFinished {
		t.Fatalf("run finished with B still pending")
	}
	if got := readyIDs(app.NewlyReady); len(got) != 1 || got[0] != "B" {
		t.Fatalf("newly ready = %v, want [B]", got)
	}

	run, err := reg.Get("run-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if v := gjson.GetBytes(run.Nodes["B"].Parameters, "v"); v.Int() != 42 {
		t.Fatalf("B parameters = %s, want v=42", run.Nodes["B"].Parameters)
	}

	taskB := dispatchUnit(t, reg, clk, "run-1", app.NewlyReady[0])
	app = succeedTask(t, reg, "run-1", taskB, `{"stored": true}`)
	if !app.RunFinished || app.RunStatus != model.RunSucceeded {
		t.Fatalf("run not finished successfully: %+v", app)
	}

	run, _ = reg.Get("run-1")
	if run.Status != model.RunSucceeded || run.FinishedAt == nil {
		t.Fatalf("run record not finalised: status=%s finished_at=%v", run.Status, run.FinishedAt)
	}
	if run.Error != nil {
		t.Fatalf("successful run carries error: %v", run.Error)
	}
}

func TestMarkDispatched_IdempotentOnDispatchID(t *testing.T) {
	reg, clk := newTestRegistry()
	mustCreate(t, reg, "run-1", linearSnapshot())
	ready := mustReady(t, reg, "run-1", "A")

	rec := DispatchRecord{
		Node:        ready[0],
		TaskID:      "task-fixed",
		WorkerName:  "w1",
		DispatchID:  "disp-fixed",
		Seq:         7,
		AckDeadline: clk.Now().Add(30 * time.Second),
	}
	if err := reg.MarkDispatched("run-1", rec); err != nil {
		t.Fatalf("first MarkDispatched failed: %v", err)
	}
	if err := reg.MarkDispatched("run-1", rec); err != nil {
		t.Fatalf("replayed MarkDispatched failed: %v", err)
	}

	run, _ := reg.Get("run-1")
	if run.Nodes["A"].Attempt != 1 {
		t.Fatalf("attempt = %d after replay, want 1", run.Nodes["A"].Attempt)
	}

	rec.DispatchID = "disp-other"
	rec.TaskID = "task-other"
	err := reg.MarkDispatched("run-1", rec)
	if !errors.Is(err, ErrNotQueued) {
		t.Fatalf("competing dispatch error = %v, want ErrNotQueued", err)
	}
}

func TestRecordResult_UnknownTaskIsDuplicate(t *testing.T) {
	reg, _ := newTestRegistry()
	mustCreate(t, reg, "run-1", linearSnapshot())

	app, err := reg.RecordResult("run-1", &Result{TaskID: "task-unknown", Status: model.NodeSucceeded})
	if err != nil {
		t.Fatalf("RecordResult failed: %v", err)
	}
	if !app.Duplicate {
		t.Fatalf("expected duplicate signal, got %+v", app)
	}

	run, _ := reg.Get("run-1")
	if run.Nodes["A"].Status != model.NodeQueued {
		t.Fatalf("unknown task mutated state: %s", run.Nodes["A"].Status)
	}
}

func TestRecordResult_AfterFinaliseReportsFinalised(t *testing.T) {
	reg, clk := newTestRegistry()
	mustCreate(t, reg, "run-1", linearSnapshot())

	taskA := dispatchUnit(t, reg, clk, "run-1", mustReady(t, reg, "run-1", "A")[0])
	app := succeedTask(t, reg, "run-1", taskA, `{"value": 1}`)
	taskB := dispatchUnit(t, reg, clk, "run-1", app.NewlyReady[0])
	succeedTask(t, reg, "run-1", taskB, `{}`)

	late, err := reg.RecordResult("run-1", &Result{TaskID: taskA, Status: model.NodeFailed})
	if err != nil {
		t.Fatalf("late RecordResult failed: %v", err)
	}
	if !late.Finalised || late.RunStatus != model.RunSucceeded {
		t.Fatalf("late result application = %+v, want finalised/succeeded", late)
	}
}

func TestFailure_SkipsDownstreamAndFailsRun(t *testing.T) {
	wf := linearSnapshot()
	wf.Nodes = append(wf.Nodes, model.Node{ID: "C", Type: "notify", Package: stdPkg()})
	wf.Edges = append(wf.Edges, model.Edge{
		ID:     "e2",
		Source: model.Endpoint{Node: "B", Port: "out"},
		Target: model.Endpoint{Node: "C", Port: "v"},
	})

	reg, clk := newTestRegistry()
	mustCreate(t, reg, "run-1", wf)

	taskA := dispatchUnit(t, reg, clk, "run-1", mustReady(t, reg, "run-1", "A")[0])
	app := failTask(t, reg, "run-1", taskA, "upstream_boom")

	if len(app.Skipped) != 2 {
		t.Fatalf("skipped = %v, want B and C", app.Skipped)
	}
	if !app.RunFinished || app.RunStatus != model.RunFailed {
		t.Fatalf("run not failed: %+v", app)
	}

	run, _ := reg.Get("run-1")
	if run.Nodes["B"].Status != model.NodeSkipped || run.Nodes["C"].Status != model.NodeSkipped {
		t.Fatalf("dependents not skipped: B=%s C=%s", run.Nodes["B"].Status, run.Nodes["C"].Status)
	}
	if run.Error == nil || run.Error.Code != "upstream_boom" {
		t.Fatalf("run error = %v, want upstream_boom", run.Error)
	}
}

func TestFailure_IndependentBranchContinues(t *testing.T) {
	wf := linearSnapshot()
	wf.Nodes = append(wf.Nodes, model.Node{ID: "C", Type: "notify", Package: stdPkg()})
	wf.Edges = append(wf.Edges, model.Edge{
		ID:     "e2",
		Source: model.Endpoint{Node: "A", Port: "out"},
		Target: model.Endpoint{Node: "C", Port: "v"},
	})

	reg, clk := newTestRegistry()
	mustCreate(t, reg, "run-1", wf)

	taskA := dispatchUnit(t, reg, clk, "run-1", mustReady(t, reg, "run-1", "A")[0])
	app := succeedTask(t, reg, "run-1", taskA, `{"value": 1}`)
	ready := app.NewlyReady
	if len(ready) != 2 {
		t.Fatalf("newly ready = %v, want B and C", readyIDs(ready))
	}

	taskB := dispatchUnit(t, reg, clk, "run-1", ready[0])
	taskC := dispatchUnit(t, reg, clk, "run-1", ready[1])

	app = failTask(t, reg, "run-1", taskB, "branch_boom")
	if app.RunFinished {
		t.Fatalf("run finalised while an independent branch is in flight")
	}

	app = succeedTask(t, reg, "run-1", taskC, `{"ok": true}`)
	if !app.RunFinished || app.RunStatus != model.RunFailed {
		t.Fatalf("run should finalise failed once all branches conclude: %+v", app)
	}

	run, _ := reg.Get("run-1")
	if run.Nodes["C"].Status != model.NodeSucceeded {
		t.Fatalf("independent branch did not complete: %s", run.Nodes["C"].Status)
	}
}

func TestOptionalFailure_DoesNotFailRun(t *testing.T) {
	wf := linearSnapshot()
	wf.Nodes = append(wf.Nodes, model.Node{ID: "O", Type: "metrics", Package: stdPkg(), Optional: true})

	reg, clk := newTestRegistry()
	mustCreate(t, reg, "run-1", wf)

	ready := mustReady(t, reg, "run-1", "A", "O")
	taskA := dispatchUnit(t, reg, clk, "run-1", ready[0])
	taskO := dispatchUnit(t, reg, clk, "run-1", ready[1])

	failTask(t, reg, "run-1", taskO, "optional_boom")
	app := succeedTask(t, reg, "run-1", taskA, `{"value": 1}`)
	taskB := dispatchUnit(t, reg, clk, "run-1", app.NewlyReady[0])
	app = succeedTask(t, reg, "run-1", taskB, `{}`)

	if !app.RunFinished || app.RunStatus != model.RunSucceeded {
		t.Fatalf("optional failure should not fail the run: %+v", app)
	}
	run, _ := reg.Get("run-1")
	if run.Error != nil {
		t.Fatalf("optional failure set the run error: %v", run.Error)
	}
}

func TestUnresolvableBinding_StallSkipsAndFails(t *testing.T) {
	reg, clk := newTestRegistry()
	mustCreate(t, reg, "run-1", linearSnapshot())

	taskA := dispatchUnit(t, reg, clk, "run-1", mustReady(t, reg, "run-1", "A")[0])
	// A succeeds but never produces the bound /results/value path, so B can
	// never become ready.
	app := succeedTask(t, reg, "run-1", taskA, `{"other": 1}`)

	if !app.RunFinished || app.RunStatus != model.RunFailed {
		t.Fatalf("stalled run should finalise failed: %+v", app)
	}
	run, _ := reg.Get("run-1")
	if run.Nodes["B"].Status != model.NodeSkipped {
		t.Fatalf("unreachable node = %s, want skipped", run.Nodes["B"].Status)
	}
	if run.Error == nil || run.Error.Code != "no_sink_succeeded" {
		t.Fatalf("run error = %v, want no_sink_succeeded", run.Error)
	}
}

func TestRequestCancel_InFlightAndLateResult(t *testing.T) {
	reg, clk := newTestRegistry()
	mustCreate(t, reg, "run-1", linearSnapshot())

	taskA := dispatchUnit(t, reg, clk, "run-1", mustReady(t, reg, "run-1", "A")[0])

	cancel, err := reg.RequestCancel("run-1")
	if err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	if len(cancel.InFlight) != 1 || cancel.InFlight[0].TaskID != taskA || cancel.InFlight[0].NodeID != "A" {
		t.Fatalf("in-flight tasks = %+v, want task for A", cancel.InFlight)
	}

	run, _ := reg.Get("run-1")
	if run.Status != model.RunCancelled || run.FinishedAt == nil {
		t.Fatalf("run not cancelled: %s", run.Status)
	}
	if run.Nodes["A"].Status != model.NodeCancelled || run.Nodes["B"].Status != model.NodeCancelled {
		t.Fatalf("node states after cancel: A=%s B=%s", run.Nodes["A"].Status, run.Nodes["B"].Status)
	}

	late, err := reg.RecordResult("run-1", &Result{TaskID: taskA, Status: model.NodeSucceeded, Result: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("late result errored: %v", err)
	}
	if !late.Finalised {
		t.Fatalf("late result after cancel should report finalised, got %+v", late)
	}
	run, _ = reg.Get("run-1")
	if run.Nodes["A"].Status != model.NodeCancelled {
		t.Fatalf("late result mutated cancelled node: %s", run.Nodes["A"].Status)
	}

	again, err := reg.RequestCancel("run-1")
	if err != nil || !again.AlreadyFinalised {
		t.Fatalf("second cancel = (%+v, %v), want AlreadyFinalised", again, err)
	}
}

func TestResetExpiredDispatch_AckWins(t *testing.T) {
	reg, clk := newTestRegistry()
	mustCreate(t, reg, "run-1", linearSnapshot())

	taskA := dispatchUnit(t, reg, clk, "run-1", mustReady(t, reg, "run-1", "A")[0])

	acked, err := reg.ConfirmDispatch("run-1", taskA)
	if err != nil || !acked {
		t.Fatalf("ConfirmDispatch = (%v, %v), want acked", acked, err)
	}

	out, err := reg.ResetExpiredDispatch("run-1", taskA)
	if err != nil {
		t.Fatalf("ResetExpiredDispatch failed: %v", err)
	}
	if out.Reset {
		t.Fatalf("acked task was reset by the deadline path")
	}

	// A transient worker cancel resets unconditionally.
	out, err = reg.ResetDispatch("run-1", taskA)
	if err != nil || !out.Reset {
		t.Fatalf("ResetDispatch = (%+v, %v), want reset", out, err)
	}
	if out.Node.NodeID != "A" || out.Attempt != 1 {
		t.Fatalf("reset outcome = %+v", out)
	}

	ready := mustReady(t, reg, "run-1", "A")
	dispatchUnit(t, reg, clk, "run-1", ready[0])
	run, _ := reg.Get("run-1")
	if run.Nodes["A"].Attempt != 2 {
		t.Fatalf("attempt after redispatch = %d, want 2", run.Nodes["A"].Attempt)
	}
}

func TestResetExpiredDispatch_UnackedResets(t *testing.T) {
	reg, clk := newTestRegistry()
	mustCreate(t, reg, "run-1", linearSnapshot())

	taskA := dispatchUnit(t, reg, clk, "run-1", mustReady(t, reg, "run-1", "A")[0])

	out, err := reg.ResetExpiredDispatch("run-1", taskA)
	if err != nil || !out.Reset {
		t.Fatalf("ResetExpiredDispatch = (%+v, %v), want reset", out, err)
	}
	run, _ := reg.Get("run-1")
	if run.Nodes["A"].Status != model.NodeQueued || run.Nodes["A"].TaskID != "" {
		t.Fatalf("dispatch bookkeeping not cleared: %+v", run.Nodes["A"])
	}
}

func TestResetWorkerTasks_OnlyNamedWorker(t *testing.T) {
	reg, clk := newTestRegistry()
	mustCreate(t, reg, "run-1", linearSnapshot())
	mustCreate(t, reg, "run-2", linearSnapshot())

	dispatchAs(t, reg, clk, "run-1", mustReady(t, reg, "run-1", "A")[0], "w1")
	dispatchAs(t, reg, clk, "run-2", mustReady(t, reg, "run-2", "A")[0], "w2")

	resets := reg.ResetWorkerTasks("w1")
	if len(resets) != 1 || resets[0].RunID != "run-1" || resets[0].Node.NodeID != "A" {
		t.Fatalf("resets = %+v, want only run-1/A", resets)
	}

	run1, _ := reg.Get("run-1")
	run2, _ := reg.Get("run-2")
	if run1.Nodes["A"].Status != model.NodeQueued {
		t.Fatalf("run-1 A not requeued: %s", run1.Nodes["A"].Status)
	}
	if run2.Nodes["A"].Status != model.NodeRunning {
		t.Fatalf("run-2 A disturbed: %s", run2.Nodes["A"].Status)
	}
}

func TestList_FilterAndPaging(t *testing.T) {
	reg, clk := newTestRegistry()
	for _, id := range []string{"run-1", "run-2", "run-3"} {
		mustCreate(t, reg, id, linearSnapshot())
		clk.Advance(time.Minute)
	}
	// run-3 becomes running; the others stay queued.
	dispatchUnit(t, reg, clk, "run-3", mustReady(t, reg, "run-3", "A")[0])

	page, next, err := reg.List(ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page) != 2 || page[0].RunID != "run-3" || page[1].RunID != "run-2" {
		t.Fatalf("first page = %v", runIDs(page))
	}
	if next != "run-2" {
		t.Fatalf("next cursor = %q, want run-2", next)
	}

	page, next, err = reg.List(ListFilter{Limit: 2, Cursor: next})
	if err != nil {
		t.Fatalf("second page failed: %v", err)
	}
	if len(page) != 1 || page[0].RunID != "run-1" || next != "" {
		t.Fatalf("second page = %v, next = %q", runIDs(page), next)
	}

	if _, _, err := reg.List(ListFilter{Cursor: "run-missing"}); !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("invalid cursor error = %v, want ErrInvalidCursor", err)
	}

	page, _, err = reg.List(ListFilter{Status: model.RunRunning})
	if err != nil {
		t.Fatalf("status filter failed: %v", err)
	}
	if len(page) != 1 || page[0].RunID != "run-3" {
		t.Fatalf("status filter page = %v, want [run-3]", runIDs(page))
	}
}

func runIDs(runs []*model.Run) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.RunID
	}
	return ids
}

func TestCreateRun_DuplicateAndInvalid(t *testing.T) {
	reg, _ := newTestRegistry()
	mustCreate(t, reg, "run-1", linearSnapshot())

	if _, err := reg.CreateRun("run-1", "tenant-a", "client-1", linearSnapshot()); !errors.Is(err, ErrRunExists) {
		t.Fatalf("duplicate create error = %v, want ErrRunExists", err)
	}

	bad := linearSnapshot()
	bad.Edges[0].Target.Node = "Z"
	if _, err := reg.CreateRun("run-2", "tenant-a", "client-1", bad); err == nil {
		t.Fatalf("invalid snapshot accepted")
	}
	if _, err := reg.Get("run-2"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("invalid snapshot left state behind: %v", err)
	}
}

func TestFailQueued_ConcludesUndeliverableUnit(t *testing.T) {
	reg, _ := newTestRegistry()
	mustCreate(t, reg, "run-1", linearSnapshot())

	ready := mustReady(t, reg, "run-1", "A")
	app, err := reg.FailQueued("run-1", ready[0], &model.NodeError{Code: "worker_unavailable", Message: "no eligible worker"})
	if err != nil {
		t.Fatalf("FailQueued failed: %v", err)
	}
	if !app.RunFinished || app.RunStatus != model.RunFailed {
		t.Fatalf("application = %+v, want failed run", app)
	}

	run, _ := reg.Get("run-1")
	if run.Nodes["A"].Status != model.NodeFailed || run.Nodes["A"].Error.Code != "worker_unavailable" {
		t.Fatalf("A state = %+v", run.Nodes["A"])
	}
	if run.Nodes["B"].Status != model.NodeSkipped {
		t.Fatalf("B status = %s, want skipped", run.Nodes["B"].Status)
	}
}

func TestFailQueued_RequiresQueuedUnit(t *testing.T) {
	reg, clk := newTestRegistry()
	mustCreate(t, reg, "run-1", linearSnapshot())

	ready := mustReady(t, reg, "run-1", "A")
	dispatchUnit(t, reg, clk, "run-1", ready[0])

	app, err := reg.FailQueued("run-1", ready[0], &model.NodeError{Code: "worker_unavailable", Message: "late"})
	if err != nil {
		t.Fatalf("FailQueued failed: %v", err)
	}
	if !app.Duplicate {
		t.Fatalf("application = %+v, want duplicate no-op", app)
	}
	if run, _ := reg.Get("run-1"); run.Nodes["A"].Status != model.NodeRunning {
		t.Fatalf("A status = %s, want running", run.Nodes["A"].Status)
	}
}

package events

import (
	"github.com/weftlabs/weft/cmd/controlplane/registry"
	"github.com/weftlabs/weft/common/model"
	"github.com/weftlabs/weft/common/wire"
)

// Producer-facing publishers. Every method queues and returns; the hub
// loop does the id stamping, journaling and fan-out.

// RunStarted reports a freshly accepted run.
func (h *Hub) RunStarted(runID, workflowID, clientID string) {
	h.emit(KindRunStarted, runID, "", &RunStartedData{
		WorkflowID: workflowID,
		ClientID:   clientID,
	})
}

// RunCancelRequested reports an accepted cancel request. The terminal
// run.finished event follows once in-flight tasks unwind.
func (h *Hub) RunCancelRequested(runID, reason string) {
	h.emit(KindRunCancelRequested, runID, "", &RunCancelRequestedData{Reason: reason})
}

// RunFinished reports a run reaching a terminal status.
func (h *Hub) RunFinished(runID string, status model.RunStatus, runErr *model.NodeError) {
	h.emit(KindRunFinished, runID, "", &RunFinishedData{Status: status, Error: runErr})
}

// NodeDispatched reports a task handed to a worker.
func (h *Hub) NodeDispatched(runID, nodeID, middleware, worker, taskID string, attempt int) {
	h.emit(KindNodeDispatched, runID, worker, &NodeDispatchedData{
		NodeID:     nodeID,
		Middleware: middleware,
		TaskID:     taskID,
		Attempt:    attempt,
	})
}

// NodeFinished reports an applied task result.
func (h *Hub) NodeFinished(app *registry.ResultApplication) {
	h.emit(KindNodeFinished, app.RunID, "", &NodeFinishedData{
		NodeID:     app.NodeID,
		Middleware: app.Middleware,
		Status:     app.Status,
		Retrying:   app.RetryAt != nil,
		Skipped:    app.Skipped,
	})
}

// WorkerProgress relays a task progress report.
func (h *Hub) WorkerProgress(p *wire.Progress) {
	h.emit(KindNodeProgress, p.RunID, "", &NodeProgressData{
		NodeID:  p.NodeID,
		TaskID:  p.TaskID,
		Percent: p.Percent,
		Message: p.Message,
		Detail:  p.Data,
	})
}

// WorkerStatusChanged reports a catalogue status transition.
func (h *Hub) WorkerStatusChanged(name string, status model.WorkerStatus) {
	h.emit(KindWorkerStatus, "", name, &WorkerStatusData{Status: status})
}

// AdminCommandCompleted reports an admin command outcome.
func (h *Hub) AdminCommandCompleted(worker string, res *wire.AdminResult) {
	h.emit(KindWorkerCommand, "", worker, &WorkerCommandData{
		CommandID: res.CommandID,
		Status:    res.Status,
		Message:   res.Message,
	})
}

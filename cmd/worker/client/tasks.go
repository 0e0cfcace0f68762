package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/weftlabs/weft/cmd/worker/executor"
	"github.com/weftlabs/weft/common/metrics"
	"github.com/weftlabs/weft/common/model"
	"github.com/weftlabs/weft/common/wire"
)

// taskHandle tracks one accepted dispatch from ack to result.
type taskHandle struct {
	runID  string
	nodeID string
	taskID string

	ctx    context.Context
	cancel context.CancelFunc

	// serverCancelled flips when a cancel frame names this task; the runner
	// then reports nothing, since the control plane already moved on.
	serverCancelled atomic.Bool
}

// acceptDispatch either hands the task straight back (draining, missing
// executor or package) or registers a handle and starts the runner. Called
// from the read loop, so nothing here may block on the send window.
func (c *Client) acceptDispatch(d *wire.Dispatch) {
	if reason := c.refusal(d); reason != "" {
		c.logger.Warn("dispatch refused",
			"run_id", d.RunID, "task_id", d.TaskID,
			"node_type", d.NodeType, "reason", reason)
		c.taskWG.Add(1)
		go func() {
			defer c.taskWG.Done()
			c.handBack(d, reason)
		}()
		return
	}

	c.mu.Lock()
	if _, exists := c.tasks[d.TaskID]; exists {
		c.mu.Unlock()
		return
	}
	hctx, cancel := context.WithCancel(c.sessCtx)
	h := &taskHandle{
		runID:  d.RunID,
		nodeID: d.NodeID,
		taskID: d.TaskID,
		ctx:    hctx,
		cancel: cancel,
	}
	c.tasks[d.TaskID] = h
	c.mu.Unlock()

	c.taskWG.Add(1)
	go func() {
		defer c.taskWG.Done()
		c.executeTask(h, d)
	}()
}

// refusal names why a dispatch cannot be accepted, or returns "" to accept.
// Refused tasks hand back transient so selection can try another worker.
func (c *Client) refusal(d *wire.Dispatch) string {
	c.mu.Lock()
	draining := c.draining
	c.mu.Unlock()
	if draining {
		return "draining"
	}
	if _, ok := c.execs.Get(d.NodeType); !ok {
		return "no executor for node type " + d.NodeType
	}
	if d.PackageName != "" {
		ref := d.PackageName + "@" + d.PackageVersion
		if !c.packages.Has(ref) {
			return "package " + ref + " not installed"
		}
	}
	return ""
}

// executeTask acks the dispatch, queues behind the concurrency gate, runs
// the executor and reports the outcome.
func (c *Client) executeTask(h *taskHandle, d *wire.Dispatch) {
	defer c.finishTask(h)

	ackFrame, err := wire.NewFrame(wire.KindDispatchAck, wire.DispatchAck{
		RunID:      d.RunID,
		TaskID:     d.TaskID,
		DispatchID: d.DispatchID,
	})
	if err == nil {
		err = c.send(h.ctx, ackFrame)
	}
	if err != nil {
		c.logger.Debug("dispatch ack not sent", "task_id", d.TaskID, "error", err)
		return
	}

	select {
	case c.sem <- struct{}{}:
	case <-h.ctx.Done():
		return
	}
	defer func() { <-c.sem }()

	exec, ok := c.execs.Get(d.NodeType)
	if !ok {
		c.handBack(d, "no executor for node type "+d.NodeType)
		return
	}

	c.logger.Info("task started",
		"run_id", d.RunID, "node_id", d.NodeID, "task_id", d.TaskID,
		"node_type", d.NodeType)
	started := c.now()
	out, execErr := exec.Execute(h.ctx, &executor.Task{
		RunID:      d.RunID,
		NodeID:     d.NodeID,
		TaskID:     d.TaskID,
		NodeType:   d.NodeType,
		Parameters: d.Parameters,
		Progress:   c.progressFor(d),
	})
	elapsed := c.now().Sub(started)
	metrics.TaskDuration.WithLabelValues(d.NodeType).Observe(elapsed.Seconds())

	if h.serverCancelled.Load() {
		metrics.TasksExecuted.WithLabelValues(d.NodeType, "cancelled").Inc()
		c.logger.Info("task abandoned after cancel",
			"run_id", d.RunID, "task_id", d.TaskID)
		return
	}
	if execErr != nil && h.ctx.Err() != nil {
		// The session was reset or the worker is shutting down; the
		// control plane hands these tasks back on its own.
		metrics.TasksExecuted.WithLabelValues(d.NodeType, "abandoned").Inc()
		return
	}

	res := wire.Result{
		RunID:      d.RunID,
		TaskID:     d.TaskID,
		DurationMS: elapsed.Milliseconds(),
	}
	if execErr != nil {
		res.Status = string(model.NodeFailed)
		var ne *model.NodeError
		if errors.As(execErr, &ne) {
			res.Error = ne
		} else {
			res.Error = &model.NodeError{Code: "task_failed", Message: execErr.Error()}
		}
		metrics.TasksExecuted.WithLabelValues(d.NodeType, "failed").Inc()
	} else {
		res.Status = string(model.NodeSucceeded)
		res.Result = out
		metrics.TasksExecuted.WithLabelValues(d.NodeType, "succeeded").Inc()
	}

	f, err := wire.NewFrame(wire.KindResult, res)
	if err != nil {
		c.logger.Error("result encode failed", "task_id", d.TaskID, "error", err)
		return
	}
	if err := c.send(h.ctx, f); err != nil {
		c.logger.Warn("result not sent", "task_id", d.TaskID, "error", err)
		return
	}
	c.logger.Info("task finished",
		"run_id", d.RunID, "task_id", d.TaskID,
		"status", res.Status, "duration_ms", res.DurationMS)
}

// finishTask retires a handle and, when draining, checks whether this was
// the last one.
func (c *Client) finishTask(h *taskHandle) {
	h.cancel()
	c.mu.Lock()
	if c.tasks[h.taskID] == h {
		delete(c.tasks, h.taskID)
	}
	c.mu.Unlock()
	c.maybeFinishDrain()
}

// cancelTask aborts a running task on the control plane's order. No result
// follows: the plane marked the node cancelled before telling us.
func (c *Client) cancelTask(p *wire.Cancel) {
	c.mu.Lock()
	h := c.tasks[p.TaskID]
	c.mu.Unlock()
	if h == nil {
		c.logger.Debug("cancel for unknown task", "task_id", p.TaskID)
		return
	}
	h.serverCancelled.Store(true)
	h.cancel()
	c.logger.Info("task cancelled by control plane",
		"run_id", p.RunID, "task_id", p.TaskID, "reason", p.Reason)
}

// handBack returns a task unstarted with a transient worker_cancel, letting
// the dispatcher pick another worker.
func (c *Client) handBack(d *wire.Dispatch, reason string) {
	f, err := wire.NewFrame(wire.KindWorkerCancel, wire.WorkerCancel{
		RunID:  d.RunID,
		TaskID: d.TaskID,
		Class:  wire.CancelTransient,
		Reason: reason,
	})
	if err != nil {
		return
	}
	if err := c.send(c.sessionCtx(), f); err != nil {
		c.logger.Debug("hand-back not sent", "task_id", d.TaskID, "error", err)
		return
	}
	metrics.TasksExecuted.WithLabelValues(d.NodeType, "handed_back").Inc()
}

// progressFor builds the progress callback for one dispatch. Updates ride
// trySend: a full window drops them rather than stall the executor.
func (c *Client) progressFor(d *wire.Dispatch) executor.ProgressFunc {
	return func(percent float64, message string, data json.RawMessage) {
		f, err := wire.NewFrame(wire.KindProgress, wire.Progress{
			RunID:   d.RunID,
			TaskID:  d.TaskID,
			NodeID:  d.NodeID,
			Percent: percent,
			Message: message,
			Data:    data,
		})
		if err != nil {
			return
		}
		c.trySend(f)
	}
}

// maybeFinishDrain says bye and exits once draining has no tasks left. The
// sent flag re-arms on resume, so a bye that died with the old transport is
// retried on the next one.
func (c *Client) maybeFinishDrain() {
	c.mu.Lock()
	idle := c.draining && len(c.tasks) == 0
	already := c.drainSent
	if idle {
		c.drainSent = true
	}
	c.mu.Unlock()
	if !idle || already {
		return
	}
	c.logger.Info("drained, closing session", "worker", c.cfg.Name)
	c.sayBye(wire.CloseDrained, errDrained)
}

// drainedIdle reports drain completion for the redial loop: a drained worker
// with nothing in flight has no session worth resuming.
func (c *Client) drainedIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining && len(c.tasks) == 0
}

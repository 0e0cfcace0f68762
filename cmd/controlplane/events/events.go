// Package events is the control-plane firehose: run and worker state
// changes get monotonic ids, are journaled to a capped Redis stream and
// fan out to SSE subscribers. A subscriber that reconnects replays the
// journal from its Last-Event-ID and misses nothing the journal still
// holds.
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/weftlabs/weft/common/model"
)

// Kind tags the state change an event reports.
type Kind string

const (
	KindRunStarted         Kind = "run.started"
	KindRunCancelRequested Kind = "run.cancel_requested"
	KindRunFinished        Kind = "run.finished"
	KindNodeDispatched     Kind = "node.dispatched"
	KindNodeProgress       Kind = "node.progress"
	KindNodeFinished       Kind = "node.finished"
	KindWorkerStatus       Kind = "worker.status"
	KindWorkerCommand      Kind = "worker.command"
)

// Event is one firehose entry. Ids use the journal's stream id form
// (ms-seq) and increase monotonically, which is what makes Last-Event-ID
// resumption possible.
type Event struct {
	ID     string          `json:"id"`
	Kind   Kind            `json:"kind"`
	RunID  string          `json:"run_id,omitempty"`
	Worker string          `json:"worker,omitempty"`
	At     time.Time       `json:"at"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Data payloads, one per kind. Exported so API clients can decode them.

type RunStartedData struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	ClientID   string `json:"client_id,omitempty"`
}

type RunCancelRequestedData struct {
	Reason string `json:"reason,omitempty"`
}

type RunFinishedData struct {
	Status model.RunStatus  `json:"status"`
	Error  *model.NodeError `json:"error,omitempty"`
}

type NodeDispatchedData struct {
	NodeID     string `json:"node_id"`
	Middleware string `json:"middleware,omitempty"`
	TaskID     string `json:"task_id"`
	Attempt    int    `json:"attempt"`
}

type NodeProgressData struct {
	NodeID  string          `json:"node_id,omitempty"`
	TaskID  string          `json:"task_id"`
	Percent float64         `json:"percent,omitempty"`
	Message string          `json:"message,omitempty"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

type NodeFinishedData struct {
	NodeID     string           `json:"node_id"`
	Middleware string           `json:"middleware,omitempty"`
	Status     model.NodeStatus `json:"status"`
	Retrying   bool             `json:"retrying,omitempty"`
	Skipped    []string         `json:"skipped,omitempty"`
}

type WorkerStatusData struct {
	Status model.WorkerStatus `json:"status"`
}

type WorkerCommandData struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// WriteSSE encodes one event as a server-sent-events frame. The data line
// carries the whole event so subscribers get a self-describing object.
func WriteSSE(w io.Writer, ev *Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Kind, body)
	return err
}

// WriteSSEComment emits a comment frame, used as a keep-alive.
func WriteSSEComment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}

// CompareIDs orders two event ids numerically, milliseconds first then
// sequence. Empty and malformed ids sort before every well-formed id, so
// a client with no Last-Event-ID replays from the start.
func CompareIDs(a, b string) int {
	ams, aseq := splitID(a)
	bms, bseq := splitID(b)
	switch {
	case ams != bms:
		if ams < bms {
			return -1
		}
		return 1
	case aseq != bseq:
		if aseq < bseq {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func splitID(id string) (ms, seq int64) {
	head, tail, _ := strings.Cut(id, "-")
	ms, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return -1, -1
	}
	if tail == "" {
		return ms, 0
	}
	seq, err = strconv.ParseInt(tail, 10, 64)
	if err != nil {
		return -1, -1
	}
	return ms, seq
}

// Journal field layout: the kind rides along in clear for stream
// inspection, the event body is the authoritative record.
const (
	journalKindField  = "kind"
	journalEventField = "event"
)

func eventFromJournal(id string, values map[string]interface{}) (*Event, error) {
	raw, ok := values[journalEventField].(string)
	if !ok {
		return nil, fmt.Errorf("journal entry %s has no event body", id)
	}
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("failed to decode journal entry %s: %w", id, err)
	}
	ev.ID = id
	return &ev, nil
}

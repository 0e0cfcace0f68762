// Package wire defines the framed protocol spoken between the control plane
// and workers, plus the sliding-window sequencing both sides share. Frames
// are JSON objects over a persistent duplex transport; every frame carries a
// strictly monotonic seq and may piggyback an acknowledgement.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/weftlabs/weft/common/model"
)

// Kind tags a frame with its payload variant. Unknown kinds are rejected at
// parse time.
type Kind string

const (
	KindHello        Kind = "hello"
	KindHelloAck     Kind = "hello_ack"
	KindPing         Kind = "ping"
	KindPong         Kind = "pong"
	KindDispatch     Kind = "dispatch"
	KindDispatchAck  Kind = "dispatch_ack"
	KindProgress     Kind = "progress"
	KindResult       Kind = "result"
	KindCancel       Kind = "cancel"
	KindWorkerCancel Kind = "worker_cancel"
	KindAdminCmd     Kind = "admin_cmd"
	KindAdminResult  Kind = "admin_result"
	KindAck          Kind = "ack"
	KindResume       Kind = "resume"
	KindBye          Kind = "bye"
)

var knownKinds = map[Kind]bool{
	KindHello: true, KindHelloAck: true, KindPing: true, KindPong: true,
	KindDispatch: true, KindDispatchAck: true, KindProgress: true,
	KindResult: true, KindCancel: true, KindWorkerCancel: true,
	KindAdminCmd: true, KindAdminResult: true, KindAck: true,
	KindResume: true, KindBye: true,
}

// Reliable reports whether frames of this kind occupy the send window and
// must be acknowledged. Control frames (handshake, heartbeat, acks, close)
// are fire-and-forget; losing one costs nothing a later frame won't repair.
func (k Kind) Reliable() bool {
	switch k {
	case KindDispatch, KindDispatchAck, KindProgress, KindResult,
		KindCancel, KindWorkerCancel, KindAdminCmd, KindAdminResult:
		return true
	}
	return false
}

// Ack acknowledges received frames: everything up to UpTo cumulatively, plus
// selective receipt above it. Bit i of Bitmap (byte i/8, bit i%8) set means
// seq UpTo+1+i arrived.
type Ack struct {
	UpTo   uint64 `json:"up_to"`
	Bitmap []byte `json:"bitmap,omitempty"`
}

// Has reports whether the ack covers seq.
func (a *Ack) Has(seq uint64) bool {
	if seq <= a.UpTo {
		return true
	}
	i := seq - a.UpTo - 1
	byteIdx := int(i / 8)
	if byteIdx >= len(a.Bitmap) {
		return false
	}
	return a.Bitmap[byteIdx]&(1<<(i%8)) != 0
}

// Frame is the on-wire envelope.
type Frame struct {
	Kind    Kind            `json:"kind"`
	Seq     uint64          `json:"seq"`
	Ack     *Ack            `json:"ack,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses a raw frame and rejects unknown kinds.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if !knownKinds[f.Kind] {
		return nil, fmt.Errorf("unknown frame kind: %q", f.Kind)
	}
	return &f, nil
}

// Encode serialises a frame for the transport.
func (f *Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Kind, err)
	}
	return data, nil
}

// DecodePayload unmarshals the kind-specific payload into the given struct.
func (f *Frame) DecodePayload(into interface{}) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has empty payload", f.Kind)
	}
	if err := json.Unmarshal(f.Payload, into); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Kind, err)
	}
	return nil
}

// NewFrame builds a frame with a marshalled payload. Seq is assigned by the
// session writer at send time.
func NewFrame(kind Kind, payload interface{}) (*Frame, error) {
	f := &Frame{Kind: kind}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		f.Payload = data
	}
	return f, nil
}

// Hello opens a session. A worker reconnecting inside the resume grace sets
// PriorSessionID, LastAckedSeq and the resume token it was issued.
type Hello struct {
	Token          string   `json:"token"`
	WorkerName     string   `json:"worker_name"`
	Capabilities   []string `json:"capabilities"`
	Packages       []string `json:"packages,omitempty"`
	Queue          string   `json:"queue,omitempty"`
	PriorSessionID string   `json:"prior_session_id,omitempty"`
	LastAckedSeq   uint64   `json:"last_acked_seq,omitempty"`
	ResumeToken    string   `json:"resume_token,omitempty"`
}

// HelloAck confirms a session and hands the worker its resume credentials.
type HelloAck struct {
	SessionID        string `json:"session_id"`
	ResumeToken      string `json:"resume_token"`
	WindowSize       int    `json:"window_size"`
	HeartbeatSeconds int    `json:"heartbeat_seconds"`
	Resumed          bool   `json:"resumed,omitempty"`
}

// Dispatch asks a worker to execute one node or middleware hop.
type Dispatch struct {
	RunID          string          `json:"run_id"`
	Tenant         string          `json:"tenant"`
	NodeID         string          `json:"node_id"`
	TaskID         string          `json:"task_id"`
	NodeType       string          `json:"node_type"`
	PackageName    string          `json:"package_name"`
	PackageVersion string          `json:"package_version"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	ResourceRefs   []string        `json:"resource_refs,omitempty"`
	Affinity       string          `json:"affinity,omitempty"`
	ConcurrencyKey string          `json:"concurrency_key,omitempty"`
	Seq            uint64          `json:"seq"`
	DispatchID     string          `json:"dispatch_id"`

	// Middleware hop fields: HostNodeID names the owning host, the chain
	// lists hop ids in order and ChainIndex points at this hop. A host
	// dispatch carries no ChainIndex.
	HostNodeID      string   `json:"host_node_id,omitempty"`
	MiddlewareChain []string `json:"middleware_chain,omitempty"`
	ChainIndex      *int     `json:"chain_index,omitempty"`
}

// DispatchAck confirms a worker accepted a task.
type DispatchAck struct {
	RunID      string `json:"run_id"`
	TaskID     string `json:"task_id"`
	DispatchID string `json:"dispatch_id"`
}

// Progress streams interim task output.
type Progress struct {
	RunID   string          `json:"run_id"`
	TaskID  string          `json:"task_id"`
	NodeID  string          `json:"node_id,omitempty"`
	Percent float64         `json:"percent,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Result reports task completion.
type Result struct {
	RunID      string           `json:"run_id"`
	TaskID     string           `json:"task_id"`
	Status     string           `json:"status"`
	Result     json.RawMessage  `json:"result,omitempty"`
	Error      *model.NodeError `json:"error,omitempty"`
	Metadata   json.RawMessage  `json:"metadata,omitempty"`
	DurationMS int64            `json:"duration_ms,omitempty"`
}

// Cancel tells a worker to abandon a task.
type Cancel struct {
	RunID  string `json:"run_id"`
	TaskID string `json:"task_id"`
	NodeID string `json:"node_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// CancelClass distinguishes worker-initiated cancels the control plane can
// retry elsewhere from ones that must fail the node.
type CancelClass string

const (
	CancelTransient CancelClass = "transient"
	CancelPermanent CancelClass = "permanent"
)

// WorkerCancel is a worker handing a task back.
type WorkerCancel struct {
	RunID  string      `json:"run_id"`
	TaskID string      `json:"task_id"`
	Class  CancelClass `json:"class"`
	Reason string      `json:"reason,omitempty"`
}

// Admin command names.
const (
	AdminDrain        = "drain"
	AdminRebind       = "rebind"
	AdminPkgInstall   = "pkg.install"
	AdminPkgUninstall = "pkg.uninstall"
)

// AdminCommand carries an operator command to a worker.
type AdminCommand struct {
	CommandID string          `json:"command_id"`
	Command   string          `json:"command"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// AdminResult reports command completion, correlated by CommandID.
type AdminResult struct {
	CommandID string          `json:"command_id"`
	Status    string          `json:"status"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Resume announces the replay span the server re-sends after a session is
// resumed; replayed frames keep their original seq.
type Resume struct {
	SessionID string `json:"session_id"`
	FromSeq   uint64 `json:"from_seq"`
	ToSeq     uint64 `json:"to_seq"`
}

// Close reasons carried on bye frames.
const (
	CloseAuthFailed = "auth_failed"
	CloseConflict   = "conflict"
	CloseShutdown   = "shutdown"
	CloseDrained    = "drained"
)

// Bye closes a session gracefully.
type Bye struct {
	Reason string `json:"reason,omitempty"`
}


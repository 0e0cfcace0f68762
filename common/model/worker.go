package model

import (
	"time"
)

// WorkerStatus is the catalogue status of a connected worker.
type WorkerStatus string

const (
	WorkerOnline   WorkerStatus = "online"
	WorkerDraining WorkerStatus = "draining"
	WorkerOffline  WorkerStatus = "offline"
)

// WorkerRecord is the catalogue entry for one worker. The gateway owns the
// record; the dispatcher reads copies of it during selection.
type WorkerRecord struct {
	Name            string    `json:"worker_name"`
	RegisteredAt    time.Time `json:"registered_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`

	// Capabilities lists executable node types; Packages lists installed
	// packages in name@version form.
	Capabilities []string `json:"capabilities"`
	Packages     []string `json:"packages,omitempty"`

	Queue         string       `json:"queue,omitempty"`
	InFlight      int          `json:"in_flight_tasks"`
	LatencyEWMAMS float64      `json:"observed_latency_ms_ewma"`
	Status        WorkerStatus `json:"status"`
	SessionID     string       `json:"session_id,omitempty"`
}

// CanExecute reports whether the worker advertises the node type and the
// exact package version a dispatch needs.
func (w *WorkerRecord) CanExecute(nodeType string, pkg PackageRef) bool {
	typeOK := false
	for _, c := range w.Capabilities {
		if c == nodeType {
			typeOK = true
			break
		}
	}
	if !typeOK {
		return false
	}
	if pkg.Name == "" {
		return true
	}
	want := pkg.String()
	for _, p := range w.Packages {
		if p == want {
			return true
		}
	}
	return false
}

// HeartbeatFresh reports whether the last heartbeat is within maxAge of now.
// A heartbeat exactly at the threshold still counts.
func (w *WorkerRecord) HeartbeatFresh(now time.Time, maxAge time.Duration) bool {
	return !w.LastHeartbeatAt.Before(now.Add(-maxAge))
}

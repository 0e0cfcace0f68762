package gateway

import (
	"sync"
	"time"

	"github.com/weftlabs/weft/common/metrics"
	"github.com/weftlabs/weft/common/model"
	"github.com/weftlabs/weft/common/wire"
)

// latencyAlpha weights the newest task duration in the per-worker EWMA.
const latencyAlpha = 0.3

// Catalogue is the in-memory worker directory. The gateway writes it from
// session traffic; the dispatcher and the HTTP layer read copies. Records
// survive disconnects so operators can still see workers that went away.
type Catalogue struct {
	logger Logger
	now    func() time.Time

	mu      sync.RWMutex
	workers map[string]*model.WorkerRecord
}

// CatalogueOpts contains options for creating a catalogue.
type CatalogueOpts struct {
	Logger Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// NewCatalogue creates an empty worker catalogue.
func NewCatalogue(opts *CatalogueOpts) *Catalogue {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Catalogue{
		logger:  opts.Logger,
		now:     now,
		workers: make(map[string]*model.WorkerRecord),
	}
}

// Bind upserts a worker record from a completed handshake. A fresh bind
// resets the in-flight count; a resumed one keeps it, since the worker still
// holds its tasks.
func (c *Catalogue) Bind(h *wire.Hello, sessionID string, resumed bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.workers[h.WorkerName]
	if !ok {
		rec = &model.WorkerRecord{Name: h.WorkerName, RegisteredAt: now}
		c.workers[h.WorkerName] = rec
		metrics.WorkersTotal.WithLabelValues(string(model.WorkerOnline)).Inc()
	} else if rec.Status != model.WorkerOnline {
		metrics.WorkersTotal.WithLabelValues(string(rec.Status)).Dec()
		metrics.WorkersTotal.WithLabelValues(string(model.WorkerOnline)).Inc()
	}
	rec.Capabilities = append([]string(nil), h.Capabilities...)
	rec.Packages = append([]string(nil), h.Packages...)
	rec.Queue = h.Queue
	rec.Status = model.WorkerOnline
	rec.SessionID = sessionID
	rec.LastHeartbeatAt = now
	if !resumed {
		rec.InFlight = 0
	}
}

// Heartbeat refreshes the liveness timestamp. Any inbound frame counts.
func (c *Catalogue) Heartbeat(name string) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.workers[name]; ok {
		rec.LastHeartbeatAt = now
	}
}

// TaskStarted bumps the advisory in-flight count after a dispatch send.
func (c *Catalogue) TaskStarted(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.workers[name]; ok {
		rec.InFlight++
	}
}

// TaskFinished decrements the in-flight count and folds the observed task
// duration into the latency EWMA. A zero duration (worker cancel, missing
// timing) leaves the estimate alone.
func (c *Catalogue) TaskFinished(name string, durationMS int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.workers[name]
	if !ok {
		return
	}
	if rec.InFlight > 0 {
		rec.InFlight--
	}
	if durationMS <= 0 {
		return
	}
	if rec.LatencyEWMAMS == 0 {
		rec.LatencyEWMAMS = float64(durationMS)
		return
	}
	rec.LatencyEWMAMS = latencyAlpha*float64(durationMS) + (1-latencyAlpha)*rec.LatencyEWMAMS
}

// SetStatus moves a worker between online, draining and offline. Reports
// whether the status actually changed.
func (c *Catalogue) SetStatus(name string, status model.WorkerStatus) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.workers[name]
	if !ok || rec.Status == status {
		return false
	}
	metrics.WorkersTotal.WithLabelValues(string(rec.Status)).Dec()
	metrics.WorkersTotal.WithLabelValues(string(status)).Inc()
	rec.Status = status
	return true
}

// SetQueue rebinds the worker to a new queue.
func (c *Catalogue) SetQueue(name, queue string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.workers[name]; ok {
		rec.Queue = queue
	}
}

// InstallPackage records a package (name@version) the worker now serves.
func (c *Catalogue) InstallPackage(name, pkg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.workers[name]
	if !ok {
		return
	}
	for _, p := range rec.Packages {
		if p == pkg {
			return
		}
	}
	rec.Packages = append(rec.Packages, pkg)
}

// UninstallPackage removes a package from the worker's advertised set.
func (c *Catalogue) UninstallPackage(name, pkg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.workers[name]
	if !ok {
		return
	}
	kept := rec.Packages[:0]
	for _, p := range rec.Packages {
		if p != pkg {
			kept = append(kept, p)
		}
	}
	rec.Packages = kept
}

// Get returns a copy of one worker record.
func (c *Catalogue) Get(name string) (model.WorkerRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.workers[name]
	if !ok {
		return model.WorkerRecord{}, false
	}
	return cloneRecord(rec), true
}

// Workers returns copies of every record. Satisfies the dispatcher's
// directory contract.
func (c *Catalogue) Workers() []model.WorkerRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.WorkerRecord, 0, len(c.workers))
	for _, rec := range c.workers {
		out = append(out, cloneRecord(rec))
	}
	return out
}

// SweepStale flips online workers with heartbeats older than maxAge to
// offline and returns their names. Draining workers age out the same way.
func (c *Catalogue) SweepStale(maxAge time.Duration) []string {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	var flipped []string
	for name, rec := range c.workers {
		if rec.Status == model.WorkerOffline || rec.HeartbeatFresh(now, maxAge) {
			continue
		}
		metrics.WorkersTotal.WithLabelValues(string(rec.Status)).Dec()
		metrics.WorkersTotal.WithLabelValues(string(model.WorkerOffline)).Inc()
		rec.Status = model.WorkerOffline
		flipped = append(flipped, name)
	}
	return flipped
}

func cloneRecord(rec *model.WorkerRecord) model.WorkerRecord {
	out := *rec
	out.Capabilities = append([]string(nil), rec.Capabilities...)
	out.Packages = append([]string(nil), rec.Packages...)
	return out
}

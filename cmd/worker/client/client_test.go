package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/weftlabs/weft/cmd/controlplane/gateway"
	"github.com/weftlabs/weft/cmd/controlplane/registry"
	"github.com/weftlabs/weft/cmd/worker/executor"
	"github.com/weftlabs/weft/common/config"
	"github.com/weftlabs/weft/common/model"
	"github.com/weftlabs/weft/common/wire"
)

type nopLogger struct{}

func (nopLogger) Info(msg string, args ...interface{})  {}
func (nopLogger) Error(msg string, args ...interface{}) {}
func (nopLogger) Warn(msg string, args ...interface{})  {}
func (nopLogger) Debug(msg string, args ...interface{}) {}

type handBack struct {
	taskID string
	class  wire.CancelClass
	reason string
}

type planeIngest struct {
	mu      sync.Mutex
	acks    []string
	results []*registry.Result
	handed  []handBack
	lost    []string
}

func (p *planeIngest) HandleResult(runID string, res *registry.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, res)
}

func (p *planeIngest) HandleAck(runID, taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acks = append(p.acks, taskID)
}

func (p *planeIngest) HandleWorkerCancel(runID, taskID string, class wire.CancelClass, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handed = append(p.handed, handBack{taskID: taskID, class: class, reason: reason})
}

func (p *planeIngest) WorkerLost(workerName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lost = append(p.lost, workerName)
}

func (p *planeIngest) ackCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.acks)
}

func (p *planeIngest) resultCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.results)
}

func (p *planeIngest) resultAt(i int) *registry.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.results[i]
}

func (p *planeIngest) handedBack() []handBack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]handBack(nil), p.handed...)
}

func (p *planeIngest) lostWorkers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.lost...)
}

type planeSink struct {
	mu       sync.Mutex
	progress []*wire.Progress
	admin    []*wire.AdminResult
}

func (s *planeSink) WorkerProgress(p *wire.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, p)
}

func (s *planeSink) WorkerStatusChanged(string, model.WorkerStatus) {}

func (s *planeSink) AdminCommandCompleted(worker string, res *wire.AdminResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admin = append(s.admin, res)
}

func (s *planeSink) progressSeen() []*wire.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*wire.Progress(nil), s.progress...)
}

func (s *planeSink) adminSeen() []*wire.AdminResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*wire.AdminResult(nil), s.admin...)
}

type plane struct {
	gw     *gateway.Gateway
	ingest *planeIngest
	sink   *planeSink
	srv    *httptest.Server
	url    string
}

// newPlane stands up a real gateway behind an httptest server. The heartbeat
// floor is one second because the gateway advertises whole seconds in
// hello_ack.
func newPlane(t *testing.T, cfg config.SessionConfig) *plane {
	t.Helper()
	if cfg.Secret == "" {
		cfg.Secret = "test-secret"
	}
	if len(cfg.WorkerTokens) == 0 {
		cfg.WorkerTokens = []string{"tok-w"}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Minute
	}
	ingest := &planeIngest{}
	sink := &planeSink{}
	gw := gateway.NewGateway(&gateway.GatewayOpts{
		Config: cfg,
		Runs:   ingest,
		Events: sink,
		Logger: nopLogger{},
	})
	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
	})
	return &plane{
		gw:     gw,
		ingest: ingest,
		sink:   sink,
		srv:    srv,
		url:    "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

type workerHarness struct {
	c      *Client
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func startWorker(t *testing.T, p *plane, opts *Opts) *workerHarness {
	t.Helper()
	if opts.Config.GatewayURL == "" {
		opts.Config.GatewayURL = p.url
	}
	if opts.Config.Token == "" {
		opts.Config.Token = "tok-w"
	}
	if opts.Config.Queue == "" {
		opts.Config.Queue = "default"
	}
	if opts.Config.Concurrency == 0 {
		opts.Config.Concurrency = 2
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.BackoffInitial == 0 {
		opts.BackoffInitial = 50 * time.Millisecond
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &workerHarness{c: New(opts), cancel: cancel, done: make(chan struct{})}
	go func() {
		h.err = h.c.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("worker Run did not return on cancel")
		}
	})
	return h
}

// wait blocks until Run returns and hands back its error.
func (h *workerHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-h.done:
		return h.err
	case <-time.After(5 * time.Second):
		t.Fatal("worker Run did not return")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitActive(t *testing.T, p *plane, name string) {
	t.Helper()
	waitFor(t, "session active", func() bool {
		info, ok := p.gw.SessionInfo(name)
		return ok && info.State == "active"
	})
}

func hasPackage(pkgs []string, ref string) bool {
	for _, p := range pkgs {
		if p == ref {
			return true
		}
	}
	return false
}

func TestWorker_DispatchExecuteResult(t *testing.T) {
	p := newPlane(t, config.SessionConfig{})
	startWorker(t, p, &Opts{
		Config:    config.WorkerConfig{Name: "w-int"},
		Executors: executor.NewRegistry(executor.Constant{}),
	})
	waitActive(t, p, "w-int")

	rec, ok := p.gw.Worker("w-int")
	if !ok || len(rec.Capabilities) != 1 || rec.Capabilities[0] != "constant" {
		t.Fatalf("catalogue record = %+v, want constant capability", rec)
	}

	d := &wire.Dispatch{
		RunID:      "run-1",
		TaskID:     "task-1",
		NodeID:     "A",
		NodeType:   "constant",
		Parameters: []byte(`{"value": {"n": 7}}`),
	}
	if _, err := p.gw.SendDispatch(context.Background(), "w-int", d); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	waitFor(t, "dispatch acked", func() bool { return p.ingest.ackCount() == 1 })
	waitFor(t, "result ingested", func() bool { return p.ingest.resultCount() == 1 })

	res := p.ingest.resultAt(0)
	if res.TaskID != "task-1" || res.Status != model.NodeSucceeded {
		t.Fatalf("result = %+v, want task-1 succeeded", res)
	}
	if got := gjson.GetBytes(res.Result, "value.n").Int(); got != 7 {
		t.Fatalf("result value.n = %d, want 7", got)
	}
	waitFor(t, "in-flight back to zero", func() bool {
		rec, ok := p.gw.Worker("w-int")
		return ok && rec.InFlight == 0
	})
}

func TestWorker_FailedTaskCarriesNodeError(t *testing.T) {
	p := newPlane(t, config.SessionConfig{})
	startWorker(t, p, &Opts{
		Config:    config.WorkerConfig{Name: "w-fail"},
		Executors: executor.NewRegistry(executor.Constant{}),
	})
	waitActive(t, p, "w-fail")

	// Constant without a value parameter fails with a coded error.
	d := &wire.Dispatch{
		RunID:      "run-1",
		TaskID:     "task-bad",
		NodeID:     "A",
		NodeType:   "constant",
		Parameters: []byte(`{}`),
	}
	if _, err := p.gw.SendDispatch(context.Background(), "w-fail", d); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	waitFor(t, "failure ingested", func() bool { return p.ingest.resultCount() == 1 })
	res := p.ingest.resultAt(0)
	if res.Status != model.NodeFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Error == nil || res.Error.Code != "bad_parameters" {
		t.Fatalf("error = %+v, want code bad_parameters", res.Error)
	}
}

func TestWorker_ProgressStreamed(t *testing.T) {
	p := newPlane(t, config.SessionConfig{})
	startWorker(t, p, &Opts{
		Config:    config.WorkerConfig{Name: "w-prog"},
		Executors: executor.NewRegistry(executor.Sleep{}),
	})
	waitActive(t, p, "w-prog")

	d := &wire.Dispatch{
		RunID:      "run-1",
		TaskID:     "task-1",
		NodeID:     "A",
		NodeType:   "sleep",
		Parameters: []byte(`{"duration_ms": 200}`),
	}
	if _, err := p.gw.SendDispatch(context.Background(), "w-prog", d); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	waitFor(t, "result ingested", func() bool { return p.ingest.resultCount() == 1 })

	prog := p.sink.progressSeen()
	if len(prog) != 4 {
		t.Fatalf("progress frames = %d, want 4 quarters", len(prog))
	}
	for i, pr := range prog {
		want := float64(i+1) * 25
		if pr.Percent != want || pr.RunID != "run-1" || pr.TaskID != "task-1" {
			t.Fatalf("progress[%d] = %+v, want %.0f%% for task-1", i, pr, want)
		}
	}
}

func TestWorker_RefusesUnrunnableDispatches(t *testing.T) {
	p := newPlane(t, config.SessionConfig{})
	startWorker(t, p, &Opts{
		Config:    config.WorkerConfig{Name: "w-refuse", Packages: []string{"std@1.0.0"}},
		Executors: executor.NewRegistry(executor.Constant{}),
	})
	waitActive(t, p, "w-refuse")

	// A node type nothing here can run goes straight back, transient, so
	// the plane can redispatch elsewhere.
	d := &wire.Dispatch{RunID: "run-1", TaskID: "task-1", NodeID: "A", NodeType: "gpu_render"}
	if _, err := p.gw.SendDispatch(context.Background(), "w-refuse", d); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, "hand-back", func() bool { return len(p.ingest.handedBack()) == 1 })
	hb := p.ingest.handedBack()[0]
	if hb.taskID != "task-1" || hb.class != wire.CancelTransient {
		t.Fatalf("hand-back = %+v, want transient for task-1", hb)
	}
	if !strings.Contains(hb.reason, "no executor") {
		t.Fatalf("hand-back reason = %q, want executor complaint", hb.reason)
	}

	// Same for a dispatch pinned to a package bundle the worker lacks.
	d = &wire.Dispatch{
		RunID:          "run-1",
		TaskID:         "task-2",
		NodeID:         "B",
		NodeType:       "constant",
		PackageName:    "vision",
		PackageVersion: "2.0.0",
		Parameters:     []byte(`{"value": 1}`),
	}
	if _, err := p.gw.SendDispatch(context.Background(), "w-refuse", d); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, "second hand-back", func() bool { return len(p.ingest.handedBack()) == 2 })
	hb = p.ingest.handedBack()[1]
	if hb.taskID != "task-2" || !strings.Contains(hb.reason, "not installed") {
		t.Fatalf("hand-back = %+v, want missing-package complaint", hb)
	}

	if n := p.ingest.resultCount(); n != 0 {
		t.Fatalf("refused dispatches produced %d results, want none", n)
	}
}

func TestWorker_DrainLifecycle(t *testing.T) {
	p := newPlane(t, config.SessionConfig{})
	w := startWorker(t, p, &Opts{
		Config:    config.WorkerConfig{Name: "w-drain"},
		Executors: executor.NewRegistry(executor.Sleep{}),
	})
	waitActive(t, p, "w-drain")

	// Occupy the worker so the drain cannot finish immediately.
	d := &wire.Dispatch{
		RunID:      "run-1",
		TaskID:     "task-slow",
		NodeID:     "A",
		NodeType:   "sleep",
		Parameters: []byte(`{"duration_ms": 60000}`),
	}
	if _, err := p.gw.SendDispatch(context.Background(), "w-drain", d); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, "task accepted", func() bool { return p.ingest.ackCount() == 1 })

	if _, err := p.gw.SendCommand(context.Background(), "w-drain", wire.AdminDrain, nil); err != nil {
		t.Fatalf("drain command: %v", err)
	}
	waitFor(t, "catalogue shows draining", func() bool {
		rec, ok := p.gw.Worker("w-drain")
		return ok && rec.Status == model.WorkerDraining
	})

	// New work bounces back transient while the drain runs.
	d2 := &wire.Dispatch{
		RunID:      "run-1",
		TaskID:     "task-late",
		NodeID:     "B",
		NodeType:   "sleep",
		Parameters: []byte(`{"duration_ms": 10}`),
	}
	if _, err := p.gw.SendDispatch(context.Background(), "w-drain", d2); err != nil {
		t.Fatalf("late dispatch: %v", err)
	}
	waitFor(t, "late dispatch handed back", func() bool { return len(p.ingest.handedBack()) == 1 })
	if hb := p.ingest.handedBack()[0]; hb.taskID != "task-late" || hb.reason != "draining" {
		t.Fatalf("hand-back = %+v, want task-late refused as draining", hb)
	}

	// Cancelling the last task empties the worker; it says bye on its own
	// and Run comes home clean.
	cancel := &wire.Cancel{RunID: "run-1", TaskID: "task-slow", NodeID: "A", Reason: "operator drain"}
	if err := p.gw.SendCancel(context.Background(), "w-drain", cancel); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := w.wait(t); err != nil {
		t.Fatalf("Run returned %v, want nil after drain", err)
	}

	waitFor(t, "session closed on bye", func() bool {
		lost := p.ingest.lostWorkers()
		return len(lost) == 1 && lost[0] == "w-drain"
	})
	if _, ok := p.gw.SessionInfo("w-drain"); ok {
		t.Fatal("session outlived the drained bye")
	}

	// The cancelled task never reports a result; the plane already moved on.
	if n := p.ingest.resultCount(); n != 0 {
		t.Fatalf("cancelled task produced %d results, want none", n)
	}
}

// slowEcho counts executions so resume tests can prove a task survived a
// transport drop without being restarted.
type slowEcho struct {
	mu   sync.Mutex
	runs int
}

func (s *slowEcho) Kind() string { return "slow" }

func (s *slowEcho) Execute(ctx context.Context, task *executor.Task) (json.RawMessage, error) {
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(500 * time.Millisecond):
	}
	return json.RawMessage(`{"ok": true}`), nil
}

func (s *slowEcho) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func TestWorker_ResumesAfterTransportLoss(t *testing.T) {
	p := newPlane(t, config.SessionConfig{})
	slow := &slowEcho{}
	startWorker(t, p, &Opts{
		Config:    config.WorkerConfig{Name: "w-resume"},
		Executors: executor.NewRegistry(slow),
	})
	waitActive(t, p, "w-resume")
	before, _ := p.gw.SessionInfo("w-resume")

	d := &wire.Dispatch{RunID: "run-1", TaskID: "task-1", NodeID: "A", NodeType: "slow"}
	if _, err := p.gw.SendDispatch(context.Background(), "w-resume", d); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, "task accepted", func() bool { return p.ingest.ackCount() == 1 })

	// Sever the transport under the running task. The gateway detaches the
	// session; the worker keeps executing and redials.
	p.srv.CloseClientConnections()
	waitFor(t, "worker marked offline", func() bool {
		rec, ok := p.gw.Worker("w-resume")
		return ok && rec.Status == model.WorkerOffline
	})

	waitActive(t, p, "w-resume")
	after, _ := p.gw.SessionInfo("w-resume")
	if after.SessionID != before.SessionID {
		t.Fatalf("resume minted a new session: %s -> %s", before.SessionID, after.SessionID)
	}

	waitFor(t, "result delivered over the resumed link", func() bool {
		return p.ingest.resultCount() == 1
	})
	res := p.ingest.resultAt(0)
	if res.TaskID != "task-1" || res.Status != model.NodeSucceeded {
		t.Fatalf("result = %+v, want task-1 succeeded", res)
	}
	if n := slow.count(); n != 1 {
		t.Fatalf("task ran %d times, want once across the reconnect", n)
	}
	if lost := p.ingest.lostWorkers(); len(lost) != 0 {
		t.Fatalf("resume handed tasks back: %v", lost)
	}
}

func TestWorker_AdminPackageAndRebind(t *testing.T) {
	p := newPlane(t, config.SessionConfig{})
	w := startWorker(t, p, &Opts{
		Config:    config.WorkerConfig{Name: "w-admin", Packages: []string{"std@1.0.0"}},
		Executors: executor.NewRegistry(executor.Constant{}),
	})
	waitActive(t, p, "w-admin")

	// Install lands in both the worker's local set and the catalogue.
	if _, err := p.gw.SendCommand(context.Background(), "w-admin", wire.AdminPkgInstall,
		[]byte(`{"name":"vision","version":"2.0.0"}`)); err != nil {
		t.Fatalf("install command: %v", err)
	}
	waitFor(t, "install in catalogue", func() bool {
		rec, ok := p.gw.Worker("w-admin")
		return ok && hasPackage(rec.Packages, "vision@2.0.0")
	})
	if !w.c.packages.Has("vision@2.0.0") {
		t.Fatal("worker's local package set missed the install")
	}

	// Uninstalling something absent reports an error and changes nothing.
	if _, err := p.gw.SendCommand(context.Background(), "w-admin", wire.AdminPkgUninstall,
		[]byte(`{"name":"ghost","version":"9.9.9"}`)); err != nil {
		t.Fatalf("uninstall command: %v", err)
	}
	waitFor(t, "uninstall refused", func() bool {
		for _, res := range p.sink.adminSeen() {
			if res.Status == "error" && strings.Contains(res.Message, "not installed") {
				return true
			}
		}
		return false
	})
	if !w.c.packages.Has("std@1.0.0") {
		t.Fatal("failed uninstall mutated the package set")
	}

	// Rebind moves the queue in the catalogue and in the worker, so the
	// next hello re-advertises it.
	if _, err := p.gw.SendCommand(context.Background(), "w-admin", wire.AdminRebind,
		[]byte(`{"queue":"gpu"}`)); err != nil {
		t.Fatalf("rebind command: %v", err)
	}
	waitFor(t, "queue rebound", func() bool {
		rec, ok := p.gw.Worker("w-admin")
		return ok && rec.Queue == "gpu"
	})
	w.c.mu.Lock()
	q := w.c.queueName
	w.c.mu.Unlock()
	if q != "gpu" {
		t.Fatalf("worker queue = %q, want gpu", q)
	}
}

func TestWorker_AuthRejectedIsFatal(t *testing.T) {
	p := newPlane(t, config.SessionConfig{})
	w := startWorker(t, p, &Opts{
		Config: config.WorkerConfig{Name: "w-bad", Token: "wrong"},
	})
	if err := w.wait(t); !errors.Is(err, errAuthRejected) {
		t.Fatalf("Run returned %v, want auth rejection", err)
	}
	if _, ok := p.gw.Worker("w-bad"); ok {
		t.Fatal("rejected worker reached the catalogue")
	}
}

func TestWorker_ExitsWhenGatewayShutsDown(t *testing.T) {
	p := newPlane(t, config.SessionConfig{})
	w := startWorker(t, p, &Opts{
		Config:    config.WorkerConfig{Name: "w-shutdown"},
		Executors: executor.NewRegistry(executor.Constant{}),
	})
	waitActive(t, p, "w-shutdown")

	p.gw.Close()
	if err := w.wait(t); err != nil {
		t.Fatalf("Run returned %v, want nil after gateway bye", err)
	}
}

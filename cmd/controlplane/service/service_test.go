package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/weftlabs/weft/cmd/controlplane/dispatch"
	"github.com/weftlabs/weft/cmd/controlplane/events"
	"github.com/weftlabs/weft/cmd/controlplane/gateway"
	"github.com/weftlabs/weft/cmd/controlplane/registry"
	"github.com/weftlabs/weft/common/audit"
	"github.com/weftlabs/weft/common/config"
	"github.com/weftlabs/weft/common/httperr"
	"github.com/weftlabs/weft/common/model"
	"github.com/weftlabs/weft/common/ratelimit"
	redisc "github.com/weftlabs/weft/common/redis"
	"github.com/weftlabs/weft/common/wire"
)

// The production wiring must keep satisfying the service's seams.
var (
	_ RunLauncher   = (*dispatch.Orchestrator)(nil)
	_ WorkerGateway = (*gateway.Gateway)(nil)
	_ Notifier      = (*events.Hub)(nil)
)

type nopLogger struct{}

func (nopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Error(msg string, keysAndValues ...interface{}) {}
func (nopLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Debug(msg string, keysAndValues ...interface{}) {}

// fakeLauncher records launches and routes cancels straight to the
// registry, mirroring the orchestrator's contract.
type fakeLauncher struct {
	reg      *registry.Registry
	launched []string
	reasons  []string
}

func (l *fakeLauncher) Launch(runID string) {
	l.launched = append(l.launched, runID)
}

func (l *fakeLauncher) CancelRun(ctx context.Context, runID, reason string) (*registry.CancelApplication, error) {
	app, err := l.reg.RequestCancel(runID)
	if err != nil {
		return nil, err
	}
	l.reasons = append(l.reasons, reason)
	return app, nil
}

type sentCommand struct {
	worker    string
	commandID string
	command   string
	args      json.RawMessage
}

type fakeGateway struct {
	records  map[string]model.WorkerRecord
	sessions map[string]gateway.SessionInfo
	sendErr  error
	sent     []sentCommand
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		records:  make(map[string]model.WorkerRecord),
		sessions: make(map[string]gateway.SessionInfo),
	}
}

func (g *fakeGateway) Workers() []model.WorkerRecord {
	out := make([]model.WorkerRecord, 0, len(g.records))
	for _, rec := range g.records {
		out = append(out, rec)
	}
	return out
}

func (g *fakeGateway) Worker(name string) (model.WorkerRecord, bool) {
	rec, ok := g.records[name]
	return rec, ok
}

func (g *fakeGateway) SessionInfo(name string) (gateway.SessionInfo, bool) {
	info, ok := g.sessions[name]
	return info, ok
}

func (g *fakeGateway) SendCommandAs(ctx context.Context, workerName, commandID, command string, args json.RawMessage) (string, error) {
	if g.sendErr != nil {
		return "", g.sendErr
	}
	g.sent = append(g.sent, sentCommand{worker: workerName, commandID: commandID, command: command, args: args})
	return commandID, nil
}

type fakeStore struct {
	workflows map[string]*model.Workflow
}

func (s *fakeStore) GetByOrigin(ctx context.Context, namespace, originID string) (*model.Workflow, error) {
	wf, ok := s.workflows[namespace+"/"+originID]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", namespace, originID, ErrWorkflowNotFound)
	}
	return wf, nil
}

type fakeEvents struct {
	started   []string
	cancelled []string
}

func (e *fakeEvents) RunStarted(runID, workflowID, clientID string) {
	e.started = append(e.started, runID)
}

func (e *fakeEvents) RunCancelRequested(runID, reason string) {
	e.cancelled = append(e.cancelled, runID)
}

// memSink collects audit events; the recorder drains on its own goroutine.
type memSink struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (s *memSink) Insert(ctx context.Context, ev *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memSink) all() []*audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*audit.Event, len(s.events))
	copy(out, s.events)
	return out
}

type fixtureOpts struct {
	redis   *redisc.Client
	limiter *ratelimit.Limiter
	rate    config.RateLimitConfig
	audit   *audit.Recorder
	store   *fakeStore
}

type fixture struct {
	reg      *registry.Registry
	launcher *fakeLauncher
	gw       *fakeGateway
	events   *fakeEvents
	svc      *RunStateService
}

func newFixture(t *testing.T, opts *fixtureOpts) *fixture {
	t.Helper()
	if opts == nil {
		opts = &fixtureOpts{}
	}
	fx := &fixture{
		reg:    registry.NewRegistry(&registry.RegistryOpts{Logger: nopLogger{}}),
		gw:     newFakeGateway(),
		events: &fakeEvents{},
	}
	fx.launcher = &fakeLauncher{reg: fx.reg}
	svcOpts := &RunStateServiceOpts{
		Registry:  fx.reg,
		Launcher:  fx.launcher,
		Workers:   fx.gw,
		Redis:     opts.redis,
		Limiter:   opts.limiter,
		RateLimit: opts.rate,
		Audit:     opts.audit,
		Events:    fx.events,
		Logger:    nopLogger{},
	}
	if opts.store != nil {
		svcOpts.Store = opts.store
	}
	fx.svc = NewRunStateService(svcOpts)
	return fx
}

func newTestRedis(t *testing.T) (*redisc.Client, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return redisc.NewClient(client, nopLogger{}), client
}

func sampleWorkflow() *model.Workflow {
	return &model.Workflow{
		WorkflowID:    "wf-sample",
		SchemaVersion: "1",
		Metadata:      model.WorkflowMeta{Name: "sample", Namespace: "default"},
		Nodes: []model.Node{
			{ID: "A", Type: "transform", Package: model.PackageRef{Name: "std", Version: "1.0.0"}},
		},
	}
}

func startReq() *StartRunRequest {
	return &StartRunRequest{Workflow: sampleWorkflow(), ClientID: "client-1"}
}

func mustStart(t *testing.T, fx *fixture, req *StartRunRequest) *StartRunResult {
	t.Helper()
	res, err := fx.svc.StartRun(context.Background(), req)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	return res
}

func wantKind(t *testing.T, err error, kind httperr.Kind) *httperr.Error {
	t.Helper()
	var apiErr *httperr.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *httperr.Error", err)
	}
	if apiErr.Kind != kind {
		t.Fatalf("error kind = %s, want %s (message %q)", apiErr.Kind, kind, apiErr.Message)
	}
	return apiErr
}

func TestStartRunAcceptsInlineWorkflow(t *testing.T) {
	fx := newFixture(t, nil)

	res := mustStart(t, fx, startReq())
	if !strings.HasPrefix(res.RunID, "run-") {
		t.Fatalf("run id = %q, want run- prefix", res.RunID)
	}
	if res.Reused {
		t.Fatal("fresh submission marked as reused")
	}

	run, err := fx.reg.Get(res.RunID)
	if err != nil {
		t.Fatalf("run was not created: %v", err)
	}
	if run.Tenant != "default" || run.ClientID != "client-1" {
		t.Fatalf("run tenant/client = %s/%s, want default/client-1", run.Tenant, run.ClientID)
	}
	if got := fx.launcher.launched; len(got) != 1 || got[0] != res.RunID {
		t.Fatalf("launched = %v, want [%s]", got, res.RunID)
	}
	if got := fx.events.started; len(got) != 1 || got[0] != res.RunID {
		t.Fatalf("started events = %v, want [%s]", got, res.RunID)
	}
}

func TestStartRunShapeValidation(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	_, err := fx.svc.StartRun(ctx, &StartRunRequest{ClientID: "client-1"})
	wantKind(t, err, httperr.KindBadRequest)

	_, err = fx.svc.StartRun(ctx, &StartRunRequest{
		Workflow:    sampleWorkflow(),
		WorkflowRef: &WorkflowRef{OriginID: "o-1"},
		ClientID:    "client-1",
	})
	wantKind(t, err, httperr.KindBadRequest)

	_, err = fx.svc.StartRun(ctx, &StartRunRequest{Workflow: sampleWorkflow()})
	wantKind(t, err, httperr.KindBadRequest)

	if len(fx.launcher.launched) != 0 {
		t.Fatalf("launched = %v, want none", fx.launcher.launched)
	}
}

func TestStartRunInvalidWorkflow(t *testing.T) {
	fx := newFixture(t, nil)

	req := startReq()
	req.Workflow.Nodes = nil
	_, err := fx.svc.StartRun(context.Background(), req)
	wantKind(t, err, httperr.KindInvalidWorkflow)

	if len(fx.launcher.launched) != 0 {
		t.Fatal("invalid workflow was launched")
	}
	if len(fx.events.started) != 0 {
		t.Fatal("invalid workflow emitted a started event")
	}
}

func TestStartRunRejectsBadAffinity(t *testing.T) {
	fx := newFixture(t, nil)

	req := startReq()
	req.Workflow.Nodes[0].Affinity = `worker.queue ==`
	_, err := fx.svc.StartRun(context.Background(), req)
	apiErr := wantKind(t, err, httperr.KindInvalidWorkflow)
	if !strings.Contains(apiErr.Message, "affinity") {
		t.Fatalf("message = %q, want affinity mentioned", apiErr.Message)
	}
}

func TestStartRunIdempotentReplay(t *testing.T) {
	rc, _ := newTestRedis(t)
	fx := newFixture(t, &fixtureOpts{redis: rc})
	ctx := context.Background()

	req := startReq()
	req.IdempotencyKey = "key-1"
	first := mustStart(t, fx, req)

	replay := startReq()
	replay.IdempotencyKey = "key-1"
	second, err := fx.svc.StartRun(ctx, replay)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if second.RunID != first.RunID {
		t.Fatalf("replayed run id = %s, want %s", second.RunID, first.RunID)
	}
	if !second.Reused {
		t.Fatal("replay not marked reused")
	}
	if len(fx.launcher.launched) != 1 {
		t.Fatalf("launched %d runs, want 1", len(fx.launcher.launched))
	}
	if len(fx.events.started) != 1 {
		t.Fatalf("started events = %d, want 1", len(fx.events.started))
	}
}

func TestStartRunIdempotencyConflict(t *testing.T) {
	rc, _ := newTestRedis(t)
	fx := newFixture(t, &fixtureOpts{redis: rc})

	req := startReq()
	req.IdempotencyKey = "key-1"
	mustStart(t, fx, req)

	other := startReq()
	other.IdempotencyKey = "key-1"
	other.Workflow.WorkflowID = "wf-other"
	_, err := fx.svc.StartRun(context.Background(), other)
	apiErr := wantKind(t, err, httperr.KindConflict)
	if apiErr.Details["idempotency_key"] != "key-1" {
		t.Fatalf("details = %v, want idempotency_key key-1", apiErr.Details)
	}
}

func TestStartRunReleasesKeyOnRejection(t *testing.T) {
	rc, _ := newTestRedis(t)
	fx := newFixture(t, &fixtureOpts{redis: rc})
	ctx := context.Background()

	bad := startReq()
	bad.IdempotencyKey = "key-1"
	bad.Workflow.Nodes = nil
	_, err := fx.svc.StartRun(ctx, bad)
	wantKind(t, err, httperr.KindInvalidWorkflow)

	// The failed attempt must not poison the key for a corrected retry.
	good := startReq()
	good.IdempotencyKey = "key-1"
	res := mustStart(t, fx, good)
	if res.Reused {
		t.Fatal("corrected retry replayed the rejected attempt")
	}
}

func TestStartRunRateLimited(t *testing.T) {
	rc, raw := newTestRedis(t)
	limiter := ratelimit.NewLimiter(raw, nopLogger{})
	fx := newFixture(t, &fixtureOpts{
		redis:   rc,
		limiter: limiter,
		rate:    config.RateLimitConfig{Enabled: true, RunsPerMinute: 1},
	})
	ctx := context.Background()

	req := startReq()
	req.IdempotencyKey = "key-1"
	first := mustStart(t, fx, req)

	// An idempotent replay never consumes budget.
	replay := startReq()
	replay.IdempotencyKey = "key-1"
	second, err := fx.svc.StartRun(ctx, replay)
	if err != nil {
		t.Fatalf("replay hit the limiter: %v", err)
	}
	if second.RunID != first.RunID {
		t.Fatalf("replayed run id = %s, want %s", second.RunID, first.RunID)
	}

	_, err = fx.svc.StartRun(ctx, startReq())
	apiErr := wantKind(t, err, httperr.KindRateLimited)
	if apiErr.Details["retry_after_seconds"] == nil {
		t.Fatalf("details = %v, want retry_after_seconds", apiErr.Details)
	}
}

func TestStartRunStoredWorkflow(t *testing.T) {
	stored := sampleWorkflow()
	stored.WorkflowID = "wf-stored"
	store := &fakeStore{workflows: map[string]*model.Workflow{
		"team-a/origin-1": stored,
	}}
	fx := newFixture(t, &fixtureOpts{store: store})
	ctx := context.Background()

	res := mustStart(t, fx, &StartRunRequest{
		WorkflowRef: &WorkflowRef{Namespace: "team-a", OriginID: "origin-1"},
		ClientID:    "client-1",
	})
	run, err := fx.reg.Get(res.RunID)
	if err != nil {
		t.Fatalf("run was not created: %v", err)
	}
	if run.Workflow.WorkflowID != "wf-stored" {
		t.Fatalf("workflow id = %s, want wf-stored", run.Workflow.WorkflowID)
	}

	_, err = fx.svc.StartRun(ctx, &StartRunRequest{
		WorkflowRef: &WorkflowRef{Namespace: "team-a", OriginID: "origin-ghost"},
		ClientID:    "client-1",
	})
	apiErr := wantKind(t, err, httperr.KindNotFound)
	if apiErr.Details["origin_id"] != "origin-ghost" {
		t.Fatalf("details = %v, want origin_id origin-ghost", apiErr.Details)
	}

	_, err = fx.svc.StartRun(ctx, &StartRunRequest{
		WorkflowRef: &WorkflowRef{Namespace: "team-a"},
		ClientID:    "client-1",
	})
	wantKind(t, err, httperr.KindBadRequest)
}

func TestStartRunStoredWorkflowWithoutStore(t *testing.T) {
	fx := newFixture(t, nil)

	_, err := fx.svc.StartRun(context.Background(), &StartRunRequest{
		WorkflowRef: &WorkflowRef{Namespace: "team-a", OriginID: "origin-1"},
		ClientID:    "client-1",
	})
	wantKind(t, err, httperr.KindBadRequest)
}

func TestCancelRun(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	res := mustStart(t, fx, startReq())
	cres, err := fx.svc.CancelRun(ctx, &CancelRunRequest{RunID: res.RunID, Reason: "operator request"})
	if err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}
	if cres.Status != model.RunCancelled || cres.AlreadyFinalised {
		t.Fatalf("cancel result = %+v, want cancelled and not already finalised", cres)
	}
	if got := fx.events.cancelled; len(got) != 1 || got[0] != res.RunID {
		t.Fatalf("cancel events = %v, want [%s]", got, res.RunID)
	}
	if got := fx.launcher.reasons; len(got) != 1 || got[0] != "operator request" {
		t.Fatalf("cancel reasons = %v", got)
	}

	again, err := fx.svc.CancelRun(ctx, &CancelRunRequest{RunID: res.RunID})
	if err != nil {
		t.Fatalf("second cancel failed: %v", err)
	}
	if !again.AlreadyFinalised {
		t.Fatal("second cancel not reported as already finalised")
	}
	if again.Status != model.RunCancelled {
		t.Fatalf("second cancel status = %s, want cancelled", again.Status)
	}
	if len(fx.events.cancelled) != 1 {
		t.Fatal("no-op cancel emitted another event")
	}

	_, err = fx.svc.CancelRun(ctx, &CancelRunRequest{RunID: "run-ghost"})
	wantKind(t, err, httperr.KindNotFound)
}

func TestGetRunAndDefinition(t *testing.T) {
	fx := newFixture(t, nil)

	res := mustStart(t, fx, startReq())
	run, err := fx.svc.GetRun(res.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.RunID != res.RunID || run.Status != model.RunQueued {
		t.Fatalf("run = %s/%s, want %s/queued", run.RunID, run.Status, res.RunID)
	}

	wf, err := fx.svc.GetDefinition(res.RunID)
	if err != nil {
		t.Fatalf("GetDefinition failed: %v", err)
	}
	if wf.WorkflowID != "wf-sample" {
		t.Fatalf("definition = %s, want wf-sample", wf.WorkflowID)
	}

	_, err = fx.svc.GetRun("run-ghost")
	apiErr := wantKind(t, err, httperr.KindNotFound)
	if apiErr.Details["run_id"] != "run-ghost" {
		t.Fatalf("details = %v, want run_id run-ghost", apiErr.Details)
	}
	_, err = fx.svc.GetDefinition("run-ghost")
	wantKind(t, err, httperr.KindNotFound)
}

func TestListRuns(t *testing.T) {
	fx := newFixture(t, nil)

	ids := make(map[string]bool)
	for i := 0; i < 3; i++ {
		ids[mustStart(t, fx, startReq()).RunID] = true
	}
	other := startReq()
	other.ClientID = "client-2"
	ids[mustStart(t, fx, other).RunID] = true

	page1, err := fx.svc.ListRuns(&ListRunsRequest{Limit: 2})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(page1.Runs) != 2 || page1.NextCursor == "" {
		t.Fatalf("page 1 = %d runs, cursor %q", len(page1.Runs), page1.NextCursor)
	}
	page2, err := fx.svc.ListRuns(&ListRunsRequest{Limit: 2, Cursor: page1.NextCursor})
	if err != nil {
		t.Fatalf("ListRuns page 2 failed: %v", err)
	}
	if len(page2.Runs) != 2 || page2.NextCursor != "" {
		t.Fatalf("page 2 = %d runs, cursor %q", len(page2.Runs), page2.NextCursor)
	}
	seen := make(map[string]bool)
	for _, run := range append(page1.Runs, page2.Runs...) {
		seen[run.RunID] = true
	}
	if len(seen) != len(ids) {
		t.Fatalf("paged ids = %v, want %v", seen, ids)
	}

	byClient, err := fx.svc.ListRuns(&ListRunsRequest{ClientID: "client-2"})
	if err != nil {
		t.Fatalf("ListRuns by client failed: %v", err)
	}
	if len(byClient.Runs) != 1 || byClient.Runs[0].ClientID != "client-2" {
		t.Fatalf("client filter returned %d runs", len(byClient.Runs))
	}

	_, err = fx.svc.ListRuns(&ListRunsRequest{Cursor: "run-ghost"})
	wantKind(t, err, httperr.KindBadRequest)

	_, err = fx.svc.ListRuns(&ListRunsRequest{Status: "bogus"})
	wantKind(t, err, httperr.KindBadRequest)
}

func TestWorkersListingAndDetail(t *testing.T) {
	fx := newFixture(t, nil)
	fx.gw.records["w-beta"] = model.WorkerRecord{Name: "w-beta"}
	fx.gw.records["w-alpha"] = model.WorkerRecord{Name: "w-alpha"}
	fx.gw.sessions["w-alpha"] = gateway.SessionInfo{SessionID: "sess-1", WorkerName: "w-alpha"}

	workers := fx.svc.Workers()
	if len(workers) != 2 || workers[0].Name != "w-alpha" || workers[1].Name != "w-beta" {
		t.Fatalf("workers = %+v, want sorted by name", workers)
	}

	detail, err := fx.svc.GetWorker("w-alpha")
	if err != nil {
		t.Fatalf("GetWorker failed: %v", err)
	}
	if detail.Session == nil || detail.Session.SessionID != "sess-1" {
		t.Fatalf("detail session = %+v, want sess-1", detail.Session)
	}

	detail, err = fx.svc.GetWorker("w-beta")
	if err != nil {
		t.Fatalf("GetWorker failed: %v", err)
	}
	if detail.Session != nil {
		t.Fatal("sessionless worker reported a session")
	}

	_, err = fx.svc.GetWorker("w-ghost")
	apiErr := wantKind(t, err, httperr.KindNotFound)
	if apiErr.Details["worker"] != "w-ghost" {
		t.Fatalf("details = %v, want worker w-ghost", apiErr.Details)
	}
}

func TestSubmitCommandValidation(t *testing.T) {
	fx := newFixture(t, nil)
	fx.gw.records["w1"] = model.WorkerRecord{Name: "w1"}
	ctx := context.Background()

	_, err := fx.svc.SubmitCommand(ctx, &CommandRequest{Worker: "w1", Command: "reboot"})
	wantKind(t, err, httperr.KindBadRequest)

	_, err = fx.svc.SubmitCommand(ctx, &CommandRequest{Worker: "w1", Command: wire.AdminRebind})
	wantKind(t, err, httperr.KindBadRequest)

	_, err = fx.svc.SubmitCommand(ctx, &CommandRequest{
		Worker:  "w1",
		Command: wire.AdminPkgInstall,
		Args:    json.RawMessage(`{"name":"etl"}`),
	})
	wantKind(t, err, httperr.KindBadRequest)

	_, err = fx.svc.SubmitCommand(ctx, &CommandRequest{Worker: "w-ghost", Command: wire.AdminDrain})
	wantKind(t, err, httperr.KindNotFound)

	if len(fx.gw.sent) != 0 {
		t.Fatalf("rejected commands were sent: %+v", fx.gw.sent)
	}

	res, err := fx.svc.SubmitCommand(ctx, &CommandRequest{
		Worker:  "w1",
		Command: wire.AdminRebind,
		Args:    json.RawMessage(`{"queue":"fast"}`),
	})
	if err != nil {
		t.Fatalf("rebind failed: %v", err)
	}
	if len(fx.gw.sent) != 1 || fx.gw.sent[0].commandID != res.CommandID {
		t.Fatalf("sent = %+v, want one command %s", fx.gw.sent, res.CommandID)
	}
	if !strings.HasPrefix(res.CommandID, "cmd-") {
		t.Fatalf("command id = %q, want cmd- prefix", res.CommandID)
	}
}

func TestSubmitCommandWorkerUnavailable(t *testing.T) {
	fx := newFixture(t, nil)
	fx.gw.records["w1"] = model.WorkerRecord{Name: "w1"}
	fx.gw.sendErr = fmt.Errorf("worker w1: %w", gateway.ErrNoSession)

	_, err := fx.svc.SubmitCommand(context.Background(), &CommandRequest{Worker: "w1", Command: wire.AdminDrain})
	wantKind(t, err, httperr.KindWorkerUnavailable)

	fx.gw.sendErr = fmt.Errorf("send: %w", gateway.ErrSessionClosed)
	_, err = fx.svc.SubmitCommand(context.Background(), &CommandRequest{Worker: "w1", Command: wire.AdminDrain})
	wantKind(t, err, httperr.KindWorkerUnavailable)
}

func TestSubmitCommandIdempotentReplay(t *testing.T) {
	rc, _ := newTestRedis(t)
	fx := newFixture(t, &fixtureOpts{redis: rc})
	fx.gw.records["w1"] = model.WorkerRecord{Name: "w1"}
	fx.gw.records["w2"] = model.WorkerRecord{Name: "w2"}
	ctx := context.Background()

	first, err := fx.svc.SubmitCommand(ctx, &CommandRequest{
		Worker: "w1", Command: wire.AdminDrain, IdempotencyKey: "ck-1",
	})
	if err != nil {
		t.Fatalf("SubmitCommand failed: %v", err)
	}

	second, err := fx.svc.SubmitCommand(ctx, &CommandRequest{
		Worker: "w1", Command: wire.AdminDrain, IdempotencyKey: "ck-1",
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if second.CommandID != first.CommandID || !second.Reused {
		t.Fatalf("replay = %+v, want reuse of %s", second, first.CommandID)
	}
	if len(fx.gw.sent) != 1 {
		t.Fatalf("sent %d commands, want 1", len(fx.gw.sent))
	}

	// Same key, different target worker: conflict, not replay.
	_, err = fx.svc.SubmitCommand(ctx, &CommandRequest{
		Worker: "w2", Command: wire.AdminDrain, IdempotencyKey: "ck-1",
	})
	wantKind(t, err, httperr.KindConflict)
}

func TestSubmitCommandReleasesKeyOnSendFailure(t *testing.T) {
	rc, _ := newTestRedis(t)
	fx := newFixture(t, &fixtureOpts{redis: rc})
	fx.gw.records["w1"] = model.WorkerRecord{Name: "w1"}
	ctx := context.Background()

	fx.gw.sendErr = fmt.Errorf("worker w1: %w", gateway.ErrNoSession)
	_, err := fx.svc.SubmitCommand(ctx, &CommandRequest{
		Worker: "w1", Command: wire.AdminDrain, IdempotencyKey: "ck-1",
	})
	wantKind(t, err, httperr.KindWorkerUnavailable)

	// Once the worker is back, the retried key must send for real.
	fx.gw.sendErr = nil
	res, err := fx.svc.SubmitCommand(ctx, &CommandRequest{
		Worker: "w1", Command: wire.AdminDrain, IdempotencyKey: "ck-1",
	})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if res.Reused {
		t.Fatal("retry replayed the failed attempt")
	}
	if len(fx.gw.sent) != 1 {
		t.Fatalf("sent %d commands, want 1", len(fx.gw.sent))
	}
}

func TestMutationsAreAudited(t *testing.T) {
	sink := &memSink{}
	rec := audit.NewRecorder(&audit.RecorderOpts{Sink: sink, Logger: nopLogger{}})
	fx := newFixture(t, &fixtureOpts{audit: rec})
	fx.gw.records["w1"] = model.WorkerRecord{Name: "w1"}
	ctx := context.Background()

	good := startReq()
	good.Actor = "op-7"
	res := mustStart(t, fx, good)

	bad := startReq()
	bad.Workflow.Nodes = nil
	if _, err := fx.svc.StartRun(ctx, bad); err == nil {
		t.Fatal("invalid workflow accepted")
	}

	if _, err := fx.svc.CancelRun(ctx, &CancelRunRequest{RunID: res.RunID, Actor: "op-7"}); err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}
	if _, err := fx.svc.SubmitCommand(ctx, &CommandRequest{Worker: "w1", Command: wire.AdminDrain}); err != nil {
		t.Fatalf("SubmitCommand failed: %v", err)
	}

	if err := rec.Close(); err != nil {
		t.Fatalf("recorder close: %v", err)
	}

	recorded := sink.all()
	if len(recorded) != 4 {
		t.Fatalf("audited %d events, want 4", len(recorded))
	}

	start := recorded[0]
	if start.Action != audit.ActionRunStart || start.ActorID != "op-7" || start.TargetID != res.RunID {
		t.Fatalf("start audit = %+v", start)
	}
	var details map[string]interface{}
	if err := json.Unmarshal(start.Details, &details); err != nil {
		t.Fatalf("start details: %v", err)
	}
	if details["status"] != "ok" {
		t.Fatalf("start details = %v, want status ok", details)
	}

	rejected := recorded[1]
	if rejected.Action != audit.ActionRunStart || rejected.ActorID != audit.SystemActor {
		t.Fatalf("rejected audit = %+v", rejected)
	}
	if err := json.Unmarshal(rejected.Details, &details); err != nil {
		t.Fatalf("rejected details: %v", err)
	}
	if details["status"] != "rejected" || details["error"] == nil {
		t.Fatalf("rejected details = %v, want status rejected with error", details)
	}

	if recorded[2].Action != audit.ActionRunCancel || recorded[2].TargetID != res.RunID {
		t.Fatalf("cancel audit = %+v", recorded[2])
	}
	if recorded[3].Action != audit.ActionWorkerCommand || recorded[3].TargetType != "worker" || recorded[3].TargetID != "w1" {
		t.Fatalf("command audit = %+v", recorded[3])
	}
}

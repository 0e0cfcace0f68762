// Package service is the control plane's operation layer: it fronts the
// run registry, orchestrator and worker gateway with the API-facing
// semantics — idempotency keys, rate limits, stored-workflow resolution,
// audit and firehose notifications — and returns typed API errors the
// HTTP layer renders directly.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/weftlabs/weft/cmd/controlplane/dispatch"
	"github.com/weftlabs/weft/cmd/controlplane/gateway"
	"github.com/weftlabs/weft/cmd/controlplane/registry"
	"github.com/weftlabs/weft/common/audit"
	"github.com/weftlabs/weft/common/config"
	"github.com/weftlabs/weft/common/model"
	"github.com/weftlabs/weft/common/ratelimit"
	redisc "github.com/weftlabs/weft/common/redis"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// RunLauncher starts and stops run execution. The orchestrator satisfies
// it.
type RunLauncher interface {
	Launch(runID string)
	CancelRun(ctx context.Context, runID, reason string) (*registry.CancelApplication, error)
}

// WorkerGateway reads the live worker catalogue and submits admin
// commands.
type WorkerGateway interface {
	Workers() []model.WorkerRecord
	Worker(name string) (model.WorkerRecord, bool)
	SessionInfo(name string) (gateway.SessionInfo, bool)
	SendCommandAs(ctx context.Context, workerName, commandID, command string, args json.RawMessage) (string, error)
}

// WorkflowStore resolves stored workflow definitions when a StartRun
// refers to one by origin instead of inlining the snapshot. Implementations
// return ErrWorkflowNotFound (wrapped) for unknown references.
type WorkflowStore interface {
	GetByOrigin(ctx context.Context, namespace, originID string) (*model.Workflow, error)
}

// ErrWorkflowNotFound marks a workflow reference with no stored definition.
var ErrWorkflowNotFound = errors.New("workflow not found")

// Notifier publishes run lifecycle changes to the event firehose.
type Notifier interface {
	RunStarted(runID, workflowID, clientID string)
	RunCancelRequested(runID, reason string)
}

type nopNotifier struct{}

func (nopNotifier) RunStarted(string, string, string) {}

func (nopNotifier) RunCancelRequested(string, string) {}

const (
	// idempotencyTTL bounds how long a key replays its original outcome.
	idempotencyTTL = 24 * time.Hour

	// rateWindowSec is the fixed rate-limit window.
	rateWindowSec = 60

	runKeyPrefix = "idem:run:"
	cmdKeyPrefix = "idem:cmd:"

	defaultTenant = "default"
)

// RunStateService implements the API-facing operations on runs and
// workers.
type RunStateService struct {
	registry *registry.Registry
	launcher RunLauncher
	workers  WorkerGateway
	store    WorkflowStore
	redis    *redisc.Client
	limiter  *ratelimit.Limiter
	rate     config.RateLimitConfig
	audit    *audit.Recorder
	events   Notifier
	affinity *dispatch.AffinityEvaluator
	logger   Logger
}

// RunStateServiceOpts contains options for creating a RunStateService.
// Redis, Limiter, Store, Audit and Events are optional; leaving one nil
// disables the corresponding behaviour.
type RunStateServiceOpts struct {
	Registry  *registry.Registry
	Launcher  RunLauncher
	Workers   WorkerGateway
	Store     WorkflowStore
	Redis     *redisc.Client
	Limiter   *ratelimit.Limiter
	RateLimit config.RateLimitConfig
	Audit     *audit.Recorder
	Events    Notifier
	// Affinity shares a compiled-expression cache with the dispatcher;
	// optional.
	Affinity *dispatch.AffinityEvaluator
	Logger   Logger
}

// NewRunStateService creates a new run state service.
func NewRunStateService(opts *RunStateServiceOpts) *RunStateService {
	events := opts.Events
	if events == nil {
		events = nopNotifier{}
	}
	affinity := opts.Affinity
	if affinity == nil {
		affinity = dispatch.NewAffinityEvaluator()
	}
	return &RunStateService{
		registry: opts.Registry,
		launcher: opts.Launcher,
		workers:  opts.Workers,
		store:    opts.Store,
		redis:    opts.Redis,
		limiter:  opts.Limiter,
		rate:     opts.RateLimit,
		audit:    opts.Audit,
		events:   events,
		affinity: affinity,
		logger:   opts.Logger,
	}
}

// record writes an audit event when a recorder is wired. Every mutating
// operation records its attempt, successful or not.
func (s *RunStateService) record(actorID, action, targetType, targetID string, details interface{}) {
	if s.audit == nil {
		return
	}
	s.audit.Record(actorID, action, targetType, targetID, details)
}

// outcome summarises an operation for its audit record.
func outcome(err error) map[string]interface{} {
	if err == nil {
		return map[string]interface{}{"status": "ok"}
	}
	return map[string]interface{}{"status": "rejected", "error": err.Error()}
}

// idemRecord is the value stored under an idempotency key: the request
// body hash plus the id minted for its first acceptance.
type idemRecord struct {
	Hash string `json:"hash"`
	ID   string `json:"id"`
}

// errIdemMismatch marks a key reused with a different request body.
var errIdemMismatch = errors.New("idempotency key reused with a different body")

// reserveIdempotency claims key for a request with the given body hash.
// It returns the previously stored id when the key already holds an
// identical request, or "" when the claim is fresh and id is now stored.
func (s *RunStateService) reserveIdempotency(ctx context.Context, key, hash, id string) (string, error) {
	record, err := json.Marshal(idemRecord{Hash: hash, ID: id})
	if err != nil {
		return "", fmt.Errorf("failed to encode idempotency record: %w", err)
	}
	// Two rounds cover the race where a reservation expires or rolls back
	// between the failed SETNX and the GET.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.redis.SetNX(ctx, key, string(record), idempotencyTTL)
		if err != nil {
			return "", err
		}
		if ok {
			return "", nil
		}
		raw, err := s.redis.Get(ctx, key)
		if errors.Is(err, redisc.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		var prev idemRecord
		if err := json.Unmarshal([]byte(raw), &prev); err != nil {
			return "", fmt.Errorf("corrupt idempotency record under %s: %w", key, err)
		}
		if prev.Hash != hash {
			return "", errIdemMismatch
		}
		return prev.ID, nil
	}
	return "", fmt.Errorf("idempotency key contention on %s", key)
}

// releaseIdempotency rolls a reservation back after the operation it
// covered was rejected, so a corrected retry is not poisoned by the
// failed attempt. Best effort: an expired key releases itself.
func (s *RunStateService) releaseIdempotency(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.redis.Delete(ctx, key); err != nil {
		s.logger.Warn("failed to release idempotency key", "key", key, "error", err)
	}
}

// hashBody fingerprints a request body for idempotency comparison.
// Identical bodies hash identically; any difference is a conflict.
func hashBody(v interface{}) string {
	body, err := json.Marshal(v)
	if err != nil {
		return "unhashable"
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// compileAffinities pre-compiles every node affinity expression so a bad
// expression rejects the snapshot instead of stalling dispatch later. The
// compiled programs stay cached for dispatch-time evaluation.
func (s *RunStateService) compileAffinities(wf *model.Workflow) error {
	for i := range wf.Nodes {
		if err := s.compileAffinity(&wf.Nodes[i]); err != nil {
			return err
		}
	}
	for name, sg := range wf.Subgraphs {
		for i := range sg.Nodes {
			if err := s.compileAffinity(&sg.Nodes[i]); err != nil {
				return fmt.Errorf("subgraph %s: %w", name, err)
			}
		}
	}
	return nil
}

func (s *RunStateService) compileAffinity(n *model.Node) error {
	if n.Affinity == "" {
		return nil
	}
	if err := s.affinity.Compile(n.Affinity); err != nil {
		return fmt.Errorf("node %s: invalid affinity expression: %w", n.ID, err)
	}
	return nil
}

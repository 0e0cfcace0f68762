package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/cmd/controlplane/gateway"
	"github.com/weftlabs/weft/common/audit"
	"github.com/weftlabs/weft/common/httperr"
	"github.com/weftlabs/weft/common/model"
	"github.com/weftlabs/weft/common/wire"
)

// WorkerDetail pairs a catalogue record with its transport session, when
// one is attached.
type WorkerDetail struct {
	model.WorkerRecord
	Session *gateway.SessionInfo `json:"session,omitempty"`
}

// Workers lists catalogue records sorted by name.
func (s *RunStateService) Workers() []model.WorkerRecord {
	records := s.workers.Workers()
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records
}

// GetWorker returns one worker with its session snapshot.
func (s *RunStateService) GetWorker(name string) (*WorkerDetail, error) {
	rec, ok := s.workers.Worker(name)
	if !ok {
		return nil, workerNotFound(name)
	}
	detail := &WorkerDetail{WorkerRecord: rec}
	if info, ok := s.workers.SessionInfo(name); ok {
		detail.Session = &info
	}
	return detail, nil
}

// CommandRequest submits an admin command to a worker. Worker and Actor
// come from the route and auth, never from the body.
type CommandRequest struct {
	Worker         string          `json:"-"`
	Command        string          `json:"command"`
	Args           json.RawMessage `json:"args,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Actor          string          `json:"-"`
}

// CommandResult is the accepted-command response. The result arrives
// asynchronously on the event firehose under the same command id.
type CommandResult struct {
	CommandID string `json:"command_id"`
	Reused    bool   `json:"-"`
}

// SubmitCommand validates and forwards an admin command. An idempotency
// key makes the submission safe to retry: the replay returns the command
// id of the first attempt without sending again.
func (s *RunStateService) SubmitCommand(ctx context.Context, req *CommandRequest) (res *CommandResult, err error) {
	defer func() {
		details := outcome(err)
		details["command"] = req.Command
		if res != nil {
			details["command_id"] = res.CommandID
		}
		s.record(actorOrSystem(req.Actor), audit.ActionWorkerCommand, "worker", req.Worker, details)
	}()

	if verr := validateCommand(req.Command, req.Args); verr != nil {
		return nil, verr
	}
	if _, ok := s.workers.Worker(req.Worker); !ok {
		return nil, workerNotFound(req.Worker)
	}

	commandID := "cmd-" + uuid.NewString()
	if req.IdempotencyKey != "" && s.redis != nil {
		key := cmdKeyPrefix + req.IdempotencyKey
		// The worker name comes from the route, not the body, so it is
		// hashed explicitly: the same key aimed at another worker must
		// conflict rather than replay.
		hash := hashBody(map[string]interface{}{
			"worker":  req.Worker,
			"command": req.Command,
			"args":    req.Args,
		})
		prior, rerr := s.reserveIdempotency(ctx, key, hash, commandID)
		if errors.Is(rerr, errIdemMismatch) {
			return nil, httperr.Conflict("idempotency key was used with a different request").
				WithDetails(map[string]interface{}{"idempotency_key": req.IdempotencyKey})
		}
		if rerr != nil {
			return nil, httperr.Wrap(httperr.KindInternal, "idempotency check failed", rerr)
		}
		if prior != "" {
			return &CommandResult{CommandID: prior, Reused: true}, nil
		}
		defer func() {
			if err != nil {
				s.releaseIdempotency(key)
			}
		}()
	}

	if _, serr := s.workers.SendCommandAs(ctx, req.Worker, commandID, req.Command, req.Args); serr != nil {
		if errors.Is(serr, gateway.ErrNoSession) || errors.Is(serr, gateway.ErrSessionClosed) {
			return nil, httperr.Wrap(httperr.KindWorkerUnavailable, "worker is not connected", serr).
				WithDetails(map[string]interface{}{"worker": req.Worker})
		}
		if errors.Is(serr, context.DeadlineExceeded) {
			return nil, httperr.Wrap(httperr.KindWorkerUnavailable, "worker did not accept the command in time", serr).
				WithDetails(map[string]interface{}{"worker": req.Worker})
		}
		return nil, httperr.Wrap(httperr.KindInternal, "command send failed", serr)
	}

	s.logger.Info("admin command accepted",
		"worker", req.Worker, "command", req.Command, "command_id", commandID)
	return &CommandResult{CommandID: commandID}, nil
}

// validateCommand rejects unknown commands and malformed args before
// anything reaches a worker.
func validateCommand(command string, args json.RawMessage) error {
	switch command {
	case wire.AdminDrain:
		return nil
	case wire.AdminRebind:
		var a struct {
			Queue string `json:"queue"`
		}
		if err := json.Unmarshal(emptyAsObject(args), &a); err != nil || a.Queue == "" {
			return httperr.BadRequest("rebind requires args.queue")
		}
		return nil
	case wire.AdminPkgInstall, wire.AdminPkgUninstall:
		var a struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		}
		if err := json.Unmarshal(emptyAsObject(args), &a); err != nil || a.Name == "" || a.Version == "" {
			return httperr.BadRequest(fmt.Sprintf("%s requires args.name and args.version", command))
		}
		return nil
	default:
		return httperr.BadRequest(fmt.Sprintf("unknown command %q", command)).
			WithDetails(map[string]interface{}{"command": command})
	}
}

// emptyAsObject lets absent args decode as an empty object so the field
// checks produce the API error, not a JSON syntax error.
func emptyAsObject(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage(`{}`)
	}
	return args
}

func workerNotFound(name string) *httperr.Error {
	return httperr.NotFound("worker not found").
		WithDetails(map[string]interface{}{"worker": name})
}

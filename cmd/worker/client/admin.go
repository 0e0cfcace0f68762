package client

import (
	"encoding/json"
	"fmt"

	"github.com/weftlabs/weft/common/wire"
)

// handleAdmin executes one operator command and reports the outcome. The
// gateway applies catalogue side effects only on an ok status, so a refused
// command changes nothing on either side.
func (c *Client) handleAdmin(cmd *wire.AdminCommand) {
	res := c.execAdmin(cmd)

	f, err := wire.NewFrame(wire.KindAdminResult, res)
	if err != nil {
		return
	}
	if err := c.send(c.sessionCtx(), f); err != nil {
		c.logger.Warn("admin result not sent",
			"command_id", cmd.CommandID, "command", cmd.Command, "error", err)
		return
	}
	if cmd.Command == wire.AdminDrain && res.Status == "ok" {
		c.maybeFinishDrain()
	}
}

func (c *Client) execAdmin(cmd *wire.AdminCommand) *wire.AdminResult {
	res := &wire.AdminResult{CommandID: cmd.CommandID, Status: "ok"}

	switch cmd.Command {
	case wire.AdminDrain:
		c.mu.Lock()
		c.draining = true
		active := len(c.tasks)
		c.mu.Unlock()
		res.Message = fmt.Sprintf("draining, %d tasks in flight", active)
		c.logger.Info("draining on operator command", "in_flight", active)

	case wire.AdminRebind:
		var args struct {
			Queue string `json:"queue"`
		}
		if err := json.Unmarshal(cmd.Args, &args); err != nil || args.Queue == "" {
			return adminError(cmd, "rebind requires a queue argument")
		}
		c.mu.Lock()
		c.queueName = args.Queue
		c.mu.Unlock()
		res.Data, _ = json.Marshal(map[string]string{"queue": args.Queue})
		c.logger.Info("rebound to queue", "queue", args.Queue)

	case wire.AdminPkgInstall, wire.AdminPkgUninstall:
		var args struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		}
		if err := json.Unmarshal(cmd.Args, &args); err != nil || args.Name == "" || args.Version == "" {
			return adminError(cmd, "package commands require name and version")
		}
		ref := args.Name + "@" + args.Version
		if cmd.Command == wire.AdminPkgInstall {
			c.packages.Install(ref)
			c.logger.Info("package installed", "package", ref)
		} else if !c.packages.Uninstall(ref) {
			return adminError(cmd, "package "+ref+" not installed")
		} else {
			c.logger.Info("package uninstalled", "package", ref)
		}
		res.Data, _ = json.Marshal(map[string][]string{"packages": c.packages.List()})

	default:
		return adminError(cmd, "unknown command "+cmd.Command)
	}
	return res
}

func adminError(cmd *wire.AdminCommand, msg string) *wire.AdminResult {
	return &wire.AdminResult{CommandID: cmd.CommandID, Status: "error", Message: msg}
}

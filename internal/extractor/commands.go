package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/opensandbox/boltshell/internal/metrics"
	"github.com/opensandbox/boltshell/internal/shell"
	"github.com/opensandbox/boltshell/internal/termclean"
	"github.com/opensandbox/boltshell/pkg/types"
)

// CommandRunner executes shell commands in a session and reports on its
// terminal. *session.Registry implements it.
type CommandRunner interface {
	ExecuteCommand(ctx context.Context, sessionID, command string, opts ...shell.ExecOption) (*types.ExecResult, error)
	WriteBanner(sessionID string, color termclean.Color, msg string) error
}

// The sandbox already runs the preview dev server; starting another would
// fight it for the port.
var devServerCommands = []string{"npm run dev", "npm start", "next dev"}

// IsDevServer reports whether cmd starts a development server.
func IsDevServer(cmd string) bool {
	for _, d := range devServerCommands {
		if strings.Contains(cmd, d) {
			return true
		}
	}
	return false
}

// RunCommands executes the collected shell actions one after another in
// sessionID. Dev-server commands are marked complete without running. A
// command that outlives the timeout is reported on the terminal and marked
// failed, and the queue moves on. Only cancellation of ctx stops the queue.
func (e *Extractor) RunCommands(ctx context.Context, runner CommandRunner, sessionID string) error {
	for _, c := range e.commands {
		if c.action.Complete {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if IsDevServer(c.action.Command) {
			e.log.Info("skipping dev server command", zap.String("command", c.action.Command))
			e.settle(c, types.ActionSkipped, nil, "")
			continue
		}

		c.action.Status = types.ActionRunning
		e.emit(c.action)

		cctx, cancel := context.WithTimeout(ctx, e.opts.CommandTimeout)
		res, err := runner.ExecuteCommand(cctx, sessionID, c.action.Command)
		cancel()

		switch {
		case err != nil && ctx.Err() != nil:
			e.settle(c, types.ActionFailed, nil, ctx.Err().Error())
			return ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			metrics.CommandTimeoutsTotal.Inc()
			msg := fmt.Sprintf("Command timed out after %s: %s", e.opts.CommandTimeout, c.action.Command)
			e.log.Warn("command timed out",
				zap.String("session", sessionID),
				zap.String("command", c.action.Command),
				zap.Duration("timeout", e.opts.CommandTimeout))
			if berr := runner.WriteBanner(sessionID, termclean.Yellow, msg); berr != nil {
				e.log.Debug("timeout banner", zap.Error(berr))
			}
			e.settle(c, types.ActionFailed, nil, "timed out")
		case err != nil:
			e.log.Warn("command failed",
				zap.String("session", sessionID),
				zap.String("command", c.action.Command),
				zap.Error(err))
			e.settle(c, types.ActionFailed, nil, err.Error())
		default:
			status := types.ActionComplete
			if res.ExitCode != 0 {
				status = types.ActionFailed
			}
			code := res.ExitCode
			e.settle(c, status, &code, "")
		}
	}
	return nil
}

func (e *Extractor) settle(c *command, status types.ActionStatus, code *int, errMsg string) {
	c.action.Complete = true
	c.action.Status = status
	c.action.ExitCode = code
	c.action.Error = errMsg
	metrics.StreamActionsTotal.WithLabelValues(string(types.ActionShell), string(status)).Inc()
	e.emit(c.action)
}

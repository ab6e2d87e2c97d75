package undo

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/agentsh/actiond/internal/execreg"
	"github.com/agentsh/actiond/pkg/types"
)

// ReverseRunner executes the reverse command of an exec action.
type ReverseRunner interface {
	RunReverse(ctx context.Context, command, cwd string) error
}

// ShellRunner runs reverse commands in the foreground. Plain commands are
// executed directly, the rest with Shell -c.
type ShellRunner struct {
	Shell string
}

func (r *ShellRunner) RunReverse(ctx context.Context, command, cwd string) error {
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	var cmd *exec.Cmd
	if argv, ok := execreg.PlainArgv(command); ok {
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
	} else {
		cmd = exec.CommandContext(ctx, shell, "-c", command)
	}
	cmd.Dir = cwd
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(lastLine(out.String())))
	}
	return nil
}

// Runner is satisfied by *execreg.Spawner.
type Runner interface {
	Run(ctx context.Context, req execreg.SpawnRequest) (types.ProcessSession, error)
}

// SessionRunner runs reverse commands as tracked process sessions so they
// show up next to the commands they reverse.
type SessionRunner struct {
	Spawner Runner
}

func (r *SessionRunner) RunReverse(ctx context.Context, command, cwd string) error {
	ps, err := r.Spawner.Run(ctx, execreg.SpawnRequest{Command: command, Cwd: cwd})
	if err != nil {
		return err
	}
	if ps.Status == types.ProcessStatusCompleted {
		return nil
	}
	switch {
	case ps.ExitSignal != "":
		return fmt.Errorf("killed by %s", ps.ExitSignal)
	case ps.ExitCode != nil:
		return fmt.Errorf("exit status %d: %s", *ps.ExitCode, strings.TrimSpace(lastLine(ps.Tail)))
	default:
		return fmt.Errorf("session %s ended %s", ps.ID, ps.Status)
	}
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

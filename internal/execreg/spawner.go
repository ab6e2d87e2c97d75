//go:build unix

package execreg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/agentsh/actiond/pkg/types"
	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

type SpawnRequest struct {
	ID           string
	Command      string
	Cwd          string
	Env          []string
	PTY          bool
	Backgrounded bool
}

// Spawner starts commands and tracks them in a Registry. Plain commands
// are executed directly; anything else goes through Shell. Output is
// drained continuously into the session buffer; exit is recorded with
// MarkExited.
type Spawner struct {
	Registry *Registry
	Shell    string
	Logger   *slog.Logger
}

func NewSpawner(reg *Registry, logger *slog.Logger) *Spawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Spawner{Registry: reg, Shell: "/bin/sh", Logger: logger}
}

func (sp *Spawner) Spawn(req SpawnRequest) (*Session, error) {
	if req.Command == "" {
		return nil, errors.New("command is required")
	}
	shell := sp.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	var cmd *exec.Cmd
	if argv, ok := PlainArgv(req.Command); ok {
		cmd = exec.Command(argv[0], argv[1:]...)
	} else {
		cmd = exec.Command(shell, "-c", req.Command)
	}
	cmd.Dir = req.Cwd
	if len(req.Env) > 0 {
		cmd.Env = req.Env
	}

	// The session must be registered before output starts flowing, but the
	// pid is only known after start. Build it first and fill the pid in.
	sess := sp.Registry.NewSession(SessionStart{
		ID:           req.ID,
		Command:      req.Command,
		Cwd:          req.Cwd,
		IsPTY:        req.PTY,
		Backgrounded: req.Backgrounded,
	})

	var ptmx *os.File
	if req.PTY {
		f, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("start pty: %w", err)
		}
		ptmx = f
	} else {
		cmd.Stdout = sess
		cmd.Stderr = sess
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start command: %w", err)
		}
	}

	pid := cmd.Process.Pid
	ticks, _ := processStartTicks(pid)
	sess.mu.Lock()
	sess.meta.PID = pid
	sess.meta.StartTimeTicks = ticks
	sess.mu.Unlock()

	if err := sp.Registry.AddSession(sess); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		if ptmx != nil {
			_ = ptmx.Close()
		}
		return nil, err
	}

	copied := make(chan struct{})
	if ptmx != nil {
		go func() {
			defer close(copied)
			// Reading the master fails with EIO once the child side closes.
			_, _ = io.Copy(sess, ptmx)
		}()
	} else {
		close(copied)
	}

	go func() {
		_ = cmd.Wait()
		<-copied
		if ptmx != nil {
			_ = ptmx.Close()
		}
		code, sig := exitInfo(cmd)
		if _, err := sp.Registry.MarkExited(sess.ID(), code, sig); err != nil {
			sp.Logger.Warn("mark exited failed", "session_id", sess.ID(), "error", err)
		}
	}()
	return sess, nil
}

// Run spawns the command and waits for it to finish.
func (sp *Spawner) Run(ctx context.Context, req SpawnRequest) (types.ProcessSession, error) {
	sess, err := sp.Spawn(req)
	if err != nil {
		return types.ProcessSession{}, err
	}
	select {
	case <-sess.Done():
	case <-ctx.Done():
		_ = sp.Kill(sess.ID(), unix.SIGKILL)
		<-sess.Done()
	}
	ps, ok := sp.Registry.GetFinishedSession(sess.ID())
	if !ok {
		// Pruned already; fall back to the handle.
		ps = sess.snapshot()
	}
	return ps, ctx.Err()
}

// Kill signals the process group of a running session.
func (sp *Spawner) Kill(id string, sig unix.Signal) error {
	ps, ok := sp.Registry.GetSession(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err := unix.Kill(-ps.PID, sig); err == nil {
		return nil
	}
	return unix.Kill(ps.PID, sig)
}

func exitInfo(cmd *exec.Cmd) (*int, string) {
	ps := cmd.ProcessState
	if ps == nil {
		code := 127
		return &code, ""
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return nil, unix.SignalName(ws.Signal())
	}
	code := ps.ExitCode()
	return &code, ""
}

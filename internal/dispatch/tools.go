package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentsh/actiond/internal/execreg"
	"github.com/agentsh/actiond/internal/undo"
	"github.com/agentsh/actiond/pkg/types"
)

var ErrMissingArg = errors.New("missing argument")

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingArg, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %s: want string, got %T", key, v)
	}
	return s, nil
}

func optString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// resolvePath makes path absolute against the invocation cwd.
func resolvePath(inv Invocation) (string, error) {
	p, err := stringArg(inv.Args, "path")
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", fmt.Errorf("%w: path", ErrMissingArg)
	}
	if !filepath.IsAbs(p) && inv.Cwd != "" {
		p = filepath.Join(inv.Cwd, p)
	}
	return filepath.Abs(p)
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"required,minLength=1,description=Relative paths resolve against cwd"`
	Content string `json:"content" jsonschema:"required"`
}

type readFileArgs struct {
	Path string `json:"path" jsonschema:"required,minLength=1"`
}

type shellArgs struct {
	Command string `json:"command" jsonschema:"required,minLength=1"`
	Reverse string `json:"reverse,omitempty" jsonschema:"description=Command that undoes this one"`
	PTY     bool   `json:"pty,omitempty"`
}

// WriteFile replaces a file's content. Args: path, content.
type WriteFile struct{}

func (WriteFile) ArgsShape() any { return &writeFileArgs{} }

func (WriteFile) Name() string                   { return "write_file" }
func (WriteFile) Category() types.ActionCategory { return types.CategoryMutate }

func (WriteFile) Capability(inv Invocation) (string, error) {
	p, err := resolvePath(inv)
	if err != nil {
		return "", err
	}
	return "fs.write:" + p, nil
}

func (WriteFile) Describe(inv Invocation) string {
	return fmt.Sprintf("write %d bytes to %s", len(optString(inv.Args, "content")), optString(inv.Args, "path"))
}

func (WriteFile) Capture(_ context.Context, inv Invocation) (types.UndoData, error) {
	p, err := resolvePath(inv)
	if err != nil {
		return nil, err
	}
	return undo.CaptureFile(p)
}

func (WriteFile) Execute(_ context.Context, inv Invocation) (string, error) {
	p, err := resolvePath(inv)
	if err != nil {
		return "", err
	}
	content, err := stringArg(inv.Args, "content")
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), p), nil
}

// ReadFile returns a file's content. It is never reversible.
type ReadFile struct{}

func (ReadFile) ArgsShape() any { return &readFileArgs{} }

func (ReadFile) Name() string                   { return "read_file" }
func (ReadFile) Category() types.ActionCategory { return types.CategoryRead }

func (ReadFile) Capability(inv Invocation) (string, error) {
	p, err := resolvePath(inv)
	if err != nil {
		return "", err
	}
	return "fs.read:" + p, nil
}

func (ReadFile) Describe(inv Invocation) string {
	return "read " + optString(inv.Args, "path")
}

func (ReadFile) Execute(_ context.Context, inv Invocation) (string, error) {
	p, err := resolvePath(inv)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CommandRunner is satisfied by *execreg.Spawner.
type CommandRunner interface {
	Run(ctx context.Context, req execreg.SpawnRequest) (types.ProcessSession, error)
}

// Shell runs a command as a tracked process session. Args: command, and
// optionally reverse (the command that undoes it) and pty.
type Shell struct {
	Runner CommandRunner
}

func (Shell) ArgsShape() any { return &shellArgs{} }

func (Shell) Name() string                   { return "shell" }
func (Shell) Category() types.ActionCategory { return types.CategoryExec }

// Capability selects on the program name, e.g. "exec.run:git", when the
// command is a plain argv. Anything needing a shell is checked as
// "exec.shell:<command>" so a program grant never covers a script.
func (Shell) Capability(inv Invocation) (string, error) {
	cmd, err := stringArg(inv.Args, "command")
	if err != nil {
		return "", err
	}
	return execCapability(cmd, "command")
}

// ExtraCapabilities requires the reverse command to be authorized as well;
// undo later runs it without asking again.
func (Shell) ExtraCapabilities(inv Invocation) ([]string, error) {
	rev := optString(inv.Args, "reverse")
	if strings.TrimSpace(rev) == "" {
		return nil, nil
	}
	c, err := execCapability(rev, "reverse")
	if err != nil {
		return nil, err
	}
	return []string{c}, nil
}

func execCapability(command, arg string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingArg, arg)
	}
	if argv, ok := execreg.PlainArgv(command); ok {
		return "exec.run:" + filepath.Base(argv[0]), nil
	}
	return "exec.shell:" + command, nil
}

func (Shell) Describe(inv Invocation) string {
	desc := optString(inv.Args, "command")
	if rev := optString(inv.Args, "reverse"); rev != "" {
		desc += " (undo with: " + rev + ")"
	}
	return desc
}

func (Shell) Capture(_ context.Context, inv Invocation) (types.UndoData, error) {
	cmd, err := stringArg(inv.Args, "command")
	if err != nil {
		return nil, err
	}
	return undo.CaptureExec(cmd, inv.Cwd, optString(inv.Args, "reverse")), nil
}

func (s Shell) Execute(ctx context.Context, inv Invocation) (string, error) {
	cmd, err := stringArg(inv.Args, "command")
	if err != nil {
		return "", err
	}
	usePTY, _ := inv.Args["pty"].(bool)
	ps, err := s.Runner.Run(ctx, execreg.SpawnRequest{Command: cmd, Cwd: inv.Cwd, PTY: usePTY})
	if err != nil {
		return ps.Aggregated, err
	}
	if ps.Status != types.ProcessStatusCompleted {
		if ps.ExitSignal != "" {
			return ps.Aggregated, fmt.Errorf("killed by %s", ps.ExitSignal)
		}
		code := -1
		if ps.ExitCode != nil {
			code = *ps.ExitCode
		}
		return ps.Aggregated, fmt.Errorf("exit status %d", code)
	}
	return ps.Aggregated, nil
}

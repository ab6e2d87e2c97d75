package approvals

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/agentsh/actiond/pkg/types"
	"golang.org/x/term"
)

// TTYPrompter asks an operator on the controlling terminal. The operator
// must solve a small sum before the decision is accepted, so a stray
// keypress cannot approve a command.
type TTYPrompter struct {
	Gate   *Gate
	Logger *slog.Logger

	// Open returns the terminal; nil opens /dev/tty.
	Open func() (io.ReadWriteCloser, error)
	// Challenge returns the two addends; nil picks random ones.
	Challenge func() (int, int)

	mu sync.Mutex
}

func (p *TTYPrompter) Notify(rec types.ApprovalRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	// The request may have expired while an earlier prompt was on screen.
	if _, ok := p.Gate.Snapshot(rec.ID); !ok {
		return
	}

	open := p.Open
	if open == nil {
		open = openTTY
	}
	f, err := open()
	if err != nil {
		logger.Warn("approval prompt unavailable", "approval_id", rec.ID, "error", err)
		return
	}
	defer f.Close()

	decision := p.prompt(f, rec)
	if !p.Gate.Resolve(rec.ID, decision) {
		fmt.Fprintln(f, "approval already decided or expired")
	}
}

func (p *TTYPrompter) prompt(rw io.ReadWriter, rec types.ApprovalRecord) types.ApprovalDecision {
	challenge := p.Challenge
	if challenge == nil {
		challenge = randomChallenge
	}
	a, b := challenge()

	fmt.Fprintf(rw, "\n=== APPROVAL REQUIRED ===\n")
	fmt.Fprintf(rw, "ID: %s\nCommand: %s\n", rec.ID, rec.Request.Command)
	if rec.Request.Cwd != "" {
		fmt.Fprintf(rw, "Cwd: %s\n", rec.Request.Cwd)
	}
	if rec.Request.Host != "" {
		fmt.Fprintf(rw, "Host: %s\n", rec.Request.Host)
	}
	if rec.Request.AgentID != "" {
		fmt.Fprintf(rw, "Agent: %s\n", rec.Request.AgentID)
	}
	fmt.Fprintf(rw, "To continue, solve: %d + %d = ?\n> ", a, b)

	r := bufio.NewReader(rw)
	answer, _ := r.ReadString('\n')
	if strings.TrimSpace(answer) != fmt.Sprintf("%d", a+b) {
		fmt.Fprintln(rw, "challenge failed; denying")
		return types.DecisionDeny
	}

	fmt.Fprint(rw, "Allow? [o]nce / [a]lways / [d]eny: ")
	choice, _ := r.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(choice)) {
	case "o", "once", "y", "yes":
		return types.DecisionAllowOnce
	case "a", "always":
		return types.DecisionAllowAlways
	default:
		return types.DecisionDeny
	}
}

func openTTY() (io.ReadWriteCloser, error) {
	f, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/tty: %w", err)
	}
	if !term.IsTerminal(int(f.Fd())) {
		_ = f.Close()
		return nil, fmt.Errorf("/dev/tty is not a terminal")
	}
	return f, nil
}

func randomChallenge() (int, int) {
	var b [8]byte
	_, _ = rand.Read(b[:])
	n := binary.LittleEndian.Uint64(b[:])
	return int(n%50) + 10, int((n/50)%50) + 10
}

package wrapper

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// PtyPane drives the wrapped CLI directly under a pty instead of a tmux
// session, for hosts where tmux isn't available. Grounded in the reference
// sandbox runner's pty.StartWithSize/pty.Setsize session handling
// (other_examples/.../ehrlich-b-wingthing internal/egg/server.go): one pty
// master per session, a background reader accumulating raw output, and
// signal-based graceful termination before a hard kill.
//
// Unlike tmux, a raw pty has no "ask the multiplexer for the cursor
// column" primitive, so CursorColumn here is an approximation: the rune
// count of the last line since the previous newline. That is good enough
// for the injector's "is input clear" heuristic (§ injector), which only
// needs a rough measure of leftover characters on the current line.
type PtyPane struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	ptmx    *os.File
	buf     bytes.Buffer
	maxBuf  int
	exited  bool
	exitErr error
	exitCh  chan struct{}
}

// NewPtyPane builds a Pane that runs its session directly under a pty.
func NewPtyPane() *PtyPane {
	return &PtyPane{maxBuf: 1 << 20}
}

// StartSession launches cmdLine under a fresh pty sized to match the
// wrapper's tmux default (220x50), killing any previously running session
// owned by this Pane first.
func (p *PtyPane) StartSession(ctx context.Context, cmdLine []string, env map[string]string, scrollback int) error {
	_ = p.KillSession(ctx)

	if len(cmdLine) == 0 {
		return fmt.Errorf("pty: empty command line")
	}
	cmd := exec.CommandContext(ctx, cmdLine[0], cmdLine[1:]...)
	cmd.Env = envSlice(env)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 220, Rows: 50})
	if err != nil {
		return fmt.Errorf("pty: start %s: %w", cmdLine[0], err)
	}

	if scrollback > 0 {
		p.maxBuf = scrollback * 200 // ~200 bytes/line heuristic, bounds unconditional growth
	}

	p.mu.Lock()
	p.cmd = cmd
	p.ptmx = ptmx
	p.buf.Reset()
	p.exited = false
	p.exitErr = nil
	p.exitCh = make(chan struct{})
	p.mu.Unlock()

	go p.readLoop(ptmx)
	go p.waitLoop(cmd)

	return nil
}

func (p *PtyPane) readLoop(ptmx *os.File) {
	chunk := make([]byte, 4096)
	for {
		n, err := ptmx.Read(chunk)
		if n > 0 {
			p.mu.Lock()
			p.buf.Write(chunk[:n])
			if p.buf.Len() > p.maxBuf {
				trim := p.buf.Len() - p.maxBuf
				p.buf.Next(trim)
			}
			p.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (p *PtyPane) waitLoop(cmd *exec.Cmd) {
	err := cmd.Wait()
	p.mu.Lock()
	p.exited = true
	p.exitErr = err
	close(p.exitCh)
	p.mu.Unlock()
}

// KillSession terminates the running session, idempotent.
func (p *PtyPane) KillSession(ctx context.Context) error {
	p.mu.Lock()
	cmd, ptmx := p.cmd, p.ptmx
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	if ptmx != nil {
		_ = ptmx.Close()
	}
	return nil
}

// Capture returns the session's accumulated output, ANSI-stripped.
func (p *PtyPane) Capture() (string, error) {
	p.mu.Lock()
	out := p.buf.String()
	p.mu.Unlock()
	return stripANSI(out), nil
}

// CaptureHash hashes the tail of the accumulated output, the pty
// equivalent of tmux's visible-pane-only capture.
func (p *PtyPane) CaptureHash() (string, error) {
	p.mu.Lock()
	out := p.buf.String()
	p.mu.Unlock()
	if len(out) > 4096 {
		out = out[len(out)-4096:]
	}
	sum := sha256.Sum256([]byte(out))
	return hex.EncodeToString(sum[:]), nil
}

// LastLine returns the session's current bottom line, ANSI-stripped.
func (p *PtyPane) LastLine() (string, error) {
	p.mu.Lock()
	out := p.buf.String()
	p.mu.Unlock()
	lines := strings.Split(strings.TrimRight(stripANSI(out), "\n"), "\n")
	if len(lines) == 0 {
		return "", nil
	}
	return lines[len(lines)-1], nil
}

// CursorColumn approximates the cursor column as the rune count of the
// current line since the last newline — see the package doc comment.
func (p *PtyPane) CursorColumn() (int, error) {
	line, err := p.LastLine()
	if err != nil {
		return 0, err
	}
	return len([]rune(line)), nil
}

// Paste writes text directly to the pty master, wrapping it in bracketed
// paste escapes when requested.
func (p *PtyPane) Paste(text string, bracketed bool) error {
	p.mu.Lock()
	ptmx := p.ptmx
	p.mu.Unlock()
	if ptmx == nil {
		return fmt.Errorf("pty: session not started")
	}
	if bracketed {
		text = "\x1b[200~" + text + "\x1b[201~"
	}
	_, err := ptmx.Write([]byte(text))
	return err
}

// Enter synthesizes an Enter keypress.
func (p *PtyPane) Enter() error {
	p.mu.Lock()
	ptmx := p.ptmx
	p.mu.Unlock()
	if ptmx == nil {
		return fmt.Errorf("pty: session not started")
	}
	_, err := ptmx.Write([]byte("\r"))
	return err
}

// Pid returns the session process's pid.
func (p *PtyPane) Pid(ctx context.Context) (int, error) {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return 0, fmt.Errorf("pty: session not started")
	}
	return cmd.Process.Pid, nil
}

// Status reports whether the session process has exited.
func (p *PtyPane) Status(ctx context.Context) (dead bool, exitCode int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exited {
		return false, 0, nil
	}
	code := 0
	if p.exitErr != nil {
		if exitErr, ok := p.exitErr.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	return true, code, nil
}

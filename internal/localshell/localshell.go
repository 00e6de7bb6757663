// Package localshell runs a terminal session against a PTY on the server's
// own host. It exists for development and for sessions that do not need a
// remote endpoint; it satisfies the same transport contract as the SSH
// backend.
package localshell

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/devpocket/devpocket-server/internal/session"
	"github.com/google/uuid"
)

const (
	defaultCommandTimeout = 2 * time.Minute
	outputQueueDepth      = 256
	readBufferSize        = 32 * 1024
)

// Config describes the local shell process and terminal geometry.
type Config struct {
	// Shell is the program to exec. Empty falls back to $SHELL, then
	// /bin/sh.
	Shell      string
	WorkingDir string
	Env        map[string]string
	Cols       uint16
	Rows       uint16

	CommandTimeout time.Duration
}

// Handler is one shell process attached to a PTY. All methods are safe for
// concurrent use.
type Handler struct {
	cfg     Config
	output  session.OutputFunc
	onClose func(error)

	mu      sync.Mutex
	cmd     *exec.Cmd
	ptmx    *os.File
	running bool
	closing bool

	outCh   chan []byte
	pumped  chan struct{}
}

// Start launches the shell under a PTY sized to the config and begins
// streaming its output.
func Start(ctx context.Context, cfg Config, output session.OutputFunc, onClose func(error)) (*Handler, error) {
	shell := cfg.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.Command(shell)
	cmd.Dir = cfg.WorkingDir
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	cols, rows := cfg.Cols, cfg.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("start %s under pty: %w", shell, err)
	}

	h := &Handler{
		cfg:     cfg,
		output:  output,
		onClose: onClose,
		cmd:     cmd,
		ptmx:    ptmx,
		running: true,
		outCh:   make(chan []byte, outputQueueDepth),
		pumped:  make(chan struct{}),
	}

	go h.readLoop()
	go h.pump()

	log.Printf("[local-shell] started %s (pid %d)", shell, cmd.Process.Pid)
	return h, nil
}

// readLoop reads the PTY master and enqueues chunks, dropping when the
// consumer is behind. It also reaps the process and reports the end of the
// stream.
func (h *Handler) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case h.outCh <- chunk:
			default:
				log.Printf("[local-shell] output queue full, dropping %d bytes", n)
			}
		}
		if err != nil {
			break
		}
	}
	close(h.outCh)

	waitErr := h.cmd.Wait()

	h.mu.Lock()
	unsolicited := !h.closing
	h.running = false
	h.mu.Unlock()

	if unsolicited && h.onClose != nil {
		h.onClose(waitErr)
	}
}

func (h *Handler) pump() {
	defer close(h.pumped)
	for chunk := range h.outCh {
		h.output(chunk)
	}
}

// WriteInput forwards raw bytes to the PTY.
func (h *Handler) WriteInput(p []byte) bool {
	h.mu.Lock()
	ptmx, ok := h.ptmx, h.running
	h.mu.Unlock()
	if !ok {
		return false
	}
	n, err := ptmx.Write(p)
	return err == nil && n > 0
}

// Resize updates the PTY dimensions.
func (h *Handler) Resize(cols, rows uint16) bool {
	h.mu.Lock()
	ptmx, ok := h.ptmx, h.running
	h.mu.Unlock()
	if !ok {
		return false
	}
	return pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols}) == nil
}

// Signal writes the control character for a named signal into the PTY, which
// delivers it to the foreground process group.
func (h *Handler) Signal(name string) bool {
	b, ok := session.SignalByte(name)
	if !ok {
		return false
	}
	return h.WriteInput([]byte{b})
}

// RunCommand executes one command in a separate child process, outside the
// interactive shell, and captures its output.
func (h *Handler) RunCommand(ctx context.Context, spec session.CommandSpec) (*session.CommandResult, error) {
	h.mu.Lock()
	ok := h.running
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("shell process has exited")
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = h.cfg.CommandTimeout
	}
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", spec.Command)
	if spec.WorkingDir != "" {
		cmd.Dir = spec.WorkingDir
	} else if h.cfg.WorkingDir != "" {
		cmd.Dir = h.cfg.WorkingDir
	}
	cmd.Env = os.Environ()
	for k, v := range h.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()
	finished := time.Now()

	result := &session.CommandResult{
		CommandID:  uuid.New().String(),
		Command:    spec.Command,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   finished.Sub(started),
		WorkingDir: cmd.Dir,
	}
	result.DurationMS = result.Duration.Milliseconds()

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		result.ExitCode = session.TimeoutExitCode
		if result.Stderr == "" {
			result.Stderr = fmt.Sprintf("command timed out after %s", timeout)
		}
	case runErr == nil:
		result.ExitCode = 0
	default:
		if exitErr, isExit := runErr.(*exec.ExitError); isExit {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("run command: %w", runErr)
		}
	}
	return result, nil
}

// Close terminates the shell process and releases the PTY. Idempotent.
func (h *Handler) Close() {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return
	}
	h.closing = true
	h.running = false
	cmd, ptmx := h.cmd, h.ptmx
	h.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil {
			log.Printf("[local-shell] kill shell: %v", err)
		}
	}
	if ptmx != nil {
		ptmx.Close()
	}

	select {
	case <-h.pumped:
	case <-time.After(2 * time.Second):
		log.Printf("[local-shell] reader loop did not stop in time")
	}
}

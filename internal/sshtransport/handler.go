// Package sshtransport owns the live SSH connection and PTY channel for one
// SSH-backed terminal session. It wraps golang.org/x/crypto/ssh: connect
// resolves auth material, requests a sized PTY and starts a shell; a
// dedicated reader goroutine pushes output chunks to the caller through a
// bounded queue so a slow consumer can never stall the channel reads.
package sshtransport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/devpocket/devpocket-server/internal/session"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// Connect failure kinds, matched with errors.Is.
var (
	ErrNoAuthMethod  = errors.New("no authentication method available")
	ErrKeyLoad       = errors.New("private key load failed")
	ErrAuthFailed    = errors.New("authentication failed")
	ErrConnectFailed = errors.New("connection failed")
	ErrUnexpected    = errors.New("unexpected ssh error")
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultCommandTimeout = 2 * time.Minute

	// outputQueueDepth bounds the reader→consumer hand-off. Chunks are
	// dropped when the queue is full; the reader never blocks.
	outputQueueDepth = 256

	readBufferSize = 32 * 1024
)

// Config describes one SSH endpoint and terminal geometry.
type Config struct {
	Host     string
	Port     int
	Username string

	// Auth material: a PEM private key (optionally passphrase-protected)
	// and/or a password. At least one must be present.
	PrivateKeyPEM []byte
	Passphrase    string
	Password      string

	Cols uint16
	Rows uint16
	Env  map[string]string

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

// ServerInfo records what was negotiated during the handshake.
type ServerInfo struct {
	RemoteVersion string `json:"remote_version"`
	HostKeyType   string `json:"host_key_type"`
}

// Handler is one live SSH connection plus its invoked shell channel.
// Create with Connect; all methods are safe for concurrent use.
type Handler struct {
	cfg     Config
	output  session.OutputFunc
	onClose func(error)

	mu        sync.Mutex
	client    *ssh.Client
	shell     *ssh.Session
	stdin     io.WriteCloser
	connected bool
	closing   bool

	info ServerInfo

	outCh       chan []byte
	readers     sync.WaitGroup
	pumped      chan struct{}
	pumpStarted bool
}

// Connect establishes the SSH connection, requests a PTY sized to the
// config, starts the shell and the output reader. Every failure path
// releases whatever was already acquired before returning.
func Connect(ctx context.Context, cfg Config, output session.OutputFunc, onClose func(error)) (*Handler, error) {
	h := &Handler{
		cfg:     cfg,
		output:  output,
		onClose: onClose,
		outCh:   make(chan []byte, outputQueueDepth),
		pumped:  make(chan struct{}),
	}

	auths, err := h.authMethods()
	if err != nil {
		return nil, err
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	clientCfg := &ssh.ClientConfig{
		User: cfg.Username,
		Auth: auths,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			h.info.HostKeyType = key.Type()
			return nil
		},
		Timeout: timeout,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %v: %w", addr, err, ErrConnectFailed)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	if err != nil {
		netConn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("ssh handshake with %s: %v: %w", addr, err, ErrAuthFailed)
		}
		return nil, fmt.Errorf("ssh handshake with %s: %v: %w", addr, err, ErrConnectFailed)
	}
	h.client = ssh.NewClient(sshConn, chans, reqs)
	h.info.RemoteVersion = string(sshConn.ServerVersion())

	if err := h.startShell(); err != nil {
		h.Close()
		return nil, err
	}

	h.connected = true
	h.pumpStarted = true
	go h.pump()
	go h.supervise()

	log.Printf("[ssh-transport] connected to %s (%s, host key %s)",
		addr, h.info.RemoteVersion, h.info.HostKeyType)
	return h, nil
}

// authMethods resolves the configured auth material into ssh.AuthMethods.
func (h *Handler) authMethods() ([]ssh.AuthMethod, error) {
	var auths []ssh.AuthMethod
	if len(h.cfg.PrivateKeyPEM) > 0 {
		signer, err := ParsePrivateKey(h.cfg.PrivateKeyPEM, h.cfg.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrKeyLoad)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if h.cfg.Password != "" {
		auths = append(auths, ssh.Password(h.cfg.Password))
	}
	if len(auths) == 0 {
		return nil, ErrNoAuthMethod
	}
	return auths, nil
}

// startShell requests the PTY channel and starts the interactive shell plus
// the stream readers.
func (h *Handler) startShell() error {
	shell, err := h.client.NewSession()
	if err != nil {
		return fmt.Errorf("open session channel: %v: %w", err, ErrUnexpected)
	}
	h.shell = shell

	cols, rows := h.cfg.Cols, h.cfg.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := shell.RequestPty("xterm-256color", int(rows), int(cols), modes); err != nil {
		return fmt.Errorf("request pty: %v: %w", err, ErrUnexpected)
	}

	// Env rejections are server policy (AcceptEnv), not fatal.
	for k, v := range h.cfg.Env {
		if err := shell.Setenv(k, v); err != nil {
			log.Printf("[ssh-transport] setenv %s rejected: %v", k, err)
		}
	}

	stdin, err := shell.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %v: %w", err, ErrUnexpected)
	}
	h.stdin = stdin

	stdout, err := shell.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %v: %w", err, ErrUnexpected)
	}
	stderr, err := shell.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %v: %w", err, ErrUnexpected)
	}

	if err := shell.Shell(); err != nil {
		return fmt.Errorf("start shell: %v: %w", err, ErrUnexpected)
	}

	// stdout and stderr feed the same queue: chunks within one stream stay
	// ordered, ordering across the two is best-effort.
	h.readers.Add(2)
	go h.readLoop(stdout)
	go h.readLoop(stderr)
	return nil
}

// readLoop reads one stream and enqueues chunks, dropping when the consumer
// is behind.
func (h *Handler) readLoop(r io.Reader) {
	defer h.readers.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case h.outCh <- chunk:
			default:
				log.Printf("[ssh-transport] output queue full, dropping %d bytes", n)
			}
		}
		if err != nil {
			return
		}
	}
}

// pump delivers queued chunks to the output callback.
func (h *Handler) pump() {
	defer close(h.pumped)
	for chunk := range h.outCh {
		h.output(chunk)
	}
}

// supervise waits for both stream readers to finish, then closes the queue
// and reports an unsolicited stream end to the owner.
func (h *Handler) supervise() {
	h.readers.Wait()
	close(h.outCh)

	h.mu.Lock()
	unsolicited := !h.closing
	h.connected = false
	h.mu.Unlock()

	if unsolicited && h.onClose != nil {
		h.onClose(io.EOF)
	}
}

// WriteInput forwards raw bytes to the shell. Returns true iff the
// underlying send reported progress. No buffering or retry: the caller owns
// backpressure.
func (h *Handler) WriteInput(p []byte) bool {
	h.mu.Lock()
	stdin, ok := h.stdin, h.connected
	h.mu.Unlock()
	if !ok || stdin == nil {
		return false
	}
	n, err := stdin.Write(p)
	return err == nil && n > 0
}

// Resize updates the remote PTY dimensions. Fails silently when not
// connected.
func (h *Handler) Resize(cols, rows uint16) bool {
	h.mu.Lock()
	shell, ok := h.shell, h.connected
	h.mu.Unlock()
	if !ok || shell == nil {
		return false
	}
	return shell.WindowChange(int(rows), int(cols)) == nil
}

// Signal writes the control character for a named signal into the PTY input
// stream. Unknown names return false without writing.
func (h *Handler) Signal(name string) bool {
	b, ok := session.SignalByte(name)
	if !ok {
		return false
	}
	return h.WriteInput([]byte{b})
}

// RunCommand executes one command over a fresh exec channel on the same
// connection. A deadline overrun abandons the wait and reports the timeout
// exit code instead of blocking.
func (h *Handler) RunCommand(ctx context.Context, spec session.CommandSpec) (*session.CommandResult, error) {
	h.mu.Lock()
	client, ok := h.client, h.connected
	h.mu.Unlock()
	if !ok || client == nil {
		return nil, fmt.Errorf("not connected: %w", ErrConnectFailed)
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = h.cfg.CommandTimeout
	}
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	execSess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open exec channel: %w", err)
	}
	defer execSess.Close()

	var stdout, stderr bytes.Buffer
	execSess.Stdout = &stdout
	execSess.Stderr = &stderr

	cmd := spec.Command
	if spec.WorkingDir != "" {
		cmd = fmt.Sprintf("cd %s && %s", shellQuote(spec.WorkingDir), cmd)
	}

	started := time.Now()
	done := make(chan error, 1)
	go func() { done <- execSess.Run(cmd) }()

	result := &session.CommandResult{
		CommandID:  uuid.New().String(),
		Command:    spec.Command,
		StartedAt:  started,
		WorkingDir: spec.WorkingDir,
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	drained := true
	select {
	case runErr := <-done:
		result.ExitCode = exitCode(runErr)
	case <-timer.C:
		execSess.Signal(ssh.SIGKILL)
		execSess.Close()
		result.ExitCode = session.TimeoutExitCode
		result.Stderr = fmt.Sprintf("command timed out after %s", timeout)
		// Run's copy goroutines keep writing stdout/stderr until it
		// returns; wait for it before touching the buffers.
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			drained = false
		}
	case <-ctx.Done():
		execSess.Close()
		return nil, fmt.Errorf("command canceled: %w", ctx.Err())
	}

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(started)
	result.DurationMS = result.Duration.Milliseconds()
	if drained {
		result.Stdout = stdout.String()
		if result.Stderr == "" {
			result.Stderr = stderr.String()
		}
	}
	return result, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	return 1
}

// shellQuote wraps a path in single quotes, escaping embedded quotes, so cd
// targets with spaces survive the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Close tears the connection down. Idempotent; errors from the underlying
// closes are logged, not propagated.
func (h *Handler) Close() {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return
	}
	h.closing = true
	h.connected = false
	shell, client := h.shell, h.client
	h.mu.Unlock()

	if shell != nil {
		if err := shell.Close(); err != nil && err != io.EOF {
			log.Printf("[ssh-transport] close channel: %v", err)
		}
	}
	if client != nil {
		if err := client.Close(); err != nil {
			log.Printf("[ssh-transport] close connection: %v", err)
		}
	}

	// Bounded join: readers end once the channel closes beneath them.
	if h.pumpStarted {
		select {
		case <-h.pumped:
		case <-time.After(2 * time.Second):
			log.Printf("[ssh-transport] reader loops did not stop in time")
		}
	}
}

// Info returns what was negotiated during the handshake.
func (h *Handler) Info() ServerInfo {
	return h.info
}

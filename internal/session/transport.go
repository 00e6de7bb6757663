package session

import (
	"context"
	"time"
)

// OutputFunc receives raw terminal output chunks pushed by a transport's
// reader loop. Implementations must not block: the transports hand chunks
// off through bounded queues and drop when the consumer falls behind.
type OutputFunc func(chunk []byte)

// Transport is one live terminal backend (SSH channel or local PTY) owned by
// a registry entry. The boolean methods report delivery, not errors: a false
// return means the transport was not in a state to accept the call.
type Transport interface {
	// WriteInput forwards raw bytes to the terminal. Returns true iff the
	// underlying write reported progress.
	WriteInput(p []byte) bool
	// Resize updates the PTY dimensions. Fails silently when not connected.
	Resize(cols, rows uint16) bool
	// Signal delivers a POSIX-style signal by name. Unknown names return
	// false without writing.
	Signal(name string) bool
	// RunCommand executes a command against the live backend, honoring
	// spec.Timeout by returning a synthetic non-zero exit code instead of
	// blocking past the deadline.
	RunCommand(ctx context.Context, spec CommandSpec) (*CommandResult, error)
	// Close tears the backend down. Idempotent.
	Close()
}

// CommandSpec describes one command execution request.
type CommandSpec struct {
	Command    string        `json:"command"`
	WorkingDir string        `json:"working_directory,omitempty"`
	Timeout    time.Duration `json:"-"`
	TimeoutSec int           `json:"timeout,omitempty"`
}

// TimeoutExitCode is the synthetic exit code reported when a command exceeds
// its deadline, matching the shell convention for timed-out commands.
const TimeoutExitCode = 124

// CommandResult is the captured outcome of one command.
type CommandResult struct {
	CommandID  string        `json:"command_id"`
	Command    string        `json:"command"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	ExitCode   int           `json:"exit_code"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
	WorkingDir string        `json:"working_directory,omitempty"`
}

// signalBytes maps signal names to the terminal control characters written
// into the PTY input stream to deliver them to the foreground process.
var signalBytes = map[string]byte{
	"SIGINT":  0x03, // ETX, Ctrl-C
	"SIGQUIT": 0x1C, // FS, Ctrl-\
	"SIGTERM": 0x15, // NAK, Ctrl-U convention used by the mobile client
	"SIGTSTP": 0x1A, // SUB, Ctrl-Z
}

// SignalByte returns the control byte for a signal name.
func SignalByte(name string) (byte, bool) {
	b, ok := signalBytes[name]
	return b, ok
}

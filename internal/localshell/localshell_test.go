package localshell

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devpocket/devpocket-server/internal/session"
)

type collector struct {
	mu  sync.Mutex
	buf []byte
}

func (c *collector) write(chunk []byte) {
	c.mu.Lock()
	c.buf = append(c.buf, chunk...)
	c.mu.Unlock()
}

func (c *collector) waitFor(t *testing.T, target string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		got := string(c.buf)
		c.mu.Unlock()
		if strings.Contains(got, target) {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %q, got: %q", target, got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func startTestShell(t *testing.T, out *collector) *Handler {
	t.Helper()
	h, err := Start(context.Background(), Config{
		Shell: "/bin/sh",
		Cols:  80,
		Rows:  24,
	}, out.write, nil)
	if err != nil {
		t.Fatalf("start shell: %v", err)
	}
	t.Cleanup(h.Close)
	return h
}

func TestStart_InteractiveEcho(t *testing.T) {
	out := &collector{}
	h := startTestShell(t, out)

	if !h.WriteInput([]byte("echo pocket-$((40+2))\n")) {
		t.Fatal("WriteInput returned false")
	}
	out.waitFor(t, "pocket-42", 5*time.Second)
}

func TestResize_LiveShell(t *testing.T) {
	out := &collector{}
	h := startTestShell(t, out)

	if !h.Resize(132, 43) {
		t.Error("Resize returned false on live shell")
	}
}

func TestSignal_UnknownName(t *testing.T) {
	out := &collector{}
	h := startTestShell(t, out)

	if h.Signal("SIGSEGV") {
		t.Error("unknown signal name should return false")
	}
	if !h.Signal("SIGINT") {
		t.Error("Signal(SIGINT) returned false on live shell")
	}
}

func TestRunCommand_CapturesOutput(t *testing.T) {
	out := &collector{}
	h := startTestShell(t, out)

	res, err := h.RunCommand(context.Background(), session.CommandSpec{
		Command: "echo out && echo err 1>&2 && exit 5",
	})
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if res.ExitCode != 5 {
		t.Errorf("exit code = %d, want 5", res.ExitCode)
	}
	if !strings.Contains(res.Stdout, "out") {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if !strings.Contains(res.Stderr, "err") {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestRunCommand_WorkingDir(t *testing.T) {
	out := &collector{}
	h := startTestShell(t, out)

	dir := t.TempDir()
	res, err := h.RunCommand(context.Background(), session.CommandSpec{
		Command:    "pwd",
		WorkingDir: dir,
	})
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if !strings.Contains(res.Stdout, dir) {
		t.Errorf("pwd in %q = %q", dir, res.Stdout)
	}
}

func TestRunCommand_Timeout(t *testing.T) {
	out := &collector{}
	h := startTestShell(t, out)

	res, err := h.RunCommand(context.Background(), session.CommandSpec{
		Command: "sleep 10",
		Timeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if res.ExitCode != session.TimeoutExitCode {
		t.Errorf("exit code = %d, want %d", res.ExitCode, session.TimeoutExitCode)
	}
}

func TestClose_Idempotent(t *testing.T) {
	out := &collector{}
	h := startTestShell(t, out)

	h.Close()
	h.Close()

	if h.WriteInput([]byte("x")) {
		t.Error("WriteInput should fail after Close")
	}
	if h.Resize(80, 24) {
		t.Error("Resize should fail after Close")
	}
}

func TestShellExit_FiresOnClose(t *testing.T) {
	out := &collector{}
	closed := make(chan error, 1)
	h, err := Start(context.Background(), Config{Shell: "/bin/sh"},
		out.write, func(err error) { closed <- err })
	if err != nil {
		t.Fatalf("start shell: %v", err)
	}
	defer h.Close()

	h.WriteInput([]byte("exit 0\n"))
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("onClose not fired after shell exit")
	}
}

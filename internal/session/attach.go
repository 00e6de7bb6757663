package session

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
)

// Attachment is one WebSocket consumer bound to a live session. Output
// arrives on Output; input, resize and signals go through the attachment so
// activity is mirrored into the registry. Close detaches the consumer
// without touching the session itself.
type Attachment struct {
	SessionID string
	Output    <-chan []byte

	m     *Manager
	tr    Transport
	unsub func()
}

// Attach binds a consumer to an active session's terminal stream.
func (m *Manager) Attach(ctx context.Context, userID, id string) (*Attachment, error) {
	if _, err := m.fetchOwned(ctx, userID, id); err != nil {
		return nil, err
	}

	entry, ok := m.registry.Get(id)
	if !ok || entry.Transport == nil || entry.Status != StatusActive {
		return nil, fmt.Errorf("session is not active: %w", errdefs.ErrFailedPrecondition)
	}

	ch, unsub := m.hub.subscribe(id)
	return &Attachment{
		SessionID: id,
		Output:    ch,
		m:         m,
		tr:        entry.Transport,
		unsub:     unsub,
	}, nil
}

// WriteInput forwards raw bytes to the terminal.
func (a *Attachment) WriteInput(p []byte) bool {
	if !a.tr.WriteInput(p) {
		return false
	}
	a.m.registry.Update(a.SessionID, func(e *Entry) { e.LastActivity = time.Now() })
	return true
}

// Resize updates the PTY dimensions and mirrors them into the registry.
func (a *Attachment) Resize(cols, rows uint16) bool {
	if !a.tr.Resize(cols, rows) {
		return false
	}
	a.m.registry.Update(a.SessionID, func(e *Entry) {
		e.Cols = int(cols)
		e.Rows = int(rows)
		e.LastActivity = time.Now()
	})
	return true
}

// Signal delivers a named signal to the foreground process.
func (a *Attachment) Signal(name string) bool {
	return a.tr.Signal(name)
}

// Close detaches this consumer from the output stream.
func (a *Attachment) Close() {
	a.unsub()
}

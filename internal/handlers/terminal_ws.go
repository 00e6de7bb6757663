package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/devpocket/devpocket-server/internal/middleware"
	"github.com/devpocket/devpocket-server/internal/session"
)

const (
	// Per-connection input rate limit: burst and refill per second.
	terminalRateBurst = 200
	terminalRateLimit = 100

	// MaxInputMessageSize caps a single client input frame.
	MaxInputMessageSize = 64 * 1024

	maxResizeCols = 1000
	maxResizeRows = 1000

	wsWriteTimeout = 10 * time.Second
)

// termControlMsg is a text frame from the client: resize or signal.
type termControlMsg struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
	Name string `json:"name,omitempty"`
}

// tokenBucket rate-limits terminal input frames per connection.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}

// TerminalWS bridges GET /ws/sessions/{id} to a live session's terminal.
// Binary frames carry raw keystrokes; text frames carry JSON control
// messages ({"type":"resize","cols":...,"rows":...} and
// {"type":"signal","name":"SIGINT"}). Server→client binary frames carry
// terminal output.
type TerminalWS struct {
	Mgr *session.Manager
}

func (h *TerminalWS) Serve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := middleware.GetUserID(r)

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[terminal-ws] accept failed: %v", err)
		return
	}
	defer clientConn.CloseNow()

	ctx := r.Context()

	att, err := h.Mgr.Attach(ctx, userID, id)
	if err != nil {
		clientConn.Close(websocket.StatusCode(statusForWS(err)), err.Error())
		return
	}
	defer att.Close()

	clientConn.SetReadLimit(1024 * 1024)

	sessionInfo, _ := json.Marshal(map[string]string{
		"type":       "session_info",
		"session_id": id,
	})
	if err := clientConn.Write(ctx, websocket.MessageText, sessionInfo); err != nil {
		return
	}

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()

	// Session output -> client. The attachment channel closes when the
	// session ends or this consumer falls too far behind and is dropped.
	go func() {
		defer relayCancel()
		for chunk := range att.Output {
			writeCtx, cancel := context.WithTimeout(relayCtx, wsWriteTimeout)
			err := clientConn.Write(writeCtx, websocket.MessageBinary, chunk)
			cancel()
			if err != nil {
				return
			}
		}
	}()

	limiter := newTokenBucket(terminalRateBurst, terminalRateLimit)

	// Client -> session input and control.
	for {
		msgType, data, err := clientConn.Read(relayCtx)
		if err != nil {
			break
		}

		if !limiter.allow() {
			continue
		}

		if msgType == websocket.MessageBinary {
			if len(data) > MaxInputMessageSize {
				log.Printf("[terminal-ws] input frame too large: session=%s size=%d limit=%d",
					id, len(data), MaxInputMessageSize)
				continue
			}
			if !att.WriteInput(data) {
				break
			}
			continue
		}

		var msg termControlMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "resize":
			if msg.Cols == 0 || msg.Rows == 0 {
				continue
			}
			cols, rows := msg.Cols, msg.Rows
			if cols > maxResizeCols {
				cols = maxResizeCols
			}
			if rows > maxResizeRows {
				rows = maxResizeRows
			}
			att.Resize(cols, rows)
		case "signal":
			att.Signal(msg.Name)
		}
	}

	clientConn.Close(websocket.StatusNormalClosure, "")
}

// statusForWS maps a domain error to an application close code in the 4xxx
// range, mirroring the HTTP mapping.
func statusForWS(err error) int {
	return 4000 + statusFor(err)%1000
}

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/devpocket/devpocket-server/internal/config"
	"github.com/devpocket/devpocket-server/internal/database"
	"github.com/devpocket/devpocket-server/internal/middleware"
	"github.com/devpocket/devpocket-server/internal/session"
)

// stubTransport lets API tests run against a real manager without a real
// PTY; it records input and answers commands with a canned result.
type stubTransport struct {
	mu     sync.Mutex
	inputs [][]byte
	cols   uint16
	rows   uint16
}

func (t *stubTransport) WriteInput(p []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	t.inputs = append(t.inputs, cp)
	return true
}

func (t *stubTransport) Resize(cols, rows uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cols, t.rows = cols, rows
	return true
}

func (t *stubTransport) Signal(name string) bool {
	_, ok := session.SignalByte(name)
	return ok
}

func (t *stubTransport) RunCommand(ctx context.Context, spec session.CommandSpec) (*session.CommandResult, error) {
	now := time.Now()
	return &session.CommandResult{
		CommandID: fmt.Sprintf("cmd-%d", now.UnixNano()),
		Command:   spec.Command,
		Stdout:    "stub output\n",
		StartedAt: now, FinishedAt: now,
	}, nil
}

func (t *stubTransport) Close() {}

type apiEnv struct {
	srv *httptest.Server
	mgr *session.Manager

	mu         sync.Mutex
	transports []*stubTransport
	outputs    map[string]session.OutputFunc
}

// newAPIEnv wires repos on a throwaway sqlite file into a real manager and
// router, authenticated with a static bearer token table.
func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(t.TempDir()+"/api.db"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	oldDB := database.DB
	database.DB = db
	t.Cleanup(func() { database.DB = oldDB })

	env := &apiEnv{outputs: make(map[string]session.OutputFunc)}

	factory := func(ctx context.Context, rec *database.Session, profile *database.SSHProfile,
		output session.OutputFunc, onClose func(error)) (session.Transport, error) {
		tr := &stubTransport{}
		env.mu.Lock()
		env.transports = append(env.transports, tr)
		env.outputs[rec.ID] = output
		env.mu.Unlock()
		return tr, nil
	}

	registry := session.NewRegistry()
	cfg := session.DefaultConfig()
	cfg.StartupTimeout = 5 * time.Second
	mgr := session.NewManager(database.NewSessionRepo(db), database.NewProfileRepo(db), registry, factory, cfg)
	env.mgr = mgr
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})

	config.Cfg.AuthDisabled = false
	resolver := middleware.NewStaticResolver("alice-token:alice,bob-token:bob")
	sessionH := &SessionHandlers{Mgr: mgr}
	profileH := &ProfileHandlers{Repo: database.NewProfileRepo(db)}
	terminalH := &TerminalWS{Mgr: mgr}
	healthH := &HealthHandlers{Registry: registry}

	r := chi.NewRouter()
	r.Get("/health", healthH.HealthCheck)
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(resolver))
			r.Post("/sessions", sessionH.CreateSession)
			r.Get("/sessions", sessionH.ListSessions)
			r.Get("/sessions/search", sessionH.SearchSessions)
			r.Get("/sessions/stats", sessionH.GetStats)
			r.Get("/sessions/{id}", sessionH.GetSession)
			r.Patch("/sessions/{id}", sessionH.UpdateSession)
			r.Delete("/sessions/{id}", sessionH.DeleteSession)
			r.Post("/sessions/{id}/terminate", sessionH.TerminateSession)
			r.Post("/sessions/{id}/commands", sessionH.ExecuteCommand)
			r.Get("/sessions/{id}/commands", sessionH.GetHistory)
			r.Get("/sessions/{id}/health", sessionH.GetHealth)
			r.Get("/ws/sessions/{id}", terminalH.Serve)
			r.Post("/ssh/profiles", profileH.CreateProfile)
			r.Get("/ssh/profiles", profileH.ListProfiles)
			r.Get("/ssh/profiles/{id}", profileH.GetProfile)
			r.Delete("/ssh/profiles/{id}", profileH.DeleteProfile)
			r.Post("/ssh/keys/generate", profileH.GenerateKeyPair)
		})
	})

	env.srv = httptest.NewServer(r)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *apiEnv) do(t *testing.T, token, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func createSessionAPI(t *testing.T, env *apiEnv, token, name string) string {
	t.Helper()
	resp, body := env.do(t, token, "POST", "/api/v1/sessions", map[string]interface{}{
		"name":         name,
		"session_type": "local",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %s", resp.StatusCode, body)
	}
	var rec struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &rec); err != nil || rec.ID == "" {
		t.Fatalf("create response: %s (%v)", body, err)
	}
	return rec.ID
}

func waitActiveAPI(t *testing.T, env *apiEnv, token, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, body := env.do(t, token, "GET", "/api/v1/sessions/"+id, nil)
		if strings.Contains(string(body), `"status":"active"`) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %s never went active: %s", id, body)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAPI_RequiresAuth(t *testing.T) {
	env := newAPIEnv(t)
	resp, _ := env.do(t, "", "GET", "/api/v1/sessions", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAPI_SessionLifecycle(t *testing.T) {
	env := newAPIEnv(t)
	id := createSessionAPI(t, env, "alice-token", "dev")
	waitActiveAPI(t, env, "alice-token", id)

	// Duplicate live name is a conflict.
	resp, _ := env.do(t, "alice-token", "POST", "/api/v1/sessions", map[string]interface{}{
		"name": "dev", "session_type": "local",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", resp.StatusCode)
	}

	// Unknown session type is a validation error.
	resp, _ = env.do(t, "alice-token", "POST", "/api/v1/sessions", map[string]interface{}{
		"name": "x", "session_type": "telnet",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("bad type status = %d, want 422", resp.StatusCode)
	}

	// Another user cannot see the session at all.
	resp, _ = env.do(t, "bob-token", "GET", "/api/v1/sessions/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign read status = %d, want 404", resp.StatusCode)
	}

	// Execute a command and read it back from history.
	resp, body := env.do(t, "alice-token", "POST", "/api/v1/sessions/"+id+"/commands", map[string]string{
		"command": "uname -a",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute status = %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "stub output") {
		t.Errorf("execute body = %s", body)
	}
	resp, body = env.do(t, "alice-token", "GET", "/api/v1/sessions/"+id+"/commands", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "uname -a") {
		t.Errorf("history = %d: %s", resp.StatusCode, body)
	}

	// Terminate, then a repeat without force is an invalid-state error.
	resp, _ = env.do(t, "alice-token", "POST", "/api/v1/sessions/"+id+"/terminate", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("terminate status = %d", resp.StatusCode)
	}
	resp, _ = env.do(t, "alice-token", "POST", "/api/v1/sessions/"+id+"/terminate", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("re-terminate status = %d, want 400", resp.StatusCode)
	}
	resp, _ = env.do(t, "alice-token", "POST", "/api/v1/sessions/"+id+"/terminate?force=true", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("force terminate status = %d, want 200", resp.StatusCode)
	}

	// Commands on a terminated session are rejected by state.
	resp, _ = env.do(t, "alice-token", "POST", "/api/v1/sessions/"+id+"/commands", map[string]string{
		"command": "ls",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("execute on dead session status = %d, want 400", resp.StatusCode)
	}

	// Delete removes it for good.
	resp, _ = env.do(t, "alice-token", "DELETE", "/api/v1/sessions/"+id, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}
	resp, _ = env.do(t, "alice-token", "GET", "/api/v1/sessions/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", resp.StatusCode)
	}
}

func TestAPI_ListSearchStats(t *testing.T) {
	env := newAPIEnv(t)
	createSessionAPI(t, env, "alice-token", "web-dev")
	createSessionAPI(t, env, "alice-token", "db-work")
	createSessionAPI(t, env, "bob-token", "other")

	resp, body := env.do(t, "alice-token", "GET", "/api/v1/sessions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var list struct {
		Total int64 `json:"total"`
	}
	json.Unmarshal(body, &list)
	if list.Total != 2 {
		t.Errorf("list total = %d, want 2", list.Total)
	}

	resp, body = env.do(t, "alice-token", "GET", "/api/v1/sessions/search?q=web", nil)
	json.Unmarshal(body, &list)
	if resp.StatusCode != http.StatusOK || list.Total != 1 {
		t.Errorf("search = %d, total %d", resp.StatusCode, list.Total)
	}

	resp, body = env.do(t, "alice-token", "GET", "/api/v1/sessions/stats", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"total_sessions":2`) {
		t.Errorf("stats = %d: %s", resp.StatusCode, body)
	}
}

func TestAPI_UpdateSession(t *testing.T) {
	env := newAPIEnv(t)
	id := createSessionAPI(t, env, "alice-token", "dev")
	waitActiveAPI(t, env, "alice-token", id)

	resp, body := env.do(t, "alice-token", "PATCH", "/api/v1/sessions/"+id, map[string]interface{}{
		"terminal_cols": 132,
		"terminal_rows": 43,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), `"terminal_cols":132`) {
		t.Errorf("patch body = %s", body)
	}

	env.mu.Lock()
	tr := env.transports[len(env.transports)-1]
	env.mu.Unlock()
	tr.mu.Lock()
	cols := tr.cols
	tr.mu.Unlock()
	if cols != 132 {
		t.Errorf("live transport cols = %d, want 132", cols)
	}
}

func TestAPI_SessionHealth(t *testing.T) {
	env := newAPIEnv(t)
	id := createSessionAPI(t, env, "alice-token", "dev")
	waitActiveAPI(t, env, "alice-token", id)

	resp, body := env.do(t, "alice-token", "GET", "/api/v1/sessions/"+id+"/health", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"healthy":true`) {
		t.Errorf("health = %d: %s", resp.StatusCode, body)
	}
}

func TestAPI_Profiles(t *testing.T) {
	env := newAPIEnv(t)

	// Mint a key server-side, then store it in a profile.
	resp, body := env.do(t, "alice-token", "POST", "/api/v1/ssh/keys/generate", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("keygen status = %d", resp.StatusCode)
	}
	var keys struct {
		PublicKey  string `json:"public_key"`
		PrivateKey string `json:"private_key"`
	}
	if err := json.Unmarshal(body, &keys); err != nil || keys.PrivateKey == "" {
		t.Fatalf("keygen body: %s (%v)", body, err)
	}

	resp, body = env.do(t, "alice-token", "POST", "/api/v1/ssh/profiles", map[string]string{
		"name": "work", "host": "example.com", "username": "root",
		"auth_method": "key", "private_key": keys.PrivateKey,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("profile create status = %d: %s", resp.StatusCode, body)
	}
	if strings.Contains(string(body), keys.PrivateKey[:40]) {
		t.Error("profile response leaks private key material")
	}
	var prof struct {
		ID string `json:"id"`
	}
	json.Unmarshal(body, &prof)

	// Unparseable key material is rejected up front.
	resp, _ = env.do(t, "alice-token", "POST", "/api/v1/ssh/profiles", map[string]string{
		"name": "bad", "host": "h", "username": "u",
		"auth_method": "key", "private_key": "not a key",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("bad key status = %d, want 422", resp.StatusCode)
	}

	// Foreign profile reads as missing.
	resp, _ = env.do(t, "bob-token", "GET", "/api/v1/ssh/profiles/"+prof.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign profile status = %d, want 404", resp.StatusCode)
	}

	resp, _ = env.do(t, "alice-token", "DELETE", "/api/v1/ssh/profiles/"+prof.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("profile delete status = %d, want 204", resp.StatusCode)
	}
}

func TestAPI_TerminalWebSocket(t *testing.T) {
	env := newAPIEnv(t)
	id := createSessionAPI(t, env, "alice-token", "dev")
	waitActiveAPI(t, env, "alice-token", id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(env.srv.URL, "http://", "ws://", 1) +
		"/api/v1/ws/sessions/" + id + "?token=alice-token"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1024 * 1024)

	// First frame is the session_info announcement.
	msgType, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read session_info: %v", err)
	}
	if msgType != websocket.MessageText || !strings.Contains(string(data), "session_info") {
		t.Fatalf("first frame = %v %q", msgType, data)
	}

	// Keystrokes reach the transport.
	if err := conn.Write(ctx, websocket.MessageBinary, []byte("ls\n")); err != nil {
		t.Fatalf("write input: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		env.mu.Lock()
		tr := env.transports[len(env.transports)-1]
		env.mu.Unlock()
		tr.mu.Lock()
		n := len(tr.inputs)
		tr.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("input never reached the transport")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Resize control frames apply to the PTY.
	resize, _ := json.Marshal(map[string]interface{}{"type": "resize", "cols": 120, "rows": 40})
	if err := conn.Write(ctx, websocket.MessageText, resize); err != nil {
		t.Fatalf("write resize: %v", err)
	}
	deadline = time.Now().Add(3 * time.Second)
	for {
		env.mu.Lock()
		tr := env.transports[len(env.transports)-1]
		env.mu.Unlock()
		tr.mu.Lock()
		cols := tr.cols
		tr.mu.Unlock()
		if cols == 120 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("resize never applied, cols = %d", cols)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Terminal output flows back as binary frames.
	env.mu.Lock()
	output := env.outputs[id]
	env.mu.Unlock()
	output([]byte("$ hello"))

	msgType, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if msgType != websocket.MessageBinary || string(data) != "$ hello" {
		t.Errorf("output frame = %v %q", msgType, data)
	}
}

func TestAPI_TerminalWebSocket_RejectsInactive(t *testing.T) {
	env := newAPIEnv(t)
	id := createSessionAPI(t, env, "alice-token", "dev")
	waitActiveAPI(t, env, "alice-token", id)
	resp, _ := env.do(t, "alice-token", "POST", "/api/v1/sessions/"+id+"/terminate", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatal("terminate failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := strings.Replace(env.srv.URL, "http://", "ws://", 1) +
		"/api/v1/ws/sessions/" + id + "?token=alice-token"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		// Either a refused upgrade or an immediate close is acceptable.
		return
	}
	defer conn.CloseNow()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("expected close on attach to a terminated session")
	}
}

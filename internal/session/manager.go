// Package session implements the terminal session lifecycle: a persisted
// session record per session, a process-local registry of live state, and a
// manager that coordinates the two with the PTY transports.
//
// The registry is the source of truth for "is this session alive right now";
// the store is durable but may lag between background writes. Reads overlay
// registry state onto the persisted record. A process restart empties the
// registry, orphaning any records still marked live; the cleanup sweep
// reconciles those.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/devpocket/devpocket-server/internal/database"
	"github.com/devpocket/devpocket-server/internal/logutil"
	"github.com/devpocket/devpocket-server/internal/metrics"
	"github.com/google/uuid"
)

// Manager owns the session lifecycle. All public methods are safe for
// concurrent use. There is no cross-call mutual exclusion per session id:
// each mutating call re-fetches the record before acting, and concurrent
// writers are last-write-wins at the store layer.
type Manager struct {
	store    Store
	profiles ProfileStore
	registry *Registry
	factory  TransportFactory
	hub      *outputHub
	cfg      Config

	// Supervised startup tasks, so shutdown can cancel and await them
	// instead of leaking goroutines.
	taskMu    sync.Mutex
	taskStops map[string]context.CancelFunc
	tasks     sync.WaitGroup
	stopped   bool
}

func NewManager(store Store, profiles ProfileStore, registry *Registry, factory TransportFactory, cfg Config) *Manager {
	return &Manager{
		store:     store,
		profiles:  profiles,
		registry:  registry,
		factory:   factory,
		hub:       newOutputHub(),
		cfg:       cfg,
		taskStops: make(map[string]context.CancelFunc),
	}
}

// errSessionNotFound is returned for both missing and foreign-owned
// sessions; the two cases are intentionally indistinguishable.
func errSessionNotFound() error {
	return fmt.Errorf("session not found: %w", errdefs.ErrNotFound)
}

// fetchOwned loads a session and enforces ownership. Missing and not-owned
// both come back as the identical NotFound error.
func (m *Manager) fetchOwned(ctx context.Context, userID, id string) (*database.Session, error) {
	rec, err := m.store.GetByID(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, errSessionNotFound()
		}
		log.Printf("[session-mgr] store error fetching session %s: %v", id, err)
		return nil, fmt.Errorf("fetch session: %w", errdefs.ErrInternal)
	}
	if rec.UserID != userID {
		return nil, errSessionNotFound()
	}
	return rec, nil
}

// overlay copies live registry state onto a persisted record so reads
// reflect reality even when the store write lags.
func (m *Manager) overlay(rec *database.Session) *database.Session {
	entry, ok := m.registry.Get(rec.ID)
	if !ok {
		return rec
	}
	rec.Status = entry.Status.String()
	rec.CommandCount = entry.CommandCount
	la := entry.LastActivity
	rec.LastActivity = &la
	return rec
}

// maxTerminalDim caps requested terminal dimensions, matching the resize
// cap on the WebSocket path and staying well inside uint16 range.
const maxTerminalDim = 1000

func clampDim(v, def int) int {
	if v <= 0 {
		return def
	}
	if v > maxTerminalDim {
		return maxTerminalDim
	}
	return v
}

func clampSeconds(v, def int, min, max time.Duration) int {
	if v <= 0 {
		return def
	}
	if d := time.Duration(v) * time.Second; d < min {
		return int(min / time.Second)
	} else if d > max {
		return int(max / time.Second)
	}
	return v
}

// CreateSession validates the spec, snapshots connection info, persists the
// record with status=pending, registers a runtime entry, and schedules the
// startup task. It returns immediately; the caller polls or attaches to see
// the session go active.
func (m *Manager) CreateSession(ctx context.Context, userID string, spec CreateSpec) (*database.Session, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("session name is required: %w", errdefs.ErrInvalidArgument)
	}
	if spec.SessionType != database.TypeLocal && spec.SessionType != database.TypeSSH {
		return nil, fmt.Errorf("unknown session type %q: %w", spec.SessionType, errdefs.ErrInvalidArgument)
	}
	mode := spec.Mode
	if mode == "" {
		mode = database.ModeInteractive
	}
	switch mode {
	case database.ModeInteractive, database.ModeBatch, database.ModeScript:
	default:
		return nil, fmt.Errorf("unknown session mode %q: %w", mode, errdefs.ErrInvalidArgument)
	}
	cols := clampDim(spec.TerminalCols, 80)
	rows := clampDim(spec.TerminalRows, 24)

	// Resolve the SSH profile; ownership failures read identically to a
	// missing profile.
	var profile *database.SSHProfile
	if spec.SessionType == database.TypeSSH {
		if spec.SSHProfileID == nil || *spec.SSHProfileID == "" {
			return nil, fmt.Errorf("ssh sessions require ssh_profile_id: %w", errdefs.ErrInvalidArgument)
		}
		p, err := m.profiles.GetByID(ctx, *spec.SSHProfileID)
		if err != nil {
			if errdefs.IsNotFound(err) {
				return nil, fmt.Errorf("SSH profile not found: %w", errdefs.ErrNotFound)
			}
			log.Printf("[session-mgr] profile lookup failed: %v", err)
			return nil, fmt.Errorf("resolve ssh profile: %w", errdefs.ErrInternal)
		}
		if p.UserID != userID {
			return nil, fmt.Errorf("SSH profile not found: %w", errdefs.ErrNotFound)
		}
		profile = p
	}

	// Reject duplicate live names up front; the partial unique index
	// backstops the race between two concurrent creates.
	if _, err := m.store.GetActiveByName(ctx, userID, spec.Name); err == nil {
		return nil, fmt.Errorf("active session named %q already exists: %w", spec.Name, errdefs.ErrConflict)
	} else if !errdefs.IsNotFound(err) {
		log.Printf("[session-mgr] name lookup failed: %v", err)
		return nil, fmt.Errorf("check session name: %w", errdefs.ErrInternal)
	}

	rec := &database.Session{
		ID:              uuid.New().String(),
		UserID:          userID,
		Name:            spec.Name,
		Description:     spec.Description,
		SessionType:     spec.SessionType,
		Mode:            mode,
		TerminalCols:    cols,
		TerminalRows:    rows,
		Environment:     spec.Environment,
		WorkingDir:      spec.WorkingDir,
		IdleTimeout:     clampSeconds(spec.IdleTimeout, 1800, m.cfg.MinIdleTimeout, m.cfg.MaxIdleTimeout),
		MaxDuration:     clampSeconds(spec.MaxDuration, 28800, time.Minute, m.cfg.MaxDuration),
		EnableLogging:   spec.EnableLogging,
		EnableRecording: spec.EnableRecording,
		AutoReconnect:   spec.AutoReconnect,
		SSHProfileID:    spec.SSHProfileID,
		ConnectionInfo:  buildConnectionInfo(spec, profile),
		Status:          StatusPending.String(),
		IsActive:        true,
	}

	if err := m.store.Create(ctx, rec); err != nil {
		if errdefs.IsConflict(err) {
			return nil, fmt.Errorf("active session named %q already exists: %w", spec.Name, errdefs.ErrConflict)
		}
		log.Printf("[session-mgr] create failed for %s: %v", logutil.SanitizeForLog(spec.Name), err)
		return nil, fmt.Errorf("persist session: %w", errdefs.ErrInternal)
	}

	m.registry.Insert(rec.ID, Entry{
		Status:      StatusConnecting,
		Cols:        cols,
		Rows:        rows,
		Environment: spec.Environment,
	})

	m.scheduleStartup(rec.ID, profile)
	metrics.SessionCreated(rec.SessionType)
	metrics.SetLiveSessions(m.registry.Len())

	log.Printf("[session-mgr] created session %s (%s, user %s)",
		rec.ID, rec.SessionType, userID)
	return rec, nil
}

// buildConnectionInfo snapshots the resolved endpoint at creation time.
// Caller-supplied overrides win over profile values.
func buildConnectionInfo(spec CreateSpec, profile *database.SSHProfile) database.ConnectionInfo {
	var ci database.ConnectionInfo
	if profile != nil {
		ci.Host = profile.Host
		ci.Port = profile.Port
		ci.Username = profile.Username
		ci.ProfileName = profile.Name
	}
	if spec.Host != "" {
		ci.Host = spec.Host
	}
	if spec.Port > 0 {
		ci.Port = spec.Port
	}
	if spec.Username != "" {
		ci.Username = spec.Username
	}
	return ci
}

// GetSession returns one owned session with live state overlaid.
func (m *Manager) GetSession(ctx context.Context, userID, id string) (*database.Session, error) {
	rec, err := m.fetchOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return m.overlay(rec), nil
}

// ListSessions returns a page of the owner's sessions, live state overlaid.
func (m *Manager) ListSessions(ctx context.Context, userID string, activeOnly bool, offset, limit int) ([]database.Session, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	sessions, total, err := m.store.ListByUser(ctx, userID, activeOnly, offset, limit)
	if err != nil {
		log.Printf("[session-mgr] list failed for user %s: %v", userID, err)
		return nil, 0, fmt.Errorf("list sessions: %w", errdefs.ErrInternal)
	}
	for i := range sessions {
		m.overlay(&sessions[i])
	}
	return sessions, total, nil
}

// UpdateSession applies a partial update and mirrors terminal size and
// environment into the runtime entry so a live PTY picks up the change.
func (m *Manager) UpdateSession(ctx context.Context, userID, id string, patch UpdatePatch) (*database.Session, error) {
	rec, err := m.fetchOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		rec.Name = *patch.Name
	}
	if patch.Description != nil {
		rec.Description = *patch.Description
	}
	if patch.TerminalCols != nil && *patch.TerminalCols > 0 {
		rec.TerminalCols = clampDim(*patch.TerminalCols, rec.TerminalCols)
	}
	if patch.TerminalRows != nil && *patch.TerminalRows > 0 {
		rec.TerminalRows = clampDim(*patch.TerminalRows, rec.TerminalRows)
	}
	if patch.Environment != nil {
		rec.Environment = *patch.Environment
	}
	if patch.WorkingDir != nil {
		rec.WorkingDir = *patch.WorkingDir
	}
	if patch.IdleTimeout != nil {
		rec.IdleTimeout = clampSeconds(*patch.IdleTimeout, rec.IdleTimeout, m.cfg.MinIdleTimeout, m.cfg.MaxIdleTimeout)
	}
	if patch.MaxDuration != nil {
		rec.MaxDuration = clampSeconds(*patch.MaxDuration, rec.MaxDuration, time.Minute, m.cfg.MaxDuration)
	}
	if patch.AutoReconnect != nil {
		rec.AutoReconnect = *patch.AutoReconnect
	}

	if err := m.store.Update(ctx, rec); err != nil {
		if errdefs.IsConflict(err) {
			return nil, fmt.Errorf("active session named %q already exists: %w", rec.Name, errdefs.ErrConflict)
		}
		log.Printf("[session-mgr] update failed for %s: %v", id, err)
		return nil, fmt.Errorf("persist session update: %w", errdefs.ErrInternal)
	}

	// Snapshot the transport inside the lock, resize outside it: Resize
	// does network I/O on the SSH path.
	var tr Transport
	m.registry.Update(id, func(e *Entry) {
		e.Cols = rec.TerminalCols
		e.Rows = rec.TerminalRows
		e.Environment = rec.Environment
		e.LastActivity = time.Now()
		tr = e.Transport
	})
	if tr != nil {
		tr.Resize(uint16(rec.TerminalCols), uint16(rec.TerminalRows))
	}

	return m.overlay(rec), nil
}

// TerminateSession ends a session. Without force, terminating an already
// terminal session fails InvalidState. With force the full teardown+persist
// path runs even on a terminal session, so client retries that never saw
// their first response converge on the same state.
func (m *Manager) TerminateSession(ctx context.Context, userID, id string, force bool) error {
	rec, err := m.fetchOwned(ctx, userID, id)
	if err != nil {
		return err
	}

	status := Status(rec.Status)
	if status.Terminal() && !force {
		return fmt.Errorf("session already %s: %w", rec.Status, errdefs.ErrFailedPrecondition)
	}

	m.teardown(id)

	now := time.Now()
	if next, err := status.ToTerminated(); err == nil {
		rec.Status = next.String()
	} else {
		// force path on an already-terminal session: re-affirm the state
		rec.Status = StatusTerminated.String()
	}
	if rec.EndTime == nil {
		rec.EndTime = &now
	}
	rec.IsActive = false
	if rec.StartTime != nil {
		rec.DurationSeconds = int(rec.EndTime.Sub(*rec.StartTime) / time.Second)
	}

	if err := m.store.Update(ctx, rec); err != nil {
		log.Printf("[session-mgr] terminate persist failed for %s: %v", id, err)
		return fmt.Errorf("persist termination: %w", errdefs.ErrInternal)
	}

	metrics.SessionEnded(rec.SessionType)
	log.Printf("[session-mgr] terminated session %s (force=%v)", id, force)
	return nil
}

// DeleteSession hard-deletes the record, tearing down any live transport
// first. No soft delete, no undo.
func (m *Manager) DeleteSession(ctx context.Context, userID, id string) error {
	rec, err := m.fetchOwned(ctx, userID, id)
	if err != nil {
		return err
	}

	m.teardown(id)

	if err := m.store.Delete(ctx, rec.ID); err != nil {
		log.Printf("[session-mgr] delete failed for %s: %v", id, err)
		return fmt.Errorf("delete session: %w", errdefs.ErrInternal)
	}

	log.Printf("[session-mgr] deleted session %s", id)
	return nil
}

// teardown cancels any in-flight startup, closes the live transport, and
// removes the runtime entry. Idempotent: a missing entry is a no-op.
func (m *Manager) teardown(id string) {
	m.taskMu.Lock()
	if cancel, ok := m.taskStops[id]; ok {
		cancel()
		delete(m.taskStops, id)
	}
	m.taskMu.Unlock()

	if tr, ok := m.registry.Remove(id); ok && tr != nil {
		tr.Close()
	}
	m.hub.drop(id)
	metrics.SetLiveSessions(m.registry.Len())
}

// ExecuteCommand runs one command on an active session. The session must be
// active per the overlaid view; the command timeout is enforced by the
// transport, which reports a synthetic exit code instead of blocking.
func (m *Manager) ExecuteCommand(ctx context.Context, userID, id string, spec CommandSpec) (*CommandResult, error) {
	rec, err := m.fetchOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	rec = m.overlay(rec)

	if Status(rec.Status) != StatusActive {
		return nil, fmt.Errorf("session is not active: %w", errdefs.ErrFailedPrecondition)
	}
	if spec.Command == "" {
		return nil, fmt.Errorf("command is required: %w", errdefs.ErrInvalidArgument)
	}
	if spec.Timeout <= 0 && spec.TimeoutSec > 0 {
		spec.Timeout = time.Duration(spec.TimeoutSec) * time.Second
	}
	if spec.WorkingDir == "" {
		spec.WorkingDir = rec.WorkingDir
	}

	entry, ok := m.registry.Get(id)
	if !ok || entry.Transport == nil {
		log.Printf("[session-mgr] session %s marked active but has no live transport", id)
		return nil, fmt.Errorf("no live transport for session: %w", errdefs.ErrInternal)
	}

	res, err := entry.Transport.RunCommand(ctx, spec)
	if err != nil {
		log.Printf("[session-mgr] command failed on session %s: %v", id, err)
		return nil, fmt.Errorf("execute command: %w", errdefs.ErrInternal)
	}

	m.registry.Touch(id, true)
	metrics.CommandExecuted()

	// Mirror activity into the record; best-effort, the registry already
	// has the truth.
	if fresh, ferr := m.store.GetByID(ctx, id); ferr == nil {
		if e, ok := m.registry.Get(id); ok {
			fresh.CommandCount = e.CommandCount
			la := e.LastActivity
			fresh.LastActivity = &la
		}
		if uerr := m.store.Update(ctx, fresh); uerr != nil {
			log.Printf("[session-mgr] activity persist failed for %s: %v", id, uerr)
		}
	}

	cmd := &database.SessionCommand{
		ID:         res.CommandID,
		SessionID:  id,
		Command:    res.Command,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		WorkingDir: res.WorkingDir,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		DurationMS: res.DurationMS,
	}
	if err := m.store.RecordCommand(ctx, cmd); err != nil {
		log.Printf("[session-mgr] command history persist failed for %s: %v", id, err)
	}

	return res, nil
}

// GetSessionHistory returns the persisted command history for one session.
func (m *Manager) GetSessionHistory(ctx context.Context, userID, id string, offset, limit int) ([]database.SessionCommand, int64, error) {
	if _, err := m.fetchOwned(ctx, userID, id); err != nil {
		return nil, 0, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	commands, total, err := m.store.ListCommands(ctx, id, offset, limit)
	if err != nil {
		log.Printf("[session-mgr] history query failed for %s: %v", id, err)
		return nil, 0, fmt.Errorf("list command history: %w", errdefs.ErrInternal)
	}
	return commands, total, nil
}

// SearchSessions queries the owner's persisted sessions.
func (m *Manager) SearchSessions(ctx context.Context, userID string, c database.SearchCriteria, offset, limit int) ([]database.Session, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	sessions, total, err := m.store.Search(ctx, userID, c, offset, limit)
	if err != nil {
		log.Printf("[session-mgr] search failed for user %s: %v", userID, err)
		return nil, 0, fmt.Errorf("search sessions: %w", errdefs.ErrInternal)
	}
	for i := range sessions {
		m.overlay(&sessions[i])
	}
	return sessions, total, nil
}

// GetSessionStats returns the store's aggregate counters for the owner's
// persisted sessions.
func (m *Manager) GetSessionStats(ctx context.Context, userID string) (*database.SessionStats, error) {
	stats, err := m.store.UserStats(ctx, userID)
	if err != nil {
		log.Printf("[session-mgr] stats query failed for user %s: %v", userID, err)
		return nil, fmt.Errorf("session stats: %w", errdefs.ErrInternal)
	}
	return stats, nil
}

// CheckSessionHealth is a liveness heuristic, not a transport probe: a
// session is healthy when a runtime entry exists and its activity is fresher
// than the staleness threshold.
func (m *Manager) CheckSessionHealth(ctx context.Context, userID, id string) (*Health, error) {
	rec, err := m.fetchOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	entry, ok := m.registry.Get(id)
	if !ok {
		if Status(rec.Status).Live() {
			return &Health{Healthy: false, Reason: "no runtime state for live session"}, nil
		}
		return &Health{Healthy: false, Reason: "session is not running"}, nil
	}

	stale := m.cfg.HealthStaleAfter
	if stale <= 0 {
		stale = time.Hour
	}
	if time.Since(entry.LastActivity) > stale {
		return &Health{Healthy: false, Reason: "no activity within staleness threshold"}, nil
	}
	return &Health{Healthy: true}, nil
}

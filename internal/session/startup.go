package session

import (
	"context"
	"log"
	"time"

	"github.com/devpocket/devpocket-server/internal/database"
	"github.com/devpocket/devpocket-server/internal/metrics"
)

// scheduleStartup launches the background connection-establishment task for
// a freshly created session. The cancel handle is tracked so Shutdown and
// teardown can stop in-flight startups.
func (m *Manager) scheduleStartup(id string, profile *database.SSHProfile) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StartupTimeout)

	m.taskMu.Lock()
	if m.stopped {
		m.taskMu.Unlock()
		cancel()
		return
	}
	m.taskStops[id] = cancel
	m.tasks.Add(1)
	m.taskMu.Unlock()

	go func() {
		defer func() {
			m.taskMu.Lock()
			delete(m.taskStops, id)
			m.taskMu.Unlock()
			m.tasks.Done()
			cancel()
		}()
		m.runStartup(ctx, id, profile)
	}()
}

// runStartup performs connection establishment and flips the session to
// active or failed. The failure write is best-effort: if persisting the
// failure itself fails, the session is left as-is and surfaces as unhealthy
// rather than crashing the task.
func (m *Manager) runStartup(ctx context.Context, id string, profile *database.SSHProfile) {
	rec, err := m.store.GetByID(ctx, id)
	if err != nil {
		log.Printf("[session-mgr] startup: session %s vanished before connect: %v", id, err)
		m.teardown(id)
		return
	}

	output := func(chunk []byte) {
		m.hub.publish(id, chunk)
	}
	onClose := func(cerr error) {
		m.handleTransportClosed(id, cerr)
	}

	tr, err := m.factory(ctx, rec, profile, output, onClose)
	if err != nil {
		log.Printf("[session-mgr] startup failed for session %s: %v", id, err)
		m.failSession(rec, err)
		return
	}

	now := time.Now()
	if !m.registry.Update(id, func(e *Entry) {
		e.Status = StatusActive
		e.Transport = tr
		e.LastActivity = now
	}) {
		// Terminated or deleted while we were connecting.
		tr.Close()
		return
	}

	next, terr := Status(rec.Status).ToActive()
	if terr != nil {
		// Record reached a terminal state underneath us; tear back down.
		log.Printf("[session-mgr] startup raced terminal state for %s: %v", id, terr)
		m.teardown(id)
		return
	}
	rec.Status = next.String()
	rec.StartTime = &now
	rec.LastActivity = &now
	pctx, pcancel := persistContext()
	defer pcancel()
	if err := m.store.Update(pctx, rec); err != nil {
		log.Printf("[session-mgr] startup persist failed for %s: %v", id, err)
	}

	metrics.SetLiveSessions(m.registry.Len())
	log.Printf("[session-mgr] session %s active", id)
}

// persistTimeout bounds the status writes that must land even after the
// startup context itself has expired.
const persistTimeout = 10 * time.Second

func persistContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), persistTimeout)
}

// failSession records a startup failure. The startup context is usually
// already expired when we get here (that expiry IS the failure in the
// unreachable-host case), so the write runs on its own deadline. Tolerates
// the failure write itself failing.
func (m *Manager) failSession(rec *database.Session, cause error) {
	m.teardown(rec.ID)

	now := time.Now()
	if next, err := Status(rec.Status).ToFailed(); err == nil {
		rec.Status = next.String()
	} else {
		return
	}
	rec.ErrorMessage = cause.Error()
	rec.EndTime = &now
	rec.IsActive = false

	ctx, cancel := persistContext()
	defer cancel()
	if err := m.store.Update(ctx, rec); err != nil {
		log.Printf("[session-mgr] could not persist failure for %s: %v", rec.ID, err)
	}
	metrics.SessionFailed(rec.SessionType)
	metrics.SetLiveSessions(m.registry.Len())
}

// handleTransportClosed fires when a live transport's stream ends without an
// explicit Close. The session flips to disconnected; when auto_reconnect is
// set the manager re-dials once.
func (m *Manager) handleTransportClosed(id string, cause error) {
	entry, ok := m.registry.Get(id)
	if !ok {
		// Explicit terminate/delete already removed the entry.
		return
	}
	if entry.Status != StatusActive {
		return
	}

	log.Printf("[session-mgr] transport closed for session %s: %v", id, cause)
	m.registry.Update(id, func(e *Entry) {
		e.Status = StatusDisconnected
		e.Transport = nil
		e.LastActivity = time.Now()
	})

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StartupTimeout)
	defer cancel()

	rec, err := m.store.GetByID(ctx, id)
	if err != nil {
		log.Printf("[session-mgr] disconnect: fetch failed for %s: %v", id, err)
		return
	}
	if next, terr := Status(rec.Status).ToDisconnected(); terr == nil {
		rec.Status = next.String()
		if uerr := m.store.Update(ctx, rec); uerr != nil {
			log.Printf("[session-mgr] disconnect persist failed for %s: %v", id, uerr)
		}
	}

	if !rec.AutoReconnect || rec.SessionType != database.TypeSSH {
		return
	}

	var profile *database.SSHProfile
	if rec.SSHProfileID != nil {
		p, perr := m.profiles.GetByID(ctx, *rec.SSHProfileID)
		if perr != nil {
			log.Printf("[session-mgr] reconnect: profile gone for %s: %v", id, perr)
			return
		}
		profile = p
	}

	m.registry.Update(id, func(e *Entry) { e.Status = StatusConnecting })
	if next, terr := Status(rec.Status).ToConnecting(); terr == nil {
		rec.Status = next.String()
		if uerr := m.store.Update(ctx, rec); uerr != nil {
			log.Printf("[session-mgr] reconnect persist failed for %s: %v", id, uerr)
		}
	}
	log.Printf("[session-mgr] auto-reconnecting session %s", id)
	m.scheduleStartup(id, profile)
}

// CleanupStale terminates live sessions that exceeded their idle timeout or
// max duration, and reconciles persisted records orphaned by a restart
// (marked live with no runtime entry). Run periodically from the cron job.
func (m *Manager) CleanupStale(ctx context.Context) int {
	cleaned := 0
	now := time.Now()

	for _, id := range m.registry.IDs() {
		entry, ok := m.registry.Get(id)
		if !ok {
			continue
		}
		rec, err := m.store.GetByID(ctx, id)
		if err != nil {
			continue
		}

		idle := time.Duration(rec.IdleTimeout) * time.Second
		maxDur := time.Duration(rec.MaxDuration) * time.Second
		expired := idle > 0 && now.Sub(entry.LastActivity) > idle
		if !expired && maxDur > 0 && rec.StartTime != nil {
			expired = now.Sub(*rec.StartTime) > maxDur
		}
		if !expired {
			continue
		}

		log.Printf("[session-mgr] cleaning up stale session %s (idle since %s)",
			id, entry.LastActivity.Format(time.RFC3339))
		if err := m.TerminateSession(ctx, rec.UserID, id, true); err != nil {
			log.Printf("[session-mgr] stale cleanup failed for %s: %v", id, err)
			continue
		}
		cleaned++
	}

	// Orphaned records: still marked live in the store but with no runtime
	// entry, typically left behind by a process restart.
	live, err := m.store.ListLive(ctx)
	if err != nil {
		log.Printf("[session-mgr] orphan scan failed: %v", err)
		return cleaned
	}
	for i := range live {
		rec := &live[i]
		if _, ok := m.registry.Get(rec.ID); ok {
			continue
		}
		if now.Sub(rec.UpdatedAt) < m.cfg.HealthStaleAfter {
			// Recently written; may be mid-startup on this process.
			continue
		}
		if next, terr := Status(rec.Status).ToFailed(); terr == nil {
			rec.Status = next.String()
			rec.ErrorMessage = "orphaned: no runtime state (server restart)"
			rec.IsActive = false
			end := now
			rec.EndTime = &end
			if uerr := m.store.Update(ctx, rec); uerr != nil {
				log.Printf("[session-mgr] orphan reconcile failed for %s: %v", rec.ID, uerr)
				continue
			}
			log.Printf("[session-mgr] reconciled orphaned session %s", rec.ID)
			cleaned++
		}
	}

	metrics.SetLiveSessions(m.registry.Len())
	return cleaned
}

// Shutdown cancels outstanding startup tasks, waits for them, and closes all
// live transports. Records are left as-is; the next process's cleanup sweep
// reconciles them.
func (m *Manager) Shutdown(ctx context.Context) {
	m.taskMu.Lock()
	m.stopped = true
	for id, cancel := range m.taskStops {
		cancel()
		delete(m.taskStops, id)
	}
	m.taskMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("[session-mgr] shutdown: startup tasks did not drain in time")
	}

	for _, id := range m.registry.IDs() {
		if tr, ok := m.registry.Remove(id); ok && tr != nil {
			tr.Close()
		}
		m.hub.drop(id)
	}
}

package handlers

import (
	"net/http"
	"strconv"

	"github.com/devpocket/devpocket-server/internal/database"
	"github.com/devpocket/devpocket-server/internal/logging"
	"github.com/devpocket/devpocket-server/internal/session"
)

// HealthHandlers serves the unauthenticated service health endpoint and the
// server log tail.
type HealthHandlers struct {
	Registry *session.Registry
}

func (h *HealthHandlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        status,
		"database":      dbStatus,
		"live_sessions": h.Registry.Len(),
	})
}

// ServerLogs handles GET /logs?lines=N for operators.
func (h *HealthHandlers) ServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 5000 {
			lines = n
		}
	}
	tail, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read log file")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(tail))
}

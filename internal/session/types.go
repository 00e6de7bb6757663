package session

import (
	"context"
	"time"

	"github.com/devpocket/devpocket-server/internal/database"
)

// Store is the narrow persistence gateway the manager consumes. The gorm
// implementation lives in internal/database; tests substitute their own.
type Store interface {
	Create(ctx context.Context, s *database.Session) error
	GetByID(ctx context.Context, id string) (*database.Session, error)
	Update(ctx context.Context, s *database.Session) error
	Delete(ctx context.Context, id string) error
	GetActiveByName(ctx context.Context, userID, name string) (*database.Session, error)
	ListByUser(ctx context.Context, userID string, activeOnly bool, offset, limit int) ([]database.Session, int64, error)
	ListLive(ctx context.Context) ([]database.Session, error)
	Search(ctx context.Context, userID string, c database.SearchCriteria, offset, limit int) ([]database.Session, int64, error)
	RecordCommand(ctx context.Context, c *database.SessionCommand) error
	ListCommands(ctx context.Context, sessionID string, offset, limit int) ([]database.SessionCommand, int64, error)
	UserStats(ctx context.Context, userID string) (*database.SessionStats, error)
}

// ProfileStore resolves stored SSH connection profiles.
type ProfileStore interface {
	GetByID(ctx context.Context, id string) (*database.SSHProfile, error)
}

// TransportFactory builds the live backend for a session: an SSH handler for
// ssh sessions, a local PTY for local ones. profile is nil for local
// sessions. output receives terminal chunks; onClose fires once when the
// backend's stream ends for any reason other than an explicit Close.
type TransportFactory func(ctx context.Context, rec *database.Session, profile *database.SSHProfile, output OutputFunc, onClose func(err error)) (Transport, error)

// Config bounds and schedules applied by the manager.
type Config struct {
	// IdleTimeout/MaxDuration clamp the per-session values a client may set.
	MinIdleTimeout time.Duration
	MaxIdleTimeout time.Duration
	MaxDuration    time.Duration
	// HealthStaleAfter is how old a runtime entry's activity may be before
	// the health check reports it unhealthy.
	HealthStaleAfter time.Duration
	// StartupTimeout bounds connection establishment in the background task.
	StartupTimeout time.Duration
}

// DefaultConfig returns the bounds used when main doesn't override them.
func DefaultConfig() Config {
	return Config{
		MinIdleTimeout:   30 * time.Second,
		MaxIdleTimeout:   24 * time.Hour,
		MaxDuration:      24 * time.Hour,
		HealthStaleAfter: time.Hour,
		StartupTimeout:   45 * time.Second,
	}
}

// CreateSpec is the validated input for CreateSession.
type CreateSpec struct {
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	SessionType  string            `json:"session_type"`
	Mode         string            `json:"mode,omitempty"`
	TerminalCols int               `json:"terminal_cols,omitempty"`
	TerminalRows int               `json:"terminal_rows,omitempty"`
	Environment  map[string]string `json:"environment,omitempty"`
	WorkingDir   string            `json:"working_directory,omitempty"`

	IdleTimeout     int  `json:"idle_timeout,omitempty"`
	MaxDuration     int  `json:"max_duration,omitempty"`
	EnableLogging   bool `json:"enable_logging,omitempty"`
	EnableRecording bool `json:"enable_recording,omitempty"`
	AutoReconnect   bool `json:"auto_reconnect,omitempty"`

	SSHProfileID *string `json:"ssh_profile_id,omitempty"`

	// Optional connection overrides. Overrides win over the profile values
	// when the connection_info snapshot is built.
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
}

// UpdatePatch is a partial session update; nil fields are left untouched.
type UpdatePatch struct {
	Name          *string            `json:"name,omitempty"`
	Description   *string            `json:"description,omitempty"`
	TerminalCols  *int               `json:"terminal_cols,omitempty"`
	TerminalRows  *int               `json:"terminal_rows,omitempty"`
	Environment   *map[string]string `json:"environment,omitempty"`
	WorkingDir    *string            `json:"working_directory,omitempty"`
	IdleTimeout   *int               `json:"idle_timeout,omitempty"`
	MaxDuration   *int               `json:"max_duration,omitempty"`
	AutoReconnect *bool              `json:"auto_reconnect,omitempty"`
}

// Health is the liveness verdict for one session.
type Health struct {
	Healthy bool   `json:"healthy"`
	Reason  string `json:"reason,omitempty"`
}

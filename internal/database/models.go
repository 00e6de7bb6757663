package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Session lifecycle states. Exactly one of these is stored in
// Session.Status; transitions are enforced by the session package.
const (
	StatusPending      = "pending"
	StatusConnecting   = "connecting"
	StatusActive       = "active"
	StatusDisconnected = "disconnected"
	StatusFailed       = "failed"
	StatusTerminated   = "terminated"
)

// Session types and modes accepted at creation.
const (
	TypeLocal = "local"
	TypeSSH   = "ssh"

	ModeInteractive = "interactive"
	ModeBatch       = "batch"
	ModeScript      = "script"
)

// EnvMap stores a string map as a JSON text column.
type EnvMap map[string]string

func (m EnvMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal env map: %w", err)
	}
	return string(b), nil
}

func (m *EnvMap) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case string:
		if v == "" {
			*m = nil
			return nil
		}
		return json.Unmarshal([]byte(v), m)
	case []byte:
		if len(v) == 0 {
			*m = nil
			return nil
		}
		return json.Unmarshal(v, m)
	default:
		return fmt.Errorf("cannot scan %T into EnvMap", src)
	}
}

// ConnectionInfo is the resolved SSH endpoint snapshot captured at session
// creation. Later profile edits never retroactively change a running session.
type ConnectionInfo struct {
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
	Username    string `json:"username,omitempty"`
	ProfileName string `json:"profile_name,omitempty"`
}

func (c ConnectionInfo) Value() (driver.Value, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal connection info: %w", err)
	}
	return string(b), nil
}

func (c *ConnectionInfo) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*c = ConnectionInfo{}
		return nil
	case string:
		if v == "" {
			*c = ConnectionInfo{}
			return nil
		}
		return json.Unmarshal([]byte(v), c)
	case []byte:
		if len(v) == 0 {
			*c = ConnectionInfo{}
			return nil
		}
		return json.Unmarshal(v, c)
	default:
		return fmt.Errorf("cannot scan %T into ConnectionInfo", src)
	}
}

// Session is the persisted terminal session record. Runtime-mirrored fields
// (Status, LastActivity, CommandCount) may lag the in-memory registry between
// background writes; reads overlay the registry on top of this record.
type Session struct {
	ID          string `gorm:"primaryKey;size:36" json:"id"`
	UserID      string `gorm:"not null;index;size:36" json:"user_id"`
	Name        string `gorm:"not null;index:idx_owner_name" json:"name"`
	Description string `json:"description"`
	SessionType string `gorm:"not null" json:"session_type"`
	Mode        string `gorm:"not null;default:interactive" json:"mode"`

	TerminalCols int    `gorm:"not null;default:80" json:"terminal_cols"`
	TerminalRows int    `gorm:"not null;default:24" json:"terminal_rows"`
	Environment  EnvMap `gorm:"type:text" json:"environment,omitempty"`
	WorkingDir   string `json:"working_directory,omitempty"`

	IdleTimeout     int  `gorm:"not null;default:1800" json:"idle_timeout"`
	MaxDuration     int  `gorm:"not null;default:28800" json:"max_duration"`
	EnableLogging   bool `gorm:"not null;default:false" json:"enable_logging"`
	EnableRecording bool `gorm:"not null;default:false" json:"enable_recording"`
	AutoReconnect   bool `gorm:"not null;default:false" json:"auto_reconnect"`

	SSHProfileID   *string        `gorm:"size:36;index" json:"ssh_profile_id,omitempty"`
	ConnectionInfo ConnectionInfo `gorm:"type:text" json:"connection_info"`

	Status          string     `gorm:"not null;default:pending;index" json:"status"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	LastActivity    *time.Time `json:"last_activity,omitempty"`
	DurationSeconds int        `gorm:"not null;default:0" json:"duration_seconds"`
	CommandCount    int        `gorm:"not null;default:0" json:"command_count"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	IsActive        bool       `gorm:"not null;default:true;index:idx_owner_name" json:"is_active"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SSHProfile stores a named SSH endpoint with encrypted auth material.
// PrivateKey, KeyPassphrase and Password are Fernet-encrypted at rest.
type SSHProfile struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	UserID     string    `gorm:"not null;index;size:36" json:"user_id"`
	Name       string    `gorm:"not null" json:"name"`
	Host       string    `gorm:"not null" json:"host"`
	Port       int       `gorm:"not null;default:22" json:"port"`
	Username   string    `gorm:"not null" json:"username"`
	AuthMethod string    `gorm:"not null;default:key" json:"auth_method"`
	PrivateKey string    `json:"-"`
	KeyPassphrase string `json:"-"`
	Password   string    `json:"-"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SessionCommand is one executed command with its captured result.
type SessionCommand struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	SessionID  string    `gorm:"not null;index;size:36" json:"session_id"`
	Command    string    `gorm:"not null" json:"command"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	ExitCode   int       `json:"exit_code"`
	WorkingDir string    `json:"working_directory,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

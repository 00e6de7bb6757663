package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/devpocket.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"/app/data/devpocket.log"`

	// AuthDisabled binds every request to a fixed development user.
	// Production deployments resolve identity from bearer tokens.
	AuthDisabled bool   `envconfig:"AUTH_DISABLED" default:"false"`
	APITokens    string `envconfig:"API_TOKENS" default:""`

	// Session lifecycle settings
	SessionIdleTimeout time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`
	SessionMaxDuration time.Duration `envconfig:"SESSION_MAX_DURATION" default:"8h"`
	CommandTimeout     time.Duration `envconfig:"COMMAND_TIMEOUT" default:"2m"`
	HealthStaleAfter   time.Duration `envconfig:"HEALTH_STALE_AFTER" default:"1h"`
	CleanupSchedule    string        `envconfig:"CLEANUP_SCHEDULE" default:"@every 5m"`

	// SSH transport settings
	SSHConnectTimeout time.Duration `envconfig:"SSH_CONNECT_TIMEOUT" default:"30s"`
	LocalShell        string        `envconfig:"LOCAL_SHELL" default:""`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("DEVPOCKET", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

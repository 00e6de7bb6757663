package config

import (
	"testing"
	"time"

	"github.com/kelseyhightower/envconfig"
)

func TestDefaults(t *testing.T) {
	var s Settings
	if err := envconfig.Process("DEVPOCKET_TEST_UNSET", &s); err != nil {
		t.Fatalf("process: %v", err)
	}
	if s.ListenAddr != ":8000" {
		t.Errorf("ListenAddr = %q", s.ListenAddr)
	}
	if s.SessionIdleTimeout != 30*time.Minute {
		t.Errorf("SessionIdleTimeout = %v", s.SessionIdleTimeout)
	}
	if s.SessionMaxDuration != 8*time.Hour {
		t.Errorf("SessionMaxDuration = %v", s.SessionMaxDuration)
	}
	if s.CleanupSchedule != "@every 5m" {
		t.Errorf("CleanupSchedule = %q", s.CleanupSchedule)
	}
	if s.AuthDisabled {
		t.Error("AuthDisabled should default to false")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DEVPOCKET_LISTEN_ADDR", "127.0.0.1:9001")
	t.Setenv("DEVPOCKET_SSH_CONNECT_TIMEOUT", "5s")
	t.Setenv("DEVPOCKET_AUTH_DISABLED", "true")

	var s Settings
	if err := envconfig.Process("DEVPOCKET", &s); err != nil {
		t.Fatalf("process: %v", err)
	}
	if s.ListenAddr != "127.0.0.1:9001" {
		t.Errorf("ListenAddr = %q", s.ListenAddr)
	}
	if s.SSHConnectTimeout != 5*time.Second {
		t.Errorf("SSHConnectTimeout = %v", s.SSHConnectTimeout)
	}
	if !s.AuthDisabled {
		t.Error("AuthDisabled not applied")
	}
}

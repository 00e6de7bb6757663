package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/devpocket/devpocket-server/internal/config"
	"github.com/devpocket/devpocket-server/internal/crypto"
	"github.com/devpocket/devpocket-server/internal/database"
	"github.com/devpocket/devpocket-server/internal/handlers"
	"github.com/devpocket/devpocket-server/internal/localshell"
	"github.com/devpocket/devpocket-server/internal/logging"
	"github.com/devpocket/devpocket-server/internal/middleware"
	"github.com/devpocket/devpocket-server/internal/session"
	"github.com/devpocket/devpocket-server/internal/sshtransport"
)

func main() {
	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	sessions := database.NewSessionRepo(database.DB)
	profiles := database.NewProfileRepo(database.DB)

	registry := session.NewRegistry()

	mgrCfg := session.DefaultConfig()
	mgrCfg.MaxIdleTimeout = config.Cfg.SessionIdleTimeout
	mgrCfg.MaxDuration = config.Cfg.SessionMaxDuration
	mgrCfg.HealthStaleAfter = config.Cfg.HealthStaleAfter
	mgrCfg.StartupTimeout = config.Cfg.SSHConnectTimeout

	mgr := session.NewManager(sessions, profiles, registry, newTransportFactory(), mgrCfg)

	// Expired and orphaned sessions are swept on a cron schedule.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(config.Cfg.CleanupSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if n := mgr.CleanupStale(ctx); n > 0 {
			log.Printf("Cleanup pass closed %d sessions", n)
		}
	}); err != nil {
		log.Fatalf("Cleanup schedule %q: %v", config.Cfg.CleanupSchedule, err)
	}
	sweeper.Start()

	resolver := middleware.NewStaticResolver(config.Cfg.APITokens)
	sessionH := &handlers.SessionHandlers{Mgr: mgr}
	profileH := &handlers.ProfileHandlers{Repo: profiles}
	terminalH := &handlers.TerminalWS{Mgr: mgr}
	healthH := &handlers.HealthHandlers{Registry: registry}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health and metrics (no auth)
	r.Get("/health", healthH.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(resolver))

			// Session lifecycle
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

			// Terminal WebSocket
			r.Get("/ws/sessions/{id}", terminalH.Serve)

			// SSH profiles
			r.Post("/ssh/profiles", profileH.CreateProfile)
			r.Get("/ssh/profiles", profileH.ListProfiles)
			r.Get("/ssh/profiles/{id}", profileH.GetProfile)
			r.Delete("/ssh/profiles/{id}", profileH.DeleteProfile)
			r.Post("/ssh/keys/generate", profileH.GenerateKeyPair)

			// Operator log tail
			r.Get("/logs", healthH.ServerLogs)
		})
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	sweeper.Stop()

	mgrCtx, cancelMgr := context.WithTimeout(context.Background(), 10*time.Second)
	mgr.Shutdown(mgrCtx)
	cancelMgr()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// newTransportFactory builds the bridge the session manager uses to open a
// terminal backend: a PTY on this host for local sessions, an SSH shell for
// remote ones. SSH auth material comes from the profile and is decrypted
// only at dial time.
func newTransportFactory() session.TransportFactory {
	return func(ctx context.Context, rec *database.Session, profile *database.SSHProfile,
		output session.OutputFunc, onClose func(error)) (session.Transport, error) {

		switch rec.SessionType {
		case database.TypeLocal:
			return localshell.Start(ctx, localshell.Config{
				Shell:          config.Cfg.LocalShell,
				WorkingDir:     rec.WorkingDir,
				Env:            rec.Environment,
				Cols:           uint16(rec.TerminalCols),
				Rows:           uint16(rec.TerminalRows),
				CommandTimeout: config.Cfg.CommandTimeout,
			}, output, onClose)

		case database.TypeSSH:
			cfg := sshtransport.Config{
				Host:           rec.ConnectionInfo.Host,
				Port:           rec.ConnectionInfo.Port,
				Username:       rec.ConnectionInfo.Username,
				Cols:           uint16(rec.TerminalCols),
				Rows:           uint16(rec.TerminalRows),
				Env:            rec.Environment,
				ConnectTimeout: config.Cfg.SSHConnectTimeout,
				CommandTimeout: config.Cfg.CommandTimeout,
			}
			if profile != nil {
				key, err := crypto.Decrypt(profile.PrivateKey)
				if err != nil {
					return nil, fmt.Errorf("decrypt private key: %w", err)
				}
				passphrase, err := crypto.Decrypt(profile.KeyPassphrase)
				if err != nil {
					return nil, fmt.Errorf("decrypt key passphrase: %w", err)
				}
				password, err := crypto.Decrypt(profile.Password)
				if err != nil {
					return nil, fmt.Errorf("decrypt password: %w", err)
				}
				cfg.PrivateKeyPEM = []byte(key)
				cfg.Passphrase = passphrase
				cfg.Password = password
			}
			return sshtransport.Connect(ctx, cfg, output, onClose)

		default:
			return nil, fmt.Errorf("unknown session type %q", rec.SessionType)
		}
	}
}

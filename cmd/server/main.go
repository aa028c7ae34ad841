package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/eldtechnologies/arena/internal/alerts"
	"github.com/eldtechnologies/arena/internal/api"
	"github.com/eldtechnologies/arena/internal/api/middleware"
	"github.com/eldtechnologies/arena/internal/auth"
	"github.com/eldtechnologies/arena/internal/config"
	"github.com/eldtechnologies/arena/internal/handlers"
	"github.com/eldtechnologies/arena/internal/integrity"
	"github.com/eldtechnologies/arena/internal/messages"
	"github.com/eldtechnologies/arena/internal/models"
	"github.com/eldtechnologies/arena/internal/registry"
	"github.com/eldtechnologies/arena/internal/room"
	"github.com/eldtechnologies/arena/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	logger = logger.With().Str("instance_id", cfg.InstanceID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Substrate: Redis when configured, otherwise an in-process store
	var kv store.KV
	if cfg.RedisURL != "" {
		redisStore, err := store.OpenRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		if err := redisStore.Ping(ctx); err != nil {
			if cfg.RequireRedis {
				logger.Fatal().Err(err).Msg("redis connection failed")
			}
			logger.Warn().Err(err).Msg("redis unreachable at startup, rooms degrade to the backup log")
		} else {
			logger.Info().Msg("connected to Redis")
		}
		kv = redisStore
	} else {
		logger.Warn().Msg("REDIS_URL not set, using in-memory substrate")
		mem, err := store.NewMemoryStore()
		if err != nil {
			logger.Fatal().Err(err).Msg("in-memory substrate failed to start")
		}
		go mem.Tick(ctx, time.Second)
		kv = mem
	}
	defer kv.Close()

	// Integrity report archive
	var archive store.ReportStore
	switch {
	case cfg.DatabaseURL != "":
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		archive = pg
		logger.Info().Msg("archiving integrity reports to PostgreSQL")
	case cfg.SQLitePath != "":
		lite, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		archive = lite
		logger.Info().Str("path", cfg.SQLitePath).Msg("archiving integrity reports to SQLite")
	}
	if archive != nil {
		defer archive.Close()
	}

	backup, err := messages.OpenBackupLog(cfg.BackupLogPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.BackupLogPath).Msg("backup log open failed")
	}

	roster := models.NewRoster(cfg.Agents...)
	msgs := messages.New(kv, roster, logger, messages.Options{
		DefaultUser:      cfg.DefaultUser,
		RequireSubstrate: cfg.RequireRedis,
		Log:              backup,
	})

	state := auth.NewState(kv, auth.Options{
		InvocationID:  cfg.InvocationID,
		CallbackToken: cfg.CallbackToken,
	})
	creds := state.Credentials()
	logger.Info().
		Str("invocation_id", creds.InvocationID).
		Bool("pinned", cfg.CallbackToken != "").
		Msg("callback credentials ready")
	if cfg.CallbackToken == "" {
		// Generated credentials are only useful if the operator can see them.
		logger.Info().Str("callback_token", creds.CallbackToken).Msg("generated callback token")
	}

	adminHash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPass), bcrypt.DefaultCost)
	if err != nil {
		logger.Fatal().Err(err).Msg("hash admin password")
	}

	if err := msgs.EnsureRoom(ctx, room.DefaultID, models.RoomMeta{Title: "Default", BoundInstanceID: cfg.InstanceID}); err != nil {
		logger.Warn().Err(err).Msg("ensure default room failed")
	}

	center := alerts.NewCenter(kv, logger)
	monitor := integrity.NewMonitor(integrity.NewChecker(kv, roster), kv, center, archive, logger)

	// Startup integrity gate
	report, err := monitor.Check(ctx, "startup")
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("startup integrity check could not run")
	case !report.OK:
		logger.Fatal().
			Int("critical", report.Criticals()).
			Str("report_id", report.ID).
			Msg("startup integrity check failed")
	default:
		logger.Info().Int("rooms", report.RoomCount).Int64("messages", report.TotalMessages).Msg("startup integrity check passed")
	}

	reg := registry.New(kv, registry.Instance{
		InstanceID: cfg.InstanceID,
		RuntimeEnv: cfg.RuntimeEnv,
		Port:       cfg.PortNumber(),
		PID:        os.Getpid(),
		RoomID:     room.DefaultID,
	}, logger)

	bg, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	go monitor.Run(bg, cfg.IntegrityInterval)
	regDone := make(chan struct{})
	go func() {
		defer close(regDone)
		reg.Run(bg, registry.HeartbeatInterval)
	}()

	h := handlers.NewHandler(handlers.Options{
		KV:       kv,
		Messages: msgs,
		Auth:     state,
		Alerts:   center,
		Monitor:  monitor,
		Registry: reg,
		Archive:  archive,
		Runtime: handlers.Runtime{
			InstanceID: cfg.InstanceID,
			RuntimeEnv: cfg.RuntimeEnv,
			Port:       cfg.PortNumber(),
		},
		AdminUser:     cfg.AdminUser,
		AdminPassHash: adminHash,
		Logger:        logger,
	})

	relay, err := msgs.Relay(bg)
	if err != nil {
		logger.Warn().Err(err).Msg("message relay unavailable, sockets only see posts made on this instance")
	}

	// Create router
	router := api.NewRouter(logger, api.Config{
		KV:        kv,
		Auth:      state,
		Handler:   h,
		AdminKey:  cfg.AdminKey,
		AdminUser: cfg.AdminUser,
		RateLimit: middleware.RateLimiterConfig{
			Whitelist:        cfg.RateLimitWhitelist,
			AutoBlockEnabled: cfg.AutoBlockEnabled,
		},
	})

	// Create server. No write timeout: WebSocket connections are long lived.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("runtime_env", cfg.RuntimeEnv).
			Strs("agents", roster.Names()).
			Msg("starting arena server")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()
	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if relay != nil {
		relay.Close()
	}
	h.Hub().Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	cancelBg()
	<-regDone

	logger.Info().Msg("server stopped")
}

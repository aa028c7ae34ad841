package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/arena/clients/go/arena"
	"github.com/eldtechnologies/arena/internal/config"
	"github.com/eldtechnologies/arena/internal/lock"
	"github.com/eldtechnologies/arena/internal/models"
	"github.com/eldtechnologies/arena/internal/router"
	"github.com/eldtechnologies/arena/internal/runner"
	"github.com/eldtechnologies/arena/internal/store"
)

func main() {
	cfg := config.Load()

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The lease and route dedup only exclude other runners through a shared substrate.
	var kv store.KV
	if cfg.RedisURL != "" {
		redisStore, err := store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		kv = redisStore
	} else {
		logger.Warn().Msg("REDIS_URL not set, lease is only exclusive within this process")
		mem, err := store.NewMemoryStore()
		if err != nil {
			logger.Fatal().Err(err).Msg("in-memory substrate failed to start")
		}
		go mem.Tick(ctx, time.Second)
		kv = mem
	}
	defer kv.Close()

	if cfg.InvocationID == "" || cfg.CallbackToken == "" {
		logger.Fatal().Msg("ARENA_INVOCATION_ID and ARENA_CALLBACK_TOKEN must match the server's callback credential")
	}
	client := arena.NewClient(cfg.APIURL, cfg.InvocationID, cfg.CallbackToken)
	client.InstanceID = cfg.InstanceID
	client.RuntimeEnv = cfg.RuntimeEnv
	client.TargetPort = cfg.PortNumber()

	roster := models.NewRoster(cfg.Agents...)
	rt := router.New(kv, router.Config{
		Roster:       roster,
		DefaultAgent: cfg.DefaultAgent,
		MaxDepth:     cfg.MaxA2ADepth,
	}, logger)

	inv := &runner.ProcessInvoker{
		Commands: cfg.AgentCommands,
		Env: []string{
			"ARENA_URL=" + cfg.APIURL,
			"ARENA_INVOCATION_ID=" + cfg.InvocationID,
			"ARENA_CALLBACK_TOKEN=" + cfg.CallbackToken,
			"ARENA_INSTANCE_ID=" + cfg.InstanceID,
			"ARENA_RUNTIME_ENV=" + cfg.RuntimeEnv,
			"ARENA_TARGET_PORT=" + strconv.Itoa(cfg.PortNumber()),
		},
		Roster: roster,
		Logger: logger,
	}
	for _, name := range roster.Names() {
		if _, ok := cfg.AgentCommands[name]; !ok {
			logger.Warn().Str("agent", name).Msg("no ARENA_AGENT_CMD_ set, tasks for this agent will fail")
		}
	}

	r := runner.New(kv, rt, roster, client, inv, runner.Config{
		RoomID:          cfg.RoomID,
		Owner:           cfg.InstanceID + ":" + strconv.Itoa(os.Getpid()),
		PollInterval:    cfg.PollInterval,
		MaxTasksPerPoll: cfg.MaxTasksPerPoll,
		MaxDepth:        cfg.MaxA2ADepth,
	}, logger)

	// Realtime listener wakes the runner as soon as a message lands
	listener := arena.NewListener(client, cfg.RoomID, logger)
	go listener.Run(ctx)
	go func() {
		for ev := range listener.Events() {
			switch ev.Kind {
			case arena.EventMessage, arena.EventConnected:
				r.Wake()
			case arena.EventDisconnected:
				logger.Debug().Err(ev.Err).Msg("listener disconnected, polling only")
			}
		}
	}()

	err := r.Run(ctx)
	switch {
	case errors.Is(err, lock.ErrLockBusy):
		logger.Fatal().Str("room_id", cfg.RoomID).Msg("another runner holds this room")
	case errors.Is(err, lock.ErrLeaseLost):
		logger.Fatal().Str("room_id", cfg.RoomID).Msg("lease lost, stopping")
	case err != nil:
		logger.Fatal().Err(err).Msg("runner failed")
	}
}

package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("PORT", "4000")
	t.Setenv("ARENA_ENVIRONMENT", "")
	t.Setenv("ARENA_AGENTS", "")
	t.Setenv("ARENA_DEFAULT_AGENT", "")
	t.Setenv("ARENA_INSTANCE_ID", "")

	cfg := Load()
	if cfg.RuntimeEnv != "dev" {
		t.Fatalf("expected dev, got %q", cfg.RuntimeEnv)
	}
	if len(cfg.Agents) != 2 || cfg.Agents[0] != "清风" || cfg.DefaultAgent != "清风" {
		t.Fatalf("unexpected agents: %v default %q", cfg.Agents, cfg.DefaultAgent)
	}
	if cfg.PortNumber() != 4000 || cfg.APIURL != "http://localhost:4000" {
		t.Fatalf("unexpected port wiring: %d %s", cfg.PortNumber(), cfg.APIURL)
	}
	if cfg.MaxA2ADepth != 4 || cfg.MaxTasksPerPoll != 2 {
		t.Fatalf("unexpected limits: %d %d", cfg.MaxA2ADepth, cfg.MaxTasksPerPoll)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("ARENA_ENVIRONMENT", "PROD")
	t.Setenv("ARENA_INSTANCE_ID", "prod:box:3000")
	t.Setenv("ARENA_AGENTS", "alpha, beta ,")
	t.Setenv("ARENA_AGENT_CMD_beta", "claude -p {prompt}")
	t.Setenv("ARENA_POLL_INTERVAL", "2500")
	t.Setenv("ARENA_INTEGRITY_INTERVAL", "90s")
	t.Setenv("RATE_LIMIT_WHITELIST", "10.0.0.0/8, 127.0.0.1")

	cfg := Load()
	if cfg.RuntimeEnv != "prod" || cfg.InstanceID != "prod:box:3000" {
		t.Fatalf("unexpected runtime identity: %s %s", cfg.RuntimeEnv, cfg.InstanceID)
	}
	if len(cfg.Agents) != 2 || cfg.Agents[1] != "beta" {
		t.Fatalf("unexpected agents: %v", cfg.Agents)
	}
	if argv := cfg.AgentCommands["beta"]; len(argv) != 3 || argv[0] != "claude" {
		t.Fatalf("unexpected command: %v", argv)
	}
	if cfg.PollInterval != 2500*time.Millisecond || cfg.IntegrityInterval != 90*time.Second {
		t.Fatalf("unexpected intervals: %v %v", cfg.PollInterval, cfg.IntegrityInterval)
	}
	if len(cfg.RateLimitWhitelist) != 2 {
		t.Fatalf("unexpected whitelist: %v", cfg.RateLimitWhitelist)
	}
}

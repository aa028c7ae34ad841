package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the server and the runner.
type Config struct {
	Port       string
	Env        string
	RuntimeEnv string // dev or prod
	InstanceID string

	RedisURL      string
	RequireRedis  bool
	BackupLogPath string
	DatabaseURL   string
	SQLitePath    string

	Agents       []string
	DefaultAgent string
	DefaultUser  string
	MaxA2ADepth  int

	// Shared callback credentials; empty values are generated per process.
	InvocationID  string
	CallbackToken string

	AdminKey  string
	AdminUser string
	AdminPass string

	IntegrityInterval time.Duration

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations

	// Runner
	APIURL          string
	RoomID          string
	PollInterval    time.Duration
	MaxTasksPerPoll int
	AgentCommands   map[string][]string
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "3000"),
		Env:               getEnv("ENV", "development"),
		RuntimeEnv:        runtimeEnv(os.Getenv("ARENA_ENVIRONMENT")),
		RedisURL:          os.Getenv("REDIS_URL"),
		RequireRedis:      getEnv("ARENA_REQUIRE_REDIS", "false") == "true",
		BackupLogPath:     getEnv("ARENA_BACKUP_LOG", "./data/chatroom.log"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		SQLitePath:        os.Getenv("SQLITE_PATH"),
		Agents:            splitList(getEnv("ARENA_AGENTS", "清风,明月")),
		DefaultUser:       getEnv("ARENA_DEFAULT_USER", "镇元子"),
		MaxA2ADepth:       getInt("ARENA_MAX_A2A_DEPTH", 4),
		InvocationID:      os.Getenv("ARENA_INVOCATION_ID"),
		CallbackToken:     os.Getenv("ARENA_CALLBACK_TOKEN"),
		AdminKey:          strings.TrimSpace(os.Getenv("ARENA_ADMIN_KEY")),
		AdminUser:         getEnv("ARENA_ADMIN_USER", "admin"),
		AdminPass:         getEnv("ARENA_ADMIN_PASS", "arena_123"),
		IntegrityInterval: getDuration("ARENA_INTEGRITY_INTERVAL", 10*time.Minute),
		AutoBlockEnabled:  getEnv("AUTO_BLOCK_ENABLED", "false") == "true",
		RoomID:            getEnv("ARENA_ROOM_ID", "default"),
		PollInterval:      getDuration("ARENA_POLL_INTERVAL", 5*time.Second),
		MaxTasksPerPoll:   getInt("ARENA_MAX_TASKS_PER_POLL", 2),
		AgentCommands:     make(map[string][]string),
	}

	cfg.DefaultAgent = getEnv("ARENA_DEFAULT_AGENT", "")
	if cfg.DefaultAgent == "" && len(cfg.Agents) > 0 {
		cfg.DefaultAgent = cfg.Agents[0]
	}

	host, _ := os.Hostname()
	cfg.InstanceID = getEnv("ARENA_INSTANCE_ID", fmt.Sprintf("%s:%s:%s", cfg.RuntimeEnv, host, cfg.Port))
	cfg.APIURL = getEnv("ARENA_API_URL", "http://localhost:"+cfg.Port)

	for _, name := range cfg.Agents {
		if argv := strings.Fields(os.Getenv("ARENA_AGENT_CMD_" + name)); len(argv) > 0 {
			cfg.AgentCommands[name] = argv
		}
	}

	// Parse whitelist (comma-separated IPs or CIDRs)
	cfg.RateLimitWhitelist = splitList(os.Getenv("RATE_LIMIT_WHITELIST"))

	// In production, the substrate is mandatory
	if cfg.Env == "production" && cfg.RedisURL == "" {
		panic("REDIS_URL is required in production")
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// PortNumber returns Port as an integer, or 0 when it is not numeric.
func (c *Config) PortNumber() int {
	n, _ := strconv.Atoi(c.Port)
	return n
}

func runtimeEnv(v string) string {
	if strings.ToLower(strings.TrimSpace(v)) == "prod" {
		return "prod"
	}
	return "dev"
}

func splitList(v string) []string {
	var out []string
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}

// getDuration accepts Go durations ("5s") or plain milliseconds ("5000").
func getDuration(key string, defaultValue time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

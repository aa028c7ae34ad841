package store

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/eldtechnologies/arena/internal/models"
)

// ErrUnavailable is returned when the key-value substrate cannot be reached.
var ErrUnavailable = errors.New("redis_unavailable")

// ScoreRange selects sorted-set members by score using Redis range syntax:
// "-inf", "+inf", "5" (inclusive) or "(5" (exclusive). A zero Count means no limit.
type ScoreRange struct {
	Min    string
	Max    string
	Offset int64
	Count  int64
}

// Pipe queues write commands for a single atomic TxPipelined call.
type Pipe interface {
	Set(key, value string, ttl time.Duration)
	Incr(key string)
	Del(keys ...string)
	HSet(key string, fields map[string]string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	ZAdd(key string, score float64, member string)
	ZRem(key string, members ...string)
}

// RoomRead is a room's state read in one atomic step. Values are raw; missing
// keys are empty strings. Messages are in seq order and never pass Last.
type RoomRead struct {
	AgentTurns   string
	LastHumanSeq string
	Total        int64
	Last         string
	Messages     []string
}

// KV is the command surface the system needs from its Redis-compatible substrate.
// RedisStore implements it; MemoryStore runs the same code on an embedded server.
type KV interface {
	// Connection management
	Ping(ctx context.Context) error
	Close() error

	// Strings
	Get(ctx context.Context, key string) (string, bool, error)
	MGet(ctx context.Context, keys ...string) ([]string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Hashes
	HSet(ctx context.Context, key string, fields map[string]string) error
	HSetNX(ctx context.Context, key, field, value string) (bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Sets
	SAdd(ctx context.Context, key string, members ...string) (int64, error)
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// Sorted sets
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZRangeByScore(ctx context.Context, key string, r ScoreRange) ([]string, error)
	ZRevRangeByScore(ctx context.Context, key string, r ScoreRange) ([]string, error)

	// Lists
	LPush(ctx context.Context, key string, values ...string) (int64, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Owner-checked lease operations (Lua scripts on Redis)
	CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// RaiseTo sets a counter to floor unless it is already higher and returns the result.
	RaiseTo(ctx context.Context, key string, floor int64) (int64, error)

	// ReadRoom returns a room's counters with its newest message and either
	// the latest limit messages (since <= 0) or every message after since.
	ReadRoom(ctx context.Context, roomID string, since, limit int64) (RoomRead, error)

	// Publish and Subscribe carry events between instances. Delivery is
	// best effort; subscribers that are not connected miss the event.
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string, fn func(payload string)) (io.Closer, error)

	// TxPipelined runs the queued writes atomically.
	TxPipelined(ctx context.Context, fn func(p Pipe)) error
}

// ReportStore archives integrity reports. PostgresStore and SQLiteStore implement it.
type ReportStore interface {
	Close()
	Ping(ctx context.Context) error

	SaveReport(ctx context.Context, report models.IntegrityReport) error
	RecentReports(ctx context.Context, limit int) ([]models.IntegrityReport, error)
}

var (
	_ KV          = (*RedisStore)(nil)
	_ KV          = (*MemoryStore)(nil)
	_ ReportStore = (*PostgresStore)(nil)
	_ ReportStore = (*SQLiteStore)(nil)
)

package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/arena/internal/metrics"
)

var (
	// renewScript extends a key's TTL only while it still holds the expected value.
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	// releaseScript deletes a key only while it still holds the expected value.
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

	// raiseScript sets a counter to ARGV[1] unless it is already at or above it.
	raiseScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local floor = tonumber(ARGV[1])
if cur < floor then
  redis.call("SET", KEYS[1], ARGV[1])
  return floor
end
return cur`)

	// snapshotScript reads a room's counters, its newest message and the
	// message slice bounded by that message in one step.
	// KEYS: messages, agentTurns, lastHumanSeq. ARGV: since, recent limit.
	snapshotScript = redis.NewScript(`
local turns = redis.call("GET", KEYS[2])
local lastHuman = redis.call("GET", KEYS[3])
local total = redis.call("ZCARD", KEYS[1])
local last = redis.call("ZREVRANGE", KEYS[1], 0, 0, "WITHSCORES")
if #last == 0 then
  return {turns, lastHuman, total, false, {}}
end
local msgs
if tonumber(ARGV[1]) <= 0 then
  msgs = redis.call("ZREVRANGEBYSCORE", KEYS[1], last[2], "-inf", "LIMIT", 0, ARGV[2])
else
  msgs = redis.call("ZRANGEBYSCORE", KEYS[1], "(" .. ARGV[1], last[2])
end
return {turns, lastHuman, total, last[1], msgs}`)
)

// RedisStore implements KV on a go-redis client.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store and checks the connection.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	s, err := OpenRedisStore(redisURL)
	if err != nil {
		return nil, err
	}
	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// OpenRedisStore creates a Redis store without contacting the server.
func OpenRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	client.AddHook(latencyHook{})
	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return wrap(s.client.Ping(ctx).Err())
}

// wrap marks transport failures as ErrUnavailable. redis.Nil passes through untouched.
func wrap(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err)
	}
	return v, true, nil
}

func (s *RedisStore) MGet(ctx context.Context, keys ...string) ([]string, error) {
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrap(err)
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[i] = str
		}
	}
	return out, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap(s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	return ok, wrap(err)
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	return n, wrap(err)
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	n, err := s.client.Del(ctx, keys...).Result()
	return n, wrap(err)
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, wrap(err)
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	return ok, wrap(err)
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	return wrap(s.client.HSet(ctx, key, toArgs(fields)...).Err())
}

func (s *RedisStore) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	ok, err := s.client.HSetNX(ctx, key, field, value).Result()
	return ok, wrap(err)
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	return m, wrap(err)
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	n, err := s.client.SAdd(ctx, key, toAny(members)...).Result()
	return n, wrap(err)
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	n, err := s.client.SRem(ctx, key, toAny(members)...).Result()
	return n, wrap(err)
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	m, err := s.client.SMembers(ctx, key).Result()
	return m, wrap(err)
}

func (s *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, key, member).Result()
	return ok, wrap(err)
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return wrap(s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	n, err := s.client.ZRem(ctx, key, toAny(members)...).Result()
	return n, wrap(err)
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	return n, wrap(err)
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, r ScoreRange) ([]string, error) {
	res, err := s.client.ZRangeByScore(ctx, key, zrangeBy(r)).Result()
	return res, wrap(err)
}

func (s *RedisStore) ZRevRangeByScore(ctx context.Context, key string, r ScoreRange) ([]string, error) {
	res, err := s.client.ZRevRangeByScore(ctx, key, zrangeBy(r)).Result()
	return res, wrap(err)
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	n, err := s.client.LPush(ctx, key, toAny(values)...).Result()
	return n, wrap(err)
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return wrap(s.client.LTrim(ctx, key, start, stop).Err())
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	res, err := s.client.LRange(ctx, key, start, stop).Result()
	return res, wrap(err)
}

func (s *RedisStore) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, s.client, []string{key}, expected, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, wrap(err)
	}
	return n == 1, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client, []string{key}, expected).Int64()
	if err != nil {
		return false, wrap(err)
	}
	return n == 1, nil
}

func (s *RedisStore) RaiseTo(ctx context.Context, key string, floor int64) (int64, error) {
	n, err := raiseScript.Run(ctx, s.client, []string{key}, floor).Int64()
	if err != nil {
		return 0, wrap(err)
	}
	return n, nil
}

func (s *RedisStore) ReadRoom(ctx context.Context, roomID string, since, limit int64) (RoomRead, error) {
	keys := []string{RoomMessagesKey(roomID), RoomAgentTurnsKey(roomID), RoomLastHumanSeqKey(roomID)}
	res, err := snapshotScript.Run(ctx, s.client, keys, since, limit).Slice()
	if err != nil {
		return RoomRead{}, wrap(err)
	}
	if len(res) != 5 {
		return RoomRead{}, fmt.Errorf("room read: unexpected reply of %d elements", len(res))
	}
	read := RoomRead{
		AgentTurns:   replyString(res[0]),
		LastHumanSeq: replyString(res[1]),
		Last:         replyString(res[3]),
	}
	read.Total, _ = res[2].(int64)
	if msgs, ok := res[4].([]interface{}); ok {
		read.Messages = make([]string, 0, len(msgs))
		for _, m := range msgs {
			read.Messages = append(read.Messages, replyString(m))
		}
	}
	if since <= 0 {
		for i, j := 0, len(read.Messages)-1; i < j; i, j = i+1, j-1 {
			read.Messages[i], read.Messages[j] = read.Messages[j], read.Messages[i]
		}
	}
	return read, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	return wrap(s.client.Publish(ctx, channel, payload).Err())
}

// Subscribe returns once the server has confirmed the subscription. The
// client resubscribes on its own after a dropped connection.
func (s *RedisStore) Subscribe(ctx context.Context, channel string, fn func(payload string)) (io.Closer, error) {
	ps := s.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, wrap(err)
	}
	sub := &subscription{ps: ps, done: make(chan struct{})}
	ch := ps.Channel()
	go func() {
		defer close(sub.done)
		for m := range ch {
			fn(m.Payload)
		}
	}()
	return sub, nil
}

type subscription struct {
	ps   *redis.PubSub
	done chan struct{}
}

// Close stops delivery and waits for the handler to return.
func (s *subscription) Close() error {
	err := s.ps.Close()
	<-s.done
	return err
}

// replyString reads a script reply element; nil and false become "".
func replyString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// TxPipelined queues the writes inside MULTI/EXEC.
func (s *RedisStore) TxPipelined(ctx context.Context, fn func(p Pipe)) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		fn(&redisPipe{ctx: ctx, p: p})
		return nil
	})
	return wrap(err)
}

type redisPipe struct {
	ctx context.Context
	p   redis.Pipeliner
}

func (rp *redisPipe) Set(key, value string, ttl time.Duration) { rp.p.Set(rp.ctx, key, value, ttl) }
func (rp *redisPipe) Incr(key string)                          { rp.p.Incr(rp.ctx, key) }
func (rp *redisPipe) Del(keys ...string)                       { rp.p.Del(rp.ctx, keys...) }
func (rp *redisPipe) HSet(key string, fields map[string]string) {
	rp.p.HSet(rp.ctx, key, toArgs(fields)...)
}
func (rp *redisPipe) SAdd(key string, members ...string) { rp.p.SAdd(rp.ctx, key, toAny(members)...) }
func (rp *redisPipe) SRem(key string, members ...string) { rp.p.SRem(rp.ctx, key, toAny(members)...) }
func (rp *redisPipe) ZAdd(key string, score float64, member string) {
	rp.p.ZAdd(rp.ctx, key, redis.Z{Score: score, Member: member})
}
func (rp *redisPipe) ZRem(key string, members ...string) { rp.p.ZRem(rp.ctx, key, toAny(members)...) }

func zrangeBy(r ScoreRange) *redis.ZRangeBy {
	lo, hi := r.Min, r.Max
	if lo == "" {
		lo = "-inf"
	}
	if hi == "" {
		hi = "+inf"
	}
	return &redis.ZRangeBy{Min: lo, Max: hi, Offset: r.Offset, Count: r.Count}
}

func toAny(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func toArgs(fields map[string]string) []interface{} {
	out := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}

// latencyHook records every command round trip in metrics.RedisLatency.
type latencyHook struct{}

func (latencyHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (latencyHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		metrics.RedisLatency.Observe(time.Since(start).Seconds())
		return err
	}
}

func (latencyHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		metrics.RedisLatency.Observe(time.Since(start).Seconds())
		return err
	}
}

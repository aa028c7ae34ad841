package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eldtechnologies/arena/internal/models"
)

func newMemory(t *testing.T) *MemoryStore {
	t.Helper()
	m, err := NewMemoryStore()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestIncrIsAtomic(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	var wg sync.WaitGroup
	seen := make([]int64, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := m.Incr(ctx, "counter")
			if err != nil {
				t.Error(err)
			}
			seen[i] = n
		}(i)
	}
	wg.Wait()

	set := make(map[int64]bool)
	for _, n := range seen {
		if set[n] {
			t.Fatalf("duplicate counter value %d", n)
		}
		set[n] = true
	}
	if len(set) != 50 {
		t.Fatalf("expected 50 distinct values, got %d", len(set))
	}
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	ok, err := m.SetNX(ctx, "k", "v", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("SetNX: ok=%v err=%v", ok, err)
	}
	if ok, _ := m.SetNX(ctx, "k", "other", 10*time.Second); ok {
		t.Fatal("second SetNX should fail while key is live")
	}

	m.FastForward(11 * time.Second)
	if _, found, _ := m.Get(ctx, "k"); found {
		t.Fatal("key should have expired")
	}
	if ok, _ := m.SetNX(ctx, "k", "other", 0); !ok {
		t.Fatal("SetNX should succeed after expiry")
	}
	if ttl := m.TTL("k"); ttl != 0 {
		t.Fatalf("expected no ttl, got %v", ttl)
	}
}

func TestCompareAndSwapScripts(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	m.Set(ctx, "lock", "owner-a", time.Minute)

	if ok, _ := m.CompareAndExpire(ctx, "lock", "owner-b", time.Hour); ok {
		t.Fatal("renew by non-owner should fail")
	}
	if ok, _ := m.CompareAndDelete(ctx, "lock", "owner-b"); ok {
		t.Fatal("release by non-owner should fail")
	}
	if ok, err := m.CompareAndExpire(ctx, "lock", "owner-a", time.Hour); !ok || err != nil {
		t.Fatalf("renew by owner should succeed: %v", err)
	}
	if ttl := m.TTL("lock"); ttl <= time.Minute {
		t.Fatalf("ttl not extended: %v", ttl)
	}
	if ok, _ := m.CompareAndDelete(ctx, "lock", "owner-a"); !ok {
		t.Fatal("release by owner should succeed")
	}
	if found, _ := m.Exists(ctx, "lock"); found {
		t.Fatal("lock should be gone")
	}
	if ok, err := m.CompareAndExpire(ctx, "lock", "owner-a", time.Hour); ok || err != nil {
		t.Fatalf("renew of a missing key: ok=%v err=%v", ok, err)
	}
}

func TestRaiseTo(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	if n, err := m.RaiseTo(ctx, "seq", 5); err != nil || n != 5 {
		t.Fatalf("raise missing counter: n=%d err=%v", n, err)
	}
	if n, _ := m.RaiseTo(ctx, "seq", 3); n != 5 {
		t.Fatalf("a lower floor must not lower the counter, got %d", n)
	}
	if n, _ := m.Incr(ctx, "seq"); n != 6 {
		t.Fatalf("incr after raise = %d", n)
	}
}

func TestZRangeByScore(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	for i, v := range []string{"a", "b", "c", "d", "e"} {
		m.ZAdd(ctx, "z", float64(i+1), v)
	}

	got, err := m.ZRangeByScore(ctx, "z", ScoreRange{Min: "(2", Max: "+inf"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0] != "c" || got[2] != "e" {
		t.Fatalf("unexpected range: %v", got)
	}

	got, _ = m.ZRevRangeByScore(ctx, "z", ScoreRange{Count: 2})
	if len(got) != 2 || got[0] != "e" || got[1] != "d" {
		t.Fatalf("unexpected reverse range: %v", got)
	}

	got, _ = m.ZRangeByScore(ctx, "z", ScoreRange{Min: "2", Max: "4", Offset: 1, Count: 5})
	if len(got) != 2 || got[0] != "c" || got[1] != "d" {
		t.Fatalf("unexpected offset range: %v", got)
	}
}

func TestReadRoom(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	read, err := m.ReadRoom(ctx, "r1", 0, 50)
	if err != nil {
		t.Fatal(err)
	}
	if read.Total != 0 || read.Last != "" || len(read.Messages) != 0 || read.AgentTurns != "" {
		t.Fatalf("empty room read %+v", read)
	}

	for i := 1; i <= 5; i++ {
		m.ZAdd(ctx, RoomMessagesKey("r1"), float64(i), fmt.Sprintf("m%d", i))
	}
	m.Set(ctx, RoomAgentTurnsKey("r1"), "2", 0)
	m.Set(ctx, RoomLastHumanSeqKey("r1"), "3", 0)

	read, err = m.ReadRoom(ctx, "r1", 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if read.Total != 5 || read.Last != "m5" || read.AgentTurns != "2" || read.LastHumanSeq != "3" {
		t.Fatalf("unexpected read %+v", read)
	}
	if len(read.Messages) != 3 || read.Messages[0] != "m3" || read.Messages[2] != "m5" {
		t.Fatalf("recent slice should be the newest three in order, got %v", read.Messages)
	}

	read, _ = m.ReadRoom(ctx, "r1", 3, 3)
	if len(read.Messages) != 2 || read.Messages[0] != "m4" || read.Messages[1] != "m5" {
		t.Fatalf("since slice = %v", read.Messages)
	}
}

func TestTxPipelined(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	err := m.TxPipelined(ctx, func(p Pipe) {
		p.ZAdd("z", 1, "one")
		p.Incr("n")
		p.Incr("n")
		p.HSet("h", map[string]string{"a": "1"})
		p.SAdd("s", "x", "y")
		p.Set("str", "v", 0)
	})
	if err != nil {
		t.Fatal(err)
	}

	if v, _, _ := m.Get(ctx, "n"); v != "2" {
		t.Fatalf("expected n=2, got %q", v)
	}
	if h, _ := m.HGetAll(ctx, "h"); h["a"] != "1" {
		t.Fatalf("unexpected hash %v", h)
	}
	if s, _ := m.SMembers(ctx, "s"); len(s) != 2 {
		t.Fatalf("unexpected set %v", s)
	}
	if n, _ := m.ZCard(ctx, "z"); n != 1 {
		t.Fatalf("unexpected zcard %d", n)
	}
	if vals, _ := m.MGet(ctx, "str", "missing"); len(vals) != 2 || vals[0] != "v" || vals[1] != "" {
		t.Fatalf("unexpected mget %v", vals)
	}
}

func TestLists(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	m.LPush(ctx, "l", "1", "2", "3")

	got, _ := m.LRange(ctx, "l", 0, -1)
	if len(got) != 3 || got[0] != "3" || got[2] != "1" {
		t.Fatalf("unexpected list %v", got)
	}

	m.LTrim(ctx, "l", 0, 1)
	got, _ = m.LRange(ctx, "l", 0, -1)
	if len(got) != 2 || got[0] != "3" {
		t.Fatalf("unexpected trimmed list %v", got)
	}
}

func TestUnavailable(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	m.Set(ctx, "lock", "owner", time.Minute)
	m.SetAvailable(false)

	if err := m.Ping(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := m.Incr(ctx, "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := m.TxPipelined(ctx, func(p Pipe) { p.Incr("x") }); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := m.CompareAndDelete(ctx, "lock", "owner"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from script, got %v", err)
	}
	if _, err := m.ReadRoom(ctx, "r1", 0, 50); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from room read, got %v", err)
	}

	m.SetAvailable(true)
	if err := m.Ping(ctx); err != nil {
		t.Fatal(err)
	}
	if v, found, _ := m.Get(ctx, "lock"); !found || v != "owner" {
		t.Fatalf("data should survive the outage, got %q", v)
	}
}

func TestMissingKeyIsNotAnError(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	v, found, err := m.Get(ctx, "nope")
	if err != nil || found || v != "" {
		t.Fatalf("missing key: v=%q found=%v err=%v", v, found, err)
	}
}

func TestWrongType(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)
	m.Set(ctx, "k", "v", 0)

	if err := m.ZAdd(ctx, "k", 1, "x"); err == nil {
		t.Fatal("expected WRONGTYPE error")
	}
	if _, err := m.Incr(ctx, "k"); err == nil {
		t.Fatal("expected integer error")
	}
}

func TestSQLiteReportArchive(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "reports.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"r1", "r2", "r3"} {
		report := models.IntegrityReport{
			ID:        id,
			CheckedAt: base.Add(time.Duration(i) * time.Minute),
			Context:   map[string]string{"reason": "test"},
			OK:        i != 1,
		}
		if err := s.SaveReport(ctx, report); err != nil {
			t.Fatal(err)
		}
	}
	// Duplicate IDs are ignored.
	if err := s.SaveReport(ctx, models.IntegrityReport{ID: "r1", CheckedAt: base}); err != nil {
		t.Fatal(err)
	}

	reports, err := s.RecentReports(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reports))
	}
	if reports[0].ID != "r3" || reports[1].ID != "r2" || reports[1].OK {
		t.Fatalf("unexpected order or contents: %+v", reports)
	}
}

func TestPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	got := make(chan string, 4)
	sub, err := m.Subscribe(ctx, "events", func(payload string) { got <- payload })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := m.Publish(ctx, "other", "ignored"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := m.Publish(ctx, "events", "hello"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case p := <-got:
		if p != "hello" {
			t.Fatalf("payload = %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	m.Publish(ctx, "events", "late")
	select {
	case p := <-got:
		t.Fatalf("delivered after close: %q", p)
	case <-time.After(50 * time.Millisecond):
	}

	m.SetAvailable(false)
	if err := m.Publish(ctx, "events", "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("publish while down = %v", err)
	}
}

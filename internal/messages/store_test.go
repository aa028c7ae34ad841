package messages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/arena/internal/models"
	"github.com/eldtechnologies/arena/internal/room"
	"github.com/eldtechnologies/arena/internal/store"
	"github.com/eldtechnologies/arena/internal/store/storetest"
)

func newTestStore(t *testing.T, opts Options) (*Store, *store.MemoryStore) {
	t.Helper()
	kv := storetest.New(t)
	if opts.Log == nil {
		log, err := OpenBackupLog(filepath.Join(t.TempDir(), "chatroom.log"))
		if err != nil {
			t.Fatal(err)
		}
		opts.Log = log
	}
	return New(kv, models.NewRoster("清风", "明月"), zerolog.Nop(), opts), kv
}

func TestConcurrentAppendsGetContiguousSeqs(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{})

	const n = 40
	var wg sync.WaitGroup
	seqs := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, err := s.AddMessage(ctx, "r1", Post{From: models.Human("u"), Content: fmt.Sprintf("m%d", i)})
			if err != nil {
				t.Error(err)
				return
			}
			seqs <- msg.Seq
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for seq := range seqs {
		if seen[seq] {
			t.Fatalf("seq %d issued twice", seq)
		}
		seen[seq] = true
	}
	for i := int64(1); i <= n; i++ {
		if !seen[i] {
			t.Fatalf("seq %d missing", i)
		}
	}

	snap, err := s.GetSnapshot(ctx, "r1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if snap.TotalMessages != n || snap.Cursor != n {
		t.Fatalf("expected %d messages and cursor %d, got %d / %d", n, n, snap.TotalMessages, snap.Cursor)
	}
}

func TestAgentTurnCountingExample(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{})

	m1, err := s.AddMessage(ctx, "r1", Post{From: models.Human("镇元子"), Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if m1.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", m1.Seq)
	}
	snap, _ := s.GetSnapshot(ctx, "r1", 0)
	if snap.ConsecutiveAgentTurns != 0 || snap.LastHumanSeq == nil || *snap.LastHumanSeq != 1 {
		t.Fatalf("unexpected counters after human post: %+v", snap)
	}

	s.AddMessage(ctx, "r1", Post{From: models.Agent("清风"), Content: "hi"})
	snap, _ = s.GetSnapshot(ctx, "r1", 0)
	if snap.ConsecutiveAgentTurns != 1 {
		t.Fatalf("expected 1 agent turn, got %d", snap.ConsecutiveAgentTurns)
	}

	s.AddMessage(ctx, "r1", Post{From: models.Agent("明月"), Content: "hi too"})
	snap, err = s.GetSnapshot(ctx, "r1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if snap.ConsecutiveAgentTurns != 2 {
		t.Fatalf("expected 2 agent turns, got %d", snap.ConsecutiveAgentTurns)
	}
	if *snap.LastHumanSeq != 1 {
		t.Fatalf("lastHumanSeq should stay 1, got %d", *snap.LastHumanSeq)
	}
	if snap.Cursor != 3 || *snap.LastMsgSeq != 3 {
		t.Fatalf("expected cursor 3, got %d", snap.Cursor)
	}
	if len(snap.Messages) != 2 || snap.Messages[0].Seq != 2 || snap.Messages[1].Seq != 3 {
		t.Fatalf("expected seqs 2 and 3, got %+v", snap.Messages)
	}

	s.AddMessage(ctx, "r1", Post{From: models.System(), Content: "runner restarted", Type: models.TypeSystem})
	snap, _ = s.GetSnapshot(ctx, "r1", 3)
	if snap.ConsecutiveAgentTurns != 0 || *snap.LastHumanSeq != 4 {
		t.Fatalf("system message should reset agent turns: %+v", snap)
	}
}

func TestAddMessageNormalizes(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{DefaultUser: "guest"})

	msg, err := s.AddMessage(ctx, "r1", Post{Content: "   "})
	if err != nil {
		t.Fatal(err)
	}
	if msg.From != "guest" {
		t.Fatalf("expected default guest, got %q", msg.From)
	}
	if msg.Content != models.EmptyChatPlaceholder {
		t.Fatalf("expected placeholder, got %q", msg.Content)
	}
	if msg.Type != models.TypeChat || msg.RoomID != "r1" || msg.Timestamp == 0 {
		t.Fatalf("unexpected message %+v", msg)
	}

	msg, _ = s.AddMessage(ctx, "r1", Post{From: models.Human("u"), Content: "  padded  ", Type: models.TypeApproved})
	if msg.Content != "padded" || msg.Type != models.TypeApproved {
		t.Fatalf("unexpected message %+v", msg)
	}

	if _, err := s.AddMessage(ctx, "bad room", Post{Content: "x"}); !errors.Is(err, room.ErrInvalidRoomID) {
		t.Fatalf("expected ErrInvalidRoomID, got %v", err)
	}
}

func TestSnapshotWithoutCursorIsBounded(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{})

	for i := 0; i < RecentLimit+10; i++ {
		s.AddMessage(ctx, "r1", Post{From: models.Human("u"), Content: fmt.Sprintf("m%d", i)})
	}

	snap, err := s.GetSnapshot(ctx, "r1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Messages) != RecentLimit {
		t.Fatalf("expected %d messages, got %d", RecentLimit, len(snap.Messages))
	}
	if snap.Messages[0].Seq != 11 || snap.Messages[RecentLimit-1].Seq != RecentLimit+10 {
		t.Fatalf("unexpected window %d..%d", snap.Messages[0].Seq, snap.Messages[RecentLimit-1].Seq)
	}
	if snap.TotalMessages != RecentLimit+10 {
		t.Fatalf("unexpected total %d", snap.TotalMessages)
	}

	snap, _ = s.GetSnapshot(ctx, "r1", 5)
	if len(snap.Messages) != RecentLimit+5 {
		t.Fatalf("since=5 should return everything after it, got %d", len(snap.Messages))
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{})

	s.AddMessage(ctx, "a", Post{From: models.Human("u"), Content: "in a"})
	s.AddMessage(ctx, "b", Post{From: models.Agent("清风"), Content: "in b"})

	a, _ := s.GetSnapshot(ctx, "a", 0)
	b, _ := s.GetSnapshot(ctx, "b", 0)
	if len(a.Messages) != 1 || a.Messages[0].Content != "in a" || a.Messages[0].Seq != 1 {
		t.Fatalf("unexpected room a %+v", a.Messages)
	}
	if len(b.Messages) != 1 || b.Messages[0].Content != "in b" || b.Messages[0].Seq != 1 {
		t.Fatalf("unexpected room b %+v", b.Messages)
	}
	if b.LastHumanSeq != nil {
		t.Fatalf("room b has no human message, got lastHumanSeq %d", *b.LastHumanSeq)
	}
}

func TestBackupLogOmitsSeq(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{})

	s.AddMessage(ctx, "r1", Post{From: models.Human("u"), Content: "hello"})

	data, err := os.ReadFile(s.log.Path())
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	if strings.Contains(line, `"seq"`) {
		t.Fatalf("backup log line should not carry seq: %s", line)
	}
	if !strings.Contains(line, `"roomId":"r1"`) {
		t.Fatalf("backup log line should carry roomId: %s", line)
	}
}

func TestHydrateFromBackupLog(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chatroom.log")
	lines := []string{
		`{"roomId":"r1","from":"u","content":"one","type":"chat","timestamp":1}`,
		`not json`,
		`{"roomId":"other","from":"u","content":"elsewhere","type":"chat","timestamp":2}`,
		`{"roomId":"r1","from":"清风","content":"two","type":"chat","timestamp":3}`,
		`{"roomId":"r1","from":"明月","content":"three","type":"chat","timestamp":4}`,
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	log, _ := OpenBackupLog(path)
	s, kv := newTestStore(t, Options{Log: log})

	snap, err := s.GetSnapshot(ctx, "r1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(snap.Messages))
	}
	for i, m := range snap.Messages {
		if m.Seq != int64(i+1) {
			t.Fatalf("message %d renumbered to %d", i, m.Seq)
		}
	}
	if snap.ConsecutiveAgentTurns != 2 || *snap.LastHumanSeq != 1 {
		t.Fatalf("unexpected counters %+v", snap)
	}

	// The substrate is seeded so the next append continues the sequence.
	if v, _, _ := kv.Get(ctx, store.RoomSeqKey("r1")); v != "3" {
		t.Fatalf("expected seeded seq 3, got %q", v)
	}
	msg, err := s.AddMessage(ctx, "r1", Post{From: models.Human("u"), Content: "four"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Seq != 4 {
		t.Fatalf("expected seq 4 after seeding, got %d", msg.Seq)
	}
	if ok, _ := s.RoomExists(ctx, "r1"); !ok {
		t.Fatal("seeded room should be indexed")
	}
}

func TestDegradedModeUsesBackupLog(t *testing.T) {
	ctx := context.Background()
	s, kv := newTestStore(t, Options{})
	s.AddMessage(ctx, "r1", Post{From: models.Human("u"), Content: "before outage"})

	// A fresh process touching the room during an outage.
	s2 := New(kv, s.roster, zerolog.Nop(), Options{Log: s.log})
	kv.SetAvailable(false)

	msg, err := s2.AddMessage(ctx, "r1", Post{From: models.Agent("清风"), Content: "during outage"})
	if err != nil {
		t.Fatalf("degraded append should succeed, got %v", err)
	}
	if msg.Seq != 2 {
		t.Fatalf("expected local seq 2, got %d", msg.Seq)
	}
	snap, err := s2.GetSnapshot(ctx, "r1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Messages) != 2 || snap.ConsecutiveAgentTurns != 1 {
		t.Fatalf("unexpected degraded snapshot %+v", snap)
	}
}

func TestRequiredSubstrateFailsLoudly(t *testing.T) {
	ctx := context.Background()
	s, kv := newTestStore(t, Options{RequireSubstrate: true})
	kv.SetAvailable(false)

	if _, err := s.AddMessage(ctx, "r1", Post{Content: "x"}); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := s.GetSnapshot(ctx, "r1", 0); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestCreateAndDeleteRoom(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{})

	r, err := s.CreateRoom(ctx, "planning", models.RoomMeta{Title: "Planning", CreatedBy: "tester", BoundInstanceID: "dev:host:3000"})
	if err != nil {
		t.Fatal(err)
	}
	if r.Title != "Planning" || r.CreatedBy != "tester" || r.BoundInstanceID != "dev:host:3000" || r.CreatedAt.IsZero() {
		t.Fatalf("unexpected room %+v", r)
	}
	if _, err := s.CreateRoom(ctx, "planning", models.RoomMeta{}); !errors.Is(err, ErrRoomExists) {
		t.Fatalf("expected ErrRoomExists, got %v", err)
	}

	s.AddMessage(ctx, "planning", Post{From: models.Human("u"), Content: "old message"})
	s.AddMessage(ctx, "keep", Post{From: models.Human("u"), Content: "kept"})

	if err := s.DeleteRoom(ctx, room.DefaultID); !errors.Is(err, ErrCannotDeleteDefault) {
		t.Fatalf("expected ErrCannotDeleteDefault, got %v", err)
	}
	if err := s.DeleteRoom(ctx, "planning"); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(s.log.Path())
	if strings.Contains(string(data), `"roomId":"planning"`) {
		t.Fatal("deleted room still present in backup log")
	}
	if !strings.Contains(string(data), `"roomId":"keep"`) {
		t.Fatal("other rooms must survive the prune")
	}

	rooms, _ := s.ListRooms(ctx)
	for _, r := range rooms {
		if r.RoomID == "planning" {
			t.Fatal("deleted room still listed")
		}
	}

	if _, err := s.CreateRoom(ctx, "planning", models.RoomMeta{}); err != nil {
		t.Fatalf("re-create after delete: %v", err)
	}
	snap, _ := s.GetSnapshot(ctx, "planning", 0)
	if snap.TotalMessages != 0 {
		t.Fatalf("re-created room should be empty, got %d", snap.TotalMessages)
	}
	msg, _ := s.AddMessage(ctx, "planning", Post{From: models.Human("u"), Content: "fresh"})
	if msg.Seq != 1 {
		t.Fatalf("expected seq to restart at 1, got %d", msg.Seq)
	}
}

func TestAttachUsage(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{})

	s.AddMessage(ctx, "r1", Post{From: models.Agent("清风"), Content: "first"})
	s.AddMessage(ctx, "r1", Post{From: models.Agent("清风"), Content: "second"})
	s.AddMessage(ctx, "r1", Post{From: models.Agent("明月"), Content: "other agent"})

	res, err := s.AttachUsage(ctx, "r1", "清风", models.Usage{Model: "m", InputTokens: 10})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Attached || res.Seq != 2 {
		t.Fatalf("expected attach to seq 2, got %+v", res)
	}
	res, _ = s.AttachUsage(ctx, "r1", "清风", models.Usage{InputTokens: 5})
	if !res.Attached || res.Seq != 1 {
		t.Fatalf("expected attach to seq 1, got %+v", res)
	}
	res, _ = s.AttachUsage(ctx, "r1", "清风", models.Usage{InputTokens: 1})
	if res.Attached {
		t.Fatal("no message left without usage")
	}

	snap, _ := s.GetSnapshot(ctx, "r1", 0)
	if len(snap.Messages) != 3 {
		t.Fatalf("usage attachment must not add messages, got %d", len(snap.Messages))
	}
	if snap.Messages[1].Usage == nil || snap.Messages[1].Usage.InputTokens != 10 {
		t.Fatalf("usage not stored: %+v", snap.Messages[1])
	}
	if snap.Messages[2].Usage != nil {
		t.Fatal("other agent's message should be untouched")
	}
}

func TestOnAppendNotifies(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{})

	var got []models.Message
	s.OnAppend(func(m models.Message) { got = append(got, m) })
	s.AddMessage(ctx, "r1", Post{From: models.Human("u"), Content: "hello"})

	if len(got) != 1 || got[0].Seq != 1 {
		t.Fatalf("unexpected notifications %+v", got)
	}
}

func TestRequireRoom(t *testing.T) {
	ctx := context.Background()
	s, kv := newTestStore(t, Options{})

	if err := s.RequireRoom(ctx, "ghost"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
	if err := s.RequireRoom(ctx, "bad id!"); !errors.Is(err, room.ErrInvalidRoomID) {
		t.Fatalf("expected ErrInvalidRoomID, got %v", err)
	}
	s.AddMessage(ctx, "ghost", Post{Content: "first use creates the room"})
	if err := s.RequireRoom(ctx, "ghost"); err != nil {
		t.Fatalf("room should exist after first use: %v", err)
	}

	kv.SetAvailable(false)
	if err := s.RequireRoom(ctx, "anything"); err != nil {
		t.Fatalf("check should be skipped while degraded, got %v", err)
	}
	strict := New(kv, s.roster, zerolog.Nop(), Options{RequireSubstrate: true})
	if err := strict.RequireRoom(ctx, "anything"); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func contents(msgs []models.Message) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = fmt.Sprintf("%d:%s", m.Seq, m.Content)
	}
	return strings.Join(parts, " ")
}

func TestOutageWritesReplayOnRecovery(t *testing.T) {
	ctx := context.Background()
	s, kv := newTestStore(t, Options{})
	s.AddMessage(ctx, "r1", Post{From: models.Human("u"), Content: "one"})
	s.AddMessage(ctx, "r1", Post{From: models.Agent("清风"), Content: "two"})

	s2 := New(kv, s.roster, zerolog.Nop(), Options{Log: s.log})
	kv.SetAvailable(false)
	during, err := s2.AddMessage(ctx, "r1", Post{From: models.Human("u"), Content: "during"})
	if err != nil {
		t.Fatal(err)
	}
	if during.Seq != 3 {
		t.Fatalf("expected local seq 3, got %d", during.Seq)
	}

	kv.SetAvailable(true)
	after, err := s2.AddMessage(ctx, "r1", Post{From: models.Agent("明月"), Content: "after"})
	if err != nil {
		t.Fatal(err)
	}
	if after.Seq != 4 {
		t.Fatalf("seq %d issued twice: expected 4 after recovery", after.Seq)
	}

	snap, err := s.GetSnapshot(ctx, "r1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := contents(snap.Messages); got != "1:one 2:two 3:during 4:after" {
		t.Fatalf("substrate log = %s", got)
	}
	if snap.ConsecutiveAgentTurns != 1 || *snap.LastHumanSeq != 3 {
		t.Fatalf("counters after replay: turns=%d lastHuman=%d", snap.ConsecutiveAgentTurns, *snap.LastHumanSeq)
	}
}

func TestRecoveryRenumbersWhenSeqsWereTakenElsewhere(t *testing.T) {
	ctx := context.Background()
	s, kv := newTestStore(t, Options{})
	s.AddMessage(ctx, "r1", Post{From: models.Human("u"), Content: "one"})
	s.AddMessage(ctx, "r1", Post{From: models.Human("u"), Content: "two"})

	s2 := New(kv, s.roster, zerolog.Nop(), Options{Log: s.log})
	kv.SetAvailable(false)
	if m, _ := s2.AddMessage(ctx, "r1", Post{From: models.Human("u"), Content: "during"}); m.Seq != 3 {
		t.Fatalf("expected local seq 3, got %d", m.Seq)
	}
	kv.SetAvailable(true)

	// Another process claims seq 3 before the degraded one recovers.
	if m, _ := s.AddMessage(ctx, "r1", Post{From: models.Human("v"), Content: "elsewhere"}); m.Seq != 3 {
		t.Fatalf("expected seq 3 elsewhere, got %d", m.Seq)
	}

	after, err := s2.AddMessage(ctx, "r1", Post{From: models.Human("u"), Content: "after"})
	if err != nil {
		t.Fatal(err)
	}
	if after.Seq != 5 {
		t.Fatalf("expected seq 5, got %d", after.Seq)
	}

	snap, _ := s.GetSnapshot(ctx, "r1", 0)
	if got := contents(snap.Messages); got != "1:one 2:two 3:elsewhere 4:during 5:after" {
		t.Fatalf("substrate log = %s", got)
	}
}

func TestRecoveryIntoEmptySubstrateSeedsFromLog(t *testing.T) {
	ctx := context.Background()
	s, kv := newTestStore(t, Options{})
	kv.SetAvailable(false)
	s.AddMessage(ctx, "r1", Post{From: models.Human("u"), Content: "one"})
	s.AddMessage(ctx, "r1", Post{From: models.Agent("清风"), Content: "two"})
	kv.SetAvailable(true)

	m, err := s.AddMessage(ctx, "r1", Post{From: models.Human("u"), Content: "three"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Seq != 3 {
		t.Fatalf("expected seq 3, got %d", m.Seq)
	}
	snap, _ := s.GetSnapshot(ctx, "r1", 0)
	if got := contents(snap.Messages); got != "1:one 2:two 3:three" {
		t.Fatalf("substrate log = %s", got)
	}
}

// appendOnRead runs fire once, right after the first read it sees completes.
type appendOnRead struct {
	store.KV
	armed bool
	fire  func()
}

func (a *appendOnRead) trip() {
	if a.armed {
		a.armed = false
		a.fire()
	}
}

func (a *appendOnRead) MGet(ctx context.Context, keys ...string) ([]string, error) {
	vals, err := a.KV.MGet(ctx, keys...)
	a.trip()
	return vals, err
}

func (a *appendOnRead) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := a.KV.ZCard(ctx, key)
	a.trip()
	return n, err
}

func (a *appendOnRead) ZRangeByScore(ctx context.Context, key string, r store.ScoreRange) ([]string, error) {
	vals, err := a.KV.ZRangeByScore(ctx, key, r)
	a.trip()
	return vals, err
}

func (a *appendOnRead) ZRevRangeByScore(ctx context.Context, key string, r store.ScoreRange) ([]string, error) {
	vals, err := a.KV.ZRevRangeByScore(ctx, key, r)
	a.trip()
	return vals, err
}

func (a *appendOnRead) ReadRoom(ctx context.Context, roomID string, since, limit int64) (store.RoomRead, error) {
	read, err := a.KV.ReadRoom(ctx, roomID, since, limit)
	a.trip()
	return read, err
}

func checkConsistent(t *testing.T, snap models.Snapshot) {
	t.Helper()
	n := len(snap.Messages)
	if n == 0 {
		return
	}
	if last := snap.Messages[n-1].Seq; snap.Cursor != last {
		t.Fatalf("cursor %d but newest message %d", snap.Cursor, last)
	}
	roster := models.NewRoster("清风", "明月")
	var turns int64
	for i := n - 1; i >= 0 && roster.IsAgent(snap.Messages[i].From); i-- {
		turns++
	}
	if snap.ConsecutiveAgentTurns != turns {
		t.Fatalf("torn snapshot: cursor %d, consecutiveAgentTurns=%d but messages end with %d agent turns",
			snap.Cursor, snap.ConsecutiveAgentTurns, turns)
	}
	for i := n - 1; i >= 0; i-- {
		if !roster.IsAgent(snap.Messages[i].From) {
			if snap.LastHumanSeq == nil || *snap.LastHumanSeq != snap.Messages[i].Seq {
				t.Fatalf("torn snapshot: lastHumanSeq %v, newest human message %d", snap.LastHumanSeq, snap.Messages[i].Seq)
			}
			break
		}
	}
}

func TestSnapshotIgnoresAppendDuringRead(t *testing.T) {
	ctx := context.Background()
	base, kv := newTestStore(t, Options{})
	wrapped := &appendOnRead{KV: kv}
	s := New(wrapped, base.roster, zerolog.Nop(), Options{Log: base.log})
	s.AddMessage(ctx, "r1", Post{From: models.Human("u"), Content: "hello"})

	wrapped.armed = true
	wrapped.fire = func() {
		if _, err := base.AddMessage(ctx, "r1", Post{From: models.Agent("清风"), Content: "racing"}); err != nil {
			t.Error(err)
		}
	}
	snap, err := s.GetSnapshot(ctx, "r1", 0)
	if err != nil {
		t.Fatal(err)
	}
	checkConsistent(t, snap)

	snap, _ = s.GetSnapshot(ctx, "r1", 0)
	checkConsistent(t, snap)
	if snap.Cursor != 2 || snap.ConsecutiveAgentTurns != 1 {
		t.Fatalf("second read should see the racing append: %+v", snap)
	}
}

func TestSnapshotConsistentUnderConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{})
	s.AddMessage(ctx, "r1", Post{From: models.Human("u"), Content: "start"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 40; i++ {
			from := models.Agent("清风")
			if i%4 == 3 {
				from = models.Human("u")
			}
			if _, err := s.AddMessage(ctx, "r1", Post{From: from, Content: fmt.Sprintf("m%d", i)}); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		snap, err := s.GetSnapshot(ctx, "r1", 0)
		if err != nil {
			t.Fatal(err)
		}
		checkConsistent(t, snap)
	}
}

func TestRelayDeliversOtherInstancesPosts(t *testing.T) {
	ctx := context.Background()
	here, kv := newTestStore(t, Options{})
	log, err := OpenBackupLog(filepath.Join(t.TempDir(), "other.log"))
	if err != nil {
		t.Fatal(err)
	}
	there := New(kv, models.NewRoster("清风", "明月"), zerolog.Nop(), Options{Log: log})

	got := make(chan models.Message, 8)
	here.OnAppend(func(m models.Message) { got <- m })
	relay, err := here.Relay(ctx)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	defer relay.Close()

	next := func() models.Message {
		t.Helper()
		select {
		case m := <-got:
			return m
		case <-time.After(2 * time.Second):
			t.Fatal("no message delivered")
			return models.Message{}
		}
	}

	if _, err := there.AddMessage(ctx, "r1", Post{From: models.Human("镇元子"), Content: "from there"}); err != nil {
		t.Fatal(err)
	}
	if m := next(); m.Seq != 1 || m.Content != "from there" {
		t.Fatalf("relayed = %+v", m)
	}

	if _, err := here.AddMessage(ctx, "r1", Post{From: models.Human("镇元子"), Content: "from here"}); err != nil {
		t.Fatal(err)
	}
	if m := next(); m.Seq != 2 || m.Content != "from here" {
		t.Fatalf("local = %+v", m)
	}
	select {
	case m := <-got:
		t.Fatalf("local post delivered twice: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

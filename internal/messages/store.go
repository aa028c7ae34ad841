package messages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/arena/internal/metrics"
	"github.com/eldtechnologies/arena/internal/models"
	"github.com/eldtechnologies/arena/internal/room"
	"github.com/eldtechnologies/arena/internal/store"
)

var (
	ErrRoomNotFound        = errors.New("room_not_found")
	ErrRoomExists          = errors.New("room_exists")
	ErrCannotDeleteDefault = errors.New("cannot_delete_default_room")
)

const (
	// RecentLimit bounds a snapshot taken without a cursor.
	RecentLimit = 50

	// DefaultGuestName is the sender used when a post has no author.
	DefaultGuestName = "镇元子"
)

// Options configures a Store.
type Options struct {
	DefaultUser string
	// RequireSubstrate disables the backup-log fallback: room operations fail
	// with store.ErrUnavailable instead of degrading.
	RequireSubstrate bool
	Log              *BackupLog
	Now              func() time.Time
}

// Post is a message submission. From is resolved by the caller; a zero value
// means the configured guest.
type Post struct {
	From    models.Participant
	Content string
	Type    string
	Usage   *models.Usage
}

// roomState tracks first-touch hydration for one room in this process. While
// degraded it also holds the room's local mirror and the writes the
// substrate has not seen yet.
type roomState struct {
	mu           sync.Mutex
	loaded       bool
	metaEnsured  bool
	degraded     bool
	messages     []models.Message
	pending      []localWrite
	seq          int64
	agentTurns   int64
	lastHumanSeq int64
}

type localWrite struct {
	msg  models.Message
	from models.Participant
}

func (rs *roomState) reset() {
	rs.loaded = false
	rs.metaEnsured = false
	rs.degraded = false
	rs.messages = nil
	rs.pending = nil
	rs.seq = 0
	rs.agentTurns = 0
	rs.lastHumanSeq = 0
}

// Store is the room-scoped message log. The substrate is authoritative; the
// backup log keeps rooms recoverable while it is empty or unreachable.
type Store struct {
	kv     store.KV
	roster *models.Roster
	log    *BackupLog
	logger zerolog.Logger
	opts   Options
	now    func() time.Time
	origin string

	mu        sync.Mutex
	rooms     map[string]*roomState
	listeners []func(models.Message)
}

// New creates a message store.
func New(kv store.KV, roster *models.Roster, logger zerolog.Logger, opts Options) *Store {
	if opts.DefaultUser == "" {
		opts.DefaultUser = DefaultGuestName
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		kv:     kv,
		roster: roster,
		log:    opts.Log,
		logger: logger.With().Str("component", "messages").Logger(),
		opts:   opts,
		now:    now,
		origin: uuid.NewString(),
		rooms:  make(map[string]*roomState),
	}
}

// Roster returns the agent roster used for turn counting.
func (s *Store) Roster() *models.Roster {
	return s.roster
}

// DefaultUser returns the configured guest name.
func (s *Store) DefaultUser() string {
	return s.opts.DefaultUser
}

// OnAppend registers fn to be called after every successful append.
func (s *Store) OnAppend(fn func(models.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(msg models.Message) {
	s.mu.Lock()
	listeners := append([]func(models.Message){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(msg)
	}
}

// event is a committed message announced to the other instances.
type event struct {
	Origin  string         `json:"origin"`
	Message models.Message `json:"message"`
}

func (s *Store) publish(ctx context.Context, msg models.Message) {
	data, err := json.Marshal(event{Origin: s.origin, Message: msg})
	if err != nil {
		return
	}
	if err := s.kv.Publish(ctx, store.MessageEventsChannel, string(data)); err != nil {
		s.logger.Warn().Err(err).Str("room_id", msg.RoomID).Int64("seq", msg.Seq).Msg("message event publish failed")
	}
}

// Relay passes messages committed by other instances to the OnAppend
// listeners until the returned closer is closed. Appends made here are
// already delivered and are skipped.
func (s *Store) Relay(ctx context.Context) (io.Closer, error) {
	return s.kv.Subscribe(ctx, store.MessageEventsChannel, func(payload string) {
		var ev event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			s.logger.Warn().Err(err).Msg("malformed message event")
			return
		}
		if ev.Origin == s.origin {
			return
		}
		metrics.MessagesRelayed.Inc()
		s.notify(ev.Message)
	})
}

func (s *Store) state(roomID string) *roomState {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.rooms[roomID]
	if !ok {
		rs = &roomState{}
		s.rooms[roomID] = rs
	}
	return rs
}

// prepare hydrates the room on first touch and retries the substrate for a
// degraded room. Caller holds rs.mu.
func (s *Store) prepare(ctx context.Context, roomID string, rs *roomState) error {
	if rs.degraded {
		if err := s.kv.Ping(ctx); err != nil {
			return nil
		}
		if err := s.recoverRoom(ctx, roomID, rs); err != nil {
			s.logger.Warn().Err(err).Str("room_id", roomID).Msg("room recovery failed, staying on backup log")
			return nil
		}
		s.logger.Info().Str("room_id", roomID).Msg("substrate reachable again, rehydrating room")
		rs.reset()
	}
	if rs.loaded {
		return nil
	}

	count, err := s.kv.ZCard(ctx, store.RoomMessagesKey(roomID))
	if err != nil {
		if s.opts.RequireSubstrate {
			return err
		}
		return s.loadLocal(roomID, rs, err)
	}

	if count > 0 {
		rs.loaded = true
		metrics.RoomsHydrated.WithLabelValues("substrate").Inc()
		return nil
	}

	msgs := s.scanLog(roomID)
	if len(msgs) == 0 {
		rs.loaded = true
		metrics.RoomsHydrated.WithLabelValues("empty").Inc()
		return nil
	}

	if err := s.seed(ctx, roomID, msgs); err != nil {
		return err
	}
	rs.loaded = true
	rs.metaEnsured = true
	metrics.RoomsHydrated.WithLabelValues("backup_log").Inc()
	s.logger.Warn().
		Str("room_id", roomID).
		Int("messages", len(msgs)).
		Msg("room missing from substrate, seeded from backup log")
	return nil
}

func (s *Store) scanLog(roomID string) []models.Message {
	if s.log == nil {
		return nil
	}
	msgs, err := s.log.ScanRoom(roomID)
	if err != nil {
		s.logger.Error().Err(err).Str("room_id", roomID).Msg("backup log scan failed")
	}
	return msgs
}

// loadLocal switches the room to its backup-log mirror. Caller holds rs.mu.
func (s *Store) loadLocal(roomID string, rs *roomState, cause error) error {
	msgs := s.scanLog(roomID)
	rs.reset()
	rs.loaded = true
	rs.degraded = true
	rs.messages = msgs
	if n := len(msgs); n > 0 {
		rs.seq = msgs[n-1].Seq
	}
	turns, lastHuman := s.trailing(msgs)
	rs.agentTurns = turns
	if lastHuman != nil {
		rs.lastHumanSeq = *lastHuman
	}
	metrics.RoomsHydrated.WithLabelValues("backup_log").Inc()
	s.logger.Warn().
		Err(cause).
		Str("room_id", roomID).
		Int("messages", len(msgs)).
		Msg("substrate unavailable, serving room from backup log")
	return nil
}

// recoverRoom hands the writes made during an outage to the substrate before
// the room leaves degraded mode. When the substrate's room is empty the backup
// log already holds them and first-touch seeding takes over. Seqs handed out
// locally are never issued again to a different message: replayed writes keep
// their local seq while the counter allows it, otherwise the counter is moved
// past the local high-water mark first. Caller holds rs.mu.
func (s *Store) recoverRoom(ctx context.Context, roomID string, rs *roomState) error {
	if len(rs.pending) == 0 {
		return nil
	}
	count, err := s.kv.ZCard(ctx, store.RoomMessagesKey(roomID))
	if err != nil {
		return err
	}
	if count == 0 && s.log != nil {
		return nil
	}

	seqKey := store.RoomSeqKey(roomID)
	high := rs.seq
	cur, err := s.kv.RaiseTo(ctx, seqKey, rs.pending[0].msg.Seq-1)
	if err != nil {
		return err
	}
	if cur >= rs.pending[0].msg.Seq {
		s.logger.Warn().
			Str("room_id", roomID).
			Int64("substrate_seq", cur).
			Int64("local_seq", high).
			Msg("seqs were issued elsewhere during the outage, renumbering local writes")
		if _, err := s.kv.RaiseTo(ctx, seqKey, high); err != nil {
			return err
		}
	}

	for len(rs.pending) > 0 {
		w := rs.pending[0]
		seq, err := s.kv.Incr(ctx, seqKey)
		if err != nil {
			return err
		}
		if seq != w.msg.Seq && seq <= high {
			if seq, err = s.kv.RaiseTo(ctx, seqKey, high); err == nil {
				seq, err = s.kv.Incr(ctx, seqKey)
			}
			if err != nil {
				return err
			}
		}
		if seq > rs.seq {
			rs.seq = seq
		}
		local := w.msg.Seq
		w.msg.Seq = seq
		if err := s.commit(ctx, roomID, w.msg, w.from); err != nil {
			return err
		}
		rs.pending = rs.pending[1:]
		metrics.MessagesReplayed.Inc()
		s.publish(ctx, w.msg)
		s.logger.Info().
			Str("room_id", roomID).
			Int64("local_seq", local).
			Int64("seq", seq).
			Msg("replayed message written during outage")
	}
	return nil
}

// trailing recomputes the agent-turn run and the last non-agent seq from an
// ordered message list.
func (s *Store) trailing(msgs []models.Message) (int64, *int64) {
	var turns int64
	for i := len(msgs) - 1; i >= 0; i-- {
		if !s.roster.IsAgent(msgs[i].From) {
			break
		}
		turns++
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if !s.roster.IsAgent(msgs[i].From) {
			seq := msgs[i].Seq
			return turns, &seq
		}
	}
	return turns, nil
}

// seed writes a reconstructed room into the substrate.
func (s *Store) seed(ctx context.Context, roomID string, msgs []models.Message) error {
	turns, lastHuman := s.trailing(msgs)
	var maxSeq int64
	raws := make([]string, len(msgs))
	for i, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		raws[i] = string(data)
		if m.Seq > maxSeq {
			maxSeq = m.Seq
		}
	}

	err := s.kv.TxPipelined(ctx, func(p store.Pipe) {
		for i, m := range msgs {
			p.ZAdd(store.RoomMessagesKey(roomID), float64(m.Seq), raws[i])
		}
		p.Set(store.RoomSeqKey(roomID), strconv.FormatInt(maxSeq, 10), 0)
		p.Set(store.RoomAgentTurnsKey(roomID), strconv.FormatInt(turns, 10), 0)
		if lastHuman != nil {
			p.Set(store.RoomLastHumanSeqKey(roomID), strconv.FormatInt(*lastHuman, 10), 0)
		}
		p.HSet(store.RoomMetaKey(roomID), map[string]string{"lastActiveAt": s.timestamp()})
		p.SAdd(store.RoomsIndexKey, roomID)
	})
	if err != nil {
		return err
	}
	return s.ensureMeta(ctx, roomID, models.RoomMeta{})
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// ensureMeta fills in missing metadata fields and indexes the room.
func (s *Store) ensureMeta(ctx context.Context, roomID string, meta models.RoomMeta) error {
	title := strings.TrimSpace(meta.Title)
	if title == "" {
		title = roomID
	}
	createdBy := strings.TrimSpace(meta.CreatedBy)
	if createdBy == "" {
		createdBy = models.SystemName
	}

	key := store.RoomMetaKey(roomID)
	now := s.timestamp()
	fields := [][2]string{
		{"createdAt", now},
		{"title", title},
		{"createdBy", createdBy},
	}
	if meta.BoundInstanceID != "" {
		fields = append(fields, [2]string{"boundInstanceId", meta.BoundInstanceID})
	}
	for _, f := range fields {
		if _, err := s.kv.HSetNX(ctx, key, f[0], f[1]); err != nil {
			return err
		}
	}
	if err := s.kv.HSet(ctx, key, map[string]string{"lastActiveAt": now}); err != nil {
		return err
	}
	_, err := s.kv.SAdd(ctx, store.RoomsIndexKey, roomID)
	return err
}

// EnsureRoom creates the room's metadata if missing. Existing fields are kept.
func (s *Store) EnsureRoom(ctx context.Context, roomID string, meta models.RoomMeta) error {
	if err := room.Validate(roomID); err != nil {
		return err
	}
	if err := s.ensureMeta(ctx, roomID, meta); err != nil {
		return err
	}
	rs := s.state(roomID)
	rs.mu.Lock()
	rs.metaEnsured = true
	rs.mu.Unlock()
	return nil
}

// RoomExists reports whether the room is indexed.
func (s *Store) RoomExists(ctx context.Context, roomID string) (bool, error) {
	return s.kv.SIsMember(ctx, store.RoomsIndexKey, roomID)
}

// RequireRoom fails with ErrRoomNotFound unless the room is indexed. While the
// substrate is unreachable and not required the check is skipped, so the
// backup-log fallback can still serve the room.
func (s *Store) RequireRoom(ctx context.Context, roomID string) error {
	if err := room.Validate(roomID); err != nil {
		return err
	}
	ok, err := s.RoomExists(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) && !s.opts.RequireSubstrate {
			return nil
		}
		return err
	}
	if !ok {
		return ErrRoomNotFound
	}
	return nil
}

// CreateRoom creates a new room, failing with ErrRoomExists if it is already indexed.
func (s *Store) CreateRoom(ctx context.Context, roomID string, meta models.RoomMeta) (models.Room, error) {
	if err := room.Validate(roomID); err != nil {
		return models.Room{}, err
	}
	exists, err := s.RoomExists(ctx, roomID)
	if err != nil {
		return models.Room{}, err
	}
	if exists {
		return models.Room{}, ErrRoomExists
	}
	if err := s.EnsureRoom(ctx, roomID, meta); err != nil {
		return models.Room{}, err
	}
	return s.GetRoom(ctx, roomID)
}

// GetRoom returns the room's metadata.
func (s *Store) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	meta, err := s.kv.HGetAll(ctx, store.RoomMetaKey(roomID))
	if err != nil {
		return models.Room{}, err
	}
	if len(meta) == 0 {
		return models.Room{}, ErrRoomNotFound
	}
	return roomFromMeta(roomID, meta), nil
}

func roomFromMeta(roomID string, meta map[string]string) models.Room {
	r := models.Room{
		RoomID:          roomID,
		Title:           meta["title"],
		CreatedBy:       meta["createdBy"],
		BoundInstanceID: meta["boundInstanceId"],
	}
	if r.Title == "" {
		r.Title = roomID
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, meta["createdAt"])
	r.LastActiveAt, _ = time.Parse(time.RFC3339Nano, meta["lastActiveAt"])
	return r
}

// ListRooms returns every indexed room sorted by ID. When the substrate is
// down and not required, rooms are listed from the backup log.
func (s *Store) ListRooms(ctx context.Context) ([]models.Room, error) {
	ids, err := s.kv.SMembers(ctx, store.RoomsIndexKey)
	if err != nil {
		if s.opts.RequireSubstrate || s.log == nil {
			return nil, err
		}
		s.logger.Warn().Err(err).Msg("substrate unavailable, listing rooms from backup log")
		ids, err = s.log.Rooms()
		if err != nil {
			return nil, err
		}
		rooms := make([]models.Room, 0, len(ids))
		for _, id := range ids {
			rooms = append(rooms, models.Room{RoomID: id, Title: id})
		}
		return rooms, nil
	}

	sort.Strings(ids)
	rooms := make([]models.Room, 0, len(ids))
	for _, id := range ids {
		meta, err := s.kv.HGetAll(ctx, store.RoomMetaKey(id))
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, roomFromMeta(id, meta))
	}
	return rooms, nil
}

// DeleteRoom removes the room from the substrate and the backup log. The
// default room cannot be deleted.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	if roomID == room.DefaultID {
		return ErrCannotDeleteDefault
	}
	if err := room.Validate(roomID); err != nil {
		return err
	}

	rs := s.state(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if _, err := s.kv.Del(ctx, store.RoomKeys(roomID)...); err != nil {
		return err
	}
	if _, err := s.kv.SRem(ctx, store.RoomsIndexKey, roomID); err != nil {
		return err
	}
	if s.log != nil {
		if err := s.log.PruneRoom(roomID); err != nil {
			return fmt.Errorf("prune backup log: %w", err)
		}
	}
	rs.reset()

	s.logger.Info().Str("room_id", roomID).Msg("room deleted")
	return nil
}

func (s *Store) normalize(roomID string, post Post) (models.Message, models.Participant) {
	from := post.From
	if strings.TrimSpace(from.Name) == "" {
		from = models.Human(s.opts.DefaultUser)
	}
	typ := strings.TrimSpace(post.Type)
	if typ == "" {
		typ = models.TypeChat
	}
	content := strings.TrimSpace(post.Content)
	if typ == models.TypeChat && content == "" {
		content = models.EmptyChatPlaceholder
	}
	return models.Message{
		RoomID:    roomID,
		From:      from.Name,
		Content:   content,
		Type:      typ,
		Timestamp: s.now().UnixMilli(),
		Usage:     post.Usage,
	}, from
}

// AddMessage appends a message to the room, assigning the next seq from the
// substrate's per-room counter.
func (s *Store) AddMessage(ctx context.Context, roomID string, post Post) (models.Message, error) {
	if err := room.Validate(roomID); err != nil {
		return models.Message{}, err
	}
	msg, from := s.normalize(roomID, post)

	rs := s.state(roomID)
	rs.mu.Lock()
	if err := s.prepare(ctx, roomID, rs); err != nil {
		rs.mu.Unlock()
		return models.Message{}, err
	}
	if rs.degraded {
		msg = s.addLocal(rs, msg, from)
		rs.mu.Unlock()
		s.afterAppend(msg, from)
		return msg, nil
	}
	ensureMeta := !rs.metaEnsured
	rs.mu.Unlock()

	if ensureMeta {
		if err := s.ensureMeta(ctx, roomID, models.RoomMeta{}); err != nil {
			return models.Message{}, err
		}
		rs.mu.Lock()
		rs.metaEnsured = true
		rs.mu.Unlock()
	}

	seq, err := s.kv.Incr(ctx, store.RoomSeqKey(roomID))
	if err != nil {
		return models.Message{}, err
	}
	msg.Seq = seq

	if err := s.commit(ctx, roomID, msg, from); err != nil {
		s.logger.Error().Err(err).Str("room_id", roomID).Int64("seq", seq).Msg("message write failed after seq was issued")
		return models.Message{}, err
	}

	s.afterAppend(msg, from)
	s.publish(ctx, msg)
	return msg, nil
}

// commit stores a message with an issued seq and updates the room counters
// in one transaction.
func (s *Store) commit(ctx context.Context, roomID string, msg models.Message, from models.Participant) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.kv.TxPipelined(ctx, func(p store.Pipe) {
		p.ZAdd(store.RoomMessagesKey(roomID), float64(msg.Seq), string(data))
		if from.IsAgent() {
			p.Incr(store.RoomAgentTurnsKey(roomID))
		} else {
			p.Set(store.RoomAgentTurnsKey(roomID), "0", 0)
			p.Set(store.RoomLastHumanSeqKey(roomID), strconv.FormatInt(msg.Seq, 10), 0)
		}
		p.HSet(store.RoomMetaKey(roomID), map[string]string{"lastActiveAt": s.timestamp()})
		p.SAdd(store.RoomsIndexKey, roomID)
	})
}

// addLocal appends to a degraded room's mirror. Caller holds rs.mu.
func (s *Store) addLocal(rs *roomState, msg models.Message, from models.Participant) models.Message {
	rs.seq++
	msg.Seq = rs.seq
	rs.messages = append(rs.messages, msg)
	rs.pending = append(rs.pending, localWrite{msg: msg, from: from})
	if from.IsAgent() {
		rs.agentTurns++
	} else {
		rs.agentTurns = 0
		rs.lastHumanSeq = msg.Seq
	}
	s.logger.Warn().Str("room_id", msg.RoomID).Int64("seq", msg.Seq).Msg("message stored locally while substrate is unavailable")
	return msg
}

func (s *Store) afterAppend(msg models.Message, from models.Participant) {
	if s.log != nil {
		if err := s.log.Append(msg); err != nil {
			s.logger.Error().Err(err).Str("room_id", msg.RoomID).Int64("seq", msg.Seq).Msg("backup log append failed")
		}
	}
	metrics.MessagesAppended.WithLabelValues(from.Kind.String()).Inc()
	s.notify(msg)
}

// GetSnapshot returns the room's cursor and counters together with either
// the latest RecentLimit messages (since <= 0) or every message after since.
// Messages never extend past the returned cursor.
func (s *Store) GetSnapshot(ctx context.Context, roomID string, since int64) (models.Snapshot, error) {
	if err := room.Validate(roomID); err != nil {
		return models.Snapshot{}, err
	}

	rs := s.state(roomID)
	rs.mu.Lock()
	if err := s.prepare(ctx, roomID, rs); err != nil {
		rs.mu.Unlock()
		return models.Snapshot{}, err
	}
	if rs.degraded {
		snap := s.localSnapshot(roomID, rs, since)
		rs.mu.Unlock()
		return snap, nil
	}
	rs.mu.Unlock()

	return s.remoteSnapshot(ctx, roomID, since)
}

func (s *Store) remoteSnapshot(ctx context.Context, roomID string, since int64) (models.Snapshot, error) {
	snap := models.Snapshot{RoomID: roomID, Messages: []models.Message{}}

	read, err := s.kv.ReadRoom(ctx, roomID, since, RecentLimit)
	if err != nil {
		return snap, err
	}
	snap.ConsecutiveAgentTurns, _ = strconv.ParseInt(read.AgentTurns, 10, 64)
	if v, err := strconv.ParseInt(read.LastHumanSeq, 10, 64); err == nil {
		snap.LastHumanSeq = &v
	}
	snap.TotalMessages = read.Total

	if m, ok := decode(read.Last); ok && read.Last != "" {
		seq := m.Seq
		snap.LastMsgSeq = &seq
		snap.Cursor = seq
	}
	for _, raw := range read.Messages {
		if m, ok := decode(raw); ok {
			snap.Messages = append(snap.Messages, m)
		}
	}
	return snap, nil
}

func (s *Store) localSnapshot(roomID string, rs *roomState, since int64) models.Snapshot {
	snap := models.Snapshot{
		RoomID:                roomID,
		ConsecutiveAgentTurns: rs.agentTurns,
		TotalMessages:         int64(len(rs.messages)),
		Messages:              []models.Message{},
	}
	if rs.lastHumanSeq > 0 {
		v := rs.lastHumanSeq
		snap.LastHumanSeq = &v
	}
	n := len(rs.messages)
	if n == 0 {
		return snap
	}
	seq := rs.messages[n-1].Seq
	snap.LastMsgSeq = &seq
	snap.Cursor = seq

	var slice []models.Message
	if since <= 0 {
		start := n - RecentLimit
		if start < 0 {
			start = 0
		}
		slice = rs.messages[start:]
	} else {
		i := sort.Search(n, func(i int) bool { return rs.messages[i].Seq > since })
		slice = rs.messages[i:]
	}
	snap.Messages = append(snap.Messages, slice...)
	return snap
}

// Recent returns up to n of the room's newest messages in seq order.
func (s *Store) Recent(ctx context.Context, roomID string, n int) ([]models.Message, error) {
	snap, err := s.GetSnapshot(ctx, roomID, 0)
	if err != nil {
		return nil, err
	}
	msgs := snap.Messages
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs, nil
}

// AttachResult reports the outcome of AttachUsage.
type AttachResult struct {
	Attached bool  `json:"attached"`
	Seq      int64 `json:"seq,omitempty"`
}

// AttachUsage attaches usage to the most recent chat message from agent that
// has none yet. It is the only mutation a stored message ever receives.
func (s *Store) AttachUsage(ctx context.Context, roomID, agent string, usage models.Usage) (AttachResult, error) {
	if err := room.Validate(roomID); err != nil {
		return AttachResult{}, err
	}

	rs := s.state(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if err := s.prepare(ctx, roomID, rs); err != nil {
		return AttachResult{}, err
	}
	if rs.degraded {
		for i := len(rs.messages) - 1; i >= 0; i-- {
			m := &rs.messages[i]
			if m.From == agent && m.IsChat() && m.Usage == nil {
				u := usage
				m.Usage = &u
				return AttachResult{Attached: true, Seq: m.Seq}, nil
			}
		}
		return AttachResult{}, nil
	}

	key := store.RoomMessagesKey(roomID)
	raws, err := s.kv.ZRevRangeByScore(ctx, key, store.ScoreRange{Count: RecentLimit})
	if err != nil {
		return AttachResult{}, err
	}
	for _, raw := range raws {
		m, ok := decode(raw)
		if !ok || m.From != agent || !m.IsChat() || m.Usage != nil {
			continue
		}
		u := usage
		m.Usage = &u
		data, err := json.Marshal(m)
		if err != nil {
			return AttachResult{}, err
		}
		err = s.kv.TxPipelined(ctx, func(p store.Pipe) {
			p.ZRem(key, raw)
			p.ZAdd(key, float64(m.Seq), string(data))
		})
		if err != nil {
			return AttachResult{}, err
		}
		return AttachResult{Attached: true, Seq: m.Seq}, nil
	}
	return AttachResult{}, nil
}

func decode(raw string) (models.Message, bool) {
	var m models.Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return m, false
	}
	return m, true
}

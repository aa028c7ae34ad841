package integrity

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/eldtechnologies/arena/internal/metrics"
	"github.com/eldtechnologies/arena/internal/models"
	"github.com/eldtechnologies/arena/internal/room"
	"github.com/eldtechnologies/arena/internal/store"
)

// Issue codes.
const (
	CodeMissingMeta          = "missing_meta"
	CodeRoomIDMismatch       = "room_id_mismatch"
	CodeSeqBehindMessages    = "seq_less_than_max_message"
	CodeAgentTurnsMismatch   = "agent_turns_mismatch"
	CodeLastHumanSeqMismatch = "last_human_seq_mismatch"
	CodeMissingDefaultRoom   = "missing_default_room"
	CodeInvalidMessageJSON   = "invalid_message_json"
)

// Checker recomputes room counters from the stored messages and compares them
// with the cached values. It reads the substrate's persisted layout directly.
type Checker struct {
	kv     store.KV
	roster *models.Roster
	now    func() time.Time
}

// NewChecker creates a checker.
func NewChecker(kv store.KV, roster *models.Roster) *Checker {
	return &Checker{kv: kv, roster: roster, now: time.Now}
}

type storedMessage struct {
	RoomID string `json:"roomId"`
	Seq    int64  `json:"seq"`
	From   string `json:"from"`
}

// Run audits every indexed room. The report is OK when no CRITICAL issue was found.
func (c *Checker) Run(ctx context.Context, runCtx map[string]string) (models.IntegrityReport, error) {
	ids, err := c.kv.SMembers(ctx, store.RoomsIndexKey)
	if err != nil {
		return models.IntegrityReport{}, err
	}
	sort.Strings(ids)

	report := models.IntegrityReport{
		ID:        ulid.Make().String(),
		CheckedAt: c.now().UTC(),
		Context:   runCtx,
		RoomCount: len(ids),
		Issues:    []models.IntegrityIssue{},
	}
	if report.Context == nil {
		report.Context = map[string]string{}
	}

	hasDefault := false
	for _, id := range ids {
		if id == room.DefaultID {
			hasDefault = true
		}
	}
	if !hasDefault {
		report.Issues = append(report.Issues, models.IntegrityIssue{Level: models.LevelCritical, Code: CodeMissingDefaultRoom})
	}

	for _, id := range ids {
		issues, count, err := c.inspect(ctx, id)
		if err != nil {
			return models.IntegrityReport{}, err
		}
		report.TotalMessages += count
		report.Issues = append(report.Issues, issues...)
	}

	report.OK = report.Criticals() == 0
	for _, is := range report.Issues {
		metrics.IntegrityIssues.WithLabelValues(is.Level, is.Code).Inc()
	}
	return report, nil
}

func (c *Checker) inspect(ctx context.Context, roomID string) ([]models.IntegrityIssue, int64, error) {
	var issues []models.IntegrityIssue
	add := func(level, code string, seq int64, stored, computed *int64) {
		issues = append(issues, models.IntegrityIssue{
			Level: level, Code: code, RoomID: roomID, Seq: seq, Stored: stored, Computed: computed,
		})
	}

	meta, err := c.kv.HGetAll(ctx, store.RoomMetaKey(roomID))
	if err != nil {
		return nil, 0, err
	}
	if len(meta) == 0 {
		add(models.LevelCritical, CodeMissingMeta, 0, nil, nil)
		return issues, 0, nil
	}

	vals, err := c.kv.MGet(ctx, store.RoomSeqKey(roomID), store.RoomAgentTurnsKey(roomID), store.RoomLastHumanSeqKey(roomID))
	if err != nil {
		return nil, 0, err
	}
	cachedSeq, _ := strconv.ParseInt(vals[0], 10, 64)
	cachedTurns, _ := strconv.ParseInt(vals[1], 10, 64)
	var cachedLastHuman *int64
	if v, err := strconv.ParseInt(vals[2], 10, 64); err == nil {
		cachedLastHuman = &v
	}

	raws, err := c.kv.ZRangeByScore(ctx, store.RoomMessagesKey(roomID), store.ScoreRange{Min: "-inf", Max: "+inf"})
	if err != nil {
		return nil, 0, err
	}

	msgs := make([]storedMessage, 0, len(raws))
	var maxSeq int64
	for _, raw := range raws {
		var m storedMessage
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			add(models.LevelCritical, CodeInvalidMessageJSON, 0, nil, nil)
			continue
		}
		msgs = append(msgs, m)
		if m.Seq > maxSeq {
			maxSeq = m.Seq
		}
		if m.RoomID != roomID {
			add(models.LevelCritical, CodeRoomIDMismatch, m.Seq, nil, nil)
		}
	}

	var trailing int64
	for i := len(msgs) - 1; i >= 0; i-- {
		if !c.roster.IsAgent(msgs[i].From) {
			break
		}
		trailing++
	}
	var lastHuman *int64
	for i := len(msgs) - 1; i >= 0; i-- {
		if !c.roster.IsAgent(msgs[i].From) {
			seq := msgs[i].Seq
			lastHuman = &seq
			break
		}
	}

	if maxSeq > cachedSeq {
		add(models.LevelCritical, CodeSeqBehindMessages, 0, ptr(cachedSeq), ptr(maxSeq))
	}
	if trailing != cachedTurns {
		add(models.LevelWarn, CodeAgentTurnsMismatch, 0, ptr(cachedTurns), ptr(trailing))
	}
	if !equalPtr(cachedLastHuman, lastHuman) {
		add(models.LevelWarn, CodeLastHumanSeqMismatch, 0, cachedLastHuman, lastHuman)
	}
	return issues, int64(len(raws)), nil
}

func ptr(v int64) *int64 { return &v }

func equalPtr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

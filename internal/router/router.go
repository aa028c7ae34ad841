package router

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/arena/internal/metrics"
	"github.com/eldtechnologies/arena/internal/models"
	"github.com/eldtechnologies/arena/internal/store"
)

const (
	DefaultMaxDepth  = 4
	DefaultDedupeTTL = 10 * time.Minute

	// DropDepthLimit is the reason reported for candidates past MaxDepth.
	DropDepthLimit = "depth_limit"

	depthMemory = 1024
)

var (
	cancelCommand = regexp.MustCompile(`(?i)^\s*(/cancel|/stop)\b`)
	cancelWord    = regexp.MustCompile(`(?i)^(停止|取消|stop|cancel)$`)
)

// IsCancel reports whether text asks to cancel the room's pending work.
func IsCancel(text string) bool {
	return cancelCommand.MatchString(text) || cancelWord.MatchString(strings.TrimSpace(text))
}

// Mentions returns the roster agents mentioned as @name, in order of first appearance.
func Mentions(text string, roster *models.Roster) []string {
	type hit struct {
		name string
		at   int
	}
	var hits []hit
	for _, name := range roster.Names() {
		if i := strings.Index(text, "@"+name); i >= 0 {
			hits = append(hits, hit{name, i})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].at < hits[j].at })
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.name
	}
	return out
}

// Config configures a Router.
type Config struct {
	Roster       *models.Roster
	DefaultAgent string
	MaxDepth     int
	DedupeTTL    time.Duration
}

// Drop is a routing candidate that was refused.
type Drop struct {
	Reason string `json:"reason"`
	RoomID string `json:"roomId"`
	Seq    int64  `json:"seq"`
	From   string `json:"from"`
	Target string `json:"target"`
	Depth  int    `json:"depth"`
}

// IngestResult summarizes one Ingest call.
type IngestResult struct {
	Added           []models.Task `json:"added"`
	Dropped         []Drop        `json:"dropped"`
	CancelRequested bool          `json:"cancelRequested"`
	CancelSeq       int64         `json:"cancelSeq,omitempty"`
	Queued          int           `json:"queued"`
}

// Stats is a point-in-time view of the router.
type Stats struct {
	Queued              int            `json:"queued"`
	QueuedByRoom        map[string]int `json:"queuedByRoom"`
	PendingDepthByAgent map[string]int `json:"pendingDepthByAgent"`
}

type seqKey struct {
	roomID string
	seq    int64
}

// Router turns appended messages into a bounded queue of agent tasks. Dedup
// goes through the substrate so that concurrent ingests of the same batch in
// different processes route each (message, target) pair at most once.
type Router struct {
	kv     store.KV
	cfg    Config
	logger zerolog.Logger

	mu           sync.Mutex
	queue        []models.Task
	pending      map[string]int
	messageDepth map[seqKey]int
	depthOrder   []seqKey
}

// New creates a router.
func New(kv store.KV, cfg Config, logger zerolog.Logger) *Router {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = DefaultDedupeTTL
	}
	return &Router{
		kv:           kv,
		cfg:          cfg,
		logger:       logger.With().Str("component", "router").Logger(),
		pending:      make(map[string]int),
		messageDepth: make(map[seqKey]int),
	}
}

// NoteAgentInvocation records the depth an agent is being invoked at, so the
// next message it posts inherits it.
func (r *Router) NoteAgentInvocation(agent string, depth int) {
	if depth < 1 {
		depth = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[agent] = depth
}

// NextTask pops the oldest queued task.
func (r *Router) NextTask() (models.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return models.Task{}, false
	}
	t := r.queue[0]
	r.queue = r.queue[1:]
	return t, true
}

// ClearQueue drops every queued task.
func (r *Router) ClearQueue() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = nil
}

// ClearRoom drops the room's queued tasks and returns how many were removed.
func (r *Router) ClearRoom(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clearRoomLocked(roomID)
}

func (r *Router) clearRoomLocked(roomID string) int {
	kept := r.queue[:0]
	removed := 0
	for _, t := range r.queue {
		if t.RoomID == roomID {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	r.queue = kept
	return removed
}

// Stats returns queue and depth bookkeeping.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{
		Queued:              len(r.queue),
		QueuedByRoom:        make(map[string]int),
		PendingDepthByAgent: make(map[string]int, len(r.pending)),
	}
	for _, t := range r.queue {
		st.QueuedByRoom[t.RoomID]++
	}
	for a, d := range r.pending {
		st.PendingDepthByAgent[a] = d
	}
	return st
}

// senderDepth returns the depth of the message's author. Caller holds mu.
func (r *Router) senderDepth(roomID string, msg models.Message, from models.Participant) int {
	if !from.IsAgent() {
		return 0
	}
	k := seqKey{roomID, msg.Seq}
	if d, ok := r.messageDepth[k]; ok {
		return d
	}
	d := 1
	if p, ok := r.pending[from.Name]; ok {
		d = p
		delete(r.pending, from.Name)
	}
	r.messageDepth[k] = d
	r.depthOrder = append(r.depthOrder, k)
	if len(r.depthOrder) > depthMemory {
		delete(r.messageDepth, r.depthOrder[0])
		r.depthOrder = r.depthOrder[1:]
	}
	return d
}

// Ingest routes a batch of messages from one room. A human cancel drops the
// room's queued tasks and sets CancelRequested and CancelSeq; aborting
// in-flight work is the caller's job.
func (r *Router) Ingest(ctx context.Context, roomID string, msgs []models.Message) (IngestResult, error) {
	res := IngestResult{Added: []models.Task{}, Dropped: []Drop{}}

	for _, msg := range msgs {
		if !msg.IsChat() {
			continue
		}
		text := strings.TrimSpace(msg.Content)
		if text == "" {
			continue
		}
		from := r.cfg.Roster.Classify(msg.From)

		if !from.IsAgent() && IsCancel(text) {
			r.mu.Lock()
			n := r.clearRoomLocked(roomID)
			r.mu.Unlock()
			res.CancelRequested = true
			res.CancelSeq = msg.Seq
			r.logger.Info().Str("room_id", roomID).Int64("seq", msg.Seq).Int("cleared", n).Msg("cancel requested")
			continue
		}

		r.mu.Lock()
		depth := r.senderDepth(roomID, msg, from) + 1
		r.mu.Unlock()

		targets := Mentions(text, r.cfg.Roster)
		if len(targets) == 0 && !from.IsAgent() && r.cfg.DefaultAgent != "" {
			targets = []string{r.cfg.DefaultAgent}
		}

		for _, target := range targets {
			if target == from.Name {
				continue
			}

			first, err := r.kv.SetNX(ctx, store.RouteDedupeKey(roomID, msg.Seq, msg.From, target), "1", r.cfg.DedupeTTL)
			if err != nil {
				res.Queued = r.queued()
				return res, err
			}
			if !first {
				continue
			}

			if depth > r.cfg.MaxDepth {
				drop := Drop{Reason: DropDepthLimit, RoomID: roomID, Seq: msg.Seq, From: msg.From, Target: target, Depth: depth}
				res.Dropped = append(res.Dropped, drop)
				metrics.TasksDropped.WithLabelValues(DropDepthLimit).Inc()
				r.logger.Warn().
					Str("room_id", roomID).
					Int64("seq", msg.Seq).
					Str("from", msg.From).
					Str("target", target).
					Int("depth", depth).
					Msg("routing dropped at depth limit")
				continue
			}

			task := models.Task{
				ID:         ulid.Make().String(),
				RoomID:     roomID,
				Target:     target,
				SourceSeq:  msg.Seq,
				SourceFrom: msg.From,
				SourceText: text,
				Depth:      depth,
			}
			r.mu.Lock()
			r.queue = append(r.queue, task)
			r.mu.Unlock()
			res.Added = append(res.Added, task)
			metrics.TasksRouted.Inc()
		}
	}

	res.Queued = r.queued()
	return res, nil
}

func (r *Router) queued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

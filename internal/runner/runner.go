package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/arena/internal/lock"
	"github.com/eldtechnologies/arena/internal/models"
	"github.com/eldtechnologies/arena/internal/router"
	"github.com/eldtechnologies/arena/internal/store"
)

// ErrCanceled is the cause attached to an invocation aborted by a human cancel.
var ErrCanceled = errors.New("invoke_canceled")

const (
	DefaultPollInterval    = 5 * time.Second
	DefaultMaxTasksPerPoll = 2
	DefaultMaxAgentTurns   = 3
	MaxPollBackoff         = 60 * time.Second
	RouteStateTTL          = 180 * time.Second
	maxLastDropped         = 5
)

// SnapshotSource fetches a room snapshot. The arena HTTP client implements it.
type SnapshotSource interface {
	Snapshot(ctx context.Context, roomID string, since int64) (models.Snapshot, error)
}

// Invoker runs one agent task. It must return promptly once ctx is done.
type Invoker interface {
	Invoke(ctx context.Context, task models.Task, snap models.Snapshot) error
}

// Config controls a runner.
type Config struct {
	RoomID          string
	Owner           string
	LockTTL         time.Duration
	PollInterval    time.Duration
	MaxTasksPerPoll int
	MaxAgentTurns   int
	MaxDepth        int
}

// RouteState is the runner's published view for dashboards.
type RouteState struct {
	RoomID      string        `json:"roomId"`
	TS          time.Time     `json:"ts"`
	Queued      int           `json:"queued"`
	MaxDepth    int           `json:"maxDepth"`
	ActiveTask  *models.Task  `json:"activeTask"`
	LastDropped []router.Drop `json:"lastDropped"`
}

// Runner is the single invoker of agents for one room. It holds the room's
// lease for as long as it runs and stops as soon as the lease is lost.
type Runner struct {
	kv      store.KV
	locker  *lock.Locker
	router  *router.Router
	source  SnapshotSource
	invoker Invoker
	roster  *models.Roster
	cfg     Config
	logger  zerolog.Logger

	wake      chan struct{}
	batchDone chan struct{}

	mu          sync.Mutex
	cursor      *int64
	active      *models.Task
	abort       context.CancelCauseFunc
	cancelSeq   int64
	batching    bool
	lastDropped []router.Drop
	wg          sync.WaitGroup
}

// New creates a runner.
func New(kv store.KV, rt *router.Router, roster *models.Roster, src SnapshotSource, inv Invoker, cfg Config, logger zerolog.Logger) *Runner {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = lock.DefaultTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxTasksPerPoll <= 0 {
		cfg.MaxTasksPerPoll = DefaultMaxTasksPerPoll
	}
	if cfg.MaxAgentTurns <= 0 {
		cfg.MaxAgentTurns = DefaultMaxAgentTurns
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = router.DefaultMaxDepth
	}
	return &Runner{
		kv:        kv,
		locker:    lock.New(kv, logger),
		router:    rt,
		source:    src,
		invoker:   inv,
		roster:    roster,
		cfg:       cfg,
		logger:    logger.With().Str("component", "runner").Str("room_id", cfg.RoomID).Logger(),
		wake:      make(chan struct{}, 1),
		batchDone: make(chan struct{}, 1),
	}
}

// Wake triggers an early poll.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run acquires the room lease and polls until ctx is done or the lease is
// lost. It returns lock.ErrLockBusy when another runner holds the room and
// lock.ErrLeaseLost when renewal fails.
func (r *Runner) Run(ctx context.Context) error {
	lk, err := r.locker.Acquire(ctx, r.cfg.RoomID, r.cfg.Owner, r.cfg.LockTTL)
	if err != nil {
		return err
	}
	leaseCtx, stop := r.locker.Keep(ctx, lk, r.cfg.LockTTL/3)
	r.logger.Info().Str("owner", r.cfg.Owner).Dur("poll", r.cfg.PollInterval).Msg("runner started")

	r.loop(leaseCtx)

	r.abortActive(context.Cause(leaseCtx))
	r.wg.Wait()

	lost := errors.Is(context.Cause(leaseCtx), lock.ErrLeaseLost)
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stop(releaseCtx); err != nil {
		r.logger.Warn().Err(err).Msg("release lease failed")
	}
	if lost {
		return lock.ErrLeaseLost
	}
	r.logger.Info().Msg("runner stopped")
	return nil
}

func (r *Runner) loop(ctx context.Context) {
	errs := 0
	for {
		wait := r.cfg.PollInterval
		if err := r.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			errs++
			wait = backoff(r.cfg.PollInterval, errs)
			r.logger.Error().Err(err).Int("errors", errs).Dur("backoff", wait).Msg("poll failed")
		} else {
			errs = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.wake:
		case <-r.batchDone:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func backoff(base time.Duration, errs int) time.Duration {
	d := base
	for i := 0; i < errs && d < MaxPollBackoff; i++ {
		d *= 2
	}
	if d > MaxPollBackoff {
		d = MaxPollBackoff
	}
	return d
}

// PollOnce fetches new messages, routes them and starts a batch of tasks if
// none is running. The first poll only records the cursor.
func (r *Runner) PollOnce(ctx context.Context) error {
	r.mu.Lock()
	var since int64
	first := r.cursor == nil
	if !first {
		since = *r.cursor
	}
	r.mu.Unlock()

	snap, err := r.source.Snapshot(ctx, r.cfg.RoomID, since)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	r.mu.Lock()
	cursor := snap.Cursor
	r.cursor = &cursor
	r.mu.Unlock()
	if first {
		r.logger.Info().Int64("cursor", cursor).Msg("cursor initialized")
		return nil
	}

	if cursor != since {
		res, err := r.router.Ingest(ctx, r.cfg.RoomID, snap.Messages)
		if err != nil {
			return fmt.Errorf("route: %w", err)
		}
		if res.CancelRequested {
			r.cancelBefore(res.CancelSeq)
		}
		if len(res.Dropped) > 0 {
			r.mu.Lock()
			for _, d := range res.Dropped {
				r.lastDropped = append([]router.Drop{d}, r.lastDropped...)
			}
			if len(r.lastDropped) > maxLastDropped {
				r.lastDropped = r.lastDropped[:maxLastDropped]
			}
			r.mu.Unlock()
		}
	}

	r.startBatch(ctx, snap)
	r.publish(ctx)
	return nil
}

func (r *Runner) startBatch(ctx context.Context, snap models.Snapshot) {
	r.mu.Lock()
	if r.batching || r.router.Stats().QueuedByRoom[r.cfg.RoomID] == 0 {
		r.mu.Unlock()
		return
	}
	r.batching = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runBatch(ctx, snap)
		r.mu.Lock()
		r.batching = false
		r.mu.Unlock()
		select {
		case r.batchDone <- struct{}{}:
		default:
		}
	}()
}

func (r *Runner) runBatch(ctx context.Context, snap models.Snapshot) {
	processed := 0
	for processed < r.cfg.MaxTasksPerPoll && ctx.Err() == nil {
		task, ok := r.router.NextTask()
		if !ok {
			return
		}
		if snap.ConsecutiveAgentTurns >= int64(r.cfg.MaxAgentTurns) && r.roster.IsAgent(task.SourceFrom) {
			r.logger.Info().
				Str("target", task.Target).
				Str("source", task.SourceFrom).
				Int64("turns", snap.ConsecutiveAgentTurns).
				Msg("skipping task at agent turn cap")
			continue
		}

		err := r.invoke(ctx, task, snap)
		processed++
		switch {
		case errors.Is(err, ErrCanceled):
			r.logger.Info().Str("target", task.Target).Msg("invocation canceled")
			return
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			r.logger.Error().Err(err).Str("target", task.Target).Int("depth", task.Depth).Msg("invocation failed")
		}
	}
}

func (r *Runner) invoke(ctx context.Context, task models.Task, snap models.Snapshot) error {
	invokeCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	r.mu.Lock()
	if task.SourceSeq < r.cancelSeq {
		// Popped before a cancel that landed ahead of this point.
		r.mu.Unlock()
		return ErrCanceled
	}
	r.active = &task
	r.abort = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.active = nil
		r.abort = nil
		r.mu.Unlock()
	}()

	r.router.NoteAgentInvocation(task.Target, task.Depth)
	r.publish(ctx)
	r.logger.Info().
		Str("task_id", task.ID).
		Str("target", task.Target).
		Int("depth", task.Depth).
		Str("source", fmt.Sprintf("%s#%d", task.SourceFrom, task.SourceSeq)).
		Msg("invoking agent")

	err := r.invoker.Invoke(invokeCtx, task, snap)
	if err != nil && errors.Is(context.Cause(invokeCtx), ErrCanceled) {
		return ErrCanceled
	}
	return err
}

// cancelBefore aborts the in-flight task if it was triggered by a message
// older than seq, and marks any task of that age popped but not yet started.
func (r *Runner) cancelBefore(seq int64) {
	r.mu.Lock()
	if seq > r.cancelSeq {
		r.cancelSeq = seq
	}
	var abort context.CancelCauseFunc
	if r.active != nil && r.active.SourceSeq < seq {
		abort = r.abort
	}
	r.mu.Unlock()
	if abort != nil {
		abort(ErrCanceled)
	}
}

func (r *Runner) abortActive(cause error) {
	r.mu.Lock()
	abort := r.abort
	r.mu.Unlock()
	if abort != nil {
		abort(cause)
	}
}

// State returns the current route state.
func (r *Runner) State() RouteState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RouteState{
		RoomID:      r.cfg.RoomID,
		TS:          time.Now().UTC(),
		Queued:      r.router.Stats().QueuedByRoom[r.cfg.RoomID],
		MaxDepth:    r.cfg.MaxDepth,
		LastDropped: append([]router.Drop{}, r.lastDropped...),
	}
	if r.active != nil {
		t := *r.active
		st.ActiveTask = &t
	}
	return st
}

func (r *Runner) publish(ctx context.Context) {
	data, err := json.Marshal(r.State())
	if err != nil {
		return
	}
	if err := r.kv.Set(ctx, store.RouteStateKey(r.cfg.RoomID), string(data), RouteStateTTL); err != nil {
		r.logger.Warn().Err(err).Msg("publish route state failed")
	}
}

// ReadRouteState returns the last published route state for a room.
func ReadRouteState(ctx context.Context, kv store.KV, roomID string) (*RouteState, error) {
	raw, found, err := kv.Get(ctx, store.RouteStateKey(roomID))
	if err != nil || !found {
		return nil, err
	}
	var st RouteState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, nil
	}
	return &st, nil
}

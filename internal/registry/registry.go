package registry

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/arena/internal/store"
)

const (
	// InstanceTTL is how long a registration survives without a heartbeat.
	InstanceTTL = 120 * time.Second
	// HeartbeatInterval is how often a running instance refreshes itself.
	HeartbeatInterval = 30 * time.Second
)

// Instance describes one server process.
type Instance struct {
	InstanceID  string `json:"instanceId"`
	RuntimeEnv  string `json:"runtimeEnv"`
	Port        int    `json:"port"`
	PID         int    `json:"pid"`
	RoomID      string `json:"roomId"`
	Status      string `json:"status"`
	StartedAt   string `json:"startedAt,omitempty"`
	HeartbeatAt string `json:"heartbeatAt,omitempty"`
	StoppedAt   string `json:"stoppedAt,omitempty"`
}

// Registry publishes this process in the substrate so operators can see
// which instances are serving. Failures are logged and never fatal.
type Registry struct {
	kv     store.KV
	self   Instance
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a registry entry for self.
func New(kv store.KV, self Instance, logger zerolog.Logger) *Registry {
	return &Registry{
		kv:     kv,
		self:   self,
		logger: logger.With().Str("component", "registry").Logger(),
		now:    time.Now,
	}
}

func (r *Registry) stamp() string {
	return r.now().UTC().Format(time.RFC3339)
}

// Register writes the instance hash and adds it to the instance set.
func (r *Registry) Register(ctx context.Context) {
	key := store.RuntimeInstanceKey(r.self.InstanceID)
	now := r.stamp()
	err := r.kv.HSet(ctx, key, map[string]string{
		"instanceId":  r.self.InstanceID,
		"runtimeEnv":  r.self.RuntimeEnv,
		"port":        strconv.Itoa(r.self.Port),
		"pid":         strconv.Itoa(r.self.PID),
		"roomId":      r.self.RoomID,
		"status":      "running",
		"startedAt":   now,
		"heartbeatAt": now,
	})
	if err == nil {
		_, err = r.kv.Expire(ctx, key, InstanceTTL)
	}
	if err == nil {
		_, err = r.kv.SAdd(ctx, store.RuntimeInstancesKey, r.self.InstanceID)
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("instance_id", r.self.InstanceID).Msg("instance registration failed")
	}
}

// Heartbeat refreshes the instance's status and TTL.
func (r *Registry) Heartbeat(ctx context.Context) {
	key := store.RuntimeInstanceKey(r.self.InstanceID)
	err := r.kv.HSet(ctx, key, map[string]string{"heartbeatAt": r.stamp(), "status": "running"})
	if err == nil {
		_, err = r.kv.Expire(ctx, key, InstanceTTL)
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("instance_id", r.self.InstanceID).Msg("instance heartbeat failed")
	}
}

// Stop marks the instance stopped.
func (r *Registry) Stop(ctx context.Context) {
	err := r.kv.HSet(ctx, store.RuntimeInstanceKey(r.self.InstanceID), map[string]string{
		"status":    "stopped",
		"stoppedAt": r.stamp(),
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("instance_id", r.self.InstanceID).Msg("instance stop failed")
	}
}

// Run registers, heartbeats until ctx is done, then marks the instance stopped.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = HeartbeatInterval
	}
	r.Register(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			r.Stop(stopCtx)
			cancel()
			return
		case <-ticker.C:
			r.Heartbeat(ctx)
		}
	}
}

// List returns the registered instances whose hashes are still live.
func (r *Registry) List(ctx context.Context) ([]Instance, error) {
	ids, err := r.kv.SMembers(ctx, store.RuntimeInstancesKey)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]Instance, 0, len(ids))
	for _, id := range ids {
		h, err := r.kv.HGetAll(ctx, store.RuntimeInstanceKey(id))
		if err != nil {
			return nil, err
		}
		if len(h) == 0 {
			continue
		}
		port, _ := strconv.Atoi(h["port"])
		pid, _ := strconv.Atoi(h["pid"])
		out = append(out, Instance{
			InstanceID:  id,
			RuntimeEnv:  h["runtimeEnv"],
			Port:        port,
			PID:         pid,
			RoomID:      h["roomId"],
			Status:      h["status"],
			StartedAt:   h["startedAt"],
			HeartbeatAt: h["heartbeatAt"],
			StoppedAt:   h["stoppedAt"],
		})
	}
	return out, nil
}

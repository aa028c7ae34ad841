package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/arena/internal/store"
)

var ErrMissingAlertID = errors.New("missing_alert_id")

// MaxAlerts is how many alerts are retained, newest first.
const MaxAlerts = 500

// Alert levels.
const (
	LevelCritical = "CRITICAL"
	LevelWarn     = "WARN"
	LevelInfo     = "INFO"
)

// Alert is an operator-facing event.
type Alert struct {
	ID     string         `json:"id"`
	TS     time.Time      `json:"ts"`
	Level  string         `json:"level"`
	Event  string         `json:"event"`
	Detail map[string]any `json:"detail,omitempty"`
	Acked  bool           `json:"acked"`
}

// Center stores alerts in a capped substrate list plus an acknowledged-ID set.
type Center struct {
	kv     store.KV
	logger zerolog.Logger
	now    func() time.Time
}

// NewCenter creates an alert center.
func NewCenter(kv store.KV, logger zerolog.Logger) *Center {
	return &Center{
		kv:     kv,
		logger: logger.With().Str("component", "alerts").Logger(),
		now:    time.Now,
	}
}

// Push records an alert and trims the list to MaxAlerts.
func (c *Center) Push(ctx context.Context, level, event string, detail map[string]any) (Alert, error) {
	level = strings.ToUpper(strings.TrimSpace(level))
	if level == "" {
		level = LevelWarn
	}
	if event == "" {
		event = "unknown"
	}
	a := Alert{
		ID:     ulid.Make().String(),
		TS:     c.now().UTC(),
		Level:  level,
		Event:  event,
		Detail: detail,
	}
	data, err := json.Marshal(a)
	if err != nil {
		return Alert{}, err
	}
	if _, err := c.kv.LPush(ctx, store.AlertsKey, string(data)); err != nil {
		return Alert{}, err
	}
	if err := c.kv.LTrim(ctx, store.AlertsKey, 0, MaxAlerts-1); err != nil {
		return Alert{}, err
	}
	if err := c.pruneAcked(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("prune acked alerts failed")
	}

	c.logger.Info().Str("level", a.Level).Str("event", a.Event).Str("alert_id", a.ID).Msg("alert pushed")
	return a, nil
}

// pruneAcked drops acknowledgements for alerts that fell off the list.
func (c *Center) pruneAcked(ctx context.Context) error {
	raws, err := c.kv.LRange(ctx, store.AlertsKey, 0, MaxAlerts-1)
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(raws))
	for _, raw := range raws {
		var a Alert
		if json.Unmarshal([]byte(raw), &a) == nil {
			keep[a.ID] = true
		}
	}
	acked, err := c.kv.SMembers(ctx, store.AlertsAckedKey)
	if err != nil {
		return err
	}
	var stale []string
	for _, id := range acked {
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		_, err = c.kv.SRem(ctx, store.AlertsAckedKey, stale...)
	}
	return err
}

// List returns up to limit alerts, newest first.
func (c *Center) List(ctx context.Context, limit int) ([]Alert, error) {
	if limit <= 0 || limit > MaxAlerts {
		limit = 100
	}
	raws, err := c.kv.LRange(ctx, store.AlertsKey, 0, int64(limit-1))
	if err != nil {
		return nil, err
	}
	acked, err := c.kv.SMembers(ctx, store.AlertsAckedKey)
	if err != nil {
		return nil, err
	}
	ackSet := make(map[string]bool, len(acked))
	for _, id := range acked {
		ackSet[id] = true
	}

	out := make([]Alert, 0, len(raws))
	for _, raw := range raws {
		var a Alert
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			continue
		}
		a.Acked = ackSet[a.ID]
		out = append(out, a)
	}
	return out, nil
}

// Ack marks an alert as acknowledged.
func (c *Center) Ack(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrMissingAlertID
	}
	_, err := c.kv.SAdd(ctx, store.AlertsAckedKey, id)
	return err
}

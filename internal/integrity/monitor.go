package integrity

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/arena/internal/alerts"
	"github.com/eldtechnologies/arena/internal/models"
	"github.com/eldtechnologies/arena/internal/store"
)

// Alert events pushed by the monitor.
const (
	EventCheckFailed  = "integrity_check_failed"
	EventCheckWarning = "integrity_check_warning"
	EventCheckError   = "integrity_check_error"
)

// Monitor runs the checker on demand and on an interval, keeps the latest
// report in the substrate, archives reports and raises alerts. It never
// blocks traffic.
type Monitor struct {
	checker *Checker
	kv      store.KV
	alerts  *alerts.Center
	archive store.ReportStore
	logger  zerolog.Logger
}

// NewMonitor creates a monitor. archive may be nil.
func NewMonitor(checker *Checker, kv store.KV, center *alerts.Center, archive store.ReportStore, logger zerolog.Logger) *Monitor {
	return &Monitor{
		checker: checker,
		kv:      kv,
		alerts:  center,
		archive: archive,
		logger:  logger.With().Str("component", "integrity").Logger(),
	}
}

// Check runs one audit and records it.
func (m *Monitor) Check(ctx context.Context, reason string) (models.IntegrityReport, error) {
	report, err := m.checker.Run(ctx, map[string]string{"reason": reason})
	if err != nil {
		m.logger.Error().Err(err).Str("reason", reason).Msg("integrity check could not run")
		m.push(ctx, alerts.LevelWarn, EventCheckError, map[string]any{"reason": reason, "error": err.Error()})
		return report, err
	}

	if data, err := json.Marshal(report); err == nil {
		if err := m.kv.Set(ctx, store.IntegrityLastKey, string(data), 0); err != nil {
			m.logger.Warn().Err(err).Msg("store last integrity report failed")
		}
	}
	if m.archive != nil {
		if err := m.archive.SaveReport(ctx, report); err != nil {
			m.logger.Warn().Err(err).Str("report_id", report.ID).Msg("archive integrity report failed")
		}
	}

	detail := map[string]any{
		"reason":    reason,
		"reportId":  report.ID,
		"roomCount": report.RoomCount,
		"issues":    report.Issues,
	}
	switch {
	case !report.OK:
		m.logger.Error().Str("reason", reason).Int("criticals", report.Criticals()).Msg("integrity check failed")
		m.push(ctx, alerts.LevelCritical, EventCheckFailed, detail)
	case len(report.Issues) > 0:
		m.logger.Warn().Str("reason", reason).Int("issues", len(report.Issues)).Msg("integrity check warnings")
		m.push(ctx, alerts.LevelWarn, EventCheckWarning, detail)
	default:
		m.logger.Info().Str("reason", reason).Int("rooms", report.RoomCount).Int64("messages", report.TotalMessages).Msg("integrity check ok")
	}
	return report, nil
}

func (m *Monitor) push(ctx context.Context, level, event string, detail map[string]any) {
	if m.alerts == nil {
		return
	}
	if _, err := m.alerts.Push(ctx, level, event, detail); err != nil {
		m.logger.Warn().Err(err).Str("event", event).Msg("push alert failed")
	}
}

// Last returns the most recent stored report, if any.
func (m *Monitor) Last(ctx context.Context) (*models.IntegrityReport, error) {
	raw, found, err := m.kv.Get(ctx, store.IntegrityLastKey)
	if err != nil || !found {
		return nil, err
	}
	var report models.IntegrityReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, nil
	}
	return &report, nil
}

// Run checks every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx, "periodic")
		}
	}
}

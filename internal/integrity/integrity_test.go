package integrity

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/arena/internal/alerts"
	"github.com/eldtechnologies/arena/internal/messages"
	"github.com/eldtechnologies/arena/internal/models"
	"github.com/eldtechnologies/arena/internal/room"
	"github.com/eldtechnologies/arena/internal/store"
	"github.com/eldtechnologies/arena/internal/store/storetest"
)

func setup(t *testing.T) (*store.MemoryStore, *messages.Store, *models.Roster) {
	t.Helper()
	kv := storetest.New(t)
	roster := models.NewRoster("清风", "明月")
	msgs := messages.New(kv, roster, zerolog.Nop(), messages.Options{})
	ctx := context.Background()
	if err := msgs.EnsureRoom(ctx, room.DefaultID, models.RoomMeta{Title: "Default"}); err != nil {
		t.Fatalf("ensure default: %v", err)
	}
	posts := []messages.Post{
		{From: models.Human("镇元子"), Content: "@清风 review"},
		{From: models.Agent("清风"), Content: "done"},
		{From: models.Agent("明月"), Content: "agreed"},
	}
	for _, p := range posts {
		if _, err := msgs.AddMessage(ctx, room.DefaultID, p); err != nil {
			t.Fatalf("add message: %v", err)
		}
	}
	return kv, msgs, roster
}

func hasIssue(r models.IntegrityReport, code string) *models.IntegrityIssue {
	for i := range r.Issues {
		if r.Issues[i].Code == code {
			return &r.Issues[i]
		}
	}
	return nil
}

func TestCheckerHealthyRoom(t *testing.T) {
	kv, _, roster := setup(t)

	report, err := NewChecker(kv, roster).Run(context.Background(), map[string]string{"reason": "test"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.OK || len(report.Issues) != 0 {
		t.Fatalf("expected clean report, got %+v", report.Issues)
	}
	if report.RoomCount != 1 || report.TotalMessages != 3 {
		t.Fatalf("expected 1 room / 3 messages, got %d / %d", report.RoomCount, report.TotalMessages)
	}
	if report.ID == "" || report.Context["reason"] != "test" {
		t.Fatalf("report identity not set: %+v", report)
	}
}

func TestCheckerSeqBehindMessages(t *testing.T) {
	kv, _, roster := setup(t)
	ctx := context.Background()

	if err := kv.Set(ctx, store.RoomSeqKey(room.DefaultID), "1", 0); err != nil {
		t.Fatalf("corrupt seq: %v", err)
	}

	report, err := NewChecker(kv, roster).Run(ctx, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.OK {
		t.Fatal("expected report to fail")
	}
	is := hasIssue(report, CodeSeqBehindMessages)
	if is == nil {
		t.Fatalf("expected %s, got %+v", CodeSeqBehindMessages, report.Issues)
	}
	if is.Level != models.LevelCritical || *is.Stored != 1 || *is.Computed != 3 {
		t.Fatalf("unexpected issue: %+v", is)
	}
}

func TestCheckerCounterMismatchIsWarning(t *testing.T) {
	kv, _, roster := setup(t)
	ctx := context.Background()

	kv.Set(ctx, store.RoomAgentTurnsKey(room.DefaultID), "0", 0)
	kv.Del(ctx, store.RoomLastHumanSeqKey(room.DefaultID))

	report, err := NewChecker(kv, roster).Run(ctx, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.OK {
		t.Fatalf("warnings must not fail the report: %+v", report.Issues)
	}
	turns := hasIssue(report, CodeAgentTurnsMismatch)
	if turns == nil || turns.Level != models.LevelWarn || *turns.Computed != 2 {
		t.Fatalf("expected agent turns warning, got %+v", report.Issues)
	}
	human := hasIssue(report, CodeLastHumanSeqMismatch)
	if human == nil || human.Stored != nil || *human.Computed != 1 {
		t.Fatalf("expected last human seq warning, got %+v", report.Issues)
	}
}

func TestCheckerStructuralIssues(t *testing.T) {
	kv, _, roster := setup(t)
	ctx := context.Background()

	kv.ZAdd(ctx, store.RoomMessagesKey(room.DefaultID), 4, "{not json")
	kv.ZAdd(ctx, store.RoomMessagesKey(room.DefaultID), 5, `{"roomId":"other","seq":5,"from":"镇元子"}`)
	kv.Set(ctx, store.RoomSeqKey(room.DefaultID), "5", 0)
	kv.SAdd(ctx, store.RoomsIndexKey, "ghost")

	report, err := NewChecker(kv, roster).Run(ctx, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, code := range []string{CodeInvalidMessageJSON, CodeRoomIDMismatch, CodeMissingMeta} {
		if is := hasIssue(report, code); is == nil || is.Level != models.LevelCritical {
			t.Fatalf("expected critical %s, got %+v", code, report.Issues)
		}
	}
	if hasIssue(report, CodeMissingMeta).RoomID != "ghost" {
		t.Fatal("missing_meta should name the ghost room")
	}
}

func TestCheckerMissingDefaultRoom(t *testing.T) {
	kv := storetest.New(t)
	report, err := NewChecker(kv, models.NewRoster("清风")).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.OK || hasIssue(report, CodeMissingDefaultRoom) == nil {
		t.Fatalf("expected missing default room, got %+v", report)
	}
}

func TestCheckerSurfacesOutage(t *testing.T) {
	kv, _, roster := setup(t)
	kv.SetAvailable(false)
	if _, err := NewChecker(kv, roster).Run(context.Background(), nil); err == nil {
		t.Fatal("expected error while substrate is down")
	}
}

type memArchive struct {
	reports []models.IntegrityReport
}

func (a *memArchive) Close()                         {}
func (a *memArchive) Ping(ctx context.Context) error { return nil }
func (a *memArchive) SaveReport(ctx context.Context, r models.IntegrityReport) error {
	a.reports = append(a.reports, r)
	return nil
}
func (a *memArchive) RecentReports(ctx context.Context, limit int) ([]models.IntegrityReport, error) {
	return a.reports, nil
}

func TestMonitorRecordsAndAlerts(t *testing.T) {
	kv, _, roster := setup(t)
	ctx := context.Background()
	center := alerts.NewCenter(kv, zerolog.Nop())
	archive := &memArchive{}
	mon := NewMonitor(NewChecker(kv, roster), kv, center, archive, zerolog.Nop())

	report, err := mon.Check(ctx, "startup")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !report.OK {
		t.Fatalf("expected ok report: %+v", report.Issues)
	}
	if list, _ := center.List(ctx, 10); len(list) != 0 {
		t.Fatalf("clean check should not alert, got %d", len(list))
	}

	kv.Set(ctx, store.RoomSeqKey(room.DefaultID), "0", 0)
	report, err = mon.Check(ctx, "manual")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if report.OK {
		t.Fatal("expected failed report")
	}

	last, err := mon.Last(ctx)
	if err != nil || last == nil {
		t.Fatalf("last report: %v %v", last, err)
	}
	if last.ID != report.ID || last.Context["reason"] != "manual" {
		t.Fatalf("last report mismatch: %+v", last)
	}
	if len(archive.reports) != 2 {
		t.Fatalf("expected 2 archived reports, got %d", len(archive.reports))
	}

	list, err := center.List(ctx, 10)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(list) != 1 || list[0].Event != EventCheckFailed || list[0].Level != alerts.LevelCritical {
		t.Fatalf("expected one critical alert, got %+v", list)
	}
}

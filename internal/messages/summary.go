package messages

import (
	"context"
	"regexp"

	"github.com/eldtechnologies/arena/internal/models"
)

const (
	summaryRecent     = 4
	summaryHighlights = 4
	summaryFiles      = 8
	clipRecent        = 180
	clipHighlight     = 150
)

var (
	highlightPattern = regexp.MustCompile(`(?i)P[123]|修复|失败|通过|blocked|error|下一步|next action`)
	filePattern      = regexp.MustCompile(`\b[\w./-]+\.(js|ts|tsx|jsx|json|md|yml|yaml|sh|go)\b`)
)

// SummarizedSnapshot returns a compacted snapshot: the last few messages
// clipped for prompt use, plus highlight lines matching priority and status
// keywords anywhere in the snapshot window.
func (s *Store) SummarizedSnapshot(ctx context.Context, roomID string, since int64) (models.SnapshotSummary, error) {
	snap, err := s.GetSnapshot(ctx, roomID, since)
	if err != nil {
		return models.SnapshotSummary{}, err
	}
	return Summarize(snap, s.roster), nil
}

// Summarize compacts a snapshot.
func Summarize(snap models.Snapshot, roster *models.Roster) models.SnapshotSummary {
	all := snap.Messages
	sum := models.SnapshotSummary{
		Snapshot:   snap,
		Highlights: []models.Message{},
		Files:      []string{},
	}

	recent := all
	if len(recent) > summaryRecent {
		recent = recent[len(recent)-summaryRecent:]
	}
	sum.Messages = make([]models.Message, len(recent))
	for i, m := range recent {
		m.Content = clip(m.Content, clipRecent)
		sum.Messages[i] = m
	}

	for i := len(all) - 1; i >= 0; i-- {
		if !roster.IsAgent(all[i].From) {
			sum.CurrentGoal = clip(all[i].Content, clipRecent)
			break
		}
	}

	var highlights []models.Message
	seen := make(map[string]bool)
	for _, m := range all {
		if highlightPattern.MatchString(m.Content) {
			m.Content = clip(m.Content, clipHighlight)
			highlights = append(highlights, m)
		}
		for _, f := range filePattern.FindAllString(m.Content, -1) {
			if !seen[f] && len(sum.Files) < summaryFiles {
				seen[f] = true
				sum.Files = append(sum.Files, f)
			}
		}
	}
	if len(highlights) > summaryHighlights {
		highlights = highlights[len(highlights)-summaryHighlights:]
	}
	sum.Highlights = append(sum.Highlights, highlights...)
	return sum
}

func clip(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}

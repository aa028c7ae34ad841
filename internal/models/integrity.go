package models

import "time"

// Issue levels.
const (
	LevelCritical = "CRITICAL"
	LevelWarn     = "WARN"
)

// IntegrityIssue is a single inconsistency found by the integrity checker.
type IntegrityIssue struct {
	Level    string `json:"level"`
	Code     string `json:"code"`
	RoomID   string `json:"roomId,omitempty"`
	Seq      int64  `json:"seq,omitempty"`
	Stored   *int64 `json:"stored,omitempty"`
	Computed *int64 `json:"computed,omitempty"`
}

// IntegrityReport is the result of one integrity run.
type IntegrityReport struct {
	ID            string            `json:"id"`
	CheckedAt     time.Time         `json:"checkedAt"`
	Context       map[string]string `json:"context"`
	RoomCount     int               `json:"roomCount"`
	TotalMessages int64             `json:"totalMessages"`
	Issues        []IntegrityIssue  `json:"issues"`
	OK            bool              `json:"ok"`
}

// Criticals returns the number of CRITICAL issues.
func (r IntegrityReport) Criticals() int {
	n := 0
	for _, i := range r.Issues {
		if i.Level == LevelCritical {
			n++
		}
	}
	return n
}

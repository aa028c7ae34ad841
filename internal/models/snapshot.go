package models

// Snapshot bundles a room's cursor, derived counters and a message slice
// read together, so callers never see counters from one read and messages
// from another.
type Snapshot struct {
	RoomID                string    `json:"roomId"`
	Cursor                int64     `json:"cursor"`
	ConsecutiveAgentTurns int64     `json:"consecutiveAgentTurns"`
	LastHumanSeq          *int64    `json:"lastHumanMsgSeq"`
	LastMsgSeq            *int64    `json:"lastMsgSeq"`
	TotalMessages         int64     `json:"totalMessages"`
	Messages              []Message `json:"messages"`
}

// SnapshotSummary is the compacted snapshot used for prompt construction.
type SnapshotSummary struct {
	Snapshot
	CurrentGoal string    `json:"currentGoal"`
	Highlights  []Message `json:"highlights"`
	Files       []string  `json:"files"`
}

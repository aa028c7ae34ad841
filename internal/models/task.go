package models

// Task is a routed agent invocation request. Tasks live only in a router's
// queue and are never persisted.
type Task struct {
	ID         string `json:"id"`
	RoomID     string `json:"roomId"`
	Target     string `json:"target"`
	SourceSeq  int64  `json:"sourceSeq"`
	SourceFrom string `json:"sourceFrom"`
	SourceText string `json:"sourceText"`
	Depth      int    `json:"depth"`
}

package models

import "time"

// Room represents an isolated chat history and its metadata.
type Room struct {
	RoomID          string    `json:"roomId"`
	Title           string    `json:"title"`
	CreatedBy       string    `json:"createdBy,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActiveAt    time.Time `json:"lastActiveAt"`
	BoundInstanceID string    `json:"boundInstanceId,omitempty"`
}

// RoomMeta is the caller-supplied part of a room's metadata.
type RoomMeta struct {
	Title           string
	CreatedBy       string
	BoundInstanceID string
}

package store

import "fmt"

// Global keys.
const (
	RoomsIndexKey        = "rooms:index"
	MessageEventsChannel = "arena:events:messages"
	AlertsKey            = "arena:alerts"
	AlertsAckedKey       = "arena:alerts:acked"
	IntegrityLastKey     = "arena:integrity:last"
	RuntimeInstancesKey  = "runtime:instances"
)

func roomKey(roomID, suffix string) string {
	return fmt.Sprintf("room:%s:%s", roomID, suffix)
}

// RoomMessagesKey returns the key for a room's message sorted set (score = seq).
func RoomMessagesKey(roomID string) string { return roomKey(roomID, "messages") }

// RoomSeqKey returns the key for a room's sequence counter.
func RoomSeqKey(roomID string) string { return roomKey(roomID, "seq") }

// RoomAgentTurnsKey returns the key for a room's trailing agent turn counter.
func RoomAgentTurnsKey(roomID string) string { return roomKey(roomID, "agentTurns") }

// RoomLastHumanSeqKey returns the key for a room's last non-agent seq.
func RoomLastHumanSeqKey(roomID string) string { return roomKey(roomID, "lastHumanSeq") }

// RoomMetaKey returns the key for a room's metadata hash.
func RoomMetaKey(roomID string) string { return roomKey(roomID, "meta") }

// RunnerLockKey returns the key for a room's runner lease.
func RunnerLockKey(roomID string) string { return roomKey(roomID, "runner:lock") }

// RouteStateKey returns the key for a room runner's published route state.
func RouteStateKey(roomID string) string { return roomKey(roomID, "runner:routeState") }

// RouteDedupeKey returns the at-most-once routing key for one (message, target) pair.
func RouteDedupeKey(roomID string, seq int64, from, target string) string {
	return roomKey(roomID, fmt.Sprintf("route:dedupe:%d:%s:%s", seq, from, target))
}

// IdempotencyKey returns the callback idempotency key.
func IdempotencyKey(roomID, invocationID, key string) string {
	return roomKey(roomID, fmt.Sprintf("idem:%s:%s", invocationID, key))
}

// JTIKey returns the key marking a nonce as consumed.
func JTIKey(jti string) string {
	return fmt.Sprintf("auth:jti:%s", jti)
}

// AdminSessionKey returns the key for an admin session token.
func AdminSessionKey(token string) string {
	return fmt.Sprintf("arena:admin:session:%s", token)
}

// RuntimeInstanceKey returns the key for a server instance's registry hash.
func RuntimeInstanceKey(instanceID string) string {
	return fmt.Sprintf("runtime:instance:%s", instanceID)
}

// RoomKeys returns every persistent key owned by a room.
func RoomKeys(roomID string) []string {
	return []string{
		RoomMessagesKey(roomID),
		RoomSeqKey(roomID),
		RoomAgentTurnsKey(roomID),
		RoomLastHumanSeqKey(roomID),
		RoomMetaKey(roomID),
		RouteStateKey(roomID),
	}
}

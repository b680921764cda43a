package lifecycle

import (
	"context"

	"paddlesync/server/logging"
)

const (
	// EventPlayerJoined is emitted when a player record is created.
	EventPlayerJoined logging.EventType = "lifecycle.player_joined"
	// EventPlayerKnockedOut is emitted when an alive player is eliminated.
	EventPlayerKnockedOut logging.EventType = "lifecycle.player_knocked_out"
	// EventPlayerRespawning is emitted once the countdown reaches zero.
	EventPlayerRespawning logging.EventType = "lifecycle.player_respawning"
	// EventPlayerRespawned is emitted when a respawn request is granted.
	EventPlayerRespawned logging.EventType = "lifecycle.player_respawned"
	// EventRespawnRejected is emitted when a respawn arrives before the countdown ends.
	EventRespawnRejected logging.EventType = "lifecycle.respawn_rejected"
	// EventPlayerDisconnected is emitted when a player record is removed.
	EventPlayerDisconnected logging.EventType = "lifecycle.player_disconnected"
)

// PlayerJoinedPayload captures spawn metadata for a new player.
type PlayerJoinedPayload struct {
	Team    string `json:"team"`
	SpawnID string `json:"spawnId"`
	Source  string `json:"source"`
}

// KnockedOutPayload captures the countdown that was started.
type KnockedOutPayload struct {
	CountdownSeconds float64 `json:"countdownSeconds"`
}

// RespawnedPayload captures where the player was placed.
type RespawnedPayload struct {
	SpawnID string `json:"spawnId"`
	Source  string `json:"source"`
}

// RespawnRejectedPayload captures the countdown still outstanding.
type RespawnRejectedPayload struct {
	RemainingSeconds float64 `json:"remainingSeconds"`
}

// PlayerDisconnectedPayload captures the state the player left in.
type PlayerDisconnectedPayload struct {
	State           string `json:"state"`
	ReleasedSpawnID string `json:"releasedSpawnId,omitempty"`
}

// PlayerJoined publishes a player join event.
func PlayerJoined(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PlayerJoinedPayload) {
	publish(ctx, pub, tick, actor, EventPlayerJoined, logging.SeverityInfo, payload)
}

// PlayerKnockedOut publishes a knockout event.
func PlayerKnockedOut(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload KnockedOutPayload) {
	publish(ctx, pub, tick, actor, EventPlayerKnockedOut, logging.SeverityInfo, payload)
}

// PlayerRespawning publishes the countdown-complete transition.
func PlayerRespawning(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef) {
	publish(ctx, pub, tick, actor, EventPlayerRespawning, logging.SeverityDebug, nil)
}

// PlayerRespawned publishes a granted respawn.
func PlayerRespawned(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload RespawnedPayload) {
	publish(ctx, pub, tick, actor, EventPlayerRespawned, logging.SeverityInfo, payload)
}

// RespawnRejected publishes a debug event for a premature respawn request.
func RespawnRejected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload RespawnRejectedPayload) {
	publish(ctx, pub, tick, actor, EventRespawnRejected, logging.SeverityDebug, payload)
}

// PlayerDisconnected publishes a disconnect event.
func PlayerDisconnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PlayerDisconnectedPayload) {
	publish(ctx, pub, tick, actor, EventPlayerDisconnected, logging.SeverityInfo, payload)
}

func publish(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, eventType logging.EventType, severity logging.Severity, payload any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Tick:     tick,
		Actor:    actor,
		Severity: severity,
		Category: "lifecycle",
		Payload:  payload,
	})
}

// Package lifecycle tracks each player's knockout and respawn cycle.
package lifecycle

import (
	"errors"
	"time"

	"paddlesync/server/internal/net/proto"
	"paddlesync/server/internal/spawn"
)

var (
	// ErrRespawnNotReady is returned while the knockout countdown is running.
	ErrRespawnNotReady = errors.New("respawn not ready")
	// ErrAlreadyAlive is returned for respawn requests from alive players.
	ErrAlreadyAlive = errors.New("player already alive")
	// ErrUnknownPlayer is returned for client ids without a record.
	ErrUnknownPlayer = errors.New("unknown player")
	// ErrAlreadyJoined is returned when a client id joins twice.
	ErrAlreadyJoined = errors.New("player already joined")
)

// State is a player's position in the knockout cycle.
type State string

const (
	StateAlive      State = "alive"
	StateKnockedOut State = "knockedOut"
	StateRespawning State = "respawning"
)

// ParseState validates a wire state name.
func ParseState(raw string) (State, bool) {
	switch State(raw) {
	case StateAlive, StateKnockedOut, StateRespawning:
		return State(raw), true
	default:
		return "", false
	}
}

// Player is a copy of one lifecycle record.
type Player struct {
	ClientID  string
	Team      spawn.Team
	State     State
	Remaining time.Duration
	// SpawnID is the point currently held, or empty.
	SpawnID string
	Tick    uint64
}

// Update converts the record into its wire form.
func (p Player) Update() proto.LifecycleUpdate {
	return proto.LifecycleUpdate{
		ClientID:      p.ClientID,
		Team:          string(p.Team),
		State:         string(p.State),
		RemainingTime: p.Remaining.Seconds(),
		Tick:          p.Tick,
	}
}

// PlayerFromUpdate rebuilds a record from its wire form.
func PlayerFromUpdate(update proto.LifecycleUpdate) (Player, bool) {
	state, ok := ParseState(update.State)
	if !ok || update.ClientID == "" {
		return Player{}, false
	}
	team, _ := spawn.ParseTeam(update.Team)
	remaining := time.Duration(update.RemainingTime * float64(time.Second))
	if remaining < 0 {
		remaining = 0
	}
	return Player{
		ClientID:  update.ClientID,
		Team:      team,
		State:     state,
		Remaining: remaining,
		Tick:      update.Tick,
	}, true
}

// Countdown is delivered on every countdown step.
type Countdown struct {
	ClientID  string
	Remaining time.Duration
	// Local is set on peers when the player is the local owner.
	Local bool
}

// Notice is delivered for knockout and respawn-complete notifications.
type Notice struct {
	ClientID string
	Local    bool
}

// Grant describes where a player was placed.
type Grant struct {
	ClientID string
	Point    spawn.Point
	Source   spawn.Source
}

// Message converts the grant into the reply sent to the owning client.
func (g Grant) Message() proto.RespawnGrant {
	return proto.RespawnGrant{
		ClientID: g.ClientID,
		Position: g.Point.Position,
		Rotation: g.Point.Rotation,
		SpawnID:  g.Point.ID,
	}
}

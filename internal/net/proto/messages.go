package proto

import (
	"github.com/go-gl/mathgl/mgl32"

	"paddlesync/server/internal/body"
)

const (
	// Version tracks the wire-protocol revision expected by peers.
	Version = 1
)

// Kind identifies a message on the wire and keys the dispatch table.
type Kind string

const (
	KindState             Kind = "state"
	KindFullState         Kind = "fullState"
	KindBodyRemoved       Kind = "bodyRemoved"
	KindCollisionProposal Kind = "collisionProposal"
	KindCollisionResolved Kind = "collisionResolved"
	KindLifecycle         Kind = "lifecycle"
	KindRespawnRequest    Kind = "respawnRequest"
	KindRespawnGrant      Kind = "respawnGrant"
	KindBodyWrite         Kind = "bodyWrite"
	KindHeartbeat         Kind = "heartbeat"
)

// Message is implemented by every schema that can travel between peers.
type Message interface {
	Kind() Kind
}

// StateSnapshot is the authoritative state of one body at a tick.
type StateSnapshot struct {
	BodyID          body.ID    `json:"bodyId" msgpack:"bodyId"`
	Position        mgl32.Vec3 `json:"position" msgpack:"position"`
	Rotation        mgl32.Quat `json:"rotation" msgpack:"rotation"`
	LinearVelocity  mgl32.Vec3 `json:"linearVelocity" msgpack:"linearVelocity"`
	AngularVelocity mgl32.Vec3 `json:"angularVelocity" msgpack:"angularVelocity"`
	Interactive     bool       `json:"interactive" msgpack:"interactive"`
	Tick            uint64     `json:"tick" msgpack:"tick"`
}

// SnapshotOf captures b as a snapshot.
func SnapshotOf(b body.NetworkedBody) StateSnapshot {
	return StateSnapshot{
		BodyID:          b.ID,
		Position:        b.Transform.Position,
		Rotation:        b.Transform.Rotation,
		LinearVelocity:  b.Velocities.Linear,
		AngularVelocity: b.Velocities.Angular,
		Interactive:     b.Interactive,
		Tick:            b.Tick,
	}
}

// Body converts the snapshot back into a body value.
func (s StateSnapshot) Body() body.NetworkedBody {
	return body.NetworkedBody{
		ID:          s.BodyID,
		Transform:   body.Transform{Position: s.Position, Rotation: s.Rotation},
		Velocities:  body.Velocities{Linear: s.LinearVelocity, Angular: s.AngularVelocity},
		Tick:        s.Tick,
		Interactive: s.Interactive,
	}
}

// StateUpdate batches every body that changed during one tick.
type StateUpdate struct {
	Tick   uint64          `json:"t" msgpack:"t"`
	Bodies []StateSnapshot `json:"bodies" msgpack:"bodies"`
}

func (StateUpdate) Kind() Kind { return KindState }

// FullStateSnapshot is the baseline sent to a newly joined peer.
type FullStateSnapshot struct {
	Session string          `json:"session" msgpack:"session"`
	Tick    uint64          `json:"t" msgpack:"t"`
	Bodies  []StateSnapshot `json:"bodies" msgpack:"bodies"`
}

func (FullStateSnapshot) Kind() Kind { return KindFullState }

// BodyRemoved retires a body on every mirror.
type BodyRemoved struct {
	BodyID body.ID `json:"bodyId" msgpack:"bodyId"`
	Tick   uint64  `json:"t" msgpack:"t"`
}

func (BodyRemoved) Kind() Kind { return KindBodyRemoved }

// CollisionProposal is a locally detected contact. It is advisory.
type CollisionProposal struct {
	BodyID           body.ID    `json:"bodyId" msgpack:"bodyId"`
	ContactPoint     mgl32.Vec3 `json:"contactPoint" msgpack:"contactPoint"`
	ContactNormal    mgl32.Vec3 `json:"contactNormal" msgpack:"contactNormal"`
	RelativeVelocity mgl32.Vec3 `json:"relativeVelocity" msgpack:"relativeVelocity"`
	// Surface names the material the body touched; empty selects the default.
	Surface string `json:"surface,omitempty" msgpack:"surface,omitempty"`
}

func (CollisionProposal) Kind() Kind { return KindCollisionProposal }

// CollisionResolved is the canonical collision response.
type CollisionResolved struct {
	Session         string     `json:"session" msgpack:"session"`
	EventID         uint64     `json:"eventId" msgpack:"eventId"`
	BodyID          body.ID    `json:"bodyId" msgpack:"bodyId"`
	ContactPoint    mgl32.Vec3 `json:"contactPoint" msgpack:"contactPoint"`
	ContactNormal   mgl32.Vec3 `json:"contactNormal" msgpack:"contactNormal"`
	Impulse         mgl32.Vec3 `json:"impulse" msgpack:"impulse"`
	AngularVelocity mgl32.Vec3 `json:"angularVelocity" msgpack:"angularVelocity"`
	Tick            uint64     `json:"t" msgpack:"t"`
}

func (CollisionResolved) Kind() Kind { return KindCollisionResolved }

// LifecycleUpdate mirrors one player's lifecycle record.
type LifecycleUpdate struct {
	ClientID      string  `json:"clientId" msgpack:"clientId"`
	Team          string  `json:"team,omitempty" msgpack:"team,omitempty"`
	State         string  `json:"state" msgpack:"state"`
	RemainingTime float64 `json:"remainingTime" msgpack:"remainingTime"`
	Tick          uint64  `json:"t" msgpack:"t"`
}

func (LifecycleUpdate) Kind() Kind { return KindLifecycle }

// RespawnRequest asks the authority to respawn the sender.
type RespawnRequest struct {
	ClientID string `json:"clientId" msgpack:"clientId"`
}

func (RespawnRequest) Kind() Kind { return KindRespawnRequest }

// RespawnGrant tells the owning client where it was placed.
type RespawnGrant struct {
	ClientID string     `json:"clientId" msgpack:"clientId"`
	Position mgl32.Vec3 `json:"position" msgpack:"position"`
	Rotation mgl32.Quat `json:"rotation" msgpack:"rotation"`
	SpawnID  string     `json:"spawnId,omitempty" msgpack:"spawnId,omitempty"`
}

func (RespawnGrant) Kind() Kind { return KindRespawnGrant }

// BodyWrite is an attempt to write authoritative body state. Only the
// authority's own physics step may do this; peers sending it are refused.
type BodyWrite struct {
	BodyID     body.ID         `json:"bodyId" msgpack:"bodyId"`
	Transform  body.Transform  `json:"transform" msgpack:"transform"`
	Velocities body.Velocities `json:"velocities" msgpack:"velocities"`
}

func (BodyWrite) Kind() Kind { return KindBodyWrite }

// Heartbeat carries round-trip timing in both directions.
type Heartbeat struct {
	SentAt     int64 `json:"sentAt" msgpack:"sentAt"`
	ServerTime int64 `json:"serverTime,omitempty" msgpack:"serverTime,omitempty"`
	RTTMillis  int64 `json:"rtt,omitempty" msgpack:"rtt,omitempty"`
}

func (Heartbeat) Kind() Kind { return KindHeartbeat }

// FromClient reports whether a non-authority peer may send kind.
func FromClient(kind Kind) bool {
	switch kind {
	case KindCollisionProposal, KindRespawnRequest, KindBodyWrite, KindHeartbeat:
		return true
	default:
		return false
	}
}

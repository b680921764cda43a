// Package body holds the value types shared by every replicated component.
package body

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
)

// ID identifies a networked body. It is stable across peers.
type ID string

const (
	// BallID is the shared ball body.
	BallID ID = "ball"

	paddlePrefix = "paddle:"
)

// PaddleID returns the body id of the paddle owned by clientID.
func PaddleID(clientID string) ID {
	return ID(paddlePrefix + clientID)
}

// PaddleOwner reports the owning client of a paddle body.
func PaddleOwner(id ID) (string, bool) {
	s := string(id)
	if len(s) <= len(paddlePrefix) || s[:len(paddlePrefix)] != paddlePrefix {
		return "", false
	}
	return s[len(paddlePrefix):], true
}

// PeerID identifies a participant. The authority uses its own id as the
// writer for local physics snapshots.
type PeerID string

// Transform is a body pose.
type Transform struct {
	Position mgl32.Vec3 `json:"position" msgpack:"position"`
	Rotation mgl32.Quat `json:"rotation" msgpack:"rotation"`
}

// IdentityTransform places a body at the origin without rotation.
func IdentityTransform() Transform {
	return Transform{Rotation: mgl32.QuatIdent()}
}

// Velocities carries linear and angular velocity.
type Velocities struct {
	Linear  mgl32.Vec3 `json:"linear" msgpack:"linear"`
	Angular mgl32.Vec3 `json:"angular" msgpack:"angular"`
}

// NetworkedBody is the replicated state of one dynamic body.
type NetworkedBody struct {
	ID         ID         `json:"id"`
	Transform  Transform  `json:"transform"`
	Velocities Velocities `json:"velocities"`
	// Tick of the last authoritative update.
	Tick        uint64 `json:"tick"`
	Interactive bool   `json:"interactive"`
}

// Finite reports whether every component of v is a real number.
func Finite(v mgl32.Vec3) bool {
	for _, c := range v {
		if math32.IsNaN(c) || math32.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// FiniteTransform reports whether a pose contains only real numbers.
func FiniteTransform(t Transform) bool {
	if !Finite(t.Position) || !Finite(t.Rotation.V) {
		return false
	}
	return !math32.IsNaN(t.Rotation.W) && !math32.IsInf(t.Rotation.W, 0)
}

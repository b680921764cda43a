package sim

import (
	"context"
	"time"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"

	"paddlesync/server/internal/body"
	"paddlesync/server/internal/replication"
)

// Driver advances body state between replication ticks. Rigid-body physics
// lives outside this module; a Driver only pushes its results through
// Authority.SubmitLocalSnapshot.
type Driver interface {
	Step(ctx context.Context, auth *replication.Authority, dt time.Duration) error
}

// DriverFunc adapts a function to Driver.
type DriverFunc func(ctx context.Context, auth *replication.Authority, dt time.Duration) error

// Step implements Driver.
func (f DriverFunc) Step(ctx context.Context, auth *replication.Authority, dt time.Duration) error {
	if f == nil {
		return nil
	}
	return f(ctx, auth, dt)
}

// KinematicDriver integrates velocities without forces. Bodies at rest are
// left alone so they are never re-broadcast.
type KinematicDriver struct {
	// LinearDamping is the fraction of linear speed lost per second.
	LinearDamping float32
	// RestSpeed snaps slower bodies to rest.
	RestSpeed float32
}

// Step implements Driver.
func (d KinematicDriver) Step(ctx context.Context, auth *replication.Authority, dt time.Duration) error {
	seconds := float32(dt.Seconds())
	if seconds <= 0 {
		return nil
	}
	damping := math32.Max(0, 1-d.LinearDamping*seconds)
	for _, b := range auth.Bodies() {
		if !b.Interactive {
			continue
		}
		linear, angular := b.Velocities.Linear, b.Velocities.Angular
		if linear.Len() == 0 && angular.Len() == 0 {
			continue
		}
		next := b.Transform
		next.Position = next.Position.Add(linear.Mul(seconds))
		if spin := angular.Len(); spin > 0 {
			delta := mgl32.QuatRotate(spin*seconds, angular.Mul(1/spin))
			next.Rotation = delta.Mul(next.Rotation).Normalize()
		}
		linear = linear.Mul(damping)
		if linear.Len() < d.RestSpeed {
			linear = mgl32.Vec3{}
		}
		if err := auth.SubmitLocalSnapshot(ctx, auth.Self(), b.ID, next, body.Velocities{Linear: linear, Angular: angular}); err != nil {
			return err
		}
	}
	return nil
}

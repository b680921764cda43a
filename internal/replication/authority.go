// Package replication owns canonical body state on the authority and the
// tick-ordered mirrors of that state on every other peer.
package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/go-gl/mathgl/mgl32"

	"paddlesync/server/internal/body"
	"paddlesync/server/internal/net/proto"
	"paddlesync/server/internal/notify"
	"paddlesync/server/internal/telemetry"
	"paddlesync/server/logging"
	loggingreplication "paddlesync/server/logging/replication"
)

var (
	// ErrAuthorityViolation is returned when a peer other than the authority
	// attempts to write authoritative state.
	ErrAuthorityViolation = errors.New("authority violation")
	// ErrUnknownBody is returned for writes to a body that was never registered.
	ErrUnknownBody = errors.New("unknown body")
	// ErrInvalidState is returned for writes carrying non-finite values.
	ErrInvalidState = errors.New("invalid body state")
)

const (
	metricAuthorityViolations = "replication_authority_violations_total"
	metricBroadcastBodies     = "replication_broadcast_bodies_total"
	metricLiveBodies          = "replication_live_bodies"
)

// AuthorityConfig wires an Authority.
type AuthorityConfig struct {
	// Self is the peer id whose writes are accepted.
	Self      body.PeerID
	Session   string
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
}

// Authority holds the canonical state of every shared body. It is not safe
// for concurrent use; the simulation goroutine is its only caller.
type Authority struct {
	self      body.PeerID
	session   string
	bodies    *orderedmap.OrderedMap[body.ID, *body.NetworkedBody]
	dirty     *orderedmap.OrderedMap[body.ID, struct{}]
	lastTick  uint64
	updated   notify.List[body.ID]
	publisher logging.Publisher
	metrics   telemetry.Metrics
}

// NewAuthority constructs an empty authority.
func NewAuthority(cfg AuthorityConfig) *Authority {
	pub := cfg.Publisher
	if pub == nil {
		pub = logging.NopPublisher()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Authority{
		self:      cfg.Self,
		session:   cfg.Session,
		bodies:    orderedmap.NewOrderedMap[body.ID, *body.NetworkedBody](),
		dirty:     orderedmap.NewOrderedMap[body.ID, struct{}](),
		publisher: pub,
		metrics:   metrics,
	}
}

// Self returns the authority's peer id.
func (a *Authority) Self() body.PeerID { return a.self }

// Session returns the authority session id stamped on baselines and events.
func (a *Authority) Session() string { return a.session }

// Tick returns the last broadcast tick.
func (a *Authority) Tick() uint64 { return a.lastTick }

// OnBodyUpdated subscribes to body-updated notifications.
func (a *Authority) OnBodyUpdated(fn func(body.ID)) func() {
	return a.updated.Subscribe(fn)
}

// RegisterBody adds or replaces a body and schedules it for the next broadcast.
func (a *Authority) RegisterBody(b body.NetworkedBody) {
	if b.ID == "" {
		return
	}
	if b.Transform.Rotation == (mgl32.Quat{}) {
		b.Transform.Rotation = mgl32.QuatIdent()
	}
	stored := b
	a.bodies.Set(b.ID, &stored)
	a.markDirty(b.ID)
	a.metrics.Store(metricLiveBodies, uint64(a.bodies.Len()))
}

// RemoveBody retires a body. The returned message carries the tick after the
// last broadcast so mirrors drop any snapshot of the body that is still in
// flight.
func (a *Authority) RemoveBody(ctx context.Context, id body.ID) (proto.BodyRemoved, bool) {
	if !a.bodies.Delete(id) {
		return proto.BodyRemoved{}, false
	}
	a.dirty.Delete(id)
	a.metrics.Store(metricLiveBodies, uint64(a.bodies.Len()))
	msg := proto.BodyRemoved{BodyID: id, Tick: a.lastTick + 1}
	loggingreplication.BodyRemoved(ctx, a.publisher, msg.Tick, logging.BodyRef(string(id)))
	a.updated.Emit(id)
	return msg, true
}

// SubmitLocalSnapshot records a physics result for a body. Only the
// authority's own peer id may write.
func (a *Authority) SubmitLocalSnapshot(ctx context.Context, writer body.PeerID, id body.ID, t body.Transform, v body.Velocities) error {
	if writer != a.self {
		a.metrics.Add(metricAuthorityViolations, 1)
		loggingreplication.AuthorityViolation(ctx, a.publisher, a.lastTick, logging.PeerRef(string(writer)), loggingreplication.AuthorityViolationPayload{BodyID: string(id)})
		return fmt.Errorf("%w: %s may not write %s", ErrAuthorityViolation, writer, id)
	}
	stored, ok := a.bodies.Get(id)
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownBody, id)
	}
	if !body.FiniteTransform(t) || !body.Finite(v.Linear) || !body.Finite(v.Angular) {
		return fmt.Errorf("%w for %s", ErrInvalidState, id)
	}
	stored.Transform = t
	stored.Velocities = v
	a.markDirty(id)
	a.updated.Emit(id)
	return nil
}

// WriteVelocities replaces a body's velocities. It is the authority-side
// target of collision application.
func (a *Authority) WriteVelocities(id body.ID, v body.Velocities) bool {
	stored, ok := a.bodies.Get(id)
	if !ok {
		return false
	}
	stored.Velocities = v
	a.markDirty(id)
	a.updated.Emit(id)
	return true
}

// WriteVelocitiesAt applies a resolved collision. Events are resolved against
// the authority's current state, so tick is not consulted.
func (a *Authority) WriteVelocitiesAt(id body.ID, v body.Velocities, _ uint64) bool {
	return a.WriteVelocities(id, v)
}

// Teleport places a body and zeroes its velocities.
func (a *Authority) Teleport(id body.ID, t body.Transform) bool {
	stored, ok := a.bodies.Get(id)
	if !ok {
		return false
	}
	stored.Transform = t
	stored.Velocities = body.Velocities{}
	a.markDirty(id)
	a.updated.Emit(id)
	return true
}

// SetInteractive toggles whether a body takes part in contacts.
func (a *Authority) SetInteractive(id body.ID, interactive bool) bool {
	stored, ok := a.bodies.Get(id)
	if !ok {
		return false
	}
	if stored.Interactive == interactive {
		return true
	}
	stored.Interactive = interactive
	a.markDirty(id)
	a.updated.Emit(id)
	return true
}

// BroadcastTick packages every body changed since the previous tick into one
// update stamped with tick. It reports false when tick does not advance or
// nothing changed.
func (a *Authority) BroadcastTick(tick uint64) (proto.StateUpdate, bool) {
	if tick <= a.lastTick {
		return proto.StateUpdate{}, false
	}
	a.lastTick = tick
	if a.dirty.Len() == 0 {
		return proto.StateUpdate{Tick: tick}, false
	}
	update := proto.StateUpdate{Tick: tick, Bodies: make([]proto.StateSnapshot, 0, a.dirty.Len())}
	for el := a.dirty.Front(); el != nil; el = el.Next() {
		stored, ok := a.bodies.Get(el.Key)
		if !ok {
			continue
		}
		stored.Tick = tick
		update.Bodies = append(update.Bodies, proto.SnapshotOf(*stored))
	}
	a.dirty = orderedmap.NewOrderedMap[body.ID, struct{}]()
	a.metrics.Add(metricBroadcastBodies, uint64(len(update.Bodies)))
	return update, len(update.Bodies) > 0
}

// FullSnapshot returns every live body for a newly joined peer.
func (a *Authority) FullSnapshot() proto.FullStateSnapshot {
	snapshot := proto.FullStateSnapshot{
		Session: a.session,
		Tick:    a.lastTick,
		Bodies:  make([]proto.StateSnapshot, 0, a.bodies.Len()),
	}
	for el := a.bodies.Front(); el != nil; el = el.Next() {
		snapshot.Bodies = append(snapshot.Bodies, proto.SnapshotOf(*el.Value))
	}
	return snapshot
}

// Body returns a copy of a body.
func (a *Authority) Body(id body.ID) (body.NetworkedBody, bool) {
	stored, ok := a.bodies.Get(id)
	if !ok {
		return body.NetworkedBody{}, false
	}
	return *stored, true
}

// Bodies returns copies of every body in registration order.
func (a *Authority) Bodies() []body.NetworkedBody {
	out := make([]body.NetworkedBody, 0, a.bodies.Len())
	for el := a.bodies.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value)
	}
	return out
}

// Dirty reports how many bodies await the next broadcast.
func (a *Authority) Dirty() int { return a.dirty.Len() }

func (a *Authority) markDirty(id body.ID) {
	a.dirty.Set(id, struct{}{})
}

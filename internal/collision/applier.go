package collision

import (
	"sync"

	"paddlesync/server/internal/body"
	"paddlesync/server/internal/net/proto"
	"paddlesync/server/internal/notify"
	"paddlesync/server/internal/telemetry"
)

const (
	metricDuplicateEvents = "collision_duplicate_events_total"
	metricAppliedEvents   = "collision_applied_events_total"
)

// VelocityWriter is the body store a collision event is applied to. The
// authority writes canonical state; peers overwrite their mirror locally and
// refuse events older than the body's last applied tick.
type VelocityWriter interface {
	WriteVelocitiesAt(id body.ID, v body.Velocities, tick uint64) bool
}

// Applier applies resolved collisions at most once per event id.
type Applier struct {
	mu      sync.Mutex
	target  VelocityWriter
	window  *SeenWindow
	metrics telemetry.Metrics
	applied notify.List[proto.CollisionResolved]
}

// NewApplier wraps target with a seen window.
func NewApplier(target VelocityWriter, window *SeenWindow, metrics telemetry.Metrics) *Applier {
	if window == nil {
		window = NewSeenWindow(0, 0)
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Applier{target: target, window: window, metrics: metrics}
}

// OnApplied subscribes to events that changed body state.
func (a *Applier) OnApplied(fn func(proto.CollisionResolved)) func() {
	return a.applied.Subscribe(fn)
}

// ApplyCollision assigns the event's impulse and spin to its body. It
// reports false for duplicates, for bodies the target does not hold, and for
// events the target already has newer state for.
func (a *Applier) ApplyCollision(evt proto.CollisionResolved) bool {
	a.mu.Lock()
	if evt.Session != a.window.Session() {
		a.window.Reset(evt.Session)
	}
	if a.window.Seen(evt.EventID) {
		a.mu.Unlock()
		a.metrics.Add(metricDuplicateEvents, 1)
		return false
	}
	if a.target == nil || !a.target.WriteVelocitiesAt(evt.BodyID, body.Velocities{Linear: evt.Impulse, Angular: evt.AngularVelocity}, evt.Tick) {
		a.mu.Unlock()
		return false
	}
	a.window.Record(evt.EventID, evt.Tick)
	a.mu.Unlock()

	a.metrics.Add(metricAppliedEvents, 1)
	a.applied.Emit(evt)
	return true
}

// Reset forgets every applied id.
func (a *Applier) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.window.Reset("")
}

// Close resets the applier and drops its observers.
func (a *Applier) Close() {
	a.Reset()
	a.applied.Clear()
}

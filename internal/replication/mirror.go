package replication

import (
	"sync"

	"github.com/elliotchance/orderedmap/v2"

	"paddlesync/server/internal/body"
	"paddlesync/server/internal/net/proto"
	"paddlesync/server/internal/notify"
	"paddlesync/server/internal/telemetry"
)

const (
	metricStaleUpdates    = "replication_stale_updates_total"
	metricUnsyncedUpdates = "replication_unsynced_updates_total"
	metricStaleBaselines  = "replication_stale_baselines_total"
)

// Mirror is a peer's read-only copy of authoritative body state. Updates are
// applied strictly in tick order per body; nothing is accepted before the
// first full snapshot.
type Mirror struct {
	mu          sync.RWMutex
	session     string
	synced      bool
	baseline    uint64
	bodies      *orderedmap.OrderedMap[body.ID, body.NetworkedBody]
	lastApplied map[body.ID]uint64
	updated     notify.List[body.ID]
	metrics     telemetry.Metrics
}

// NewMirror constructs an unsynced mirror.
func NewMirror(metrics telemetry.Metrics) *Mirror {
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Mirror{
		bodies:      orderedmap.NewOrderedMap[body.ID, body.NetworkedBody](),
		lastApplied: make(map[body.ID]uint64),
		metrics:     metrics,
	}
}

// OnBodyUpdated subscribes to body-updated notifications.
func (m *Mirror) OnBodyUpdated(fn func(body.ID)) func() {
	return m.updated.Subscribe(fn)
}

// ApplyFullSnapshot installs the authority's baseline. A snapshot from a new
// session replaces the mirror outright. Within the current session only a
// newer baseline is accepted, and it merges per body so nothing already
// applied at a later tick is rolled back. It reports whether the snapshot was
// accepted.
func (m *Mirror) ApplyFullSnapshot(msg proto.FullStateSnapshot) bool {
	m.mu.Lock()
	if m.synced && msg.Session == m.session {
		if msg.Tick <= m.baseline {
			m.mu.Unlock()
			m.metrics.Add(metricStaleBaselines, 1)
			return false
		}
		ids := m.mergeLocked(msg)
		m.mu.Unlock()
		for _, id := range ids {
			m.updated.Emit(id)
		}
		return true
	}

	m.session = msg.Session
	m.synced = true
	m.baseline = msg.Tick
	m.bodies = orderedmap.NewOrderedMap[body.ID, body.NetworkedBody]()
	m.lastApplied = make(map[body.ID]uint64, len(msg.Bodies))
	ids := make([]body.ID, 0, len(msg.Bodies))
	for _, snap := range msg.Bodies {
		b := snap.Body()
		m.bodies.Set(b.ID, b)
		m.lastApplied[b.ID] = max(snap.Tick, msg.Tick)
		ids = append(ids, b.ID)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.updated.Emit(id)
	}
	return true
}

// mergeLocked folds a newer same-session baseline into the mirror. Bodies the
// baseline omits were removed by its tick unless something later brought
// them back.
func (m *Mirror) mergeLocked(msg proto.FullStateSnapshot) []body.ID {
	m.baseline = msg.Tick
	present := make(map[body.ID]struct{}, len(msg.Bodies))
	var ids []body.ID
	for _, snap := range msg.Bodies {
		present[snap.BodyID] = struct{}{}
		tick := max(snap.Tick, msg.Tick)
		if last, seen := m.lastApplied[snap.BodyID]; seen && tick <= last {
			continue
		}
		b := snap.Body()
		m.bodies.Set(b.ID, b)
		m.lastApplied[b.ID] = tick
		ids = append(ids, b.ID)
	}
	for _, id := range m.bodies.Keys() {
		if _, ok := present[id]; ok || m.lastApplied[id] > msg.Tick {
			continue
		}
		m.bodies.Delete(id)
		m.lastApplied[id] = msg.Tick
		ids = append(ids, id)
	}
	return ids
}

// ApplyRemoteSnapshot overwrites one body if snap is newer than anything
// applied for it. Stale or premature snapshots are dropped without error.
func (m *Mirror) ApplyRemoteSnapshot(snap proto.StateSnapshot) bool {
	m.mu.Lock()
	if !m.synced {
		m.mu.Unlock()
		m.metrics.Add(metricUnsyncedUpdates, 1)
		return false
	}
	if !m.acceptLocked(snap.BodyID, snap.Tick) {
		m.mu.Unlock()
		m.metrics.Add(metricStaleUpdates, 1)
		return false
	}
	b := snap.Body()
	m.bodies.Set(b.ID, b)
	m.lastApplied[b.ID] = snap.Tick
	m.mu.Unlock()

	m.updated.Emit(snap.BodyID)
	return true
}

// ApplyUpdate applies every snapshot in a tick batch and returns how many
// were accepted.
func (m *Mirror) ApplyUpdate(update proto.StateUpdate) int {
	applied := 0
	for _, snap := range update.Bodies {
		if snap.Tick == 0 {
			snap.Tick = update.Tick
		}
		if m.ApplyRemoteSnapshot(snap) {
			applied++
		}
	}
	return applied
}

// ApplyRemoval drops a body. The removal tick becomes the body's last applied
// tick so in-flight snapshots cannot resurrect it.
func (m *Mirror) ApplyRemoval(msg proto.BodyRemoved) bool {
	m.mu.Lock()
	if !m.synced || !m.acceptLocked(msg.BodyID, msg.Tick) {
		m.mu.Unlock()
		m.metrics.Add(metricStaleUpdates, 1)
		return false
	}
	m.bodies.Delete(msg.BodyID)
	m.lastApplied[msg.BodyID] = msg.Tick
	m.mu.Unlock()

	m.updated.Emit(msg.BodyID)
	return true
}

// WriteVelocities overwrites a mirrored body's velocities locally without
// advancing its tick. Collision events use it so every peer assigns the same
// canonical response before the next snapshot arrives.
func (m *Mirror) WriteVelocities(id body.ID, v body.Velocities) bool {
	m.mu.Lock()
	b, ok := m.bodies.Get(id)
	if !ok {
		m.mu.Unlock()
		return false
	}
	b.Velocities = v
	m.bodies.Set(id, b)
	m.mu.Unlock()

	m.updated.Emit(id)
	return true
}

// WriteVelocitiesAt is WriteVelocities for an event stamped with tick. The
// write is dropped as stale when a snapshot at or after tick has already been
// applied, since that snapshot includes the event's effect.
func (m *Mirror) WriteVelocitiesAt(id body.ID, v body.Velocities, tick uint64) bool {
	m.mu.Lock()
	b, ok := m.bodies.Get(id)
	if !ok {
		m.mu.Unlock()
		return false
	}
	if tick <= m.lastApplied[id] {
		m.mu.Unlock()
		m.metrics.Add(metricStaleUpdates, 1)
		return false
	}
	b.Velocities = v
	m.bodies.Set(id, b)
	m.mu.Unlock()

	m.updated.Emit(id)
	return true
}

// Reset tears the mirror down to its unsynced state.
func (m *Mirror) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = ""
	m.synced = false
	m.baseline = 0
	m.bodies = orderedmap.NewOrderedMap[body.ID, body.NetworkedBody]()
	m.lastApplied = make(map[body.ID]uint64)
}

// Close resets the mirror and drops every observer.
func (m *Mirror) Close() {
	m.Reset()
	m.updated.Clear()
}

// Synced reports whether a full snapshot has been applied.
func (m *Mirror) Synced() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.synced
}

// Session returns the authority session of the current baseline.
func (m *Mirror) Session() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// Baseline returns the tick embedded in the last full snapshot.
func (m *Mirror) Baseline() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.baseline
}

// LastAppliedTick returns the newest tick applied for id.
func (m *Mirror) LastAppliedTick(id body.ID) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastApplied[id]
}

// Body returns the mirrored copy of id.
func (m *Mirror) Body(id body.ID) (body.NetworkedBody, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bodies.Get(id)
}

// Bodies returns every mirrored body in arrival order.
func (m *Mirror) Bodies() []body.NetworkedBody {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]body.NetworkedBody, 0, m.bodies.Len())
	for el := m.bodies.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

func (m *Mirror) acceptLocked(id body.ID, tick uint64) bool {
	last, seen := m.lastApplied[id]
	if !seen {
		// Bodies created after the baseline still have to be newer than it.
		return tick > m.baseline
	}
	return tick > last
}

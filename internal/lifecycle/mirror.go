package lifecycle

import (
	"sync"

	"github.com/elliotchance/orderedmap/v2"

	"paddlesync/server/internal/net/proto"
	"paddlesync/server/internal/notify"
)

// Mirror is a peer's copy of the authority's lifecycle records. It raises the
// same notifications as the Machine, flagged with whether the player is the
// local owner so owner-only reactions can be gated.
type Mirror struct {
	mu      sync.Mutex
	local   string
	players *orderedmap.OrderedMap[string, Player]

	knockedOut      notify.List[Notice]
	respawning      notify.List[Countdown]
	respawnComplete notify.List[Notice]
}

// NewMirror constructs a mirror for the peer owning localClient.
func NewMirror(localClient string) *Mirror {
	return &Mirror{
		local:   localClient,
		players: orderedmap.NewOrderedMap[string, Player](),
	}
}

// LocalClient returns the owning client id.
func (m *Mirror) LocalClient() string { return m.local }

// OnPlayerKnockedOut subscribes to knockouts.
func (m *Mirror) OnPlayerKnockedOut(fn func(Notice)) func() {
	return m.knockedOut.Subscribe(fn)
}

// OnPlayerRespawning subscribes to countdown steps.
func (m *Mirror) OnPlayerRespawning(fn func(Countdown)) func() {
	return m.respawning.Subscribe(fn)
}

// OnRespawnComplete subscribes to respawns.
func (m *Mirror) OnRespawnComplete(fn func(Notice)) func() {
	return m.respawnComplete.Subscribe(fn)
}

// Apply merges one update. Updates older than the record's tick and
// malformed updates are ignored.
func (m *Mirror) Apply(update proto.LifecycleUpdate) bool {
	next, ok := PlayerFromUpdate(update)
	if !ok {
		return false
	}
	m.mu.Lock()
	prev, known := m.players.Get(next.ClientID)
	if known && next.Tick < prev.Tick {
		m.mu.Unlock()
		return false
	}
	m.players.Set(next.ClientID, next)
	m.mu.Unlock()

	local := next.ClientID == m.local
	switch next.State {
	case StateKnockedOut:
		if !known || prev.State != StateKnockedOut {
			m.knockedOut.Emit(Notice{ClientID: next.ClientID, Local: local})
			return true
		}
		m.respawning.Emit(Countdown{ClientID: next.ClientID, Remaining: next.Remaining, Local: local})
	case StateRespawning:
		if known && prev.State == StateKnockedOut {
			m.respawning.Emit(Countdown{ClientID: next.ClientID, Remaining: 0, Local: local})
		}
	case StateAlive:
		if known && prev.State == StateRespawning {
			m.respawnComplete.Emit(Notice{ClientID: next.ClientID, Local: local})
		}
	}
	return true
}

// Remove forgets a player without notifying.
func (m *Mirror) Remove(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.players.Delete(clientID)
}

// Player returns a copy of one record.
func (m *Mirror) Player(clientID string) (Player, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.players.Get(clientID)
}

// Players returns every record in arrival order.
func (m *Mirror) Players() []Player {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Player, 0, m.players.Len())
	for el := m.players.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

// Reset forgets every record.
func (m *Mirror) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.players = orderedmap.NewOrderedMap[string, Player]()
}

// Close resets the mirror and drops every observer.
func (m *Mirror) Close() {
	m.Reset()
	m.knockedOut.Clear()
	m.respawning.Clear()
	m.respawnComplete.Clear()
}

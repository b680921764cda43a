package lifecycle

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/elliotchance/orderedmap/v2"

	"paddlesync/server/internal/body"
	"paddlesync/server/internal/net/proto"
	"paddlesync/server/internal/notify"
	"paddlesync/server/internal/spawn"
	"paddlesync/server/internal/telemetry"
	"paddlesync/server/logging"
	logginglifecycle "paddlesync/server/logging/lifecycle"
)

const (
	// DefaultRespawnDuration is the knockout countdown length.
	DefaultRespawnDuration = 6 * time.Second
	// DefaultRecoveryDelay is how long after a respawn the visual recovery
	// window stays open.
	DefaultRecoveryDelay = 1500 * time.Millisecond
	// DefaultTickRate matches the loop's default fixed step.
	DefaultTickRate = 60

	metricKnockouts        = "lifecycle_knockouts_total"
	metricRespawns         = "lifecycle_respawns_total"
	metricRespawnNotReady  = "lifecycle_respawn_not_ready_total"
	metricPlayers          = "lifecycle_players"
	metricRespawnRedundant = "lifecycle_respawn_redundant_total"
)

// BodyControl is the authoritative body store the machine places paddles in.
type BodyControl interface {
	Teleport(id body.ID, t body.Transform) bool
	SetInteractive(id body.ID, interactive bool) bool
}

// Config wires a Machine.
type Config struct {
	Spawns          *spawn.Allocator
	Bodies          BodyControl
	RespawnDuration time.Duration
	RecoveryDelay   time.Duration
	// TickRate is the fixed steps per second countdowns are measured in.
	TickRate  int
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
}

type record struct {
	player Player
	// countdown is the knockout time left, in ticks.
	countdown uint64
	recovery  time.Duration
	recovers  bool
}

// Machine runs every player's lifecycle on the authority. It is driven only
// from the simulation goroutine.
type Machine struct {
	spawns          *spawn.Allocator
	bodies          BodyControl
	respawnDuration time.Duration
	recoveryDelay   time.Duration
	tickRate        int
	step            time.Duration
	publisher       logging.Publisher
	metrics         telemetry.Metrics

	tick uint64
	// carry is elapsed time not yet consumed as whole ticks.
	carry   time.Duration
	records *orderedmap.OrderedMap[string, *record]
	outbox  []proto.LifecycleUpdate

	knockedOut      notify.List[Notice]
	respawning      notify.List[Countdown]
	respawnComplete notify.List[Notice]
}

// NewMachine constructs a machine with no players.
func NewMachine(cfg Config) *Machine {
	pub := cfg.Publisher
	if pub == nil {
		pub = logging.NopPublisher()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	respawn := cfg.RespawnDuration
	if respawn <= 0 {
		respawn = DefaultRespawnDuration
	}
	recovery := cfg.RecoveryDelay
	if recovery < 0 {
		recovery = 0
	}
	rate := cfg.TickRate
	if rate <= 0 {
		rate = DefaultTickRate
	}
	return &Machine{
		spawns:          cfg.Spawns,
		bodies:          cfg.Bodies,
		respawnDuration: respawn,
		recoveryDelay:   recovery,
		tickRate:        rate,
		step:            time.Second / time.Duration(rate),
		publisher:       pub,
		metrics:         metrics,
		records:         orderedmap.NewOrderedMap[string, *record](),
	}
}

// OnPlayerKnockedOut subscribes to knockouts.
func (m *Machine) OnPlayerKnockedOut(fn func(Notice)) func() {
	return m.knockedOut.Subscribe(fn)
}

// OnPlayerRespawning subscribes to countdown steps.
func (m *Machine) OnPlayerRespawning(fn func(Countdown)) func() {
	return m.respawning.Subscribe(fn)
}

// OnRespawnComplete subscribes to the end of post-respawn recovery.
func (m *Machine) OnRespawnComplete(fn func(Notice)) func() {
	return m.respawnComplete.Subscribe(fn)
}

// SetTick stamps subsequent updates and log events with tick.
func (m *Machine) SetTick(tick uint64) { m.tick = tick }

// RespawnDuration returns the configured countdown length.
func (m *Machine) RespawnDuration() time.Duration { return m.respawnDuration }

// Join creates an alive record for clientID and places its paddle.
func (m *Machine) Join(ctx context.Context, clientID string, team spawn.Team) (Grant, error) {
	if clientID == "" {
		return Grant{}, fmt.Errorf("%w: empty client id", ErrUnknownPlayer)
	}
	if _, exists := m.records.Get(clientID); exists {
		return Grant{}, fmt.Errorf("%w: %s", ErrAlreadyJoined, clientID)
	}
	point, source := m.spawns.AcquireWithFallback(team)
	rec := &record{player: Player{
		ClientID: clientID,
		Team:     team,
		State:    StateAlive,
		SpawnID:  point.ID,
		Tick:     m.tick,
	}}
	m.records.Set(clientID, rec)
	m.place(clientID, point)
	m.metrics.Store(metricPlayers, uint64(m.records.Len()))
	m.emit(rec)

	logginglifecycle.PlayerJoined(ctx, m.publisher, m.tick, logging.PlayerRef(clientID), logginglifecycle.PlayerJoinedPayload{
		Team:    string(team),
		SpawnID: point.ID,
		Source:  source.String(),
	})
	return Grant{ClientID: clientID, Point: point, Source: source}, nil
}

// RequestKnockout starts the countdown for an alive player. It reports
// false for unknown players and players that are already down.
func (m *Machine) RequestKnockout(ctx context.Context, clientID string) bool {
	rec, ok := m.records.Get(clientID)
	if !ok || rec.player.State != StateAlive {
		return false
	}
	rec.player.State = StateKnockedOut
	rec.countdown = m.ticksFor(m.respawnDuration)
	rec.player.Remaining = m.durationOf(rec.countdown)
	rec.recovers = false
	if m.bodies != nil {
		m.bodies.SetInteractive(body.PaddleID(clientID), false)
	}
	m.metrics.Add(metricKnockouts, 1)
	m.emit(rec)

	logginglifecycle.PlayerKnockedOut(ctx, m.publisher, m.tick, logging.PlayerRef(clientID), logginglifecycle.KnockedOutPayload{
		CountdownSeconds: m.respawnDuration.Seconds(),
	})
	m.knockedOut.Emit(Notice{ClientID: clientID})
	return true
}

// Tick advances every countdown and recovery window by dt. Countdowns move
// in whole ticks; a dt longer than one step after a catch-up consumes several.
func (m *Machine) Tick(ctx context.Context, dt time.Duration) {
	if dt <= 0 {
		return
	}
	elapsed := m.elapsedTicks(dt)
	var (
		steps    []Countdown
		complete []Notice
	)
	for el := m.records.Front(); el != nil; el = el.Next() {
		rec := el.Value
		switch {
		case rec.player.State == StateKnockedOut:
			if elapsed == 0 {
				continue
			}
			rec.countdown -= min(rec.countdown, elapsed)
			rec.player.Remaining = m.durationOf(rec.countdown)
			if rec.countdown == 0 {
				rec.player.State = StateRespawning
				logginglifecycle.PlayerRespawning(ctx, m.publisher, m.tick, logging.PlayerRef(el.Key))
			}
			m.emit(rec)
			steps = append(steps, Countdown{ClientID: el.Key, Remaining: rec.player.Remaining})
		case rec.recovers:
			rec.recovery -= dt
			if rec.recovery <= 0 {
				rec.recovers = false
				rec.recovery = 0
				complete = append(complete, Notice{ClientID: el.Key})
			}
		}
	}
	for _, step := range steps {
		m.respawning.Emit(step)
	}
	for _, notice := range complete {
		m.respawnComplete.Emit(notice)
	}
}

// RequestRespawn places a player whose countdown has finished.
func (m *Machine) RequestRespawn(ctx context.Context, clientID string) (Grant, error) {
	rec, ok := m.records.Get(clientID)
	if !ok {
		return Grant{}, fmt.Errorf("%w: %s", ErrUnknownPlayer, clientID)
	}
	switch rec.player.State {
	case StateAlive:
		m.metrics.Add(metricRespawnRedundant, 1)
		return Grant{}, ErrAlreadyAlive
	case StateKnockedOut:
		m.metrics.Add(metricRespawnNotReady, 1)
		logginglifecycle.RespawnRejected(ctx, m.publisher, m.tick, logging.PlayerRef(clientID), logginglifecycle.RespawnRejectedPayload{
			RemainingSeconds: rec.player.Remaining.Seconds(),
		})
		return Grant{}, fmt.Errorf("%w: %s remaining", ErrRespawnNotReady, rec.player.Remaining)
	}

	if rec.player.SpawnID != "" {
		m.spawns.Release(rec.player.SpawnID)
	}
	point, source := m.spawns.AcquireWithFallback(rec.player.Team)
	rec.player.SpawnID = point.ID
	rec.player.State = StateAlive
	rec.player.Remaining = 0
	rec.countdown = 0
	m.place(clientID, point)
	rec.recovery = m.recoveryDelay
	rec.recovers = true
	m.metrics.Add(metricRespawns, 1)
	m.emit(rec)

	logginglifecycle.PlayerRespawned(ctx, m.publisher, m.tick, logging.PlayerRef(clientID), logginglifecycle.RespawnedPayload{
		SpawnID: point.ID,
		Source:  source.String(),
	})
	if m.recoveryDelay == 0 {
		rec.recovers = false
		m.respawnComplete.Emit(Notice{ClientID: clientID})
	}
	return Grant{ClientID: clientID, Point: point, Source: source}, nil
}

// Disconnect drops a player's record and frees its spawn point. No further
// notifications are delivered for the client.
func (m *Machine) Disconnect(ctx context.Context, clientID string) (Player, bool) {
	rec, ok := m.records.Get(clientID)
	if !ok {
		return Player{}, false
	}
	m.records.Delete(clientID)
	released := ""
	if rec.player.SpawnID != "" && m.spawns.Release(rec.player.SpawnID) {
		released = rec.player.SpawnID
	}
	m.metrics.Store(metricPlayers, uint64(m.records.Len()))

	logginglifecycle.PlayerDisconnected(ctx, m.publisher, m.tick, logging.PlayerRef(clientID), logginglifecycle.PlayerDisconnectedPayload{
		State:           string(rec.player.State),
		ReleasedSpawnID: released,
	})
	return rec.player, true
}

// Player returns a copy of one record.
func (m *Machine) Player(clientID string) (Player, bool) {
	rec, ok := m.records.Get(clientID)
	if !ok {
		return Player{}, false
	}
	return rec.player, true
}

// Players returns every record in join order.
func (m *Machine) Players() []Player {
	out := make([]Player, 0, m.records.Len())
	for el := m.records.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.player)
	}
	return out
}

// Updates returns the current state of every player, used to bring a newly
// synced peer up to date.
func (m *Machine) Updates() []proto.LifecycleUpdate {
	out := make([]proto.LifecycleUpdate, 0, m.records.Len())
	for el := m.records.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.player.Update())
	}
	return out
}

// Drain returns and clears the updates produced since the previous drain.
func (m *Machine) Drain() []proto.LifecycleUpdate {
	if len(m.outbox) == 0 {
		return nil
	}
	out := m.outbox
	m.outbox = nil
	return out
}

// ticksFor converts d to the nearest whole number of ticks, at least one.
func (m *Machine) ticksFor(d time.Duration) uint64 {
	ticks := uint64(math.Round(d.Seconds() * float64(m.tickRate)))
	return max(ticks, 1)
}

func (m *Machine) durationOf(ticks uint64) time.Duration {
	return time.Duration(ticks) * time.Second / time.Duration(m.tickRate)
}

// elapsedTicks folds dt into the carry and returns the whole ticks it covers,
// rounding to the nearest step so a truncated step still counts as one tick.
func (m *Machine) elapsedTicks(dt time.Duration) uint64 {
	m.carry += dt
	n := (m.carry + m.step/2) / m.step
	if n <= 0 {
		return 0
	}
	m.carry -= n * m.step
	return uint64(n)
}

func (m *Machine) place(clientID string, point spawn.Point) {
	if m.bodies == nil {
		return
	}
	id := body.PaddleID(clientID)
	m.bodies.Teleport(id, body.Transform{Position: point.Position, Rotation: point.Rotation})
	m.bodies.SetInteractive(id, true)
}

func (m *Machine) emit(rec *record) {
	rec.player.Tick = m.tick
	m.outbox = append(m.outbox, rec.player.Update())
}

package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"

	"paddlesync/server/internal/body"
	"paddlesync/server/internal/collision"
	"paddlesync/server/internal/lifecycle"
	"paddlesync/server/internal/net/proto"
	"paddlesync/server/internal/replication"
	"paddlesync/server/internal/spawn"
	"paddlesync/server/logging"
	loggingreplication "paddlesync/server/logging/replication"
)

// AuthorityPeer is the peer id the authority writes its own physics under.
const AuthorityPeer body.PeerID = "authority"

// ErrNotPlayer is returned for commands from actors without a lifecycle record.
var ErrNotPlayer = errors.New("sim: actor is not a player")

// EngineConfig describes the managers an Engine composes.
type EngineConfig struct {
	Session         string
	Self            body.PeerID
	Spawns          *spawn.Allocator
	Materials       collision.MaterialTable
	Driver          Driver
	RespawnDuration time.Duration
	RecoveryDelay   time.Duration
	// TickRate is the loop's steps per second. NewRuntime fills it from the
	// loop config.
	TickRate     int
	SeenEntries  int
	SeenAgeTicks uint64
	// BallStart is where the ball is registered.
	BallStart body.Transform
}

// Outbound is one message produced by a step. An empty To broadcasts to every
// synced subscriber.
type Outbound struct {
	To  string
	Msg proto.Message
}

// Broadcast reports whether the message goes to every synced subscriber.
func (o Outbound) Broadcast() bool { return o.To == "" }

// EngineCore is the surface the Loop drives.
type EngineCore interface {
	Deps() Deps
	Apply(ctx context.Context, tick uint64, cmds []Command)
	Step(ctx context.Context, tick uint64, dt time.Duration)
	DrainOutbox() []Outbound
}

// Engine is the authoritative game state. All methods run on the loop
// goroutine.
type Engine struct {
	deps      Deps
	self      body.PeerID
	authority *replication.Authority
	relay     *collision.Relay
	applier   *collision.Applier
	lifecycle *lifecycle.Machine
	spawns    *spawn.Allocator
	driver    Driver

	tick    uint64
	pending []string
	outbox  []Outbound
	removed []string
	rtt     map[string]time.Duration
}

// NewEngine builds the authority, relay, and lifecycle machine for a new
// session and registers the ball.
func NewEngine(cfg EngineConfig, deps Deps) (*Engine, error) {
	deps = deps.withDefaults()
	if cfg.Session == "" {
		cfg.Session = uuid.NewString()
	}
	if cfg.Self == "" {
		cfg.Self = AuthorityPeer
	}
	spawns := cfg.Spawns
	if spawns == nil {
		points, fallback := spawn.DefaultLayout()
		var err error
		spawns, err = spawn.NewAllocator(points, fallback, deps.Metrics)
		if err != nil {
			return nil, fmt.Errorf("sim: default spawn layout: %w", err)
		}
	}
	driver := cfg.Driver
	if driver == nil {
		driver = KinematicDriver{LinearDamping: 0.05, RestSpeed: 0.01}
	}

	authority := replication.NewAuthority(replication.AuthorityConfig{
		Self:      cfg.Self,
		Session:   cfg.Session,
		Publisher: deps.Publisher,
		Metrics:   deps.Metrics,
	})
	e := &Engine{
		deps:      deps,
		self:      cfg.Self,
		authority: authority,
		relay: collision.NewRelay(collision.RelayConfig{
			Session:   cfg.Session,
			Bodies:    authority,
			Materials: cfg.Materials,
			Publisher: deps.Publisher,
			Metrics:   deps.Metrics,
		}),
		applier: collision.NewApplier(authority, collision.NewSeenWindow(cfg.SeenEntries, cfg.SeenAgeTicks), deps.Metrics),
		lifecycle: lifecycle.NewMachine(lifecycle.Config{
			Spawns:          spawns,
			Bodies:          authority,
			RespawnDuration: cfg.RespawnDuration,
			RecoveryDelay:   cfg.RecoveryDelay,
			TickRate:        cfg.TickRate,
			Publisher:       deps.Publisher,
			Metrics:         deps.Metrics,
		}),
		spawns: spawns,
		driver: driver,
		rtt:    make(map[string]time.Duration),
	}

	start := cfg.BallStart
	if start == (body.Transform{}) {
		start = body.Transform{Position: mgl32.Vec3{0, 1, 0}, Rotation: mgl32.QuatIdent()}
	}
	authority.RegisterBody(body.NetworkedBody{ID: body.BallID, Transform: start, Interactive: true})
	return e, nil
}

// Deps returns the injected dependencies.
func (e *Engine) Deps() Deps { return e.deps }

// Authority exposes the canonical body store.
func (e *Engine) Authority() *replication.Authority { return e.authority }

// Lifecycle exposes the player state machine for collaborator subscriptions.
func (e *Engine) Lifecycle() *lifecycle.Machine { return e.lifecycle }

// Spawns exposes the spawn allocator.
func (e *Engine) Spawns() *spawn.Allocator { return e.spawns }

// Session returns the authority session id.
func (e *Engine) Session() string { return e.authority.Session() }

// Tick returns the last stepped tick.
func (e *Engine) Tick() uint64 { return e.tick }

// RTT returns the latest round trip measured for a player.
func (e *Engine) RTT(clientID string) (time.Duration, bool) {
	rtt, ok := e.rtt[clientID]
	return rtt, ok
}

// Apply processes the commands staged for tick in arrival order.
func (e *Engine) Apply(ctx context.Context, tick uint64, cmds []Command) {
	e.lifecycle.SetTick(tick)
	for _, cmd := range cmds {
		if err := e.apply(ctx, tick, cmd); err != nil {
			e.deps.Logger.Printf("[sim] tick=%d actor=%s type=%s: %v", tick, cmd.ActorID, cmd.Type, err)
		}
	}
}

func (e *Engine) apply(ctx context.Context, tick uint64, cmd Command) error {
	switch cmd.Type {
	case CommandJoin:
		return e.join(ctx, cmd)
	case CommandDisconnect:
		e.disconnect(ctx, cmd.ActorID)
		return nil
	case CommandCollision:
		if cmd.Collision == nil {
			return fmt.Errorf("missing collision payload")
		}
		return e.commitCollision(ctx, tick, cmd.ActorID, *cmd.Collision)
	case CommandRespawn:
		if cmd.Respawn != nil && cmd.Respawn.ClientID != "" && cmd.Respawn.ClientID != cmd.ActorID {
			return fmt.Errorf("%w: %s may not respawn %s", replication.ErrAuthorityViolation, cmd.ActorID, cmd.Respawn.ClientID)
		}
		return e.respawn(ctx, cmd.ActorID)
	case CommandKnockout:
		e.lifecycle.RequestKnockout(ctx, cmd.ActorID)
		return nil
	case CommandBodyWrite:
		if cmd.BodyWrite == nil {
			return fmt.Errorf("missing body write payload")
		}
		w := cmd.BodyWrite
		return e.authority.SubmitLocalSnapshot(ctx, body.PeerID(cmd.ActorID), w.BodyID, w.Transform, w.Velocities)
	case CommandHeartbeat:
		if cmd.Heartbeat == nil {
			return nil
		}
		e.rtt[cmd.ActorID] = cmd.Heartbeat.RTT
		e.outbox = append(e.outbox, Outbound{To: cmd.ActorID, Msg: proto.Heartbeat{
			SentAt:     cmd.Heartbeat.ClientSent,
			ServerTime: e.deps.Clock.Now().UnixMilli(),
			RTTMillis:  cmd.Heartbeat.RTT.Milliseconds(),
		}})
		return nil
	default:
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

func (e *Engine) join(ctx context.Context, cmd Command) error {
	team := spawn.TeamAny
	if cmd.Join != nil {
		team = cmd.Join.Team
	}
	paddle := body.PaddleID(cmd.ActorID)
	if _, ok := e.authority.Body(paddle); !ok {
		e.authority.RegisterBody(body.NetworkedBody{ID: paddle, Transform: body.IdentityTransform()})
	}
	if _, err := e.lifecycle.Join(ctx, cmd.ActorID, team); err != nil && !errors.Is(err, lifecycle.ErrAlreadyJoined) {
		return err
	}
	e.pending = append(e.pending, cmd.ActorID)
	return nil
}

func (e *Engine) disconnect(ctx context.Context, clientID string) {
	e.lifecycle.Disconnect(ctx, clientID)
	if msg, ok := e.authority.RemoveBody(ctx, body.PaddleID(clientID)); ok {
		e.outbox = append(e.outbox, Outbound{Msg: msg})
	}
	delete(e.rtt, clientID)
	for i, id := range e.pending {
		if id == clientID {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			break
		}
	}
	e.removed = append(e.removed, clientID)
}

func (e *Engine) commitCollision(ctx context.Context, tick uint64, from string, p proto.CollisionProposal) error {
	evt, ok, err := e.relay.CommitCollision(ctx, p, from, tick)
	if err != nil || !ok {
		return err
	}
	e.applier.ApplyCollision(evt)
	e.outbox = append(e.outbox, Outbound{Msg: evt})
	return nil
}

func (e *Engine) respawn(ctx context.Context, clientID string) error {
	if _, ok := e.lifecycle.Player(clientID); !ok {
		return fmt.Errorf("%w: %s", ErrNotPlayer, clientID)
	}
	grant, err := e.lifecycle.RequestRespawn(ctx, clientID)
	if err != nil {
		// Premature and redundant requests are absorbed.
		return nil
	}
	e.outbox = append(e.outbox, Outbound{To: clientID, Msg: grant.Message()})
	return nil
}

// RequestKnockout knocks a player out immediately. Callers outside the loop
// goroutine enqueue CommandKnockout instead.
func (e *Engine) RequestKnockout(ctx context.Context, clientID string) bool {
	return e.lifecycle.RequestKnockout(ctx, clientID)
}

// Step advances the world by dt and queues this tick's messages.
func (e *Engine) Step(ctx context.Context, tick uint64, dt time.Duration) {
	e.tick = tick
	e.lifecycle.SetTick(tick)
	if err := e.driver.Step(ctx, e.authority, dt); err != nil {
		e.deps.Logger.Printf("[sim] tick=%d driver: %v", tick, err)
	}
	e.lifecycle.Tick(ctx, dt)
	for _, update := range e.lifecycle.Drain() {
		e.outbox = append(e.outbox, Outbound{Msg: update})
	}
	if update, ok := e.authority.BroadcastTick(tick); ok {
		e.outbox = append(e.outbox, Outbound{Msg: update})
	}
	e.syncPending(ctx)
}

func (e *Engine) syncPending(ctx context.Context) {
	if len(e.pending) == 0 {
		return
	}
	full := e.authority.FullSnapshot()
	updates := e.lifecycle.Updates()
	for _, clientID := range e.pending {
		e.outbox = append(e.outbox, Outbound{To: clientID, Msg: full})
		for _, update := range updates {
			e.outbox = append(e.outbox, Outbound{To: clientID, Msg: update})
		}
		loggingreplication.PeerSynced(ctx, e.deps.Publisher, full.Tick, logging.PeerRef(clientID), loggingreplication.PeerSyncedPayload{Bodies: len(full.Bodies)})
	}
	e.pending = e.pending[:0]
}

// DrainOutbox returns and clears the messages produced since the last drain.
func (e *Engine) DrainOutbox() []Outbound {
	if len(e.outbox) == 0 {
		return nil
	}
	out := e.outbox
	e.outbox = nil
	return out
}

// RemovedPlayers returns and clears the players disconnected since the last call.
func (e *Engine) RemovedPlayers() []string {
	if len(e.removed) == 0 {
		return nil
	}
	out := e.removed
	e.removed = nil
	return out
}

var _ EngineCore = (*Engine)(nil)

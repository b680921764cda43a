package peer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"paddlesync/server/internal/body"
	"paddlesync/server/internal/dispatch"
	"paddlesync/server/internal/lifecycle"
	"paddlesync/server/internal/net/proto"
	"paddlesync/server/internal/telemetry"
	"paddlesync/server/logging"
)

type recordingSender struct {
	sent []proto.Message
}

func (r *recordingSender) Send(msg proto.Message) error {
	r.sent = append(r.sent, msg)
	return nil
}

func snapshot(id body.ID, tick uint64, z float32) proto.StateSnapshot {
	return proto.StateSnapshot{
		BodyID:   id,
		Position: mgl32.Vec3{0, 1, z},
		Rotation: mgl32.QuatIdent(),
		Tick:     tick,
	}
}

func lifecycleUpdate(clientID string, state lifecycle.State, remaining float64, tick uint64) proto.LifecycleUpdate {
	return proto.LifecycleUpdate{ClientID: clientID, Team: "A", State: string(state), RemainingTime: remaining, Tick: tick}
}

func mustHandle(t *testing.T, p *Peer, msg proto.Message) {
	t.Helper()
	if err := p.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle %s: %v", msg.Kind(), err)
	}
}

func TestMidGameJoinDropsOldIncrementals(t *testing.T) {
	p := New(Config{ClientID: "alice"})

	mustHandle(t, p, proto.StateUpdate{Tick: 5, Bodies: []proto.StateSnapshot{snapshot(body.BallID, 5, 5)}})
	if _, ok := p.Bodies().Body(body.BallID); ok {
		t.Fatalf("expected incremental before the snapshot to be dropped")
	}

	mustHandle(t, p, proto.FullStateSnapshot{Session: "s", Tick: 10, Bodies: []proto.StateSnapshot{snapshot(body.BallID, 10, 1)}})
	mustHandle(t, p, proto.StateUpdate{Tick: 8, Bodies: []proto.StateSnapshot{snapshot(body.BallID, 8, 8)}})
	if ball, _ := p.Bodies().Body(body.BallID); ball.Transform.Position.Z() != 1 {
		t.Fatalf("expected incremental at tick 8 to be dropped, got z=%v", ball.Transform.Position.Z())
	}

	mustHandle(t, p, proto.StateUpdate{Tick: 11, Bodies: []proto.StateSnapshot{snapshot(body.BallID, 11, 3)}})
	if ball, _ := p.Bodies().Body(body.BallID); ball.Transform.Position.Z() != 3 {
		t.Fatalf("expected incremental at tick 11 to apply, got z=%v", ball.Transform.Position.Z())
	}
}

func TestCollisionAppliedOnce(t *testing.T) {
	metrics := &logging.Metrics{}
	p := New(Config{ClientID: "alice", Metrics: telemetry.WrapMetrics(metrics)})
	mustHandle(t, p, proto.FullStateSnapshot{Session: "s", Tick: 1, Bodies: []proto.StateSnapshot{snapshot(body.BallID, 1, 0)}})

	var applied int
	p.Collisions().OnApplied(func(proto.CollisionResolved) { applied++ })

	evt := proto.CollisionResolved{
		Session:         "s",
		EventID:         1,
		BodyID:          body.BallID,
		ContactNormal:   mgl32.Vec3{0, 0, 1},
		Impulse:         mgl32.Vec3{0, 0, 2.5},
		AngularVelocity: mgl32.Vec3{1, 0, 0},
		Tick:            2,
	}
	mustHandle(t, p, evt)
	once, _ := p.Bodies().Body(body.BallID)
	mustHandle(t, p, evt)
	twice, _ := p.Bodies().Body(body.BallID)

	if applied != 1 {
		t.Fatalf("expected one application, got %d", applied)
	}
	if once != twice || once.Velocities.Linear != evt.Impulse || once.Velocities.Angular != evt.AngularVelocity {
		t.Fatalf("expected duplicate to leave state unchanged: %+v vs %+v", once, twice)
	}
}

func TestLateCollisionDoesNotOverwriteNewerState(t *testing.T) {
	p := New(Config{ClientID: "alice"})
	mustHandle(t, p, proto.FullStateSnapshot{Session: "s", Tick: 10, Bodies: []proto.StateSnapshot{snapshot(body.BallID, 10, 0)}})

	latest := snapshot(body.BallID, 20, 4)
	latest.LinearVelocity = mgl32.Vec3{0, 0, 7}
	mustHandle(t, p, proto.StateUpdate{Tick: 20, Bodies: []proto.StateSnapshot{latest}})

	var applied int
	p.Collisions().OnApplied(func(proto.CollisionResolved) { applied++ })
	mustHandle(t, p, proto.CollisionResolved{
		Session:       "s",
		EventID:       3,
		BodyID:        body.BallID,
		ContactNormal: mgl32.Vec3{0, 0, 1},
		Impulse:       mgl32.Vec3{0, 0, -3},
		Tick:          12,
	})

	ball, _ := p.Bodies().Body(body.BallID)
	if applied != 0 || ball.Velocities.Linear != (mgl32.Vec3{0, 0, 7}) {
		t.Fatalf("expected tick 20 velocity to stand, got %v (applied=%d)", ball.Velocities.Linear, applied)
	}
	if p.Bodies().LastAppliedTick(body.BallID) != 20 {
		t.Fatalf("expected applied tick 20, got %d", p.Bodies().LastAppliedTick(body.BallID))
	}

	mustHandle(t, p, proto.FullStateSnapshot{Session: "s", Tick: 10, Bodies: []proto.StateSnapshot{snapshot(body.BallID, 10, 0)}})
	if ball, _ := p.Bodies().Body(body.BallID); ball.Transform.Position.Z() != 4 || p.Bodies().LastAppliedTick(body.BallID) != 20 {
		t.Fatalf("expected a repeated baseline to leave tick 20 state, got z=%v", ball.Transform.Position.Z())
	}
}

func TestAutoRespawnRequestsOnlyForLocalPlayer(t *testing.T) {
	sender := &recordingSender{}
	p := New(Config{ClientID: "alice", AutoRespawn: true})
	p.Attach(sender)

	for _, id := range []string{"alice", "bob"} {
		mustHandle(t, p, lifecycleUpdate(id, lifecycle.StateAlive, 0, 1))
		mustHandle(t, p, lifecycleUpdate(id, lifecycle.StateKnockedOut, 6, 2))
		mustHandle(t, p, lifecycleUpdate(id, lifecycle.StateKnockedOut, 3, 3))
		if len(sender.sent) != 0 {
			t.Fatalf("no request expected during the countdown, got %+v", sender.sent)
		}
		mustHandle(t, p, lifecycleUpdate(id, lifecycle.StateRespawning, 0, 4))
	}

	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one respawn request, got %+v", sender.sent)
	}
	req, ok := sender.sent[0].(proto.RespawnRequest)
	if !ok || req.ClientID != "alice" {
		t.Fatalf("expected respawn request for alice, got %+v", sender.sent[0])
	}
}

func TestRequestRespawnGating(t *testing.T) {
	p := New(Config{ClientID: "alice"})

	if err := p.RequestRespawn(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	sender := &recordingSender{}
	p.Attach(sender)

	mustHandle(t, p, lifecycleUpdate("alice", lifecycle.StateAlive, 0, 1))
	if err := p.RequestRespawn(); !errors.Is(err, lifecycle.ErrAlreadyAlive) {
		t.Fatalf("expected ErrAlreadyAlive, got %v", err)
	}

	mustHandle(t, p, lifecycleUpdate("alice", lifecycle.StateKnockedOut, 2, 2))
	if err := p.RequestRespawn(); !errors.Is(err, lifecycle.ErrRespawnNotReady) {
		t.Fatalf("expected ErrRespawnNotReady, got %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("premature requests must not be sent, got %+v", sender.sent)
	}

	mustHandle(t, p, lifecycleUpdate("alice", lifecycle.StateRespawning, 0, 3))
	if err := p.RequestRespawn(); err != nil {
		t.Fatalf("expected request to be sent, got %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one request, got %+v", sender.sent)
	}
}

func TestPaddleRemovalForgetsPlayer(t *testing.T) {
	p := New(Config{ClientID: "alice"})
	mustHandle(t, p, proto.FullStateSnapshot{Session: "s", Tick: 1, Bodies: []proto.StateSnapshot{
		snapshot(body.BallID, 1, 0),
		snapshot(body.PaddleID("bob"), 1, 2),
	}})
	mustHandle(t, p, lifecycleUpdate("bob", lifecycle.StateKnockedOut, 4, 1))

	mustHandle(t, p, proto.BodyRemoved{BodyID: body.PaddleID("bob"), Tick: 2})
	if _, ok := p.Bodies().Body(body.PaddleID("bob")); ok {
		t.Fatalf("expected paddle to be removed")
	}
	if _, ok := p.Players().Player("bob"); ok {
		t.Fatalf("expected lifecycle record to be removed")
	}
}

func TestRespawnGrantOnlyForLocalPlayer(t *testing.T) {
	p := New(Config{ClientID: "alice"})
	var grants []proto.RespawnGrant
	p.OnRespawnGrant(func(g proto.RespawnGrant) { grants = append(grants, g) })

	mustHandle(t, p, proto.RespawnGrant{ClientID: "bob"})
	mustHandle(t, p, proto.RespawnGrant{ClientID: "alice", SpawnID: "a-1", Position: mgl32.Vec3{0, 0, -2}})
	if len(grants) != 1 || grants[0].SpawnID != "a-1" {
		t.Fatalf("expected one local grant, got %+v", grants)
	}
}

func TestHeartbeatMeasuresRTT(t *testing.T) {
	now := time.UnixMilli(10_000)
	p := New(Config{ClientID: "alice", Clock: func() time.Time { return now }})

	mustHandle(t, p, proto.Heartbeat{SentAt: 9_960, ServerTime: 9_980})
	if got := p.RTT(); got != 40*time.Millisecond {
		t.Fatalf("expected 40ms, got %v", got)
	}
}

func TestHandleRejectsPeerOnlyKinds(t *testing.T) {
	metrics := &logging.Metrics{}
	p := New(Config{ClientID: "alice", Metrics: telemetry.WrapMetrics(metrics)})

	err := p.Handle(context.Background(), proto.RespawnRequest{ClientID: "bob"})
	if !errors.Is(err, dispatch.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if metrics.Snapshot()[metricDispatchErrors] != 1 {
		t.Fatalf("expected dispatch error to be counted")
	}
}

func TestCloseTearsDownState(t *testing.T) {
	p := New(Config{ClientID: "alice", AutoRespawn: true})
	p.Attach(&recordingSender{})
	mustHandle(t, p, proto.FullStateSnapshot{Session: "s", Tick: 1, Bodies: []proto.StateSnapshot{snapshot(body.BallID, 1, 0)}})
	mustHandle(t, p, lifecycleUpdate("alice", lifecycle.StateAlive, 0, 1))

	var updates int
	p.Bodies().OnBodyUpdated(func(body.ID) { updates++ })

	p.Close()

	if p.Bodies().Synced() || len(p.Bodies().Bodies()) != 0 {
		t.Fatalf("expected body mirror to be reset")
	}
	if len(p.Players().Players()) != 0 {
		t.Fatalf("expected lifecycle mirror to be reset")
	}
	if err := p.ProposeCollision(proto.CollisionProposal{BodyID: body.BallID}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after close, got %v", err)
	}

	mustHandle(t, p, proto.FullStateSnapshot{Session: "s2", Tick: 1, Bodies: []proto.StateSnapshot{snapshot(body.BallID, 1, 0)}})
	if updates != 0 {
		t.Fatalf("expected observers to be dropped, got %d notifications", updates)
	}
}

package sim

import (
	"context"
	"testing"

	"paddlesync/server/internal/body"
	"paddlesync/server/internal/net/proto"
	"paddlesync/server/internal/spawn"
)

func TestNewRuntimeAppliesOptions(t *testing.T) {
	var prepared []uint64
	loop, engine, err := NewRuntime(EngineConfig{},
		WithLoopConfig(LoopConfig{TickRate: 30, CommandCapacity: 4}),
		WithLoopHooks(LoopHooks{Prepare: func(tc LoopTickContext) { prepared = append(prepared, tc.Tick) }}),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loop.Config().TickRate != 30 || loop.Config().CommandCapacity != 4 {
		t.Fatalf("loop config not applied: %+v", loop.Config())
	}
	if engine.Session() == "" {
		t.Fatalf("expected a generated session id")
	}
	if _, ok := engine.Authority().Body(body.BallID); !ok {
		t.Fatalf("expected the ball to be registered")
	}

	loop.Enqueue(Command{ActorID: "alice", Type: CommandJoin, Join: &JoinCommand{Team: spawn.TeamA}})
	result := loop.Advance(context.Background(), LoopTickContext{Tick: 1, Delta: testStep})
	if len(prepared) != 1 || prepared[0] != 1 {
		t.Fatalf("expected prepare hook to run once, got %v", prepared)
	}
	if countKind(result.Outbound, proto.KindFullState) != 1 {
		t.Fatalf("expected the join to produce a full snapshot")
	}
}

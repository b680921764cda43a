package sim

import (
	"context"
	"sync"
	"testing"
	"time"

	"paddlesync/server/internal/telemetry"
	"paddlesync/server/logging"
)

type countingCore struct {
	mu      sync.Mutex
	deps    Deps
	applied [][]Command
	steps   []time.Duration
	panicAt uint64
}

func (c *countingCore) Deps() Deps { return c.deps }

func (c *countingCore) Apply(_ context.Context, _ uint64, cmds []Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied = append(c.applied, cmds)
}

func (c *countingCore) Step(_ context.Context, tick uint64, dt time.Duration) {
	if c.panicAt != 0 && tick == c.panicAt {
		panic("boom")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, dt)
}

func (c *countingCore) DrainOutbox() []Outbound { return nil }

func (c *countingCore) stepCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.steps)
}

func TestEnqueueThrottlesPerActor(t *testing.T) {
	var drops []string
	loop := NewLoop(&countingCore{}, LoopConfig{CommandCapacity: 8, PerActorLimit: 2}, LoopHooks{
		OnCommandDrop: func(reason string, _ Command) { drops = append(drops, reason) },
	})

	for i := 0; i < 3; i++ {
		loop.Enqueue(Command{ActorID: "alice", Type: CommandHeartbeat})
	}
	if ok, _ := loop.Enqueue(Command{ActorID: "alice", Type: CommandDisconnect}); !ok {
		t.Fatalf("expected disconnect to bypass throttling")
	}
	if ok, reason := loop.Enqueue(Command{ActorID: "bob", Type: CommandHeartbeat}); !ok || reason != "" {
		t.Fatalf("expected other actors to be unaffected, reason=%q", reason)
	}
	if len(drops) != 1 || drops[0] != CommandRejectQueueLimit {
		t.Fatalf("unexpected drops: %v", drops)
	}
	if loop.Pending() != 4 {
		t.Fatalf("expected 4 staged commands, got %d", loop.Pending())
	}

	loop.Advance(context.Background(), LoopTickContext{Tick: 1, Delta: testStep})
	if ok, _ := loop.Enqueue(Command{ActorID: "alice", Type: CommandHeartbeat}); !ok {
		t.Fatalf("expected throttle window to reset after a step")
	}
}

func TestEnqueueReportsFullBuffer(t *testing.T) {
	loop := NewLoop(&countingCore{}, LoopConfig{CommandCapacity: 1}, LoopHooks{})
	loop.Enqueue(Command{ActorID: "a"})
	if ok, reason := loop.Enqueue(Command{ActorID: "b"}); ok || reason != CommandRejectQueueFull {
		t.Fatalf("expected queue_full, got ok=%v reason=%q", ok, reason)
	}
}

func TestAdvanceDrainsCommandsInOrder(t *testing.T) {
	core := &countingCore{}
	loop := NewLoop(core, LoopConfig{CommandCapacity: 4}, LoopHooks{})
	loop.Enqueue(Command{ActorID: "a"})
	loop.Enqueue(Command{ActorID: "b"})

	result := loop.Advance(context.Background(), LoopTickContext{Tick: 7, Delta: testStep})
	if result.Tick != 7 || len(result.Commands) != 2 || result.Commands[0].ActorID != "a" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if loop.Pending() != 0 || loop.Tick() != 7 {
		t.Fatalf("expected queue drained and tick recorded")
	}
}

func TestRunRecoversFromPanics(t *testing.T) {
	metrics := &logging.Metrics{}
	core := &countingCore{panicAt: 1, deps: Deps{Metrics: telemetry.WrapMetrics(metrics)}}
	steps := make(chan LoopStepResult, 16)
	loop := NewLoop(core, LoopConfig{TickRate: 200}, LoopHooks{
		AfterStep: func(r LoopStepResult) {
			select {
			case steps <- r:
			default:
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	select {
	case r := <-steps:
		if r.Tick < 2 {
			t.Fatalf("expected the panicking tick to be skipped, got %d", r.Tick)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not keep running after a panic")
	}
	cancel()
	<-done
	if metrics.Snapshot()[loopPanicMetricKey] != 1 {
		t.Fatalf("expected the panic to be counted")
	}
}

func TestPauseStopsStepping(t *testing.T) {
	core := &countingCore{}
	loop := NewLoop(core, LoopConfig{TickRate: 200, CatchupMaxTicks: 100}, LoopHooks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for core.stepCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	loop.Pause()
	time.Sleep(20 * time.Millisecond)
	paused := core.stepCount()
	time.Sleep(100 * time.Millisecond)
	if got := core.stepCount(); got != paused {
		t.Fatalf("expected no steps while paused, got %d more", got-paused)
	}

	loop.Resume()
	for core.stepCount() == paused && time.Now().Before(deadline.Add(2*time.Second)) {
		time.Sleep(5 * time.Millisecond)
	}
	core.mu.Lock()
	resumedDt := core.steps[paused]
	core.mu.Unlock()
	if resumedDt >= 100*time.Millisecond {
		t.Fatalf("paused time leaked into the first step after resume: %v", resumedDt)
	}
}

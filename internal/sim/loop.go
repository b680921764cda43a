package sim

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"paddlesync/server/internal/observability"
	"paddlesync/server/internal/telemetry"
	"paddlesync/server/logging"
)

const (
	// CommandRejectQueueLimit indicates a command was dropped due to per-actor
	// queue throttling.
	CommandRejectQueueLimit = "queue_limit"
	// CommandRejectQueueFull indicates the global command buffer is saturated.
	CommandRejectQueueFull = "queue_full"

	loopPanicMetricKey = "sim_loop_panics_total"
)

// LoopConfig tunes the command buffer and tick loop orchestration.
type LoopConfig struct {
	TickRate        int
	CatchupMaxTicks int
	CommandCapacity int
	PerActorLimit   int
	WarningStep     int
}

// DefaultLoopConfig matches a 60Hz VR frame budget.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		TickRate:        60,
		CatchupMaxTicks: 3,
		CommandCapacity: 1024,
		PerActorLimit:   32,
		WarningStep:     256,
	}
}

// LoopTickContext describes the step about to run.
type LoopTickContext struct {
	Tick  uint64
	Now   time.Time
	Delta time.Duration
}

// LoopStepResult summarises one executed step.
type LoopStepResult struct {
	Tick           uint64
	Now            time.Time
	Delta          time.Duration
	Duration       time.Duration
	Budget         time.Duration
	ClampedDelta   bool
	MaxDelta       time.Duration
	Commands       []Command
	Outbound       []Outbound
	RemovedPlayers []string
}

// LoopHooks are optional callbacks around each step.
type LoopHooks struct {
	NextTick       func() uint64
	Prepare        func(LoopTickContext)
	AfterStep      func(LoopStepResult)
	OnCommandDrop  func(reason string, cmd Command)
	OnQueueWarning func(length int)
}

// Loop coordinates command ingestion and the fixed-timestep simulation runner.
type Loop struct {
	core    EngineCore
	buffer  *CommandBuffer
	hooks   LoopHooks
	config  LoopConfig
	logger  telemetry.Logger
	metrics telemetry.Metrics
	clock   logging.Clock

	queueMu       sync.Mutex
	perActorCount map[string]int
	dropCounts    map[string]uint64

	tick    atomic.Uint64
	paused  atomic.Bool
	resumed atomic.Bool
}

// NewLoop wraps the provided engine core with a ring-buffer queue and loop.
func NewLoop(core EngineCore, cfg LoopConfig, hooks LoopHooks) *Loop {
	if core == nil {
		return nil
	}
	defaults := DefaultLoopConfig()
	if cfg.TickRate <= 0 {
		cfg.TickRate = defaults.TickRate
	}
	if cfg.CommandCapacity <= 0 {
		cfg.CommandCapacity = defaults.CommandCapacity
	}
	deps := core.Deps().withDefaults()
	return &Loop{
		core:          core,
		buffer:        NewCommandBuffer(cfg.CommandCapacity, deps.Metrics),
		hooks:         hooks,
		config:        cfg,
		logger:        deps.Logger,
		metrics:       deps.Metrics,
		clock:         deps.Clock,
		perActorCount: make(map[string]int),
		dropCounts:    make(map[string]uint64),
	}
}

// Deps returns the injected dependencies for the underlying engine.
func (l *Loop) Deps() Deps {
	if l == nil {
		return Deps{}
	}
	return l.core.Deps()
}

// Config returns the loop sizing.
func (l *Loop) Config() LoopConfig {
	if l == nil {
		return LoopConfig{}
	}
	return l.config
}

// Tick returns the last tick handed to the engine.
func (l *Loop) Tick() uint64 {
	if l == nil {
		return 0
	}
	return l.tick.Load()
}

// Pending reports the number of staged commands.
func (l *Loop) Pending() int {
	if l == nil {
		return 0
	}
	return l.buffer.Len()
}

// DrainCommands clears the staged command queue without advancing the engine.
func (l *Loop) DrainCommands() []Command {
	if l == nil {
		return nil
	}
	return l.drainCommands()
}

// Pause stops stepping. Countdowns do not advance while paused.
func (l *Loop) Pause() {
	if l == nil {
		return
	}
	l.paused.Store(true)
}

// Resume restarts stepping. Time spent paused is not fed to the engine.
func (l *Loop) Resume() {
	if l == nil {
		return
	}
	if l.paused.CompareAndSwap(true, false) {
		l.resumed.Store(true)
	}
}

// Paused reports whether stepping is suspended.
func (l *Loop) Paused() bool {
	return l != nil && l.paused.Load()
}

// Enqueue stages a command, enforcing per-actor throttling and capacity limits.
func (l *Loop) Enqueue(cmd Command) (bool, string) {
	if l == nil {
		return false, CommandRejectQueueFull
	}
	reason := ""
	var dropCount uint64
	l.queueMu.Lock()
	if l.config.PerActorLimit > 0 && cmd.ActorID != "" && cmd.Type != CommandDisconnect {
		count := l.perActorCount[cmd.ActorID]
		if count >= l.config.PerActorLimit {
			reason = CommandRejectQueueLimit
			dropCount = l.incrementDropLocked(cmd.ActorID)
		} else {
			l.perActorCount[cmd.ActorID] = count + 1
		}
	}
	if reason == "" {
		if !l.buffer.Push(cmd) {
			reason = CommandRejectQueueFull
			dropCount = l.incrementDropLocked(cmd.ActorID)
		} else if l.config.WarningStep > 0 {
			length := l.buffer.Len()
			if length >= l.config.WarningStep && length%l.config.WarningStep == 0 {
				l.queueMu.Unlock()
				l.warnQueue(length)
				return true, ""
			}
		}
	}
	l.queueMu.Unlock()
	if reason != "" {
		l.reportDrop(reason, cmd, dropCount)
		return false, reason
	}
	return true, ""
}

// Advance executes a single simulation step using the staged commands.
func (l *Loop) Advance(ctx context.Context, tc LoopTickContext) LoopStepResult {
	if l == nil {
		return LoopStepResult{}
	}
	commands := l.drainCommands()
	if l.hooks.Prepare != nil {
		l.hooks.Prepare(tc)
	}
	l.tick.Store(tc.Tick)
	l.core.Apply(ctx, tc.Tick, commands)
	l.core.Step(ctx, tc.Tick, tc.Delta)
	return LoopStepResult{
		Tick:           tc.Tick,
		Now:            tc.Now,
		Delta:          tc.Delta,
		Commands:       commands,
		Outbound:       l.core.DrainOutbox(),
		RemovedPlayers: l.removedPlayers(),
	}
}

// Run drives the fixed-timestep loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	if l == nil {
		return
	}
	budget := time.Second / time.Duration(l.config.TickRate)
	ticker := time.NewTicker(budget)
	defer ticker.Stop()

	maxDt := budget
	if l.config.CatchupMaxTicks > 1 {
		maxDt = budget * time.Duration(l.config.CatchupMaxTicks)
	}
	last := l.clock.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.paused.Load() {
				continue
			}
			now := l.clock.Now()
			if l.resumed.CompareAndSwap(true, false) {
				last = now.Add(-budget)
			}
			dt := now.Sub(last)
			clamped := false
			if dt <= 0 {
				dt = budget
			} else if dt > maxDt {
				dt = maxDt
				clamped = true
			}
			last = now

			var tick uint64
			if l.hooks.NextTick != nil {
				tick = l.hooks.NextTick()
			} else {
				tick = l.tick.Load() + 1
			}

			start := l.clock.Now()
			result, ok := l.safeAdvance(ctx, LoopTickContext{Tick: tick, Now: now, Delta: dt})
			if !ok {
				continue
			}
			result.Duration = l.clock.Now().Sub(start)
			result.Budget = budget
			result.ClampedDelta = clamped
			result.MaxDelta = maxDt

			if l.hooks.AfterStep != nil {
				l.hooks.AfterStep(result)
			}
		}
	}
}

func (l *Loop) safeAdvance(ctx context.Context, tc LoopTickContext) (result LoopStepResult, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			l.metrics.Add(loopPanicMetricKey, 1)
			l.logger.Printf("[sim] step panic tick=%d: %v", tc.Tick, r)
			observability.ReportPanic(r, map[string]string{
				"component": "sim.loop",
				"tick":      strconv.FormatUint(tc.Tick, 10),
			})
			ok = false
		}
	}()
	return l.Advance(ctx, tc), true
}

func (l *Loop) drainCommands() []Command {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	commands := l.buffer.Drain()
	if len(l.perActorCount) > 0 {
		l.perActorCount = make(map[string]int)
	}
	return commands
}

func (l *Loop) removedPlayers() []string {
	if reporter, ok := l.core.(interface{ RemovedPlayers() []string }); ok {
		removed := reporter.RemovedPlayers()
		if len(removed) > 0 {
			copied := make([]string, len(removed))
			copy(copied, removed)
			return copied
		}
	}
	return nil
}

func (l *Loop) incrementDropLocked(actorID string) uint64 {
	if actorID == "" {
		return 0
	}
	count := l.dropCounts[actorID] + 1
	l.dropCounts[actorID] = count
	return count
}

func (l *Loop) warnQueue(length int) {
	if l.hooks.OnQueueWarning != nil {
		l.hooks.OnQueueWarning(length)
	}
}

func (l *Loop) reportDrop(reason string, cmd Command, count uint64) {
	if l.hooks.OnCommandDrop != nil {
		l.hooks.OnCommandDrop(reason, cmd)
	}
	if reason == CommandRejectQueueLimit && count > 0 && count&(count-1) == 0 {
		l.logger.Printf(
			"[backpressure] dropping command actor=%s type=%s count=%d limit=%d",
			cmd.ActorID,
			cmd.Type,
			count,
			l.config.PerActorLimit,
		)
	}
}

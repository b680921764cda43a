package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"paddlesync/server/internal/dispatch"
	"paddlesync/server/internal/lifecycle"
	"paddlesync/server/internal/net/proto"
	"paddlesync/server/internal/sim"
	"paddlesync/server/internal/spawn"
	"paddlesync/server/internal/telemetry"
	"paddlesync/server/logging"
	loggingsimulation "paddlesync/server/logging/simulation"
)

const (
	writeWait = 10 * time.Second

	metricMessagesSent  = "hub_messages_sent_total"
	metricSendFailures  = "hub_send_failures_total"
	metricEncodeErrors  = "hub_encode_errors_total"
	metricSubscribers   = "hub_subscribers"
	metricCommandDrops  = "hub_command_drops_total"
	metricUnknownPlayer = "hub_unknown_player_total"
	metricTickOverruns  = "hub_tick_overruns_total"

	overrunAlarmStreak = 30

	// RejectUnknownPlayer is returned by Submit for ids that never joined.
	RejectUnknownPlayer = "unknown_player"
	// RejectUnsupported is returned by Submit for messages with no command.
	RejectUnsupported = "unsupported"
)

// ErrUnknownPlayer is returned when a subscription names an id Join never issued.
var ErrUnknownPlayer = errors.New("hub: unknown player")

// Conn is the write side of a websocket connection.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Config describes the runtime a Hub owns.
type Config struct {
	Engine    sim.EngineConfig
	Loop      sim.LoopConfig
	Codec     proto.Codec
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
	Clock     logging.Clock
	WriteWait time.Duration
}

// JoinResponse is returned to a client admitted through /join.
type JoinResponse struct {
	ID       string `json:"id"`
	Team     string `json:"team,omitempty"`
	Session  string `json:"session"`
	TickRate int    `json:"tickRate"`
	Codec    string `json:"codec"`
}

// Hub owns the authoritative runtime and its websocket subscribers.
type Hub struct {
	mu          sync.Mutex
	players     map[string]*playerState
	subscribers map[string]*Subscriber

	loop      *sim.Loop
	engine    *sim.Engine
	intake    *dispatch.Table
	codec     proto.Codec
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	publisher logging.Publisher
	clock     logging.Clock
	writeWait time.Duration

	overrunStreak uint64
}

type playerState struct {
	id            string
	team          spawn.Team
	joinedAt      time.Time
	lastHeartbeat time.Time
	lastRTT       time.Duration
	state         lifecycle.State
	remaining     time.Duration
}

// Subscriber is one attached websocket session.
type Subscriber struct {
	id     string
	conn   Conn
	mu     sync.Mutex
	synced bool
}

// ID returns the player the subscriber belongs to.
func (s *Subscriber) ID() string { return s.id }

// Synced reports whether the subscriber has received its full snapshot.
func (s *Subscriber) Synced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

// New builds the engine, its loop, and an empty subscriber set.
func New(cfg Config) (*Hub, error) {
	if cfg.Codec == nil {
		cfg.Codec = proto.JSONCodec{}
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NopMetrics()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Clock == nil {
		cfg.Clock = logging.SystemClock{}
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = writeWait
	}

	h := &Hub{
		players:     make(map[string]*playerState),
		subscribers: make(map[string]*Subscriber),
		codec:       cfg.Codec,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		publisher:   cfg.Publisher,
		clock:       cfg.Clock,
		writeWait:   cfg.WriteWait,
	}

	loopCfg := cfg.Loop
	if loopCfg == (sim.LoopConfig{}) {
		loopCfg = sim.DefaultLoopConfig()
	}
	loop, engine, err := sim.NewRuntime(cfg.Engine,
		sim.WithDeps(sim.Deps{
			Logger:    cfg.Logger,
			Metrics:   cfg.Metrics,
			Publisher: cfg.Publisher,
			Clock:     cfg.Clock,
		}),
		sim.WithLoopConfig(loopCfg),
		sim.WithLoopHooks(sim.LoopHooks{
			AfterStep:     h.Deliver,
			OnCommandDrop: h.onCommandDrop,
			OnQueueWarning: func(length int) {
				h.logger.Printf("[hub] command queue length=%d", length)
			},
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("hub: build runtime: %w", err)
	}
	h.loop = loop
	h.engine = engine
	h.intake = dispatch.NewTable()
	sim.RegisterIntake(h.intake, h.stage)
	return h, nil
}

// Loop exposes the fixed-step loop.
func (h *Hub) Loop() *sim.Loop { return h.loop }

// Engine exposes the authoritative engine. Its methods must only be called
// from the loop goroutine.
func (h *Hub) Engine() *sim.Engine { return h.engine }

// Codec returns the wire codec used for every subscriber.
func (h *Hub) Codec() proto.Codec { return h.codec }

// Publisher returns the event publisher sessions report to.
func (h *Hub) Publisher() logging.Publisher { return h.publisher }

// Session returns the authority session id.
func (h *Hub) Session() string { return h.engine.Session() }

// Run steps the loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.loop.Run(ctx)
}

// Join reserves a player id. The player enters the simulation when its
// websocket subscribes.
func (h *Hub) Join(team spawn.Team) JoinResponse {
	id := "player-" + uuid.NewString()[:8]
	now := h.clock.Now()

	h.mu.Lock()
	h.players[id] = &playerState{id: id, team: team, joinedAt: now, lastHeartbeat: now}
	h.mu.Unlock()

	return JoinResponse{
		ID:       id,
		Team:     string(team),
		Session:  h.engine.Session(),
		TickRate: h.loop.Config().TickRate,
		Codec:    h.codec.Name(),
	}
}

// Subscribe attaches conn to a joined player and queues the join command. Any
// previous connection for the same player is closed and the new one waits for
// a fresh full snapshot.
func (h *Hub) Subscribe(playerID string, conn Conn) (*Subscriber, error) {
	h.mu.Lock()
	state, ok := h.players[playerID]
	if !ok {
		h.mu.Unlock()
		h.metrics.Add(metricUnknownPlayer, 1)
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlayer, playerID)
	}
	state.lastHeartbeat = h.clock.Now()
	previous := h.subscribers[playerID]
	sub := &Subscriber{id: playerID, conn: conn}
	h.subscribers[playerID] = sub
	team := state.team
	count := len(h.subscribers)
	h.mu.Unlock()

	if previous != nil {
		previous.conn.Close()
	}
	h.metrics.Store(metricSubscribers, uint64(count))

	h.loop.Enqueue(sim.Command{
		ActorID:  playerID,
		Type:     sim.CommandJoin,
		IssuedAt: h.clock.Now(),
		Join:     &sim.JoinCommand{Team: team},
	})
	return sub, nil
}

// Release detaches sub when its session ends. It is a no-op when the player
// has already reconnected with a newer subscriber.
func (h *Hub) Release(sub *Subscriber) bool {
	if sub == nil {
		return false
	}
	h.mu.Lock()
	current, ok := h.subscribers[sub.id]
	h.mu.Unlock()
	if !ok || current != sub {
		return false
	}
	return h.Disconnect(sub.id)
}

// Disconnect removes a player, closes its connection, and queues the
// disconnect command that frees its simulation state on the next tick.
func (h *Hub) Disconnect(playerID string) bool {
	h.mu.Lock()
	sub, subOK := h.subscribers[playerID]
	if subOK {
		delete(h.subscribers, playerID)
	}
	_, playerOK := h.players[playerID]
	if playerOK {
		delete(h.players, playerID)
	}
	count := len(h.subscribers)
	h.mu.Unlock()

	if subOK {
		sub.conn.Close()
		h.metrics.Store(metricSubscribers, uint64(count))
	}
	if !playerOK {
		return false
	}
	h.loop.Enqueue(sim.Command{
		ActorID:  playerID,
		Type:     sim.CommandDisconnect,
		IssuedAt: h.clock.Now(),
	})
	return true
}

// Submit routes a decoded client message through the intake table onto the
// command queue.
func (h *Hub) Submit(playerID string, msg proto.Message) (bool, string) {
	err := h.intake.Dispatch(context.Background(), playerID, msg)
	if err == nil {
		return true, ""
	}
	var rejected rejection
	if errors.As(err, &rejected) {
		return false, string(rejected)
	}
	if !errors.Is(err, dispatch.ErrUnknownKind) {
		h.logger.Printf("[hub] intake %s from %s: %v", msg.Kind(), playerID, err)
	}
	return false, RejectUnsupported
}

// rejection carries a command reject reason back through the intake table.
type rejection string

func (r rejection) Error() string { return "hub: command rejected: " + string(r) }

func (h *Hub) stage(_ context.Context, cmd sim.Command) error {
	now := h.clock.Now()
	cmd.Stamp(now)

	h.mu.Lock()
	state, known := h.players[cmd.ActorID]
	if known && cmd.Heartbeat != nil {
		state.lastHeartbeat = now
		state.lastRTT = cmd.Heartbeat.RTT
	}
	h.mu.Unlock()
	if !known {
		return rejection(RejectUnknownPlayer)
	}

	cmd.OriginTick = h.loop.Tick()
	if ok, reason := h.loop.Enqueue(cmd); !ok {
		return rejection(reason)
	}
	return nil
}

// RequestKnockout queues a knockout for a joined player.
func (h *Hub) RequestKnockout(playerID string) bool {
	h.mu.Lock()
	_, ok := h.players[playerID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	accepted, _ := h.loop.Enqueue(sim.Command{
		ActorID:  playerID,
		Type:     sim.CommandKnockout,
		IssuedAt: h.clock.Now(),
	})
	return accepted
}

// Deliver writes a step's outbox. Broadcasts reach synced subscribers only;
// a FullStateSnapshot marks its target synced after it is written.
func (h *Hub) Deliver(result sim.LoopStepResult) {
	h.checkBudget(result)
	if len(result.Outbound) == 0 {
		return
	}
	h.mu.Lock()
	subs := make(map[string]*Subscriber, len(h.subscribers))
	for id, sub := range h.subscribers {
		subs[id] = sub
	}
	h.mu.Unlock()

	var failed []*Subscriber
	for _, out := range result.Outbound {
		h.observe(out.Msg)
		data, err := h.codec.Encode(out.Msg)
		if err != nil {
			h.metrics.Add(metricEncodeErrors, 1)
			h.logger.Printf("[hub] failed to encode %s: %v", out.Msg.Kind(), err)
			continue
		}
		if out.Broadcast() {
			for _, sub := range subs {
				if !h.write(sub, data, true, false) {
					failed = append(failed, sub)
				}
			}
			continue
		}
		sub, ok := subs[out.To]
		if !ok {
			continue
		}
		_, full := out.Msg.(proto.FullStateSnapshot)
		if !h.write(sub, data, false, full) {
			failed = append(failed, sub)
		}
	}

	for _, sub := range lo.Uniq(failed) {
		h.Release(sub)
	}
}

// write sends data to sub. Unsynced subscribers are skipped for broadcasts.
func (h *Hub) write(sub *Subscriber, data []byte, broadcast, marksSynced bool) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if broadcast && !sub.synced {
		return true
	}
	sub.conn.SetWriteDeadline(h.clock.Now().Add(h.writeWait))
	if err := sub.conn.WriteMessage(h.messageType(), data); err != nil {
		h.metrics.Add(metricSendFailures, 1)
		h.logger.Printf("[hub] failed to send update to %s: %v", sub.id, err)
		return false
	}
	h.metrics.Add(metricMessagesSent, 1)
	if marksSynced {
		sub.synced = true
	}
	return true
}

func (h *Hub) messageType() int {
	if h.codec.Binary() {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// observe tracks lifecycle state for diagnostics without reading engine state
// off the loop goroutine.
func (h *Hub) observe(msg proto.Message) {
	update, ok := msg.(proto.LifecycleUpdate)
	if !ok {
		return
	}
	player, ok := lifecycle.PlayerFromUpdate(update)
	if !ok {
		return
	}
	h.mu.Lock()
	if state, exists := h.players[update.ClientID]; exists {
		state.state = player.State
		state.remaining = player.Remaining
	}
	h.mu.Unlock()
}

func (h *Hub) onCommandDrop(reason string, cmd sim.Command) {
	h.metrics.Add(metricCommandDrops+"_"+reason, 1)
	if cmd.Type == sim.CommandJoin {
		h.logger.Printf("[hub] join for %s dropped: %s", cmd.ActorID, reason)
	}
}

// DiagnosticsPlayer is one row of the diagnostics listing.
type DiagnosticsPlayer struct {
	ID            string  `json:"id"`
	Team          string  `json:"team,omitempty"`
	State         string  `json:"state,omitempty"`
	RemainingTime float64 `json:"remainingTime,omitempty"`
	Connected     bool    `json:"connected"`
	Synced        bool    `json:"synced"`
	LastHeartbeat int64   `json:"lastHeartbeat"`
	RTTMillis     int64   `json:"rttMillis"`
}

// Diagnostics summarises the hub for operators.
type Diagnostics struct {
	Session  string              `json:"session"`
	Tick     uint64              `json:"tick"`
	TickRate int                 `json:"tickRate"`
	Paused   bool                `json:"paused"`
	Pending  int                 `json:"pendingCommands"`
	Synced   int                 `json:"synced"`
	Players  []DiagnosticsPlayer `json:"players"`
}

// DiagnosticsSnapshot lists players in id order.
func (h *Hub) DiagnosticsSnapshot() Diagnostics {
	h.mu.Lock()
	players := make([]DiagnosticsPlayer, 0, len(h.players))
	subs := make(map[string]*Subscriber, len(h.subscribers))
	for id, sub := range h.subscribers {
		subs[id] = sub
	}
	for _, state := range h.players {
		players = append(players, DiagnosticsPlayer{
			ID:            state.id,
			Team:          string(state.team),
			State:         string(state.state),
			RemainingTime: state.remaining.Seconds(),
			LastHeartbeat: state.lastHeartbeat.UnixMilli(),
			RTTMillis:     state.lastRTT.Milliseconds(),
		})
	}
	h.mu.Unlock()

	for i := range players {
		if sub, ok := subs[players[i].ID]; ok {
			players[i].Connected = true
			players[i].Synced = sub.Synced()
		}
	}
	sort.Slice(players, func(i, j int) bool { return players[i].ID < players[j].ID })

	return Diagnostics{
		Session:  h.engine.Session(),
		Tick:     h.loop.Tick(),
		TickRate: h.loop.Config().TickRate,
		Paused:   h.loop.Paused(),
		Pending:  h.loop.Pending(),
		Synced:   lo.CountBy(players, func(p DiagnosticsPlayer) bool { return p.Synced }),
		Players:  players,
	}
}

// checkBudget reports steps that ran past their tick interval. Only the loop
// goroutine calls it.
func (h *Hub) checkBudget(result sim.LoopStepResult) {
	if result.Budget <= 0 || result.Duration <= result.Budget {
		h.overrunStreak = 0
		return
	}
	h.overrunStreak++
	h.metrics.Add(metricTickOverruns, 1)
	ratio := float64(result.Duration) / float64(result.Budget)
	ctx := context.Background()
	loggingsimulation.TickBudgetOverrun(ctx, h.publisher, result.Tick, loggingsimulation.TickBudgetOverrunPayload{
		DurationMillis: result.Duration.Milliseconds(),
		BudgetMillis:   result.Budget.Milliseconds(),
		Ratio:          ratio,
		Streak:         h.overrunStreak,
		Commands:       len(result.Commands),
		Outbound:       len(result.Outbound),
	})
	if h.overrunStreak == overrunAlarmStreak {
		h.logger.Printf("[hub] tick budget exceeded for %d consecutive ticks (last %.2fx)", h.overrunStreak, ratio)
		loggingsimulation.TickBudgetAlarm(ctx, h.publisher, result.Tick, loggingsimulation.TickBudgetAlarmPayload{
			Streak:          h.overrunStreak,
			ThresholdStreak: overrunAlarmStreak,
			Ratio:           ratio,
		})
	}
}

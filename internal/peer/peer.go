// Package peer is the non-authority side of a session: read-only mirrors of
// body and lifecycle state fed by the authority's messages.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"paddlesync/server/internal/body"
	"paddlesync/server/internal/collision"
	"paddlesync/server/internal/dispatch"
	"paddlesync/server/internal/lifecycle"
	"paddlesync/server/internal/net/proto"
	"paddlesync/server/internal/notify"
	"paddlesync/server/internal/replication"
	"paddlesync/server/internal/telemetry"
)

const metricDispatchErrors = "peer_dispatch_errors_total"

// ErrNotConnected is returned when a request is made without a transport.
var ErrNotConnected = errors.New("peer: not connected")

// Sender delivers a message to the authority.
type Sender interface {
	Send(msg proto.Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(msg proto.Message) error

// Send implements Sender.
func (f SenderFunc) Send(msg proto.Message) error { return f(msg) }

// Config describes a peer.
type Config struct {
	ClientID     string
	SeenEntries  int
	SeenAgeTicks uint64
	// AutoRespawn requests a respawn as soon as the local countdown ends.
	AutoRespawn bool
	Clock       func() time.Time
	Logger      telemetry.Logger
	Metrics     telemetry.Metrics
}

// Peer applies authority messages to local mirrors and raises the same
// notifications collaborators would observe on the authority.
type Peer struct {
	clientID string
	table    *dispatch.Table
	bodies   *replication.Mirror
	applier  *collision.Applier
	players  *lifecycle.Mirror
	grants   notify.List[proto.RespawnGrant]
	clock    func() time.Time
	logger   telemetry.Logger
	metrics  telemetry.Metrics

	mu     sync.Mutex
	sender Sender
	rtt    time.Duration
	unsubs []func()
}

// New builds the mirrors and registers a handler for every authority kind.
func New(cfg Config) *Peer {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NopMetrics()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	bodies := replication.NewMirror(cfg.Metrics)
	p := &Peer{
		clientID: cfg.ClientID,
		table:    dispatch.NewTable(),
		bodies:   bodies,
		applier:  collision.NewApplier(bodies, collision.NewSeenWindow(cfg.SeenEntries, cfg.SeenAgeTicks), cfg.Metrics),
		players:  lifecycle.NewMirror(cfg.ClientID),
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	p.register()
	if cfg.AutoRespawn {
		p.unsubs = append(p.unsubs, p.players.OnPlayerRespawning(func(c lifecycle.Countdown) {
			if !c.Local || c.Remaining > 0 {
				return
			}
			if err := p.RequestRespawn(); err != nil {
				p.logger.Printf("[peer] auto respawn for %s: %v", p.clientID, err)
			}
		}))
	}
	return p
}

func (p *Peer) register() {
	dispatch.On(p.table, func(_ context.Context, _ string, msg proto.FullStateSnapshot) error {
		p.bodies.ApplyFullSnapshot(msg)
		return nil
	})
	dispatch.On(p.table, func(_ context.Context, _ string, msg proto.StateUpdate) error {
		p.bodies.ApplyUpdate(msg)
		return nil
	})
	dispatch.On(p.table, func(_ context.Context, _ string, msg proto.BodyRemoved) error {
		p.bodies.ApplyRemoval(msg)
		if owner, ok := body.PaddleOwner(msg.BodyID); ok {
			p.players.Remove(owner)
		}
		return nil
	})
	dispatch.On(p.table, func(_ context.Context, _ string, msg proto.CollisionResolved) error {
		p.applier.ApplyCollision(msg)
		return nil
	})
	dispatch.On(p.table, func(_ context.Context, _ string, msg proto.LifecycleUpdate) error {
		p.players.Apply(msg)
		return nil
	})
	dispatch.On(p.table, func(_ context.Context, _ string, msg proto.RespawnGrant) error {
		if msg.ClientID != p.clientID {
			return nil
		}
		p.grants.Emit(msg)
		return nil
	})
	dispatch.On(p.table, func(_ context.Context, _ string, msg proto.Heartbeat) error {
		if msg.SentAt <= 0 {
			return nil
		}
		rtt := p.clock().Sub(time.UnixMilli(msg.SentAt))
		if rtt < 0 {
			rtt = 0
		}
		p.mu.Lock()
		p.rtt = rtt
		p.mu.Unlock()
		return nil
	})
}

// Handle dispatches one message received from the authority.
func (p *Peer) Handle(ctx context.Context, msg proto.Message) error {
	if err := p.table.Dispatch(ctx, "", msg); err != nil {
		p.metrics.Add(metricDispatchErrors, 1)
		return err
	}
	return nil
}

// Attach sets the transport used for outbound requests.
func (p *Peer) Attach(sender Sender) {
	p.mu.Lock()
	p.sender = sender
	p.mu.Unlock()
}

// ClientID returns the local player's id.
func (p *Peer) ClientID() string { return p.clientID }

// Bodies exposes the replicated body mirror.
func (p *Peer) Bodies() *replication.Mirror { return p.bodies }

// Collisions exposes the collision applier.
func (p *Peer) Collisions() *collision.Applier { return p.applier }

// Players exposes the lifecycle mirror.
func (p *Peer) Players() *lifecycle.Mirror { return p.players }

// OnRespawnGrant subscribes to grants addressed to the local player.
func (p *Peer) OnRespawnGrant(fn func(proto.RespawnGrant)) func() {
	return p.grants.Subscribe(fn)
}

// RTT returns the last measured heartbeat round trip.
func (p *Peer) RTT() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rtt
}

// ProposeCollision forwards a locally detected contact. The response arrives
// as a CollisionResolved broadcast; nothing is applied locally here.
func (p *Peer) ProposeCollision(proposal proto.CollisionProposal) error {
	return p.send(proposal)
}

// RequestRespawn asks the authority to respawn the local player. A request
// while the local record is still counting down is refused without sending.
func (p *Peer) RequestRespawn() error {
	if player, ok := p.players.Player(p.clientID); ok {
		switch player.State {
		case lifecycle.StateAlive:
			return fmt.Errorf("%w: %s", lifecycle.ErrAlreadyAlive, p.clientID)
		case lifecycle.StateKnockedOut:
			return fmt.Errorf("%w: %s has %v left", lifecycle.ErrRespawnNotReady, p.clientID, player.Remaining)
		}
	}
	return p.send(proto.RespawnRequest{ClientID: p.clientID})
}

// Heartbeat sends a timing ping stamped with the current time.
func (p *Peer) Heartbeat() error {
	return p.send(proto.Heartbeat{SentAt: p.clock().UnixMilli(), RTTMillis: p.RTT().Milliseconds()})
}

func (p *Peer) send(msg proto.Message) error {
	p.mu.Lock()
	sender := p.sender
	p.mu.Unlock()
	if sender == nil {
		return ErrNotConnected
	}
	return sender.Send(msg)
}

// Close tears down local state after the authority connection is lost.
// Mirrors are cleared and every observer is dropped.
func (p *Peer) Close() {
	p.mu.Lock()
	p.sender = nil
	unsubs := p.unsubs
	p.unsubs = nil
	p.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	p.bodies.Close()
	p.applier.Close()
	p.players.Close()
	p.grants.Clear()
}

package sim

import (
	"context"
	"time"

	"paddlesync/server/internal/dispatch"
	"paddlesync/server/internal/net/proto"
	"paddlesync/server/internal/spawn"
)

// CommandType enumerates the supported simulation commands.
type CommandType string

const (
	CommandJoin       CommandType = "Join"
	CommandDisconnect CommandType = "Disconnect"
	CommandCollision  CommandType = "Collision"
	CommandRespawn    CommandType = "Respawn"
	CommandKnockout   CommandType = "Knockout"
	CommandBodyWrite  CommandType = "BodyWrite"
	CommandHeartbeat  CommandType = "Heartbeat"
)

// JoinCommand admits a player and requests a full snapshot for it.
type JoinCommand struct {
	Team spawn.Team `json:"team"`
}

// HeartbeatCommand updates connectivity metadata for an actor.
type HeartbeatCommand struct {
	ReceivedAt time.Time     `json:"receivedAt"`
	ClientSent int64         `json:"clientSent"`
	RTT        time.Duration `json:"rtt"`
}

// Command represents an intent captured for processing on the next tick.
type Command struct {
	OriginTick uint64                   `json:"originTick"`
	ActorID    string                   `json:"actorId"`
	Type       CommandType              `json:"type"`
	IssuedAt   time.Time                `json:"issuedAt"`
	Join       *JoinCommand             `json:"join,omitempty"`
	Collision  *proto.CollisionProposal `json:"collision,omitempty"`
	Respawn    *proto.RespawnRequest    `json:"respawn,omitempty"`
	BodyWrite  *proto.BodyWrite         `json:"bodyWrite,omitempty"`
	Heartbeat  *HeartbeatCommand        `json:"heartbeat,omitempty"`
}

// Stamp records when the command was received. Heartbeats also derive the
// round trip from the client's send time.
func (c *Command) Stamp(now time.Time) {
	c.IssuedAt = now
	if c.Heartbeat == nil {
		return
	}
	c.Heartbeat.ReceivedAt = now
	if c.Heartbeat.ClientSent > 0 {
		if rtt := now.Sub(time.UnixMilli(c.Heartbeat.ClientSent)); rtt > 0 {
			c.Heartbeat.RTT = rtt
		}
	}
}

// RegisterIntake routes every client message kind the authority accepts to
// stage as a command. Kinds left unregistered are refused by the table with
// dispatch.ErrUnknownKind.
func RegisterIntake(t *dispatch.Table, stage func(ctx context.Context, cmd Command) error) {
	dispatch.On(t, func(ctx context.Context, from string, m proto.CollisionProposal) error {
		return stage(ctx, Command{ActorID: from, Type: CommandCollision, Collision: &m})
	})
	dispatch.On(t, func(ctx context.Context, from string, m proto.RespawnRequest) error {
		return stage(ctx, Command{ActorID: from, Type: CommandRespawn, Respawn: &m})
	})
	dispatch.On(t, func(ctx context.Context, from string, m proto.BodyWrite) error {
		return stage(ctx, Command{ActorID: from, Type: CommandBodyWrite, BodyWrite: &m})
	})
	dispatch.On(t, func(ctx context.Context, from string, m proto.Heartbeat) error {
		return stage(ctx, Command{ActorID: from, Type: CommandHeartbeat, Heartbeat: &HeartbeatCommand{ClientSent: m.SentAt}})
	})
}

package replication

import (
	"context"

	"paddlesync/server/logging"
)

const (
	// EventAuthorityViolation is emitted when a non-authority peer attempts a write.
	EventAuthorityViolation logging.EventType = "replication.authority_violation"
	// EventPeerSynced is emitted when a peer receives its full snapshot.
	EventPeerSynced logging.EventType = "replication.peer_synced"
	// EventBodyRemoved is emitted when the authority retires a body.
	EventBodyRemoved logging.EventType = "replication.body_removed"
)

// AuthorityViolationPayload identifies the rejected write.
type AuthorityViolationPayload struct {
	BodyID string `json:"bodyId"`
}

// PeerSyncedPayload captures the full snapshot handed to a peer.
type PeerSyncedPayload struct {
	Bodies int `json:"bodies"`
}

// AuthorityViolation publishes a warning for a rejected write attempt.
func AuthorityViolation(ctx context.Context, pub logging.Publisher, tick uint64, writer logging.EntityRef, payload AuthorityViolationPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventAuthorityViolation,
		Tick:     tick,
		Actor:    writer,
		Targets:  []logging.EntityRef{logging.BodyRef(payload.BodyID)},
		Severity: logging.SeverityWarn,
		Category: logging.CategoryReplication,
		Payload:  payload,
	})
}

// PeerSynced publishes a debug event once a peer has its baseline.
func PeerSynced(ctx context.Context, pub logging.Publisher, tick uint64, peer logging.EntityRef, payload PeerSyncedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventPeerSynced,
		Tick:     tick,
		Actor:    peer,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryReplication,
		Payload:  payload,
	})
}

// BodyRemoved publishes an info event for a retired body.
func BodyRemoved(ctx context.Context, pub logging.Publisher, tick uint64, body logging.EntityRef) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventBodyRemoved,
		Tick:     tick,
		Actor:    body,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryReplication,
	})
}

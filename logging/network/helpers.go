package network

import (
	"context"

	"paddlesync/server/logging"
)

const (
	// EventSessionOpened is emitted when a peer's websocket session is attached.
	EventSessionOpened logging.EventType = "network.session_opened"
	// EventSessionClosed is emitted when a peer's websocket session ends.
	EventSessionClosed logging.EventType = "network.session_closed"
	// EventMalformedMessage is emitted when an inbound frame cannot be decoded.
	EventMalformedMessage logging.EventType = "network.malformed_message"
)

// SessionPayload captures connection metadata.
type SessionPayload struct {
	Codec  string `json:"codec,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// MalformedPayload captures the decode failure.
type MalformedPayload struct {
	Error string `json:"error"`
}

// SessionOpened publishes an info event for a new session.
func SessionOpened(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SessionPayload) {
	publish(ctx, pub, tick, actor, EventSessionOpened, logging.SeverityInfo, payload)
}

// SessionClosed publishes an info event for an ended session.
func SessionClosed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SessionPayload) {
	publish(ctx, pub, tick, actor, EventSessionClosed, logging.SeverityInfo, payload)
}

// MalformedMessage publishes a warning for an undecodable frame.
func MalformedMessage(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload MalformedPayload) {
	publish(ctx, pub, tick, actor, EventMalformedMessage, logging.SeverityWarn, payload)
}

func publish(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, eventType logging.EventType, severity logging.Severity, payload any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Tick:     tick,
		Actor:    actor,
		Severity: severity,
		Category: "network",
		Payload:  payload,
	})
}

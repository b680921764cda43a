package collision

import (
	"context"

	"paddlesync/server/logging"
)

const (
	// EventResolved is emitted when the authority commits a collision.
	EventResolved logging.EventType = "collision.resolved"
	// EventDuplicateProposal is emitted when a same-tick proposal is folded into an existing event.
	EventDuplicateProposal logging.EventType = "collision.duplicate_proposal"
	// EventInvalidProposal is emitted when a proposal fails validation.
	EventInvalidProposal logging.EventType = "collision.invalid_proposal"
)

// ResolvedPayload captures the canonical response.
type ResolvedPayload struct {
	EventID uint64     `json:"eventId"`
	Surface string     `json:"surface,omitempty"`
	Impulse [3]float32 `json:"impulse"`
}

// ProposalPayload identifies a dropped proposal.
type ProposalPayload struct {
	EventID uint64 `json:"eventId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Resolved publishes a debug event for every committed collision.
func Resolved(ctx context.Context, pub logging.Publisher, tick uint64, body logging.EntityRef, proposer logging.EntityRef, payload ResolvedPayload) {
	publish(ctx, pub, tick, body, []logging.EntityRef{proposer}, EventResolved, logging.SeverityDebug, payload)
}

// DuplicateProposal publishes a debug event for a folded proposal.
func DuplicateProposal(ctx context.Context, pub logging.Publisher, tick uint64, body logging.EntityRef, proposer logging.EntityRef, payload ProposalPayload) {
	publish(ctx, pub, tick, body, []logging.EntityRef{proposer}, EventDuplicateProposal, logging.SeverityDebug, payload)
}

// InvalidProposal publishes a warning for a rejected proposal.
func InvalidProposal(ctx context.Context, pub logging.Publisher, tick uint64, body logging.EntityRef, proposer logging.EntityRef, payload ProposalPayload) {
	publish(ctx, pub, tick, body, []logging.EntityRef{proposer}, EventInvalidProposal, logging.SeverityWarn, payload)
}

func publish(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, targets []logging.EntityRef, eventType logging.EventType, severity logging.Severity, payload any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Tick:     tick,
		Actor:    actor,
		Targets:  targets,
		Severity: severity,
		Category: logging.CategoryGameplay,
		Payload:  payload,
	})
}

package collision

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/xxh3"

	"paddlesync/server/internal/body"
	"paddlesync/server/internal/net/proto"
	"paddlesync/server/internal/telemetry"
	"paddlesync/server/logging"
	loggingcollision "paddlesync/server/logging/collision"
)

const (
	metricResolved   = "collision_resolved_total"
	metricDuplicates = "collision_duplicate_proposals_total"
	metricInvalid    = "collision_invalid_proposals_total"

	// DefaultSpinScale converts tangential impulse at the contact lever arm
	// into angular velocity.
	DefaultSpinScale = 0.5
)

// BodySource exposes the authoritative bodies proposals are checked against.
type BodySource interface {
	Body(id body.ID) (body.NetworkedBody, bool)
}

// RelayConfig wires a Relay.
type RelayConfig struct {
	Session   string
	Bodies    BodySource
	Materials MaterialTable
	// BodySurface names the material of the body itself. Defaults to
	// SurfaceBodyOf.
	BodySurface func(body.ID) string
	SpinScale   float32
	Publisher   logging.Publisher
	Metrics     telemetry.Metrics
}

// Relay resolves proposals on the authority. It is driven from the
// simulation goroutine only.
type Relay struct {
	session     string
	bodies      BodySource
	materials   MaterialTable
	bodySurface func(body.ID) string
	spinScale   float32
	publisher   logging.Publisher
	metrics     telemetry.Metrics

	nextEventID  uint64
	contactTick  uint64
	contacts     map[uint64]uint64
	fingerprints []byte
}

// NewRelay constructs a relay for one authority session.
func NewRelay(cfg RelayConfig) *Relay {
	pub := cfg.Publisher
	if pub == nil {
		pub = logging.NopPublisher()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	surface := cfg.BodySurface
	if surface == nil {
		surface = SurfaceBodyOf
	}
	materials := cfg.Materials
	if materials.entries == nil {
		materials = DefaultMaterials()
	}
	spin := cfg.SpinScale
	if spin == 0 {
		spin = DefaultSpinScale
	}
	return &Relay{
		session:     cfg.Session,
		bodies:      cfg.Bodies,
		materials:   materials,
		bodySurface: surface,
		spinScale:   spin,
		publisher:   pub,
		metrics:     metrics,
		contacts:    make(map[uint64]uint64),
	}
}

// SurfaceBodyOf maps the well-known body ids onto surface names.
func SurfaceBodyOf(id body.ID) string {
	if id == body.BallID {
		return SurfaceBall
	}
	if _, ok := body.PaddleOwner(id); ok {
		return SurfacePaddle
	}
	return ""
}

// Validate checks that a proposal can be resolved against the current bodies.
func (r *Relay) Validate(p proto.CollisionProposal) (body.NetworkedBody, error) {
	if p.BodyID == "" {
		return body.NetworkedBody{}, fmt.Errorf("%w: missing body id", ErrInvalidProposal)
	}
	var (
		target body.NetworkedBody
		ok     bool
	)
	if r.bodies != nil {
		target, ok = r.bodies.Body(p.BodyID)
	}
	if !ok {
		return body.NetworkedBody{}, fmt.Errorf("%w: unknown body %s", ErrInvalidProposal, p.BodyID)
	}
	if !target.Interactive {
		return body.NetworkedBody{}, fmt.Errorf("%w: body not interactive", ErrInvalidProposal)
	}
	if !body.Finite(p.ContactPoint) || !body.Finite(p.ContactNormal) || !body.Finite(p.RelativeVelocity) {
		return body.NetworkedBody{}, fmt.Errorf("%w: non-finite component", ErrInvalidProposal)
	}
	if p.ContactNormal.Len() == 0 {
		return body.NetworkedBody{}, fmt.Errorf("%w: zero contact normal", ErrInvalidProposal)
	}
	return target, nil
}

// CommitCollision resolves a proposal at tick. It reports false without an
// error when the proposal repeats a contact already resolved this tick.
func (r *Relay) CommitCollision(ctx context.Context, p proto.CollisionProposal, from string, tick uint64) (proto.CollisionResolved, bool, error) {
	proposer := logging.PeerRef(from)
	target, err := r.Validate(p)
	if err != nil {
		r.metrics.Add(metricInvalid, 1)
		loggingcollision.InvalidProposal(ctx, r.publisher, tick, logging.BodyRef(string(p.BodyID)), proposer, loggingcollision.ProposalPayload{Reason: err.Error()})
		return proto.CollisionResolved{}, false, err
	}

	if tick != r.contactTick {
		clear(r.contacts)
		r.contactTick = tick
	}
	fingerprint := r.fingerprint(p)
	if existing, seen := r.contacts[fingerprint]; seen {
		r.metrics.Add(metricDuplicates, 1)
		loggingcollision.DuplicateProposal(ctx, r.publisher, tick, logging.BodyRef(string(p.BodyID)), proposer, loggingcollision.ProposalPayload{EventID: existing, Reason: "same contact this tick"})
		return proto.CollisionResolved{}, false, nil
	}

	impulse, err := ComputeImpulse(p.RelativeVelocity, p.ContactNormal, r.materials.Lookup(r.bodySurface(p.BodyID)), r.materials.Lookup(p.Surface))
	if err != nil {
		r.metrics.Add(metricInvalid, 1)
		return proto.CollisionResolved{}, false, err
	}

	r.nextEventID++
	evt := proto.CollisionResolved{
		Session:         r.session,
		EventID:         r.nextEventID,
		BodyID:          p.BodyID,
		ContactPoint:    p.ContactPoint,
		ContactNormal:   p.ContactNormal.Normalize(),
		Impulse:         impulse.Total(),
		AngularVelocity: Spin(target.Transform.Position, p.ContactPoint, impulse, r.spinScale),
		Tick:            tick,
	}
	r.contacts[fingerprint] = evt.EventID
	r.metrics.Add(metricResolved, 1)
	loggingcollision.Resolved(ctx, r.publisher, tick, logging.BodyRef(string(p.BodyID)), proposer, loggingcollision.ResolvedPayload{
		EventID: evt.EventID,
		Surface: p.Surface,
		Impulse: [3]float32(evt.Impulse),
	})
	return evt, true, nil
}

// LastEventID returns the most recently assigned event id.
func (r *Relay) LastEventID() uint64 { return r.nextEventID }

func (r *Relay) fingerprint(p proto.CollisionProposal) uint64 {
	buf := r.fingerprints[:0]
	buf = append(buf, p.BodyID...)
	buf = append(buf, 0)
	buf = append(buf, p.Surface...)
	buf = append(buf, 0)
	for _, v := range quantize(p.ContactNormal) {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
	}
	r.fingerprints = buf
	return xxh3.Hash(buf)
}

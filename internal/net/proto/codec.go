package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrUnsupportedVersion is returned for frames from another protocol revision.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	// ErrUnknownKind is returned for frames whose kind has no schema.
	ErrUnknownKind = errors.New("unknown message kind")
	// ErrNotClientMessage is returned when a peer sends an authority-only kind.
	ErrNotClientMessage = errors.New("message kind not accepted from peers")
)

const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// Codec frames messages for the transport.
type Codec interface {
	Name() string
	// Binary reports whether frames should be sent as binary websocket messages.
	Binary() bool
	Encode(msg Message) ([]byte, error)
	Decode(data []byte) (Message, error)
}

// ParseCodec resolves a codec by name. An empty name selects JSON.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown wire codec %q", name)
	}
}

// DecodeClientMessage decodes a frame received from a non-authority peer.
func DecodeClientMessage(codec Codec, data []byte) (Message, error) {
	msg, err := codec.Decode(data)
	if err != nil {
		return nil, err
	}
	if !FromClient(msg.Kind()) {
		return nil, fmt.Errorf("%w: %s", ErrNotClientMessage, msg.Kind())
	}
	return msg, nil
}

type jsonFrame struct {
	Ver  int             `json:"ver"`
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// JSONCodec is the default text codec.
type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }

func (JSONCodec) Binary() bool { return false }

func (JSONCodec) Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("encode: nil message")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return json.Marshal(jsonFrame{Ver: Version, Kind: msg.Kind(), Body: body})
}

func (JSONCodec) Decode(data []byte) (Message, error) {
	var frame jsonFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if err := checkVersion(frame.Ver); err != nil {
		return nil, err
	}
	return decodeBody(frame.Kind, func(v any) error {
		if len(frame.Body) == 0 {
			return nil
		}
		return json.Unmarshal(frame.Body, v)
	})
}

type msgpackFrame struct {
	Ver  int                `msgpack:"ver"`
	Kind Kind               `msgpack:"kind"`
	Body msgpack.RawMessage `msgpack:"body"`
}

// MsgpackCodec is the compact binary codec.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return CodecMsgpack }

func (MsgpackCodec) Binary() bool { return true }

func (MsgpackCodec) Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("encode: nil message")
	}
	body, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return msgpack.Marshal(msgpackFrame{Ver: Version, Kind: msg.Kind(), Body: body})
}

func (MsgpackCodec) Decode(data []byte) (Message, error) {
	var frame msgpackFrame
	if err := msgpack.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if err := checkVersion(frame.Ver); err != nil {
		return nil, err
	}
	return decodeBody(frame.Kind, func(v any) error {
		if len(frame.Body) == 0 {
			return nil
		}
		return msgpack.Unmarshal(frame.Body, v)
	})
}

func checkVersion(ver int) error {
	if ver == 0 {
		ver = Version
	}
	if ver != Version {
		return fmt.Errorf("%w %d", ErrUnsupportedVersion, ver)
	}
	return nil
}

func decodeBody(kind Kind, unmarshal func(any) error) (Message, error) {
	switch kind {
	case KindState:
		return decodeAs[StateUpdate](kind, unmarshal)
	case KindFullState:
		return decodeAs[FullStateSnapshot](kind, unmarshal)
	case KindBodyRemoved:
		return decodeAs[BodyRemoved](kind, unmarshal)
	case KindCollisionProposal:
		return decodeAs[CollisionProposal](kind, unmarshal)
	case KindCollisionResolved:
		return decodeAs[CollisionResolved](kind, unmarshal)
	case KindLifecycle:
		return decodeAs[LifecycleUpdate](kind, unmarshal)
	case KindRespawnRequest:
		return decodeAs[RespawnRequest](kind, unmarshal)
	case KindRespawnGrant:
		return decodeAs[RespawnGrant](kind, unmarshal)
	case KindBodyWrite:
		return decodeAs[BodyWrite](kind, unmarshal)
	case KindHeartbeat:
		return decodeAs[Heartbeat](kind, unmarshal)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
}

func decodeAs[T Message](kind Kind, unmarshal func(any) error) (Message, error) {
	var msg T
	if err := unmarshal(&msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return msg, nil
}

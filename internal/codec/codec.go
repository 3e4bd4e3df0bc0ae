package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/DoyleJ11/als-sync-backend/internal/engine"
)

// ProtocolError is a malformed intent. The connection that sent it is dropped.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolErr(reason string, err error) error {
	return &ProtocolError{Reason: reason, Err: err}
}

// DecodeIntent parses and validates one intent message.
func DecodeIntent(data []byte) (Intent, error) {
	var in Intent
	if err := json.Unmarshal(data, &in); err != nil {
		return Intent{}, protocolErr("bad json", err)
	}
	if in.Nonce == "" {
		return Intent{}, protocolErr("missing nonce", nil)
	}
	if !in.Seat.Valid() {
		return Intent{}, protocolErr(fmt.Sprintf("invalid seat %d", in.Seat), nil)
	}

	switch in.Type {
	case IntentPlayCard:
		var p PlayCardPayload
		if err := decodePayload(in.Payload, &p); err != nil {
			return Intent{}, err
		}
		if p.CardID == "" || p.Theater == "" {
			return Intent{}, protocolErr("play_card needs card_id and theater", nil)
		}
	case IntentReconnect:
		var p ReconnectPayload
		if err := decodePayload(in.Payload, &p); err != nil {
			return Intent{}, err
		}
		if p.LastKnownVersion < 0 {
			return Intent{}, protocolErr("negative last_known_version", nil)
		}
	case IntentResign:
	default:
		return Intent{}, protocolErr(fmt.Sprintf("unknown type %q", in.Type), nil)
	}
	return in, nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return protocolErr("missing payload", nil)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return protocolErr("bad payload", err)
	}
	return nil
}

func EncodeIntent(in Intent) ([]byte, error) {
	return json.Marshal(in)
}

// NewPlayCard builds a play_card intent.
func NewPlayCard(seat engine.Seat, nonce string, card engine.CardID, theater engine.Theater, faceDown bool) (Intent, error) {
	payload, err := json.Marshal(PlayCardPayload{CardID: card, Theater: theater, FaceDown: faceDown})
	if err != nil {
		return Intent{}, fmt.Errorf("encode play_card payload: %w", err)
	}
	return Intent{Type: IntentPlayCard, Seat: seat, Nonce: nonce, Payload: payload}, nil
}

func NewReconnect(seat engine.Seat, nonce string, lastKnownVersion int) (Intent, error) {
	payload, err := json.Marshal(ReconnectPayload{LastKnownVersion: lastKnownVersion})
	if err != nil {
		return Intent{}, fmt.Errorf("encode reconnect payload: %w", err)
	}
	return Intent{Type: IntentReconnect, Seat: seat, Nonce: nonce, Payload: payload}, nil
}

// Action converts a decoded intent into an engine action.
func (in Intent) Action() (engine.Action, error) {
	a := engine.Action{Seat: in.Seat, Nonce: in.Nonce}
	switch in.Type {
	case IntentPlayCard:
		var p PlayCardPayload
		if err := decodePayload(in.Payload, &p); err != nil {
			return engine.Action{}, err
		}
		a.Type = engine.ActionPlayCard
		a.Card = p.CardID
		a.Theater = p.Theater
		a.FaceDown = p.FaceDown
	case IntentResign:
		a.Type = engine.ActionResign
	case IntentReconnect:
		var p ReconnectPayload
		if err := decodePayload(in.Payload, &p); err != nil {
			return engine.Action{}, err
		}
		a.Type = engine.ActionReconnect
		a.LastKnownVersion = p.LastKnownVersion
	default:
		return engine.Action{}, protocolErr(fmt.Sprintf("unknown type %q", in.Type), nil)
	}
	return a, nil
}

// NewSnapshot builds a full snapshot message, optionally echoing the accepted intent.
func NewSnapshot(s engine.State, accepted *Intent) (ServerMessage, error) {
	payload, err := json.Marshal(SnapshotPayload{Match: s, Accepted: accepted})
	if err != nil {
		return ServerMessage{}, fmt.Errorf("encode snapshot: %w", err)
	}
	return ServerMessage{Type: StateSnapshot, Version: s.Version, Payload: payload}, nil
}

func NewRejection(version int, nonce string, err error) ServerMessage {
	payload, _ := json.Marshal(RejectionPayload{Reason: ReasonOf(err), Nonce: nonce, Message: err.Error()})
	return ServerMessage{Type: StateRejection, Version: version, Payload: payload}
}

func NewAck(version int, nonce string) ServerMessage {
	payload, _ := json.Marshal(AckPayload{Nonce: nonce})
	return ServerMessage{Type: StateAck, Version: version, Payload: payload}
}

// ReasonOf maps an engine rejection to its wire name.
func ReasonOf(err error) Reason {
	switch {
	case errors.Is(err, engine.ErrNotYourTurn), errors.Is(err, engine.ErrUnknownSeat):
		return ReasonNotYourTurn
	case errors.Is(err, engine.ErrInvalidTarget):
		return ReasonInvalidTarget
	case errors.Is(err, engine.ErrCardNotHeld):
		return ReasonCardNotHeld
	case errors.Is(err, engine.ErrDuplicateAction):
		return ReasonDuplicateAction
	case errors.Is(err, engine.ErrGameAlreadyFinished):
		return ReasonGameAlreadyFinished
	case errors.Is(err, engine.ErrGameNotStarted):
		return ReasonGameNotStarted
	default:
		return ReasonInternal
	}
}

func EncodeState(m ServerMessage) ([]byte, error) {
	return json.Marshal(m)
}

func DecodeState(data []byte) (ServerMessage, error) {
	var m ServerMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ServerMessage{}, fmt.Errorf("decode state message: %w", err)
	}
	switch m.Type {
	case StateSnapshot, StateRejection, StateAck:
	default:
		return ServerMessage{}, fmt.Errorf("decode state message: unknown type %q", m.Type)
	}
	return m, nil
}

func (m ServerMessage) Snapshot() (SnapshotPayload, error) {
	var p SnapshotPayload
	if m.Type != StateSnapshot {
		return p, fmt.Errorf("message is %s, not snapshot", m.Type)
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return p, fmt.Errorf("decode snapshot payload: %w", err)
	}
	return p, nil
}

func (m ServerMessage) Rejection() (RejectionPayload, error) {
	var p RejectionPayload
	if m.Type != StateRejection {
		return p, fmt.Errorf("message is %s, not rejection", m.Type)
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return p, fmt.Errorf("decode rejection payload: %w", err)
	}
	return p, nil
}

func (m ServerMessage) Ack() (AckPayload, error) {
	var p AckPayload
	if m.Type != StateAck {
		return p, fmt.Errorf("message is %s, not ack", m.Type)
	}
	if len(m.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return p, fmt.Errorf("decode ack payload: %w", err)
	}
	return p, nil
}

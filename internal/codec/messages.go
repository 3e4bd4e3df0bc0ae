package codec

import (
	"encoding/json"

	"github.com/DoyleJ11/als-sync-backend/internal/engine"
)

type IntentType string

const (
	IntentPlayCard  IntentType = "play_card"
	IntentResign    IntentType = "resign"
	IntentReconnect IntentType = "reconnect"
)

// Intent is a client -> server message.
type Intent struct {
	Type    IntentType      `json:"type"`
	Seat    engine.Seat     `json:"seat"`
	Nonce   string          `json:"nonce"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type PlayCardPayload struct {
	CardID   engine.CardID  `json:"card_id"`
	Theater  engine.Theater `json:"theater"`
	FaceDown bool           `json:"face_down,omitempty"`
}

type ReconnectPayload struct {
	LastKnownVersion int `json:"last_known_version"`
}

type StateType string

const (
	StateSnapshot  StateType = "snapshot"
	StateRejection StateType = "rejection"
	StateAck       StateType = "ack"
)

// ServerMessage is a server -> client message. Payload is encoded once and shared by
// every recipient of a broadcast.
type ServerMessage struct {
	Type    StateType       `json:"type"`
	Version int             `json:"version"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type SnapshotPayload struct {
	Match    engine.State `json:"match"`
	Accepted *Intent      `json:"accepted,omitempty"`
}

type RejectionPayload struct {
	Reason  Reason `json:"reason"`
	Nonce   string `json:"nonce,omitempty"`
	Message string `json:"message,omitempty"`
}

type AckPayload struct {
	Nonce string `json:"nonce,omitempty"`
}

// Reason is the wire name of a rule rejection.
type Reason string

const (
	ReasonNotYourTurn         Reason = "NotYourTurn"
	ReasonInvalidTarget       Reason = "InvalidTarget"
	ReasonCardNotHeld         Reason = "CardNotHeld"
	ReasonDuplicateAction     Reason = "DuplicateAction"
	ReasonGameAlreadyFinished Reason = "GameAlreadyFinished"
	ReasonGameNotStarted      Reason = "GameNotStarted"
	ReasonInternal            Reason = "Internal"
)

package domain

import "encoding/json"

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalCandidate:
		return true
	}
	return false
}

// Signal is an opaque WebRTC negotiation payload relayed between peers.
type Signal struct {
	Type    SignalType      `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func NewSignal(t SignalType, payload json.RawMessage) Signal {
	return Signal{
		Type:    t,
		Payload: payload,
	}
}

// SignalEnvelope is what the counterparty receives.
type SignalEnvelope struct {
	SessionID SessionID `json:"session_id"`
	From      UserID    `json:"from"`
	Signal    Signal    `json:"signal"`
}

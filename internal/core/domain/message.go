package domain

import "encoding/json"

type EventType string

const (
	EventIncomingCall EventType = "incoming_call"
	EventCallAccepted EventType = "call_accepted"
	EventCallRejected EventType = "call_rejected"
	EventCallFailed   EventType = "call_failed"
	EventCallMissed   EventType = "call_missed"
	EventCallEnded    EventType = "call_ended"
	EventSignal       EventType = "signal"
)

// Event is a server-to-client notification about a call session.
type Event struct {
	Type      EventType      `json:"event"`
	SessionID SessionID      `json:"session_id"`
	Data      map[string]any `json:"data,omitempty"`
}

func NewEvent(t EventType, sessionID SessionID, data map[string]any) Event {
	return Event{
		Type:      t,
		SessionID: sessionID,
		Data:      data,
	}
}

// Message is the frame written to a realtime connection.
type Message struct {
	Event   EventType       `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func NewEventMessage(e Event) (Message, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return Message{}, err
	}
	return Message{Event: e.Type, Payload: b}, nil
}

func NewSignalMessage(env SignalEnvelope) (Message, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return Message{}, err
	}
	return Message{Event: EventSignal, Payload: b}, nil
}

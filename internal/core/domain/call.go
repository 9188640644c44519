package domain

import (
	"encoding/json"
	"reflect"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallAudio || t == CallVideo
}

type CallStatus string

const (
	CallInitiated CallStatus = "initiated"
	// CallRinging is held only while Accept is taking the reservation.
	CallRinging   CallStatus = "ringing"
	CallOngoing   CallStatus = "ongoing"
	CallCompleted CallStatus = "completed"
	CallRejected  CallStatus = "rejected"
	CallFailed    CallStatus = "failed"
	CallMissed    CallStatus = "missed"
)

var callTransitions = map[CallStatus][]CallStatus{
	CallInitiated: {CallRinging, CallRejected, CallFailed, CallMissed},
	CallRinging:   {CallOngoing, CallRejected, CallFailed},
	CallOngoing:   {CallCompleted, CallFailed},
}

func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallCompleted, CallRejected, CallFailed, CallMissed:
		return true
	}
	return false
}

// Matches reports whether s is one of expect, or any non-terminal status
// when expect is empty.
func (s CallStatus) Matches(expect ...CallStatus) bool {
	if len(expect) == 0 {
		return !s.IsTerminal()
	}
	return slices.Contains(expect, s)
}

// CanTransition reports whether a session may move from one status to another.
// Staying in the same non-terminal status is allowed (field updates).
func CanTransition(from, to CallStatus) bool {
	if from == to {
		return !from.IsTerminal()
	}
	for _, next := range callTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanUpdate reports whether a store may replace cur with next. A closed
// session still accepts one change: linking a refund issued after it closed.
func CanUpdate(cur, next *CallSession) bool {
	if CanTransition(cur.Status, next.Status) {
		return true
	}
	if cur.Status != next.Status || cur.RefundRef != "" || next.RefundRef == "" {
		return false
	}
	was, rest := cur.Clone(), next.Clone()
	rest.RefundRef = ""
	rest.UpdatedAt = was.UpdatedAt
	return reflect.DeepEqual(was, rest)
}

const (
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonReservationError    = "reservation_error"
	ReasonActivationError     = "activation_error"
	ReasonAcceptTimeout       = "accept_timeout"
	ReasonNoAnswer            = "no_answer"
)

type Signaling struct {
	CallerSignal   json.RawMessage   `json:"caller_signal,omitempty"`
	ReceiverSignal json.RawMessage   `json:"receiver_signal,omitempty"`
	ICECandidates  []json.RawMessage `json:"ice_candidates,omitempty"`
}

type CallSession struct {
	ID                  SessionID       `json:"session_id"`
	CallerID            UserID          `json:"caller_id"`
	ReceiverID          UserID          `json:"receiver_id"`
	Type                CallType        `json:"call_type"`
	Status              CallStatus      `json:"status"`
	Duration            int64           `json:"duration"`
	ChargePerMinute     decimal.Decimal `json:"charge_per_minute"`
	Currency            string          `json:"currency"`
	BilledMinutes       int64           `json:"billed_minutes"`
	TotalCost           decimal.Decimal `json:"total_cost"`
	AmountCharged       decimal.Decimal `json:"amount_charged"`
	Shortfall           decimal.Decimal `json:"shortfall"`
	NeedsReconciliation bool            `json:"needs_reconciliation"`
	ReservationRef      string          `json:"reservation_ref,omitempty"`
	SettlementRef       string          `json:"settlement_ref,omitempty"`
	RefundRef           string          `json:"refund_ref,omitempty"`
	FailureReason       string          `json:"failure_reason,omitempty"`
	Signaling           Signaling       `json:"signaling"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	EndedAt             *time.Time      `json:"ended_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (c *CallSession) IsParticipant(id UserID) bool {
	return c.CallerID == id || c.ReceiverID == id
}

// StatusSince is when the session entered its current status. An initiated
// session is aged from creation.
func (c *CallSession) StatusSince() time.Time {
	if c.Status == CallInitiated {
		return c.CreatedAt
	}
	return c.UpdatedAt
}

// Counterparty returns the other side of the call for a participant.
func (c *CallSession) Counterparty(id UserID) UserID {
	if c.CallerID == id {
		return c.ReceiverID
	}
	return c.CallerID
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (c *CallSession) Clone() *CallSession {
	cp := *c
	if c.StartedAt != nil {
		t := *c.StartedAt
		cp.StartedAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		cp.EndedAt = &t
	}
	cp.Signaling.ICECandidates = append([]json.RawMessage(nil), c.Signaling.ICECandidates...)
	return &cp
}

// Finish stamps the end time on a session leaving the call.
func (c *CallSession) Finish(status CallStatus, reason string, at time.Time) {
	c.Status = status
	c.FailureReason = reason
	if c.EndedAt == nil {
		c.EndedAt = &at
	}
}

// BilledMinutes rounds a duration up to whole minutes, never below one.
func BilledMinutes(durationSeconds int64) int64 {
	if durationSeconds <= 0 {
		return 1
	}
	return (durationSeconds + 59) / 60
}

// ElapsedSeconds is the floor of the wall-clock seconds between start and end.
func ElapsedSeconds(start, end time.Time) int64 {
	d := int64(end.Sub(start) / time.Second)
	if d < 0 {
		return 0
	}
	return d
}

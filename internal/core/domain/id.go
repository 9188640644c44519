package domain

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// UserID is the opaque identifier issued by the identity provider.
type UserID string

func (id UserID) String() string {
	return string(id)
}

type SessionID string

// NewSessionID returns an id such as CALL_01J9Z3....
func NewSessionID() SessionID {
	return SessionID(NewReference("CALL"))
}

func (id SessionID) String() string {
	return string(id)
}

func NewWalletID() string {
	return uuid.New().String()
}

func NewTransactionID() string {
	return uuid.New().String()
}

// NewReference returns a sortable idempotency key such as DEP_01J9Z3....
func NewReference(prefix string) string {
	return prefix + "_" + newULID()
}

func newULID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0)).String()
}

// Call billing references are derived from the session id so that retries
// of the same step collide on the ledger's unique reference.

func ReservationReference(id SessionID) string {
	return "CALL_RESERVE_" + id.String()
}

func SettlementReference(id SessionID) string {
	return "CALL_SETTLE_" + id.String()
}

func RefundReference(id SessionID) string {
	return "CALL_REFUND_" + id.String()
}

package port

import (
	"context"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// LedgerStore persists wallets, their append-only transaction log and
// pending deposit intents.
type LedgerStore interface {
	CreateWallet(ctx context.Context, w *domain.Wallet) error
	GetWallet(ctx context.Context, userID domain.UserID) (*domain.Wallet, error)

	// Apply changes the balance and appends the matching transaction as one
	// atomic unit. It fails with domain.ErrDuplicateReference when the
	// reference was already used and domain.ErrInsufficientFunds when a debit
	// would take the balance below zero; neither case mutates anything.
	Apply(ctx context.Context, entry domain.LedgerEntry) (*domain.Transaction, error)

	TransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, userID domain.UserID, offset, limit int) ([]domain.Transaction, int, error)

	SaveDeposit(ctx context.Context, d *domain.DepositIntent) error
	GetDeposit(ctx context.Context, reference string) (*domain.DepositIntent, error)
	UpdateDeposit(ctx context.Context, reference string, status domain.DepositStatus, paymentRef string) error
}

// CallMutation edits a session in place inside a store transaction.
type CallMutation func(s *domain.CallSession) error

type CallSessionStore interface {
	Create(ctx context.Context, s *domain.CallSession) error
	Get(ctx context.Context, id domain.SessionID) (*domain.CallSession, error)

	// Update loads the session, checks that its status is one of expect (any
	// non-terminal status when expect is empty), applies mutate and persists
	// the result if the status change is allowed by domain.CanTransition.
	// A status mismatch yields domain.ErrNotEligible.
	Update(ctx context.Context, id domain.SessionID, mutate CallMutation, expect ...domain.CallStatus) (*domain.CallSession, error)

	ListByUser(ctx context.Context, userID domain.UserID, offset, limit int) ([]domain.CallSession, int, error)

	// ListStale returns sessions that entered status before cutoff, oldest first.
	// Initiated sessions are aged from CreatedAt, others from UpdatedAt.
	ListStale(ctx context.Context, status domain.CallStatus, cutoff time.Time, limit int) ([]domain.CallSession, error)
}

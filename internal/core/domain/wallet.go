package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Wallet struct {
	ID                string          `json:"id"`
	UserID            UserID          `json:"user_id"`
	Balance           decimal.Decimal `json:"balance"`
	Currency          string          `json:"currency"`
	PinHash           string          `json:"-"`
	IsActive          bool            `json:"is_active"`
	LastTransactionAt *time.Time      `json:"last_transaction_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type Direction string

const (
	DirectionCredit   Direction = "credit"
	DirectionDebit    Direction = "debit"
	DirectionTransfer Direction = "transfer"
)

type Category string

const (
	CategoryDeposit     Category = "deposit"
	CategoryWithdrawal  Category = "withdrawal"
	CategoryCallPayment Category = "call_payment"
	CategoryRefund      Category = "refund"
	CategoryCommission  Category = "commission"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
	TransactionCancelled TransactionStatus = "cancelled"
)

// Transaction is an immutable ledger row. Every balance change has exactly one.
type Transaction struct {
	ID               string            `json:"id"`
	UserID           UserID            `json:"user_id"`
	WalletID         string            `json:"wallet_id"`
	Direction        Direction         `json:"type"`
	Category         Category          `json:"category"`
	Amount           decimal.Decimal   `json:"amount"`
	Currency         string            `json:"currency"`
	Status           TransactionStatus `json:"status"`
	Reference        string            `json:"reference"`
	PaymentReference string            `json:"payment_reference,omitempty"`
	Description      string            `json:"description,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	BalanceAfter     decimal.Decimal   `json:"balance_after"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// LedgerEntry is a requested balance mutation. The store turns an accepted
// entry into a Transaction.
type LedgerEntry struct {
	UserID           UserID
	Direction        Direction
	Category         Category
	Amount           decimal.Decimal
	Reference        string
	PaymentReference string
	Description      string
	Metadata         map[string]string
}

// Delta is the signed balance change the entry produces.
func (e LedgerEntry) Delta() decimal.Decimal {
	if e.Direction == DirectionDebit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// NewTransaction builds the completed ledger row for an entry applied to w.
// w must already hold the post-mutation balance.
func NewTransaction(w *Wallet, e LedgerEntry, at time.Time) *Transaction {
	return &Transaction{
		ID:               NewTransactionID(),
		UserID:           w.UserID,
		WalletID:         w.ID,
		Direction:        e.Direction,
		Category:         e.Category,
		Amount:           e.Amount,
		Currency:         w.Currency,
		Status:           TransactionCompleted,
		Reference:        e.Reference,
		PaymentReference: e.PaymentReference,
		Description:      e.Description,
		Metadata:         e.Metadata,
		BalanceAfter:     w.Balance,
		CompletedAt:      &at,
		CreatedAt:        at,
	}
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type DepositStatus string

const (
	DepositPending   DepositStatus = "pending"
	DepositCompleted DepositStatus = "completed"
	DepositFailed    DepositStatus = "failed"
)

// DepositIntent tracks a top-up between checkout and verification.
// The ledger is only touched once the gateway reports it paid.
type DepositIntent struct {
	Reference        string          `json:"reference"`
	UserID           UserID          `json:"user_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	CheckoutURL      string          `json:"checkout_url"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	Status           DepositStatus   `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type PaymentStatus string

const (
	PaymentPaid    PaymentStatus = "PAID"
	PaymentPending PaymentStatus = "PENDING"
	PaymentFailed  PaymentStatus = "FAILED"
)

type PaymentInit struct {
	Reference     string
	Amount        decimal.Decimal
	Currency      string
	CustomerID    UserID
	CustomerEmail string
	CustomerName  string
	Description   string
}

type PaymentCheckout struct {
	Reference        string
	PaymentReference string
	CheckoutURL      string
}

type PaymentVerification struct {
	Reference        string
	PaymentReference string
	Status           PaymentStatus
	AmountPaid       decimal.Decimal
	Currency         string
	PaidAt           *time.Time
}

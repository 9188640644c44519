package port

import (
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/shopspring/decimal"
)

type Metrics interface {
	LedgerApplied(direction domain.Direction, category domain.Category, amount decimal.Decimal)
	LedgerRejected(direction domain.Direction, reason string)
	CallStatus(status domain.CallStatus)
	Shortfall(amount decimal.Decimal)
	Compensation(outcome string)
}

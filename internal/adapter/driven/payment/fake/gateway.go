// Package fake is a deterministic payment gateway for development and tests.
package fake

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/shopspring/decimal"
)

var ErrUnknownReference = errors.New("unknown payment reference")

type payment struct {
	amount decimal.Decimal
	status domain.PaymentStatus
}

// Gateway records initialized payments and reports them with a configurable
// status. New payments default to AutoStatus.
type Gateway struct {
	mu         sync.Mutex
	payments   map[string]*payment
	AutoStatus domain.PaymentStatus
	Err        error
}

func NewGateway() *Gateway {
	return &Gateway{
		payments:   make(map[string]*payment),
		AutoStatus: domain.PaymentPaid,
	}
}

func (g *Gateway) Initialize(ctx context.Context, req domain.PaymentInit) (*domain.PaymentCheckout, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.Err != nil {
		return nil, g.Err
	}
	g.payments[req.Reference] = &payment{amount: req.Amount, status: g.AutoStatus}
	return &domain.PaymentCheckout{
		Reference:        req.Reference,
		PaymentReference: "MNFY_" + req.Reference,
		CheckoutURL:      "https://checkout.invalid/" + req.Reference,
	}, nil
}

func (g *Gateway) Verify(ctx context.Context, reference string) (*domain.PaymentVerification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.Err != nil {
		return nil, g.Err
	}
	p, ok := g.payments[reference]
	if !ok {
		return nil, ErrUnknownReference
	}
	v := &domain.PaymentVerification{
		Reference:        reference,
		PaymentReference: "MNFY_" + reference,
		Status:           p.status,
	}
	if p.status == domain.PaymentPaid {
		now := time.Now().UTC()
		v.AmountPaid = p.amount
		v.PaidAt = &now
	}
	return v, nil
}

// SetStatus overrides the status reported for a reference.
func (g *Gateway) SetStatus(reference string, status domain.PaymentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.payments[reference]; ok {
		p.status = status
	}
}

func (g *Gateway) SetError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Err = err
}

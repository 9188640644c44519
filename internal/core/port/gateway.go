package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// SignalingGateway delivers realtime events to connected users.
// Delivery is best effort; an offline user is not an error.
type SignalingGateway interface {
	Notify(ctx context.Context, userID domain.UserID, event domain.Event) error
	ForwardSignal(ctx context.Context, userID domain.UserID, env domain.SignalEnvelope) error
}

type PaymentGateway interface {
	Initialize(ctx context.Context, req domain.PaymentInit) (*domain.PaymentCheckout, error)
	Verify(ctx context.Context, reference string) (*domain.PaymentVerification, error)
}

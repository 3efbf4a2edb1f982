package application

import (
	"context"

	"github.com/platefast/ordercore/internal/payment/domain"
)

type PaymentRepository interface {
	// Save upserts the payment keyed by order id and returns the canonical
	// payment id (an order holds at most one payment).
	Save(ctx context.Context, p domain.Payment) (string, error)
	ByOrder(ctx context.Context, orderID string) (domain.Payment, error)
}

type ChargeRequest struct {
	OrderID        string
	AmountCents    int64
	IdempotencyKey string
}

type ChargeResult struct {
	Approved  bool
	Reference string
	Reason    string
}

// Gateway is the external card provider boundary.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

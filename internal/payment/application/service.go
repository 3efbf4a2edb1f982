package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/platefast/ordercore/internal/payment/domain"
)

// Coordinator owns payment records. Orders keep only a reference to the
// payment id this service hands back.
type Coordinator struct {
	log     *slog.Logger
	repo    PaymentRepository
	gateway Gateway
}

func NewCoordinator(log *slog.Logger, repo PaymentRepository, gateway Gateway) *Coordinator {
	return &Coordinator{log: log, repo: repo, gateway: gateway}
}

var ErrUnknownMethod = errors.New("unknown payment method")

// Initiate issues a payment for an order and records the outcome. Both
// supported methods settle synchronously: cash on delivery needs no provider
// call, card charges go through the gateway with the order id as the
// provider-side idempotency key so a retried initiation never double-charges.
func (c *Coordinator) Initiate(ctx context.Context, orderID string, amountCents int64, method domain.Method) (domain.Payment, error) {
	now := time.Now().UTC()
	p := domain.Payment{
		ID:          uuid.NewString(),
		OrderID:     orderID,
		AmountCents: amountCents,
		Method:      method,
		Status:      domain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	switch method {
	case domain.MethodCashOnDelivery:
		p.Status = domain.StatusSuccess

	case domain.MethodCard:
		res, err := c.gateway.Charge(ctx, ChargeRequest{
			OrderID:        orderID,
			AmountCents:    amountCents,
			IdempotencyKey: orderID,
		})
		if err != nil {
			// Outcome unknown; nothing is persisted so a retried
			// initiation starts clean.
			return domain.Payment{}, fmt.Errorf("charge order %s: %w", orderID, err)
		}
		if !res.Approved {
			p.Status = domain.StatusFailed
			p.ProviderRef = res.Reference
			if id, err := c.repo.Save(ctx, p); err != nil {
				c.log.Error("failed payment not recorded", "order_id", orderID, "err", err)
			} else {
				p.ID = id
			}
			return p, fmt.Errorf("order %s: %s: %w", orderID, res.Reason, domain.ErrDeclined)
		}
		p.Status = domain.StatusSuccess
		p.ProviderRef = res.Reference

	default:
		return domain.Payment{}, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}

	id, err := c.repo.Save(ctx, p)
	if err != nil {
		return domain.Payment{}, fmt.Errorf("save payment for order %s: %w", orderID, err)
	}
	p.ID = id
	c.log.Info("payment settled", "order_id", orderID, "payment_id", p.ID, "method", method, "amount_cents", amountCents)
	return p, nil
}

// Outcome reports the recorded payment for an order. The stuck-order sweeper
// reconciles against this record rather than asking the provider again.
func (c *Coordinator) Outcome(ctx context.Context, orderID string) (domain.Payment, error) {
	return c.repo.ByOrder(ctx, orderID)
}

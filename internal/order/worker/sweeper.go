// Package worker finalizes orders stuck PENDING, e.g. after a crash between
// payment settlement and the accept transition. It reconciles against the
// Payment Coordinator's own records, never the provider.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/platefast/ordercore/internal/order/application"
	"github.com/platefast/ordercore/internal/order/domain"
	paydomain "github.com/platefast/ordercore/internal/payment/domain"
)

type Sweeper struct {
	log      *slog.Logger
	repo     application.OrderRepository
	payments application.PaymentCoordinator

	interval  time.Duration
	olderThan time.Duration
	batchSize int
}

func NewSweeper(log *slog.Logger, repo application.OrderRepository, payments application.PaymentCoordinator, interval, olderThan time.Duration) *Sweeper {
	return &Sweeper{
		log:       log,
		repo:      repo,
		payments:  payments,
		interval:  interval,
		olderThan: olderThan,
		batchSize: 100,
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("stuck-order sweeper started", "interval", s.interval, "older_than", s.olderThan)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Error("sweep failed", "err", err)
			}
		}
	}
}

// Sweep finalizes each stuck order through the same compare-and-set
// transitions as the orchestrator, so a concurrent retry that already
// finalized an order turns this pass into a benign conflict.
func (s *Sweeper) Sweep(ctx context.Context) error {
	stuck, err := s.repo.FindStuckPending(ctx, s.olderThan, s.batchSize)
	if err != nil {
		return err
	}
	for _, o := range stuck {
		s.finalize(ctx, o)
	}
	return nil
}

func (s *Sweeper) finalize(ctx context.Context, o domain.Order) {
	pay, err := s.payments.Outcome(ctx, o.ID)
	switch {
	case errors.Is(err, paydomain.ErrNotFound) || (err == nil && pay.Status != paydomain.StatusSuccess):
		if trErr := s.repo.Transition(ctx, o.ID, domain.StatusPending, domain.StatusDeclined, "sweeper"); trErr != nil {
			s.logConflict(o.ID, trErr)
			return
		}
		s.log.Info("stuck order declined", "order_id", o.ID)
	case err != nil:
		s.log.Error("payment lookup failed, skipping", "order_id", o.ID, "err", err)
	default:
		if attachErr := s.repo.AttachPayment(ctx, o.ID, pay.ID); attachErr != nil && !errors.Is(attachErr, domain.ErrConflict) {
			s.log.Error("attach payment failed", "order_id", o.ID, "err", attachErr)
		}
		if trErr := s.repo.Transition(ctx, o.ID, domain.StatusPending, domain.StatusAccepted, "sweeper"); trErr != nil {
			s.logConflict(o.ID, trErr)
			return
		}
		s.log.Info("stuck order accepted from recorded payment", "order_id", o.ID, "payment_id", pay.ID)
	}
}

func (s *Sweeper) logConflict(orderID string, err error) {
	if errors.Is(err, domain.ErrConflict) {
		s.log.Debug("order already finalized elsewhere", "order_id", orderID)
		return
	}
	s.log.Error("finalize transition failed", "order_id", orderID, "err", err)
}

package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/platefast/ordercore/internal/auth"
	"github.com/platefast/ordercore/internal/menu"
	"github.com/platefast/ordercore/internal/order/domain"
	paydomain "github.com/platefast/ordercore/internal/payment/domain"
)

const maxLineItems = 50

// Service is the order placement orchestrator and the status query/update
// surface. All shared state lives behind the ledger and the repository; the
// service itself holds nothing mutable and is safe for concurrent use.
type Service struct {
	log      *slog.Logger
	repo     OrderRepository
	ledger   Ledger
	payments PaymentCoordinator
	menu     MenuClient
	tracer   trace.Tracer

	retryAttempts int
	retryBackoff  time.Duration
}

func NewService(log *slog.Logger, repo OrderRepository, ledger Ledger, payments PaymentCoordinator, menuClient MenuClient) *Service {
	return &Service{
		log:           log,
		repo:          repo,
		ledger:        ledger,
		payments:      payments,
		menu:          menuClient,
		tracer:        otel.Tracer("order-service"),
		retryAttempts: 3,
		retryBackoff:  100 * time.Millisecond,
	}
}

// PlaceOrder accepts a client-submitted order exactly once per
// (caller, idempotency key). Retries with the same key return the captured
// result of the first execution verbatim, regardless of draft content.
//
// A DECLINED order is a normal outcome, returned without error.
func (s *Service) PlaceOrder(ctx context.Context, callerID, idempotencyKey string, draft Draft) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "PlaceOrder")
	defer span.End()

	if callerID == "" || idempotencyKey == "" {
		return domain.Order{}, fmt.Errorf("%w: caller id and idempotency key are required", domain.ErrValidation)
	}

	captured, fresh, err := s.ledger.Reserve(ctx, callerID, idempotencyKey)
	if err != nil {
		return domain.Order{}, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if !fresh {
		var o domain.Order
		if err := json.Unmarshal(captured, &o); err != nil {
			return domain.Order{}, fmt.Errorf("decode captured result: %w", err)
		}
		s.log.Info("replayed captured result", "caller_id", callerID, "order_id", o.ID)
		return o, nil
	}

	order, err := s.createOrder(ctx, callerID, idempotencyKey, draft)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Another writer got the unique index first; that order is
			// the outcome for this key.
			return s.adoptExisting(ctx, callerID, idempotencyKey)
		}
		// Nothing persisted: free the key so a corrected draft can retry.
		if relErr := s.ledger.Release(ctx, callerID, idempotencyKey); relErr != nil {
			s.log.Error("reservation release failed, key will expire by ttl", "caller_id", callerID, "err", relErr)
		}
		return domain.Order{}, err
	}

	pay, err := s.initiatePayment(ctx, order, draft.PaymentMethod)
	if err != nil {
		if trErr := s.repo.Transition(ctx, order.ID, domain.StatusPending, domain.StatusDeclined, "payment"); trErr != nil {
			s.log.Error("decline transition failed", "order_id", order.ID, "err", trErr)
		}
		order.Status = domain.StatusDeclined
		s.log.Info("order declined", "order_id", order.ID, "reason", err.Error())
	} else {
		if err := s.repo.AttachPayment(ctx, order.ID, pay.ID); err != nil {
			s.log.Error("attach payment failed", "order_id", order.ID, "payment_id", pay.ID, "err", err)
		}
		if err := s.repo.Transition(ctx, order.ID, domain.StatusPending, domain.StatusAccepted, "payment"); err != nil {
			// Lost to a concurrent finalizer (e.g. the sweeper); the
			// stored row is authoritative.
			s.log.Warn("accept transition lost race", "order_id", order.ID, "err", err)
			stored, getErr := s.repo.Get(ctx, order.ID)
			if getErr == nil {
				order = stored
			}
		} else {
			order.Status = domain.StatusAccepted
			order.PaymentID = &pay.ID
		}
	}

	payload, err := json.Marshal(order)
	if err != nil {
		return domain.Order{}, fmt.Errorf("encode result: %w", err)
	}
	if err := s.ledger.Commit(ctx, callerID, idempotencyKey, payload); err != nil {
		// The order row with its unique key index remains the durable
		// record; a replay will adopt it.
		s.log.Error("ledger commit failed", "caller_id", callerID, "order_id", order.ID, "err", err)
	}
	return order, nil
}

// createOrder validates and reprices the draft against the menu collaborator
// and persists the PENDING order with its line items atomically.
func (s *Service) createOrder(ctx context.Context, callerID, idempotencyKey string, draft Draft) (domain.Order, error) {
	if draft.RestaurantID == "" {
		return domain.Order{}, fmt.Errorf("%w: restaurant id is required", domain.ErrValidation)
	}
	if draft.DeliveryAddress == "" {
		return domain.Order{}, fmt.Errorf("%w: delivery address is required", domain.ErrValidation)
	}
	if _, ok := paydomain.ParseMethod(string(draft.PaymentMethod)); !ok {
		return domain.Order{}, fmt.Errorf("%w: unsupported payment method %q", domain.ErrValidation, draft.PaymentMethod)
	}
	if len(draft.Items) == 0 {
		return domain.Order{}, fmt.Errorf("%w: order needs at least one line item", domain.ErrValidation)
	}
	if len(draft.Items) > maxLineItems {
		return domain.Order{}, fmt.Errorf("%w: at most %d line items", domain.ErrValidation, maxLineItems)
	}

	items := make([]domain.LineItem, 0, len(draft.Items))
	for i, di := range draft.Items {
		if di.Quantity < 1 {
			return domain.Order{}, fmt.Errorf("%w: items[%d] quantity must be positive", domain.ErrValidation, i)
		}
		entry, err := s.menuItem(ctx, draft.RestaurantID, di.MenuItemID)
		if err != nil {
			return domain.Order{}, err
		}
		items = append(items, domain.LineItem{
			MenuItemID:     entry.ID,
			Name:           entry.Name,
			Quantity:       di.Quantity,
			UnitPriceCents: entry.PriceCents,
		})
	}

	order := domain.NewOrder(callerID, draft.RestaurantID, draft.DeliveryAddress, idempotencyKey, items)
	if err := s.repo.Create(ctx, order); err != nil {
		return domain.Order{}, err
	}
	s.log.Info("order created", "order_id", order.ID, "customer_id", callerID, "total_cents", order.TotalCents)
	return order, nil
}

func (s *Service) menuItem(ctx context.Context, restaurantID, itemID string) (menu.Item, error) {
	var entry menu.Item
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		entry, err = s.menu.Item(ctx, restaurantID, itemID)
		return err
	}, menu.ErrUnavailable)
	switch {
	case errors.Is(err, menu.ErrUnknownItem):
		return menu.Item{}, fmt.Errorf("%w: unknown menu item %s", domain.ErrValidation, itemID)
	case errors.Is(err, menu.ErrUnavailable):
		return menu.Item{}, fmt.Errorf("%w: menu lookup: %v", domain.ErrDependencyUnavailable, err)
	case err != nil:
		return menu.Item{}, err
	}
	if !entry.Available {
		return menu.Item{}, fmt.Errorf("%w: menu item %s is not available", domain.ErrValidation, itemID)
	}
	return entry, nil
}

// initiatePayment drives the payment step with bounded retries on transient
// provider failures. A business decline is never retried.
func (s *Service) initiatePayment(ctx context.Context, order domain.Order, method paydomain.Method) (paydomain.Payment, error) {
	var pay paydomain.Payment
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		pay, err = s.payments.Initiate(ctx, order.ID, order.TotalCents, method)
		return err
	}, paydomain.ErrProviderUnavailable)
	if err != nil {
		if errors.Is(err, paydomain.ErrDeclined) {
			return paydomain.Payment{}, fmt.Errorf("%w: %v", domain.ErrPaymentDeclined, err)
		}
		// Exhausted transient retries: treated as a decline rather than
		// leaving the order PENDING forever.
		return paydomain.Payment{}, fmt.Errorf("%w: %v", domain.ErrPaymentDeclined, err)
	}
	return pay, nil
}

// withRetry reruns fn on the given transient sentinel with doubling backoff,
// up to the configured attempt budget.
func (s *Service) withRetry(ctx context.Context, fn func(context.Context) error, transient error) error {
	backoff := s.retryBackoff
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, transient) || attempt >= s.retryAttempts {
			return err
		}
		s.log.Warn("transient failure, retrying", "attempt", attempt, "backoff", backoff, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// adoptExisting resolves a lost creation race by committing and returning
// the order already stored under the same idempotency key.
func (s *Service) adoptExisting(ctx context.Context, callerID, idempotencyKey string) (domain.Order, error) {
	existing, err := s.repo.GetByIdempotencyKey(ctx, callerID, idempotencyKey)
	if err != nil {
		return domain.Order{}, fmt.Errorf("load order for reused key: %w", err)
	}
	if payload, err := json.Marshal(existing); err == nil {
		_ = s.ledger.Commit(ctx, callerID, idempotencyKey, payload)
	}
	return existing, nil
}

// GetOrder serves pollers. Ownership is checked before any order data is
// returned so non-owners cannot probe for existence.
func (s *Service) GetOrder(ctx context.Context, caller auth.Identity, orderID string) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "GetOrder")
	defer span.End()

	o, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !auth.Allow(caller, o.CustomerID) {
		return domain.Order{}, domain.ErrForbidden
	}
	return o, nil
}

// AdvanceStatus moves an order one step along the forward chain on behalf of
// kitchen/delivery collaborators. The expected predecessor is derived from
// the state machine, so a racing cancellation surfaces as a conflict.
func (s *Service) AdvanceStatus(ctx context.Context, orderID string, next domain.Status, changedBy string) error {
	ctx, span := s.tracer.Start(ctx, "AdvanceStatus")
	defer span.End()

	expected, ok := domain.Prev(next)
	if !ok {
		return fmt.Errorf("%w: %q is not a forward transition", domain.ErrValidation, next)
	}
	return s.repo.Transition(ctx, orderID, expected, next, changedBy)
}

// Cancel is a customer-initiated transition under the same compare-and-set
// discipline as kitchen updates: whichever transition lands first wins.
func (s *Service) Cancel(ctx context.Context, caller auth.Identity, orderID string) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "CancelOrder")
	defer span.End()

	o, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !auth.Allow(caller, o.CustomerID) {
		return domain.Order{}, domain.ErrForbidden
	}
	if !domain.CanTransition(o.Status, domain.StatusCancelled) {
		return domain.Order{}, fmt.Errorf("%w: too late to cancel, order is %s", domain.ErrConflict, o.Status)
	}
	if err := s.repo.Transition(ctx, orderID, o.Status, domain.StatusCancelled, caller.CallerID); err != nil {
		return domain.Order{}, err
	}
	o.Status = domain.StatusCancelled
	return o, nil
}

package application

import (
	"context"
	"time"

	"github.com/platefast/ordercore/internal/menu"
	"github.com/platefast/ordercore/internal/order/domain"
	paydomain "github.com/platefast/ordercore/internal/payment/domain"
)

type OrderRepository interface {
	// Create persists the order, its line items and the placement event in
	// one transaction. A duplicate (customer_id, idempotency_key) surfaces
	// as domain.ErrConflict.
	Create(ctx context.Context, o domain.Order) error
	Get(ctx context.Context, id string) (domain.Order, error)
	GetByIdempotencyKey(ctx context.Context, customerID, key string) (domain.Order, error)

	// Transition is a compare-and-set status change: it succeeds only when
	// the stored status equals expected, otherwise domain.ErrConflict.
	Transition(ctx context.Context, orderID string, expected, next domain.Status, changedBy string) error

	// AttachPayment sets the payment reference exactly once.
	AttachPayment(ctx context.Context, orderID, paymentID string) error

	FindStuckPending(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Order, error)
}

// Ledger maps (caller, idempotency key) to the captured outcome of the first
// accepted request under that key.
type Ledger interface {
	// Reserve returns (nil, true, nil) when the caller won the key, or the
	// captured result when the key is already committed. While the
	// original request is still in flight it blocks within a bounded
	// budget and then returns domain.ErrRetryLater.
	Reserve(ctx context.Context, callerID, key string) (captured []byte, fresh bool, err error)
	Commit(ctx context.Context, callerID, key string, result []byte) error
	// Release frees an uncommitted reservation so a corrected retry with
	// the same key can run.
	Release(ctx context.Context, callerID, key string) error
}

type PaymentCoordinator interface {
	Initiate(ctx context.Context, orderID string, amountCents int64, method paydomain.Method) (paydomain.Payment, error)
	Outcome(ctx context.Context, orderID string) (paydomain.Payment, error)
}

type MenuClient interface {
	Item(ctx context.Context, restaurantID, itemID string) (menu.Item, error)
}

type Draft struct {
	RestaurantID    string
	DeliveryAddress string
	PaymentMethod   paydomain.Method
	Items           []DraftItem
}

type DraftItem struct {
	MenuItemID string
	Quantity   int
}

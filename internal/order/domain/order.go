package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending        Status = "PENDING"
	StatusAccepted       Status = "ACCEPTED"
	StatusInCooking      Status = "IN_COOKING"
	StatusOutForDelivery Status = "OUT_FOR_DELIVERY"
	StatusCompleted      Status = "COMPLETED"
	StatusCancelled      Status = "CANCELLED"
	StatusDeclined       Status = "DECLINED"
)

// forward is the happy-path chain; every other move is either a
// cancellation, a decline, or illegal.
var forward = map[Status]Status{
	StatusPending:        StatusAccepted,
	StatusAccepted:       StatusInCooking,
	StatusInCooking:      StatusOutForDelivery,
	StatusOutForDelivery: StatusCompleted,
}

func IsTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusDeclined:
		return true
	}
	return false
}

// CanTransition reports whether an order may move from one status to the
// next. Terminal statuses admit nothing; the forward chain admits no skips.
func CanTransition(from, to Status) bool {
	if IsTerminal(from) {
		return false
	}
	switch to {
	case StatusCancelled:
		return from == StatusPending || from == StatusAccepted || from == StatusInCooking
	case StatusDeclined:
		return from == StatusPending
	default:
		return forward[from] == to
	}
}

// Prev returns the single status an order must hold immediately before
// advancing to next along the forward chain. Cancellation and decline have
// no unique predecessor and report false.
func Prev(to Status) (Status, bool) {
	for from, n := range forward {
		if n == to {
			return from, true
		}
	}
	return "", false
}

type LineItem struct {
	MenuItemID     string
	Name           string
	Quantity       int
	UnitPriceCents int64
}

type Order struct {
	ID              string
	CustomerID      string
	RestaurantID    string
	Items           []LineItem
	TotalCents      int64
	DeliveryAddress string
	Status          Status
	PaymentID       *string
	IdempotencyKey  string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewOrder builds a PENDING order from repriced line items. The total is
// always recomputed here; client-supplied totals never reach this point.
func NewOrder(customerID, restaurantID, address, idempotencyKey string, items []LineItem) Order {
	var total int64
	for _, item := range items {
		total += int64(item.Quantity) * item.UnitPriceCents
	}
	now := time.Now().UTC()
	return Order{
		ID:              uuid.NewString(),
		CustomerID:      customerID,
		RestaurantID:    restaurantID,
		Items:           items,
		TotalCents:      total,
		DeliveryAddress: address,
		Status:          StatusPending,
		IdempotencyKey:  idempotencyKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusAccepted, StatusInCooking, StatusOutForDelivery,
		StatusCompleted, StatusCancelled, StatusDeclined:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
}

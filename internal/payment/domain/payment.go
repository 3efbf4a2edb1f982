package domain

import (
	"errors"
	"time"
)

type Method string

const (
	// MethodCashOnDelivery settles at the door; initiation always succeeds.
	MethodCashOnDelivery Method = "CASH_ON_DELIVERY"
	// MethodCard settles synchronously at order time through the provider.
	MethodCard Method = "CARD"
)

func ParseMethod(s string) (Method, bool) {
	switch Method(s) {
	case MethodCashOnDelivery, MethodCard:
		return Method(s), true
	}
	return "", false
}

type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

type Payment struct {
	ID          string
	OrderID     string
	AmountCents int64
	Method      Method
	Status      Status
	ProviderRef string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

var (
	// ErrDeclined is a business outcome, not a fault; retrying the same
	// charge will decline again.
	ErrDeclined = errors.New("payment declined by provider")

	ErrNotFound = errors.New("no payment recorded for order")

	// ErrProviderUnavailable marks transport-level failures where the
	// charge outcome is unknown to us.
	ErrProviderUnavailable = errors.New("payment provider unavailable")
)

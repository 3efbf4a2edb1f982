package domain

import "errors"

var (
	// ErrValidation covers bad quantities, unknown menu items and stale
	// prices. Nothing is persisted before it is returned.
	ErrValidation = errors.New("validation failed")

	ErrNotFound  = errors.New("order not found")
	ErrForbidden = errors.New("caller does not own this order")

	// ErrConflict signals a lost compare-and-set race: an idempotency key
	// already taken or a status transition whose predecessor moved away.
	ErrConflict = errors.New("conflicting concurrent update")

	// ErrRetryLater is returned while the original request for an
	// idempotency key is still in flight past the wait budget.
	ErrRetryLater = errors.New("request in flight, retry later")

	ErrPaymentDeclined = errors.New("payment declined")

	// ErrDependencyUnavailable marks a transient collaborator failure;
	// the orchestrator retries these with backoff before giving up.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

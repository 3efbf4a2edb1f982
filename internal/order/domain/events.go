package domain

import "time"

const (
	EventOrderPlaced        = "OrderPlaced"
	EventOrderStatusChanged = "OrderStatusChanged"
)

type OrderPlaced struct {
	OrderID      string
	CustomerID   string
	RestaurantID string
	TotalCents   int64
	Items        []LineItem
}

type OrderStatusChanged struct {
	OrderID   string
	OldStatus Status
	NewStatus Status
	ChangedBy string
	At        time.Time
}

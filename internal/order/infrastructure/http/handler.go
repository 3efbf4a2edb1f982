package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/platefast/ordercore/internal/auth"
	"github.com/platefast/ordercore/internal/order/application"
	"github.com/platefast/ordercore/internal/order/domain"
	paydomain "github.com/platefast/ordercore/internal/payment/domain"
)

// OrderService is what the transport needs from the application layer.
type OrderService interface {
	PlaceOrder(ctx context.Context, callerID, idempotencyKey string, draft application.Draft) (domain.Order, error)
	GetOrder(ctx context.Context, caller auth.Identity, orderID string) (domain.Order, error)
	AdvanceStatus(ctx context.Context, orderID string, next domain.Status, changedBy string) error
	Cancel(ctx context.Context, caller auth.Identity, orderID string) (domain.Order, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	log    *slog.Logger
	svc    OrderService
	db     Pinger
	tracer trace.Tracer
}

func NewHandler(log *slog.Logger, svc OrderService, db Pinger) *Handler {
	return &Handler{
		log:    log,
		svc:    svc,
		db:     db,
		tracer: otel.Tracer("order-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Post("/orders", h.placeOrder)
		r.Get("/orders/{id}", h.getOrder)
		r.Post("/orders/{id}/cancel", h.cancelOrder)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware, auth.RequireRole(auth.RoleInternal))
		r.Post("/internal/orders/{id}/status", h.advanceStatus)
	})

	r.Get("/health", h.health)
	return r
}

type lineItemReq struct {
	MenuItemID string `json:"menu_item_id"`
	Quantity   int    `json:"quantity"`
}

type placeOrderReq struct {
	RestaurantID    string        `json:"restaurant_id"`
	DeliveryAddress string        `json:"delivery_address"`
	PaymentMethod   string        `json:"payment_method"`
	Items           []lineItemReq `json:"items"`
}

type lineItemResp struct {
	MenuItemID     string `json:"menu_item_id"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type orderResp struct {
	ID              string         `json:"id"`
	RestaurantID    string         `json:"restaurant_id"`
	Items           []lineItemResp `json:"items"`
	TotalCents      int64          `json:"total_cents"`
	DeliveryAddress string         `json:"delivery_address"`
	Status          string         `json:"status"`
	PaymentID       *string        `json:"payment_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func toOrderResp(o domain.Order) orderResp {
	items := make([]lineItemResp, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, lineItemResp{
			MenuItemID:     item.MenuItemID,
			Name:           item.Name,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
		})
	}
	return orderResp{
		ID:              o.ID,
		RestaurantID:    o.RestaurantID,
		Items:           items,
		TotalCents:      o.TotalCents,
		DeliveryAddress: o.DeliveryAddress,
		Status:          string(o.Status),
		PaymentID:       o.PaymentID,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PlaceOrder")
	defer span.End()

	caller, _ := auth.From(ctx)
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		h.writeError(w, http.StatusBadRequest, "Idempotency-Key header is required")
		return
	}

	var req placeOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	draft := application.Draft{
		RestaurantID:    req.RestaurantID,
		DeliveryAddress: req.DeliveryAddress,
		PaymentMethod:   paydomain.Method(req.PaymentMethod),
	}
	for _, item := range req.Items {
		draft.Items = append(draft.Items, application.DraftItem{MenuItemID: item.MenuItemID, Quantity: item.Quantity})
	}

	order, err := h.svc.PlaceOrder(ctx, caller.CallerID, idemKey, draft)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toOrderResp(order))
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetOrder")
	defer span.End()

	caller, _ := auth.From(ctx)
	order, err := h.svc.GetOrder(ctx, caller, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toOrderResp(order))
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CancelOrder")
	defer span.End()

	caller, _ := auth.From(ctx)
	order, err := h.svc.Cancel(ctx, caller, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toOrderResp(order))
}

type advanceStatusReq struct {
	Status string `json:"status"`
}

func (h *Handler) advanceStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "AdvanceStatus")
	defer span.End()

	caller, _ := auth.From(ctx)
	var req advanceStatusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	next, err := domain.ParseStatus(req.Status)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if err := h.svc.AdvanceStatus(ctx, chi.URLParam(r, "id"), next, caller.CallerID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": string(next)})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeServiceError maps domain errors to HTTP statuses. Forbidden is
// returned as 404 so non-owners cannot confirm an order exists.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrForbidden):
		h.writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, domain.ErrRetryLater):
		w.Header().Set("Retry-After", "1")
		h.writeError(w, http.StatusConflict, "original request still in flight, retry later")
	case errors.Is(err, domain.ErrConflict):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrDependencyUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, "a dependency is unavailable, retry later")
	default:
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("encode response failed", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

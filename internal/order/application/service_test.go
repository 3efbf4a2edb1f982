package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/platefast/ordercore/internal/auth"
	"github.com/platefast/ordercore/internal/menu"
	"github.com/platefast/ordercore/internal/order/domain"
	paydomain "github.com/platefast/ordercore/internal/payment/domain"
)

// fakeRepo mirrors the compare-and-set semantics of the Postgres repository
// behind a mutex, so races between goroutines resolve the same way.
type fakeRepo struct {
	mu          sync.Mutex
	orders      map[string]domain.Order
	attachCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{orders: map[string]domain.Order{}}
}

func (r *fakeRepo) Create(_ context.Context, o domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.orders {
		if existing.CustomerID == o.CustomerID && existing.IdempotencyKey == o.IdempotencyKey {
			return fmt.Errorf("duplicate key: %w", domain.ErrConflict)
		}
	}
	r.orders[o.ID] = o
	return nil
}

func (r *fakeRepo) Get(_ context.Context, id string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (r *fakeRepo) GetByIdempotencyKey(_ context.Context, customerID, key string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.CustomerID == customerID && o.IdempotencyKey == key {
			return o, nil
		}
	}
	return domain.Order{}, domain.ErrNotFound
}

func (r *fakeRepo) Transition(_ context.Context, orderID string, expected, next domain.Status, _ string) error {
	if !domain.CanTransition(expected, next) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrValidation, expected, next)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return domain.ErrNotFound
	}
	if o.Status != expected {
		return fmt.Errorf("%w: expected %s, order is %s", domain.ErrConflict, expected, o.Status)
	}
	o.Status = next
	o.UpdatedAt = time.Now().UTC()
	r.orders[orderID] = o
	return nil
}

func (r *fakeRepo) AttachPayment(_ context.Context, orderID, paymentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attachCalls++
	o, ok := r.orders[orderID]
	if !ok {
		return domain.ErrNotFound
	}
	if o.PaymentID != nil {
		return fmt.Errorf("%w: payment already attached", domain.ErrConflict)
	}
	o.PaymentID = &paymentID
	r.orders[orderID] = o
	return nil
}

func (r *fakeRepo) FindStuckPending(_ context.Context, _ time.Duration, _ int) ([]domain.Order, error) {
	return nil, nil
}

// fakeLedger reproduces the reservation protocol: first caller wins, a
// concurrent caller blocks until the winner commits, a released key is free
// again.
type fakeLedger struct {
	mu      sync.Mutex
	pending map[string]bool
	results map[string][]byte
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{pending: map[string]bool{}, results: map[string][]byte{}}
}

func ledgerKey(callerID, key string) string { return callerID + "/" + key }

func (l *fakeLedger) Reserve(ctx context.Context, callerID, key string) ([]byte, bool, error) {
	k := ledgerKey(callerID, key)
	for i := 0; i < 100; i++ {
		l.mu.Lock()
		if res, ok := l.results[k]; ok {
			l.mu.Unlock()
			return res, false, nil
		}
		if !l.pending[k] {
			l.pending[k] = true
			l.mu.Unlock()
			return nil, true, nil
		}
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
	return nil, false, domain.ErrRetryLater
}

func (l *fakeLedger) Commit(_ context.Context, callerID, key string, result []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := ledgerKey(callerID, key)
	l.results[k] = result
	delete(l.pending, k)
	return nil
}

func (l *fakeLedger) Release(_ context.Context, callerID, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, ledgerKey(callerID, key))
	return nil
}

// fakePayments replays a scripted sequence of outcomes, one per Initiate
// call, and counts how often it was asked to charge.
type fakePayments struct {
	mu        sync.Mutex
	script    []error
	initiates int
}

func (p *fakePayments) Initiate(_ context.Context, orderID string, amountCents int64, method paydomain.Method) (paydomain.Payment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.initiates < len(p.script) {
		err = p.script[p.initiates]
	}
	p.initiates++
	if err != nil {
		return paydomain.Payment{}, err
	}
	return paydomain.Payment{
		ID:          fmt.Sprintf("pay-%d", p.initiates),
		OrderID:     orderID,
		AmountCents: amountCents,
		Method:      method,
		Status:      paydomain.StatusSuccess,
	}, nil
}

func (p *fakePayments) Outcome(context.Context, string) (paydomain.Payment, error) {
	return paydomain.Payment{}, paydomain.ErrNotFound
}

func (p *fakePayments) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initiates
}

type fakeMenu struct {
	items map[string]menu.Item
}

func (m *fakeMenu) Item(_ context.Context, _, itemID string) (menu.Item, error) {
	item, ok := m.items[itemID]
	if !ok {
		return menu.Item{}, menu.ErrUnknownItem
	}
	return item, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pizzaMenu() *fakeMenu {
	return &fakeMenu{items: map[string]menu.Item{
		"m-1": {ID: "m-1", Name: "Margherita", PriceCents: 500, Available: true},
		"m-2": {ID: "m-2", Name: "Garlic Bread", PriceCents: 350, Available: true},
		"m-3": {ID: "m-3", Name: "Seasonal Special", PriceCents: 900, Available: false},
	}}
}

func codDraft() Draft {
	return Draft{
		RestaurantID:    "rest-1",
		DeliveryAddress: "1 Main St",
		PaymentMethod:   paydomain.MethodCashOnDelivery,
		Items: []DraftItem{
			{MenuItemID: "m-1", Quantity: 2},
			{MenuItemID: "m-2", Quantity: 1},
		},
	}
}

func newTestService(repo *fakeRepo, ledger Ledger, payments PaymentCoordinator, m MenuClient) *Service {
	svc := NewService(testLogger(), repo, ledger, payments, m)
	svc.retryBackoff = time.Millisecond
	return svc
}

func TestPlaceOrderCashOnDelivery(t *testing.T) {
	repo := newFakeRepo()
	payments := &fakePayments{}
	svc := newTestService(repo, newFakeLedger(), payments, pizzaMenu())

	order, err := svc.PlaceOrder(context.Background(), "cust-1", "key-1", codDraft())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.TotalCents != 1350 {
		t.Fatalf("TotalCents = %d, want 1350", order.TotalCents)
	}
	if order.Status != domain.StatusAccepted {
		t.Fatalf("Status = %s, want %s", order.Status, domain.StatusAccepted)
	}
	if order.PaymentID == nil {
		t.Fatal("expected a payment reference on the accepted order")
	}
	stored, err := repo.Get(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("stored order missing: %v", err)
	}
	if stored.Status != domain.StatusAccepted {
		t.Fatalf("stored Status = %s, want %s", stored.Status, domain.StatusAccepted)
	}
}

func TestPlaceOrderReplaysCapturedResult(t *testing.T) {
	repo := newFakeRepo()
	payments := &fakePayments{}
	svc := newTestService(repo, newFakeLedger(), payments, pizzaMenu())

	first, err := svc.PlaceOrder(context.Background(), "cust-1", "key-1", codDraft())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Same key, tampered draft: the captured result wins, the draft is
	// never looked at.
	tampered := codDraft()
	tampered.Items = []DraftItem{{MenuItemID: "m-1", Quantity: 9}}
	second, err := svc.PlaceOrder(context.Background(), "cust-1", "key-1", tampered)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if second.ID != first.ID {
		t.Fatalf("replay returned order %s, want %s", second.ID, first.ID)
	}
	if second.TotalCents != first.TotalCents {
		t.Fatalf("replay TotalCents = %d, want %d", second.TotalCents, first.TotalCents)
	}
	if got := payments.calls(); got != 1 {
		t.Fatalf("payment initiated %d times, want 1", got)
	}
}

func TestPlaceOrderSameKeyDifferentCallers(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeLedger(), &fakePayments{}, pizzaMenu())

	a, err := svc.PlaceOrder(context.Background(), "cust-1", "key-1", codDraft())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := svc.PlaceOrder(context.Background(), "cust-2", "key-1", codDraft())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.ID == b.ID {
		t.Fatal("keys are scoped per caller, expected two distinct orders")
	}
}

func TestPlaceOrderDeclined(t *testing.T) {
	repo := newFakeRepo()
	payments := &fakePayments{script: []error{paydomain.ErrDeclined}}
	svc := newTestService(repo, newFakeLedger(), payments, pizzaMenu())

	draft := codDraft()
	draft.PaymentMethod = paydomain.MethodCard
	order, err := svc.PlaceOrder(context.Background(), "cust-1", "key-1", draft)
	if err != nil {
		t.Fatalf("a decline is a normal outcome, got error: %v", err)
	}
	if order.Status != domain.StatusDeclined {
		t.Fatalf("Status = %s, want %s", order.Status, domain.StatusDeclined)
	}
	if repo.attachCalls != 0 {
		t.Fatalf("AttachPayment called %d times on a declined order, want 0", repo.attachCalls)
	}

	// The decline is captured too: a retry replays it instead of
	// charging again.
	replay, err := svc.PlaceOrder(context.Background(), "cust-1", "key-1", draft)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if replay.Status != domain.StatusDeclined || replay.ID != order.ID {
		t.Fatalf("replay = (%s, %s), want (%s, %s)", replay.ID, replay.Status, order.ID, domain.StatusDeclined)
	}
	if got := payments.calls(); got != 1 {
		t.Fatalf("payment initiated %d times, want 1", got)
	}
}

func TestPlaceOrderRetriesTransientFailure(t *testing.T) {
	repo := newFakeRepo()
	payments := &fakePayments{script: []error{paydomain.ErrProviderUnavailable, nil}}
	svc := newTestService(repo, newFakeLedger(), payments, pizzaMenu())

	draft := codDraft()
	draft.PaymentMethod = paydomain.MethodCard
	order, err := svc.PlaceOrder(context.Background(), "cust-1", "key-1", draft)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.Status != domain.StatusAccepted {
		t.Fatalf("Status = %s, want %s", order.Status, domain.StatusAccepted)
	}
	if got := payments.calls(); got != 2 {
		t.Fatalf("payment initiated %d times, want 2", got)
	}
}

func TestPlaceOrderRetriesExhausted(t *testing.T) {
	repo := newFakeRepo()
	payments := &fakePayments{script: []error{
		paydomain.ErrProviderUnavailable,
		paydomain.ErrProviderUnavailable,
		paydomain.ErrProviderUnavailable,
	}}
	svc := newTestService(repo, newFakeLedger(), payments, pizzaMenu())

	draft := codDraft()
	draft.PaymentMethod = paydomain.MethodCard
	order, err := svc.PlaceOrder(context.Background(), "cust-1", "key-1", draft)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.Status != domain.StatusDeclined {
		t.Fatalf("Status = %s, want %s", order.Status, domain.StatusDeclined)
	}
	if got := payments.calls(); got != svc.retryAttempts {
		t.Fatalf("payment initiated %d times, want %d", got, svc.retryAttempts)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Draft)
	}{
		{"missing restaurant", func(d *Draft) { d.RestaurantID = "" }},
		{"missing address", func(d *Draft) { d.DeliveryAddress = "" }},
		{"bad payment method", func(d *Draft) { d.PaymentMethod = "IOU" }},
		{"no items", func(d *Draft) { d.Items = nil }},
		{"zero quantity", func(d *Draft) { d.Items[0].Quantity = 0 }},
		{"unknown menu item", func(d *Draft) { d.Items[0].MenuItemID = "nope" }},
		{"unavailable menu item", func(d *Draft) { d.Items[0].MenuItemID = "m-3" }},
		{"too many items", func(d *Draft) {
			d.Items = nil
			for i := 0; i < maxLineItems+1; i++ {
				d.Items = append(d.Items, DraftItem{MenuItemID: "m-1", Quantity: 1})
			}
		}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(newFakeRepo(), newFakeLedger(), &fakePayments{}, pizzaMenu())
			draft := codDraft()
			tt.mutate(&draft)
			_, err := svc.PlaceOrder(context.Background(), "cust-1", "key-1", draft)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestPlaceOrderReleaseAllowsCorrectedRetry(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeLedger(), &fakePayments{}, pizzaMenu())

	bad := codDraft()
	bad.Items[0].MenuItemID = "nope"
	if _, err := svc.PlaceOrder(context.Background(), "cust-1", "key-1", bad); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	// The failed attempt persisted nothing, so the corrected draft may
	// reuse the key.
	order, err := svc.PlaceOrder(context.Background(), "cust-1", "key-1", codDraft())
	if err != nil {
		t.Fatalf("corrected retry failed: %v", err)
	}
	if order.Status != domain.StatusAccepted {
		t.Fatalf("Status = %s, want %s", order.Status, domain.StatusAccepted)
	}
}

func TestPlaceOrderConcurrentSameKey(t *testing.T) {
	repo := newFakeRepo()
	payments := &fakePayments{}
	svc := newTestService(repo, newFakeLedger(), payments, pizzaMenu())

	const callers = 8
	results := make([]domain.Order, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.PlaceOrder(context.Background(), "cust-1", "key-1", codDraft())
		}(i)
	}
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("goroutine %d: unexpected error: %v", i, errs[i])
		}
		if results[i].ID != results[0].ID {
			t.Fatalf("goroutine %d got order %s, others got %s", i, results[i].ID, results[0].ID)
		}
	}
	if got := payments.calls(); got != 1 {
		t.Fatalf("payment initiated %d times, want 1", got)
	}
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.orders) != 1 {
		t.Fatalf("%d orders persisted, want 1", len(repo.orders))
	}
}

func TestGetOrderOwnership(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeLedger(), &fakePayments{}, pizzaMenu())

	order, err := svc.PlaceOrder(context.Background(), "cust-1", "key-1", codDraft())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := svc.GetOrder(context.Background(), auth.Identity{CallerID: "cust-1"}, order.ID); err != nil {
		t.Fatalf("owner read failed: %v", err)
	}
	if _, err := svc.GetOrder(context.Background(), auth.Identity{CallerID: "cust-2"}, order.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-owner, got %v", err)
	}
	if _, err := svc.GetOrder(context.Background(), auth.Identity{CallerID: "ops-1", Role: auth.RoleInternal}, order.ID); err != nil {
		t.Fatalf("internal read failed: %v", err)
	}
	if _, err := svc.GetOrder(context.Background(), auth.Identity{CallerID: "cust-1"}, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAdvanceStatus(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeLedger(), &fakePayments{}, pizzaMenu())

	order, err := svc.PlaceOrder(context.Background(), "cust-1", "key-1", codDraft())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := svc.AdvanceStatus(context.Background(), order.ID, domain.StatusInCooking, "kitchen-1"); err != nil {
		t.Fatalf("advance to IN_COOKING failed: %v", err)
	}
	// Skipping a step conflicts with the stored status.
	if err := svc.AdvanceStatus(context.Background(), order.ID, domain.StatusCompleted, "kitchen-1"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict on skipped step, got %v", err)
	}
	// CANCELLED has no forward predecessor and is rejected outright.
	if err := svc.AdvanceStatus(context.Background(), order.ID, domain.StatusCancelled, "kitchen-1"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if err := svc.AdvanceStatus(context.Background(), "missing", domain.StatusInCooking, "kitchen-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeLedger(), &fakePayments{}, pizzaMenu())
	owner := auth.Identity{CallerID: "cust-1"}

	order, err := svc.PlaceOrder(context.Background(), "cust-1", "key-1", codDraft())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := svc.Cancel(context.Background(), auth.Identity{CallerID: "cust-2"}, order.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-owner, got %v", err)
	}

	cancelled, err := svc.Cancel(context.Background(), owner, order.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Fatalf("Status = %s, want %s", cancelled.Status, domain.StatusCancelled)
	}

	// Terminal now; cancelling again is too late.
	if _, err := svc.Cancel(context.Background(), owner, order.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCancelRacesAdvance(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeLedger(), &fakePayments{}, pizzaMenu())
	owner := auth.Identity{CallerID: "cust-1"}

	for i := 0; i < 20; i++ {
		order, err := svc.PlaceOrder(context.Background(), "cust-1", fmt.Sprintf("key-%d", i), codDraft())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		var wg sync.WaitGroup
		var cancelErr, advanceErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = svc.Cancel(context.Background(), owner, order.ID)
		}()
		go func() {
			defer wg.Done()
			advanceErr = svc.AdvanceStatus(context.Background(), order.ID, domain.StatusInCooking, "kitchen-1")
		}()
		wg.Wait()

		stored, err := repo.Get(context.Background(), order.ID)
		if err != nil {
			t.Fatalf("stored order missing: %v", err)
		}
		switch {
		case cancelErr == nil && advanceErr == nil:
			// Legal interleaving: advance to IN_COOKING landed first,
			// then cancel from IN_COOKING. The cancel wins overall.
			if stored.Status != domain.StatusCancelled {
				t.Fatalf("both succeeded but status is %s", stored.Status)
			}
		case cancelErr == nil:
			if stored.Status != domain.StatusCancelled {
				t.Fatalf("cancel won but status is %s", stored.Status)
			}
		case advanceErr == nil:
			if stored.Status != domain.StatusInCooking {
				t.Fatalf("advance won but status is %s", stored.Status)
			}
		default:
			t.Fatalf("both lost: cancel=%v advance=%v", cancelErr, advanceErr)
		}
	}
}

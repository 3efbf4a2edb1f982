package application

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/platefast/ordercore/internal/payment/domain"
)

type fakeRepo struct {
	byOrder map[string]domain.Payment
	saveErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byOrder: map[string]domain.Payment{}}
}

func (r *fakeRepo) Save(_ context.Context, p domain.Payment) (string, error) {
	if r.saveErr != nil {
		return "", r.saveErr
	}
	if existing, ok := r.byOrder[p.OrderID]; ok {
		p.ID = existing.ID
	}
	r.byOrder[p.OrderID] = p
	return p.ID, nil
}

func (r *fakeRepo) ByOrder(_ context.Context, orderID string) (domain.Payment, error) {
	p, ok := r.byOrder[orderID]
	if !ok {
		return domain.Payment{}, domain.ErrNotFound
	}
	return p, nil
}

type fakeGateway struct {
	result  ChargeResult
	err     error
	charges int
	lastReq ChargeRequest
}

func (g *fakeGateway) Charge(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	g.charges++
	g.lastReq = req
	return g.result, g.err
}

func testCoordinator(repo PaymentRepository, gw Gateway) *Coordinator {
	return NewCoordinator(slog.New(slog.NewTextHandler(io.Discard, nil)), repo, gw)
}

func TestInitiateCashOnDelivery(t *testing.T) {
	repo := newFakeRepo()
	gw := &fakeGateway{}
	c := testCoordinator(repo, gw)

	p, err := c.Initiate(context.Background(), "order-1", 1350, domain.MethodCashOnDelivery)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Status != domain.StatusSuccess {
		t.Fatalf("Status = %s, want %s", p.Status, domain.StatusSuccess)
	}
	if gw.charges != 0 {
		t.Fatalf("cash on delivery must not reach the provider, got %d charges", gw.charges)
	}
	stored, err := repo.ByOrder(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("payment not recorded: %v", err)
	}
	if stored.ID != p.ID {
		t.Fatalf("recorded id %s, returned %s", stored.ID, p.ID)
	}
}

func TestInitiateCardApproved(t *testing.T) {
	repo := newFakeRepo()
	gw := &fakeGateway{result: ChargeResult{Approved: true, Reference: "ch_123"}}
	c := testCoordinator(repo, gw)

	p, err := c.Initiate(context.Background(), "order-1", 1350, domain.MethodCard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Status != domain.StatusSuccess || p.ProviderRef != "ch_123" {
		t.Fatalf("unexpected payment: %+v", p)
	}
	// The provider sees the order id as idempotency key, so a re-sent
	// charge for the same order cannot double-bill.
	if gw.lastReq.IdempotencyKey != "order-1" {
		t.Fatalf("IdempotencyKey = %q, want order id", gw.lastReq.IdempotencyKey)
	}
}

func TestInitiateCardDeclined(t *testing.T) {
	repo := newFakeRepo()
	gw := &fakeGateway{result: ChargeResult{Approved: false, Reference: "ch_456", Reason: "insufficient funds"}}
	c := testCoordinator(repo, gw)

	p, err := c.Initiate(context.Background(), "order-1", 1350, domain.MethodCard)
	if !errors.Is(err, domain.ErrDeclined) {
		t.Fatalf("expected ErrDeclined, got %v", err)
	}
	if p.Status != domain.StatusFailed {
		t.Fatalf("Status = %s, want %s", p.Status, domain.StatusFailed)
	}
	stored, err := repo.ByOrder(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("declined payment not recorded: %v", err)
	}
	if stored.Status != domain.StatusFailed {
		t.Fatalf("recorded Status = %s, want %s", stored.Status, domain.StatusFailed)
	}
}

func TestInitiateProviderUnavailable(t *testing.T) {
	repo := newFakeRepo()
	gw := &fakeGateway{err: domain.ErrProviderUnavailable}
	c := testCoordinator(repo, gw)

	_, err := c.Initiate(context.Background(), "order-1", 1350, domain.MethodCard)
	if !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	// Outcome unknown, nothing recorded: a clean retry starts over.
	if _, err := repo.ByOrder(context.Background(), "order-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected no recorded payment, got %v", err)
	}
}

func TestInitiateUnknownMethod(t *testing.T) {
	c := testCoordinator(newFakeRepo(), &fakeGateway{})

	_, err := c.Initiate(context.Background(), "order-1", 1350, "IOU")
	if !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("expected ErrUnknownMethod, got %v", err)
	}
}

func TestInitiateKeepsCanonicalID(t *testing.T) {
	repo := newFakeRepo()
	c := testCoordinator(repo, &fakeGateway{result: ChargeResult{Approved: true}})

	first, err := c.Initiate(context.Background(), "order-1", 1350, domain.MethodCard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := c.Initiate(context.Background(), "order-1", 1350, domain.MethodCard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("re-initiation minted a new payment id: %s vs %s", second.ID, first.ID)
	}
}

func TestOutcome(t *testing.T) {
	repo := newFakeRepo()
	c := testCoordinator(repo, &fakeGateway{})

	if _, err := c.Outcome(context.Background(), "order-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := c.Initiate(context.Background(), "order-1", 900, domain.MethodCashOnDelivery); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, err := c.Outcome(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Status != domain.StatusSuccess {
		t.Fatalf("Status = %s, want %s", p.Status, domain.StatusSuccess)
	}
}

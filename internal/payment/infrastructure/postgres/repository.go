package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/platefast/ordercore/internal/payment/domain"
)

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

// Save upserts on order_id: an order carries at most one payment, so a
// retried initiation updates the existing row and keeps its id.
func (r *Repository) Save(ctx context.Context, p domain.Payment) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO payments (id, order_id, amount_cents, method, status, provider_ref, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (order_id) DO UPDATE
			SET status=$5, provider_ref=$6, updated_at=$8
		RETURNING id`,
		p.ID, p.OrderID, p.AmountCents, p.Method, p.Status, p.ProviderRef, p.CreatedAt, time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert payment: %w", err)
	}
	return id, nil
}

func (r *Repository) ByOrder(ctx context.Context, orderID string) (domain.Payment, error) {
	var p domain.Payment
	err := r.pool.QueryRow(ctx, `
		SELECT id, order_id, amount_cents, method, status, provider_ref, created_at, updated_at
		FROM payments WHERE order_id=$1`, orderID,
	).Scan(&p.ID, &p.OrderID, &p.AmountCents, &p.Method, &p.Status, &p.ProviderRef, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Payment{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Payment{}, fmt.Errorf("query payment: %w", err)
	}
	return p, nil
}

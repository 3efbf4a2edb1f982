package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/platefast/ordercore/internal/order/domain"
	"github.com/platefast/ordercore/pkg/tracing"
)

const uniqueViolation = "23505"

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

// EnsureSchema creates the core tables. The unique index on
// (customer_id, idempotency_key) is the durable backstop behind the ledger.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS orders (
		id               TEXT PRIMARY KEY,
		customer_id      TEXT NOT NULL,
		restaurant_id    TEXT NOT NULL,
		delivery_address TEXT NOT NULL,
		total_cents      BIGINT NOT NULL,
		status           TEXT NOT NULL,
		payment_id       TEXT,
		idempotency_key  TEXT NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL,
		UNIQUE (customer_id, idempotency_key)
	);
	CREATE TABLE IF NOT EXISTS order_items (
		order_id         TEXT NOT NULL REFERENCES orders(id),
		seq              INT NOT NULL,
		menu_item_id     TEXT NOT NULL,
		name             TEXT NOT NULL,
		quantity         INT NOT NULL CHECK (quantity >= 1),
		unit_price_cents BIGINT NOT NULL,
		PRIMARY KEY (order_id, seq)
	);
	CREATE TABLE IF NOT EXISTS payments (
		id           TEXT PRIMARY KEY,
		order_id     TEXT NOT NULL UNIQUE,
		amount_cents BIGINT NOT NULL,
		method       TEXT NOT NULL,
		status       TEXT NOT NULL,
		provider_ref TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS outbox (
		id             BIGSERIAL PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		type           TEXT NOT NULL,
		payload        JSONB NOT NULL,
		headers        JSONB NOT NULL DEFAULT '{}'::jsonb,
		traceparent    TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT 'pending',
		relay_id       TEXT,
		lease_until    TIMESTAMPTZ,
		retry_count    INT NOT NULL DEFAULT 0,
		last_error     TEXT,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	);`)
	return err
}

// Create persists the order, its line items and the OrderPlaced outbox event
// as one atomic unit. No partial order ever survives.
func (r *Repository) Create(ctx context.Context, o domain.Order) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, customer_id, restaurant_id, delivery_address, total_cents, status, idempotency_key, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		o.ID, o.CustomerID, o.RestaurantID, o.DeliveryAddress, o.TotalCents, o.Status, o.IdempotencyKey, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: idempotency key already used", domain.ErrConflict)
		}
		return fmt.Errorf("insert order: %w", err)
	}

	batch := &pgx.Batch{}
	for i, item := range o.Items {
		batch.Queue(`INSERT INTO order_items (order_id, seq, menu_item_id, name, quantity, unit_price_cents)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			o.ID, i, item.MenuItemID, item.Name, item.Quantity, item.UnitPriceCents)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert line items: %w", err)
	}

	payload, err := json.Marshal(domain.OrderPlaced{
		OrderID:      o.ID,
		CustomerID:   o.CustomerID,
		RestaurantID: o.RestaurantID,
		TotalCents:   o.TotalCents,
		Items:        o.Items,
	})
	if err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, o.ID, domain.EventOrderPlaced, payload); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Transition applies a compare-and-set status change and records the
// OrderStatusChanged event in the same transaction. Zero affected rows means
// either an unknown order or a lost race.
func (r *Repository) Transition(ctx context.Context, orderID string, expected, next domain.Status, changedBy string) error {
	if !domain.CanTransition(expected, next) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrValidation, expected, next)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	ct, err := tx.Exec(ctx, `UPDATE orders SET status=$1, updated_at=now() WHERE id=$2 AND status=$3`,
		next, orderID, expected)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		var current domain.Status
		err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1`, orderID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read current status: %w", err)
		}
		return fmt.Errorf("%w: expected %s, order is %s", domain.ErrConflict, expected, current)
	}

	payload, err := json.Marshal(domain.OrderStatusChanged{
		OrderID:   orderID,
		OldStatus: expected,
		NewStatus: next,
		ChangedBy: changedBy,
		At:        time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, orderID, domain.EventOrderStatusChanged, payload); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// AttachPayment sets the payment reference exactly once.
func (r *Repository) AttachPayment(ctx context.Context, orderID, paymentID string) error {
	ct, err := r.pool.Exec(ctx, `UPDATE orders SET payment_id=$1, updated_at=now() WHERE id=$2 AND payment_id IS NULL`,
		paymentID, orderID)
	if err != nil {
		return fmt.Errorf("attach payment: %w", err)
	}
	if ct.RowsAffected() == 0 {
		var existing *string
		err := r.pool.QueryRow(ctx, `SELECT payment_id FROM orders WHERE id=$1`, orderID).Scan(&existing)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: payment already attached", domain.ErrConflict)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `
		SELECT id, customer_id, restaurant_id, delivery_address, total_cents, status, payment_id, idempotency_key, created_at, updated_at
		FROM orders WHERE id=$1`, id))
	if err != nil {
		return domain.Order{}, err
	}
	o.Items, err = r.items(ctx, o.ID)
	if err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

func (r *Repository) GetByIdempotencyKey(ctx context.Context, customerID, key string) (domain.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `
		SELECT id, customer_id, restaurant_id, delivery_address, total_cents, status, payment_id, idempotency_key, created_at, updated_at
		FROM orders WHERE customer_id=$1 AND idempotency_key=$2`, customerID, key))
	if err != nil {
		return domain.Order{}, err
	}
	o.Items, err = r.items(ctx, o.ID)
	if err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

// FindStuckPending lists orders left PENDING past the deadline, oldest
// first, for the sweeper to finalize.
func (r *Repository) FindStuckPending(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Order, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, customer_id, restaurant_id, delivery_address, total_cents, status, payment_id, idempotency_key, created_at, updated_at
		FROM orders
		WHERE status=$1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`,
		domain.StatusPending, time.Now().UTC().Add(-olderThan), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (r *Repository) items(ctx context.Context, orderID string) ([]domain.LineItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT menu_item_id, name, quantity, unit_price_cents
		FROM order_items WHERE order_id=$1 ORDER BY seq`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query line items: %w", err)
	}
	defer rows.Close()

	var items []domain.LineItem
	for rows.Next() {
		var item domain.LineItem
		if err := rows.Scan(&item.MenuItemID, &item.Name, &item.Quantity, &item.UnitPriceCents); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.CustomerID, &o.RestaurantID, &o.DeliveryAddress, &o.TotalCents,
		&o.Status, &o.PaymentID, &o.IdempotencyKey, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("scan order: %w", err)
	}
	return o, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, orderID, eventType string, payload []byte) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, traceparent, status)
		VALUES ('order',$1,$2,$3,$4,'pending')`,
		orderID, eventType, payload, tracing.Traceparent(ctx))
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

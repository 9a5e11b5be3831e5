package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ultramaker/mmbot/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates an OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create inserts a new order.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, parent_id, symbol, side, order_type,
			price, size, filled_size, avg_fill_price,
			status, attempts, strategy, reason, created_at, updated_at
		) VALUES (
			$1, NULLIF($2, ''), $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, $14, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.ParentID, o.Symbol, string(o.Side), string(o.Type),
		o.Price, o.Size, o.FilledSize, o.AvgFillPrice,
		string(o.Status), o.Attempts, o.Strategy, o.Reason, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

// Update overwrites the mutable fields of an existing order.
func (s *OrderStore) Update(ctx context.Context, o domain.Order) error {
	const query = `
		UPDATE orders SET
			filled_size = $2, avg_fill_price = $3, status = $4,
			attempts = $5, reason = $6, updated_at = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		o.ID, o.FilledSize, o.AvgFillPrice, string(o.Status), o.Attempts, o.Reason,
	)
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AppendTransition records one lifecycle step in the append-only history.
func (s *OrderStore) AppendTransition(ctx context.Context, t domain.Transition) error {
	const query = `
		INSERT INTO order_transitions (order_id, from_status, to_status, at, note)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, query,
		t.OrderID, string(t.From), string(t.To), t.At, t.Note)
	if err != nil {
		return fmt.Errorf("postgres: append transition %s: %w", t.OrderID, err)
	}
	return nil
}

const orderSelectCols = `id, COALESCE(parent_id, ''), symbol, side, order_type,
	price, size, filled_size, avg_fill_price,
	status, attempts, COALESCE(strategy, ''), COALESCE(reason, ''),
	created_at, updated_at`

func scanOrder(scanner interface{ Scan(dest ...any) error }) (domain.Order, error) {
	var o domain.Order
	var side, orderType, status string
	err := scanner.Scan(
		&o.ID, &o.ParentID, &o.Symbol, &side, &orderType,
		&o.Price, &o.Size, &o.FilledSize, &o.AvgFillPrice,
		&status, &o.Attempts, &o.Strategy, &o.Reason,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Side = domain.Side(side)
	o.Type = domain.OrderType(orderType)
	o.Status = domain.OrderStatus(status)
	return o, nil
}

func scanOrderRows(rows pgx.Rows) ([]domain.Order, error) {
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

// GetByID retrieves a single order.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// GetHistory reconstructs an order's lifecycle from the transition log.
func (s *OrderStore) GetHistory(ctx context.Context, orderID string) (domain.History, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT order_id, from_status, to_status, at, COALESCE(note, '')
		 FROM order_transitions WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get history %s: %w", orderID, err)
	}
	defer rows.Close()

	var h domain.History
	for rows.Next() {
		var t domain.Transition
		var from, to string
		if err := rows.Scan(&t.OrderID, &from, &to, &t.At, &t.Note); err != nil {
			return nil, fmt.Errorf("postgres: scan transition %s: %w", orderID, err)
		}
		t.From = domain.OrderStatus(from)
		t.To = domain.OrderStatus(to)
		h = append(h, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: read history %s: %w", orderID, err)
	}
	if len(h) == 0 {
		return nil, domain.ErrNotFound
	}
	return h, nil
}

// ListOpen returns orders still working on the exchange for a symbol. An
// empty symbol matches all symbols.
func (s *OrderStore) ListOpen(ctx context.Context, symbol string) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE status IN ('new', 'submitted', 'partially_filled')
		   AND ($1 = '' OR symbol = $1)
		 ORDER BY created_at DESC`, symbol)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open orders: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open orders: %w", err)
	}
	return orders, nil
}

// ListBefore returns terminal orders created before the cutoff, oldest first.
func (s *OrderStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE created_at < $1
		   AND status IN ('filled', 'canceled', 'rejected', 'expired')
		 ORDER BY created_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders before cutoff: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan aged orders: %w", err)
	}
	return orders, nil
}

// DeleteBefore removes archived terminal orders and their transitions.
func (s *OrderStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `
		WITH victims AS (
			SELECT id FROM orders
			WHERE created_at < $1
			  AND status IN ('filled', 'canceled', 'rejected', 'expired')
		), purged AS (
			DELETE FROM order_transitions
			WHERE order_id IN (SELECT id FROM victims)
		)
		DELETE FROM orders WHERE id IN (SELECT id FROM victims)`

	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete aged orders: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.OrderStore = (*OrderStore)(nil)

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ultramaker/mmbot/internal/domain"
)

// FillStore implements domain.FillStore using PostgreSQL.
type FillStore struct {
	pool *pgxpool.Pool
}

// NewFillStore creates a FillStore backed by the given pool.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

// Insert records one execution. Replays of the same fill id are ignored so
// reconciliation after a reconnect stays idempotent.
func (s *FillStore) Insert(ctx context.Context, fill domain.Fill) error {
	const query = `
		INSERT INTO fills (id, order_id, symbol, side, price, size, fee, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		fill.ID, fill.OrderID, fill.Symbol, string(fill.Side),
		fill.Price, fill.Size, fill.Fee, fill.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert fill %s: %w", fill.ID, err)
	}
	return nil
}

const fillSelectCols = `id, order_id, symbol, side, price, size, fee, ts`

func scanFillRows(rows pgx.Rows) ([]domain.Fill, error) {
	var fills []domain.Fill
	for rows.Next() {
		var f domain.Fill
		var side string
		err := rows.Scan(&f.ID, &f.OrderID, &f.Symbol, &side,
			&f.Price, &f.Size, &f.Fee, &f.Timestamp)
		if err != nil {
			return nil, err
		}
		f.Side = domain.Side(side)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// ListBySymbol returns fills for a symbol with pagination and time filters.
func (s *FillStore) ListBySymbol(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.Fill, error) {
	query := `SELECT ` + fillSelectCols + ` FROM fills WHERE symbol = $1`
	args := []any{symbol}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND ts >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND ts <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY ts DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills %s: %w", symbol, err)
	}
	defer rows.Close()

	fills, err := scanFillRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan fills %s: %w", symbol, err)
	}
	return fills, nil
}

// ListSince returns all fills at or after the given time, oldest first.
func (s *FillStore) ListSince(ctx context.Context, since time.Time) ([]domain.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fillSelectCols+` FROM fills WHERE ts >= $1 ORDER BY ts`, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills since: %w", err)
	}
	defer rows.Close()

	fills, err := scanFillRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan fills since: %w", err)
	}
	return fills, nil
}

// ListBefore returns fills older than the cutoff, oldest first.
func (s *FillStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fillSelectCols+` FROM fills WHERE ts < $1 ORDER BY ts LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills before cutoff: %w", err)
	}
	defer rows.Close()

	fills, err := scanFillRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan aged fills: %w", err)
	}
	return fills, nil
}

// DeleteBefore removes fills older than the cutoff.
func (s *FillStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM fills WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete aged fills: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.FillStore = (*FillStore)(nil)

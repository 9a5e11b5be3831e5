package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ultramaker/mmbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Writes are
// guarded by the position version so a stale snapshot never clobbers a newer
// one during recovery races.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Upsert writes a position snapshot, keeping whichever version is newer.
func (s *PositionStore) Upsert(ctx context.Context, pos domain.Position) error {
	const query = `
		INSERT INTO positions (
			symbol, quantity, avg_entry_price, realized_pnl,
			unrealized_pnl, version, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			avg_entry_price = EXCLUDED.avg_entry_price,
			realized_pnl = EXCLUDED.realized_pnl,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
		WHERE positions.version < EXCLUDED.version`

	_, err := s.pool.Exec(ctx, query,
		pos.Symbol, pos.Quantity, pos.AvgEntryPrice, pos.RealizedPnL,
		pos.UnrealizedPnL, pos.Version, pos.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", pos.Symbol, err)
	}
	return nil
}

const positionSelectCols = `symbol, quantity, avg_entry_price, realized_pnl,
	unrealized_pnl, version, updated_at`

func scanPosition(scanner interface{ Scan(dest ...any) error }) (domain.Position, error) {
	var p domain.Position
	err := scanner.Scan(
		&p.Symbol, &p.Quantity, &p.AvgEntryPrice, &p.RealizedPnL,
		&p.UnrealizedPnL, &p.Version, &p.UpdatedAt,
	)
	return p, err
}

// Get retrieves the latest snapshot for a symbol.
func (s *PositionStore) Get(ctx context.Context, symbol string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE symbol = $1`, symbol)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", symbol, err)
	}
	return p, nil
}

// List returns all position snapshots.
func (s *PositionStore) List(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: read positions: %w", err)
	}
	return positions, nil
}

var _ domain.PositionStore = (*PositionStore)(nil)

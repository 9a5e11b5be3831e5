package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OrderStore persists orders and their lifecycle history.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	Update(ctx context.Context, order Order) error
	AppendTransition(ctx context.Context, t Transition) error
	GetByID(ctx context.Context, id string) (Order, error)
	GetHistory(ctx context.Context, orderID string) (History, error)
	ListOpen(ctx context.Context, symbol string) ([]Order, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]Order, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PositionStore persists position snapshots.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	Get(ctx context.Context, symbol string) (Position, error)
	List(ctx context.Context) ([]Position, error)
}

// FillStore persists executions.
type FillStore interface {
	Insert(ctx context.Context, fill Fill) error
	ListBySymbol(ctx context.Context, symbol string, opts ListOpts) ([]Fill, error)
	ListSince(ctx context.Context, since time.Time) ([]Fill, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]Fill, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditEntry is a single append-only audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists the audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// BlobWriter stores an object in blob storage.
type BlobWriter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultramaker/mmbot/internal/config"
	"github.com/ultramaker/mmbot/internal/domain"
)

type memFillStore struct {
	mu    sync.Mutex
	fills []domain.Fill
}

func (m *memFillStore) Insert(_ context.Context, f domain.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fills = append(m.fills, f)
	return nil
}

func (m *memFillStore) ListBySymbol(context.Context, string, domain.ListOpts) ([]domain.Fill, error) {
	return nil, nil
}

func (m *memFillStore) ListSince(context.Context, time.Time) ([]domain.Fill, error) {
	return nil, nil
}

func (m *memFillStore) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Fill
	for _, f := range m.fills {
		if f.Timestamp.Before(cutoff) {
			out = append(out, f)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memFillStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []domain.Fill
	var deleted int64
	for _, f := range m.fills {
		if f.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, f)
	}
	m.fills = kept
	return deleted, nil
}

type memOrderStore struct {
	mu     sync.Mutex
	orders []domain.Order
}

func (m *memOrderStore) Create(_ context.Context, o domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, o)
	return nil
}

func (m *memOrderStore) Update(context.Context, domain.Order) error            { return nil }
func (m *memOrderStore) AppendTransition(context.Context, domain.Transition) error { return nil }
func (m *memOrderStore) GetByID(context.Context, string) (domain.Order, error) {
	return domain.Order{}, domain.ErrNotFound
}
func (m *memOrderStore) GetHistory(context.Context, string) (domain.History, error) {
	return nil, domain.ErrNotFound
}
func (m *memOrderStore) ListOpen(context.Context, string) ([]domain.Order, error) { return nil, nil }

func (m *memOrderStore) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.orders {
		if o.CreatedAt.Before(cutoff) {
			out = append(out, o)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memOrderStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []domain.Order
	var deleted int64
	for _, o := range m.orders {
		if o.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, o)
	}
	m.orders = kept
	return deleted, nil
}

type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (m *memBlob) Put(_ context.Context, key string, data []byte, _ string) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = data
	return nil
}

func testArchiver(fills *memFillStore, orders *memOrderStore, blob *memBlob) *Archiver {
	cfg := config.Defaults().Archive
	cfg.RetentionDays = 30
	return New(cfg, fills, orders, blob, slog.New(slog.DiscardHandler))
}

func TestSweepExportsAndPrunesAgedRows(t *testing.T) {
	now := time.Now()
	fills := &memFillStore{}
	orders := &memOrderStore{}
	blob := &memBlob{}

	// two aged fills, one recent
	require.NoError(t, fills.Insert(context.Background(), domain.Fill{ID: "f1", Symbol: "BTCUSDT", Timestamp: now.AddDate(0, 0, -40)}))
	require.NoError(t, fills.Insert(context.Background(), domain.Fill{ID: "f2", Symbol: "BTCUSDT", Timestamp: now.AddDate(0, 0, -35)}))
	require.NoError(t, fills.Insert(context.Background(), domain.Fill{ID: "f3", Symbol: "BTCUSDT", Timestamp: now}))

	require.NoError(t, orders.Create(context.Background(), domain.Order{ID: "o1", Status: domain.OrderStatusFilled, CreatedAt: now.AddDate(0, 0, -45)}))

	a := testArchiver(fills, orders, blob)
	require.NoError(t, a.Sweep(context.Background()))

	// exported objects contain the aged rows
	require.Len(t, blob.objects, 2)
	var archivedFills []domain.Fill
	for key, data := range blob.objects {
		if len(key) > 13 && key[:13] == "archive/fills" {
			require.NoError(t, json.Unmarshal(data, &archivedFills))
		}
	}
	require.Len(t, archivedFills, 2)
	assert.Equal(t, "f1", archivedFills[0].ID)

	// aged rows pruned, recent ones kept
	remaining, err := fills.ListBefore(context.Background(), now.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "f3", remaining[0].ID)

	agedOrders, err := orders.ListBefore(context.Background(), now, 10)
	require.NoError(t, err)
	assert.Empty(t, agedOrders)
}

func TestSweepNoAgedRowsWritesNothing(t *testing.T) {
	fills := &memFillStore{}
	orders := &memOrderStore{}
	blob := &memBlob{}
	require.NoError(t, fills.Insert(context.Background(), domain.Fill{ID: "f1", Timestamp: time.Now()}))

	a := testArchiver(fills, orders, blob)
	require.NoError(t, a.Sweep(context.Background()))
	assert.Empty(t, blob.objects)
}

func TestSweepKeepsRowsWhenExportFails(t *testing.T) {
	now := time.Now()
	fills := &memFillStore{}
	orders := &memOrderStore{}
	blob := &memBlob{err: fmt.Errorf("bucket unavailable")}
	require.NoError(t, fills.Insert(context.Background(), domain.Fill{ID: "f1", Timestamp: now.AddDate(0, 0, -40)}))

	a := testArchiver(fills, orders, blob)
	require.Error(t, a.Sweep(context.Background()))

	// nothing deleted without a successful export
	remaining, err := fills.ListBefore(context.Background(), now, 10)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

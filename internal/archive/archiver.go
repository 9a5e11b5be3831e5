// Package archive exports aged fills and terminal orders to blob storage
// and prunes them from the relational store, keeping the hot tables bounded.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ultramaker/mmbot/internal/config"
	"github.com/ultramaker/mmbot/internal/domain"
)

// batchSize bounds one export page so a long backlog is drained in chunks.
const batchSize = 1000

// Archiver periodically sweeps rows older than the retention window into
// blob storage. Rows are deleted only after their export succeeded.
type Archiver struct {
	cfg    config.ArchiveConfig
	fills  domain.FillStore
	orders domain.OrderStore
	blob   domain.BlobWriter
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Archiver. It is inert until Run is called.
func New(cfg config.ArchiveConfig, fills domain.FillStore, orders domain.OrderStore, blob domain.BlobWriter, logger *slog.Logger) *Archiver {
	return &Archiver{
		cfg:    cfg,
		fills:  fills,
		orders: orders,
		blob:   blob,
		logger: logger.With(slog.String("component", "archive")),
		now:    time.Now,
	}
}

// Run sweeps on the configured interval until the context ends.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.Sweep(ctx); err != nil {
				a.logger.Error("archive sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Sweep exports and prunes everything older than the retention cutoff.
func (a *Archiver) Sweep(ctx context.Context) error {
	cutoff := a.now().AddDate(0, 0, -a.cfg.RetentionDays)

	exportedFills, err := a.sweepFills(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("sweep fills: %w", err)
	}
	exportedOrders, err := a.sweepOrders(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("sweep orders: %w", err)
	}

	if exportedFills > 0 || exportedOrders > 0 {
		a.logger.Info("archive sweep complete",
			slog.Int("fills", exportedFills),
			slog.Int("orders", exportedOrders),
			slog.Time("cutoff", cutoff))
	}
	return nil
}

func (a *Archiver) sweepFills(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	for part := 0; ; part++ {
		fills, err := a.fills.ListBefore(ctx, cutoff, batchSize)
		if err != nil {
			return total, err
		}
		if len(fills) == 0 {
			return total, nil
		}

		payload, err := json.Marshal(fills)
		if err != nil {
			return total, fmt.Errorf("encode fills: %w", err)
		}
		key := a.objectKey("fills", cutoff, part)
		if err := a.blob.Put(ctx, key, payload, "application/json"); err != nil {
			return total, err
		}

		// Delete only what this page covered. The page is oldest-first, so
		// the last element bounds it.
		pageCutoff := fills[len(fills)-1].Timestamp.Add(time.Nanosecond)
		if pageCutoff.After(cutoff) {
			pageCutoff = cutoff
		}
		if _, err := a.fills.DeleteBefore(ctx, pageCutoff); err != nil {
			return total, err
		}
		total += len(fills)

		if len(fills) < batchSize {
			return total, nil
		}
	}
}

func (a *Archiver) sweepOrders(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	for part := 0; ; part++ {
		orders, err := a.orders.ListBefore(ctx, cutoff, batchSize)
		if err != nil {
			return total, err
		}
		if len(orders) == 0 {
			return total, nil
		}

		payload, err := json.Marshal(orders)
		if err != nil {
			return total, fmt.Errorf("encode orders: %w", err)
		}
		key := a.objectKey("orders", cutoff, part)
		if err := a.blob.Put(ctx, key, payload, "application/json"); err != nil {
			return total, err
		}

		pageCutoff := orders[len(orders)-1].CreatedAt.Add(time.Nanosecond)
		if pageCutoff.After(cutoff) {
			pageCutoff = cutoff
		}
		if _, err := a.orders.DeleteBefore(ctx, pageCutoff); err != nil {
			return total, err
		}
		total += len(orders)

		if len(orders) < batchSize {
			return total, nil
		}
	}
}

func (a *Archiver) objectKey(kind string, cutoff time.Time, part int) string {
	return fmt.Sprintf("archive/%s/%s/%s-%d-%03d.json",
		kind, cutoff.UTC().Format("2006/01/02"), kind, a.now().UTC().Unix(), part)
}

package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/simbroker/ledger-engine/internal/metrics"
	"github.com/simbroker/ledger-engine/internal/model"
)

// InterruptedReason is stored on orders resolved by SweepPending.
const InterruptedReason = "Order was interrupted before completion, please resubmit"

// SweepPending resolves PENDING orders older than maxAge to FAILED. Because
// an order's writes commit together with its COMPLETED status, a stale
// PENDING order never touched the wallet or holdings. Returns the number of
// orders resolved.
func (e *Engine) SweepPending(ctx context.Context, maxAge time.Duration) (int, error) {
	started := e.Now()
	pending, err := e.store.PendingOrders(ctx, started.Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("list pending orders: %w", err)
	}

	resolved, failed := 0, 0
	for i := range pending {
		o := pending[i]
		o.Status = model.OrderFailed
		o.FailureReason = InterruptedReason
		if err := e.store.FinalizeOrder(ctx, &o); err != nil {
			if errors.Is(err, model.ErrOrderFinalized) {
				// Finished while we were sweeping.
				continue
			}
			failed++
			slog.Error("failed to resolve pending order", "order_id", o.ID, "err", err)
			continue
		}
		resolved++
		metrics.PendingSwept.Inc()
		metrics.OrdersTotal.WithLabelValues(string(o.Side), string(o.Status)).Inc()
		slog.Warn("pending order resolved as failed",
			"order_id", o.ID,
			"account", o.AccountID,
			"created_at", o.CreatedAt,
		)
		e.publish(ctx, &o)
	}

	run := &model.JobRun{
		ID:         uuid.New().String(),
		Job:        "sweep-pending",
		StartedAt:  started,
		FinishedAt: e.Now(),
		Succeeded:  resolved,
		Failed:     failed,
		Detail:     fmt.Sprintf("%d pending orders older than %s", len(pending), maxAge),
	}
	if err := e.store.RecordJobRun(ctx, run); err != nil {
		slog.Error("failed to record job run", "job", run.Job, "err", err)
	}
	return resolved, nil
}

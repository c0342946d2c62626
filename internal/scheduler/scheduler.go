// Package scheduler drives the engine's batch jobs: the daily dividend run
// and the sweep of interrupted PENDING orders.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/simbroker/ledger-engine/internal/dividend"
)

// DividendRunner runs every dividend payable on a day.
type DividendRunner interface {
	RunDue(ctx context.Context, day time.Time) ([]*dividend.Report, error)
}

// PendingSweeper resolves stale PENDING orders.
type PendingSweeper interface {
	SweepPending(ctx context.Context, maxAge time.Duration) (int, error)
}

// Scheduler ticks at Interval. Each tick sweeps pending orders; the
// dividend run happens once per UTC calendar day and is repeated on later
// ticks of the same day only if it did not finish cleanly.
type Scheduler struct {
	Interval      time.Duration
	Dividends     DividendRunner
	Sweeper       PendingSweeper
	PendingMaxAge time.Duration

	// Now returns the current time.
	Now func() time.Time

	mu      sync.Mutex
	lastRun string // UTC date of the last clean dividend run
}

// New creates a scheduler.
func New(interval time.Duration, dividends DividendRunner, sweeper PendingSweeper, pendingMaxAge time.Duration) *Scheduler {
	return &Scheduler{
		Interval:      interval,
		Dividends:     dividends,
		Sweeper:       sweeper,
		PendingMaxAge: pendingMaxAge,
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

// Start launches a background goroutine that runs one tick immediately and
// then one per Interval. It stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()

		slog.Info("scheduler started", "interval", s.Interval)
		s.Tick(ctx)
		for {
			select {
			case <-ctx.Done():
				slog.Info("scheduler stopped")
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Tick runs the jobs due at the current time.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.Now()

	if s.Sweeper != nil {
		n, err := s.Sweeper.SweepPending(ctx, s.PendingMaxAge)
		if err != nil {
			slog.Error("pending sweep failed", "err", err)
		} else if n > 0 {
			slog.Info("pending orders resolved", "count", n)
		}
	}

	if s.Dividends == nil {
		return
	}
	today := now.UTC().Format(time.DateOnly)
	s.mu.Lock()
	done := s.lastRun == today
	s.mu.Unlock()
	if done {
		return
	}

	reports, err := s.Dividends.RunDue(ctx, now)
	clean := err == nil
	if err != nil {
		slog.Error("dividend run failed", "day", today, "err", err)
	}
	for _, r := range reports {
		if len(r.Errors) > 0 {
			clean = false
		}
	}
	if clean {
		s.mu.Lock()
		s.lastRun = today
		s.mu.Unlock()
		slog.Info("dividends processed", "day", today, "dividends", len(reports))
	}
}

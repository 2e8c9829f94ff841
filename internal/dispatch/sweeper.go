package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/food-dispatch/internal/lifecycle"
	"github.com/example/food-dispatch/internal/models"
	"github.com/example/food-dispatch/internal/observability"
	"github.com/example/food-dispatch/internal/registry"
)

// Sweeper auto-rejects orders the restaurant never acted on. It is
// the only time-driven transition in the engine; the still-pending
// check inside the lifecycle machine makes it safe against a
// concurrent restaurant decision.
type Sweeper struct {
	orders   *registry.OrderRegistry
	machine  *lifecycle.Machine
	matcher  *Matcher
	logger   *slog.Logger
	interval time.Duration
	deadline time.Duration
	now      func() time.Time
}

func NewSweeper(orders *registry.OrderRegistry, machine *lifecycle.Machine, matcher *Matcher,
	logger *slog.Logger, interval, deadline time.Duration) *Sweeper {
	return &Sweeper{
		orders:   orders,
		machine:  machine,
		matcher:  matcher,
		logger:   logger,
		interval: interval,
		deadline: deadline,
		now:      time.Now,
	}
}

// SetClock overrides the sweeper's clock (tests).
func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// Run loops until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce reaps every pending order older than the deadline. A
// single bad order never stops the sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	reaped := 0
	for _, proj := range s.orders.ListStale(models.StatusPending, s.deadline, s.now()) {
		err := s.machine.AutoReject(ctx, proj.OrderID)
		switch {
		case err == nil:
			reaped++
			observability.OrdersExpiredTotal.Inc()
			if s.matcher != nil {
				s.matcher.DropOrder(proj.OrderID)
			}
		case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrOrderNotFound):
			// the restaurant acted between the scan and the reap
		default:
			s.logger.Warn("auto-reject failed", "order_id", proj.OrderID, "error", err)
		}
	}
	return reaped
}

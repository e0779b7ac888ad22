// Package lifecycle drives time-based auction transitions.
package lifecycle

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/floroz/gavel-live/internal/domain/auctions"
)

// Engine is the part of the auction service the scheduler needs
type Engine interface {
	ListLive(ctx context.Context) ([]*auctions.Auction, error)
	Advance(ctx context.Context, auctionID uuid.UUID, now time.Time) (*auctions.Auction, error)
}

// SettlementRetrier is implemented by engines that queue failed settlement
// hand-offs. The scheduler drains the queue after every scan.
type SettlementRetrier interface {
	RetrySettlements(ctx context.Context) int
}

// TickReport summarizes one scan
type TickReport struct {
	Scanned int
	Failed  int
	Settled int
}

// Scheduler wakes on a fixed interval and advances every non-terminal auction
// against the wall clock.
type Scheduler struct {
	engine      Engine
	interval    time.Duration
	workers     int
	tickTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewScheduler creates a new scheduler
func NewScheduler(engine Engine, interval time.Duration, workers int, logger *slog.Logger) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	return &Scheduler{
		engine:      engine,
		interval:    interval,
		workers:     workers,
		tickTimeout: 30 * time.Second,
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock replaces the wall clock
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run ticks until ctx is cancelled. A tick in progress when ctx is cancelled runs
// to completion before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Lifecycle scheduler started", "interval", s.interval, "workers", s.workers)

	// Initial run
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Lifecycle scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every live auction once, then retries queued settlement
// hand-offs. Failures are logged per auction and never abort the scan.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.tickTimeout)
	defer cancel()

	live, err := s.engine.ListLive(tickCtx)
	if err != nil {
		s.logger.Error("Failed to list live auctions", "error", err)
		return TickReport{}
	}

	now := s.now()
	var failed atomic.Int32

	g, gctx := errgroup.WithContext(tickCtx)
	g.SetLimit(s.workers)
	for _, a := range live {
		auctionID := a.ID
		g.Go(func() error {
			if err := s.process(gctx, auctionID, now); err != nil {
				failed.Add(1)
				s.logger.Error("Failed to advance auction", "auction_id", auctionID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := TickReport{Scanned: len(live), Failed: int(failed.Load())}
	if r, ok := s.engine.(SettlementRetrier); ok {
		report.Settled = r.RetrySettlements(tickCtx)
	}
	return report
}

func (s *Scheduler) process(ctx context.Context, auctionID uuid.UUID, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic while advancing auction", "auction_id", auctionID, "panic", r)
			err = errPanicked
		}
	}()

	_, err = s.engine.Advance(ctx, auctionID, now)
	return err
}

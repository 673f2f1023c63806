/*
scheduler.go - Expired reservation sweeper

PURPOSE:
  A crashed request leaves its idempotency reservation behind. The next
  delivery of the same reference takes it over once it expires, but
  references that are never redelivered would stay forever. The sweeper
  periodically purges expired reservations.

DESIGN:
  - robfig/cron schedule (SWEEP_SCHEDULE, default "@every 1m")
  - Overlapping runs are skipped, panics are recovered and logged
  - POST /api/admin/sweep triggers the same work on demand

USAGE:
  sweeper := NewReservationSweeper(coord, "@every 1m", logger)
  if err := sweeper.Start(); err != nil { ... }
  // ... later
  <-sweeper.Stop().Done()

SEE ALSO:
  - handlers.go: Sweep endpoint
  - ledger/coordinator.go: SweepReservations
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/warp/toll-ledger/ledger"
)

const DefaultSweepSchedule = "@every 1m"

// ReservationSweeper purges expired idempotency reservations on a schedule.
type ReservationSweeper struct {
	coord    *ledger.Coordinator
	schedule string
	logger   *slog.Logger
	cron     *cron.Cron

	mu         sync.Mutex
	started    bool
	lastRun    time.Time
	lastPurged int
}

// NewReservationSweeper creates a sweeper. An empty schedule uses DefaultSweepSchedule.
func NewReservationSweeper(coord *ledger.Coordinator, schedule string, logger *slog.Logger) *ReservationSweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &ReservationSweeper{
		coord:    coord,
		schedule: schedule,
		logger:   logger,
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
	}
}

// Start registers the sweep job and starts the scheduler.
func (s *ReservationSweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	_, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("reservation sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reservation sweep %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.started = true
	s.logger.Info("scheduled reservation sweep", "schedule", s.schedule)
	return nil
}

// Stop halts the scheduler. The returned context is done when a running
// sweep has finished.
func (s *ReservationSweeper) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce purges expired reservations now.
func (s *ReservationSweeper) RunOnce(ctx context.Context) (int, error) {
	n, err := s.coord.SweepReservations(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.lastRun = time.Now().UTC()
	s.lastPurged = n
	s.mu.Unlock()

	if n > 0 {
		s.logger.Info("purged expired reservations", "count", n)
	}
	return n, nil
}

// LastRun returns when the sweep last completed and how much it purged.
func (s *ReservationSweeper) LastRun() (time.Time, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastPurged
}

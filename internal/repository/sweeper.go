package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper periodically applies retention so age bounds hold even when no
// new analyses arrive.
type Sweeper struct {
	cron    *cron.Cron
	store   *Store
	logger  *zap.Logger
	timeout time.Duration
}

// NewSweeper schedules store.Prune on a standard cron expression or
// descriptor such as "@hourly".
func NewSweeper(store *Store, schedule string, logger *zap.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeper{
		cron:    cron.New(),
		store:   store,
		logger:  logger,
		timeout: time.Minute,
	}
	if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins running the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("Retention sweeper started", zap.Int("entries", len(s.cron.Entries())))
}

// Stop halts the schedule and waits for a running sweep to finish or ctx
// to expire.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("Retention sweep still running at shutdown")
	}
}

// Sweep runs one retention pass.
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	removed, err := s.store.Prune(ctx)
	if err != nil {
		s.logger.Error("Retention sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("Retention sweep removed reports", zap.Int64("removed", removed))
	}
}

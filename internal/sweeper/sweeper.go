// internal/sweeper/sweeper.go
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jason-s-yu/kniraffel/internal/store"
	"github.com/sirupsen/logrus"
)

const (
	DefaultInterval = time.Hour
	DefaultMaxAge   = 24 * time.Hour
)

// Sweeper periodically deletes sessions older than MaxAge. It does not look
// at the state of a session; an abandoned game and a running one are treated
// alike once they are old enough.
type Sweeper struct {
	sessions store.SessionStore
	logger   logrus.FieldLogger
	interval time.Duration
	maxAge   time.Duration
	now      func() time.Time

	sched gocron.Scheduler
}

func New(sessions store.SessionStore, logger logrus.FieldLogger, interval, maxAge time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Sweeper{
		sessions: sessions,
		logger:   logger.WithField("component", "sweeper"),
		interval: interval,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// WithClock replaces the clock used to compute the cutoff.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Sweep deletes every session created before now-maxAge and returns how many
// were removed. A failed delete does not stop the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.maxAge)
	ids, err := s.sessions.SessionsCreatedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}

	var errs []error
	removed := 0
	for _, id := range ids {
		if err := s.sessions.DeleteSession(ctx, id); err != nil {
			s.logger.WithError(err).WithField("game_id", id).Warn("failed to delete stale session")
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.WithFields(logrus.Fields{"removed": removed, "cutoff": cutoff}).Info("stale sessions deleted")
	}
	return removed, errors.Join(errs...)
}

// Start schedules the sweep every interval, running once immediately. The
// job stops when ctx is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.WithError(err).Error("sweep failed")
			}
		}),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	sched.Start()
	s.sched = sched
	s.logger.WithFields(logrus.Fields{"interval": s.interval, "max_age": s.maxAge}).Info("sweeper started")

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()
	return nil
}

// Stop shuts the scheduler down.
func (s *Sweeper) Stop() error {
	if s.sched == nil {
		return nil
	}
	return s.sched.Shutdown()
}

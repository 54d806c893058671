// internal/historian/historian.go
package historian

import (
	"context"
	"sync"
	"time"

	"github.com/jason-s-yu/kniraffel/internal/models"
	"github.com/sirupsen/logrus"
)

// Queue yields queued action records. Pop reports false when nothing
// arrived within timeout.
type Queue interface {
	Pop(ctx context.Context, timeout time.Duration) (models.ActionRecord, bool, error)
}

// Sink persists a batch of records atomically.
type Sink interface {
	InsertActions(ctx context.Context, batch []models.ActionRecord) error
}

// Options tunes batching and abandonment detection.
type Options struct {
	BatchSize  int
	FlushDelay time.Duration
	PopTimeout time.Duration
	// Inactivity is how long a game may stay silent before an abandoned
	// marker is written for it.
	Inactivity time.Duration
	// InactivityCheck is the period of the abandonment scan.
	InactivityCheck time.Duration
}

func (o *Options) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.FlushDelay <= 0 {
		o.FlushDelay = 500 * time.Millisecond
	}
	if o.PopTimeout <= 0 {
		o.PopTimeout = 3 * time.Second
	}
	if o.Inactivity <= 0 {
		o.Inactivity = 10 * time.Minute
	}
	if o.InactivityCheck <= 0 {
		o.InactivityCheck = time.Minute
	}
}

type activity struct {
	epoch int64
	at    time.Time
}

// Service drains the action queue into the sink in batches and marks games
// that went silent without finishing as abandoned.
type Service struct {
	queue  Queue
	sink   Sink
	logger logrus.FieldLogger
	opts   Options
	now    func() time.Time

	batchMu sync.Mutex
	batch   []models.ActionRecord

	activityMu   sync.Mutex
	lastActivity map[string]activity
}

func NewService(queue Queue, sink Sink, logger logrus.FieldLogger, opts Options) *Service {
	opts.defaults()
	return &Service{
		queue:        queue,
		sink:         sink,
		logger:       logger.WithField("component", "historian"),
		opts:         opts,
		now:          time.Now,
		batch:        make([]models.ActionRecord, 0, opts.BatchSize),
		lastActivity: make(map[string]activity),
	}
}

// Run blocks until ctx is done, then flushes what is left.
func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.readLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.tick(ctx, s.opts.FlushDelay, func() { s.Flush(ctx) })
	}()
	go func() {
		defer wg.Done()
		s.tick(ctx, s.opts.InactivityCheck, func() { s.MarkAbandoned(ctx) })
	}()

	s.logger.Info("historian started")
	<-ctx.Done()
	wg.Wait()
	s.Flush(context.Background())
	s.logger.Info("historian stopped")
}

func (s *Service) tick(ctx context.Context, every time.Duration, fn func()) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (s *Service) readLoop(ctx context.Context) {
	for ctx.Err() == nil {
		rec, ok, err := s.queue.Pop(ctx, s.opts.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).Error("failed to pop action")
			continue
		}
		if !ok {
			continue
		}
		s.Add(ctx, rec)
	}
}

// Add tracks the record's game and appends it to the batch, flushing once
// the batch is full.
func (s *Service) Add(ctx context.Context, rec models.ActionRecord) {
	s.activityMu.Lock()
	if rec.ActionType == models.ActionGameOver {
		delete(s.lastActivity, rec.GameID)
	} else {
		s.lastActivity[rec.GameID] = activity{epoch: rec.Epoch, at: s.now()}
	}
	s.activityMu.Unlock()

	s.batchMu.Lock()
	s.batch = append(s.batch, rec)
	full := len(s.batch) >= s.opts.BatchSize
	s.batchMu.Unlock()
	if full {
		s.Flush(ctx)
	}
}

// Flush writes the pending batch. A failed batch is logged and dropped.
func (s *Service) Flush(ctx context.Context) {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}
	batch := make([]models.ActionRecord, len(s.batch))
	copy(batch, s.batch)
	s.batch = s.batch[:0]
	s.batchMu.Unlock()

	if err := s.sink.InsertActions(ctx, batch); err != nil {
		s.logger.WithError(err).WithField("count", len(batch)).Error("failed to flush actions")
		return
	}
	s.logger.WithField("count", len(batch)).Debug("flushed actions")
}

// MarkAbandoned writes an abandoned marker for every game that has been
// silent for longer than the inactivity limit and stops tracking it.
func (s *Service) MarkAbandoned(ctx context.Context) {
	now := s.now()
	var stale []models.ActionRecord
	s.activityMu.Lock()
	for id, a := range s.lastActivity {
		if now.Sub(a.at) > s.opts.Inactivity {
			stale = append(stale, models.ActionRecord{
				GameID:     id,
				Epoch:      a.epoch,
				ActionType: models.ActionAbandoned,
				Timestamp:  now.UnixMilli(),
			})
			delete(s.lastActivity, id)
		}
	}
	s.activityMu.Unlock()
	if len(stale) == 0 {
		return
	}

	if err := s.sink.InsertActions(ctx, stale); err != nil {
		s.logger.WithError(err).Error("failed to mark games abandoned")
		return
	}
	for _, rec := range stale {
		s.logger.WithField("game_id", rec.GameID).Info("game marked abandoned due to inactivity")
	}
}

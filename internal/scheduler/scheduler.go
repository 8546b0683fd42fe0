package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DecayRunner runs one decay pass over all stale sources.
type DecayRunner interface {
	TriggerDecay(ctx context.Context) (int, error)
}

// FeedPoller checks source feeds for new content.
type FeedPoller interface {
	Poll(ctx context.Context) (int, error)
}

// Scheduler runs the decay pass on a cron schedule and polls feeds on a
// fixed interval.
type Scheduler struct {
	decay     DecayRunner
	feeds     FeedPoller
	decaySpec string
	feedInt   time.Duration
	log       *zap.Logger
}

// New creates a new scheduler. feeds may be nil to disable feed polling.
func New(decay DecayRunner, feeds FeedPoller, decaySpec string, feedInt time.Duration, log *zap.Logger) *Scheduler {
	if decaySpec == "" {
		decaySpec = "@weekly"
	}
	if feedInt == 0 {
		feedInt = 30 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		decay:     decay,
		feeds:     feeds,
		decaySpec: decaySpec,
		feedInt:   feedInt,
		log:       log.With(zap.String("component", "scheduler")),
	}
}

// Run starts the scheduler loop. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.decaySpec, func() { s.runDecay(ctx) }); err != nil {
		return fmt.Errorf("add decay schedule %q: %w", s.decaySpec, err)
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	s.log.Info("scheduler running",
		zap.String("decay", s.decaySpec),
		zap.Duration("feed_interval", s.feedInt),
		zap.Bool("feeds", s.feeds != nil))

	if s.feeds == nil {
		<-ctx.Done()
		s.log.Info("scheduler stopped")
		return ctx.Err()
	}

	ticker := time.NewTicker(s.feedInt)
	defer ticker.Stop()

	// Run immediately on start.
	s.pollFeeds(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.pollFeeds(ctx)
		}
	}
}

func (s *Scheduler) runDecay(ctx context.Context) {
	start := time.Now()
	n, err := s.decay.TriggerDecay(ctx)
	if err != nil {
		s.log.Error("decay pass failed", zap.Int("decayed", n), zap.Error(err))
		return
	}
	s.log.Info("decay pass done", zap.Int("decayed", n), zap.Duration("took", time.Since(start)))
}

func (s *Scheduler) pollFeeds(ctx context.Context) {
	n, err := s.feeds.Poll(ctx)
	if err != nil {
		s.log.Warn("feed poll failed", zap.Error(err))
		return
	}
	s.log.Debug("feeds polled", zap.Int("updated", n))
}

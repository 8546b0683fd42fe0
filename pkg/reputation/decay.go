package reputation

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/sourcerep/internal/store"
)

// DecayScheduler erodes the scores of sources that stopped publishing.
type DecayScheduler struct {
	*deps
	agg *Aggregator
}

// RunPass decays every stale source once and returns how many lost points.
// Failures on one source do not stop the others; they are joined into the
// returned error. Cancelling ctx stops the pass before the next source.
func (d *DecayScheduler) RunPass(ctx context.Context) (int, error) {
	now := d.opts.Now().UTC()

	lctx, cancel := d.storeCtx(ctx)
	stale, err := d.store.ListStaleSources(lctx, now.Add(-d.opts.StaleAfter), d.opts.MaxDecay)
	cancel()
	if err != nil {
		return 0, storeErr("list stale sources", err)
	}

	var (
		mu      sync.Mutex
		decayed int
		errs    []error
	)
	g := new(errgroup.Group)
	g.SetLimit(d.opts.DecayConcurrency)
	for _, src := range stale {
		if ctx.Err() != nil {
			break
		}
		id := src.ID
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			applied, err := d.decaySource(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			} else if applied > 0 {
				decayed++
			}
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	d.log.Info("decay pass finished",
		zap.Int("candidates", len(stale)),
		zap.Int("decayed", decayed),
		zap.Int("errors", len(errs)))
	return decayed, errors.Join(errs...)
}

func (d *DecayScheduler) decaySource(ctx context.Context, sourceID string) (int, error) {
	applied := 0
	_, err := d.agg.recompute(ctx, sourceID, store.ReasonDecay, func(src store.Source, now time.Time) int {
		applied = DecayDue(src, now, d.opts.StaleAfter, d.opts.DecayPerWeek, d.opts.MaxDecay)
		return applied
	})
	if err != nil {
		d.log.Warn("decay failed", zap.String("source_id", sourceID), zap.Error(err))
		return 0, err
	}
	return applied, nil
}

// RecordNewArticle marks the source as having published now.
func (d *DecayScheduler) RecordNewArticle(ctx context.Context, sourceID string) error {
	return d.RecordNewArticleAt(ctx, sourceID, d.opts.Now())
}

// RecordNewArticleAt marks the source as having published at. Timestamps
// older than the recorded one are ignored.
func (d *DecayScheduler) RecordNewArticleAt(ctx context.Context, sourceID string, at time.Time) error {
	if sourceID == "" {
		return validationf("source id is required")
	}
	if at.IsZero() {
		return validationf("article time is required")
	}
	ctx, cancel := d.storeCtx(ctx)
	defer cancel()
	if err := d.store.TouchSource(ctx, sourceID, at.UTC()); err != nil {
		return storeErr("record new article", err)
	}
	return nil
}

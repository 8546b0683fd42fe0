package reputation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/elonfeng/sourcerep/internal/store"
)

// Aggregator recomputes source scores. Recomputations of one source are
// serialized through the configured Locker.
type Aggregator struct {
	*deps
	detector *Detector
}

// decayFunc returns the decay owed by a source at now. It sees the source
// as loaded under the lock.
type decayFunc func(src store.Source, now time.Time) int

// Recompute refreshes the score of sourceID and records the change with the
// given reason. It returns the history entry written, or nil when a decay
// recompute had nothing to change.
func (a *Aggregator) Recompute(ctx context.Context, sourceID string, reason store.Reason) (*store.HistoryEntry, error) {
	if reason == "" {
		reason = store.ReasonManual
	}
	return a.recompute(ctx, sourceID, reason, nil)
}

func (a *Aggregator) recompute(ctx context.Context, sourceID string, reason store.Reason, due decayFunc) (entry *store.HistoryEntry, err error) {
	start := time.Now()
	defer func() {
		outcome := "updated"
		switch {
		case err != nil:
			outcome = "error"
		case entry == nil:
			outcome = "skipped"
		}
		a.m.Recomputes.WithLabelValues(string(reason), outcome).Inc()
		a.m.RecomputeLatency.Observe(time.Since(start).Seconds())
	}()

	var detected []store.Anomaly
	entry, detected, err = a.recomputeLocked(ctx, sourceID, reason, due)
	// Anomalies are persisted even when the recompute failed later on.
	a.detector.notify(ctx, detected)
	return entry, err
}

func (a *Aggregator) recomputeLocked(ctx context.Context, sourceID string, reason store.Reason, due decayFunc) (*store.HistoryEntry, []store.Anomaly, error) {
	ctx, cancel := a.storeCtx(ctx)
	defer cancel()

	unlock, err := a.opts.Locker.Lock(ctx, sourceID)
	if err != nil {
		return nil, nil, &StorageError{Op: "lock source " + sourceID, Err: err}
	}
	defer unlock()

	src, err := a.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, nil, storeErr("recompute", err)
	}
	now := a.opts.Now().UTC()

	decay := 0
	if due != nil {
		decay = due(*src, now)
	}
	baseline := max(src.Score-decay, a.opts.ScoreFloor)

	detected, err := a.detector.scan(ctx, sourceID)
	if err != nil {
		return nil, detected, err
	}

	ratings, err := a.store.SourceRatings(ctx, sourceID)
	if err != nil {
		return nil, detected, storeErr("recompute", err)
	}
	r, eligible, ok := RatingComponent(ratings)
	if !ok {
		r = float64(baseline)
	}

	accurate, total, err := a.store.CrossReferenceStats(ctx, sourceID)
	if err != nil {
		return nil, detected, storeErr("recompute", err)
	}
	acc, ok := AccuracyComponent(accurate, total)
	if !ok {
		acc = float64(baseline)
	}

	score := BlendScore(r, acc, float64(baseline), a.opts.Weights, a.opts.ScoreFloor, a.opts.ScoreCeiling)
	if reason == store.ReasonDecay && decay == 0 && score == src.Score {
		return nil, detected, nil
	}

	entry, err := a.store.ApplyScore(ctx, store.ScoreUpdate{
		EntryID:  uuid.NewString(),
		SourceID: sourceID,
		OldScore: src.Score,
		NewScore: score,
		Reason:   reason,
		Decay:    decay,
		At:       now,
		Metadata: map[string]any{
			"rating_component":   r,
			"accuracy_component": acc,
			"baseline":           baseline,
			"eligible_ratings":   eligible,
			"excluded_ratings":   len(ratings) - eligible,
			"cross_references":   total,
			"decay":              decay,
			"anomalies_detected": len(detected),
		},
	})
	if err != nil {
		return nil, detected, storeErr("apply score", err)
	}
	if decay > 0 {
		a.m.DecayPoints.Add(float64(decay))
	}

	a.log.Info("score recomputed",
		zap.String("source_id", sourceID),
		zap.String("reason", string(reason)),
		zap.Int("old", src.Score),
		zap.Int("new", score),
		zap.Int("decay", decay))
	return entry, detected, nil
}

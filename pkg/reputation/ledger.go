package reputation

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/elonfeng/sourcerep/internal/store"
)

// TrustLedger owns per-rater trust scores.
type TrustLedger struct {
	*deps
}

// GetTrust returns the rater's trust within [TrustMin, TrustMax]. Raters
// without a profile have the default trust.
func (l *TrustLedger) GetTrust(ctx context.Context, raterID string) (float64, error) {
	r, err := l.store.GetRater(ctx, raterID)
	if errors.Is(err, store.ErrNotFound) {
		return l.opts.TrustDefault, nil
	}
	if err != nil {
		return 0, storeErr("get trust", err)
	}
	return clampFloat(r.TrustScore, l.opts.TrustMin, l.opts.TrustMax), nil
}

// AdjustTrust adds delta to the rater's trust, clamped to the bounds, and
// returns the stored value.
func (l *TrustLedger) AdjustTrust(ctx context.Context, raterID string, delta float64) (float64, error) {
	v, err := l.store.AdjustTrust(ctx, raterID, delta, l.opts.TrustMin, l.opts.TrustMax)
	if err != nil {
		return 0, storeErr("adjust trust", err)
	}

	direction := "up"
	if delta < 0 {
		direction = "down"
	}
	l.m.TrustAdjustments.WithLabelValues(direction).Inc()
	l.log.Debug("trust adjusted",
		zap.String("rater_id", raterID),
		zap.Float64("delta", delta),
		zap.Float64("trust", v))
	return v, nil
}

package reputation

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/elonfeng/sourcerep/internal/store"
)

// CrossReferenceInput is a verification outcome reported by the
// fact-checking pipeline.
type CrossReferenceInput struct {
	SourceID    string  `json:"source_id"`
	ContentID   string  `json:"content_id"`
	ClaimID     string  `json:"claim_id,omitempty"`
	WasAccurate bool    `json:"was_accurate"`
	Confidence  float64 `json:"confidence"`
	Note        string  `json:"note,omitempty"`
}

// VerificationResolved is emitted after a cross-reference is stored.
type VerificationResolved struct {
	SourceID    string
	WasAccurate bool
	Confidence  float64
	At          time.Time
}

// Tracker records cross-references and tells the trust feedback loop about
// them.
type Tracker struct {
	*deps
	onResolved func(context.Context, VerificationResolved) error
}

// Record appends a verification outcome. Confidence is clamped to [0, 1].
// Trust feedback runs after the append; its failures are logged and do not
// undo the record.
func (t *Tracker) Record(ctx context.Context, in CrossReferenceInput) (*store.CrossReference, error) {
	note := strings.TrimSpace(in.Note)
	switch {
	case strings.TrimSpace(in.SourceID) == "":
		return nil, validationf("source id is required")
	case math.IsNaN(in.Confidence):
		return nil, validationf("confidence must be a number")
	case utf8.RuneCountInString(note) > t.opts.MaxNoteLen:
		return nil, validationf("note exceeds %d characters", t.opts.MaxNoteLen)
	}

	ctx, cancel := t.storeCtx(ctx)
	defer cancel()

	if _, err := t.store.GetSource(ctx, in.SourceID); err != nil {
		return nil, storeErr("record cross reference", err)
	}

	ref := &store.CrossReference{
		ID:          uuid.NewString(),
		SourceID:    in.SourceID,
		ContentID:   in.ContentID,
		ClaimID:     in.ClaimID,
		WasAccurate: in.WasAccurate,
		Confidence:  clampFloat(in.Confidence, 0, 1),
		Note:        note,
		CreatedAt:   t.opts.Now().UTC(),
	}
	if err := t.store.AddCrossReference(ctx, ref); err != nil {
		return nil, storeErr("record cross reference", err)
	}
	t.m.CrossReferences.WithLabelValues(strconv.FormatBool(ref.WasAccurate)).Inc()

	if t.onResolved != nil {
		ev := VerificationResolved{
			SourceID:    ref.SourceID,
			WasAccurate: ref.WasAccurate,
			Confidence:  ref.Confidence,
			At:          ref.CreatedAt,
		}
		if err := t.onResolved(ctx, ev); err != nil {
			t.log.Error("trust feedback failed",
				zap.String("source_id", ref.SourceID),
				zap.String("cross_reference_id", ref.ID),
				zap.Error(err))
		}
	}
	return ref, nil
}

// TrustFeedback adjusts rater trust by how well past ratings predicted a
// verification outcome.
type TrustFeedback struct {
	*deps
	ledger *TrustLedger
}

// Handle rewards raters whose rating of the source agreed with the outcome
// and penalizes those who disagreed. Neutral, flagged and later ratings are
// ignored. It returns the number of raters adjusted.
func (f *TrustFeedback) Handle(ctx context.Context, ev VerificationResolved) (int, error) {
	ratings, err := f.store.SourceRatings(ctx, ev.SourceID)
	if err != nil {
		return 0, storeErr("trust feedback", err)
	}

	adjusted := 0
	for _, r := range ratings {
		if r.Flagged || r.Value == 3 || !r.RatedAt.Before(ev.At) {
			continue
		}
		endorsed := r.Value >= 4
		delta := f.opts.FeedbackStep
		if endorsed != ev.WasAccurate {
			delta = -delta
		}
		if _, err := f.ledger.AdjustTrust(ctx, r.RaterID, delta); err != nil {
			return adjusted, err
		}
		adjusted++
	}

	f.log.Debug("trust feedback applied",
		zap.String("source_id", ev.SourceID),
		zap.Bool("accurate", ev.WasAccurate),
		zap.Int("raters", adjusted))
	return adjusted, nil
}

package reputation

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/elonfeng/sourcerep/internal/store"
)

// SubmitResult is the outcome of an accepted rating.
type SubmitResult struct {
	Rating   store.Rating `json:"rating"`
	IsUpdate bool         `json:"is_update"`
}

// Intake validates and persists ratings.
type Intake struct {
	*deps
	ledger *TrustLedger
}

// Submit records a rating of sourceID by raterID. A rater's second rating of
// the same source replaces the first and does not count against the daily
// quota. The rating's weight is the rater's trust at submission time.
func (in *Intake) Submit(ctx context.Context, sourceID, raterID string, value int, comment string) (*SubmitResult, error) {
	comment = strings.TrimSpace(comment)
	switch {
	case strings.TrimSpace(sourceID) == "":
		return nil, validationf("source id is required")
	case strings.TrimSpace(raterID) == "":
		return nil, validationf("rater id is required")
	case value < 1 || value > 5:
		return nil, validationf("rating must be between 1 and 5, got %d", value)
	case utf8.RuneCountInString(comment) > in.opts.MaxCommentLen:
		return nil, validationf("comment exceeds %d characters", in.opts.MaxCommentLen)
	}

	ctx, cancel := in.storeCtx(ctx)
	defer cancel()

	if _, err := in.store.GetSource(ctx, sourceID); err != nil {
		in.m.RatingsRejected.WithLabelValues("unknown_source").Inc()
		return nil, storeErr("submit rating", err)
	}

	now := in.opts.Now()
	if err := in.store.EnsureRater(ctx, raterID, in.opts.TrustDefault, now); err != nil {
		return nil, storeErr("submit rating", err)
	}
	weight, err := in.ledger.GetTrust(ctx, raterID)
	if err != nil {
		return nil, err
	}

	rating, isUpdate, err := in.store.SaveRating(ctx, store.RatingInput{
		ID:       uuid.NewString(),
		SourceID: sourceID,
		RaterID:  raterID,
		Value:    value,
		Comment:  comment,
		Weight:   weight,
		At:       now,
	}, in.opts.MaxRatingsPerDay)
	if errors.Is(err, store.ErrRateLimited) {
		in.m.RatingsRejected.WithLabelValues("rate_limited").Inc()
		in.log.Info("rating rate limited",
			zap.String("rater_id", raterID),
			zap.String("source_id", sourceID))
		return nil, &RateLimitError{RaterID: raterID, Limit: in.opts.MaxRatingsPerDay}
	}
	if err != nil {
		return nil, storeErr("submit rating", err)
	}

	kind := "new"
	if isUpdate {
		kind = "update"
	}
	in.m.RatingsSubmitted.WithLabelValues(kind).Inc()
	in.log.Debug("rating saved",
		zap.String("source_id", sourceID),
		zap.String("rater_id", raterID),
		zap.Int("value", value),
		zap.Bool("update", isUpdate))

	return &SubmitResult{Rating: *rating, IsUpdate: isUpdate}, nil
}

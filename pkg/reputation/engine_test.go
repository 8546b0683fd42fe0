package reputation_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/sourcerep/internal/lock"
	"github.com/elonfeng/sourcerep/internal/store"
	"github.com/elonfeng/sourcerep/pkg/reputation"
)

const day = 24 * time.Hour

func TestRegisterSource(t *testing.T) {
	f := setup(t, reputation.Options{})
	ctx := context.Background()

	src := f.register(t, "reuters")
	assert.Equal(t, 50, src.Score)
	assert.Equal(t, t0, src.LastContentAt)

	_, err := f.engine.RegisterSource(ctx, reputation.SourceInput{ID: "reuters"})
	assert.ErrorIs(t, err, reputation.ErrValidation)

	_, err = f.engine.RegisterSource(ctx, reputation.SourceInput{ID: " "})
	assert.ErrorIs(t, err, reputation.ErrValidation)

	_, err = f.engine.RegisterSource(ctx, reputation.SourceInput{ID: "x", FeedURL: "ftp://example.com/feed"})
	assert.ErrorIs(t, err, reputation.ErrValidation)

	_, err = f.engine.GetSource(ctx, "missing")
	assert.ErrorIs(t, err, reputation.ErrNotFound)
}

func TestSubmitRatingValidation(t *testing.T) {
	f := setup(t, reputation.Options{MaxCommentLen: 10})
	f.register(t, "src")
	ctx := context.Background()

	tests := []struct {
		name    string
		source  string
		rater   string
		value   int
		comment string
		want    error
	}{
		{"value too low", "src", "r1", 0, "", reputation.ErrValidation},
		{"value too high", "src", "r1", 6, "", reputation.ErrValidation},
		{"missing rater", "src", "", 3, "", reputation.ErrValidation},
		{"comment too long", "src", "r1", 3, strings.Repeat("é", 11), reputation.ErrValidation},
		{"unknown source", "nope", "r1", 3, "", reputation.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.SubmitRating(ctx, tt.source, tt.rater, tt.value, tt.comment)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	ratings, err := f.engine.GetRatings(ctx, "src", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, ratings)

	res, err := f.engine.SubmitRating(ctx, "src", "r1", 4, strings.Repeat("é", 10))
	require.NoError(t, err)
	assert.False(t, res.IsUpdate)
	assert.Equal(t, 1.0, res.Rating.Weight)
}

func TestSubmitRatingUpsertKeepsQuota(t *testing.T) {
	f := setup(t, reputation.Options{MaxRatingsPerDay: 2})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		f.register(t, id)
	}

	first, err := f.engine.SubmitRating(ctx, "a", "rater", 2, "meh")
	require.NoError(t, err)
	second, err := f.engine.SubmitRating(ctx, "a", "rater", 4, "better")
	require.NoError(t, err)
	assert.True(t, second.IsUpdate)
	assert.Equal(t, first.Rating.ID, second.Rating.ID)
	assert.Equal(t, 4, second.Rating.Value)

	_, err = f.engine.SubmitRating(ctx, "b", "rater", 3, "")
	require.NoError(t, err)

	_, err = f.engine.SubmitRating(ctx, "c", "rater", 3, "")
	require.ErrorIs(t, err, reputation.ErrRateLimited)
	var rl *reputation.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 2, rl.Limit)

	ratings, err := f.engine.GetRatings(ctx, "a", 10, 0)
	require.NoError(t, err)
	assert.Len(t, ratings, 1)
}

func TestSubmitRatingDailyLimit(t *testing.T) {
	f := setup(t, reputation.Options{})
	ctx := context.Background()
	for i := 0; i < 21; i++ {
		f.register(t, fmt.Sprintf("src-%d", i))
	}

	for i := 0; i < 20; i++ {
		_, err := f.engine.SubmitRating(ctx, fmt.Sprintf("src-%d", i), "busy", 3, "")
		require.NoError(t, err, "rating %d", i)
	}
	_, err := f.engine.SubmitRating(ctx, "src-20", "busy", 3, "")
	assert.ErrorIs(t, err, reputation.ErrRateLimited)

	f.clock.Advance(day)
	_, err = f.engine.SubmitRating(ctx, "src-20", "busy", 3, "")
	assert.NoError(t, err)
}

func TestScoreStaysWithinBounds(t *testing.T) {
	f := setup(t, reputation.Options{})
	ctx := context.Background()
	f.register(t, "bad")
	f.register(t, "good")

	f.rateSpaced(t, "bad", "low", 2*time.Hour, 1, 1, 1, 1)
	f.rateSpaced(t, "good", "high", 2*time.Hour, 5, 5, 5, 5)
	for i := 0; i < 3; i++ {
		_, err := f.engine.RecordCrossReference(ctx, reputation.CrossReferenceInput{SourceID: "bad", ContentID: "c", WasAccurate: false, Confidence: 1})
		require.NoError(t, err)
		_, err = f.engine.RecordCrossReference(ctx, reputation.CrossReferenceInput{SourceID: "good", ContentID: "c", WasAccurate: true, Confidence: 1})
		require.NoError(t, err)
	}

	for i := 0; i < 20; i++ {
		_, err := f.engine.Recompute(ctx, "bad", store.ReasonManual)
		require.NoError(t, err)
		_, err = f.engine.Recompute(ctx, "good", store.ReasonManual)
		require.NoError(t, err)

		assert.GreaterOrEqual(t, f.score(t, "bad"), 10)
		assert.LessOrEqual(t, f.score(t, "good"), 100)
	}
	assert.Equal(t, 10, f.score(t, "bad"))
	assert.Equal(t, 100, f.score(t, "good"))
}

func TestRecomputeWithoutSignalsKeepsScore(t *testing.T) {
	f := setup(t, reputation.Options{})
	ctx := context.Background()
	f.register(t, "quiet")

	for i := 0; i < 3; i++ {
		entry, err := f.engine.Recompute(ctx, "quiet", store.ReasonManual)
		require.NoError(t, err)
		assert.Equal(t, 50, entry.OldScore)
		assert.Equal(t, 50, entry.NewScore)
	}
}

func TestRecomputeConverges(t *testing.T) {
	f := setup(t, reputation.Options{})
	ctx := context.Background()
	f.register(t, "src")

	f.rateSpaced(t, "src", "r", 2*time.Hour, 5, 4, 3)
	for i := 0; i < 2; i++ {
		_, err := f.engine.RecordCrossReference(ctx, reputation.CrossReferenceInput{SourceID: "src", ContentID: "c", WasAccurate: true, Confidence: 0.9})
		require.NoError(t, err)
	}

	prev := f.score(t, "src")
	stable := false
	for i := 0; i < 30; i++ {
		entry, err := f.engine.Recompute(ctx, "src", store.ReasonManual)
		require.NoError(t, err)
		if entry.NewScore == prev {
			stable = true
			break
		}
		prev = entry.NewScore
	}
	require.True(t, stable)
	// (0.3*75 + 0.5*100) / (1 - 0.2)
	assert.InDelta(t, 90.625, float64(prev), 1)

	entry, err := f.engine.Recompute(ctx, "src", store.ReasonManual)
	require.NoError(t, err)
	assert.Equal(t, prev, entry.NewScore)
}

func TestReliabilityHistory(t *testing.T) {
	f := setup(t, reputation.Options{})
	ctx := context.Background()
	f.register(t, "src")

	f.rateSpaced(t, "src", "r", 2*time.Hour, 5)
	first, err := f.engine.Recompute(ctx, "src", store.ReasonUserRating)
	require.NoError(t, err)
	// 0.3*100 + 0.5*50 + 0.2*50
	assert.Equal(t, 65, first.NewScore)

	f.clock.Advance(time.Hour)
	_, err = f.engine.RecordCrossReference(ctx, reputation.CrossReferenceInput{SourceID: "src", ContentID: "c", WasAccurate: false, Confidence: 2})
	require.NoError(t, err)
	second, err := f.engine.Recompute(ctx, "src", store.ReasonCrossReference)
	require.NoError(t, err)

	history, err := f.engine.GetReliabilityHistory(ctx, "src", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].ID)
	assert.Equal(t, store.ReasonCrossReference, history[0].Reason)
	assert.Equal(t, 65, history[0].OldScore)
	assert.Equal(t, store.ReasonUserRating, history[1].Reason)
	assert.Equal(t, 50, history[1].OldScore)
	assert.Equal(t, 65, history[1].NewScore)
	assert.EqualValues(t, 1, history[1].Metadata["eligible_ratings"])
	assert.EqualValues(t, 1, history[0].Metadata["cross_references"])

	_, err = f.engine.GetReliabilityHistory(ctx, "missing", 10)
	assert.ErrorIs(t, err, reputation.ErrNotFound)
}

func TestCrossReferenceClampsConfidence(t *testing.T) {
	f := setup(t, reputation.Options{})
	ctx := context.Background()
	f.register(t, "src")

	ref, err := f.engine.RecordCrossReference(ctx, reputation.CrossReferenceInput{SourceID: "src", ContentID: "c", WasAccurate: true, Confidence: 7})
	require.NoError(t, err)
	assert.Equal(t, 1.0, ref.Confidence)

	ref, err = f.engine.RecordCrossReference(ctx, reputation.CrossReferenceInput{SourceID: "src", ContentID: "c", Confidence: -1})
	require.NoError(t, err)
	assert.Equal(t, 0.0, ref.Confidence)

	_, err = f.engine.RecordCrossReference(ctx, reputation.CrossReferenceInput{SourceID: "missing", ContentID: "c"})
	assert.ErrorIs(t, err, reputation.ErrNotFound)
}

func TestTrustBounds(t *testing.T) {
	f := setup(t, reputation.Options{})
	ctx := context.Background()
	f.register(t, "src")

	trust, err := f.engine.GetTrust(ctx, "stranger")
	require.NoError(t, err)
	assert.Equal(t, 1.0, trust)

	_, err = f.engine.AdjustTrust(ctx, "stranger", 0.5)
	assert.ErrorIs(t, err, reputation.ErrNotFound)

	_, err = f.engine.SubmitRating(ctx, "src", "r", 3, "")
	require.NoError(t, err)

	trust, err = f.engine.AdjustTrust(ctx, "r", 10)
	require.NoError(t, err)
	assert.Equal(t, 3.0, trust)

	trust, err = f.engine.AdjustTrust(ctx, "r", -10)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, trust, 1e-9)
}

func TestTrustFeedbackFollowsOutcome(t *testing.T) {
	f := setup(t, reputation.Options{})
	ctx := context.Background()
	f.register(t, "src")

	for _, r := range []struct {
		rater string
		value int
	}{{"endorser", 5}, {"detractor", 1}, {"neutral", 3}} {
		f.clock.Advance(2 * time.Hour)
		_, err := f.engine.SubmitRating(ctx, "src", r.rater, r.value, "")
		require.NoError(t, err)
	}

	f.clock.Advance(time.Hour)
	_, err := f.engine.RecordCrossReference(ctx, reputation.CrossReferenceInput{SourceID: "src", ContentID: "c", WasAccurate: true, Confidence: 1})
	require.NoError(t, err)

	// Ratings submitted after the outcome are not judged by it.
	f.clock.Advance(time.Hour)
	_, err = f.engine.SubmitRating(ctx, "src", "latecomer", 5, "")
	require.NoError(t, err)

	want := map[string]float64{"endorser": 1.05, "detractor": 0.95, "neutral": 1.0, "latecomer": 1.0}
	for rater, trust := range want {
		got, err := f.engine.GetTrust(ctx, rater)
		require.NoError(t, err)
		assert.InDelta(t, trust, got, 1e-9, rater)
	}
}

func TestSpikeIsExcluded(t *testing.T) {
	f := setup(t, reputation.Options{})
	ctx := context.Background()
	f.register(t, "src")

	f.rateSpaced(t, "src", "organic", day, 2, 3)
	f.clock.Advance(2 * time.Hour)
	spike := f.rateSpaced(t, "src", "burst", 2*time.Minute, 5, 4, 5, 4, 3)

	entry, err := f.engine.Recompute(ctx, "src", store.ReasonUserRating)
	require.NoError(t, err)
	// R from the two organic ratings: (25 + 50) / 2
	assert.Equal(t, 46, entry.NewScore)
	assert.EqualValues(t, 2, entry.Metadata["eligible_ratings"])

	anomalies, err := f.engine.ListAnomalies(ctx, "src", true)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, store.AnomalySpike, anomalies[0].Type)
	assert.ElementsMatch(t, ids(spike), anomalies[0].RatingIDs)

	_, err = f.engine.Recompute(ctx, "src", store.ReasonManual)
	require.NoError(t, err)
	anomalies, err = f.engine.ListAnomalies(ctx, "src", false)
	require.NoError(t, err)
	assert.Len(t, anomalies, 1)
}

// coordinatedSource rates src with eight 5s and a 1 and a 2, two hours
// apart, and recomputes once.
func coordinatedSource(t *testing.T, f *fixture) (store.Anomaly, []store.Rating) {
	t.Helper()
	f.register(t, "src")
	ratings := f.rateSpaced(t, "src", "r", 2*time.Hour, 5, 5, 1, 5, 5, 5, 2, 5, 5, 5)

	entry, err := f.engine.Recompute(context.Background(), "src", store.ReasonUserRating)
	require.NoError(t, err)
	// R from the remaining two: (0 + 25) / 2
	require.Equal(t, 39, entry.NewScore)

	anomalies, err := f.engine.ListAnomalies(context.Background(), "src", true)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	return anomalies[0], ratings
}

func TestCoordinatedRatingsAreExcluded(t *testing.T) {
	f := setup(t, reputation.Options{})
	a, ratings := coordinatedSource(t, f)

	assert.Equal(t, store.AnomalyCoordinated, a.Type)
	var fives []store.Rating
	for _, r := range ratings {
		if r.Value == 5 {
			fives = append(fives, r)
		}
	}
	assert.ElementsMatch(t, ids(fives), a.RatingIDs)

	rep, err := f.engine.GetReputation(context.Background(), "src")
	require.NoError(t, err)
	assert.Equal(t, 10, rep.Ratings)
	assert.Equal(t, 8, rep.FlaggedRatings)
	assert.Equal(t, 1, rep.OpenAnomalies)
}

func TestResolveDismissRestoresRatings(t *testing.T) {
	f := setup(t, reputation.Options{})
	ctx := context.Background()
	a, _ := coordinatedSource(t, f)

	resolved, entry, err := f.engine.ResolveAnomaly(ctx, a.ID, reputation.ActionDismiss)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, store.ReasonAnomalyCorrection, entry.Reason)
	// R = 825/10, C = 39
	assert.Equal(t, 58, entry.NewScore)

	rep, err := f.engine.GetReputation(ctx, "src")
	require.NoError(t, err)
	assert.Zero(t, rep.FlaggedRatings)
	assert.Zero(t, rep.OpenAnomalies)

	// The dismissed pattern is not raised again.
	_, err = f.engine.Recompute(ctx, "src", store.ReasonManual)
	require.NoError(t, err)
	all, err := f.engine.ListAnomalies(ctx, "src", false)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, _, err = f.engine.ResolveAnomaly(ctx, a.ID, reputation.ActionDismiss)
	assert.ErrorIs(t, err, reputation.ErrValidation)
}

func TestResolveUpholdPenalizesRaters(t *testing.T) {
	f := setup(t, reputation.Options{})
	ctx := context.Background()
	a, ratings := coordinatedSource(t, f)

	_, entry, err := f.engine.ResolveAnomaly(ctx, a.ID, reputation.ActionUphold)
	require.NoError(t, err)
	assert.Equal(t, store.ReasonAnomalyCorrection, entry.Reason)

	rep, err := f.engine.GetReputation(ctx, "src")
	require.NoError(t, err)
	assert.Equal(t, 8, rep.FlaggedRatings)

	for _, r := range ratings {
		trust, err := f.engine.GetTrust(ctx, r.RaterID)
		require.NoError(t, err)
		if r.Value == 5 {
			assert.InDelta(t, 0.95, trust, 1e-9)
		} else {
			assert.InDelta(t, 1.0, trust, 1e-9)
		}
	}

	// A second uphold is rejected and penalizes nobody again.
	_, _, err = f.engine.ResolveAnomaly(ctx, a.ID, reputation.ActionUphold)
	assert.ErrorIs(t, err, reputation.ErrValidation)
	for _, r := range ratings {
		if r.Value != 5 {
			continue
		}
		trust, err := f.engine.GetTrust(ctx, r.RaterID)
		require.NoError(t, err)
		assert.InDelta(t, 0.95, trust, 1e-9)
	}
}

func TestResolveReweight(t *testing.T) {
	f := setup(t, reputation.Options{})
	ctx := context.Background()
	a, _ := coordinatedSource(t, f)

	_, entry, err := f.engine.ResolveAnomaly(ctx, a.ID, reputation.ActionReweight)
	require.NoError(t, err)
	// R = (8*0.1*100 + 25) / 2.8 = 37.5
	assert.Equal(t, 44, entry.NewScore)

	ratings, err := f.engine.GetRatings(ctx, "src", 20, 0)
	require.NoError(t, err)
	for _, r := range ratings {
		if r.Value == 5 {
			assert.InDelta(t, 0.1, r.Weight, 1e-9)
		}
	}
}

func TestResolveAnomalyErrors(t *testing.T) {
	f := setup(t, reputation.Options{})
	ctx := context.Background()
	a, _ := coordinatedSource(t, f)

	_, _, err := f.engine.ResolveAnomaly(ctx, a.ID, "ignore")
	assert.ErrorIs(t, err, reputation.ErrValidation)

	_, _, err = f.engine.ResolveAnomaly(ctx, "missing", reputation.ActionDismiss)
	assert.ErrorIs(t, err, reputation.ErrNotFound)
}

func TestDecayAfterSilence(t *testing.T) {
	f := setup(t, reputation.Options{})
	ctx := context.Background()
	f.register(t, "silent")
	f.register(t, "active")

	f.clock.Advance(45 * day)
	require.NoError(t, f.engine.RecordNewArticle(ctx, "active"))

	n, err := f.engine.TriggerDecay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	src, err := f.engine.GetSource(ctx, "silent")
	require.NoError(t, err)
	assert.Equal(t, 6, src.DecayApplied)
	assert.Equal(t, 44, src.Score)
	assert.Equal(t, 50, f.score(t, "active"))

	history, err := f.engine.GetReliabilityHistory(ctx, "silent", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.ReasonDecay, history[0].Reason)
	assert.EqualValues(t, 6, history[0].Metadata["decay"])

	// A second pass in the same week owes nothing.
	n, err = f.engine.TriggerDecay(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 44, f.score(t, "silent"))

	f.clock.Advance(7 * day)
	n, err = f.engine.TriggerDecay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	src, err = f.engine.GetSource(ctx, "silent")
	require.NoError(t, err)
	assert.Equal(t, 8, src.DecayApplied)
	assert.Equal(t, 42, src.Score)
}

func TestMidWeekDecayPassKeepsOwedDecay(t *testing.T) {
	f := setup(t, reputation.Options{})
	ctx := context.Background()
	f.register(t, "src")

	f.clock.Advance(45 * day)
	n, err := f.engine.TriggerDecay(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 44, f.score(t, "src"))

	f.clock.Advance(3 * day)
	_, err = f.engine.RecordCrossReference(ctx, reputation.CrossReferenceInput{SourceID: "src", ContentID: "c1", WasAccurate: true, Confidence: 1})
	require.NoError(t, err)
	entry, err := f.engine.Recompute(ctx, "src", store.ReasonCrossReference)
	require.NoError(t, err)
	// 0.3*44 + 0.5*100 + 0.2*44
	assert.Equal(t, 72, entry.NewScore)

	// Nothing is owed mid-week, but the score still moves toward its fixed point.
	n, err = f.engine.TriggerDecay(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	src, err := f.engine.GetSource(ctx, "src")
	require.NoError(t, err)
	assert.Equal(t, 86, src.Score)
	assert.Equal(t, 6, src.DecayApplied)
	require.NotNil(t, src.LastDecayAt)
	assert.True(t, src.LastDecayAt.Equal(t0.Add(45*day)))

	// A week after the last applied decay another 2 points are due.
	f.clock.Advance(4 * day)
	n, err = f.engine.TriggerDecay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	src, err = f.engine.GetSource(ctx, "src")
	require.NoError(t, err)
	assert.Equal(t, 8, src.DecayApplied)
	assert.True(t, src.LastDecayAt.Equal(t0.Add(52*day)))
	// 0.3*84 + 0.5*100 + 0.2*84
	assert.Equal(t, 92, src.Score)
}

func TestDecayReasonRecomputeKeepsDecayClock(t *testing.T) {
	f := setup(t, reputation.Options{})
	ctx := context.Background()
	f.register(t, "src")
	f.rateSpaced(t, "src", "r", time.Minute, 5)

	_, err := f.engine.Recompute(ctx, "src", store.ReasonDecay)
	require.NoError(t, err)

	src, err := f.engine.GetSource(ctx, "src")
	require.NoError(t, err)
	assert.Equal(t, 65, src.Score)
	assert.Zero(t, src.DecayApplied)
	assert.Nil(t, src.LastDecayAt)
}

func TestDecayIsCapped(t *testing.T) {
	f := setup(t, reputation.Options{})
	ctx := context.Background()
	f.register(t, "gone")

	f.clock.Advance(300 * day)
	n, err := f.engine.TriggerDecay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	src, err := f.engine.GetSource(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, 20, src.DecayApplied)
	assert.Equal(t, 30, src.Score)

	f.clock.Advance(30 * day)
	n, err = f.engine.TriggerDecay(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDecayPassCancelled(t *testing.T) {
	f := setup(t, reputation.Options{})
	f.register(t, "silent")
	f.clock.Advance(45 * day)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := f.engine.TriggerDecay(ctx)
	assert.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 50, f.score(t, "silent"))
}

func TestConcurrentRecomputeKeepsHistoryChained(t *testing.T) {
	f := setup(t, reputation.Options{})
	f.clock.tick = time.Second
	ctx := context.Background()
	f.register(t, "busy")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.SubmitRating(ctx, "busy", fmt.Sprintf("r-%d", i), i%5+1, "")
			if !assert.NoError(t, err) {
				return
			}
			_, err = f.engine.Recompute(ctx, "busy", store.ReasonUserRating)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	history, err := f.engine.GetReliabilityHistory(ctx, "busy", 100)
	require.NoError(t, err)
	require.Len(t, history, 10)
	sort.Slice(history, func(i, j int) bool { return history[i].CreatedAt.Before(history[j].CreatedAt) })

	assert.Equal(t, 50, history[0].OldScore)
	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i-1].NewScore, history[i].OldScore, "entry %d", i)
	}
	assert.Equal(t, history[len(history)-1].NewScore, f.score(t, "busy"))
}

func ids(ratings []store.Rating) []string {
	out := make([]string, 0, len(ratings))
	for _, r := range ratings {
		out = append(out, r.ID)
	}
	return out
}

// blockingNotifier holds every notification until its context ends.
type blockingNotifier struct {
	locker lock.Locker

	mu       sync.Mutex
	got      []store.Anomaly
	lockErrs []error
}

func (n *blockingNotifier) AnomalyDetected(ctx context.Context, a store.Anomaly) error {
	lctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	unlock, err := n.locker.Lock(lctx, a.SourceID)
	cancel()
	if err == nil {
		unlock()
	}

	n.mu.Lock()
	n.got = append(n.got, a)
	n.lockErrs = append(n.lockErrs, err)
	n.mu.Unlock()

	<-ctx.Done()
	return ctx.Err()
}

func TestSlowNotifierDoesNotFailRecompute(t *testing.T) {
	locker := lock.NewKeyedMutex()
	notifier := &blockingNotifier{locker: locker}
	f := setup(t, reputation.Options{
		Locker:        locker,
		Notifier:      notifier,
		StoreTimeout:  time.Second,
		NotifyTimeout: 100 * time.Millisecond,
	})

	// coordinatedSource requires the recompute to succeed.
	a, _ := coordinatedSource(t, f)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.got, 1)
	assert.Equal(t, a.ID, notifier.got[0].ID)
	// The source lock is free while notifications are delivered.
	assert.NoError(t, notifier.lockErrs[0])
}

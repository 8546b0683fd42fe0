// Package reputation scores how reliable information sources are from user
// ratings, verification outcomes and publishing activity.
package reputation

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/elonfeng/sourcerep/internal/store"
)

// Engine is the entry point of the reputation system.
type Engine struct {
	*deps

	Ledger     *TrustLedger
	Intake     *Intake
	Tracker    *Tracker
	Feedback   *TrustFeedback
	Detector   *Detector
	Aggregator *Aggregator
	Decay      *DecayScheduler
}

// New wires an engine over s.
func New(s store.Store, opts Options) *Engine {
	opts = opts.withDefaults()
	d := &deps{
		store: s,
		opts:  opts,
		log:   opts.Logger.With(zap.String("component", "reputation")),
		m:     opts.Metrics,
	}

	e := &Engine{deps: d}
	e.Ledger = &TrustLedger{deps: d}
	e.Intake = &Intake{deps: d, ledger: e.Ledger}
	e.Feedback = &TrustFeedback{deps: d, ledger: e.Ledger}
	e.Tracker = &Tracker{deps: d, onResolved: func(ctx context.Context, ev VerificationResolved) error {
		_, err := e.Feedback.Handle(ctx, ev)
		return err
	}}
	e.Detector = &Detector{deps: d}
	e.Aggregator = &Aggregator{deps: d, detector: e.Detector}
	e.Decay = &DecayScheduler{deps: d, agg: e.Aggregator}
	return e
}

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// SourceInput registers a source.
type SourceInput struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	FeedURL string `json:"feed_url,omitempty"`
}

// RegisterSource creates a source with the initial score. Its publishing
// clock starts now.
func (e *Engine) RegisterSource(ctx context.Context, in SourceInput) (*store.Source, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.Name = strings.TrimSpace(in.Name)
	if in.ID == "" {
		return nil, validationf("source id is required")
	}
	if in.Name == "" {
		in.Name = in.ID
	}
	if in.FeedURL != "" {
		u, err := url.Parse(in.FeedURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, validationf("feed url %q is not an http(s) url", in.FeedURL)
		}
	}

	ctx, cancel := e.storeCtx(ctx)
	defer cancel()

	now := e.opts.Now().UTC()
	src := &store.Source{
		ID:            in.ID,
		Name:          in.Name,
		FeedURL:       in.FeedURL,
		Score:         clampInt(e.opts.InitialScore, e.opts.ScoreFloor, e.opts.ScoreCeiling),
		LastContentAt: now,
		CreatedAt:     now,
	}
	err := e.store.CreateSource(ctx, src)
	if errors.Is(err, store.ErrConflict) {
		return nil, validationf("source %s already exists", in.ID)
	}
	if err != nil {
		return nil, storeErr("register source", err)
	}
	e.log.Info("source registered", zap.String("source_id", src.ID), zap.String("feed_url", src.FeedURL))
	return src, nil
}

// GetSource returns one source.
func (e *Engine) GetSource(ctx context.Context, id string) (*store.Source, error) {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	src, err := e.store.GetSource(ctx, id)
	if err != nil {
		return nil, storeErr("get source", err)
	}
	return src, nil
}

func (e *Engine) ListSources(ctx context.Context, limit, offset int) ([]store.Source, error) {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	sources, err := e.store.ListSources(ctx, limit, offset)
	if err != nil {
		return nil, storeErr("list sources", err)
	}
	return sources, nil
}

// SubmitRating records a rating. See Intake.Submit.
func (e *Engine) SubmitRating(ctx context.Context, sourceID, raterID string, value int, comment string) (*SubmitResult, error) {
	return e.Intake.Submit(ctx, sourceID, raterID, value, comment)
}

// GetRatings pages through a source's ratings, most recent first.
func (e *Engine) GetRatings(ctx context.Context, sourceID string, limit, offset int) ([]store.Rating, error) {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if _, err := e.store.GetSource(ctx, sourceID); err != nil {
		return nil, storeErr("get ratings", err)
	}
	ratings, err := e.store.ListRatings(ctx, sourceID, limit, offset)
	if err != nil {
		return nil, storeErr("get ratings", err)
	}
	return ratings, nil
}

// RecordCrossReference records a verification outcome. See Tracker.Record.
func (e *Engine) RecordCrossReference(ctx context.Context, in CrossReferenceInput) (*store.CrossReference, error) {
	return e.Tracker.Record(ctx, in)
}

// Recompute refreshes a source score. See Aggregator.Recompute.
func (e *Engine) Recompute(ctx context.Context, sourceID string, reason store.Reason) (*store.HistoryEntry, error) {
	return e.Aggregator.Recompute(ctx, sourceID, reason)
}

func (e *Engine) RecordNewArticle(ctx context.Context, sourceID string) error {
	return e.Decay.RecordNewArticle(ctx, sourceID)
}

// RecordNewArticleAt records content published at a known time, as seen in
// a feed.
func (e *Engine) RecordNewArticleAt(ctx context.Context, sourceID string, at time.Time) error {
	return e.Decay.RecordNewArticleAt(ctx, sourceID, at)
}

// TriggerDecay runs one decay pass and returns the number of sources
// decayed.
func (e *Engine) TriggerDecay(ctx context.Context) (int, error) {
	return e.Decay.RunPass(ctx)
}

// GetReliabilityHistory returns the newest score changes first.
func (e *Engine) GetReliabilityHistory(ctx context.Context, sourceID string, limit int) ([]store.HistoryEntry, error) {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if _, err := e.store.GetSource(ctx, sourceID); err != nil {
		return nil, storeErr("get history", err)
	}
	history, err := e.store.ListHistory(ctx, sourceID, limit)
	if err != nil {
		return nil, storeErr("get history", err)
	}
	return history, nil
}

func (e *Engine) GetTrust(ctx context.Context, raterID string) (float64, error) {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.Ledger.GetTrust(ctx, raterID)
}

func (e *Engine) AdjustTrust(ctx context.Context, raterID string, delta float64) (float64, error) {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.Ledger.AdjustTrust(ctx, raterID, delta)
}

// Reputation is a read-only summary of a source.
type Reputation struct {
	Source          store.Source `json:"source"`
	Ratings         int          `json:"ratings"`
	FlaggedRatings  int          `json:"flagged_ratings"`
	OpenAnomalies   int          `json:"open_anomalies"`
	CrossReferences int          `json:"cross_references"`
	Accurate        int          `json:"accurate"`
	Accuracy        *float64     `json:"accuracy,omitempty"`
}

func (e *Engine) GetReputation(ctx context.Context, sourceID string) (*Reputation, error) {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()

	src, err := e.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, storeErr("get reputation", err)
	}
	ratings, err := e.store.SourceRatings(ctx, sourceID)
	if err != nil {
		return nil, storeErr("get reputation", err)
	}
	open, err := e.store.ListAnomalies(ctx, sourceID, true)
	if err != nil {
		return nil, storeErr("get reputation", err)
	}
	accurate, total, err := e.store.CrossReferenceStats(ctx, sourceID)
	if err != nil {
		return nil, storeErr("get reputation", err)
	}

	rep := &Reputation{
		Source:          *src,
		Ratings:         len(ratings),
		OpenAnomalies:   len(open),
		CrossReferences: total,
		Accurate:        accurate,
	}
	for _, r := range ratings {
		if r.Flagged {
			rep.FlaggedRatings++
		}
	}
	if acc, ok := AccuracyComponent(accurate, total); ok {
		rep.Accuracy = &acc
	}
	return rep, nil
}

func (e *Engine) ListAnomalies(ctx context.Context, sourceID string, openOnly bool) ([]store.Anomaly, error) {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if _, err := e.store.GetSource(ctx, sourceID); err != nil {
		return nil, storeErr("list anomalies", err)
	}
	anomalies, err := e.store.ListAnomalies(ctx, sourceID, openOnly)
	if err != nil {
		return nil, storeErr("list anomalies", err)
	}
	return anomalies, nil
}

// ResolveAnomaly closes an open anomaly and recomputes the source score with
// the anomaly_correction reason. The resolution commits together with its
// rating and trust side effects. If only the follow-up recompute fails, the
// resolved anomaly is returned along with the error.
func (e *Engine) ResolveAnomaly(ctx context.Context, anomalyID, action string) (*store.Anomaly, *store.HistoryEntry, error) {
	res := store.Resolution{AnomalyID: anomalyID, Action: action, At: e.opts.Now()}
	switch action {
	case ActionDismiss:
		res.Unflag = true
	case ActionReweight:
		w := e.opts.TrustMin
		res.Unflag = true
		res.Weight = &w
	case ActionUphold:
		res.Penalty = &store.TrustPenalty{Delta: -e.opts.FeedbackStep, Min: e.opts.TrustMin, Max: e.opts.TrustMax}
	default:
		return nil, nil, validationf("unknown resolution action %q", action)
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	a, err := e.store.ResolveAnomaly(sctx, res)
	if errors.Is(err, store.ErrConflict) {
		return nil, nil, validationf("anomaly %s is already resolved", anomalyID)
	}
	if err != nil {
		return nil, nil, storeErr("resolve anomaly", err)
	}
	e.log.Info("anomaly resolved",
		zap.String("anomaly_id", a.ID),
		zap.String("source_id", a.SourceID),
		zap.String("action", action))

	if action == ActionUphold {
		e.m.TrustAdjustments.WithLabelValues("down").Add(float64(len(a.RatingIDs)))
	}

	entry, err := e.Aggregator.Recompute(ctx, a.SourceID, store.ReasonAnomalyCorrection)
	if err != nil {
		return a, nil, err
	}
	return a, entry, nil
}

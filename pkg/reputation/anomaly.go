package reputation

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/elonfeng/sourcerep/internal/store"
)

// AnomalyNotifier is told about every newly created anomaly.
type AnomalyNotifier interface {
	AnomalyDetected(ctx context.Context, a store.Anomaly) error
}

// Resolution actions for an open anomaly.
const (
	// ActionDismiss marks the anomaly a false positive and restores its
	// ratings to the score.
	ActionDismiss = "dismiss"
	// ActionUphold confirms manipulation. Ratings stay excluded and their
	// raters lose trust.
	ActionUphold = "uphold"
	// ActionReweight restores the ratings at minimum weight.
	ActionReweight = "reweight"
)

// Detector finds rating manipulation patterns for a source.
type Detector struct {
	*deps
}

type candidate struct {
	typ store.AnomalyType
	ids []string
}

// Scan runs every detection rule over the source's ratings, persists the
// anomalies not already on record and notifies about them. Detection is
// stateless: a pattern that was recorded before, open or resolved, is not
// recorded again.
func (d *Detector) Scan(ctx context.Context, sourceID string) ([]store.Anomaly, error) {
	sctx, cancel := d.storeCtx(ctx)
	created, err := d.scan(sctx, sourceID)
	cancel()
	d.notify(ctx, created)
	return created, err
}

func (d *Detector) scan(ctx context.Context, sourceID string) ([]store.Anomaly, error) {
	ratings, err := d.store.SourceRatings(ctx, sourceID)
	if err != nil {
		return nil, storeErr("scan anomalies", err)
	}
	if len(ratings) == 0 {
		return nil, nil
	}
	known, err := d.store.ListAnomalies(ctx, sourceID, false)
	if err != nil {
		return nil, storeErr("scan anomalies", err)
	}

	var found []candidate
	for _, ids := range spikeClusters(ratings, d.opts.SpikeThreshold, d.opts.SpikeWindow) {
		found = append(found, candidate{typ: store.AnomalySpike, ids: ids})
	}
	if ids := coordinatedRatings(ratings, d.opts.CoordinationWindow, d.opts.CoordinationMinRatings, d.opts.CoordinationThreshold); ids != nil {
		found = append(found, candidate{typ: store.AnomalyCoordinated, ids: ids})
	}

	var created []store.Anomaly
	for _, c := range found {
		if isKnown(known, c) {
			continue
		}
		a := store.Anomaly{
			ID:         uuid.NewString(),
			SourceID:   sourceID,
			Type:       c.typ,
			RatingIDs:  c.ids,
			DetectedAt: d.opts.Now().UTC(),
		}
		if err := d.store.CreateAnomaly(ctx, &a); err != nil {
			return created, storeErr("create anomaly", err)
		}
		known = append(known, a)
		created = append(created, a)

		d.m.AnomaliesFound.WithLabelValues(string(a.Type)).Inc()
		d.log.Warn("anomaly detected",
			zap.String("source_id", sourceID),
			zap.String("anomaly_id", a.ID),
			zap.String("type", string(a.Type)),
			zap.Int("ratings", len(a.RatingIDs)))
	}
	return created, nil
}

// notify hands new anomalies to the notifier. It runs detached from the
// caller's deadline under NotifyTimeout and never fails the caller.
func (d *Detector) notify(ctx context.Context, anomalies []store.Anomaly) {
	if d.opts.Notifier == nil || len(anomalies) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.NotifyTimeout)
	defer cancel()
	for _, a := range anomalies {
		if err := d.opts.Notifier.AnomalyDetected(ctx, a); err != nil {
			d.log.Error("anomaly notification failed", zap.String("anomaly_id", a.ID), zap.Error(err))
		}
	}
}

func isKnown(known []store.Anomaly, c candidate) bool {
	for _, a := range known {
		if a.Type != c.typ {
			continue
		}
		ids := append([]string(nil), a.RatingIDs...)
		sort.Strings(ids)
		if slices.Equal(ids, c.ids) {
			return true
		}
	}
	return false
}

// spikeClusters returns the sorted ids of ratings falling in windows that
// hold at least threshold ratings from distinct raters. Overlapping
// qualifying windows merge into one cluster. ratings must be ordered by
// creation time.
func spikeClusters(ratings []store.Rating, threshold int, window time.Duration) [][]string {
	type span struct{ lo, hi int }
	var spans []span

	hi := 0
	for lo := range ratings {
		if hi < lo {
			hi = lo
		}
		for hi+1 < len(ratings) && ratings[hi+1].CreatedAt.Sub(ratings[lo].CreatedAt) <= window {
			hi++
		}
		if distinctRaters(ratings[lo:hi+1]) < threshold {
			continue
		}
		if n := len(spans); n > 0 && spans[n-1].hi >= lo {
			spans[n-1].hi = hi
		} else {
			spans = append(spans, span{lo, hi})
		}
	}

	clusters := make([][]string, 0, len(spans))
	for _, s := range spans {
		ids := make([]string, 0, s.hi-s.lo+1)
		for _, r := range ratings[s.lo : s.hi+1] {
			ids = append(ids, r.ID)
		}
		sort.Strings(ids)
		clusters = append(clusters, ids)
	}
	return clusters
}

func distinctRaters(ratings []store.Rating) int {
	seen := make(map[string]struct{}, len(ratings))
	for _, r := range ratings {
		seen[r.RaterID] = struct{}{}
	}
	return len(seen)
}

// coordinatedRatings looks at the window most recent ratings. When at least
// minRatings are present and one value accounts for at least threshold of
// them, it returns the sorted ids of the ratings holding that value.
func coordinatedRatings(ratings []store.Rating, window, minRatings int, threshold float64) []string {
	recent := append([]store.Rating(nil), ratings...)
	sort.SliceStable(recent, func(i, j int) bool {
		if !recent[i].RatedAt.Equal(recent[j].RatedAt) {
			return recent[i].RatedAt.After(recent[j].RatedAt)
		}
		return recent[i].ID < recent[j].ID
	})
	if len(recent) > window {
		recent = recent[:window]
	}
	if len(recent) < minRatings {
		return nil
	}

	var counts [6]int
	for _, r := range recent {
		if r.Value >= 1 && r.Value <= 5 {
			counts[r.Value]++
		}
	}
	dominant := 1
	for v := 2; v <= 5; v++ {
		if counts[v] > counts[dominant] {
			dominant = v
		}
	}
	if float64(counts[dominant])/float64(len(recent)) < threshold {
		return nil
	}

	var ids []string
	for _, r := range recent {
		if r.Value == dominant {
			ids = append(ids, r.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

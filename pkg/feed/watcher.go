// Package feed watches source feeds for new content so active sources do
// not decay.
package feed

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/sourcerep/internal/store"
)

// Engine is the part of the reputation engine the watcher drives.
type Engine interface {
	ListSources(ctx context.Context, limit, offset int) ([]store.Source, error)
	RecordNewArticleAt(ctx context.Context, sourceID string, at time.Time) error
}

const pageSize = 100

// Watcher polls the feed of every source that has one.
type Watcher struct {
	engine      Engine
	client      *http.Client
	parser      *gofeed.Parser
	concurrency int
	now         func() time.Time
	log         *zap.Logger
}

// NewWatcher creates a watcher. timeout bounds each feed fetch.
func NewWatcher(engine Engine, timeout time.Duration, concurrency int, log *zap.Logger) *Watcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		engine:      engine,
		client:      &http.Client{Timeout: timeout},
		parser:      gofeed.NewParser(),
		concurrency: concurrency,
		now:         time.Now,
		log:         log.With(zap.String("component", "feed")),
	}
}

// Poll fetches every feed once and records newer content. A failing feed is
// logged and skipped. It returns the number of sources whose content time
// moved forward.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	var (
		mu      sync.Mutex
		updated int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)

	for offset := 0; ; offset += pageSize {
		sources, err := w.engine.ListSources(ctx, pageSize, offset)
		if err != nil {
			g.Wait()
			return updated, fmt.Errorf("list sources: %w", err)
		}
		for _, src := range sources {
			if src.FeedURL == "" {
				continue
			}
			g.Go(func() error {
				ok, err := w.check(gctx, src)
				if err != nil {
					w.log.Warn("feed check failed",
						zap.String("source_id", src.ID),
						zap.String("feed_url", src.FeedURL),
						zap.Error(err))
					return nil
				}
				if ok {
					mu.Lock()
					updated++
					mu.Unlock()
				}
				return nil
			})
		}
		if len(sources) < pageSize {
			break
		}
	}

	g.Wait()
	return updated, ctx.Err()
}

func (w *Watcher) check(ctx context.Context, src store.Source) (bool, error) {
	latest, err := w.Latest(ctx, src.FeedURL)
	if err != nil {
		return false, err
	}
	if latest.IsZero() || !latest.After(src.LastContentAt) {
		return false, nil
	}
	if err := w.engine.RecordNewArticleAt(ctx, src.ID, latest); err != nil {
		return false, fmt.Errorf("record article %s: %w", src.ID, err)
	}
	w.log.Debug("new content", zap.String("source_id", src.ID), zap.Time("published", latest))
	return true, nil
}

// Latest returns the newest publish time in the feed at url, or the zero
// time when no entry carries one. Entries dated in the future count as now.
func (w *Watcher) Latest(ctx context.Context, url string) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("create feed request %s: %w", url, err)
	}
	req.Header.Set("User-Agent", "sourcerep/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("fetch feed %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("feed %s status %d", url, resp.StatusCode)
	}

	parsed, err := w.parser.Parse(resp.Body)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse feed %s: %w", url, err)
	}

	var latest time.Time
	for _, entry := range parsed.Items {
		var published time.Time
		if entry.PublishedParsed != nil {
			published = entry.PublishedParsed.UTC()
		} else if entry.UpdatedParsed != nil {
			published = entry.UpdatedParsed.UTC()
		}
		if published.After(latest) {
			latest = published
		}
	}
	if now := w.now().UTC(); latest.After(now) {
		latest = now
	}
	return latest, nil
}

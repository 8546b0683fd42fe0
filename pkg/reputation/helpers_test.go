package reputation_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elonfeng/sourcerep/internal/store"
	"github.com/elonfeng/sourcerep/pkg/reputation"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

// clock is a settable time source. A non-zero tick advances it on every
// read.
type clock struct {
	mu   sync.Mutex
	now  time.Time
	tick time.Duration
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.tick)
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	engine *reputation.Engine
	store  *store.SQLStore
	clock  *clock
}

func setup(t *testing.T, opts reputation.Options) *fixture {
	t.Helper()
	s, err := store.New(store.DriverSQLite, filepath.Join(t.TempDir(), "rep.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	c := &clock{now: t0}
	opts.Now = c.Now
	return &fixture{engine: reputation.New(s, opts), store: s, clock: c}
}

func (f *fixture) register(t *testing.T, id string) *store.Source {
	t.Helper()
	src, err := f.engine.RegisterSource(context.Background(), reputation.SourceInput{ID: id, Name: id})
	require.NoError(t, err)
	return src
}

// rateSpaced submits one rating per value from distinct raters, advancing
// the clock by gap before each submission.
func (f *fixture) rateSpaced(t *testing.T, sourceID, raterPrefix string, gap time.Duration, values ...int) []store.Rating {
	t.Helper()
	var out []store.Rating
	for i, v := range values {
		f.clock.Advance(gap)
		res, err := f.engine.SubmitRating(context.Background(), sourceID, fmt.Sprintf("%s-%d", raterPrefix, i), v, "")
		require.NoError(t, err)
		out = append(out, res.Rating)
	}
	return out
}

func (f *fixture) score(t *testing.T, id string) int {
	t.Helper()
	src, err := f.engine.GetSource(context.Background(), id)
	require.NoError(t, err)
	return src.Score
}

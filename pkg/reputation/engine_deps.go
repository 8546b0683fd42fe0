package reputation

import (
	"context"

	"go.uber.org/zap"

	"github.com/elonfeng/sourcerep/internal/metrics"
	"github.com/elonfeng/sourcerep/internal/store"
)

// deps is shared by every engine component.
type deps struct {
	store store.Store
	opts  Options
	log   *zap.Logger
	m     *metrics.Metrics
}

// storeCtx bounds one engine operation so a stuck store surfaces as an error
// instead of a hang.
func (d *deps) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.opts.StoreTimeout)
}

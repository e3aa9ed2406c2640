package cleanup

import (
	"context"
	"time"

	"github.com/italolelis/batch_downloader/internal/logctx"
)

// Pruner forgets finished transfers.
type Pruner interface {
	PruneFinished(before time.Time) int
}

// PruneFinished drops transfers that finished more than keepFor ago.
func PruneFinished(ctx context.Context, p Pruner, keepFor time.Duration) int {
	n := p.PruneFinished(time.Now().Add(-keepFor))
	if n > 0 {
		logctx.LoggerFromContext(ctx).Info("pruned finished transfers", "count", n)
	}

	return n
}

// Run prunes every interval until ctx is done.
func Run(ctx context.Context, p Pruner, interval, keepFor time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			PruneFinished(ctx, p, keepFor)
		}
	}
}

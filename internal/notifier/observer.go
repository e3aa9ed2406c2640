package notifier

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/italolelis/batch_downloader/internal/logctx"
	"github.com/italolelis/batch_downloader/internal/progress"
	"github.com/italolelis/batch_downloader/internal/transfer"
)

// Lookup resolves a transfer id to its latest snapshot.
type Lookup interface {
	Get(id string) (progress.Snapshot, bool)
}

// StatusNotifier sends a notification when a transfer completes or fails. It is a
// scheduler observer; notifications are sent in the background.
type StatusNotifier struct {
	ctx      context.Context
	notifier Notifier
	lookup   Lookup
}

func NewStatusNotifier(ctx context.Context, n Notifier, lookup Lookup) *StatusNotifier {
	return &StatusNotifier{ctx: ctx, notifier: n, lookup: lookup}
}

func (s *StatusNotifier) OnProgress(string, int, float64) {}

func (s *StatusNotifier) OnQueueChanged(int, int) {}

func (s *StatusNotifier) OnStatusChange(id string, status transfer.Status) {
	var verb string

	switch status {
	case transfer.StatusCompleted:
		verb = "completed"
	case transfer.StatusFailed:
		verb = "failed"
	default:
		return
	}

	name := id
	if snap, ok := s.lookup.Get(id); ok {
		name = filepath.Base(snap.Destination)
	}

	content := fmt.Sprintf("Download %s: %s", verb, name)

	go func() {
		if err := s.notifier.Notify(s.ctx, content); err != nil {
			logctx.LoggerFromContext(s.ctx).Error("failed to send notification", "transfer_id", id, "err", err)
		}
	}()
}

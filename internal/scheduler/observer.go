package scheduler

import (
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/batch_downloader/internal/transfer"
)

// Observer receives scheduler notifications. Calls are made from a single goroutine,
// in the order the scheduler committed the changes, and must not block for long.
type Observer interface {
	OnProgress(id string, percent int, speed float64)
	OnStatusChange(id string, status transfer.Status)
	OnQueueChanged(active, queued int)
}

type multiObserver []Observer

// Observers fans notifications out to every non-nil observer, in order.
func Observers(observers ...Observer) Observer {
	var m multiObserver

	for _, o := range observers {
		if o != nil {
			m = append(m, o)
		}
	}

	return m
}

func (m multiObserver) OnProgress(id string, percent int, speed float64) {
	for _, o := range m {
		o.OnProgress(id, percent, speed)
	}
}

func (m multiObserver) OnStatusChange(id string, status transfer.Status) {
	for _, o := range m {
		o.OnStatusChange(id, status)
	}
}

func (m multiObserver) OnQueueChanged(active, queued int) {
	for _, o := range m {
		o.OnQueueChanged(active, queued)
	}
}

// LogObserver logs every notification.
type LogObserver struct {
	Logger *slog.Logger
}

func (o LogObserver) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}

	return o.Logger
}

func (o LogObserver) OnProgress(id string, percent int, speed float64) {
	o.logger().Debug("transfer progress",
		"transfer_id", id,
		"progress", percent,
		"speed", humanize.Bytes(uint64(speed))+"/s",
	)
}

func (o LogObserver) OnStatusChange(id string, status transfer.Status) {
	o.logger().Info("transfer status changed", "transfer_id", id, "status", status)
}

func (o LogObserver) OnQueueChanged(active, queued int) {
	o.logger().Debug("queue changed", "active", active, "queued", queued)
}

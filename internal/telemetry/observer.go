package telemetry

import "github.com/italolelis/batch_downloader/internal/transfer"

// Telemetry doubles as a scheduler observer feeding the queue and lifecycle metrics.

func (t *Telemetry) OnProgress(string, int, float64) {}

func (t *Telemetry) OnStatusChange(_ string, status transfer.Status) {
	t.RecordStatusChange(status.String())
}

func (t *Telemetry) OnQueueChanged(active, queued int) {
	t.RecordQueue(active, queued)
}

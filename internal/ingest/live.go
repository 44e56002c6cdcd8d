package ingest

import (
	"github.com/snarg/livescribe/internal/api"
	"github.com/snarg/livescribe/internal/metrics"
)

var (
	_ api.LiveDataSource  = (*LiveSource)(nil)
	_ metrics.IngestStats = (*LiveSource)(nil)
)

// LiveSource serves the API's live view: events from the bus, ingest
// backlog from the ingestor, and the drop-directory watcher status.
type LiveSource struct {
	*EventBus
	in      *Ingestor
	watcher *FileWatcher
}

// NewLiveSource combines the live components. watcher may be nil.
func NewLiveSource(bus *EventBus, in *Ingestor, watcher *FileWatcher) *LiveSource {
	return &LiveSource{EventBus: bus, in: in, watcher: watcher}
}

func (l *LiveSource) WatcherStatus() *api.WatcherStatusData {
	if l.watcher == nil {
		return nil
	}
	return l.watcher.Status()
}

func (l *LiveSource) FallbackSessionCount() int {
	return l.in.FallbackSessionCount()
}

// PendingWrites is the number of primary writes still running after their
// delivery was acknowledged.
func (l *LiveSource) PendingWrites() int {
	return l.in.PendingWrites()
}

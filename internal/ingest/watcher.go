package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/snarg/livescribe/internal/api"
	"github.com/snarg/livescribe/internal/transcript"
)

const (
	processedDir = "processed"
	rejectedDir  = "rejected"
)

// dropFile is the JSON document accepted in the watch directory: a webhook
// body plus the fields the webhook takes from its query string.
type dropFile struct {
	transcript.Payload
	UserID string `json:"uid,omitempty"`
}

// FileWatcher ingests webhook payloads dropped as *.json files into a
// directory. It is an alternative ingress for devices or relays that can
// write files but cannot reach the HTTP endpoint.
//
// Each file is one delivery. When the body has no session_id, the file name
// without extension is used. Ingested files move to processed/, unreadable or
// invalid ones to rejected/, so a restart never ingests a file twice.
type FileWatcher struct {
	in       *Ingestor
	watchDir string
	log      zerolog.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// process serializes file handling so chunks of one session keep
	// their drop order.
	process sync.Mutex

	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	filesProcessed atomic.Int64
	filesRejected  atomic.Int64
	status         atomic.Value // string: "starting", "backfilling", "watching", "stopped"
}

// NewFileWatcher creates a watcher for watchDir. Call Start to begin.
func NewFileWatcher(in *Ingestor, watchDir string, log zerolog.Logger) *FileWatcher {
	fw := &FileWatcher{
		in:             in,
		watchDir:       watchDir,
		log:            log.With().Str("component", "watcher").Logger(),
		debounce:       500 * time.Millisecond,
		debounceTimers: make(map[string]*time.Timer),
		done:           make(chan struct{}),
	}
	fw.status.Store("starting")
	return fw
}

// Start creates the directory layout, ingests files already present
// (oldest first) and then watches for new ones until ctx is cancelled or
// Stop is called.
func (fw *FileWatcher) Start(ctx context.Context) error {
	for _, d := range []string{fw.watchDir, filepath.Join(fw.watchDir, processedDir), filepath.Join(fw.watchDir, rejectedDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(fw.watchDir); err != nil {
		w.Close()
		return err
	}
	fw.watcher = w
	fw.ctx, fw.cancel = context.WithCancel(ctx)

	fw.log.Info().Str("watch_dir", fw.watchDir).Msg("file watcher initialized")

	fw.backfill()
	fw.status.Store("watching")

	go fw.watchLoop()
	return nil
}

// Stop closes the fsnotify watcher and waits for the event loop to exit.
func (fw *FileWatcher) Stop() {
	fw.status.Store("stopped")
	if fw.cancel != nil {
		fw.cancel()
	}
	if fw.watcher != nil {
		fw.watcher.Close()
		<-fw.done
	}

	fw.debounceMu.Lock()
	for path, t := range fw.debounceTimers {
		t.Stop()
		delete(fw.debounceTimers, path)
	}
	fw.debounceMu.Unlock()

	fw.log.Info().
		Int64("files_processed", fw.filesProcessed.Load()).
		Int64("files_rejected", fw.filesRejected.Load()).
		Msg("file watcher stopped")
}

// Status returns the current watcher status for the health endpoint.
func (fw *FileWatcher) Status() *api.WatcherStatusData {
	s, _ := fw.status.Load().(string)
	return &api.WatcherStatusData{
		Status:         s,
		WatchDir:       fw.watchDir,
		FilesProcessed: fw.filesProcessed.Load(),
		FilesRejected:  fw.filesRejected.Load(),
	}
}

func (fw *FileWatcher) watchLoop() {
	defer close(fw.done)
	for {
		select {
		case <-fw.ctx.Done():
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isDropFile(event.Name) {
				continue
			}
			fw.scheduleProcess(event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleProcess debounces file processing. This coalesces rapid
// Create+Write events and lets the writer finish before we read.
func (fw *FileWatcher) scheduleProcess(path string) {
	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	if t, ok := fw.debounceTimers[path]; ok {
		t.Reset(fw.debounce)
		return
	}

	fw.debounceTimers[path] = time.AfterFunc(fw.debounce, func() {
		fw.debounceMu.Lock()
		delete(fw.debounceTimers, path)
		fw.debounceMu.Unlock()

		fw.processFile(path)
	})
}

// processFile ingests one dropped file and moves it out of the watch dir.
func (fw *FileWatcher) processFile(path string) {
	fw.process.Lock()
	defer fw.process.Unlock()

	if fw.ctx.Err() != nil {
		return
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return // already handled
	}
	if err != nil {
		fw.reject(path, err)
		return
	}

	var df dropFile
	if err := json.Unmarshal(data, &df); err != nil {
		fw.reject(path, err)
		return
	}

	d := transcript.Delivery{
		SessionID:     df.SessionID,
		UserID:        df.UserID,
		BodySessionID: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Segments:      df.Segments,
	}
	res, err := fw.in.IngestFrom(fw.ctx, "watch", d)
	if err != nil {
		fw.reject(path, err)
		return
	}

	fw.move(path, processedDir)
	fw.filesProcessed.Add(1)
	fw.log.Debug().Str("path", path).Str("session_id", res.SessionID).Str("tier", string(res.Tier)).Msg("drop file ingested")
}

func (fw *FileWatcher) reject(path string, err error) {
	fw.log.Warn().Err(err).Str("path", path).Msg("rejecting drop file")
	fw.filesRejected.Add(1)
	fw.move(path, rejectedDir)
}

func (fw *FileWatcher) move(path, sub string) {
	dst := filepath.Join(fw.watchDir, sub, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		fw.log.Warn().Err(err).Str("path", path).Str("dest", dst).Msg("failed to move drop file")
	}
}

// backfill ingests files that were dropped while the service was down,
// oldest modification time first.
func (fw *FileWatcher) backfill() {
	fw.status.Store("backfilling")

	entries, err := os.ReadDir(fw.watchDir)
	if err != nil {
		fw.log.Warn().Err(err).Msg("backfill scan failed")
		return
	}

	type fileEntry struct {
		path    string
		modTime time.Time
	}
	var files []fileEntry
	for _, e := range entries {
		if e.IsDir() || !isDropFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileEntry{path: filepath.Join(fw.watchDir, e.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].path < files[j].path
		}
		return files[i].modTime.Before(files[j].modTime)
	})

	if len(files) > 0 {
		fw.log.Info().Int("files", len(files)).Msg("backfill starting")
	}
	for _, f := range files {
		if fw.ctx.Err() != nil {
			fw.log.Info().Msg("backfill interrupted by shutdown")
			return
		}
		fw.processFile(f.path)
	}
}

func isDropFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(strings.ToLower(base), ".json") && !strings.HasPrefix(base, ".")
}

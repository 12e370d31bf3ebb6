package statusfile

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/logger"
)

// Watcher surfaces status sidecar updates as they land on disk, so the
// session status line refreshes without polling.
type Watcher struct {
	dir     string
	log     *logger.Logger
	fs      *fsnotify.Watcher
	updates chan Status
}

// NewWatcher watches the status directory. The directory is created when
// missing so the watch can attach immediately.
func NewWatcher(dir string, log *logger.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return nil, err
	}
	return &Watcher{
		dir:     dir,
		log:     log.WithFields(zap.String("component", "statusfile-watcher")),
		fs:      fs,
		updates: make(chan Status, 16),
	}, nil
}

// Updates streams parsed status documents as their files change.
func (w *Watcher) Updates() <-chan Status { return w.updates }

// Run consumes filesystem events until the context ends.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.updates)
	defer w.fs.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
				continue
			}
			name := filepath.Base(evt.Name)
			if !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".tmp") {
				continue
			}
			uuid := strings.TrimSuffix(name, ".json")
			st, err := Read(w.dir, uuid)
			if err != nil || st == nil {
				continue
			}
			select {
			case w.updates <- *st:
			default:
				// A stale status update is worthless; drop it.
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Debug("status watch error", zap.Error(err))
		}
	}
}

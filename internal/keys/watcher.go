package keys

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the signing key when its file changes on disk, so an
// operator can rotate keys by replacing the file without a restart.
type Watcher struct {
	service *Service
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	done    chan struct{}
}

// NewWatcher watches the private key file at path and installs a reloaded
// pair into the service on changes.
func NewWatcher(service *Service, path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	// Watch the directory: editors and secret mounts replace files rather
	// than writing them in place.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch key directory: %w", err)
	}

	w := &Watcher{
		service: service,
		path:    path,
		watcher: fsw,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Coalesce the burst of events a file replacement produces.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("key file watcher error", zap.Error(err))

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Error("read changed key file", zap.Error(err), zap.String("path", w.path))
		return
	}
	pair, err := pairFromPEM(data, nextKID(w.service.CurrentKID()))
	if err != nil {
		w.logger.Error("parse changed key file", zap.Error(err), zap.String("path", w.path))
		return
	}
	if err := w.service.Install(pair); err != nil {
		w.logger.Error("install reloaded key", zap.Error(err))
		return
	}
	w.logger.Info("signing key reloaded from file",
		zap.String("path", w.path),
		zap.String("kid", pair.KID))
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

package axiom

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"engramd/internal/logging"
)

// seedWatcher hot-reloads an axiom seed file when it changes on disk.
type seedWatcher struct {
	watcher  *fsnotify.Watcher
	store    *Store
	path     string
	debounce time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// WatchSeedFile starts watching a YAML seed file and reloads it into
// the catalog on every write. The watcher stops when the store closes.
func (s *Store) WatchSeedFile(path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace files on save, which drops
	// a watch registered on the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return err
	}

	sw := &seedWatcher{
		watcher:  w,
		store:    s,
		path:     filepath.Clean(path),
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	s.watcher = sw
	go sw.run()

	logging.Get(logging.CategoryAxiom).Infow("watching axiom seed file", "path", path)
	return nil
}

func (sw *seedWatcher) run() {
	defer close(sw.doneCh)
	log := logging.Get(logging.CategoryAxiom)

	var lastReload time.Time
	for {
		select {
		case <-sw.stopCh:
			return
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != sw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if time.Since(lastReload) < sw.debounce {
				continue
			}
			lastReload = time.Now()

			if err := sw.store.LoadSeedFile(sw.path); err != nil {
				log.Warnw("seed reload failed", "path", sw.path, "error", err)
			}
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			log.Warnw("seed watcher error", "error", err)
		}
	}
}

func (sw *seedWatcher) stop() {
	close(sw.stopCh)
	sw.watcher.Close()
	<-sw.doneCh
}

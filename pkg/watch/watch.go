// Package watch follows a report list file and hands newly listed filenames
// to a callback.
package watch

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/pipeline"
)

const DefaultDebounce = 500 * time.Millisecond

// ListWatcher re-reads a list file when it changes and reports the entries
// it has not seen yet.
type ListWatcher struct {
	path     string
	onNew    func(filenames []string)
	Debounce time.Duration

	mu      sync.Mutex
	seen    map[string]bool
	stopped bool
	watcher *fsnotify.Watcher
	stop    chan struct{}
	timer   *time.Timer
}

// NewListWatcher creates a watcher for path. Entries already in the file
// when Start is called count as seen.
func NewListWatcher(path string, onNew func(filenames []string)) *ListWatcher {
	return &ListWatcher{
		path:     filepath.Clean(path),
		onNew:    onNew,
		Debounce: DefaultDebounce,
		seen:     map[string]bool{},
	}
}

// Start reads the current list and begins watching for changes. It returns
// the entries present at start.
func (w *ListWatcher) Start() ([]string, error) {
	initial, err := w.read()
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	for _, f := range initial {
		w.seen[f] = true
	}
	w.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating watcher")
	}
	// Watch the directory: editors and scripts often replace the file.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "watching %s", w.path)
	}
	w.watcher = watcher
	w.stop = make(chan struct{})

	go w.loop(w.stop, watcher.Events, watcher.Errors)
	log.Infof("Watching %s for new reports", w.path)
	return initial, nil
}

// Stop ends the watch. onNew is not called once Stop returned. Stop may be
// called more than once.
func (w *ListWatcher) Stop() {
	if w.stop != nil {
		close(w.stop)
		w.stop = nil
	}
	if w.watcher != nil {
		w.watcher.Close()
		w.watcher = nil
	}
	w.mu.Lock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

func (w *ListWatcher) loop(stop <-chan struct{}, events <-chan fsnotify.Event, errs <-chan error) {
	for {
		select {
		case <-stop:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.schedule()
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			log.WithError(err).Warn("List watcher error")
		}
	}
}

func (w *ListWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.Debounce, w.reload)
}

func (w *ListWatcher) reload() {
	filenames, err := w.read()
	if err != nil {
		// Renamed away or mid-write; the next event retries.
		log.WithError(err).Debugf("Could not reload %s", w.path)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	var fresh []string
	for _, f := range filenames {
		if !w.seen[f] {
			w.seen[f] = true
			fresh = append(fresh, f)
		}
	}
	if len(fresh) == 0 {
		return
	}
	log.Infof("%d new reports listed in %s", len(fresh), w.path)
	w.onNew(fresh)
}

func (w *ListWatcher) read() ([]string, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, errors.Wrap(err, "opening list")
	}
	defer f.Close()
	return pipeline.ReadList(f)
}

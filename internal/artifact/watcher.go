package artifact

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"capforge/internal/logging"
)

// Watcher invalidates cached registry records when their files change on
// disk, so external edits and out-of-band restores take effect without a
// restart. Rapid successive writes to the same file are debounced.
type Watcher struct {
	mu          sync.Mutex
	store       *Store
	watcher     *fsnotify.Watcher
	debounceMap map[string]time.Time
	debounceDur time.Duration
	onChange    func(name string)
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a watcher over the store's root directory. onChange
// may be nil; when set it fires after the cache entry is invalidated.
func NewWatcher(store *Store, onChange func(name string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		store:       store,
		watcher:     fw,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		onChange:    onChange,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; events are handled in a goroutine.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.store.Root()); err != nil {
		return err
	}
	go w.loop()
	return nil
}

// Stop shuts the watcher down and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	_ = w.watcher.Close()
}

func (w *Watcher) loop() {
	log := logging.Get(logging.CategoryStore)
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, ".json") || strings.Contains(name, ".tmp-") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if w.debounced(name) {
				continue
			}
			log.Debugw("artifact file changed on disk", "file", name, "op", event.Op.String())
			w.store.Invalidate(name)
			if w.onChange != nil {
				w.onChange(name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorw("watch error", "error", err)
		}
	}
}

func (w *Watcher) debounced(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	if last, ok := w.debounceMap[name]; ok && now.Sub(last) < w.debounceDur {
		return true
	}
	w.debounceMap[name] = now
	return false
}

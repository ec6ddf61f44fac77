package store

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reindexes the store when descriptor files change on disk, for
// example when an operator copies a .torrent into place.
type Watcher struct {
	fsWatcher    *fsnotify.Watcher
	store        *Store
	debounceTime time.Duration
	reloaded     chan struct{}

	mu      sync.Mutex
	pending time.Time // zero when nothing is pending
	stop    chan struct{}
	once    sync.Once
}

// NewWatcher creates a watcher over the store's torrent directory.
func NewWatcher(s *Store, debounce time.Duration) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		fsWatcher:    fsWatcher,
		store:        s,
		debounceTime: debounce,
		reloaded:     make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}, nil
}

// Reloaded delivers a signal after each reindex.
func (w *Watcher) Reloaded() <-chan struct{} {
	return w.reloaded
}

// Start begins watching.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(w.store.TorrentDir()); err != nil {
		return fmt.Errorf("failed to watch path %s: %w", w.store.TorrentDir(), err)
	}
	log.Printf("[watcher] Watching %s", w.store.TorrentDir())

	go w.processEvents()
	go w.processPending()
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		w.fsWatcher.Close()
		log.Println("[watcher] Stopped")
	})
}

func (w *Watcher) processEvents() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("[watcher] Error: %v", err)

		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if !strings.HasSuffix(name, descriptorSuffix) || strings.HasPrefix(name, ".") {
		return
	}
	log.Printf("[watcher] Descriptor change: %s (%s)", name, event.Op.String())

	w.mu.Lock()
	w.pending = time.Now()
	w.mu.Unlock()
}

// processPending reloads once no event arrived for debounceTime.
func (w *Watcher) processPending() {
	tick := w.debounceTime / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			ready := !w.pending.IsZero() && time.Since(w.pending) >= w.debounceTime
			if ready {
				w.pending = time.Time{}
			}
			w.mu.Unlock()

			if !ready {
				continue
			}
			if err := w.store.Reload(); err != nil {
				log.Printf("[watcher] Reload failed: %v", err)
				continue
			}
			select {
			case w.reloaded <- struct{}{}:
			default:
			}
		case <-w.stop:
			return
		}
	}
}

package ingest

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"loopkeeper/internal/logging"
)

// WatcherStats tracks watcher activity for debugging.
type WatcherStats struct {
	EventsSeen     int
	SyncsTriggered int
	Errors         int
	LastEventTime  time.Time
	LastEventPath  string
}

// Watcher keeps the base level in sync with the loop directory: every
// create/rename in the directory triggers a debounced Sync, with a periodic
// rescan as a safety net for events fsnotify misses.
type Watcher struct {
	mu          sync.RWMutex
	fsw         *fsnotify.Watcher
	scanner     *Scanner
	debounceMap map[string]time.Time
	debounceDur time.Duration
	rescanEvery time.Duration
	cancel      context.CancelFunc
	done        chan struct{}
	running     bool
	stats       WatcherStats
}

// NewWatcher creates a watcher over the scanner's loop directory.
func NewWatcher(scanner *Scanner) *Watcher {
	return &Watcher{
		scanner:     scanner,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond, // editors save in bursts
		rescanEvery: time.Minute,
	}
}

// Start begins watching. Non-blocking; the watcher runs in background
// goroutines until Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}

	if err := os.MkdirAll(w.scanner.Dir(), 0755); err != nil {
		w.mu.Unlock()
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := fsw.Add(w.scanner.Dir()); err != nil {
		_ = fsw.Close()
		w.mu.Unlock()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	w.fsw = fsw
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	w.mu.Unlock()

	logging.Ingest("watcher started on %s", w.scanner.Dir())

	go func() {
		defer close(w.done)
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return w.eventLoop(ctx) })
		g.Go(func() error { return w.rescanLoop(ctx) })
		_ = g.Wait()
	}()
	return nil
}

// Stop halts the watcher and waits for its goroutines to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel, done, fsw := w.cancel, w.done, w.fsw
	w.mu.Unlock()

	cancel()
	<-done
	_ = fsw.Close()
	logging.Ingest("watcher stopped")
}

// Stats returns a snapshot of watcher activity.
func (w *Watcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *Watcher) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Write) {
				continue
			}
			if w.debounced(event.Name) {
				continue
			}
			w.mu.Lock()
			w.stats.EventsSeen++
			w.stats.LastEventTime = time.Now()
			w.stats.LastEventPath = event.Name
			w.mu.Unlock()
			w.sync()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
			logging.Get(logging.CategoryIngest).Warn("watcher error: %v", err)
		}
	}
}

func (w *Watcher) rescanLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.rescanEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.sync()
		}
	}
}

// debounced reports whether path fired within the debounce window.
func (w *Watcher) debounced(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	if last, ok := w.debounceMap[path]; ok && now.Sub(last) < w.debounceDur {
		return true
	}
	w.debounceMap[path] = now
	return false
}

func (w *Watcher) sync() {
	if _, _, err := w.scanner.Sync(); err != nil {
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		logging.Get(logging.CategoryIngest).Error("sync failed: %v", err)
		return
	}
	w.mu.Lock()
	w.stats.SyncsTriggered++
	w.mu.Unlock()
}

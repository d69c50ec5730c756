package watcher

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sentrix/scan-engine/internal/worker"
	"github.com/sentrix/scan-engine/pkg/models"
)

// Publisher is the event-bus slice the watcher needs.
type Publisher interface {
	Publish(eventType string, payload any) models.Event
}

// Watcher turns filesystem create/write activity into scan jobs. Events
// for the same path inside the debounce window collapse into one job.
// New directories are registered on the fly when recursive.
type Watcher struct {
	broker   Publisher
	queue    *worker.Queue
	debounce time.Duration

	mu        sync.Mutex
	fsw       *fsnotify.Watcher
	paths     []string
	recursive bool
	running   bool
	lastSeen  map[string]time.Time
	done      chan struct{}
}

func New(broker Publisher, queue *worker.Queue, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{
		broker:   broker,
		queue:    queue,
		debounce: debounce,
	}
}

// Status describes the watcher for the control API.
type Status struct {
	Running   bool     `json:"running"`
	Paths     []string `json:"paths"`
	Recursive bool     `json:"recursive"`
}

func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{Running: w.running, Paths: append([]string(nil), w.paths...), Recursive: w.recursive}
}

// Start begins watching the given directories. Returns an error if already
// running or no valid directory was given.
func (w *Watcher) Start(paths []string, recursive bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %v", err)
	}

	var watched []string
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil || !st.IsDir() {
			log.Printf("[Watcher] Skipping %s: not a directory", p)
			continue
		}
		if recursive {
			filepath.WalkDir(p, func(sub string, d fs.DirEntry, err error) error {
				if err == nil && d.IsDir() {
					if err := fsw.Add(sub); err != nil {
						log.Printf("[Watcher] Failed to watch %s: %v", sub, err)
					}
				}
				return nil
			})
		} else if err := fsw.Add(p); err != nil {
			log.Printf("[Watcher] Failed to watch %s: %v", p, err)
			continue
		}
		watched = append(watched, p)
	}
	if len(watched) == 0 {
		fsw.Close()
		return fmt.Errorf("no watchable directories")
	}

	w.fsw = fsw
	w.paths = watched
	w.recursive = recursive
	w.running = true
	w.lastSeen = make(map[string]time.Time)
	w.done = make(chan struct{})
	go w.loop(fsw, w.done)

	log.Printf("[Watcher] Watching %v (recursive=%v)", watched, recursive)
	w.broker.Publish(models.EventWatchStarted, map[string]any{
		"type":  models.EventWatchStarted,
		"ts":    float64(time.Now().UnixNano()) / 1e9,
		"paths": watched,
	})
	return nil
}

// Stop shuts the watch loop down. The lock is released while waiting for
// the loop to drain so its final callbacks can't deadlock against us.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher not running")
	}
	fsw, done := w.fsw, w.done
	w.mu.Unlock()

	fsw.Close()
	<-done

	w.mu.Lock()
	w.running = false
	w.fsw = nil
	paths := w.paths
	w.mu.Unlock()

	log.Printf("[Watcher] Stopped")
	w.broker.Publish(models.EventWatchStopped, map[string]any{
		"type":  models.EventWatchStopped,
		"ts":    float64(time.Now().UnixNano()) / 1e9,
		"paths": paths,
	})
	return nil
}

func (w *Watcher) loop(fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	cleanup := time.NewTicker(time.Minute)
	defer cleanup.Stop()

	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handle(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			log.Printf("[Watcher] Error: %v", err)
		case <-cleanup.C:
			w.pruneSeen()
		}
	}
}

func (w *Watcher) handle(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
		return
	}

	st, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if st.IsDir() {
		if ev.Op.Has(fsnotify.Create) && w.isRecursive() {
			if err := fsw.Add(ev.Name); err != nil {
				log.Printf("[Watcher] Failed to watch new directory %s: %v", ev.Name, err)
			}
		}
		return
	}

	if !w.debounced(ev.Name) {
		return
	}
	w.queue.Enqueue(models.ScanJob{
		Type: "scan_file",
		Path: ev.Name,
		TS:   float64(time.Now().UnixNano()) / 1e9,
	})
}

func (w *Watcher) isRecursive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.recursive
}

// debounced records the sighting and reports whether the path is outside
// its debounce window.
func (w *Watcher) debounced(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	if last, ok := w.lastSeen[path]; ok && now.Sub(last) < w.debounce {
		return false
	}
	w.lastSeen[path] = now
	return true
}

// pruneSeen drops debounce entries that have long expired so the map
// doesn't grow with every file ever touched.
func (w *Watcher) pruneSeen() {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := time.Now().Add(-10 * w.debounce)
	for path, last := range w.lastSeen {
		if last.Before(cutoff) {
			delete(w.lastSeen, path)
		}
	}
}

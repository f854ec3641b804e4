// Package watch observes the raw event drop directory and delivers new
// event files to the processor.
package watch

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nkall/claudescope/internal/event"
	"github.com/nkall/claudescope/internal/logging"
)

// sweepInterval bounds how stale a missed fsnotify event can leave us.
// The periodic sweep re-scans the drop directory and picks up anything
// the notifier dropped.
const sweepInterval = 5 * time.Second

// Handler receives a parsed event together with the file it came from.
// The watcher never deletes files; the processor moves consumed files to
// the processed directory, which also makes replay possible by re-pointing
// the processor at the same files.
type Handler func(e *event.MonitorEvent, path string)

// Watcher observes a drop directory for raw event files.
type Watcher struct {
	dir      string
	handler  Handler
	minTS    func() int64 // checkpoint watermark supplier, sampled once at Start
	floor    int64
	notifier *fsnotify.Watcher

	mu        sync.Mutex
	delivered map[string]struct{}

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates a watcher over dir. minTS supplies the checkpoint watermark
// as of the previous run; files whose encoded timestamp is strictly below
// it are skipped. The value is sampled once when the watcher starts: the
// live watermark advances with every processed event (including
// socket-delivered ones), and skipping against it would drop files that
// share a timestamp with an already-processed event. Boundary redeliveries
// are absorbed by the processor's dedup set.
func New(dir string, minTS func() int64, handler Handler) *Watcher {
	return &Watcher{
		dir:       dir,
		handler:   handler,
		minTS:     minTS,
		delivered: make(map[string]struct{}),
		stop:      make(chan struct{}),
	}
}

// Start begins observation: an initial sorted scan of the directory, then
// fsnotify deliveries with a periodic sweep as a safety net.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}

	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := notifier.Add(w.dir); err != nil {
		notifier.Close()
		return err
	}
	w.notifier = notifier

	w.floor = w.minTS()
	w.sweep()

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop ceases observation and waits for in-flight deliveries to finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		if w.notifier != nil {
			w.notifier.Close()
		}
	})
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.notifier.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.deliver(filepath.Base(ev.Name))
		case err, ok := <-w.notifier.Errors:
			if !ok {
				return
			}
			logging.Warn("drop directory watch error", "error", err)
		case <-ticker.C:
			w.sweep()
		}
	}
}

// sweep scans the drop directory and delivers anything new in
// filename-sort order, which is timestamp order by construction.
func (w *Watcher) sweep() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		logging.Warn("drop directory scan failed", "dir", w.dir, "error", err)
		return
	}

	names := make([]string, 0, len(entries))
	present := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
		present[entry.Name()] = struct{}{}
	}
	sort.Strings(names)

	// Consumed files are moved away by the processor; forget them so the
	// delivered set stays bounded by the directory size.
	w.mu.Lock()
	for name := range w.delivered {
		if _, ok := present[name]; !ok {
			delete(w.delivered, name)
		}
	}
	w.mu.Unlock()

	for _, name := range names {
		select {
		case <-w.stop:
			return
		default:
		}
		w.deliver(name)
	}
}

func (w *Watcher) deliver(name string) {
	ts, ok := event.ParseFileTimestamp(name)
	if !ok {
		return
	}
	if ts < w.floor {
		return
	}

	w.mu.Lock()
	if _, seen := w.delivered[name]; seen {
		w.mu.Unlock()
		return
	}
	w.delivered[name] = struct{}{}
	w.mu.Unlock()

	path := filepath.Join(w.dir, name)
	e, err := event.ReadFile(path)
	if err != nil {
		// Malformed files are skipped, not fatal. Leave the delivered mark
		// so we don't spin on the same broken file every sweep.
		logging.Warn("skipping malformed event file", "file", name, "error", err)
		return
	}

	w.handler(e, path)
}

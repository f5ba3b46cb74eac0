package archive

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ScratchWatcher watches the scratch directory and reports, after a quiet
// period, the finished voice notes that appeared or changed. A recording
// that is still being written produces a stream of write events; the
// debounce delays reporting it until writes stop.
type ScratchWatcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	debounce time.Duration

	ready  chan []string
	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	pending map[string]time.Time

	stopOnce sync.Once
}

// NewScratchWatcher creates a watcher for dir. Start must be called before
// it emits anything.
func NewScratchWatcher(dir string, debounce time.Duration) (*ScratchWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &ScratchWatcher{
		watcher:  w,
		dir:      dir,
		debounce: debounce,
		ready:    make(chan []string, 16),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
		pending:  make(map[string]time.Time),
	}, nil
}

// Start begins watching.
func (sw *ScratchWatcher) Start() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.running {
		return fmt.Errorf("watcher already running")
	}
	if err := sw.watcher.Add(sw.dir); err != nil {
		return fmt.Errorf("failed to watch scratch directory %s: %w", sw.dir, err)
	}
	sw.running = true

	sw.wg.Add(1)
	go sw.loop()
	return nil
}

// Stop stops the watcher and closes its channels. It is safe to call more
// than once.
func (sw *ScratchWatcher) Stop() error {
	var err error
	sw.stopOnce.Do(func() {
		sw.mu.Lock()
		wasRunning := sw.running
		sw.running = false
		sw.mu.Unlock()

		close(sw.done)
		if closeErr := sw.watcher.Close(); closeErr != nil {
			err = fmt.Errorf("failed to close watcher: %w", closeErr)
		}
		if wasRunning {
			sw.wg.Wait()
		}
		close(sw.ready)
		close(sw.errors)
	})
	return err
}

// Ready emits batches of scratch paths that have been quiet for the
// debounce period. Closed by Stop.
func (sw *ScratchWatcher) Ready() <-chan []string { return sw.ready }

// Errors emits watcher errors. Closed by Stop.
func (sw *ScratchWatcher) Errors() <-chan error { return sw.errors }

func (sw *ScratchWatcher) loop() {
	defer sw.wg.Done()

	ticker := time.NewTicker(sw.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-sw.done:
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if !IsAudioFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			sw.mu.Lock()
			sw.pending[event.Name] = time.Now()
			sw.mu.Unlock()

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case sw.errors <- err:
			default:
			}

		case <-ticker.C:
			if batch := sw.flush(time.Now()); len(batch) > 0 {
				select {
				case sw.ready <- batch:
				case <-sw.done:
					return
				}
			}
		}
	}
}

// flush removes and returns the paths whose last event is older than the
// debounce period.
func (sw *ScratchWatcher) flush(now time.Time) []string {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	var batch []string
	for p, last := range sw.pending {
		if now.Sub(last) >= sw.debounce {
			batch = append(batch, p)
			delete(sw.pending, p)
		}
	}
	return batch
}

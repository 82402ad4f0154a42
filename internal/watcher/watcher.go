// Package watcher monitors the daemon configuration file and signals
// when its content actually changes.
package watcher

import (
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Change reports one observed configuration change.
type Change struct {
	Path      string
	Hash      [32]byte
	Size      int64
	Timestamp time.Time
}

// Watcher watches a single file through its parent directory, which
// also catches the write-temp-then-rename dance editors and config
// management tools do.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	debounce  time.Duration

	mu       sync.Mutex
	dirtyAt  time.Time
	lastHash [32]byte

	changes chan Change
	errors  chan error

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher for the given file. The debounce interval is
// how long the file must sit unchanged before a change is reported.
func New(path string, debounce time.Duration) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = time.Second
	}

	w := &Watcher{
		fsWatcher: fsWatcher,
		path:      absPath,
		debounce:  debounce,
		changes:   make(chan Change, 8),
		errors:    make(chan error, 8),
		done:      make(chan struct{}),
	}

	// Seed the hash so an unchanged file never fires on startup. A
	// missing file is fine; the first write will be reported.
	if hash, _, err := HashFile(absPath); err == nil {
		w.lastHash = hash
	}

	return w, nil
}

// Changes returns the channel of debounced configuration changes.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Errors returns the channel of watch errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Path returns the watched file path.
func (w *Watcher) Path() string {
	return w.path
}

// Start begins watching.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()
	return nil
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	close(w.changes)
	close(w.errors)
	return w.fsWatcher.Close()
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.mu.Lock()
			w.dirtyAt = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.checkSettled(now)
		}
	}
}

// checkSettled reports the change once the file has sat unchanged for
// the debounce interval and its content actually differs.
func (w *Watcher) checkSettled(now time.Time) {
	w.mu.Lock()
	dirtyAt := w.dirtyAt
	w.mu.Unlock()

	if dirtyAt.IsZero() || now.Sub(dirtyAt) < w.debounce {
		return
	}

	hash, size, err := HashFile(w.path)
	if err != nil {
		// Mid-rename or deleted; wait for the next event.
		w.mu.Lock()
		w.dirtyAt = time.Time{}
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	w.dirtyAt = time.Time{}
	unchanged := hash == w.lastHash
	w.lastHash = hash
	w.mu.Unlock()

	if unchanged {
		return
	}

	select {
	case w.changes <- Change{Path: w.path, Hash: hash, Size: size, Timestamp: now}:
	default:
	}
}

// HashFile computes the SHA-256 of a file without loading it whole.
func HashFile(path string) ([32]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return [32]byte{}, 0, err
	}

	var hash [32]byte
	copy(hash[:], h.Sum(nil))
	return hash, size, nil
}

package profile

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"maestro/pkg/logger"
)

const debounceDelay = 100 * time.Millisecond

// Watcher invalidates cached profiles when their files change on disk.
type Watcher struct {
	watcher  *fsnotify.Watcher
	loader   *Loader
	stopCh   chan struct{}
	debounce map[string]*time.Timer
	mu       sync.Mutex
	once     sync.Once
}

// NewWatcher creates a watcher over the loader's directory.
func NewWatcher(loader *Loader) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  w,
		loader:   loader,
		stopCh:   make(chan struct{}),
		debounce: make(map[string]*time.Timer),
	}, nil
}

// Start begins watching for profile changes.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.loader.Dir()); err != nil {
		return err
	}
	// Abilities directory may not exist yet; watch it opportunistically.
	if err := w.watcher.Add(filepath.Join(w.loader.Dir(), "abilities")); err != nil {
		logger.Debug().Err(err).Msg("abilities directory not watched")
	}
	go w.run()
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
	})
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.handleEvent(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("profile watcher error")
		}
	}
}

// handleEvent debounces bursts of events per path before invalidating.
func (w *Watcher) handleEvent(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.debounce[path]; ok {
		timer.Stop()
	}
	w.debounce[path] = time.AfterFunc(debounceDelay, func() {
		w.invalidate(path)

		w.mu.Lock()
		delete(w.debounce, path)
		w.mu.Unlock()
	})
}

// invalidate maps a changed file to the cached profiles it affects.
// Ability edits can affect any profile, so they clear the whole cache.
func (w *Watcher) invalidate(path string) {
	base := filepath.Base(path)
	if strings.HasSuffix(base, ".md") {
		w.loader.Invalidate("")
		logger.Debug().Str("file", base).Msg("ability changed, profile cache cleared")
		return
	}
	if strings.HasSuffix(base, ".yaml") {
		name := strings.TrimSuffix(base, ".yaml")
		w.loader.Invalidate(name)
		logger.Debug().Str("profile", name).Msg("profile cache invalidated")
	}
}

package authz

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// PolicyWatcher reloads a checker's blacklist from a JSON file whenever
// the file changes on disk. The file maps identity to a list of denied
// tool names.
type PolicyWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	checker  *Checker
	logger   zerolog.Logger
	debounce time.Duration

	done     chan struct{}
	stopOnce sync.Once
	timerMu  sync.Mutex
	timer    *time.Timer
}

// NewPolicyWatcher creates a watcher for the blacklist file at path.
// The file is loaded once up front so a bad path fails fast.
func NewPolicyWatcher(path string, checker *Checker, logger zerolog.Logger) (*PolicyWatcher, error) {
	blacklist, err := loadBlacklist(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load blacklist: %w", err)
	}
	checker.ReplaceBlacklist(blacklist)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &PolicyWatcher{
		watcher:  watcher,
		path:     path,
		checker:  checker,
		logger:   logger,
		debounce: 100 * time.Millisecond,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the blacklist file's directory. Watching the
// directory rather than the file survives editors that rename on save.
func (w *PolicyWatcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}
	go w.loop()
	return nil
}

// Stop shuts the watcher down. Safe to call more than once.
func (w *PolicyWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}

func (w *PolicyWatcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// scheduleReload debounces bursts of write events into one reload.
func (w *PolicyWatcher) scheduleReload() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *PolicyWatcher) reload() {
	blacklist, err := loadBlacklist(w.path)
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("Failed to reload blacklist, keeping previous policy")
		return
	}
	w.checker.ReplaceBlacklist(blacklist)
	w.logger.Info().Str("path", w.path).Int("identities", len(blacklist)).Msg("Blacklist reloaded")
}

func loadBlacklist(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var blacklist map[string][]string
	if err := json.Unmarshal(data, &blacklist); err != nil {
		return nil, fmt.Errorf("invalid blacklist file: %w", err)
	}
	return blacklist, nil
}

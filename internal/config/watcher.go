package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets maps watched files to the callbacks fired when they are
// written or (re)created. The server uses it to hot-reload policies.yaml
// and to notice edits to config.yaml.
type WatchTargets struct {
	PoliciesFile     string
	OnPoliciesChange func()

	ConfigFile     string
	OnConfigChange func()
}

// Watcher monitors the directories holding the target files using fsnotify.
// Directories rather than files are watched so that editors which save by
// rename still produce events.
//
// Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	targets   map[string]func()
}

// NewWatcher starts watching. Targets with an empty path are ignored.
func NewWatcher(targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
		targets:   make(map[string]func()),
	}

	dirs := make(map[string]bool)
	for path, fn := range map[string]func(){
		targets.PoliciesFile: targets.OnPoliciesChange,
		targets.ConfigFile:   targets.OnConfigChange,
	} {
		if path == "" || fn == nil {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			fw.Close()
			return nil, fmt.Errorf("resolving %s: %w", path, err)
		}
		w.targets[abs] = fn
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watching directory %s: %w", dir, err)
		}
		slog.Info("file watcher started", "dir", dir)
	}

	go w.processEvents()
	return w, nil
}

// processEvents dispatches fsnotify events until Close() is called.
func (w *Watcher) processEvents() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Removes and renames away leave nothing to reload.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			if fn, ok := w.targets[abs]; ok {
				slog.Info("watched file changed, triggering reload", "file", filepath.Base(abs))
				fn()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}

package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds callbacks that fire when specific files change.
// The running server sets these at startup.
type WatchTargets struct {
	// Keyring is the base name of the keyring file in the watched
	// directory, e.g. "keyring.yaml".
	Keyring string

	// OnKeyringChange fires when the keyring file is written or replaced.
	// This is what makes `medledger keys rotate` take effect in a running
	// server: the CLI writes the keyring, the watcher fires, and the
	// server's Keyring reloads in memory.
	OnKeyringChange func()
}

// Watcher monitors a directory for file changes using fsnotify and fires
// the matching callback from WatchTargets.
//
// The watcher runs a background goroutine that processes fsnotify events.
// Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates a file watcher on dir.
//
// The keyring is replaced by rename, so the event that matters is a Create
// of the final name; writes to the temporary file are ignored by name.
func NewWatcher(dir string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}

	go w.processEvents(targets)

	slog.Info("file watcher started", "dir", dir)
	return w, nil
}

// processEvents reads fsnotify events and dispatches to the appropriate
// callback. Runs in a background goroutine until Close() is called.
func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			name := filepath.Base(event.Name)
			if targets.Keyring != "" && name == targets.Keyring {
				slog.Info("keyring changed, triggering reload", "file", name)
				if targets.OnKeyringChange != nil {
					targets.OnKeyringChange()
				}
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

// Close stops the file watcher goroutine and releases the underlying
// fsnotify watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}

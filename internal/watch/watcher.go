// Package watch raises reload signals when template or static files change.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"quik-go/internal/broadcast"
	"quik-go/internal/config"
	"quik-go/internal/model"
)

type root struct {
	path   string
	reason string
}

// Watcher watches directory trees and notifies once per burst of changes.
type Watcher struct {
	roots    []root
	debounce time.Duration
	notifier broadcast.Notifier
	logger   *slog.Logger

	mu   sync.Mutex
	fs   *fsnotify.Watcher
	done chan struct{}
}

// New creates a Watcher for the template and static directories in cfg.Watch.
func New(cfg *config.Config, n broadcast.Notifier, logger *slog.Logger) *Watcher {
	w := &Watcher{
		debounce: cfg.Watch.Debounce(),
		notifier: n,
		logger:   logger.With("component", "file_watcher"),
	}
	for _, p := range cfg.Watch.Templates {
		w.roots = append(w.roots, root{path: filepath.Clean(p), reason: model.ReasonTemplateChange})
	}
	for _, p := range cfg.Watch.Static {
		w.roots = append(w.roots, root{path: filepath.Clean(p), reason: model.ReasonStaticChange})
	}
	return w
}

// Start begins watching. Roots that do not exist are skipped with a warning.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}

	watched := 0
	for _, r := range w.roots {
		if err := addTree(fw, r.path); err != nil {
			w.logger.Warn("not watching directory", "path", r.path, "err", err)
			continue
		}
		watched++
		w.logger.Info("watching directory", "path", r.path, "reason", r.reason)
	}

	w.mu.Lock()
	w.fs = fw
	w.done = make(chan struct{})
	w.mu.Unlock()

	if watched == 0 {
		w.logger.Warn("file watcher has no directories to watch")
	}

	go w.run(ctx, fw, w.done)
	return nil
}

// Stop ends the watch loop and releases the fsnotify watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	fw, done := w.fs, w.done
	w.fs = nil
	w.mu.Unlock()

	if fw == nil {
		return nil
	}
	err := fw.Close()
	<-done
	if err != nil {
		return fmt.Errorf("close fsnotify watcher: %w", err)
	}
	return nil
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	pending := ""
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !hidden(ev.Name) {
					if err := addTree(fw, ev.Name); err != nil {
						w.logger.Debug("watching new directory failed", "path", ev.Name, "err", err)
					}
				}
			}
			if !relevant(ev) {
				continue
			}
			reason := w.reasonFor(ev.Name)
			w.logger.Debug("file event", "path", ev.Name, "op", ev.Op.String(), "reason", reason)

			// A template change outranks a static change within one burst.
			if pending != model.ReasonTemplateChange {
				pending = reason
			}
			timer.Reset(w.debounce)

		case <-timer.C:
			if pending == "" {
				continue
			}
			w.notifier.NotifyChange(pending)
			pending = ""

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", "err", err)
		}
	}
}

// reasonFor returns the reason of the most specific root containing path.
func (w *Watcher) reasonFor(path string) string {
	reason, best := model.ReasonStaticChange, -1
	for _, r := range w.roots {
		rel, err := filepath.Rel(r.path, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if len(r.path) > best {
			reason, best = r.reason, len(r.path)
		}
	}
	return reason
}

// relevant filters out attribute-only changes and editor scratch files.
func relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	name := filepath.Base(ev.Name)
	if hidden(ev.Name) || strings.HasSuffix(name, "~") {
		return false
	}
	switch filepath.Ext(name) {
	case ".swp", ".swx", ".tmp":
		return false
	}
	return true
}

func hidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

// addTree watches dir and every non-hidden directory below it.
func addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && hidden(path) {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

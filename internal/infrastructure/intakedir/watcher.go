// Package intakedir turns filesystem events on the intake folder into scan triggers.
package intakedir

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	gocache "github.com/patrickmn/go-cache"
)

// Watcher reports a file once it has been quiet for the settle window, so a large copy
// triggers one scan when it completes instead of one per write.
type Watcher struct {
	dir     string
	settle  time.Duration
	watcher *fsnotify.Watcher
	pending *gocache.Cache
}

func New(dir string, settle time.Duration) (*Watcher, error) {
	if settle <= 0 {
		settle = 2 * time.Second
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create intake watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch intake dir %s: %w", dir, err)
	}
	return &Watcher{
		dir:     dir,
		settle:  settle,
		watcher: fw,
		pending: gocache.New(settle, settle/2),
	}, nil
}

// Run blocks until ctx is done, calling onReady with the base name of each settled file.
func (w *Watcher) Run(ctx context.Context, onReady func(name string)) error {
	w.pending.OnEvicted(func(name string, _ any) {
		if ctx.Err() != nil {
			return
		}
		onReady(name)
	})
	defer func() {
		w.pending.Flush()
		_ = w.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(event.Name)
			if strings.HasPrefix(name, ".") {
				continue
			}
			// every event restarts the settle window
			w.pending.SetDefault(name, struct{}{})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("intake_watch_error", "dir", w.dir, "error", err)
		}
	}
}

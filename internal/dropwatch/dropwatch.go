// Package dropwatch starts uploads for G-code files dropped into a folder.
// Files under print/ are streamed as direct prints, files under upload/ are
// stored on the controller. A consumed file is removed.
package dropwatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"

	"reprapctl/internal/model"
	"reprapctl/internal/panel"
	"reprapctl/internal/stream"
)

// Starter is the engine intent the watcher drives.
type Starter interface {
	StartUpload(ctx context.Context, name string, data []byte, mode model.JobMode) (panel.JobView, error)
}

const (
	printDir  = "print"
	uploadDir = "upload"
)

type Watcher struct {
	dir     string
	settle  time.Duration
	retry   time.Duration
	starter Starter
	logger  hclog.Logger

	pending  map[string]*time.Timer
	ready    chan string
	watching chan struct{}
}

// New watches dir. settle is how long a file must stay unchanged before it
// is read.
func New(dir string, settle time.Duration, starter Starter, logger hclog.Logger) *Watcher {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Watcher{
		dir:      dir,
		settle:   settle,
		retry:    max(4*settle, time.Second),
		starter:  starter,
		logger:   logger,
		pending:  make(map[string]*time.Timer),
		ready:    make(chan string, 16),
		watching: make(chan struct{}),
	}
}

// Run watches until ctx is cancelled. Files already present are picked up
// first.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	for _, sub := range []string{printDir, uploadDir} {
		path := filepath.Join(w.dir, sub)
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("create drop directory: %w", err)
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return fmt.Errorf("scan %s: %w", path, err)
		}
		for _, e := range entries {
			if e.Type().IsRegular() {
				w.schedule(ctx, filepath.Join(path, e.Name()), w.settle)
			}
		}
	}
	w.logger.Info("watching drop folder", "dir", w.dir)
	close(w.watching)

	defer func() {
		for _, t := range w.pending {
			t.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.logger.Trace("fsnotify event", "op", event.Op.String(), "file", event.Name)
				w.schedule(ctx, event.Name, w.settle)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("fsnotify error", "error", err)
		case path := <-w.ready:
			delete(w.pending, path)
			w.consume(ctx, path)
		}
	}
}

// Watching is closed once both folders are watched.
func (w *Watcher) Watching() <-chan struct{} { return w.watching }

// schedule (re)arms the settle timer for path.
func (w *Watcher) schedule(ctx context.Context, path string, after time.Duration) {
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(after, func() {
		select {
		case w.ready <- path:
		case <-ctx.Done():
		}
	})
}

func (w *Watcher) consume(ctx context.Context, path string) {
	mode := model.StoreOnly
	if filepath.Base(filepath.Dir(path)) == printDir {
		mode = model.DirectPrint
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("read dropped file", "file", path, "error", err)
		}
		return
	}

	job, err := w.starter.StartUpload(ctx, filepath.Base(path), data, mode)
	switch {
	case err == nil:
		metrics.IncrCounter([]string{"dropwatch", "started"}, 1)
		w.logger.Info("dropped file started", "file", path, "job", job.ID, "mode", mode)
		if err := os.Remove(path); err != nil {
			w.logger.Warn("remove consumed file", "file", path, "error", err)
		}
	case errors.Is(err, stream.ErrMalformedFile):
		metrics.IncrCounter([]string{"dropwatch", "rejected"}, 1)
		w.logger.Warn("dropped file rejected", "file", path, "error", err)
	case ctx.Err() != nil:
	default:
		w.logger.Debug("dropped file deferred", "file", path, "error", err)
		w.schedule(ctx, path, w.retry)
	}
}

// Package watch runs a debounced fsnotify loop over a set of directories.
// Editors write files in several steps; handlers see one call per file per
// burst and should stat the file themselves rather than trust the op.
package watch

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/keithlinneman/sitekit/internal/log"
	"github.com/keithlinneman/sitekit/internal/xerrors"
)

const DefaultDebounce = 100 * time.Millisecond

// Func receives the cleaned path of a file that changed.
type Func func(ctx context.Context, path string)

type Options struct {
	// Debounce is how long a file must be quiet before Func runs. default: 100ms
	Debounce time.Duration
	// Match filters paths before debouncing. default: all paths
	Match  func(path string) bool
	Logger log.Logger
}

// Start watches dirs (not recursively) until ctx is done. It returns once the
// watcher is set up; errors after that are logged.
func Start(ctx context.Context, dirs []string, opts Options, fn Func) error {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	opts.Logger = log.OrNop(opts.Logger)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return xerrors.Wrap(err, "create watcher")
	}
	for _, d := range dirs {
		if err := w.Add(d); err != nil {
			_ = w.Close()
			return xerrors.Wrapf(err, "watch %s", d)
		}
	}

	l := &loop{opts: opts, fn: fn, timers: make(map[string]*time.Timer)}
	go l.run(ctx, w)
	return nil
}

type loop struct {
	opts Options
	fn   Func

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func (l *loop) run(ctx context.Context, w *fsnotify.Watcher) {
	defer func() {
		_ = w.Close()
		l.mu.Lock()
		for _, t := range l.timers {
			t.Stop()
		}
		l.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			name := filepath.Clean(ev.Name)
			if l.opts.Match != nil && !l.opts.Match(name) {
				continue
			}
			l.schedule(ctx, name)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.opts.Logger.Warn(ctx, "file watcher error", "error", err)
		}
	}
}

func (l *loop) schedule(ctx context.Context, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers[name]; ok {
		t.Stop()
	}
	l.timers[name] = time.AfterFunc(l.opts.Debounce, func() {
		l.mu.Lock()
		delete(l.timers, name)
		l.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		l.fn(ctx, name)
	})
}

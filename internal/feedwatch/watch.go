// Package feedwatch notifies the relay when feed credential files change on
// disk.
package feedwatch

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events editors and sync tools
// produce for one logical change.
const DefaultDebounce = 250 * time.Millisecond

type Watcher struct {
	fs       *fsnotify.Watcher
	files    map[string]struct{}
	debounce time.Duration
	onChange func(path string)

	closeOnce sync.Once
	done      chan struct{}
}

// Watch calls onChange once per debounced burst of writes, creates, removes
// or renames of any of paths. The parent directories are watched so files
// that are replaced or do not exist yet are still tracked. It returns nil
// when no path is given. The watcher stops when ctx is done or Close is
// called.
func Watch(ctx context.Context, debounce time.Duration, onChange func(path string), paths ...string) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	files := make(map[string]struct{})
	dirs := make(map[string]struct{})
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			slog.Error("feedwatch: resolve path", "path", p, "err", err)
			continue
		}
		files[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	if len(files) == 0 {
		return nil, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	added := false
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			slog.Error("feedwatch: watch add", "dir", dir, "err", err)
			continue
		}
		added = true
	}
	if !added {
		fw.Close()
		return nil, nil
	}

	w := &Watcher{
		fs:       fw,
		files:    files,
		debounce: debounce,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	go w.loop(ctx)
	return w, nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	defer w.fs.Close()

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()
	pending := ""

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if _, tracked := w.files[filepath.Clean(ev.Name)]; !tracked {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending = ev.Name
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(w.debounce)
		case <-debounce.C:
			slog.Info("feedwatch: file changed", "path", pending)
			if w.onChange != nil {
				w.onChange(pending)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Error("feedwatch: watch error", "err", err)
		}
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	var err error
	w.closeOnce.Do(func() {
		err = w.fs.Close()
	})
	<-w.done
	return err
}

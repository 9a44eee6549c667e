package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/AmenZhou/shelfsync/internal/logger"
)

// pauseWatcher tracks the supervisor's pause flag file through filesystem
// events, so the worker notices a pause without stat-ing every loop.
type pauseWatcher struct {
	flag    string
	watcher *fsnotify.Watcher
	set     atomic.Bool
}

// watchPauseFlag starts watching the directory containing flag. The watcher
// stops when ctx is canceled.
func watchPauseFlag(ctx context.Context, flag string) (*pauseWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(flag)); err != nil {
		_ = w.Close()
		return nil, err
	}

	pw := &pauseWatcher{flag: flag, watcher: w}
	if _, err := os.Stat(flag); err == nil {
		pw.set.Store(true)
	}

	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != pw.flag {
					continue
				}
				switch {
				case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write):
					pw.set.Store(true)
				case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
					pw.set.Store(false)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.WarnCtx(ctx, "pause flag watcher error", logger.Err(err))
			}
		}
	}()
	return pw, nil
}

func (pw *pauseWatcher) paused() bool {
	return pw.set.Load()
}

package config

import (
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	logx "taskd/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

const (
	watchDebounce   = 250 * time.Millisecond
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// Watch reloads the config whenever its file changes, until ctx ends.
// The directory is watched so editors that replace the file by rename are
// seen. A broken watcher is recreated with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	backoff := watchBackoffMin

	for ctx.Err() == nil {
		w, err := newDirWatcher(dir)
		if err != nil {
			m.log.Warn("config watch setup failed", logx.String("dir", dir), logx.Err(err))
		} else {
			backoff = watchBackoffMin
			m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))
			m.watchLoop(ctx, w, file)
			_ = w.Close()
		}
		if ctx.Err() != nil {
			break
		}

		wait := backoff + time.Duration(rand.Int63n(int64(backoff/2+1)))
		backoff = min(backoff*2, watchBackoffMax)
		m.log.Warn("config watcher restarting", logx.String("dir", dir), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

func newDirWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// watchLoop returns when ctx ends or the watcher breaks.
func (m *ConfigManager) watchLoop(ctx context.Context, w *fsnotify.Watcher, file string) {
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op != 0 {
				debounce.Reset(watchDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if err == nil {
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "overflow") {
				// Events may be lost; reload once to catch up.
				debounce.Reset(watchDebounce)
			} else if strings.Contains(msg, "closed") {
				return
			}
		case <-debounce.C:
			published, err := m.Reload(ctx)
			switch {
			case err != nil:
				m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
			case published:
				m.log.Info("config change published", logx.String("path", m.path))
			}
		}
	}
}

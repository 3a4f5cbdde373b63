package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchConfig reloads filename whenever it changes on disk and hands each
// successfully parsed result to onChange. Editors and config mounters tend
// to replace the file rather than rewrite it in place, so the watch sits on
// the parent directory and events are debounced for 250ms to let the write
// settle. A reload that fails to parse is logged and dropped; onChange only
// ever sees a config that loaded cleanly.
//
// Blocks until ctx is cancelled.
func WatchConfig(ctx context.Context, filename string, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(filename)
	base := filepath.Base(filename)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			cfg, err := LoadConfig(filename)
			if err != nil {
				slog.Warn("config reload failed, keeping previous", "path", filename, "error", err)
				return
			}
			onChange(cfg)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			// Compare by basename; rename-and-replace reports the temp name too.
			if !strings.EqualFold(filepath.Base(ev.Name), base) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				reload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watch error", "error", err)
		}
	}
}

package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartWatcher starts a background goroutine that checks the config file
// for changes every interval and reloads it if modified. Kept as a slow,
// always-correct fallback alongside StartFsnotifyWatcher, which reacts
// immediately but depends on the host OS delivering filesystem events.
func StartWatcher(ctx context.Context, filePath string, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reloadIfChanged(filePath)
			}
		}
	}()
}

// StartFsnotifyWatcher watches the directory containing filePath and
// reloads as soon as an event for that file arrives. Editors typically
// replace a config file via rename-into-place, which is why the parent
// directory is watched rather than the file itself — a watch on the file
// handle would go stale across a rename. Failure to start the watcher
// (e.g. inotify limits exhausted) is logged and is not fatal: the polling
// watcher still covers reloads.
func StartFsnotifyWatcher(ctx context.Context, filePath string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("fsnotify watcher unavailable, relying on polling reload", "error", err)
		return
	}

	dir := filepath.Dir(filePath)
	if err := watcher.Add(dir); err != nil {
		slog.Warn("fsnotify watch add failed, relying on polling reload", "dir", dir, "error", err)
		watcher.Close()
		return
	}

	target := filepath.Clean(filePath)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					reloadIfChanged(filePath)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("fsnotify watcher error", "error", err)
			}
		}
	}()
}

func reloadIfChanged(filePath string) {
	current := Get()
	if current == nil {
		return
	}
	info, err := os.Stat(filePath)
	if err != nil {
		return
	}
	if !info.ModTime().After(current.modTime) {
		return
	}
	newCfg, err := Load(filePath)
	if err != nil {
		slog.Error("config reload failed", "error", err)
		return
	}
	globalConfig.Store(newCfg)
	slog.Info("config reloaded", "file", filePath)
}

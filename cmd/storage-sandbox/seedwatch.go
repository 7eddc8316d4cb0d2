package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"github.com/saber71/backend-storage/pkg/storage/mock"
)

// watchSeed reloads the seed file into server whenever it is written or
// replaced. The parent directory is watched so editors that rename over the
// file are picked up too.
func watchSeed(ctx context.Context, server *mock.Server, path string, logger pslog.Logger) (func() error, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("watch seed: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch seed: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch seed %s: %w", abs, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if err := loadSeed(server, abs); err != nil {
					logger.Warn("sandbox.seed.reload_failed", "path", abs, "error", err)
					continue
				}
				logger.Info("sandbox.seed.reloaded", "path", abs)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("sandbox.seed.watch_error", "error", err)
			}
		}
	}()

	return func() error {
		err := watcher.Close()
		<-done
		return err
	}, nil
}

package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadKind names the file that changed.
type ReloadKind string

const (
	ReloadConfig ReloadKind = "config"
	ReloadPolicy ReloadKind = "policy"
)

type ReloadEvent struct {
	Kind ReloadKind
	Path string
	Op   fsnotify.Op
}

// Watcher reports writes to config.yaml and policy.yaml. It watches the home
// directory rather than the files so editors that replace files on save
// are still observed.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

// Events is closed once the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	kinds := map[string]ReloadKind{
		ConfigFileName: ReloadConfig,
		PolicyFileName: ReloadPolicy,
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				kind, watched := kinds[filepath.Base(ev.Name)]
				if !watched {
					continue
				}
				select {
				case w.events <- ReloadEvent{Kind: kind, Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "kind", string(kind), "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

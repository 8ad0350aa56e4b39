package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

type command int

const (
	cmdStart command = iota
	cmdStop
	cmdToggle
)

func (c command) String() string {
	switch c {
	case cmdStart:
		return "start"
	case cmdStop:
		return "stop"
	default:
		return "toggle"
	}
}

// triggerWatcher turns files created in a directory into commands: creating
// "start", "stop" or "toggle" issues that command and the file is removed so
// it can be created again.
type triggerWatcher struct {
	w   *fsnotify.Watcher
	dir string
	log *slog.Logger
}

func newTriggerWatcher(dir string, log *slog.Logger) (*triggerWatcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("trigger dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("trigger watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("trigger watcher: %w", err)
	}
	return &triggerWatcher{w: w, dir: dir, log: log}, nil
}

// run forwards commands until ctx is done, then closes the watcher.
func (t *triggerWatcher) run(ctx context.Context, out chan<- command) {
	defer t.w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-t.w.Events:
			if !ok {
				return
			}
			cmd, ok := classifyTrigger(ev)
			if !ok {
				continue
			}
			if err := os.Remove(ev.Name); err != nil && !os.IsNotExist(err) {
				t.log.Warn("removing trigger file failed", "path", ev.Name, "error", err)
			}
			t.log.Info("trigger received", "command", cmd.String())
			select {
			case out <- cmd:
			case <-ctx.Done():
				return
			}
		case err, ok := <-t.w.Errors:
			if !ok {
				return
			}
			t.log.Warn("trigger watcher error", "error", err)
		}
	}
}

func classifyTrigger(ev fsnotify.Event) (command, bool) {
	if !ev.Has(fsnotify.Create) {
		return 0, false
	}
	switch filepath.Base(ev.Name) {
	case "start":
		return cmdStart, true
	case "stop":
		return cmdStop, true
	case "toggle":
		return cmdToggle, true
	}
	return 0, false
}

package filedb

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"dcindex/internal/debuglog"
	"dcindex/internal/index"
)

var debounceDelay = 2 * time.Second

// Watch rebuilds the database whenever new listings land in dir, and on a
// fixed interval as a fallback. The bot renames listings into place, which
// arrives as a create event; bursts of downloads are debounced so one
// rebuild covers them all.
func Watch(ctx context.Context, dir string, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}

	if err := Rebuild(dir); err != nil {
		debuglog.Logf("filedb: initial rebuild failed: %v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !interesting(ev) {
				continue
			}
			debuglog.Debugf("filedb: change %s, rebuild in %s", ev, debounceDelay)
			debounce.Reset(debounceDelay)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			debuglog.Logf("filedb: watch error: %v", err)
		case <-debounce.C:
			if err := Rebuild(dir); err != nil {
				debuglog.Logf("filedb: rebuild failed: %v", err)
			}
		case <-ticker.C:
			if err := Rebuild(dir); err != nil {
				debuglog.Logf("filedb: rebuild failed: %v", err)
			}
		}
	}
}

func interesting(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	// Completed listings and index updates both arrive by rename.
	return strings.HasSuffix(ev.Name, ".xml.bz2") || strings.HasSuffix(ev.Name, index.FileName)
}

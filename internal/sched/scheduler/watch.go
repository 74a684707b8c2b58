package scheduler

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/xinlaoda/spoold/internal/job"
)

// watch triggers a rescan whenever a hold file or the control file in the
// spool directory changes. Closing the watcher stops it.
func (s *Scheduler) watch() (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(s.q.SpoolDir()); err != nil {
		w.Close()
		return nil, err
	}

	control := filepath.Base(s.q.ControlPath())
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if relevant(ev, control) {
					s.Trigger()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("spool watch error", zap.Error(err))
			}
		}
	}()
	return w, nil
}

func relevant(ev fsnotify.Event, control string) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
		return false
	}
	base := filepath.Base(ev.Name)
	if base == control {
		return true
	}
	_, ok := job.ParseHoldName(base)
	return ok
}

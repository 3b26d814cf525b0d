package tasks

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"wormflow/internal/fsutil"
)

// RecordingEvent represents a recording appearing or changing under the
// input root.
type RecordingEvent struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified", "deleted"
	Time      time.Time `json:"time"`
	Size      int64     `json:"size"`
}

// RecordingWatcher monitors the input root for new recordings. The
// microscope writes into dated subdirectories, so directories created under
// the root are watched as they appear.
type RecordingWatcher struct {
	watcher *fsnotify.Watcher
	Events  chan RecordingEvent
	root    string
	done    chan bool
}

// NewRecordingWatcher creates a watcher over the input root.
func NewRecordingWatcher(root string) (*RecordingWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &RecordingWatcher{
		watcher: watcher,
		Events:  make(chan RecordingEvent, 100),
		root:    root,
		done:    make(chan bool),
	}, nil
}

// Start begins monitoring the input root and its existing subdirectories.
func (rw *RecordingWatcher) Start() error {
	err := filepath.WalkDir(rw.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return rw.watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("watching input root", "root", rw.root)

	go rw.processEvents()
	return nil
}

// Stop stops the watcher. The event loop closes Events on its way out, so
// readers draining the channel terminate cleanly.
func (rw *RecordingWatcher) Stop() error {
	close(rw.done)
	return rw.watcher.Close()
}

func (rw *RecordingWatcher) processEvents() {
	defer close(rw.Events)
	for {
		select {
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}

			var operation string
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				operation = "created"
			case event.Op&fsnotify.Write == fsnotify.Write:
				operation = "modified"
			case event.Op&fsnotify.Remove == fsnotify.Remove:
				operation = "deleted"
			case event.Op&fsnotify.Rename == fsnotify.Rename:
				operation = "renamed"
			default:
				continue
			}

			// New directories get watched so recordings inside them are seen.
			if operation == "created" {
				if st, err := os.Stat(event.Name); err == nil && st.IsDir() {
					if err := rw.watcher.Add(event.Name); err != nil {
						slog.Error("failed to watch new directory", "dir", event.Name, "error", err)
					}
					continue
				}
			}

			if !fsutil.IsRecordingFile(event.Name) {
				continue
			}

			var size int64
			if operation != "deleted" {
				if st, err := os.Stat(event.Name); err == nil {
					size = st.Size()
				}
			}

			ev := RecordingEvent{
				Path:      event.Name,
				Operation: operation,
				Time:      time.Now(),
				Size:      size,
			}
			select {
			case rw.Events <- ev:
			default:
				slog.Warn("event buffer full, dropping event", "path", event.Name)
			}

		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("recording watcher error", "error", err)

		case <-rw.done:
			return
		}
	}
}

package tasks

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRecordingWatcherSeesNewRecordings(t *testing.T) {
	root := t.TempDir()
	rw, err := NewRecordingWatcher(root)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	if err := rw.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer rw.Stop()

	path := filepath.Join(root, "plate01.nd2")
	if err := os.WriteFile(path, []byte("raw"), 0o644); err != nil {
		t.Fatalf("failed to write recording: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-rw.Events:
			if ev.Path == path && ev.Operation == "created" {
				return
			}
		case <-deadline:
			t.Fatalf("no create event for %s", path)
		}
	}
}

func TestRecordingWatcherStopClosesEvents(t *testing.T) {
	root := t.TempDir()
	rw, err := NewRecordingWatcher(root)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	if err := rw.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}

	// Keep producing events while shutting down; the event loop must exit
	// and close the channel without a send-on-closed panic.
	stopWriting := make(chan struct{})
	go func() {
		for {
			select {
			case <-stopWriting:
				return
			default:
			}
			name := filepath.Join(root, "rec"+time.Now().Format("150405.000000000")+".nd2")
			_ = os.WriteFile(name, []byte("raw"), 0o644)
		}
	}()
	defer close(stopWriting)

	if err := rw.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		for range rw.Events {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Events channel did not close after Stop")
	}
}

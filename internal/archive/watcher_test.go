package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestScratchWatcher_ReportsAudioAfterQuietPeriod(t *testing.T) {
	dir := t.TempDir()
	sw, err := NewScratchWatcher(dir, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("NewScratchWatcher failed: %v", err)
	}
	if err := sw.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sw.Stop()

	audio := filepath.Join(dir, "note.m4a")
	if err := os.WriteFile(audio, []byte("voice"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case batch := <-sw.Ready():
		if len(batch) != 1 || batch[0] != audio {
			t.Errorf("Expected [%s], got %v", audio, batch)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for the audio file")
	}

	select {
	case batch := <-sw.Ready():
		t.Errorf("Unexpected second batch %v", batch)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestScratchWatcher_StartTwice(t *testing.T) {
	sw, err := NewScratchWatcher(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewScratchWatcher failed: %v", err)
	}
	if err := sw.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := sw.Start(); err == nil {
		t.Error("Expected an error on second Start")
	}
	if err := sw.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := sw.Stop(); err != nil {
		t.Errorf("Second Stop failed: %v", err)
	}
	if _, ok := <-sw.Ready(); ok {
		t.Error("Expected Ready to be closed after Stop")
	}
}

func TestScratchWatcher_MissingDir(t *testing.T) {
	sw, err := NewScratchWatcher(filepath.Join(t.TempDir(), "absent"), time.Second)
	if err != nil {
		t.Fatalf("NewScratchWatcher failed: %v", err)
	}
	defer sw.Stop()
	if err := sw.Start(); err == nil {
		t.Error("Expected an error watching a missing directory")
	}
}

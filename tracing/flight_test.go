package tracing

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFlightRecorderWithoutStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flight.out")
	if err := WriteFlightRecorder(path); err != nil {
		t.Fatalf("WriteFlightRecorder() returned error without recorder: %v", err)
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatal("expected no file to be written when recorder is disabled")
	}
}

func TestFlightRecorderWindow(t *testing.T) {
	if err := StartFlightRecorder(0, 0); err != nil {
		t.Skipf("flight recorder unavailable: %v", err)
	}
	defer StopFlightRecorder()
	if err := StartFlightRecorder(0, 0); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}

	path := filepath.Join(t.TempDir(), "flight.out")
	if err := WriteFlightRecorder(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("flight recorder wrote an empty window")
	}
}

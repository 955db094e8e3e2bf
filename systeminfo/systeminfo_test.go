package systeminfo

import (
	"os"
	"testing"

	"calltrace/logger"
)

func init() {
	logger.Init("error")
}

func TestSelf(t *testing.T) {
	info, err := Self()
	if err != nil {
		t.Fatalf("self: %v", err)
	}
	if info.PID != int32(os.Getpid()) {
		t.Fatalf("pid = %d, want %d", info.PID, os.Getpid())
	}
	if info.Name == "" {
		t.Fatal("empty process name")
	}
}

func TestDescribeMissingProcess(t *testing.T) {
	if _, err := Describe(-1); err == nil {
		t.Fatal("expected error for invalid pid")
	}
}

func TestHost(t *testing.T) {
	h := Host()
	if h.OSVersion == "" || h.NumCPU <= 0 {
		t.Fatalf("unexpected host info %+v", h)
	}
}

func TestOSVersion(t *testing.T) {
	if got := osVersion("ubuntu", "24.04"); got != "ubuntu 24.04" {
		t.Fatalf("got %q", got)
	}
	if got := osVersion("", ""); got != "" {
		t.Fatalf("got %q", got)
	}
}

//go:build !trace

package tracing

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestTraceStubNoOps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.out")
	if err := Start(path); err != nil {
		t.Fatalf("Start() returned error: %v", err)
	}
	Stop()
	if _, err := os.Stat(path); err == nil {
		t.Fatal("stub tracing should not create a file")
	}

	ctx, endTask := StartTask(context.Background(), "unit-test-task")
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	endTask()

	endRegion := StartRegion(ctx, "unit-test-region")
	endRegion()

	Log(ctx, "category", "message")
}

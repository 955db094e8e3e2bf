package recorder

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cespare/xxhash/v2"
	"lukechampine.com/blake3"

	"calltrace/event"
)

func TestChecksumSidecar(t *testing.T) {
	for _, algo := range []string{ChecksumXXHash, ChecksumBlake3, ChecksumSHA256} {
		t.Run(algo, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "trace.json")
			r, err := Open(path, Options{Checksum: algo})
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			for i := range 3 {
				if err := r.Record(sampleEvent(event.Call, "f", int64(i+1))); err != nil {
					t.Fatalf("record: %v", err)
				}
			}
			if err := r.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			var want string
			switch algo {
			case ChecksumXXHash:
				h := xxhash.New()
				h.Write(data)
				want = hex.EncodeToString(h.Sum(nil))
			case ChecksumBlake3:
				sum := blake3.Sum256(data)
				want = hex.EncodeToString(sum[:])
			case ChecksumSHA256:
				sum := sha256.Sum256(data)
				want = hex.EncodeToString(sum[:])
			}
			if got := r.Stats().Digest; got != want {
				t.Fatalf("digest = %s, want %s", got, want)
			}

			sidecar, err := os.ReadFile(sidecarPath(path, algo))
			if err != nil {
				t.Fatalf("read sidecar: %v", err)
			}
			if got := strings.TrimSpace(string(sidecar)); got != want+"  trace.json" {
				t.Fatalf("unexpected sidecar %q", got)
			}
		})
	}
}

func TestUnknownChecksumRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.json")
	if _, err := Open(path, Options{Checksum: "md4"}); err == nil {
		t.Fatal("expected error for unknown checksum")
	}
}

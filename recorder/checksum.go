package recorder

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"lukechampine.com/blake3"
)

// Checksum algorithms accepted by Options.Checksum.
const (
	// ChecksumNone disables the document digest.
	ChecksumNone = ""
	// ChecksumXXHash is the fast non-cryptographic default.
	ChecksumXXHash = "xxhash"
	// ChecksumBlake3 is a cryptographic digest.
	ChecksumBlake3 = "blake3"
	// ChecksumSHA256 is for tools that only understand SHA-256.
	ChecksumSHA256 = "sha256"
)

// newDigest returns the running hash for algo, or nil when checksums are off.
func newDigest(algo string) (hash.Hash, error) {
	switch strings.ToLower(strings.TrimSpace(algo)) {
	case ChecksumNone, "none":
		return nil, nil
	case ChecksumXXHash:
		return xxhash.New(), nil
	case ChecksumBlake3:
		return blake3.New(32, nil), nil
	case ChecksumSHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm %q", algo)
	}
}

func sidecarPath(path, algo string) string {
	return path + "." + algo
}

// writeSidecar stores "<digest>  <basename>" next to the trace, the layout
// sha256sum-style tools read.
func writeSidecar(path, algo, digest string) error {
	line := fmt.Sprintf("%s  %s\n", digest, filepath.Base(path))
	return os.WriteFile(sidecarPath(path, algo), []byte(line), 0600)
}

func hexDigest(h hash.Hash) string {
	if h == nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

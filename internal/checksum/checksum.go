// Package checksum implements C4, the ChecksumValidator: streaming
// MD5/SHA-256 compute and compare.
package checksum

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/segfetch/segfetch/internal/model"
)

const blockSize = 1024 * 1024 // 1 MiB, per spec §4.4

// ErrUnknownAlgorithm is returned for any algorithm other than md5/sha256.
var ErrUnknownAlgorithm = fmt.Errorf("checksum: unknown algorithm")

func newHasher(algo model.ChecksumAlgo) (hash.Hash, error) {
	switch algo {
	case model.ChecksumMD5:
		return md5.New(), nil
	case model.ChecksumSHA256:
		return sha256.New(), nil
	default:
		return nil, ErrUnknownAlgorithm
	}
}

// Compute streams r in 1 MiB blocks and returns the lowercase hex digest.
func Compute(r io.Reader, algo model.ChecksumAlgo) (string, error) {
	h, err := newHasher(algo)
	if err != nil {
		return "", err
	}

	buf := make([]byte, blockSize)
	// Hide any WriterTo on r so CopyBuffer actually reads through buf.
	if _, err := io.CopyBuffer(h, struct{ io.Reader }{r}, buf); err != nil {
		return "", fmt.Errorf("checksum: read stream: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeFile computes the digest of the file at path.
func ComputeFile(path string, algo model.ChecksumAlgo) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("checksum: open %s: %w", path, err)
	}
	defer f.Close()

	return Compute(f, algo)
}

// Validate reports whether the file at path's digest equals expected
// (case-insensitive).
func Validate(path, expected string, algo model.ChecksumAlgo) (bool, error) {
	actual, err := ComputeFile(path, algo)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(actual, expected), nil
}

package checksum

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/segfetch/segfetch/internal/model"
)

func TestCompute_MD5AndSHA256(t *testing.T) {
	r := strings.NewReader("hello world")
	md5sum, err := Compute(r, model.ChecksumMD5)
	if err != nil {
		t.Fatalf("compute md5: %v", err)
	}
	if md5sum != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
		t.Fatalf("unexpected md5: %s", md5sum)
	}

	sha, err := Compute(strings.NewReader("hello world"), model.ChecksumSHA256)
	if err != nil {
		t.Fatalf("compute sha256: %v", err)
	}
	if sha != "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9" {
		t.Fatalf("unexpected sha256: %s", sha)
	}
}

func TestCompute_UnknownAlgorithm(t *testing.T) {
	_, err := Compute(strings.NewReader("x"), model.ChecksumAlgo("crc32"))
	if err != ErrUnknownAlgorithm {
		t.Fatalf("expected ErrUnknownAlgorithm, got %v", err)
	}
}

func TestValidate_FileCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	if err := os.WriteFile(path, []byte("hello world"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	ok, err := Validate(path, "5EB63BBBE01EEED093CB22BB8F5ACDC3", model.ChecksumMD5)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !ok {
		t.Fatal("expected checksum to match case-insensitively")
	}

	ok, err = Validate(path, "deadbeef", model.ChecksumMD5)
	if err != nil {
		t.Fatalf("validate mismatch: %v", err)
	}
	if ok {
		t.Fatal("expected checksum mismatch to be reported")
	}
}

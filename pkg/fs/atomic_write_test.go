package fs_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chronicledb/corestore/pkg/fs"
)

const testContentHello = "hello, corestore"

func TestAtomicWriter_WriteWithDefaults_Durable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "final.txt")

	writer := fs.NewAtomicWriter(fs.NewReal())
	if err := writer.WriteWithDefaults(path, strings.NewReader(testContentHello)); err != nil {
		t.Fatalf("WriteWithDefaults: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != testContentHello {
		t.Fatalf("content=%q, want %q", string(got), testContentHello)
	}
}

func TestAtomicWriter_WriteWithDefaults_NoLeftoverTempFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "final.txt")

	writer := fs.NewAtomicWriter(fs.NewReal())
	if err := writer.WriteWithDefaults(path, strings.NewReader(testContentHello)); err != nil {
		t.Fatalf("WriteWithDefaults: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "final.txt" {
		t.Fatalf("expected only final.txt in %q, got %+v", dir, entries)
	}
}

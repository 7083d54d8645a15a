package fetch

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStore_LazyDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "http-cache")
	s := NewStore(dir, testLogger())

	if _, ok := s.Get("https://example.test/a"); ok {
		t.Fatal("unexpected hit on empty store")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("store dir created before first write: %v", err)
	}

	s.Set("https://example.test/a", []byte("payload"))
	if err := s.TakeWriteErr(); err != nil {
		t.Fatalf("write error: %v", err)
	}
	got, ok := s.Get("https://example.test/a")
	if !ok || string(got) != "payload" {
		t.Fatalf("Get = %q, %v; want payload", got, ok)
	}
}

func TestStore_DeleteAndClear(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "http-cache")
	s := NewStore(dir, testLogger())

	s.Set("a", []byte("1"))
	s.Set("b", []byte("2"))
	s.Delete("a")
	if _, ok := s.Get("a"); ok {
		t.Error("a should be deleted")
	}
	if _, ok := s.Get("b"); !ok {
		t.Error("b should remain")
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok := s.Get("b"); ok {
		t.Error("b should be cleared")
	}
}

func TestStore_WriteFailureRecorded(t *testing.T) {
	blocked := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocked, nil, 0600); err != nil {
		t.Fatal(err)
	}
	s := NewStore(blocked, testLogger())

	s.Set("k", []byte("v"))
	if err := s.TakeWriteErr(); err == nil {
		t.Fatal("expected recorded write error")
	}
	if err := s.TakeWriteErr(); err != nil {
		t.Fatalf("error should be reset after take: %v", err)
	}
	if s.Failures() != 1 {
		t.Errorf("failures = %d, want 1", s.Failures())
	}
}

func TestFilenameIsStable(t *testing.T) {
	a, b := filename("https://example.test/x"), filename("https://example.test/x")
	if a != b {
		t.Fatal("filename not deterministic")
	}
	if a == filename("https://example.test/y") {
		t.Fatal("distinct keys share a filename")
	}
}

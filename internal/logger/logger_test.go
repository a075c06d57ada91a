package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestRollingFileRotatesAtCap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "engine.log")
	rf := &rollingFile{path: path, maxSize: 64, keep: 2}

	line := bytes.Repeat([]byte("x"), 30)
	line = append(line, '\n')
	for i := 0; i < 4; i++ {
		if _, err := rf.Write(line); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("live log missing: %v", err)
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("backup missing after rotation: %v", err)
	}
}

func TestRollingFileKeepsBoundedBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	rf := &rollingFile{path: path, maxSize: 16, keep: 2}

	line := []byte("0123456789abcde\n")
	for i := 0; i < 6; i++ {
		if _, err := rf.Write(line); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	if _, err := os.Stat(path + ".2"); err != nil {
		t.Fatalf("second backup missing: %v", err)
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Errorf("backup beyond keep limit exists")
	}
}

func TestEnsureOpenCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "engine.log")
	rf := &rollingFile{path: path, maxSize: 1024, keep: 1}
	if _, err := rf.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("log not created: %v", err)
	}
}

// Package logger routes the standard library logger to stdout plus a
// size-rotated file.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// rollingFile is an io.Writer that rolls its file over when the size
// cap is reached, keeping a fixed number of numbered backups.
type rollingFile struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	keep    int
	file    *os.File
	written int64
}

// Setup points the global logger at stdout and the rotating file. A
// file that cannot be opened degrades to stdout-only rather than
// failing startup.
func Setup(path string, maxSizeMB int64, keep int) {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	rf := &rollingFile{path: path, maxSize: maxSizeMB * 1024 * 1024, keep: keep}
	if err := rf.ensureOpen(); err != nil {
		log.Printf("[logger] log file unavailable, stdout only: %v", err)
		return
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rf))
}

func (r *rollingFile) ensureOpen() error {
	if r.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	r.file = f
	r.written = info.Size()
	return nil
}

func (r *rollingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureOpen(); err != nil {
		return 0, err
	}
	if r.written+int64(len(p)) > r.maxSize {
		if err := r.roll(); err != nil {
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}

	n, err := r.file.Write(p)
	r.written += int64(n)
	return n, err
}

// roll shifts engine.log.1 -> .2 (and so on), moves the live file to
// .1, and starts a fresh one.
func (r *rollingFile) roll() error {
	r.file.Close()
	r.file = nil

	for i := r.keep - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", r.path, i)
		if _, err := os.Stat(src); err == nil {
			os.Rename(src, fmt.Sprintf("%s.%d", r.path, i+1))
		}
	}
	os.Rename(r.path, r.path+".1")

	if err := r.ensureOpen(); err != nil {
		return err
	}
	r.written = 0
	return nil
}

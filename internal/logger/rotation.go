package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RotatingWriter appends to a file and renames it aside once it grows past maxSize.
type RotatingWriter struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	maxAge  time.Duration
	file    *os.File
	size    int64
	nowFn   func() time.Time
}

func NewRotatingWriter(path string, maxSizeMB, maxAgeDays int) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	w := &RotatingWriter{
		path:    path,
		maxSize: int64(maxSizeMB) << 20,
		maxAge:  time.Duration(maxAgeDays) * 24 * time.Hour,
		nowFn:   time.Now,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.maxSize > 0 && w.size+int64(len(p)) > w.maxSize && w.size > 0 {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	aside := fmt.Sprintf("%s.%s", w.path, w.nowFn().Format("20060102-150405.000"))
	if err := os.Rename(w.path, aside); err != nil {
		return err
	}
	w.prune()
	return w.open()
}

// prune removes rotated files older than maxAge.
func (w *RotatingWriter) prune() {
	if w.maxAge <= 0 {
		return
	}
	matches, _ := filepath.Glob(w.path + ".*")
	cutoff := w.nowFn().Add(-w.maxAge)
	for _, m := range matches {
		if !strings.HasPrefix(m, w.path+".") {
			continue
		}
		if info, err := os.Stat(m); err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(m)
		}
	}
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Package logging routes the stdlib logger through a rotating file.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultMaxBytes is the size at which a day's log rolls to a new index.
const DefaultMaxBytes = 64 << 20

// Flags used by every relay logger.
const Flags = log.LstdFlags | log.Lmicroseconds

// RotatingWriter appends to <dir>/<stem>-YYYY-MM-DD[-N]<ext>, opening a new
// file each UTC day and whenever a write would push the file past MaxBytes.
// The configured path is kept as a symlink to the active file.
type RotatingWriter struct {
	Path     string
	MaxBytes int64

	mu    sync.Mutex
	now   func() time.Time
	day   string
	index int
	file  *os.File
	size  int64
}

// NewRotatingWriter opens the writer for path. A path of "-" discards output.
func NewRotatingWriter(path string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(path) == "-" {
		return nopWriteCloser{w: io.Discard}, nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	w := &RotatingWriter{Path: path, MaxBytes: maxBytes, now: time.Now}
	if err := w.roll(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.roll(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
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

// roll opens the next file when the day changed or incoming bytes would overflow.
func (w *RotatingWriter) roll(incoming int64) error {
	today := w.now().UTC().Format("2006-01-02")
	switch {
	case w.file == nil || w.day != today:
		w.day, w.index = today, 1
	case w.size > 0 && w.size+incoming > w.MaxBytes:
		w.index++
	default:
		return nil
	}
	return w.open()
}

func (w *RotatingWriter) open() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	target := w.filename()
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	w.file, w.size = f, 0
	if st, err := f.Stat(); err == nil {
		w.size = st.Size()
	}
	w.link(target)
	return nil
}

func (w *RotatingWriter) filename() string {
	dir, name := filepath.Split(w.Path)
	if dir == "" {
		dir = "."
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	if w.index > 1 {
		return filepath.Join(dir, fmt.Sprintf("%s-%s-%d%s", stem, w.day, w.index, ext))
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", stem, w.day, ext))
}

// link points Path at target, best effort.
func (w *RotatingWriter) link(target string) {
	if info, err := os.Lstat(w.Path); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if dest, err := os.Readlink(w.Path); err == nil && dest == target {
				return
			}
		}
		_ = os.Remove(w.Path)
	}
	if err := os.Symlink(target, w.Path); err == nil {
		return
	}
	_ = os.WriteFile(w.Path, []byte("current log file: "+target+"\n"), 0o644)
}

// Setup points the standard logger at stdout (plus a rotating file when
// path is set) with the given prefix. The returned closer is never nil.
func Setup(path, prefix string) (io.Closer, error) {
	log.SetFlags(Flags)
	log.SetPrefix(prefix)
	if strings.TrimSpace(path) == "" {
		log.SetOutput(os.Stdout)
		return nopWriteCloser{w: io.Discard}, nil
	}
	rot, err := NewRotatingWriter(path, DefaultMaxBytes)
	if err != nil {
		return nil, err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rot))
	return rot, nil
}

// New returns a logger sharing the standard logger's output under its own prefix.
func New(prefix string) *log.Logger {
	return log.New(log.Writer(), prefix, Flags)
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRotatingWriterRollsBySizeAndDay(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "logs", "relayd.log")
	day := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	w := &RotatingWriter{Path: base, MaxBytes: 10, now: func() time.Time { return day }}
	if err := w.roll(0); err != nil {
		t.Fatalf("roll: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("12345678")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.Write([]byte("abcdef")); err != nil {
		t.Fatalf("write: %v", err)
	}
	day = day.Add(24 * time.Hour)
	if _, err := w.Write([]byte("next day")); err != nil {
		t.Fatalf("write: %v", err)
	}

	want := map[string]string{
		"relayd-2025-03-01.log":   "12345678",
		"relayd-2025-03-01-2.log": "abcdef",
		"relayd-2025-03-02.log":   "next day",
	}
	for name, content := range want {
		data, err := os.ReadFile(filepath.Join(dir, "logs", name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(data) != content {
			t.Errorf("%s = %q, want %q", name, data, content)
		}
	}

	if dest, err := os.Readlink(base); err == nil && !strings.HasSuffix(dest, "relayd-2025-03-02.log") {
		t.Errorf("pointer = %s", dest)
	}
}

func TestNewRotatingWriterDiscard(t *testing.T) {
	w, err := NewRotatingWriter("-", 0)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	if n, err := w.Write([]byte("dropped")); err != nil || n != 7 {
		t.Fatalf("write = %d, %v", n, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

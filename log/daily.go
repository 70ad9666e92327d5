package log

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	dayFormat = "2006-01-02"
	dailyExt  = ".txt"
)

// DailyFile appends to <Dir>/<YYYY-MM-DD>.txt named after the current UTC
// date. When the date changes, the file is closed and a new one opened.
// If MaxDays > 0, files older than MaxDays days are removed at that time.
//
// All methods are safe to call on a nil *DailyFile and do nothing.
type DailyFile struct {
	Dir     string
	MaxDays int

	mu   sync.Mutex
	day  string
	file *os.File
	// for tests
	now func() time.Time
}

// NewDailyFile returns a DailyFile writing to dir. The directory and
// the file are created on first write.
func NewDailyFile(dir string, maxDays int) *DailyFile {
	return &DailyFile{
		Dir:     dir,
		MaxDays: maxDays,
		now:     time.Now,
	}
}

// Path returns path of the file for a given day
func (w *DailyFile) Path(t time.Time) string {
	return filepath.Join(w.Dir, t.UTC().Format(dayFormat)+dailyExt)
}

// must be called with w.mu locked
func (w *DailyFile) rotateIfNeeded() error {
	now := time.Now().UTC()
	if w.now != nil {
		now = w.now().UTC()
	}
	day := now.Format(dayFormat)
	if w.file != nil && w.day == day {
		return nil
	}
	if err := w.closeFile(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.Path(now), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	w.file = f
	w.day = day
	w.prune(now)
	return nil
}

// prune removes files older than MaxDays. Files that don't look like
// daily files are left alone.
func (w *DailyFile) prune(now time.Time) {
	if w.MaxDays <= 0 {
		return
	}
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return
	}
	cutoff := now.AddDate(0, 0, -w.MaxDays).Format(dayFormat)
	var toRemove []string
	for _, e := range entries {
		day, ok := strings.CutSuffix(e.Name(), dailyExt)
		if !ok || e.IsDir() {
			continue
		}
		if _, err := time.Parse(dayFormat, day); err != nil {
			continue
		}
		// dayFormat sorts the same as time
		if day < cutoff {
			toRemove = append(toRemove, e.Name())
		}
	}
	sort.Strings(toRemove)
	for _, name := range toRemove {
		os.Remove(filepath.Join(w.Dir, name))
	}
}

// Write writes d to today's file, implements io.Writer
func (w *DailyFile) Write(d []byte) (int, error) {
	if w == nil {
		return len(d), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateIfNeeded(); err != nil {
		return 0, err
	}
	return w.file.Write(d)
}

func (w *DailyFile) WriteString(s string) error {
	_, err := w.Write([]byte(s))
	return err
}

// Sync flushes today's file to disk
func (w *DailyFile) Sync() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

func (w *DailyFile) closeFile() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.day = ""
	return err
}

// Close closes the file. Writing after Close re-opens it.
func (w *DailyFile) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeFile()
}

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

const (
	filePrefix  = "fdscope-"
	fileSuffix  = ".jsonl"
	dateLayout  = "2006-01-02"
	latestLink  = "latest" + fileSuffix
	datedLength = len(filePrefix) + len(dateLayout) + len(fileSuffix)
)

// FileWriter appends to dir/fdscope-YYYY-MM-DD.jsonl, switching files at
// midnight and keeping dir/latest.jsonl pointed at the current one.
type FileWriter struct {
	dir      string
	mu       sync.Mutex
	file     *os.File
	currDate string
}

// NewFileWriter creates a FileWriter rooted at dir, creating it if needed.
func NewFileWriter(dir string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating debug log dir: %w", err)
	}

	fw := &FileWriter{dir: dir}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if err := fw.rotateLocked(time.Now()); err != nil {
		return nil, err
	}
	return fw, nil
}

// FileName returns the log file name used for day t.
func FileName(t time.Time) string {
	return filePrefix + t.Format(dateLayout) + fileSuffix
}

// Write implements io.Writer.
func (fw *FileWriter) Write(p []byte) (n int, err error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	now := time.Now()
	if now.Format(dateLayout) != fw.currDate || fw.file == nil {
		if err := fw.rotateLocked(now); err != nil {
			return 0, err
		}
	}
	return fw.file.Write(p)
}

// Close closes the underlying file. Further writes reopen it.
func (fw *FileWriter) Close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.file == nil {
		return nil
	}
	err := fw.file.Close()
	fw.file = nil
	return err
}

func (fw *FileWriter) rotateLocked(now time.Time) error {
	if fw.file != nil {
		fw.file.Close()
		fw.file = nil
	}

	name := FileName(now)
	f, err := os.OpenFile(filepath.Join(fw.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}

	fw.file = f
	fw.currDate = now.Format(dateLayout)
	fw.updateSymlink(name)
	return nil
}

func (fw *FileWriter) updateSymlink(target string) {
	link := filepath.Join(fw.dir, latestLink)
	tmp := link + ".tmp"

	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return // best effort
	}
	_ = os.Rename(tmp, link)
}

var datePattern = regexp.MustCompile(`^fdscope-\d{4}-\d{2}-\d{2}\.jsonl$`)

// Cleanup removes dated log files older than retentionDays. Files that do
// not follow the naming scheme are left alone.
func Cleanup(dir string, retentionDays int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || len(name) != datedLength || !datePattern.MatchString(name) {
			continue
		}

		day, err := time.Parse(dateLayout, name[len(filePrefix):len(filePrefix)+len(dateLayout)])
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			os.Remove(filepath.Join(dir, name))
		}
	}
}

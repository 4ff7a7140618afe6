package download

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// SkipLogName is the file, inside the download path, that lists tracks a
// batch could not produce.
const SkipLogName = "_skipped.txt"

// SkipLog appends file names to the skip log. Appends hold an advisory lock
// so concurrent runs into the same directory do not interleave lines.
type SkipLog struct {
	path  string
	lock  *flock.Flock
	mu    sync.Mutex
	count int
}

// NewSkipLog creates a skip log inside dir. The file is created on the
// first append.
func NewSkipLog(dir string) *SkipLog {
	path := filepath.Join(dir, SkipLogName)
	return &SkipLog{path: path, lock: flock.New(path + ".lock")}
}

// Path returns the skip log location.
func (s *SkipLog) Path() string {
	return s.path
}

// Count returns the number of lines this SkipLog appended.
func (s *SkipLog) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Append writes name as one line.
func (s *SkipLog) Append(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create skip log directory: %w", err)
	}
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock skip log: %w", err)
	}
	defer func() {
		_ = s.lock.Unlock()
	}()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open skip log: %w", err)
	}
	if _, err := fmt.Fprintln(file, name); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to append to skip log: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close skip log: %w", err)
	}

	s.count++
	return nil
}

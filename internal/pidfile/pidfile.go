// Package pidfile persists the identifier of the last launched sidecar so a
// later run can find and terminate it. The record is advisory: the process it
// names may already be gone, or the id may have been reused.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	atomicfile "github.com/natefinch/atomic"
)

// ErrInvalid is returned when the record exists but does not hold a positive pid.
var ErrInvalid = errors.New("invalid pid record")

// Record is a single-integer pid file at Path.
type Record struct {
	Path string
}

func New(path string) Record { return Record{Path: path} }

// Write stores pid as one line, replacing any previous record atomically.
func (r Record) Write(pid int) error {
	if r.Path == "" {
		return nil
	}
	if pid <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalid, pid)
	}
	if err := os.MkdirAll(filepath.Dir(r.Path), 0o750); err != nil {
		return err
	}
	return atomicfile.WriteFile(r.Path, strings.NewReader(strconv.Itoa(pid)+"\n"))
}

// Read returns the recorded pid. A missing file yields an error satisfying
// errors.Is(err, os.ErrNotExist).
func (r Record) Read() (int, error) {
	if r.Path == "" {
		return 0, os.ErrNotExist
	}
	b, err := os.ReadFile(filepath.Clean(r.Path))
	if err != nil {
		return 0, err
	}
	line, _, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalid, pid)
	}
	return pid, nil
}

// Remove deletes the record. A missing file is not an error.
func (r Record) Remove() error {
	if r.Path == "" {
		return nil
	}
	if err := os.Remove(r.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveIf deletes the record only if it still names pid, so a newer
// launch's record is not clobbered by a late cleanup of an older child.
func (r Record) RemoveIf(pid int) error {
	cur, err := r.Read()
	if err != nil || cur != pid {
		return nil
	}
	return r.Remove()
}

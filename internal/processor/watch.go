package processor

import (
	"fmt"
	"os"
	"time"
)

// RCWatcher detects modifications of the rule file by comparing its
// modification time with the one recorded at the last reload.
type RCWatcher struct {
	path  string
	mtime time.Time
}

// NewRCWatcher records the current modification time of path.
func NewRCWatcher(path string) (*RCWatcher, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't stat rule file: %w", err)
	}
	return &RCWatcher{path: path, mtime: info.ModTime()}, nil
}

// Path returns the watched file.
func (w *RCWatcher) Path() string {
	return w.path
}

// Changed reports whether the file was modified since the last call that
// returned true. A file that cannot be stat'ed counts as unchanged.
func (w *RCWatcher) Changed() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return false
	}
	if info.ModTime().Equal(w.mtime) {
		return false
	}
	w.mtime = info.ModTime()
	return true
}

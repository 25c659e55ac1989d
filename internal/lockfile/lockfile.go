// Package lockfile provides advisory locked PID and log files so that two
// instances never share them.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// RetryInterval is the fixed delay between lock attempts.
var RetryInterval = 5 * time.Second

// Acquire takes an exclusive flock on f, retrying every RetryInterval while
// another process holds it. It gives up when ctx is done.
func Acquire(ctx context.Context, f *os.File, logger logrus.FieldLogger) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("couldn't lock %s: %w", f.Name(), err)
		}

		logger.WithField("path", f.Name()).Warnf("File is locked, retrying in %s", RetryInterval)
		select {
		case <-ctx.Done():
			return fmt.Errorf("couldn't lock %s: %w", f.Name(), ctx.Err())
		case <-time.After(RetryInterval):
		}
	}
}

// Release drops the lock on f.
func Release(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// PIDFile is a locked file holding the process id.
type PIDFile struct {
	f *os.File
}

// WritePID locks path and writes the current process id to it. The lock is
// held until Close.
func WritePID(ctx context.Context, path string, logger logrus.FieldLogger) (*PIDFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("couldn't open pid file: %w", err)
	}
	if err := Acquire(ctx, f, logger); err != nil {
		f.Close()
		return nil, err
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("couldn't truncate pid file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("couldn't write pid file: %w", err)
	}
	return &PIDFile{f: f}, nil
}

// Close empties the pid file and releases the lock. The file itself stays
// in place so that an instance waiting for the lock keeps the same inode.
func (p *PIDFile) Close() error {
	truncErr := p.f.Truncate(0)
	if err := p.f.Close(); err != nil {
		return err
	}
	if truncErr != nil {
		return fmt.Errorf("couldn't truncate pid file: %w", truncErr)
	}
	return nil
}

// LogFile is a locked log file opened for appending. It can be reopened
// after log rotation.
type LogFile struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	logger logrus.FieldLogger
}

var _ io.WriteCloser = (*LogFile)(nil)

// OpenLog opens path for appending and locks it.
func OpenLog(ctx context.Context, path string, logger logrus.FieldLogger) (*LogFile, error) {
	l := &LogFile{path: path, logger: logger}
	f, err := l.open(ctx)
	if err != nil {
		return nil, err
	}
	l.f = f
	return l, nil
}

func (l *LogFile) open(ctx context.Context) (*os.File, error) {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("couldn't open log file: %w", err)
	}
	if err := Acquire(ctx, f, l.logger); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// Write appends p to the log file.
func (l *LogFile) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Write(p)
}

// Reopen opens path again and closes the previous file. On error the
// previous file stays in use.
func (l *LogFile) Reopen(ctx context.Context) error {
	l.mu.Lock()
	old := l.f
	l.mu.Unlock()

	// Release before reopening; the same process would otherwise wait for
	// itself when path was not rotated.
	if err := Release(old); err != nil {
		return fmt.Errorf("couldn't unlock log file: %w", err)
	}
	f, err := l.open(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.f = f
	l.mu.Unlock()
	return old.Close()
}

// Close closes the log file.
func (l *LogFile) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

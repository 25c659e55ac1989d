package maildir

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/emersion/go-maildir"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailproc/internal/mail"
)

// DefaultNamespace is the Maildir++ layout: folders are dot separated and
// stored as ".a.b" below the base directory.
var DefaultNamespace = mail.Namespace{Separator: ".", Prefix: "."}

// Options configures a Backend.
type Options struct {
	// Base is the directory maildir names are relative to.
	Base string

	// Maildirs to process, relative to Base. "" is Base itself.
	Maildirs []string

	// DryRun wraps every message so mutations are only logged.
	DryRun bool
}

// Backend polls the new and cur directories of a set of maildirs.
type Backend struct {
	opts      Options
	ns        mail.Namespace
	names     *NameGenerator
	submitter *mail.Submitter
	logger    *logrus.Logger

	// mtimes records per subdirectory the modification time that was fully
	// scanned.
	mtimes map[string]time.Time
	now    func() time.Time

	current []*Message
}

// NewBackend creates a maildir backend. A separator of "/" makes the
// namespace hierarchical.
func NewBackend(opts Options, ns mail.Namespace, submitter *mail.Submitter, logger *logrus.Logger) *Backend {
	if ns.Separator == "/" {
		ns.Hierarchical = true
	}
	return &Backend{
		opts:      opts,
		ns:        ns,
		names:     NewNameGenerator(),
		submitter: submitter,
		logger:    logger,
		mtimes:    make(map[string]time.Time),
		now:       time.Now,
	}
}

// Namespace returns the folder namespace used to resolve targets.
func (b *Backend) Namespace() mail.Namespace {
	return b.ns
}

// Refresh scans every maildir subdirectory whose modification time changed
// since the last complete scan. A modification time within the current
// second is not recorded, so the directory is scanned again next cycle.
func (b *Backend) Refresh(ctx context.Context) error {
	if len(b.opts.Maildirs) == 0 {
		return errors.New("no maildirs to process")
	}

	b.current = b.current[:0]
	for _, name := range b.opts.Maildirs {
		if err := ctx.Err(); err != nil {
			return err
		}

		dir := filepath.Join(b.opts.Base, name)
		for _, sub := range []string{"cur", "new"} {
			if err := b.scan(name, filepath.Join(dir, sub)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Backend) scan(name, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("couldn't stat maildir directory %s: %w", path, err)
	}

	mtime := info.ModTime()
	if recorded, ok := b.mtimes[path]; ok && recorded.Equal(mtime) {
		return nil
	}
	if mtime.Unix() < b.now().Unix() {
		b.mtimes[path] = mtime
	}

	// ReadDir returns entries sorted by file name.
	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("couldn't list maildir directory %s: %w", path, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if msg := b.open(name, filepath.Join(path, entry.Name())); msg != nil {
			b.current = append(b.current, msg)
		}
	}
	return nil
}

// open reads the headers of a message file. A file that vanished in the
// meantime is logged and skipped.
func (b *Backend) open(name, path string) *Message {
	log := b.logger.WithFields(logrus.Fields{"maildir": name, "path": path})

	data, err := os.ReadFile(path)
	if err != nil {
		log.WithError(err).Error("Could not open message; some other process probably (re)moved it")
		return nil
	}

	headers, err := mail.ParseHeaders(bytes.NewReader(data), log)
	if err != nil {
		log.WithError(err).Warn("Could not parse message header")
	}

	msg := &Message{
		Base:    mail.NewBase(headers, ParseFlags(path)),
		path:    path,
		maildir: name,
		backend: b,
	}

	sum := sha1.Sum(data) //nolint:gosec
	log.WithFields(mail.Summary(msg)).WithField("sha1", hex.EncodeToString(sum[:])).Info("New mail detected")
	return msg
}

// Messages yields the messages found by the last Refresh in maildir, then
// directory (cur before new), then file name order.
func (b *Backend) Messages() iter.Seq[mail.Message] {
	return func(yield func(mail.Message) bool) {
		for _, msg := range b.current {
			var m mail.Message = msg
			if b.opts.DryRun {
				m = mail.DryRun(msg, b.ns, b.logger)
			}
			if !yield(m) {
				return
			}
		}
	}
}

// Suspend is a no-op; maildirs hold no session.
func (b *Backend) Suspend(context.Context) error { return nil }

// Resume is a no-op.
func (b *Backend) Resume(context.Context) error { return nil }

// Close is a no-op.
func (b *Backend) Close() error { return nil }

// FolderPath returns the directory a target resolves to.
func (b *Backend) FolderPath(target mail.Target) string {
	return filepath.Join(b.opts.Base, b.ns.Name(target))
}

// CreateFolder creates the maildir for target unless it exists. With
// recursive set, parent folders are created first.
func (b *Backend) CreateFolder(target mail.Target, recursive bool) error {
	path := b.ns.Resolve(target)
	if len(path) == 0 {
		return nil
	}

	if recursive && len(path) > 1 {
		if err := b.CreateFolder(path.Parent(), true); err != nil {
			return err
		}
	}

	name := path.Join(b.ns.Separator)
	if name == "" {
		return nil
	}

	dir := filepath.Join(b.opts.Base, name)
	if isMaildir(dir) {
		return nil
	}

	b.logger.WithField("folder", dir).Info("Creating folder")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("couldn't create maildir %s: %w", dir, err)
	}
	if err := maildir.Dir(dir).Init(); err != nil {
		return fmt.Errorf("couldn't create maildir %s: %w", dir, err)
	}
	return nil
}

// isMaildir reports whether dir has tmp, new and cur subdirectories.
func isMaildir(dir string) bool {
	for _, sub := range []string{"tmp", "new", "cur"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil || !info.IsDir() {
			return false
		}
	}
	return true
}

// target resolves a destination and creates it if requested.
func (b *Backend) target(target mail.Target, create bool) (string, error) {
	dir := b.FolderPath(target)
	if isMaildir(dir) {
		return dir, nil
	}
	if !create {
		return "", fmt.Errorf("%w: %s", mail.ErrTargetMissing, dir)
	}
	if err := b.CreateFolder(target, true); err != nil {
		return "", err
	}
	return dir, nil
}

// deliverCopy writes the contents of src below dest/tmp and renames the file
// into dest/<sub>/<name>. It returns false if src vanished.
func (b *Backend) deliverCopy(src, dest, sub, suffix string) (string, bool, error) {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			b.logger.WithError(err).WithField("path", src).Error("Could not open message; some other process probably (re)moved it")
			return "", false, nil
		}
		return "", false, fmt.Errorf("could not open %s: %w", src, err)
	}
	defer in.Close()

	tmp := filepath.Join(dest, "tmp", b.names.Next())
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", false, fmt.Errorf("could not open %s for writing: %w", tmp, err)
	}

	_, err = out.ReadFrom(in)
	if closeErr := out.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return "", false, fmt.Errorf("could not copy %s to %s: %w", src, tmp, err)
	}

	final := filepath.Join(dest, sub, b.names.Next()+suffix)
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", false, fmt.Errorf("could not rename %s to %s: %w", tmp, final, err)
	}
	return final, true, nil
}

package maildir

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/brandon/mailproc/internal/mail"
	"github.com/brandon/mailproc/internal/metrics"
)

// Message is a message file in a maildir.
type Message struct {
	mail.Base
	path    string
	maildir string
	backend *Backend

	// gone is set once the file was deleted or moved away.
	gone bool
}

var _ mail.Message = (*Message)(nil)

// ID returns the absolute file path.
func (m *Message) ID() string { return m.path }

// Folder returns the maildir name the message was found in.
func (m *Message) Folder() string { return m.maildir }

func (m *Message) IsSeen() bool { return m.HasFlag(flagSeen) }

func (m *Message) IsFlagged() bool { return m.HasFlag(flagFlagged) }

// subdir returns "new" or "cur".
func (m *Message) subdir() string {
	return filepath.Base(filepath.Dir(m.path))
}

func (m *Message) suffix() string {
	if !hasInfo(m.path) {
		return ""
	}
	return FlagSuffix(m.Flags())
}

func (m *Message) log() *logrus.Entry {
	return m.backend.logger.WithFields(logrus.Fields{
		"maildir": m.maildir,
		"path":    m.path,
	})
}

func (m *Message) checkGone(op string) bool {
	if m.gone {
		m.log().WithError(mail.ErrMessageGone).WithField("operation", op).Warn("Ignoring operation on deleted message")
	}
	return m.gone
}

// Copy stages a copy in target's tmp directory and renames it into the
// subdirectory matching the source (new or cur), keeping the flags.
func (m *Message) Copy(ctx context.Context, target mail.Target, create bool) error {
	if m.checkGone("copy") {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dest, err := m.backend.target(target, create)
	if err != nil {
		return err
	}

	m.log().WithField("target", dest).Info("Copying")
	final, ok, err := m.backend.deliverCopy(m.path, dest, m.subdir(), m.suffix())
	if err != nil || !ok {
		return err
	}

	m.log().WithField("target", final).Debug("Copied")
	metrics.Actions.WithLabelValues("maildir", "copy").Inc()
	return nil
}

// Move renames the message into target. Across file systems the message is
// copied and the source removed afterwards.
func (m *Message) Move(ctx context.Context, target mail.Target, create bool) error {
	if m.checkGone("move") {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dest, err := m.backend.target(target, create)
	if err != nil {
		return err
	}

	final := filepath.Join(dest, m.subdir(), m.backend.names.Next()+m.suffix())
	m.log().WithField("target", final).Info("Moving")

	err = os.Rename(m.path, final)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		m.log().WithError(err).Error("Could not move message; some other process probably (re)moved it")
		return nil
	case errors.Is(err, unix.EXDEV):
		copied, ok, err := m.backend.deliverCopy(m.path, dest, m.subdir(), m.suffix())
		if err != nil || !ok {
			return err
		}
		final = copied
		if err := os.Remove(m.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("could not remove %s after copying it to %s: %w", m.path, final, err)
		}
	default:
		return fmt.Errorf("could not rename %s to %s: %w", m.path, final, err)
	}

	m.gone = true
	metrics.Actions.WithLabelValues("maildir", "move").Inc()
	return nil
}

// Delete unlinks the message file. Failures are logged only.
func (m *Message) Delete(ctx context.Context) error {
	if m.checkGone("delete") {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.log().Info("Deleting")
	m.delete()
	return nil
}

func (m *Message) delete() {
	if err := os.Remove(m.path); err != nil {
		m.log().WithError(err).Error("Could not delete message; some other process probably (re)moved it")
		return
	}
	m.gone = true
	metrics.Actions.WithLabelValues("maildir", "delete").Inc()
}

// Forward streams the message file to the submission command. The file is
// only removed when deleteOriginal is set and submission succeeded.
func (m *Message) Forward(ctx context.Context, addresses []string, envSender string, deleteOriginal bool) error {
	if m.checkGone("forward") {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	entry := m.log().WithField("addresses", addresses)
	if deleteOriginal {
		entry.Info("Forwarding")
	} else {
		entry.Info("Forwarding copy")
	}

	f, err := os.Open(m.path)
	if err != nil {
		entry.WithError(err).Error("Could not open message; some other process probably (re)moved it")
		return nil
	}
	err = m.backend.submitter.Submit(ctx, f, addresses, envSender)
	f.Close()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		entry.WithError(err).Error("Forwarding message failed; keeping original")
		return nil
	}
	metrics.Actions.WithLabelValues("maildir", "forward").Inc()

	if deleteOriginal {
		m.delete()
	}
	return nil
}

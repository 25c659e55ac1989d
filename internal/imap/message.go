package imap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailproc/internal/mail"
	"github.com/brandon/mailproc/internal/metrics"
)

// Message is a message in an IMAP folder, identified by its UID.
type Message struct {
	mail.Base
	uid     string
	folder  string
	backend *Backend

	// gone is set once the message was deleted or moved away.
	gone bool
}

var _ mail.Message = (*Message)(nil)

func newMessage(b *Backend, folder, uid string, headers map[string]string, flags []string) *Message {
	return &Message{
		Base:    mail.NewBase(headers, flags),
		uid:     uid,
		folder:  folder,
		backend: b,
	}
}

// ID returns the UID.
func (m *Message) ID() string { return m.uid }

// Folder returns the resolved folder name.
func (m *Message) Folder() string { return m.folder }

func (m *Message) IsSeen() bool { return m.HasFlag(`\Seen`) }

func (m *Message) IsFlagged() bool { return m.HasFlag(`\Flagged`) }

func (m *Message) log() *logrus.Entry {
	return m.backend.logger.WithFields(logrus.Fields{
		"folder": m.folder,
		"uid":    m.uid,
	})
}

func (m *Message) uidNum() (uint32, error) {
	n, err := strconv.ParseUint(m.uid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid UID %q: %w", m.uid, err)
	}
	return uint32(n), nil
}

func (m *Message) checkGone(op string) bool {
	if m.gone {
		m.log().WithError(mail.ErrMessageGone).WithField("operation", op).Warn("Ignoring operation on deleted message")
	}
	return m.gone
}

// Copy copies the message into target. When the server reports the target
// missing, the folder is created if create is set; otherwise the copy is
// skipped with an error logged.
func (m *Message) Copy(ctx context.Context, target mail.Target, create bool) error {
	if m.checkGone("copy") {
		return nil
	}
	_, err := m.copy(ctx, target, create)
	return err
}

// copy reports whether the message was copied.
func (m *Message) copy(ctx context.Context, target mail.Target, create bool) (bool, error) {
	uid, err := m.uidNum()
	if err != nil {
		return false, err
	}

	conn := m.backend.conn
	dest := conn.Namespace().Name(target)

	if err := conn.Ensure(ctx, mail.Name(m.folder)); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.log().WithField("target", dest).Info("Copying")
	err = conn.Session().Copy(uid, dest)
	if errors.Is(err, ErrTryCreate) {
		if !create {
			m.log().WithField("target", dest).Error("Destination folder does not exist and folder creation is disabled")
			return false, nil
		}

		m.log().WithField("target", dest).Info("Destination folder does not exist, creating")
		if err := conn.CreateFolder(ctx, target, true); err != nil {
			return false, err
		}
		if err := conn.Ensure(ctx, mail.Name(m.folder)); err != nil {
			return false, err
		}
		err = conn.Session().Copy(uid, dest)
	}
	if err != nil {
		return false, fmt.Errorf("copying message UID %s to %s failed: %w", m.uid, dest, err)
	}

	metrics.Actions.WithLabelValues("imap", "copy").Inc()
	return true, nil
}

// Move copies the message into target and deletes the original. The
// original is kept if the copy was skipped.
func (m *Message) Move(ctx context.Context, target mail.Target, create bool) error {
	if m.checkGone("move") {
		return nil
	}

	m.log().WithField("target", m.backend.conn.Namespace().Name(target)).Info("Moving")
	copied, err := m.copy(ctx, target, create)
	if err != nil || !copied {
		return err
	}
	if err := m.delete(ctx); err != nil {
		return err
	}

	metrics.Actions.WithLabelValues("imap", "move").Inc()
	return nil
}

// Delete flags the message \Deleted and expunges the folder.
func (m *Message) Delete(ctx context.Context) error {
	if m.checkGone("delete") {
		return nil
	}
	return m.delete(ctx)
}

func (m *Message) delete(ctx context.Context) error {
	uid, err := m.uidNum()
	if err != nil {
		return err
	}

	conn := m.backend.conn
	if err := conn.Ensure(ctx, mail.Name(m.folder)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.log().Info("Deleting")
	if err := conn.Session().Delete(uid); err != nil {
		return fmt.Errorf("deleting message UID %s failed: %w", m.uid, err)
	}

	m.gone = true
	m.backend.store.MarkDeleted(m.folder, m.uid)
	metrics.Actions.WithLabelValues("imap", "delete").Inc()
	return nil
}

// Forward submits the raw message to addresses. The original is deleted
// afterwards if deleteOriginal is set and submission succeeded. Failing to
// retrieve or submit the message keeps it in place.
func (m *Message) Forward(ctx context.Context, addresses []string, envSender string, deleteOriginal bool) error {
	if m.checkGone("forward") {
		return nil
	}

	uid, err := m.uidNum()
	if err != nil {
		return err
	}

	conn := m.backend.conn
	if err := conn.Ensure(ctx, mail.Name(m.folder)); err != nil {
		return err
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

	raw, err := conn.Session().FetchRaw(uid)
	if err != nil {
		entry.WithError(err).Error("Could not retrieve message for forwarding")
		return nil
	}

	if err := m.backend.submitter.Submit(ctx, bytes.NewReader(raw), addresses, envSender); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		entry.WithError(err).Error("Forwarding message failed; keeping original")
		return nil
	}
	metrics.Actions.WithLabelValues("imap", "forward").Inc()

	if deleteOriginal {
		return m.delete(ctx)
	}
	return nil
}

package imap

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailproc/internal/mail"
)

// NamespaceOptions overrides the folder separator and prefix reported by the
// server. Nil fields are discovered.
type NamespaceOptions struct {
	Separator *string
	Prefix    *string
}

// Conn owns one IMAP session: it tracks the selected folder and the
// UIDVALIDITY of every folder selected so far, and reopens the session on
// demand.
type Conn struct {
	dial    Dialer
	opts    NamespaceOptions
	session Session
	ns      mail.Namespace

	selected    string
	uidValidity map[string]string

	logger *logrus.Logger
}

// NewConn creates an unopened connection.
func NewConn(dial Dialer, opts NamespaceOptions, logger *logrus.Logger) *Conn {
	return &Conn{
		dial:        dial,
		opts:        opts,
		uidValidity: make(map[string]string),
		logger:      logger,
	}
}

// Open dials the server and discovers the folder namespace.
func (c *Conn) Open(ctx context.Context) error {
	session, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.session = session
	c.selected = ""

	if err := c.DiscoverNamespace(ctx); err != nil {
		c.Close() //nolint:errcheck
		return err
	}
	return nil
}

// Namespace returns the separator and prefix in effect.
func (c *Conn) Namespace() mail.Namespace {
	return c.ns
}

// Session returns the underlying session. It is nil until Open succeeds.
func (c *Conn) Session() Session {
	return c.session
}

// Selected returns the name of the currently selected folder.
func (c *Conn) Selected() string {
	return c.selected
}

// UIDValidity returns the UIDVALIDITY recorded by the last SELECT of folder.
func (c *Conn) UIDValidity(folder string) (string, bool) {
	v, ok := c.uidValidity[folder]
	return v, ok
}

// DiscoverNamespace lists the top level folders and derives the separator and
// prefix from the first entry. Explicit options always win; a discovered root
// folder only becomes the prefix when it has children.
func (c *Conn) DiscoverNamespace(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mailboxes, err := c.session.List("", "%")
	if err != nil {
		return fmt.Errorf("failed to issue LIST command: %w", err)
	}

	var root Mailbox
	if len(mailboxes) > 0 {
		root = mailboxes[0]
	}

	ns := mail.Namespace{Separator: root.Delimiter}
	if c.opts.Separator != nil {
		ns.Separator = *c.opts.Separator
	}

	switch {
	case c.opts.Prefix != nil:
		ns.Prefix = *c.opts.Prefix
	case root.HasChildren():
		ns.Prefix = root.Name
	}

	c.ns = ns
	c.logger.WithFields(logrus.Fields{
		"separator": ns.Separator,
		"prefix":    ns.Prefix,
	}).Info("Folder namespace configured")
	return nil
}

// Select issues SELECT for folder (with the namespace prefix applied) and
// records its UIDVALIDITY. It returns the resolved name and the UIDVALIDITY.
func (c *Conn) Select(ctx context.Context, folder mail.Target) (string, string, error) {
	name := c.ns.Name(folder)
	uv, err := c.selectName(ctx, name)
	if err != nil {
		return name, "", err
	}
	return name, uv, nil
}

// Ensure selects folder unless it is already selected.
func (c *Conn) Ensure(ctx context.Context, folder mail.Target) error {
	name := c.ns.Name(folder)
	if c.selected == name && c.selected != "" {
		return nil
	}
	_, err := c.selectName(ctx, name)
	return err
}

func (c *Conn) selectName(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.logger.WithField("folder", name).Debug("Selecting folder")
	v, err := c.session.Select(name)
	if err != nil {
		c.selected = ""
		return "", fmt.Errorf("couldn't select folder %s: %w", name, err)
	}

	uv := strconv.FormatUint(uint64(v), 10)
	c.uidValidity[name] = uv
	c.selected = name
	return uv, nil
}

// Exists checks whether a folder exists by selecting it. The previously
// selected folder is selected again afterwards.
func (c *Conn) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	previous := c.selected
	_, err := c.session.Select(name)
	c.selected = ""
	exists := true
	if err != nil {
		if !errors.Is(err, ErrRejected) {
			return false, fmt.Errorf("couldn't query status of folder %s: %w", name, err)
		}
		exists = false
	} else {
		c.selected = name
	}

	if previous != "" && previous != c.selected {
		if _, err := c.selectName(ctx, previous); err != nil {
			return exists, err
		}
	}
	return exists, nil
}

// CreateFolder creates and subscribes target unless it exists. With recursive
// set, parent folders are created first.
func (c *Conn) CreateFolder(ctx context.Context, target mail.Target, recursive bool) error {
	path := c.ns.Resolve(target)
	if len(path) == 0 {
		return nil
	}

	if recursive && len(path) > 1 {
		if err := c.CreateFolder(ctx, path.Parent(), true); err != nil {
			return err
		}
	}

	name := path.Join(c.ns.Separator)
	if name == "" {
		return nil
	}

	exists, err := c.Exists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		c.logger.WithField("folder", name).Debug("Not creating folder: folder exists")
		return nil
	}

	c.logger.WithField("folder", name).Info("Creating folder")
	if err := c.session.Create(name); err != nil {
		return fmt.Errorf("couldn't create folder %s: %w", name, err)
	}
	if err := c.session.Subscribe(name); err != nil {
		return fmt.Errorf("couldn't subscribe to folder %s: %w", name, err)
	}
	return nil
}

// SearchAll lists the UIDs of the selected folder.
func (c *Conn) SearchAll(ctx context.Context) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	uids, err := c.session.SearchAll()
	if err != nil {
		return nil, fmt.Errorf("listing messages in folder %s failed: %w", c.selected, err)
	}
	return uids, nil
}

// Reconnect logs out (ignoring errors from a dead socket) and opens a new
// session. The namespace found at Open is kept.
func (c *Conn) Reconnect(ctx context.Context) error {
	if c.session != nil {
		c.session.Logout() //nolint:errcheck
		c.session = nil
	}
	c.selected = ""

	session, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconnect: %w", err)
	}
	c.session = session
	c.logger.Info("Reconnected to IMAP server")
	return nil
}

// Close logs out.
func (c *Conn) Close() error {
	if c.session == nil {
		return nil
	}
	err := c.session.Logout()
	c.session = nil
	c.selected = ""
	return err
}

// Connected reports whether a session is open.
func (c *Conn) Connected() bool {
	return c.session != nil
}

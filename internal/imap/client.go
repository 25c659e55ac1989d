package imap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"github.com/sirupsen/logrus"
)

// Authentication mechanisms.
const (
	AuthLogin = "login"
	AuthPlain = "plain"
)

var (
	headerSection = &goimap.BodySectionName{
		BodyPartName: goimap.BodyPartName{
			Specifier: goimap.HeaderSpecifier,
		},
		Peek: true,
	}
	fullSection = &goimap.BodySectionName{
		Peek: true,
	}
)

// DialConfig describes how to reach and log in to the IMAP server.
type DialConfig struct {
	Host string
	Port int

	// TLS selects implicit TLS (imaps). With Insecure the server
	// certificate is not verified; with CertFile only the certificates in
	// that PEM file are trusted.
	TLS      bool
	Insecure bool
	CertFile string

	// Timeout bounds dialing and every command. Zero disables it.
	Timeout time.Duration

	User     string
	Password string
	Auth     string
}

// Addr returns host:port, defaulting the port to 993 for TLS and 143 otherwise.
func (c DialConfig) Addr() string {
	port := c.Port
	if port == 0 {
		if c.TLS {
			port = 993
		} else {
			port = 143
		}
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// TLSConfig builds the TLS client configuration for the configured validation mode.
func (c DialConfig) TLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName: c.Host,
		MinVersion: tls.VersionTLS12,
	}

	switch {
	case c.Insecure:
		cfg.InsecureSkipVerify = true //nolint:gosec
	case c.CertFile != "":
		pem, err := os.ReadFile(c.CertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read certificate file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.CertFile)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

// ClientSession implements Session on top of a go-imap client connection.
type ClientSession struct {
	client *client.Client
	logger *logrus.Logger
}

// NewDialer returns a Dialer that connects and logs in with cfg.
func NewDialer(cfg DialConfig, logger *logrus.Logger) Dialer {
	return func(ctx context.Context) (Session, error) {
		return Dial(ctx, cfg, logger)
	}
}

// Dial connects to the server and authenticates.
func Dial(ctx context.Context, cfg DialConfig, logger *logrus.Logger) (*ClientSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr := cfg.Addr()
	dialer := &net.Dialer{Timeout: cfg.Timeout}

	var (
		cl  *client.Client
		err error
	)
	if cfg.TLS {
		tlsConfig, tlsErr := cfg.TLSConfig()
		if tlsErr != nil {
			return nil, tlsErr
		}
		cl, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
	} else {
		cl, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server %s: %w", addr, err)
	}
	cl.Timeout = cfg.Timeout

	if cfg.Auth == AuthPlain {
		err = cl.Authenticate(sasl.NewPlainClient("", cfg.User, cfg.Password))
	} else {
		err = cl.Login(cfg.User, cfg.Password)
	}
	if err != nil {
		logger.WithError(err).WithField("user", cfg.User).Error("Failed to login to IMAP server")
		cl.Logout() //nolint:errcheck
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"addr": addr,
		"user": cfg.User,
		"tls":  cfg.TLS,
	}).Info("Connected to IMAP server")

	return &ClientSession{client: cl, logger: logger}, nil
}

// List lists mailboxes matching pattern below ref.
func (s *ClientSession) List(ref, pattern string) ([]Mailbox, error) {
	mailboxes := make(chan *goimap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- s.client.List(ref, pattern, mailboxes)
	}()

	var out []Mailbox
	for m := range mailboxes {
		out = append(out, Mailbox{
			Name:       m.Name,
			Delimiter:  m.Delimiter,
			Attributes: m.Attributes,
		})
	}

	if err := <-done; err != nil {
		return nil, classify("LIST", err)
	}
	return out, nil
}

// Select opens a folder read-write and returns its UIDVALIDITY.
func (s *ClientSession) Select(name string) (uint32, error) {
	mbox, err := s.client.Select(name, false)
	if err != nil {
		return 0, classify("SELECT", err)
	}
	return mbox.UidValidity, nil
}

func (s *ClientSession) Create(name string) error {
	return classify("CREATE", s.client.Create(name))
}

func (s *ClientSession) Subscribe(name string) error {
	return classify("SUBSCRIBE", s.client.Subscribe(name))
}

// SearchAll returns the UIDs of all messages in the selected folder.
func (s *ClientSession) SearchAll() ([]uint32, error) {
	uids, err := s.client.UidSearch(goimap.NewSearchCriteria())
	if err != nil {
		return nil, classify("UID SEARCH", err)
	}
	return uids, nil
}

// FetchHeaders issues UID FETCH (FLAGS BODY.PEEK[HEADER]) for uids.
func (s *ClientSession) FetchHeaders(uids []uint32) ([]Fetched, error) {
	items := []goimap.FetchItem{goimap.FetchUid, goimap.FetchFlags, headerSection.FetchItem()}
	return s.fetch(uids, items, headerSection)
}

// FetchFlags issues UID FETCH FLAGS for uids.
func (s *ClientSession) FetchFlags(uids []uint32) ([]Fetched, error) {
	items := []goimap.FetchItem{goimap.FetchUid, goimap.FetchFlags}
	return s.fetch(uids, items, nil)
}

// FetchRaw returns the complete message without setting \Seen.
func (s *ClientSession) FetchRaw(uid uint32) ([]byte, error) {
	items := []goimap.FetchItem{goimap.FetchUid, fullSection.FetchItem()}
	msgs, err := s.fetch([]uint32{uid}, items, fullSection)
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		if msg.UID == uid && msg.Header != nil {
			return msg.Header, nil
		}
	}
	return nil, fmt.Errorf("message UID %d not returned by server", uid)
}

// fetch runs a UID FETCH and reads section (if any) into Fetched.Header.
func (s *ClientSession) fetch(uids []uint32, items []goimap.FetchItem, section *goimap.BodySectionName) ([]Fetched, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(goimap.SeqSet)
	seqSet.AddNum(uids...)

	messages := make(chan *goimap.Message, 10)
	done := make(chan error, 1)

	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	out := make([]Fetched, 0, len(uids))
	var readErr error
	for msg := range messages {
		f := Fetched{UID: msg.Uid, Flags: msg.Flags}
		if section != nil {
			if literal := msg.GetBody(section); literal != nil {
				data, err := io.ReadAll(literal)
				if err != nil && readErr == nil {
					readErr = err
				}
				f.Header = data
			}
		}
		out = append(out, f)
	}

	if err := <-done; err != nil {
		return nil, classify("UID FETCH", err)
	}
	if readErr != nil {
		return nil, fmt.Errorf("%w: reading UID FETCH literal: %w", ErrConnectionLost, readErr)
	}
	return out, nil
}

// Copy copies a message to dest.
func (s *ClientSession) Copy(uid uint32, dest string) error {
	seqSet := new(goimap.SeqSet)
	seqSet.AddNum(uid)
	return classify("UID COPY", s.client.UidCopy(seqSet, dest))
}

// Delete flags a message \Deleted and expunges the selected folder.
func (s *ClientSession) Delete(uid uint32) error {
	seqSet := new(goimap.SeqSet)
	seqSet.AddNum(uid)

	item := goimap.FormatFlagsOp(goimap.AddFlags, true)
	flags := []interface{}{goimap.DeletedFlag}
	if err := s.client.UidStore(seqSet, item, flags, nil); err != nil {
		return classify("UID STORE", err)
	}
	return classify("EXPUNGE", s.client.Expunge(nil))
}

// Logout ends the session and closes the connection.
func (s *ClientSession) Logout() error {
	return s.client.Logout()
}

// classify maps a go-imap error onto the package's error taxonomy. Status
// responses are rejections (TRYCREATE is reported separately); anything else
// means the connection is no longer usable.
func classify(cmd string, err error) error {
	if err == nil {
		return nil
	}

	var statusErr *goimap.ErrStatusResp
	if errors.As(err, &statusErr) {
		if statusErr.Resp != nil && statusErr.Resp.Code == goimap.CodeTryCreate {
			return fmt.Errorf("%s: %w: %w", cmd, ErrTryCreate, err)
		}
		return fmt.Errorf("%s: %w: %w", cmd, ErrRejected, err)
	}
	return fmt.Errorf("%s: %w: %w", cmd, ErrConnectionLost, err)
}

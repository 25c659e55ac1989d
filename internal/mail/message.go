package mail

import (
	"context"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// Message is the backend independent view of one message handed to the rule
// evaluator. IMAP and maildir messages both implement it, and DryRun wraps
// either one.
type Message interface {
	// ID returns the message identity within its folder: the UID for IMAP,
	// the absolute file path for maildir.
	ID() string

	// Folder returns the folder or maildir the message lives in.
	Folder() string

	// Header returns the decoded header with the given (case-insensitive) name.
	Header(name string) Header

	// Headers returns all decoded headers keyed by lower-cased name.
	Headers() map[string]string

	// Flags returns the protocol flags of the message.
	Flags() []string

	IsSeen() bool
	IsFlagged() bool

	// Copy duplicates the message into target. The source is unchanged.
	Copy(ctx context.Context, target Target, create bool) error

	// Move copies the message into target and removes the source.
	Move(ctx context.Context, target Target, create bool) error

	// Delete removes the message.
	Delete(ctx context.Context) error

	// Forward streams the raw message to the submission command. The
	// original is deleted afterwards when deleteOriginal is set and the
	// submission succeeded.
	Forward(ctx context.Context, addresses []string, envSender string, deleteOriginal bool) error
}

// Base holds the header and flag state shared by all message variants.
// Headers are set once at construction; flags are only ever replaced as a
// whole by SetFlags.
type Base struct {
	headers map[string]string
	flags   []string
}

// NewBase creates a Base from decoded headers and flags.
func NewBase(headers map[string]string, flags []string) Base {
	if headers == nil {
		headers = map[string]string{}
	}
	return Base{headers: headers, flags: append([]string(nil), flags...)}
}

// Header returns the named header; lookup is case-insensitive.
func (b *Base) Header(name string) Header {
	return Header{Name: name, Value: b.headers[strings.ToLower(name)]}
}

// Headers returns the decoded header map.
func (b *Base) Headers() map[string]string {
	return b.headers
}

// Flags returns a copy of the flag set.
func (b *Base) Flags() []string {
	return append([]string(nil), b.flags...)
}

// SetFlags replaces the flag set.
func (b *Base) SetFlags(flags []string) {
	b.flags = append([]string(nil), flags...)
}

// HasFlag reports whether flag is set.
func (b *Base) HasFlag(flag string) bool {
	for _, f := range b.flags {
		if f == flag {
			return true
		}
	}
	return false
}

var (
	listHeaders = []string{
		"delivered-to", "mailing-list", "x-beenthere", "x-mailing-list",
	}
	strictListHeaders = []string{
		"list-archive", "list-help", "list-id", "list-post", "list-subscribe", "x-mailing-list",
	}
	recipientHeaders = []string{"to", "cc"}
)

// FromMailingList reports whether any of the common mailing list headers
// mentions list.
func FromMailingList(m Message, list string) bool {
	return anyContains(m, listHeaders, list)
}

// StrictMailingList is like FromMailingList but only considers headers that
// mailing list software adds exclusively.
func StrictMailingList(m Message, list string) bool {
	return anyContains(m, strictListHeaders, list)
}

// RecipientsContain reports whether To or Cc contains s.
func RecipientsContain(m Message, s string) bool {
	return anyContains(m, recipientHeaders, s)
}

// RecipientsMatch reports whether To or Cc matches re.
func RecipientsMatch(m Message, re *regexp.Regexp) bool {
	for _, name := range recipientHeaders {
		if m.Header(name).MatchesRegexp(re) {
			return true
		}
	}
	return false
}

// Summary returns the headers logged when a message is first seen.
func Summary(m Message) logrus.Fields {
	out := logrus.Fields{"folder": m.Folder(), "flags": m.Flags()}
	for _, name := range []string{"message-id", "subject", "date", "from", "to", "cc"} {
		out[name] = m.Header(name).Value
	}
	return out
}

func anyContains(m Message, names []string, s string) bool {
	for _, name := range names {
		if m.Header(name).Contains(s) {
			return true
		}
	}
	return false
}

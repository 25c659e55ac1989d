package imap

import "context"

// Mailbox is one entry of a LIST response.
type Mailbox struct {
	Name       string
	Delimiter  string
	Attributes []string
}

// HasChildren reports whether the server flagged the mailbox with \HasChildren.
func (m Mailbox) HasChildren() bool {
	for _, attr := range m.Attributes {
		if attr == `\HasChildren` {
			return true
		}
	}
	return false
}

// Fetched is one message returned by a UID FETCH. Header is only set for
// header fetches.
type Fetched struct {
	UID    uint32
	Flags  []string
	Header []byte
}

// Session is the subset of an authenticated IMAP session the engine uses.
// UID scoped commands operate on the currently selected folder.
type Session interface {
	List(ref, pattern string) ([]Mailbox, error)
	Select(name string) (uidValidity uint32, err error)
	Create(name string) error
	Subscribe(name string) error
	SearchAll() ([]uint32, error)
	FetchHeaders(uids []uint32) ([]Fetched, error)
	FetchFlags(uids []uint32) ([]Fetched, error)
	FetchRaw(uid uint32) ([]byte, error)
	Copy(uid uint32, dest string) error
	Delete(uid uint32) error
	Logout() error
}

// Dialer opens and authenticates a new session.
type Dialer func(ctx context.Context) (Session, error)

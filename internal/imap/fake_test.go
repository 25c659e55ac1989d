package imap

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type fakeMessage struct {
	header string
	flags  []string
}

type fakeFolder struct {
	uidValidity uint32
	messages    map[uint32]*fakeMessage
}

// fakeServer holds mailbox state shared by every session dialed against it.
type fakeServer struct {
	mailboxes []Mailbox
	folders   map[string]*fakeFolder
	commands  []string
	dials     int

	// failFlagFetches makes the next n FetchFlags calls fail as if the
	// connection dropped.
	failFlagFetches int

	// failList makes LIST fail.
	failList bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		mailboxes: []Mailbox{{Name: "INBOX", Delimiter: "."}},
		folders:   make(map[string]*fakeFolder),
	}
}

func (s *fakeServer) addFolder(name string, uidValidity uint32, uids ...uint32) *fakeFolder {
	f := &fakeFolder{uidValidity: uidValidity, messages: make(map[uint32]*fakeMessage)}
	for _, uid := range uids {
		f.messages[uid] = &fakeMessage{
			header: fmt.Sprintf("Subject: message %d\r\nFrom: sender@example.com\r\nTo: me@example.com\r\n\r\n", uid),
			flags:  []string{},
		}
	}
	s.folders[name] = f
	return f
}

func (s *fakeServer) dial(context.Context) (Session, error) {
	s.dials++
	return &fakeSession{srv: s}, nil
}

// count returns how many recorded commands start with prefix.
func (s *fakeServer) count(prefix string) int {
	n := 0
	for _, cmd := range s.commands {
		if strings.HasPrefix(cmd, prefix) {
			n++
		}
	}
	return n
}

// matching returns the recorded commands starting with prefix.
func (s *fakeServer) matching(prefix string) []string {
	var out []string
	for _, cmd := range s.commands {
		if strings.HasPrefix(cmd, prefix) {
			out = append(out, cmd)
		}
	}
	return out
}

type fakeSession struct {
	srv      *fakeServer
	selected string
	closed   bool
}

func (f *fakeSession) record(cmd string) {
	f.srv.commands = append(f.srv.commands, cmd)
}

func (f *fakeSession) folder() (*fakeFolder, error) {
	folder := f.srv.folders[f.selected]
	if folder == nil {
		return nil, fmt.Errorf("%w: no mailbox selected", ErrRejected)
	}
	return folder, nil
}

func (f *fakeSession) List(ref, pattern string) ([]Mailbox, error) {
	f.record("LIST")
	if f.srv.failList {
		return nil, fmt.Errorf("%w: LIST not allowed", ErrRejected)
	}
	return f.srv.mailboxes, nil
}

func (f *fakeSession) Select(name string) (uint32, error) {
	f.record("SELECT " + name)
	folder := f.srv.folders[name]
	if folder == nil {
		f.selected = ""
		return 0, fmt.Errorf("%w: mailbox %s does not exist", ErrRejected, name)
	}
	f.selected = name
	return folder.uidValidity, nil
}

func (f *fakeSession) Create(name string) error {
	f.record("CREATE " + name)
	if _, ok := f.srv.folders[name]; ok {
		return fmt.Errorf("%w: mailbox exists", ErrRejected)
	}
	f.srv.addFolder(name, 1)
	return nil
}

func (f *fakeSession) Subscribe(name string) error {
	f.record("SUBSCRIBE " + name)
	return nil
}

func (f *fakeSession) SearchAll() ([]uint32, error) {
	f.record("SEARCH")
	folder, err := f.folder()
	if err != nil {
		return nil, err
	}
	uids := make([]uint32, 0, len(folder.messages))
	for uid := range folder.messages {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (f *fakeSession) FetchHeaders(uids []uint32) ([]Fetched, error) {
	f.record("FETCH HEADERS " + joinUIDs(uids))
	folder, err := f.folder()
	if err != nil {
		return nil, err
	}
	var out []Fetched
	for _, uid := range uids {
		if msg, ok := folder.messages[uid]; ok {
			out = append(out, Fetched{UID: uid, Flags: append([]string(nil), msg.flags...), Header: []byte(msg.header)})
		}
	}
	return out, nil
}

func (f *fakeSession) FetchFlags(uids []uint32) ([]Fetched, error) {
	f.record("FETCH FLAGS " + joinUIDs(uids))
	if f.srv.failFlagFetches > 0 {
		f.srv.failFlagFetches--
		return nil, fmt.Errorf("UID FETCH: %w: connection reset by peer", ErrConnectionLost)
	}
	folder, err := f.folder()
	if err != nil {
		return nil, err
	}
	var out []Fetched
	for _, uid := range uids {
		if msg, ok := folder.messages[uid]; ok {
			out = append(out, Fetched{UID: uid, Flags: append([]string(nil), msg.flags...)})
		}
	}
	return out, nil
}

func (f *fakeSession) FetchRaw(uid uint32) ([]byte, error) {
	f.record("FETCH RAW " + strconv.FormatUint(uint64(uid), 10))
	folder, err := f.folder()
	if err != nil {
		return nil, err
	}
	msg, ok := folder.messages[uid]
	if !ok {
		return nil, fmt.Errorf("%w: no such message", ErrRejected)
	}
	return []byte(msg.header + "body\r\n"), nil
}

func (f *fakeSession) Copy(uid uint32, dest string) error {
	f.record(fmt.Sprintf("COPY %d %s", uid, dest))
	folder, err := f.folder()
	if err != nil {
		return err
	}
	target := f.srv.folders[dest]
	if target == nil {
		return fmt.Errorf("UID COPY: %w: [TRYCREATE] no such mailbox", ErrTryCreate)
	}
	msg := folder.messages[uid]
	next := uint32(len(target.messages) + 1)
	target.messages[next] = &fakeMessage{header: msg.header, flags: append([]string(nil), msg.flags...)}
	return nil
}

func (f *fakeSession) Delete(uid uint32) error {
	f.record(fmt.Sprintf("DELETE %d", uid))
	folder, err := f.folder()
	if err != nil {
		return err
	}
	delete(folder.messages, uid)
	return nil
}

func (f *fakeSession) Logout() error {
	f.record("LOGOUT")
	f.closed = true
	return nil
}

func joinUIDs(uids []uint32) string {
	parts := make([]string, len(uids))
	for i, uid := range uids {
		parts[i] = strconv.FormatUint(uint64(uid), 10)
	}
	return strings.Join(parts, ",")
}

package imap

import "errors"

// Session errors. Adapters wrap the underlying protocol error so callers can
// test with errors.Is and still log the server's text.
var (
	// ErrConnectionLost indicates the session died mid-command (timeout,
	// closed socket). The session must be reopened before further use.
	ErrConnectionLost = errors.New("imap connection lost")

	// ErrTryCreate indicates a COPY was refused because the destination
	// folder does not exist.
	ErrTryCreate = errors.New("imap destination folder does not exist")

	// ErrRejected indicates the server answered NO or BAD.
	ErrRejected = errors.New("imap command rejected")
)

package mail

import "errors"

// Destination errors.
var (
	// ErrTargetMissing indicates the destination folder does not exist and
	// creation was not requested.
	ErrTargetMissing = errors.New("target folder does not exist")
)

// Message errors.
var (
	// ErrMessageGone indicates the message was already deleted or moved
	// through this handle.
	ErrMessageGone = errors.New("message already deleted or moved")
)

// Submission errors.
var (
	// ErrSubmissionFailed indicates the mail submission command exited
	// with a non-zero status.
	ErrSubmissionFailed = errors.New("mail submission failed")
)

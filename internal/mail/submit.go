package mail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// Default mail submission command.
const (
	DefaultSendmail      = "/usr/sbin/sendmail"
	DefaultSendmailFlags = "-i"
)

// Submitter hands raw messages to an external mail submission command such
// as sendmail.
type Submitter struct {
	Command string
	Flags   string
	logger  logrus.FieldLogger
}

// NewSubmitter creates a submitter running command with the given
// whitespace separated flags.
func NewSubmitter(command, flags string, logger logrus.FieldLogger) *Submitter {
	if command == "" {
		command = DefaultSendmail
	}
	return &Submitter{Command: command, Flags: flags, logger: logger}
}

// Args returns the command line arguments used to submit to addresses.
func (s *Submitter) Args(addresses []string, envSender string) []string {
	args := strings.Fields(s.Flags)
	if envSender != "" {
		args = append(args, "-f", envSender)
	}
	args = append(args, "--")
	return append(args, addresses...)
}

// Submit streams msg to the submission command's standard input. A non-zero
// exit status is reported as ErrSubmissionFailed.
func (s *Submitter) Submit(ctx context.Context, msg io.Reader, addresses []string, envSender string) error {
	cmd := exec.CommandContext(ctx, s.Command, s.Args(addresses, envSender)...)
	cmd.Stdin = msg

	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			s.logger.WithFields(logrus.Fields{
				"command": s.Command,
				"status":  exitErr.ExitCode(),
				"output":  strings.TrimSpace(string(out)),
			}).Error("Mail submission command failed")
			return fmt.Errorf("%w: %s exited %d", ErrSubmissionFailed, s.Command, exitErr.ExitCode())
		}
		return fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}
	return nil
}

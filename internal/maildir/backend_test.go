package maildir

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailproc/internal/mail"
)

const sampleMessage = "Subject: hello\r\nFrom: a@example.com\r\nTo: list@example.com\r\n\r\nbody\r\n"

func makeMaildir(t *testing.T, dir string) {
	t.Helper()
	for _, sub := range []string{"tmp", "new", "cur"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0o700))
	}
}

func writeMessage(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(sampleMessage), 0o600))
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func newTestBackend(t *testing.T, base string, ns mail.Namespace, maildirs ...string) (*Backend, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	b := NewBackend(Options{Base: base, Maildirs: maildirs}, ns, mail.NewSubmitter("/bin/true", "", logger), logger)
	return b, hook
}

func collect(b *Backend) []mail.Message {
	var out []mail.Message
	for msg := range b.Messages() {
		out = append(out, msg)
	}
	return out
}

func TestMoveCreatesTargetMaildir(t *testing.T) {
	base := t.TempDir()
	makeMaildir(t, filepath.Join(base, "A"))
	writeMessage(t, filepath.Join(base, "A", "cur", "msg1:2,SF"))

	b, _ := newTestBackend(t, base, mail.Namespace{Separator: "/"}, "A")
	require.True(t, b.Namespace().Hierarchical)
	require.NoError(t, b.Refresh(context.Background()))

	msgs := collect(b)
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].IsSeen())
	require.True(t, msgs[0].IsFlagged())
	require.Equal(t, "hello", msgs[0].Header("subject").Value)

	require.NoError(t, msgs[0].Move(context.Background(), mail.Name("B"), true))

	for _, sub := range []string{"tmp", "new", "cur"} {
		info, err := os.Stat(filepath.Join(base, "B", sub))
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
	require.Empty(t, listDir(t, filepath.Join(base, "A", "cur")))
	require.Empty(t, listDir(t, filepath.Join(base, "B", "tmp")))

	moved := listDir(t, filepath.Join(base, "B", "cur"))
	require.Len(t, moved, 1)
	require.True(t, strings.HasSuffix(moved[0], ":2,FS"), moved[0])
	require.Equal(t, []string{"F", "S"}, ParseFlags(moved[0]))
}

func TestMoveWithoutCreateFails(t *testing.T) {
	base := t.TempDir()
	makeMaildir(t, filepath.Join(base, "A"))
	src := filepath.Join(base, "A", "new", "msg1")
	writeMessage(t, src)

	b, _ := newTestBackend(t, base, mail.Namespace{Separator: "/"}, "A")
	require.NoError(t, b.Refresh(context.Background()))

	err := collect(b)[0].Move(context.Background(), mail.Name("B"), false)
	require.ErrorIs(t, err, mail.ErrTargetMissing)
	_, err = os.Stat(src)
	require.NoError(t, err)
}

func TestCopyKeepsSubdirectoryAndSource(t *testing.T) {
	base := t.TempDir()
	makeMaildir(t, base)
	src := filepath.Join(base, "new", "msg1")
	writeMessage(t, src)

	b, _ := newTestBackend(t, base, DefaultNamespace, "")
	require.NoError(t, b.Refresh(context.Background()))

	msg := collect(b)[0]
	require.NoError(t, msg.Copy(context.Background(), mail.Name("lists.go"), true))

	require.True(t, isMaildir(filepath.Join(base, ".lists")))
	target := filepath.Join(base, ".lists.go")
	copied := listDir(t, filepath.Join(target, "new"))
	require.Len(t, copied, 1)
	require.NotContains(t, copied[0], ":2,")
	require.Empty(t, listDir(t, filepath.Join(target, "tmp")))
	require.Empty(t, listDir(t, filepath.Join(target, "cur")))

	data, err := os.ReadFile(filepath.Join(target, "new", copied[0]))
	require.NoError(t, err)
	require.Equal(t, sampleMessage, string(data))

	_, err = os.Stat(src)
	require.NoError(t, err)
}

func TestCreateFolderIdempotent(t *testing.T) {
	base := t.TempDir()
	b, _ := newTestBackend(t, base, DefaultNamespace, "")

	require.NoError(t, b.CreateFolder(mail.Path{"a", "b"}, true))
	require.NoError(t, b.CreateFolder(mail.Name("a.b"), true))
	require.True(t, isMaildir(filepath.Join(base, ".a")))
	require.True(t, isMaildir(filepath.Join(base, ".a.b")))
	require.ElementsMatch(t, []string{".a", ".a.b"}, listDir(t, base))
}

func TestDeleteMissingFileIsSoft(t *testing.T) {
	base := t.TempDir()
	makeMaildir(t, base)
	src := filepath.Join(base, "cur", "msg1:2,S")
	writeMessage(t, src)

	b, hook := newTestBackend(t, base, DefaultNamespace, "")
	require.NoError(t, b.Refresh(context.Background()))
	msg := collect(b)[0]

	require.NoError(t, os.Remove(src))
	require.NoError(t, msg.Delete(context.Background()))
	require.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestDeleteThenInert(t *testing.T) {
	base := t.TempDir()
	makeMaildir(t, base)
	src := filepath.Join(base, "cur", "msg1")
	writeMessage(t, src)

	b, hook := newTestBackend(t, base, DefaultNamespace, "")
	require.NoError(t, b.Refresh(context.Background()))
	msg := collect(b)[0]

	require.NoError(t, msg.Delete(context.Background()))
	_, err := os.Stat(src)
	require.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, msg.Move(context.Background(), mail.Name("x"), true))
	require.Equal(t, "Ignoring operation on deleted message", hook.LastEntry().Message)
	require.ErrorIs(t, hook.LastEntry().Data[logrus.ErrorKey].(error), mail.ErrMessageGone)
	require.False(t, isMaildir(filepath.Join(base, ".x")))
}

func TestRefreshOrderAndPolling(t *testing.T) {
	base := t.TempDir()
	makeMaildir(t, base)
	writeMessage(t, filepath.Join(base, "cur", "b"))
	writeMessage(t, filepath.Join(base, "cur", "a:2,S"))
	writeMessage(t, filepath.Join(base, "new", "c"))

	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	for _, sub := range []string{"cur", "new"} {
		require.NoError(t, os.Chtimes(filepath.Join(base, sub), past, past))
	}

	b, _ := newTestBackend(t, base, DefaultNamespace, "")
	ctx := context.Background()

	require.NoError(t, b.Refresh(ctx))
	msgs := collect(b)
	require.Len(t, msgs, 3)
	require.Equal(t, filepath.Join(base, "cur", "a:2,S"), msgs[0].ID())
	require.Equal(t, filepath.Join(base, "cur", "b"), msgs[1].ID())
	require.Equal(t, filepath.Join(base, "new", "c"), msgs[2].ID())
	require.Equal(t, "", msgs[0].Folder())

	// unchanged directories are not rescanned
	require.NoError(t, b.Refresh(ctx))
	require.Empty(t, collect(b))

	writeMessage(t, filepath.Join(base, "new", "d"))
	later := past.Add(time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(base, "new"), later, later))

	require.NoError(t, b.Refresh(ctx))
	msgs = collect(b)
	require.Len(t, msgs, 2)
	require.Equal(t, filepath.Join(base, "new", "c"), msgs[0].ID())
	require.Equal(t, filepath.Join(base, "new", "d"), msgs[1].ID())
}

func TestRefreshDefersCurrentSecond(t *testing.T) {
	base := t.TempDir()
	makeMaildir(t, base)
	writeMessage(t, filepath.Join(base, "new", "msg1"))

	stamp := time.Now().Add(-time.Hour).Truncate(time.Second)
	for _, sub := range []string{"cur", "new"} {
		require.NoError(t, os.Chtimes(filepath.Join(base, sub), stamp, stamp))
	}

	b, _ := newTestBackend(t, base, DefaultNamespace, "")
	b.now = func() time.Time { return stamp.Add(500 * time.Millisecond) }

	require.NoError(t, b.Refresh(context.Background()))
	require.Len(t, collect(b), 1)
	require.NoError(t, b.Refresh(context.Background()))
	require.Len(t, collect(b), 1, "a directory modified in the current second is scanned again")

	b.now = func() time.Time { return stamp.Add(2 * time.Second) }
	require.NoError(t, b.Refresh(context.Background()))
	require.Len(t, collect(b), 1)
	require.NoError(t, b.Refresh(context.Background()))
	require.Empty(t, collect(b))
}

func TestRefreshMissingMaildir(t *testing.T) {
	b, _ := newTestBackend(t, t.TempDir(), DefaultNamespace, "nope")
	require.Error(t, b.Refresh(context.Background()))

	empty, _ := newTestBackend(t, t.TempDir(), DefaultNamespace)
	require.Error(t, empty.Refresh(context.Background()))
}

func TestForwardDeletesOnlyAfterSubmission(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")

	tests := []struct {
		name    string
		script  string
		deleted bool
	}{
		{name: "success", script: "cat > " + out + "\n", deleted: true},
		{name: "failure", script: "cat > /dev/null\nexit 1\n", deleted: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := t.TempDir()
			makeMaildir(t, base)
			src := filepath.Join(base, "new", "msg1")
			writeMessage(t, src)

			script := filepath.Join(t.TempDir(), "sendmail")
			require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"+tt.script), 0o755))

			b, _ := newTestBackend(t, base, DefaultNamespace, "")
			b.submitter = mail.NewSubmitter(script, "-i", b.logger)
			require.NoError(t, b.Refresh(context.Background()))

			require.NoError(t, collect(b)[0].Forward(context.Background(), []string{"x@example.com"}, "", true))
			_, err := os.Stat(src)
			if tt.deleted {
				require.ErrorIs(t, err, os.ErrNotExist)
			} else {
				require.NoError(t, err)
			}
		})
	}

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, sampleMessage, string(data))
}

func TestDryRunLeavesFilesAlone(t *testing.T) {
	base := t.TempDir()
	makeMaildir(t, base)
	src := filepath.Join(base, "new", "msg1")
	writeMessage(t, src)

	b, _ := newTestBackend(t, base, DefaultNamespace, "")
	b.opts.DryRun = true
	require.NoError(t, b.Refresh(context.Background()))

	msg := collect(b)[0]
	require.NoError(t, msg.Move(context.Background(), mail.Name("x"), true))
	require.NoError(t, msg.Delete(context.Background()))

	_, err := os.Stat(src)
	require.NoError(t, err)
	require.False(t, isMaildir(filepath.Join(base, ".x")))
}

func TestRefreshKeepsParseableHeaders(t *testing.T) {
	base := t.TempDir()
	makeMaildir(t, filepath.Join(base, "A"))
	raw := "Subject: important\nBroken line\nFrom: boss@example.com\n\nbody\n"
	require.NoError(t, os.WriteFile(filepath.Join(base, "A", "new", "msg1"), []byte(raw), 0o600))

	b, _ := newTestBackend(t, base, DefaultNamespace, "A")
	require.NoError(t, b.Refresh(context.Background()))

	msgs := collect(b)
	require.Len(t, msgs, 1)
	require.Equal(t, "important", msgs[0].Header("Subject").Value)
	require.Equal(t, "boss@example.com", msgs[0].Header("From").Value)
}

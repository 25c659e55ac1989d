package mail

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

const rawHeader = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: =?utf-8?q?Gr=C3=BC=C3=9Fe?= from\r\n" +
	"  the list\r\n" +
	"Received: from a\r\n" +
	"Received: from b\r\n" +
	"List-Id: Go Nuts <golang-nuts.googlegroups.com>\r\n" +
	"\r\n"

func TestParseHeaders(t *testing.T) {
	logger, hook := test.NewNullLogger()

	headers, err := ParseHeaders(strings.NewReader(rawHeader), logger)
	require.NoError(t, err)
	require.Empty(t, hook.AllEntries())

	require.Equal(t, "Alice <alice@example.com>", headers["from"])
	require.Equal(t, "Grüße from the list", headers["subject"])
	require.Contains(t, headers["received"], "from a")
	require.Contains(t, headers["received"], "from b")
	require.NotContains(t, headers, "cc")
}

func TestParseHeadersUndecodable(t *testing.T) {
	logger, hook := test.NewNullLogger()

	raw := "Subject: =?x-no-such-charset?q?abc?=\r\n\r\n"
	headers, err := ParseHeaders(strings.NewReader(raw), logger)
	require.NoError(t, err)
	require.Equal(t, "=?x-no-such-charset?q?abc?=", headers["subject"])
	require.Len(t, hook.AllEntries(), 1)
}

func TestParseHeadersMalformedLine(t *testing.T) {
	logger, hook := test.NewNullLogger()

	raw := "Subject: hello\r\n" +
		"From: a@example.com\r\n" +
		"This line has no colon\r\n" +
		"To: b@example.com,\r\n" +
		"  c@example.com\r\n" +
		"\r\n"
	headers, err := ParseHeaders(strings.NewReader(raw), logger)
	require.NoError(t, err)

	require.Equal(t, "hello", headers["subject"])
	require.Equal(t, "a@example.com", headers["from"])
	require.Equal(t, "b@example.com, c@example.com", headers["to"])
	require.Len(t, headers, 3)

	var skipped int
	for _, e := range hook.AllEntries() {
		if e.Message == "Skipping malformed header line" {
			skipped++
			require.Equal(t, "This line has no colon", e.Data["line"])
		}
	}
	require.Equal(t, 1, skipped)
}

func TestParseHeadersStopsAtBody(t *testing.T) {
	logger, _ := test.NewNullLogger()

	raw := "Subject: hi\n\nBody: not a header\n"
	headers, err := ParseHeaders(strings.NewReader(raw), logger)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"subject": "hi"}, headers)

	headers, err = ParseHeaders(strings.NewReader("Subject: unterminated"), logger)
	require.NoError(t, err)
	require.Equal(t, "unterminated", headers["subject"])
}

func TestHeaderPredicates(t *testing.T) {
	h := Header{Name: "Subject", Value: "Re: Weekly REPORT"}

	require.True(t, h.Contains("weekly report"))
	require.False(t, h.Contains("monthly"))
	require.True(t, h.Matches(`^re:\s+weekly`))
	require.False(t, h.Matches(`^fwd:`))
	require.False(t, h.Matches(`(`))
}

func TestMailingListHelpers(t *testing.T) {
	m := &stubMessage{Base: NewBase(map[string]string{
		"list-id": "Go Nuts <golang-nuts.googlegroups.com>",
		"to":      "Team <team@example.com>",
	}, nil)}

	require.False(t, FromMailingList(m, "golang"))
	require.True(t, StrictMailingList(m, "GOLANG-NUTS"))
	require.True(t, RecipientsContain(m, "team@"))
	require.False(t, RecipientsContain(m, "other@"))
}

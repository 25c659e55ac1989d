package maildir

import (
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/emersion/go-maildir"
)

// infoSeparator introduces the flag letters in a maildir file name.
const infoSeparator = ":2,"

var (
	flagSeen    = string(rune(maildir.FlagSeen))
	flagFlagged = string(rune(maildir.FlagFlagged))
)

// ParseFlags returns the flag letters encoded in a maildir file name,
// upper-cased, deduplicated and sorted. Names without an info part have no
// flags.
func ParseFlags(name string) []string {
	base := filepath.Base(name)
	i := strings.LastIndex(base, infoSeparator)
	if i < 0 {
		return []string{}
	}

	seen := make(map[string]struct{})
	flags := []string{}
	for _, r := range base[i+len(infoSeparator):] {
		f := string(unicode.ToUpper(r))
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		flags = append(flags, f)
	}
	sort.Strings(flags)
	return flags
}

// FlagSuffix encodes flags as a maildir info part (":2,FS").
func FlagSuffix(flags []string) string {
	letters := make([]string, 0, len(flags))
	for _, f := range flags {
		letters = append(letters, strings.ToUpper(f))
	}
	sort.Strings(letters)
	return infoSeparator + strings.Join(letters, "")
}

// hasInfo reports whether a file name carries an info part.
func hasInfo(name string) bool {
	return strings.Contains(filepath.Base(name), infoSeparator)
}

package maildir

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var hostnameEscaper = strings.NewReplacer("/", `\057`, ":", `\072`)

// NameGenerator creates unique maildir delivery names of the form
// <sec>.M<usec>P<pid>Q<deliveries>R<random>.<host>.
type NameGenerator struct {
	host       string
	pid        int
	deliveries atomic.Uint64
	now        func() time.Time
}

// NewNameGenerator creates a generator for this process and host.
func NewNameGenerator() *NameGenerator {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return &NameGenerator{
		host: escapeHostname(host),
		pid:  os.Getpid(),
		now:  time.Now,
	}
}

// Next returns a new delivery name.
func (g *NameGenerator) Next() string {
	now := g.now()
	n := g.deliveries.Add(1) - 1

	var buf [4]byte
	var random uint32
	if _, err := rand.Read(buf[:]); err == nil {
		random = binary.BigEndian.Uint32(buf[:])
	} else {
		random = uint32(now.UnixNano())
	}

	return fmt.Sprintf("%d.M%dP%dQ%dR%08x.%s",
		now.Unix(),
		now.Nanosecond()/1000,
		g.pid,
		n,
		random,
		g.host,
	)
}

// escapeHostname replaces the characters maildir reserves in file names.
func escapeHostname(host string) string {
	return hostnameEscaper.Replace(host)
}

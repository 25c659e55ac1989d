package mail

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strings"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
	"github.com/sirupsen/logrus"
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// Header is the decoded value of one message header. A missing header has an
// empty value.
type Header struct {
	Name  string
	Value string
}

// String returns the header value.
func (h Header) String() string {
	return h.Value
}

// Contains reports whether the header value contains s, ignoring case.
func (h Header) Contains(s string) bool {
	return strings.Contains(strings.ToLower(h.Value), strings.ToLower(s))
}

// Matches reports whether the header value matches the regular expression
// pattern, ignoring case. Invalid patterns never match.
func (h Header) Matches(pattern string) bool {
	re, err := regexp.Compile("(?im)" + pattern)
	if err != nil {
		return false
	}
	return re.MatchString(h.Value)
}

// MatchesRegexp reports whether the header value matches a precompiled expression.
func (h Header) MatchesRegexp(re *regexp.Regexp) bool {
	return re.MatchString(h.Value)
}

// ParseHeaders reads an RFC 5322 header block and returns a map of lower-cased
// header names to decoded values. Repeated headers are joined with a space.
// Values that cannot be decoded are kept raw and logged. Malformed lines are
// logged and skipped; the remaining fields are kept.
func ParseHeaders(r io.Reader, logger logrus.FieldLogger) (map[string]string, error) {
	block, err := readBlock(bufio.NewReader(r))
	if err != nil {
		return map[string]string{}, fmt.Errorf("failed to read header: %w", err)
	}

	fields, err := strictFields(block)
	if err != nil {
		logger.WithError(err).Error("Malformed header, keeping the fields that parse")
		fields = lenientFields(block, logger)
	}

	parts := make(map[string][]string)
	var order []string
	for _, f := range fields {
		name := strings.ToLower(f.name)
		raw := unfold(f.value)

		value, err := wordDecoder.DecodeHeader(raw)
		if err != nil {
			logger.WithError(err).WithField("header", name).Error("Could not decode header")
			value = raw
		}

		if _, ok := parts[name]; !ok {
			order = append(order, name)
		}
		parts[name] = append(parts[name], value)
	}

	headers := make(map[string]string, len(order))
	for _, name := range order {
		headers[name] = strings.Join(parts[name], " ")
	}
	return headers, nil
}

type field struct {
	name  string
	value string
}

// readBlock returns the header block up to and including the empty line
// that ends it, adding one if the input stops early.
func readBlock(br *bufio.Reader) ([]byte, error) {
	var block []byte
	for {
		line, err := br.ReadBytes('\n')
		if err == io.EOF {
			if len(line) > 0 {
				block = append(block, line...)
				block = append(block, "\r\n"...)
			}
			return append(block, "\r\n"...), nil
		}
		if err != nil {
			return nil, err
		}
		block = append(block, line...)
		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			return block, nil
		}
	}
}

func strictFields(block []byte) ([]field, error) {
	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(block)))
	if err != nil {
		return nil, err
	}
	var fields []field
	it := hdr.Fields()
	for it.Next() {
		fields = append(fields, field{name: it.Key(), value: it.Value()})
	}
	return fields, nil
}

// lenientFields scans block line by line. Lines that are neither a field nor
// the continuation of a kept field are dropped.
func lenientFields(block []byte, logger logrus.FieldLogger) []field {
	var fields []field
	keep := false
	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			if keep {
				fields[len(fields)-1].value += "\r\n" + line
			}
			continue
		}

		i := strings.IndexByte(line, ':')
		keep = i > 0 && validFieldName(line[:i])
		if !keep {
			logger.WithField("line", line).Error("Skipping malformed header line")
			continue
		}
		fields = append(fields, field{name: line[:i], value: strings.TrimLeft(line[i+1:], " \t")})
	}
	return fields
}

func validFieldName(name string) bool {
	for i := 0; i < len(name); i++ {
		if c := name[i]; c <= ' ' || c >= 0x7f {
			return false
		}
	}
	return true
}

func unfold(v string) string {
	if !strings.ContainsAny(v, "\r\n") {
		return strings.TrimSpace(v)
	}
	lines := strings.FieldsFunc(v, func(r rune) bool { return r == '\r' || r == '\n' })
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return strings.Join(lines, " ")
}

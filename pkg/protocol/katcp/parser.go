// Copyright 2026 The jive5ab-bridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package katcp

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyLine is returned for blank lines, which clients may send freely.
	ErrEmptyLine = errors.New("empty line")
	// ErrMalformed is wrapped by every other parse failure.
	ErrMalformed = errors.New("malformed katcp message")
)

// Parse decodes one line, with or without its terminator.
func Parse(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Message{}, ErrEmptyLine
	}

	var m Message
	switch Type(line[0]) {
	case Request, Reply, Inform:
		m.Type = Type(line[0])
	default:
		return Message{}, fmt.Errorf("%w: unexpected leading character %q", ErrMalformed, line[0])
	}

	words := strings.FieldsFunc(line[1:], func(r rune) bool { return r == ' ' || r == '\t' })
	if len(words) == 0 {
		return Message{}, fmt.Errorf("%w: missing message name", ErrMalformed)
	}

	name := words[0]
	if i := strings.IndexByte(name, '['); i >= 0 {
		if !strings.HasSuffix(name, "]") {
			return Message{}, fmt.Errorf("%w: unterminated message id in %q", ErrMalformed, name)
		}
		m.ID = name[i+1 : len(name)-1]
		name = name[:i]
		if !validID(m.ID) {
			return Message{}, fmt.Errorf("%w: invalid message id %q", ErrMalformed, m.ID)
		}
	}
	if !validName(name) {
		return Message{}, fmt.Errorf("%w: invalid message name %q", ErrMalformed, name)
	}
	m.Name = name

	for _, w := range words[1:] {
		arg, err := Unescape(w)
		if err != nil {
			return Message{}, err
		}
		m.Args = append(m.Args, arg)
	}
	return m, nil
}

// Encode renders m as a newline-terminated line.
func Encode(m Message) []byte {
	var b strings.Builder
	b.WriteByte(byte(m.Type))
	b.WriteString(m.Name)
	if m.ID != "" {
		b.WriteByte('[')
		b.WriteString(m.ID)
		b.WriteByte(']')
	}
	for _, a := range m.Args {
		b.WriteByte(' ')
		b.WriteString(Escape(a))
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// Escape applies KATCP argument escaping.
func Escape(s string) string {
	if s == "" {
		return `\@`
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			b.WriteString(`\\`)
		case ' ':
			b.WriteString(`\_`)
		case '\t':
			b.WriteString(`\t`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case 0x1b:
			b.WriteString(`\e`)
		case 0:
			b.WriteString(`\0`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Unescape reverses Escape.
func Unescape(s string) (string, error) {
	if s == `\@` {
		return "", nil
	}
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("%w: trailing backslash in %q", ErrMalformed, s)
		}
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case '_':
			b.WriteByte(' ')
		case 't':
			b.WriteByte('\t')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 'e':
			b.WriteByte(0x1b)
		case '0':
			b.WriteByte(0)
		default:
			return "", fmt.Errorf("%w: unknown escape \\%c in %q", ErrMalformed, s[i], s)
		}
	}
	return b.String(), nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && (c >= '0' && c <= '9' || c == '-'):
		default:
			return false
		}
	}
	return true
}

func validID(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return true
}

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

package jive

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// MaxLineLength bounds a single reply line.
const MaxLineLength = 64 * 1024

// EncodeCommand writes cmd followed by a newline.
func EncodeCommand(w io.Writer, cmd Command) error {
	_, err := io.WriteString(w, cmd.String()+"\n")
	return err
}

// NewLineScanner returns a scanner that yields reply lines from r with line
// terminators stripped.
func NewLineScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), MaxLineLength)
	return s
}

// ParseReply parses one reply line. It never fails: lines that do not look
// like a reply come back with StatusUnknown and the raw text preserved.
func ParseReply(line string) Reply {
	raw := strings.TrimRight(line, "\r\n")
	r := Reply{Status: StatusUnknown, Code: -1, Raw: raw}

	body := strings.TrimSpace(raw)
	if !strings.HasPrefix(body, "!") {
		return r
	}
	body = strings.TrimSpace(strings.TrimSuffix(body, ";"))

	fields := strings.Split(body[1:], ":")
	head := strings.TrimSpace(fields[0])
	for _, f := range fields[1:] {
		r.Payload = append(r.Payload, strings.TrimSpace(f))
	}
	// "!ok ;" leaves a single empty field after the split.
	if len(r.Payload) == 1 && r.Payload[0] == "" {
		r.Payload = nil
	}

	switch strings.ToLower(head) {
	case "ok":
		r.Status = StatusOK
		return r
	case "error", "err", "fail":
		r.Status = StatusError
		return r
	}

	sep := strings.IndexAny(head, "=?")
	if sep <= 0 {
		r.Payload = nil
		return r
	}
	code, err := strconv.Atoi(strings.TrimSpace(head[sep+1:]))
	if err != nil {
		r.Payload = nil
		return r
	}
	r.Echo = strings.TrimSpace(head[:sep])
	r.EchoQuery = head[sep] == '?'
	r.Code = code
	if code == CodeCompleted || code == CodeInitiated {
		r.Status = StatusOK
	} else {
		r.Status = StatusError
	}
	return r
}

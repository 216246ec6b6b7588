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
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandString(t *testing.T) {
	assert.Equal(t, "net_protocol = udp ;", NewCommand("net_protocol", "udp").String())
	assert.Equal(t, "net_port = 50000 ;", NewCommand("net_port", "50000").String())
	assert.Equal(t, "record = on : testscan ;", NewCommand("record", "on", "testscan").String())
	assert.Equal(t, "status? ;", Query("status").String())
	assert.Equal(t, "status? ;", Query("status?").String())
}

func TestCommandIsImmutable(t *testing.T) {
	args := []string{"/mnt/disk0", "/mnt/disk1"}
	cmd := NewCommand("set_disks", args...)
	args[0] = "/tmp"
	assert.Equal(t, "/mnt/disk0", cmd.Args()[0])

	got := cmd.Args()
	got[1] = "/tmp"
	assert.Equal(t, "set_disks = /mnt/disk0 : /mnt/disk1 ;", cmd.String())
}

func TestCommandKeyword(t *testing.T) {
	q := Query("net_port")
	assert.True(t, q.IsQuery())
	assert.Equal(t, "net_port", q.Keyword())
	assert.Equal(t, "net_port?", q.Name())

	c := NewCommand("net_port", "50000")
	assert.False(t, c.IsQuery())
	assert.Equal(t, "net_port", c.Keyword())
}

func TestEncodeCommand(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeCommand(&buf, NewCommand("record", "off")))
	assert.Equal(t, "record = off ;\n", buf.String())
}

func TestParseReplyShortForms(t *testing.T) {
	r := ParseReply("!ok ;")
	assert.Equal(t, StatusOK, r.Status)
	assert.Equal(t, KindOK, r.Kind())
	assert.Empty(t, r.Payload)
	assert.Equal(t, -1, r.Code)

	r = ParseReply("!ok : udp : 33554432 ;\n")
	assert.Equal(t, KindOKPayload, r.Kind())
	assert.Equal(t, []string{"udp", "33554432"}, r.Payload)

	r = ParseReply("!error : disk /mnt/disk9 not mounted ;")
	assert.Equal(t, StatusError, r.Status)
	assert.Equal(t, KindError, r.Kind())
	assert.Equal(t, "disk /mnt/disk9 not mounted", r.Reason())
}

func TestParseReplyNative(t *testing.T) {
	r := ParseReply("!status? 0 : 0x00000001 : 12 ;")
	assert.Equal(t, StatusOK, r.Status)
	assert.Equal(t, 0, r.Code)
	assert.Equal(t, "status", r.Echo)
	assert.True(t, r.EchoQuery)
	assert.Equal(t, "0x00000001", r.Field(0))
	assert.Equal(t, "12", r.Field(1))
	assert.Equal(t, "", r.Field(5))

	r = ParseReply("!net_protocol = 0 ;")
	assert.Equal(t, StatusOK, r.Status)
	assert.Equal(t, "net_protocol", r.Echo)
	assert.False(t, r.EchoQuery)
	assert.Empty(t, r.Payload)

	r = ParseReply("!record = 1 ;")
	assert.Equal(t, StatusOK, r.Status, "code 1 means initiated")

	r = ParseReply("!record = 6 : already recording ;")
	assert.Equal(t, StatusError, r.Status)
	assert.Equal(t, 6, r.Code)
	assert.Equal(t, "already recording", r.Reason())

	r = ParseReply("!net_port = 8 ;")
	assert.Equal(t, "parameter error", r.Reason())
}

func TestParseReplyUnknown(t *testing.T) {
	for _, line := range []string{"", "hello", "!", "!status? x : y ;", "?status ;"} {
		r := ParseReply(line)
		assert.Equal(t, StatusUnknown, r.Status, line)
		assert.Equal(t, KindError, r.Kind(), line)
		assert.Empty(t, r.Payload, line)
	}
	assert.Equal(t, "hello", ParseReply("hello\r\n").Reason())
}

func TestReplyAnswers(t *testing.T) {
	assert.True(t, ParseReply("!net_port = 0 ;").Answers(NewCommand("net_port", "1")))
	assert.False(t, ParseReply("!net_port = 0 ;").Answers(NewCommand("net_protocol", "udp")))
	assert.False(t, ParseReply("!net_port? 0 : 50000 ;").Answers(NewCommand("net_port", "1")))
	assert.True(t, ParseReply("!ok ;").Answers(NewCommand("anything")))
}

func TestLineScanner(t *testing.T) {
	s := NewLineScanner(strings.NewReader("!ok ;\r\n!status? 0 : idle ;\n"))
	var lines []string
	for s.Scan() {
		lines = append(lines, ParseReply(s.Text()).Status.String())
	}
	require.NoError(t, s.Err())
	assert.Equal(t, []string{"ok", "ok"}, lines)
}

func FuzzParseReply(f *testing.F) {
	for _, seed := range []string{
		"!ok ;",
		"!status? 0 : 0x00000001 : 4096 ;",
		"!record = 6 : already recording ;",
		"!net_port = 8 ;",
		"!error ;\r\n",
		"hello",
		"!",
		"!=",
	} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, line string) {
		r := ParseReply(line)
		assert.Equal(t, strings.TrimRight(line, "\r\n"), r.Raw)
		if r.Status == StatusUnknown {
			assert.Equal(t, KindError, r.Kind())
			assert.Empty(t, r.Payload)
		}
		_ = r.Reason()
		_ = r.Field(len(r.Payload))
	})
}

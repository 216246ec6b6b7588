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

// Package katcp provides parsing and encoding of KATCP v5 messages, the
// line-based request/reply/inform protocol used by the telescope monitoring
// and control network.
package katcp

import "fmt"

// Type is the message kind, identified by the first character of a line.
type Type byte

const (
	Request Type = '?'
	Reply   Type = '!'
	Inform  Type = '#'
)

func (t Type) String() string {
	switch t {
	case Request:
		return "request"
	case Reply:
		return "reply"
	case Inform:
		return "inform"
	default:
		return fmt.Sprintf("type(%q)", byte(t))
	}
}

// Reply status words placed in the first argument of a reply.
const (
	StatusOK      = "ok"
	StatusFail    = "fail"
	StatusInvalid = "invalid"
)

// ProtocolVersion is announced in the version-connect inform.
const ProtocolVersion = "5.0-MI"

// Message is a single KATCP line.
type Message struct {
	Type Type
	Name string
	// ID is the optional message identifier written as name[id]. Replies and
	// informs for a request carry the request's ID.
	ID   string
	Args []string
}

// NewReply builds the reply to req with the given status and arguments.
func NewReply(req Message, status string, args ...string) Message {
	return Message{
		Type: Reply,
		Name: req.Name,
		ID:   req.ID,
		Args: append([]string{status}, args...),
	}
}

// NewInform builds an inform. Passing a request ties the inform to it.
func NewInform(name string, req *Message, args ...string) Message {
	m := Message{Type: Inform, Name: name, Args: args}
	if req != nil {
		m.ID = req.ID
	}
	return m
}

// Arg returns argument i, or "" when absent.
func (m Message) Arg(i int) string {
	if i < 0 || i >= len(m.Args) {
		return ""
	}
	return m.Args[i]
}

func (m Message) String() string {
	return string(Encode(m))
}

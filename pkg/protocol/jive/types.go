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

// Package jive implements the line-oriented control protocol spoken by the
// jive5ab recording engine. A command is a single line of the form
// "name = arg1 : arg2 ;" and the recorder answers every command with exactly
// one reply line that starts with '!'.
package jive

import (
	"strings"
)

// Status classifies a reply line.
type Status int

const (
	StatusUnknown Status = iota
	StatusOK
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Return codes used by jive5ab in native replies ("!keyword = <code> : ...").
const (
	CodeCompleted     = 0
	CodeInitiated     = 1
	CodeNotImpl       = 2
	CodeSyntax        = 3
	CodeFailed        = 4
	CodeBusy          = 5
	CodeConflict      = 6
	CodeNoSuchKeyword = 7
	CodeParameter     = 8
	CodeIndeterminate = 9
)

var codeText = map[int]string{
	CodeNotImpl:       "not implemented",
	CodeSyntax:        "syntax error",
	CodeFailed:        "error encountered during execution",
	CodeBusy:          "too busy to accept command",
	CodeConflict:      "inconsistent or conflicting request",
	CodeNoSuchKeyword: "no such keyword",
	CodeParameter:     "parameter error",
	CodeIndeterminate: "indeterminate state",
}

// CodeText describes a jive5ab return code.
func CodeText(code int) string {
	if s, ok := codeText[code]; ok {
		return s
	}
	return "unrecognised return code"
}

// Command is an immutable backend command.
type Command struct {
	name string
	args []string
}

// NewCommand builds a command. The argument slice is copied.
func NewCommand(name string, args ...string) Command {
	c := Command{name: strings.TrimSpace(name)}
	if len(args) > 0 {
		c.args = make([]string, len(args))
		copy(c.args, args)
	}
	return c
}

// Query builds the read-only form of keyword, e.g. Query("status") is "status?".
func Query(keyword string, args ...string) Command {
	return NewCommand(strings.TrimSuffix(keyword, "?")+"?", args...)
}

// Name returns the command name as written on the wire, including a trailing
// '?' for queries.
func (c Command) Name() string { return c.name }

// Keyword returns the name without the query marker.
func (c Command) Keyword() string { return strings.TrimSuffix(c.name, "?") }

// IsQuery reports whether the command is a read-only query.
func (c Command) IsQuery() bool { return strings.HasSuffix(c.name, "?") }

// Args returns a copy of the positional arguments.
func (c Command) Args() []string {
	if len(c.args) == 0 {
		return nil
	}
	out := make([]string, len(c.args))
	copy(out, c.args)
	return out
}

// String renders the command without the line terminator.
func (c Command) String() string {
	if len(c.args) == 0 {
		return c.name + " ;"
	}
	return c.name + " = " + strings.Join(c.args, " : ") + " ;"
}

// Kind is the closed set of reply shapes exposed beyond the translator.
type Kind int

const (
	KindOK Kind = iota
	KindOKPayload
	KindError
)

// Reply is one parsed reply line.
type Reply struct {
	Status Status
	// Code is the jive5ab return code, or -1 for "!ok"/"!error" replies and
	// unparseable lines.
	Code int
	// Echo is the keyword the recorder echoed back, empty when the reply
	// does not carry one.
	Echo string
	// EchoQuery is set when the echoed keyword was a query.
	EchoQuery bool
	Payload   []string
	Raw       string
}

// Kind reduces the reply to one of the three shapes callers handle.
func (r Reply) Kind() Kind {
	switch {
	case r.Status != StatusOK:
		return KindError
	case len(r.Payload) > 0:
		return KindOKPayload
	default:
		return KindOK
	}
}

// Reason is the failure text of an error reply: the payload verbatim, or the
// description of the return code when the recorder sent no payload.
func (r Reply) Reason() string {
	if len(r.Payload) > 0 {
		return strings.Join(r.Payload, " : ")
	}
	if r.Status == StatusUnknown {
		return r.Raw
	}
	if r.Code >= 0 {
		return CodeText(r.Code)
	}
	return ""
}

// Field returns payload field i, or "" when absent.
func (r Reply) Field(i int) string {
	if i < 0 || i >= len(r.Payload) {
		return ""
	}
	return r.Payload[i]
}

// Answers reports whether the reply can belong to cmd. Replies without an
// echo cannot be attributed and always match.
func (r Reply) Answers(cmd Command) bool {
	if r.Echo == "" {
		return true
	}
	return r.Echo == cmd.Keyword() && r.EchoQuery == cmd.IsQuery()
}

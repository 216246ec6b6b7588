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

// Package bridgeerr defines the error taxonomy shared by every component of
// the bridge. Callers test for a class with errors.Is and render it for
// KATCP clients with Class.
package bridgeerr

import (
	"errors"
	"fmt"
	"strings"
)

// Error classes
var (
	ErrValidation           = errors.New("request validation failed")
	ErrBackendTimeout       = errors.New("backend command timed out")
	ErrBackendDisconnected  = errors.New("backend disconnected")
	ErrBackendUnreachable   = errors.New("backend unreachable")
	ErrPartialConfiguration = errors.New("partial configuration")
	ErrProtocol             = errors.New("protocol error")
	ErrBackendRejected      = errors.New("backend rejected command")
)

// BackendError carries a reply that the recorder flagged as a failure. Reason
// is the recorder's own payload, joined verbatim.
type BackendError struct {
	Command string
	Code    int
	Reason  string
}

func (e *BackendError) Error() string {
	var b strings.Builder
	b.WriteString(e.Command)
	if e.Code >= 0 {
		fmt.Fprintf(&b, " returned code %d", e.Code)
	} else {
		b.WriteString(" returned error")
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

// Is reports ErrBackendRejected as the class of every BackendError.
func (e *BackendError) Is(target error) bool {
	return target == ErrBackendRejected
}

// PartialConfigurationError reports a composite request that stopped at Step
// after Completed of Total backend commands had already been applied.
type PartialConfigurationError struct {
	Request   string
	Completed int
	Total     int
	Step      string
	Err       error
}

func (e *PartialConfigurationError) Error() string {
	return fmt.Sprintf("%s: %d of %d steps applied, %q failed: %v",
		e.Request, e.Completed, e.Total, e.Step, e.Err)
}

func (e *PartialConfigurationError) Is(target error) bool {
	return target == ErrPartialConfiguration
}

func (e *PartialConfigurationError) Unwrap() error {
	return e.Err
}

// Validationf builds an ErrValidation with a formatted detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Protocolf builds an ErrProtocol with a formatted detail.
func Protocolf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// Class names the taxonomy entry of err. PartialConfiguration wins over the
// class of the step that caused it.
func Class(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPartialConfiguration):
		return "PartialConfiguration"
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrProtocol):
		return "ProtocolError"
	case errors.Is(err, ErrBackendTimeout):
		return "BackendTimeout"
	case errors.Is(err, ErrBackendDisconnected):
		return "BackendDisconnected"
	case errors.Is(err, ErrBackendUnreachable):
		return "BackendUnreachable"
	case errors.Is(err, ErrBackendRejected):
		return "BackendError"
	default:
		return "InternalError"
	}
}

// Describe renders err as "<Class>: <detail>" for KATCP fail replies. The
// text of a leading class sentinel is dropped since the class names it.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, sentinel := range []error{ErrValidation, ErrProtocol, ErrBackendTimeout, ErrBackendDisconnected, ErrBackendUnreachable} {
		msg = strings.TrimPrefix(msg, sentinel.Error()+": ")
	}
	return Class(err) + ": " + msg
}

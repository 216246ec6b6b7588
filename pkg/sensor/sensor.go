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

// Package sensor holds the recorder's derived state as named sensors. The
// Store is written by the poller only; everybody else reads copies or
// subscribes to changes.
package sensor

import (
	"strconv"
	"sync"
	"time"
)

// Type is the KATCP sensor type.
type Type string

const (
	TypeString  Type = "string"
	TypeInteger Type = "integer"
	TypeFloat   Type = "float"
	TypeBoolean Type = "boolean"
)

// Status is the KATCP sensor status.
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusNominal     Status = "nominal"
	StatusWarn        Status = "warn"
	StatusError       Status = "error"
	StatusUnreachable Status = "unreachable"
)

// Definition describes a sensor at registration time.
type Definition struct {
	Name        string
	Description string
	Units       string
	Type        Type
	Initial     string
}

// Value is a snapshot of one sensor.
type Value struct {
	Name        string
	Description string
	Units       string
	Type        Type
	Value       string
	Timestamp   time.Time
	Status      Status
}

// Valid is false while the backend is unreachable.
func (v Value) Valid() bool {
	return v.Status != StatusUnreachable
}

// KatcpTimestamp renders Timestamp as seconds with millisecond precision.
func (v Value) KatcpTimestamp() string {
	return FormatTimestamp(v.Timestamp)
}

// FormatTimestamp renders t the way KATCP v5 expects: seconds with
// millisecond decimals.
func FormatTimestamp(t time.Time) string {
	ms := t.UnixMilli()
	return strconv.FormatInt(ms/1000, 10) + "." + leftPad(strconv.FormatInt(ms%1000, 10), 3)
}

func (v Value) sameReading(o Value) bool {
	return v.Value == o.Value && v.Status == o.Status
}

func leftPad(s string, n int) string {
	for len(s) < n {
		s = "0" + s
	}
	return s
}

// Bool renders a boolean sensor value the way KATCP expects.
func Bool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Clock hands out strictly increasing timestamps.
type Clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// NewClock returns a clock backed by now, or time.Now when now is nil.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Next returns a timestamp later than every previous one.
func (c *Clock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now()
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

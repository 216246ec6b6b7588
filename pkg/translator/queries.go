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

package translator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/turtacn/jive5ab-bridge/pkg/bridgeerr"
	"github.com/turtacn/jive5ab-bridge/pkg/protocol/jive"
)

// Poll queries, in the order the poller issues them.
var (
	QueryStatus      = jive.Query("status")
	QueryRecord      = jive.Query("record")
	QueryRTime       = jive.Query("rtime")
	QueryNetProtocol = jive.Query("net_protocol")
	QueryNetPort     = jive.Query("net_port")
	QueryEVLBI       = jive.Query("evlbi")
)

// Status word bits reported by status?.
const (
	StatusBitReady        = 0x1
	StatusBitErrorPending = 0x2
	StatusBitDelayed      = 0x8
	StatusBitRecording    = 0x40
	StatusBitMediaFull    = 0x80
	StatusBitPlayback     = 0x100
)

// Status is the parsed answer to status?.
type Status struct {
	State        string
	Word         uint32
	ErrorPending bool
	Bytes        int64
	HasBytes     bool
}

// Record is the parsed answer to record?.
type Record struct {
	State    string
	Scan     string
	Bytes    int64
	HasBytes bool
}

// RTime is the parsed answer to rtime?: the recording capacity left.
type RTime struct {
	Seconds float64
	GB      float64
	Percent float64
}

// NetProtocol is the parsed answer to net_protocol?.
type NetProtocol struct {
	Protocol string
	Options  []string
}

func (n NetProtocol) String() string {
	if len(n.Options) == 0 {
		return n.Protocol
	}
	return n.Protocol + ":" + strings.Join(n.Options, ":")
}

// EVLBI holds the packet statistics from evlbi?.
type EVLBI struct {
	Total      int64
	Lost       int64
	OutOfOrder int64
	LossPct    float64
}

func (e EVLBI) String() string {
	return fmt.Sprintf("total=%d loss=%d (%.2f%%) out-of-order=%d", e.Total, e.Lost, e.LossPct, e.OutOfOrder)
}

func unexpected(cmd jive.Command, r jive.Reply) error {
	return &bridgeerr.BackendError{Command: cmd.Name(), Code: r.Code, Reason: fmt.Sprintf("unexpected reply %q", r.Raw)}
}

// ParseStatus parses status?. The state is decoded from the hex status word
// when the recorder sends one, otherwise the first field is used verbatim.
func ParseStatus(r jive.Reply) (Status, error) {
	if err := Interpret(QueryStatus, r); err != nil {
		return Status{}, err
	}
	first := r.Field(0)
	if first == "" {
		return Status{}, unexpected(QueryStatus, r)
	}
	var s Status
	if strings.HasPrefix(first, "0x") || strings.HasPrefix(first, "0X") {
		w, err := strconv.ParseUint(first[2:], 16, 32)
		if err != nil {
			return Status{}, unexpected(QueryStatus, r)
		}
		s.Word = uint32(w)
		s.State = stateFromWord(s.Word)
		s.ErrorPending = s.Word&StatusBitErrorPending != 0
	} else {
		s.State = first
	}
	if b, err := strconv.ParseInt(r.Field(1), 10, 64); err == nil {
		s.Bytes, s.HasBytes = b, true
	}
	return s, nil
}

func stateFromWord(w uint32) string {
	switch {
	case w&StatusBitRecording != 0:
		return "recording"
	case w&StatusBitPlayback != 0:
		return "playback"
	case w&StatusBitDelayed != 0:
		return "busy"
	case w&StatusBitReady != 0:
		return "ready"
	}
	return "not-ready"
}

// ParseRecord parses record?. After the state, numeric fields are taken as
// the byte count and the last non-numeric field as the scan name.
func ParseRecord(r jive.Reply) (Record, error) {
	if err := Interpret(QueryRecord, r); err != nil {
		return Record{}, err
	}
	if r.Field(0) == "" {
		return Record{}, unexpected(QueryRecord, r)
	}
	rec := Record{State: r.Field(0)}
	for _, f := range r.Payload[1:] {
		if b, err := strconv.ParseInt(f, 10, 64); err == nil {
			rec.Bytes, rec.HasBytes = b, true
		} else if f != "" {
			rec.Scan = f
		}
	}
	return rec, nil
}

// ParseRTime parses rtime?: "<s>s : <gb>GB : <pct>% : ...".
func ParseRTime(r jive.Reply) (RTime, error) {
	if err := Interpret(QueryRTime, r); err != nil {
		return RTime{}, err
	}
	if len(r.Payload) < 3 {
		return RTime{}, unexpected(QueryRTime, r)
	}
	var out RTime
	var err error
	if out.Seconds, err = number(r.Payload[0], "s"); err != nil {
		return RTime{}, unexpected(QueryRTime, r)
	}
	if out.GB, err = number(r.Payload[1], "GB"); err != nil {
		return RTime{}, unexpected(QueryRTime, r)
	}
	if out.Percent, err = number(r.Payload[2], "%"); err != nil {
		return RTime{}, unexpected(QueryRTime, r)
	}
	return out, nil
}

func number(field, unit string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(field, unit)), 64)
}

// ParseNetProtocol parses net_protocol?.
func ParseNetProtocol(r jive.Reply) (NetProtocol, error) {
	if err := Interpret(QueryNetProtocol, r); err != nil {
		return NetProtocol{}, err
	}
	if r.Field(0) == "" {
		return NetProtocol{}, unexpected(QueryNetProtocol, r)
	}
	return NetProtocol{Protocol: r.Field(0), Options: append([]string(nil), r.Payload[1:]...)}, nil
}

// ParseNetPort parses net_port? into the destination as configured.
func ParseNetPort(r jive.Reply) (string, error) {
	if err := Interpret(QueryNetPort, r); err != nil {
		return "", err
	}
	if r.Field(0) == "" {
		return "", unexpected(QueryNetPort, r)
	}
	return r.Field(0), nil
}

// ParseEVLBI parses the key/value pairs of evlbi?:
// "total : N : loss : N (P%) : out-of-order : N (P%) : ...".
func ParseEVLBI(r jive.Reply) (EVLBI, error) {
	if err := Interpret(QueryEVLBI, r); err != nil {
		return EVLBI{}, err
	}
	var e EVLBI
	seen := false
	for i := 0; i+1 < len(r.Payload); i += 2 {
		key, val := r.Payload[i], r.Payload[i+1]
		count, pct := splitCount(val)
		switch key {
		case "total":
			e.Total, seen = count, true
		case "loss":
			e.Lost, e.LossPct = count, pct
		case "out-of-order":
			e.OutOfOrder = count
		}
	}
	if !seen {
		return EVLBI{}, unexpected(QueryEVLBI, r)
	}
	return e, nil
}

// splitCount reads "12 (0.50%)".
func splitCount(v string) (int64, float64) {
	num := v
	var pct float64
	if i := strings.IndexByte(v, '('); i >= 0 {
		num = v[:i]
		p := strings.TrimSuffix(strings.TrimSuffix(strings.TrimSpace(v[i+1:]), ")"), "%")
		pct, _ = strconv.ParseFloat(strings.TrimSpace(p), 64)
	}
	n, _ := strconv.ParseInt(strings.TrimSpace(num), 10, 64)
	return n, pct
}

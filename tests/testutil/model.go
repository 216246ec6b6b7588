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

package testutil

import (
	"fmt"
	"strings"
	"sync"
)

type failure struct {
	code   int
	reason string
}

// RecorderModel mimics enough of jive5ab's command set for the bridge:
// set_disks, net_protocol, net_port, record, net2file and their queries,
// plus status?, rtime? and evlbi?.
type RecorderModel struct {
	mu        sync.Mutex
	Disks     []string
	Protocol  []string
	Port      string
	Recording bool
	Scan      string
	Net2File  string
	Bytes     int64
	Received  int64
	failures  map[string]failure
}

// NewRecorderModel returns a model in jive5ab's power-on state.
func NewRecorderModel() *RecorderModel {
	return &RecorderModel{
		Protocol: []string{"udp", "33554432", "33554432", "4"},
		Port:     "2630",
		Net2File: "inactive",
		failures: make(map[string]failure),
	}
}

// Fail makes every command named keyword (not its query) fail with code and
// reason until Clear is called.
func (m *RecorderModel) Fail(keyword string, code int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[keyword] = failure{code: code, reason: reason}
}

// Clear removes all injected failures.
func (m *RecorderModel) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = make(map[string]failure)
}

// SetStats sets the frame counters reported by evlbi?.
func (m *RecorderModel) SetStats(bytes, frames int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Bytes = bytes
	m.Received = frames
}

// Reply answers one command line the way jive5ab does.
func (m *RecorderModel) Reply(line string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	body := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line), ";"))
	var name string
	var args []string
	if i := strings.Index(body, "="); i >= 0 {
		name = strings.TrimSpace(body[:i])
		for _, a := range strings.Split(body[i+1:], ":") {
			args = append(args, strings.TrimSpace(a))
		}
	} else {
		name = strings.TrimSpace(body)
	}

	if strings.HasSuffix(name, "?") {
		return []string{m.query(strings.TrimSuffix(name, "?"))}
	}
	if f, ok := m.failures[name]; ok {
		return []string{fmt.Sprintf("!%s = %d : %s ;", name, f.code, f.reason)}
	}
	return []string{m.command(name, args)}
}

func (m *RecorderModel) query(name string) string {
	switch name {
	case "status":
		word := 0x1
		if m.Recording {
			word |= 0x40
		}
		return fmt.Sprintf("!status? 0 : 0x%08x : %d ;", word, m.Bytes)
	case "record":
		if m.Recording {
			return fmt.Sprintf("!record? 0 : on : %s : %d ;", m.Scan, m.Bytes)
		}
		return "!record? 0 : off ;"
	case "rtime":
		return "!rtime? 0 : 3600.00s : 512.000GB : 87.50% : vdif : 8000-1024-64-2 : 1024Mbps ;"
	case "net_protocol":
		return fmt.Sprintf("!net_protocol? 0 : %s ;", strings.Join(m.Protocol, " : "))
	case "net_port":
		return fmt.Sprintf("!net_port? 0 : %s ;", m.Port)
	case "evlbi":
		return fmt.Sprintf("!evlbi? 0 : total : %d : loss : 0 (0.00%%) : out-of-order : 0 (0.00%%) : extent : 0seqnr/pkt ;", m.Received)
	case "set_disks":
		return fmt.Sprintf("!set_disks? 0 : %d : %s ;", len(m.Disks), strings.Join(m.Disks, " : "))
	case "net2file":
		return fmt.Sprintf("!net2file? 0 : %s : %d ;", m.Net2File, m.Bytes)
	}
	return fmt.Sprintf("!%s? 7 : unknown query ;", name)
}

func (m *RecorderModel) command(name string, args []string) string {
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}
	ok := fmt.Sprintf("!%s = 0 ;", name)
	switch name {
	case "set_disks":
		m.Disks = append([]string(nil), args...)
		return fmt.Sprintf("!set_disks = 0 : %d ;", len(args))
	case "net_protocol":
		m.Protocol = append([]string(nil), args...)
		return ok
	case "net_port":
		m.Port = arg(0)
		return ok
	case "record":
		switch arg(0) {
		case "on":
			if m.Recording {
				return "!record = 6 : already recording ;"
			}
			m.Recording = true
			m.Scan = arg(1)
			return ok
		case "off":
			if !m.Recording {
				return "!record = 6 : not recording ;"
			}
			m.Recording = false
			return ok
		}
		return "!record = 8 : unknown subcommand ;"
	case "net2file":
		switch arg(0) {
		case "open":
			m.Net2File = "open"
		case "on":
			if m.Net2File != "open" && m.Net2File != "off" {
				return "!net2file = 6 : not open ;"
			}
			m.Net2File = "active"
		case "off":
			m.Net2File = "off"
		case "flush":
		case "close":
			m.Net2File = "inactive"
		default:
			return "!net2file = 8 : unknown subcommand ;"
		}
		return ok
	}
	return fmt.Sprintf("!%s = 7 : command not recognised ;", name)
}

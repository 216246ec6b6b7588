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
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// Handler produces the reply lines for one received command line. Returning
// no lines leaves the command unanswered.
type Handler func(line string) []string

// FakeRecorder is a scriptable stand-in for a jive5ab control port. It
// records every line it receives and answers from a RecorderModel unless a
// custom Handler is installed.
type FakeRecorder struct {
	t     testing.TB
	addr  string
	model *RecorderModel

	mu       sync.Mutex
	ln       net.Listener
	handler  Handler
	received []string
	conns    map[net.Conn]struct{}
	accepted int
	wg       sync.WaitGroup
}

// NewFakeRecorder starts a recorder on a free loopback port. It is stopped
// when the test ends.
func NewFakeRecorder(t testing.TB) *FakeRecorder {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fake recorder listen: %v", err)
	}
	f := &FakeRecorder{
		t:     t,
		addr:  ln.Addr().String(),
		model: NewRecorderModel(),
		conns: make(map[net.Conn]struct{}),
	}
	f.serve(ln)
	t.Cleanup(f.Stop)
	return f
}

// Addr is the host:port the recorder listens on.
func (f *FakeRecorder) Addr() string { return f.addr }

// Model is the state machine behind the default handler.
func (f *FakeRecorder) Model() *RecorderModel { return f.model }

// SetHandler replaces the reply logic. A nil handler restores the model.
func (f *FakeRecorder) SetHandler(h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

// Received returns every line received so far, in order.
func (f *FakeRecorder) Received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

// ReceivedWithPrefix returns the received lines starting with prefix.
func (f *FakeRecorder) ReceivedWithPrefix(prefix string) []string {
	var out []string
	for _, l := range f.Received() {
		if strings.HasPrefix(l, prefix) {
			out = append(out, l)
		}
	}
	return out
}

// Writes returns the received lines that are not queries.
func (f *FakeRecorder) Writes() []string {
	var out []string
	for _, l := range f.Received() {
		if !isQuery(l) {
			out = append(out, l)
		}
	}
	return out
}

// Accepted is the number of connections accepted since the recorder started.
func (f *FakeRecorder) Accepted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted
}

// WaitFor polls cond against the received lines until it holds or the
// timeout expires.
func (f *FakeRecorder) WaitFor(cond func(lines []string) bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond(f.Received()) {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond(f.Received())
}

// Inject writes line to every open connection, as if the recorder had sent
// it unprompted.
func (f *FakeRecorder) Inject(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.conns {
		_, _ = fmt.Fprintf(c, "%s\n", line)
	}
}

// DropConnections closes every open connection but keeps listening.
func (f *FakeRecorder) DropConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.conns {
		c.Close()
	}
}

// Stop closes the listener and all connections.
func (f *FakeRecorder) Stop() {
	f.mu.Lock()
	if f.ln != nil {
		f.ln.Close()
		f.ln = nil
	}
	for c := range f.conns {
		c.Close()
	}
	f.mu.Unlock()
	f.wg.Wait()
}

// Restart listens again on the original address after Stop.
func (f *FakeRecorder) Restart() error {
	var ln net.Listener
	var err error
	// The port can linger briefly after close.
	for i := 0; i < 50; i++ {
		ln, err = net.Listen("tcp", f.addr)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		return err
	}
	f.serve(ln)
	return nil
}

func (f *FakeRecorder) serve(ln net.Listener) {
	f.mu.Lock()
	f.ln = ln
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			f.mu.Lock()
			f.conns[conn] = struct{}{}
			f.accepted++
			f.mu.Unlock()

			f.wg.Add(1)
			go f.handle(conn)
		}
	}()
}

func (f *FakeRecorder) handle(conn net.Conn) {
	defer f.wg.Done()
	defer func() {
		f.mu.Lock()
		delete(f.conns, conn)
		f.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		f.mu.Lock()
		f.received = append(f.received, line)
		h := f.handler
		f.mu.Unlock()

		if h == nil {
			h = f.model.Reply
		}
		for _, r := range h(line) {
			if _, err := fmt.Fprintf(conn, "%s\n", r); err != nil {
				return
			}
		}
	}
}

func isQuery(line string) bool {
	name := line
	if i := strings.IndexAny(name, "=;"); i >= 0 {
		name = name[:i]
	}
	return strings.HasSuffix(strings.TrimSpace(name), "?")
}

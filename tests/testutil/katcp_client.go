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
	"net"
	"strings"
	"testing"
	"time"

	"github.com/turtacn/jive5ab-bridge/pkg/protocol/katcp"
)

// KatcpClient is a line-level KATCP client for tests.
type KatcpClient struct {
	t    testing.TB
	conn net.Conn
	msgs chan katcp.Message
}

// DialKatcp connects to addr and starts reading. The connection is closed
// when the test ends.
func DialKatcp(t testing.TB, addr string) *KatcpClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	c := &KatcpClient{t: t, conn: conn, msgs: make(chan katcp.Message, 1024)}
	go c.read()
	t.Cleanup(c.Close)
	return c
}

func (c *KatcpClient) read() {
	defer close(c.msgs)
	scanner := bufio.NewScanner(c.conn)
	for scanner.Scan() {
		m, err := katcp.Parse(scanner.Text())
		if err != nil {
			continue
		}
		c.msgs <- m
	}
}

// Send writes one raw line.
func (c *KatcpClient) Send(line string) {
	c.t.Helper()
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := c.conn.Write([]byte(line)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// Next returns the next message, or false after timeout or disconnect.
func (c *KatcpClient) Next(timeout time.Duration) (katcp.Message, bool) {
	select {
	case m, ok := <-c.msgs:
		return m, ok
	case <-time.After(timeout):
		return katcp.Message{}, false
	}
}

// Until collects messages up to and including the first one that matches.
func (c *KatcpClient) Until(match func(katcp.Message) bool, timeout time.Duration) ([]katcp.Message, bool) {
	deadline := time.Now().Add(timeout)
	var out []katcp.Message
	for {
		m, ok := c.Next(time.Until(deadline))
		if !ok {
			return out, false
		}
		out = append(out, m)
		if match(m) {
			return out, true
		}
	}
}

// Request sends ?name args and waits for its reply. Every inform received
// on the way is returned too.
func (c *KatcpClient) Request(name string, args ...string) (katcp.Message, []katcp.Message) {
	c.t.Helper()
	req := katcp.Message{Type: katcp.Request, Name: name, Args: args}
	c.Send(string(katcp.Encode(req)))
	msgs, ok := c.Until(func(m katcp.Message) bool {
		return m.Type == katcp.Reply && m.Name == name
	}, 5*time.Second)
	if !ok {
		c.t.Fatalf("no reply to ?%s", name)
	}
	return msgs[len(msgs)-1], msgs[:len(msgs)-1]
}

// Close disconnects.
func (c *KatcpClient) Close() {
	_ = c.conn.Close()
}

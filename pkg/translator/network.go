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
	"net"
	"strconv"
	"strings"

	"github.com/turtacn/jive5ab-bridge/pkg/bridgeerr"
	"github.com/turtacn/jive5ab-bridge/pkg/protocol/jive"
)

// Socket defaults jive5ab uses for udps.
const (
	DefaultRcvBuf  = "33554432"
	DefaultSndBuf  = "33554432"
	DefaultThreads = "4"
)

func netProtocol(proto string, extra []string) (jive.Command, error) {
	proto = strings.ToLower(proto)
	if proto != "udp" && proto != "udps" {
		return jive.Command{}, bridgeerr.Validationf("protocol %q must be udp or udps", proto)
	}
	if len(extra) != 0 && len(extra) != 3 {
		return jive.Command{}, bridgeerr.Protocolf("expected rcvbuf, sndbuf and threads together")
	}
	for _, v := range extra {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return jive.Command{}, bridgeerr.Validationf("%q is not a positive integer", v)
		}
	}
	if proto == "udp" {
		return jive.NewCommand("net_protocol", "udp"), nil
	}
	bufs := []string{DefaultRcvBuf, DefaultSndBuf, DefaultThreads}
	if len(extra) == 3 {
		bufs = extra
	}
	return jive.NewCommand("net_protocol", append([]string{"udps"}, bufs...)...), nil
}

func netPort(dest string) (jive.Command, error) {
	portStr := dest
	if i := strings.IndexByte(dest, '@'); i >= 0 {
		group := dest[:i]
		portStr = dest[i+1:]
		ip := net.ParseIP(group)
		if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
			return jive.Command{}, bridgeerr.Validationf("%q is not an IPv4 multicast group", group)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return jive.Command{}, bridgeerr.Validationf("port %q must be between 1 and 65535", portStr)
	}
	return jive.NewCommand("net_port", dest), nil
}

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

// Package translator maps KATCP requests onto jive5ab command sequences and
// jive5ab replies back onto request results. It performs no I/O.
package translator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/turtacn/jive5ab-bridge/pkg/bridgeerr"
	"github.com/turtacn/jive5ab-bridge/pkg/protocol/jive"
)

// DefaultCapturePath is where capture-start writes when no path is given.
const DefaultCapturePath = "/mnt/disk0/testscan/testscan.vdif"

// Plan is the validated backend work for one request.
type Plan struct {
	Request string
	Steps   []jive.Command
	// Mutating plans change recorder state; sensors are refreshed after them.
	Mutating bool
	// Local plans have no backend steps and are answered from sensors.
	Local bool
	// Result turns the replies of a fully successful plan into the KATCP
	// reply arguments that follow "ok".
	Result func(replies []jive.Reply) []string
}

// Spec describes one request the bridge understands.
type Spec struct {
	Name        string
	Usage       string
	Description string
	MinArgs     int
	MaxArgs     int // -1 for unbounded
	build       func(args []string) (Plan, error)
}

// Plan validates args and builds the command sequence.
func (s Spec) Plan(args []string) (Plan, error) {
	if len(args) < s.MinArgs || (s.MaxArgs >= 0 && len(args) > s.MaxArgs) {
		return Plan{}, bridgeerr.Protocolf("wrong number of arguments, usage: %s", s.Usage)
	}
	p, err := s.build(args)
	if err != nil {
		return Plan{}, err
	}
	p.Request = s.Name
	if p.Result == nil {
		p.Result = lastPayload
	}
	return p, nil
}

// Option configures a Translator.
type Option func(*Translator)

// WithCapturePath overrides the default capture-start output path.
func WithCapturePath(path string) Option {
	return func(t *Translator) { t.capturePath = path }
}

// Translator is the request table.
type Translator struct {
	capturePath string
	specs       map[string]Spec
}

// New builds the request table.
func New(opts ...Option) *Translator {
	t := &Translator{capturePath: DefaultCapturePath}
	for _, opt := range opts {
		opt(t)
	}
	t.specs = make(map[string]Spec)
	for _, s := range t.table() {
		t.specs[s.Name] = s
	}
	return t
}

// Lookup returns the request called name.
func (t *Translator) Lookup(name string) (Spec, bool) {
	s, ok := t.specs[name]
	return s, ok
}

// Specs lists all requests sorted by name.
func (t *Translator) Specs() []Spec {
	out := make([]Spec, 0, len(t.specs))
	for _, s := range t.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Plan looks up name and builds its plan.
func (t *Translator) Plan(name string, args []string) (Plan, error) {
	s, ok := t.Lookup(name)
	if !ok {
		return Plan{}, bridgeerr.Protocolf("unknown request %q", name)
	}
	return s.Plan(args)
}

// Interpret maps one backend reply to nil on success or a *BackendError
// carrying the recorder's reason verbatim.
func Interpret(cmd jive.Command, r jive.Reply) error {
	switch r.Status {
	case jive.StatusOK:
		return nil
	case jive.StatusError:
		return &bridgeerr.BackendError{Command: cmd.Name(), Code: r.Code, Reason: r.Reason()}
	default:
		return &bridgeerr.BackendError{Command: cmd.Name(), Code: -1, Reason: "unrecognised reply " + fmt.Sprintf("%q", r.Raw)}
	}
}

// StepError wraps the failure of step number completed (zero-based) of
// plan. A failure after at least one applied step is a partial
// configuration; a failure of the first step is returned unchanged.
func StepError(plan Plan, completed int, err error) error {
	if completed == 0 || len(plan.Steps) < 2 {
		return err
	}
	step := ""
	if completed < len(plan.Steps) {
		step = plan.Steps[completed].String()
	}
	return &bridgeerr.PartialConfigurationError{
		Request:   plan.Request,
		Completed: completed,
		Total:     len(plan.Steps),
		Step:      step,
		Err:       err,
	}
}

func lastPayload(replies []jive.Reply) []string {
	if len(replies) != 1 {
		return nil
	}
	return append([]string(nil), replies[0].Payload...)
}

func noFields([]jive.Reply) []string { return nil }

func (t *Translator) table() []Spec {
	return []Spec{
		{
			Name:        "set-disks",
			Usage:       "?set-disks path [path ...]",
			Description: "Configure the recorder's mountpoints.",
			MinArgs:     0,
			MaxArgs:     -1,
			build:       buildSetDisks,
		},
		{
			Name:        "set-protocol",
			Usage:       "?set-protocol udp|udps [rcvbuf sndbuf threads]",
			Description: "Set the network capture protocol.",
			MinArgs:     1,
			MaxArgs:     4,
			build: func(args []string) (Plan, error) {
				cmd, err := netProtocol(args[0], args[1:])
				if err != nil {
					return Plan{}, err
				}
				return Plan{Steps: []jive.Command{cmd}, Mutating: true}, nil
			},
		},
		{
			Name:        "set-port",
			Usage:       "?set-port port|group@port",
			Description: "Set the network capture port, optionally joining a multicast group.",
			MinArgs:     1,
			MaxArgs:     1,
			build: func(args []string) (Plan, error) {
				cmd, err := netPort(args[0])
				if err != nil {
					return Plan{}, err
				}
				return Plan{Steps: []jive.Command{cmd}, Mutating: true}, nil
			},
		},
		{
			Name:        "configure-network",
			Usage:       "?configure-network udp|udps port|group@port",
			Description: "Set the capture protocol, then the capture port.",
			MinArgs:     2,
			MaxArgs:     2,
			build: func(args []string) (Plan, error) {
				proto, err := netProtocol(args[0], nil)
				if err != nil {
					return Plan{}, err
				}
				port, err := netPort(args[1])
				if err != nil {
					return Plan{}, err
				}
				return Plan{Steps: []jive.Command{proto, port}, Mutating: true, Result: noFields}, nil
			},
		},
		t.captureStart("capture-start"),
		t.captureStart("net2file-start"),
		captureStop("capture-stop"),
		captureStop("net2file-stop"),
		captureStop("stop"),
		{
			Name:        "record-start",
			Usage:       "?record-start scan",
			Description: "Start archival (VBS) recording under the given scan name.",
			MinArgs:     1,
			MaxArgs:     1,
			build: func(args []string) (Plan, error) {
				if err := checkScan(args[0]); err != nil {
					return Plan{}, err
				}
				return Plan{Steps: []jive.Command{jive.NewCommand("record", "on", args[0])}, Mutating: true}, nil
			},
		},
		{
			Name:        "record-stop",
			Usage:       "?record-stop",
			Description: "Stop archival recording.",
			MaxArgs:     0,
			build: func([]string) (Plan, error) {
				return Plan{Steps: []jive.Command{jive.NewCommand("record", "off")}, Mutating: true}, nil
			},
		},
		{
			Name:        "record-status",
			Usage:       "?record-status",
			Description: "Query the recording state, scan name and bytes recorded.",
			MaxArgs:     0,
			build: func([]string) (Plan, error) {
				return Plan{Steps: []jive.Command{jive.Query("record")}, Result: recordStatusResult}, nil
			},
		},
		{
			Name:        "status",
			Usage:       "?status",
			Description: "Summarise recorder state from the latest sensor values.",
			MaxArgs:     0,
			build: func([]string) (Plan, error) {
				return Plan{Local: true, Result: noFields}, nil
			},
		},
	}
}

func (t *Translator) captureStart(name string) Spec {
	return Spec{
		Name:        name,
		Usage:       "?" + name + " [output-path]",
		Description: "Open a file and start capturing network data into it (net2file).",
		MinArgs:     0,
		MaxArgs:     1,
		build: func(args []string) (Plan, error) {
			path := t.capturePath
			if len(args) == 1 {
				path = args[0]
			}
			if err := checkPath("output path", path, ","); err != nil {
				return Plan{}, err
			}
			return Plan{
				Steps: []jive.Command{
					jive.NewCommand("net2file", "open", path+",w"),
					jive.NewCommand("net2file", "on"),
				},
				Mutating: true,
				Result:   noFields,
			}, nil
		},
	}
}

func captureStop(name string) Spec {
	return Spec{
		Name:        name,
		Usage:       "?" + name,
		Description: "Stop file capture: net2file off, flush and close.",
		MaxArgs:     0,
		build: func([]string) (Plan, error) {
			return Plan{
				Steps: []jive.Command{
					jive.NewCommand("net2file", "off"),
					jive.NewCommand("net2file", "flush"),
					jive.NewCommand("net2file", "close"),
				},
				Mutating: true,
				Result:   noFields,
			}, nil
		},
	}
}

func buildSetDisks(args []string) (Plan, error) {
	if len(args) == 0 {
		return Plan{}, bridgeerr.Validationf("at least one disk path is required")
	}
	for _, p := range args {
		if err := checkPath("disk path", p, ""); err != nil {
			return Plan{}, err
		}
	}
	return Plan{Steps: []jive.Command{jive.NewCommand("set_disks", args...)}, Mutating: true}, nil
}

func recordStatusResult(replies []jive.Reply) []string {
	if len(replies) != 1 {
		return nil
	}
	rec, err := ParseRecord(replies[0])
	if err != nil {
		return append([]string(nil), replies[0].Payload...)
	}
	out := []string{rec.State}
	if rec.Scan != "" {
		out = append(out, rec.Scan)
	}
	if rec.HasBytes {
		out = append(out, fmt.Sprintf("%dB", rec.Bytes))
	}
	return out
}

// checkPath rejects relative paths and characters that would break the
// jive5ab argument syntax.
func checkPath(what, p, extra string) error {
	if p == "" {
		return bridgeerr.Validationf("%s is empty", what)
	}
	if !strings.HasPrefix(p, "/") {
		return bridgeerr.Validationf("%s %q is not absolute", what, p)
	}
	if i := strings.IndexAny(p, ":; \t\r\n"+extra); i >= 0 {
		return bridgeerr.Validationf("%s %q contains %q", what, p, p[i])
	}
	return nil
}

func checkScan(scan string) error {
	if scan == "" {
		return bridgeerr.Validationf("scan name is empty")
	}
	for _, r := range scan {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '.', r == '+', r == '-':
		default:
			return bridgeerr.Validationf("scan name %q contains %q", scan, r)
		}
	}
	return nil
}

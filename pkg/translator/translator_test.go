package translator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/jive5ab-bridge/pkg/bridgeerr"
	"github.com/turtacn/jive5ab-bridge/pkg/protocol/jive"
)

func steps(p Plan) []string {
	var out []string
	for _, s := range p.Steps {
		out = append(out, s.String())
	}
	return out
}

func TestPlans(t *testing.T) {
	tr := New()
	testCases := []struct {
		request  string
		args     []string
		want     []string
		mutating bool
	}{
		{"set-disks", []string{"/mnt/disk0", "/mnt/disk1"}, []string{"set_disks = /mnt/disk0 : /mnt/disk1 ;"}, true},
		{"set-protocol", []string{"udp"}, []string{"net_protocol = udp ;"}, true},
		{"set-protocol", []string{"UDPS"}, []string{"net_protocol = udps : 33554432 : 33554432 : 4 ;"}, true},
		{"set-protocol", []string{"udps", "1024", "2048", "2"}, []string{"net_protocol = udps : 1024 : 2048 : 2 ;"}, true},
		{"set-port", []string{"50000"}, []string{"net_port = 50000 ;"}, true},
		{"set-port", []string{"239.1.2.3@50000"}, []string{"net_port = 239.1.2.3@50000 ;"}, true},
		{"configure-network", []string{"udp", "50000"}, []string{"net_protocol = udp ;", "net_port = 50000 ;"}, true},
		{"capture-start", nil, []string{"net2file = open : /mnt/disk0/testscan/testscan.vdif,w ;", "net2file = on ;"}, true},
		{"capture-start", []string{"/data/x.vdif"}, []string{"net2file = open : /data/x.vdif,w ;", "net2file = on ;"}, true},
		{"net2file-start", []string{"/data/x.vdif"}, []string{"net2file = open : /data/x.vdif,w ;", "net2file = on ;"}, true},
		{"capture-stop", nil, []string{"net2file = off ;", "net2file = flush ;", "net2file = close ;"}, true},
		{"net2file-stop", nil, []string{"net2file = off ;", "net2file = flush ;", "net2file = close ;"}, true},
		{"stop", nil, []string{"net2file = off ;", "net2file = flush ;", "net2file = close ;"}, true},
		{"record-start", []string{"testscan"}, []string{"record = on : testscan ;"}, true},
		{"record-stop", nil, []string{"record = off ;"}, true},
		{"record-status", nil, []string{"record? ;"}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.request, func(t *testing.T) {
			p, err := tr.Plan(tc.request, tc.args)
			require.NoError(t, err)
			assert.Equal(t, tc.request, p.Request)
			assert.Equal(t, tc.want, steps(p))
			assert.Equal(t, tc.mutating, p.Mutating)
			assert.False(t, p.Local)
			assert.NotNil(t, p.Result)
		})
	}
}

func TestStatusPlanIsLocal(t *testing.T) {
	p, err := New().Plan("status", nil)
	require.NoError(t, err)
	assert.True(t, p.Local)
	assert.Empty(t, p.Steps)
}

func TestValidationErrors(t *testing.T) {
	tr := New()
	testCases := []struct {
		name    string
		request string
		args    []string
	}{
		{"no disks", "set-disks", nil},
		{"relative disk", "set-disks", []string{"mnt/disk0"}},
		{"disk with colon", "set-disks", []string{"/mnt/a:b"}},
		{"disk with semicolon", "set-disks", []string{"/mnt/a;b"}},
		{"bad protocol", "set-protocol", []string{"tcp"}},
		{"non numeric buffer", "set-protocol", []string{"udps", "big", "1", "1"}},
		{"zero threads", "set-protocol", []string{"udps", "1", "1", "0"}},
		{"port zero", "set-port", []string{"0"}},
		{"port too large", "set-port", []string{"65536"}},
		{"port not a number", "set-port", []string{"http"}},
		{"unicast group", "set-port", []string{"10.0.0.1@50000"}},
		{"ipv6 group", "set-port", []string{"ff02::1@50000"}},
		{"relative capture path", "capture-start", []string{"out.vdif"}},
		{"capture path with comma", "capture-start", []string{"/data/a,b.vdif"}},
		{"scan with space", "record-start", []string{"test scan"}},
		{"scan with colon", "record-start", []string{"a:b"}},
		{"network bad port", "configure-network", []string{"udp", "70000"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tr.Plan(tc.request, tc.args)
			require.Error(t, err)
			assert.True(t, errors.Is(err, bridgeerr.ErrValidation), "got %v", err)
			assert.Equal(t, "ValidationError", bridgeerr.Class(err))
		})
	}
}

func TestProtocolErrors(t *testing.T) {
	tr := New()
	_, err := tr.Plan("halt", nil)
	assert.ErrorIs(t, err, bridgeerr.ErrProtocol)

	_, err = tr.Plan("record-start", nil)
	assert.ErrorIs(t, err, bridgeerr.ErrProtocol)

	_, err = tr.Plan("record-stop", []string{"now"})
	assert.ErrorIs(t, err, bridgeerr.ErrProtocol)

	_, err = tr.Plan("set-protocol", []string{"udps", "1"})
	assert.ErrorIs(t, err, bridgeerr.ErrProtocol)
}

func TestWithCapturePath(t *testing.T) {
	p, err := New(WithCapturePath("/srv/capture.vdif")).Plan("capture-start", nil)
	require.NoError(t, err)
	assert.Equal(t, "net2file = open : /srv/capture.vdif,w ;", p.Steps[0].String())
}

func TestSpecsSorted(t *testing.T) {
	specs := New().Specs()
	require.NotEmpty(t, specs)
	for i := 1; i < len(specs); i++ {
		assert.Less(t, specs[i-1].Name, specs[i].Name)
	}
	for _, s := range specs {
		assert.NotEmpty(t, s.Usage, s.Name)
		assert.NotEmpty(t, s.Description, s.Name)
	}
}

func TestInterpret(t *testing.T) {
	cmd := jive.NewCommand("record", "on", "scan1")

	assert.NoError(t, Interpret(cmd, jive.ParseReply("!record = 0 ;")))
	assert.NoError(t, Interpret(cmd, jive.ParseReply("!record = 1 ;")))

	err := Interpret(cmd, jive.ParseReply("!record = 6 : already recording ;"))
	var be *bridgeerr.BackendError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "record", be.Command)
	assert.Equal(t, 6, be.Code)
	assert.Equal(t, "already recording", be.Reason)

	err = Interpret(cmd, jive.ParseReply("garbage"))
	require.True(t, errors.As(err, &be))
	assert.Contains(t, be.Reason, "garbage")
}

func TestStepError(t *testing.T) {
	p, err := New().Plan("configure-network", []string{"udp", "50000"})
	require.NoError(t, err)
	cause := &bridgeerr.BackendError{Command: "net_port", Code: 4, Reason: "port in use"}

	assert.Same(t, error(cause), StepError(p, 0, cause))

	err = StepError(p, 1, cause)
	var pe *bridgeerr.PartialConfigurationError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 1, pe.Completed)
	assert.Equal(t, 2, pe.Total)
	assert.Equal(t, "net_port = 50000 ;", pe.Step)
	assert.ErrorIs(t, err, bridgeerr.ErrBackendRejected)
	assert.Equal(t, "PartialConfiguration", bridgeerr.Class(err))
}

func TestResults(t *testing.T) {
	tr := New()

	p, _ := tr.Plan("set-disks", []string{"/mnt/disk0"})
	assert.Equal(t, []string{"1"}, p.Result([]jive.Reply{jive.ParseReply("!set_disks = 0 : 1 ;")}))

	p, _ = tr.Plan("configure-network", []string{"udp", "50000"})
	assert.Empty(t, p.Result([]jive.Reply{jive.ParseReply("!net_protocol = 0 ;"), jive.ParseReply("!net_port = 0 ;")}))

	p, _ = tr.Plan("record-status", nil)
	assert.Equal(t, []string{"on", "scan7", "4096B"}, p.Result([]jive.Reply{jive.ParseReply("!record? 0 : on : scan7 : 4096 ;")}))
	assert.Equal(t, []string{"off"}, p.Result([]jive.Reply{jive.ParseReply("!record? 0 : off ;")}))
}

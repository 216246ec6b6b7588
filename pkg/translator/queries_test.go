package translator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/jive5ab-bridge/pkg/bridgeerr"
	"github.com/turtacn/jive5ab-bridge/pkg/protocol/jive"
)

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(jive.ParseReply("!status? 0 : 0x00000041 : 1024 ;"))
	require.NoError(t, err)
	assert.Equal(t, "recording", s.State)
	assert.Equal(t, uint32(0x41), s.Word)
	assert.False(t, s.ErrorPending)
	assert.True(t, s.HasBytes)
	assert.Equal(t, int64(1024), s.Bytes)

	s, err = ParseStatus(jive.ParseReply("!status? 0 : 0x00000003 ;"))
	require.NoError(t, err)
	assert.Equal(t, "ready", s.State)
	assert.True(t, s.ErrorPending)
	assert.False(t, s.HasBytes)

	s, err = ParseStatus(jive.ParseReply("!status? 0 : idle : 0 ;"))
	require.NoError(t, err)
	assert.Equal(t, "idle", s.State)

	_, err = ParseStatus(jive.ParseReply("!status? 4 : busy ;"))
	assert.ErrorIs(t, err, bridgeerr.ErrBackendRejected)

	_, err = ParseStatus(jive.ParseReply("!status? 0 ;"))
	assert.ErrorIs(t, err, bridgeerr.ErrBackendRejected)
}

func TestParseRecord(t *testing.T) {
	r, err := ParseRecord(jive.ParseReply("!record? 0 : on : exp_001 : 123456 ;"))
	require.NoError(t, err)
	assert.Equal(t, Record{State: "on", Scan: "exp_001", Bytes: 123456, HasBytes: true}, r)

	r, err = ParseRecord(jive.ParseReply("!record? 0 : off ;"))
	require.NoError(t, err)
	assert.Equal(t, "off", r.State)
	assert.Empty(t, r.Scan)
}

func TestParseRTime(t *testing.T) {
	rt, err := ParseRTime(jive.ParseReply("!rtime? 0 : 3600.00s : 512.000GB : 87.50% : vdif : 8000-1024-64-2 : 1024Mbps ;"))
	require.NoError(t, err)
	assert.InDelta(t, 3600.0, rt.Seconds, 1e-9)
	assert.InDelta(t, 512.0, rt.GB, 1e-9)
	assert.InDelta(t, 87.5, rt.Percent, 1e-9)

	_, err = ParseRTime(jive.ParseReply("!rtime? 0 : lots ;"))
	assert.Error(t, err)
}

func TestParseNetProtocol(t *testing.T) {
	np, err := ParseNetProtocol(jive.ParseReply("!net_protocol? 0 : udps : 33554432 : 33554432 : 4 ;"))
	require.NoError(t, err)
	assert.Equal(t, "udps", np.Protocol)
	assert.Equal(t, "udps:33554432:33554432:4", np.String())

	np, err = ParseNetProtocol(jive.ParseReply("!net_protocol? 0 : udp ;"))
	require.NoError(t, err)
	assert.Equal(t, "udp", np.String())
}

func TestParseNetPort(t *testing.T) {
	p, err := ParseNetPort(jive.ParseReply("!net_port? 0 : 239.1.2.3@50000 ;"))
	require.NoError(t, err)
	assert.Equal(t, "239.1.2.3@50000", p)
}

func TestParseEVLBI(t *testing.T) {
	e, err := ParseEVLBI(jive.ParseReply("!evlbi? 0 : total : 1000 : loss : 5 (0.50%) : out-of-order : 2 (0.20%) : extent : 0seqnr/pkt ;"))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), e.Total)
	assert.Equal(t, int64(5), e.Lost)
	assert.Equal(t, int64(2), e.OutOfOrder)
	assert.InDelta(t, 0.5, e.LossPct, 1e-9)
	assert.Equal(t, "total=1000 loss=5 (0.50%) out-of-order=2", e.String())

	_, err = ParseEVLBI(jive.ParseReply("!evlbi? 0 : nothing ;"))
	assert.Error(t, err)
}

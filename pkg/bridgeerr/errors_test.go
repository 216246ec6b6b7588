package bridgeerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClass(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"validation", Validationf("port %d out of range", 0), "ValidationError"},
		{"protocol", Protocolf("unknown request %q", "x"), "ProtocolError"},
		{"timeout", fmt.Errorf("%w: status?", ErrBackendTimeout), "BackendTimeout"},
		{"disconnected", ErrBackendDisconnected, "BackendDisconnected"},
		{"unreachable", fmt.Errorf("%w: dial", ErrBackendUnreachable), "BackendUnreachable"},
		{"backend", &BackendError{Command: "record", Code: 6, Reason: "already recording"}, "BackendError"},
		{"other", errors.New("boom"), "InternalError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Class(tt.err))
		})
	}
}

func TestPartialConfigurationWrapsStep(t *testing.T) {
	stepErr := &BackendError{Command: "net_port", Code: 8, Reason: "invalid port"}
	err := &PartialConfigurationError{Request: "configure-network", Completed: 1, Total: 2, Step: "net_port = 0 ;", Err: stepErr}

	assert.True(t, errors.Is(err, ErrPartialConfiguration))
	assert.True(t, errors.Is(err, ErrBackendRejected))
	assert.Equal(t, "PartialConfiguration", Class(err))

	var be *BackendError
	assert.True(t, errors.As(err, &be))
	assert.Equal(t, "invalid port", be.Reason)
	assert.Contains(t, err.Error(), "1 of 2 steps applied")
}

func TestBackendErrorMessage(t *testing.T) {
	assert.Equal(t, "set_disks returned error: no such mountpoint",
		(&BackendError{Command: "set_disks", Code: -1, Reason: "no such mountpoint"}).Error())
	assert.Equal(t, "record returned code 6",
		(&BackendError{Command: "record", Code: 6}).Error())
	assert.Equal(t, "ValidationError: empty", Describe(Validationf("empty")))
	assert.Equal(t, "BackendDisconnected: backend disconnected", Describe(ErrBackendDisconnected))
	assert.Equal(t, "BackendError: record returned code 6", Describe(&BackendError{Command: "record", Code: 6}))
}

package portutil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFree(t *testing.T) {
	port, err := Free("127.0.0.1")
	require.NoError(t, err)
	assert.Positive(t, port)
	assert.True(t, Bindable("127.0.0.1", port))
}

func TestPick_SkipsBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	taken := busy.Addr().(*net.TCPAddr).Port
	assert.False(t, Bindable("127.0.0.1", taken))

	port, err := Pick("127.0.0.1", taken, 1)
	require.NoError(t, err)
	assert.NotEqual(t, taken, port)
}

// A port held on all interfaces is busy for the server's ":port" bind.
func TestPick_ProbesTheBindHost(t *testing.T) {
	busy, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer busy.Close()
	taken := busy.Addr().(*net.TCPAddr).Port

	port, err := Pick("", taken, 1)
	require.NoError(t, err)
	assert.NotEqual(t, taken, port)
	assert.True(t, Bindable("", port))
}

func TestPick_OutOfRange(t *testing.T) {
	for _, preferred := range []int{MaxPort + 1, 0, -5} {
		port, err := Pick("127.0.0.1", preferred, 3)
		require.NoError(t, err, preferred)
		assert.Positive(t, port)
		assert.LessOrEqual(t, port, MaxPort)
	}
}

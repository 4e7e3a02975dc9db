package tsnetutil

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianm/devbox/internal/config"
)

func TestListenAddr_PlainTCP(t *testing.T) {
	ln, err := ListenAddr("127.0.0.1:0", config.TailscaleConfig{})
	require.NoError(t, err)
	defer ln.Close()

	assert.Nil(t, ln.TS)
	assert.False(t, ln.Tailnet())

	accepted := make(chan struct{})
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
		close(accepted)
	}()
	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	c.Close()
	<-accepted
}

func TestListenAddr_InvalidAddr(t *testing.T) {
	_, err := ListenAddr("256.0.0.1:-1", config.TailscaleConfig{})
	require.Error(t, err)
}

func TestWhoIs_WithoutTailnet(t *testing.T) {
	ln, err := ListenAddr("127.0.0.1:0", config.TailscaleConfig{})
	require.NoError(t, err)
	defer ln.Close()

	_, err = ln.WhoIs(context.Background(), "127.0.0.1:1234")
	assert.ErrorIs(t, err, ErrNoTailnet)
}

func TestNewServer_Defaults(t *testing.T) {
	ts := newServer(config.TailscaleConfig{AuthKey: "tskey", Ephemeral: true})
	assert.Equal(t, DefaultHostname, ts.Hostname)
	assert.Equal(t, "tskey", ts.AuthKey)
	assert.True(t, ts.Ephemeral)

	ts = newServer(config.TailscaleConfig{Hostname: "box-1", Dir: "/tmp/ts"})
	assert.Equal(t, "box-1", ts.Hostname)
	assert.Equal(t, "/tmp/ts", ts.Dir)
}

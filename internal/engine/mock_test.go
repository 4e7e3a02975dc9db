package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockEngine_Lifecycle(t *testing.T) {
	ctx := t.Context()
	m := NewMockEngine()

	ok, err := m.ImageExists(ctx, "alpine")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Create(ctx, CreateOptions{Name: "c1", Image: "alpine"})
	assert.ErrorIs(t, err, ErrImageNotFound)

	require.NoError(t, m.PullImage(ctx, "alpine"))
	ref, err := m.Create(ctx, CreateOptions{Name: "c1", Image: "alpine"})
	require.NoError(t, err)

	_, err = m.Create(ctx, CreateOptions{Name: "c1", Image: "alpine"})
	assert.ErrorIs(t, err, ErrNameConflict)

	require.NoError(t, m.Start(ctx, ref))
	info, err := m.Inspect(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ref, info.Ref)
	assert.Equal(t, StateRunning, info.State)

	require.NoError(t, m.Remove(ctx, ref))
	_, err = m.Inspect(ctx, ref)
	assert.ErrorIs(t, err, ErrNoSuchContainer)

	assert.Len(t, m.GetCallsFor("Create"), 3)
	assert.Len(t, m.GetCallsFor("Inspect"), 2)
}

func TestMockEngine_InjectedError(t *testing.T) {
	m := NewMockEngine()
	boom := errors.New("boom")
	m.SetError("Ping", boom)
	assert.ErrorIs(t, m.Ping(t.Context()), boom)

	m.SetError("Ping", nil)
	assert.NoError(t, m.Ping(t.Context()))
}

func TestMockEngine_DelayHonorsContext(t *testing.T) {
	m := NewMockEngine()
	m.SetDelay("PullImage", time.Hour)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	err := m.PullImage(ctx, "alpine")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMockEngine_Gate(t *testing.T) {
	m := NewMockEngine()
	release := m.Gate("Ping")

	done := make(chan error, 1)
	go func() { done <- m.Ping(context.Background()) }()

	select {
	case <-done:
		t.Fatal("gated call returned early")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	require.NoError(t, <-done)
}

func TestMockStream_ReadDeadline(t *testing.T) {
	s := NewMockStream(80, 24)
	defer s.Close()

	require.NoError(t, s.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	buf := make([]byte, 16)
	_, err := s.Read(buf)
	assert.True(t, IsTimeout(err))

	// The stream stays usable after a timeout.
	go func() { _ = s.Feed([]byte("hello")) }()
	require.NoError(t, s.SetReadDeadline(time.Time{}))
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestMockStream_PartialReads(t *testing.T) {
	s := NewMockStream(80, 24)
	defer s.Close()

	go func() { _ = s.Feed([]byte("abcdef")) }()
	buf := make([]byte, 4)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf[:n]))
	n, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ef", string(buf[:n]))
}

func TestMockStream_ExitAndClose(t *testing.T) {
	s := NewMockStream(80, 24)
	s.Exit()
	_, err := s.Read(make([]byte, 8))
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, IsTimeout(err))

	_, err = s.Write([]byte("ls\n"))
	require.NoError(t, err)
	assert.Equal(t, "ls\n", string(s.Written()))

	require.NoError(t, s.Resize(120, 40))
	assert.Equal(t, [][2]uint16{{80, 24}, {120, 40}}, s.Sizes())

	require.NoError(t, s.Close())
	assert.True(t, s.Closed())
	_, err = s.Write([]byte("x"))
	assert.Error(t, err)
}

func TestMockEngine_AttachRequiresRunning(t *testing.T) {
	m := NewMockEngine()
	ref := m.AddContainer("c1", "alpine", StateStopped)

	_, err := m.Attach(t.Context(), ref, AttachOptions{})
	assert.ErrorIs(t, err, ErrNoSuchContainer)

	m.SetState(ref, StateRunning)
	st, err := m.Attach(t.Context(), ref, AttachOptions{Cols: 100, Rows: 30})
	require.NoError(t, err)
	defer st.Close()
	assert.Same(t, st, m.LastStream())
}

func TestIsTimeout(t *testing.T) {
	assert.False(t, IsTimeout(nil))
	assert.False(t, IsTimeout(io.EOF))
	assert.True(t, IsTimeout(os.ErrDeadlineExceeded))
	assert.True(t, IsTimeout(fmt.Errorf("read: %w", os.ErrDeadlineExceeded)))
}

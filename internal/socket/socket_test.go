package socket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendRecvLoopback(t *testing.T) {
	a, err := Open(0)
	require.NoError(t, err)
	defer a.Close()

	b, err := Open(0)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Send(b.LocalAddr(), []byte("ping")))

	buf := make([]byte, 64)
	n, from, result := b.Recv(buf)
	require.Equal(t, Succes, result)
	require.Equal(t, "ping", string(buf[:n]))
	require.Equal(t, a.LocalAddr().Port, from.Port)
}

func TestCloseUnblocksRecv(t *testing.T) {
	s, err := Open(0)
	require.NoError(t, err)

	done := make(chan Result, 1)
	go func() {
		buf := make([]byte, 64)
		_, _, result := s.Recv(buf)
		done <- result
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case result := <-done:
		require.Equal(t, SocketClosed, result)
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock after Close")
	}
}

func TestDoubleCloseIsSafe(t *testing.T) {
	s, err := Open(0)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

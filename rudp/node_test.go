package rudp_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zerodelay-net/rudp/rudp"
)

func runLoop(t *testing.T, nodes ...*rudp.Node) func() {
	t.Helper()
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				for _, n := range nodes {
					n.Update()
				}
			}
		}
	}()
	return func() { close(stop) }
}

func TestHandshakeSucceeds(t *testing.T) {
	server := rudp.New(20, 8)
	client := rudp.New(20, 8)
	defer server.Close()
	defer client.Close()

	var connected atomic.Bool
	var accepted atomic.Bool
	server.OnNewConnection(func(endpoint string, metadata []byte) { accepted.Store(true) })
	client.OnConnectResult(func(endpoint string, result rudp.ConnectResult) {
		if result == rudp.ResultSucces {
			connected.Store(true)
		}
	})

	require.NoError(t, server.Listen(27101, "pw", 8))
	stopLoop := runLoop(t, server, client)
	defer stopLoop()

	require.NoError(t, client.Connect("127.0.0.1:27101", "pw", 5, nil))

	require.Eventually(t, connected.Load, time.Second, 5*time.Millisecond)
	require.Eventually(t, accepted.Load, time.Second, 5*time.Millisecond)
}

func TestWrongPasswordRejected(t *testing.T) {
	server := rudp.New(20, 8)
	client := rudp.New(20, 8)
	defer server.Close()
	defer client.Close()

	var gotResult atomic.Value
	var newConnFired atomic.Bool
	server.OnNewConnection(func(endpoint string, metadata []byte) { newConnFired.Store(true) })
	client.OnConnectResult(func(endpoint string, result rudp.ConnectResult) { gotResult.Store(result) })

	require.NoError(t, server.Listen(27102, "right", 8))
	stopLoop := runLoop(t, server, client)
	defer stopLoop()

	require.NoError(t, client.Connect("127.0.0.1:27102", "wrong", 5, nil))

	require.Eventually(t, func() bool {
		v := gotResult.Load()
		return v != nil
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, rudp.ResultInvalidPassword, gotResult.Load())
	require.False(t, newConnFired.Load())
}

func TestReliableOrderedDeliveryUnderLoss(t *testing.T) {
	server := rudp.New(10, 8)
	client := rudp.New(10, 8)
	defer server.Close()
	defer client.Close()

	const n = 200
	var mu sync.Mutex
	received := make([]int, 0, n)
	var recvCount atomic.Int32

	server.OnCustomData(func(endpoint string, packId uint8, payload []byte, channel rudp.Channel) {
		mu.Lock()
		received = append(received, int(payload[0])+int(payload[1])<<8)
		mu.Unlock()
		recvCount.Add(1)
	})

	require.NoError(t, server.Listen(27103, "pw", 8))
	stopLoop := runLoop(t, server, client)
	defer stopLoop()

	require.NoError(t, client.Connect("127.0.0.1:27103", "pw", 5, nil))
	require.Eventually(t, func() bool { return client.IsConnectionKnown("127.0.0.1:27103") }, time.Second, 5*time.Millisecond)

	server.SimulatePacketLoss(30)

	time.Sleep(100 * time.Millisecond) // let the handshake land before the loss kicks in on data
	for i := 0; i < n; i++ {
		payload := []byte{byte(i), byte(i >> 8)}
		client.SendReliableOrdered(rudp.UserOffset, payload, nil, false, 0, false)
	}

	require.Eventually(t, func() bool { return int(recvCount.Load()) == n }, 10*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range received {
		require.Equal(t, i, v, "message at position %d out of order", i)
	}
}

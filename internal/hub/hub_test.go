package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zerodelay-net/rudp/internal/socket"
	"github.com/zerodelay-net/rudp/internal/wire"
)

func openTestHub(t *testing.T) *Hub {
	t.Helper()
	sock, err := socket.Open(0)
	require.NoError(t, err)
	cfg := DefaultConfig()
	h := New(sock, cfg, nil)
	go h.Run()
	t.Cleanup(func() { h.Close() })
	return h
}

func TestUnknownEndpointWithoutConnectRequestNeverCreatesLink(t *testing.T) {
	h := openTestHub(t)

	raw, err := socket.Open(0)
	require.NoError(t, err)
	defer raw.Close()

	b := wire.EncodeNormal(wire.NormalPacket{
		LinkID: 99, Header: wire.HeaderReliableOrdered,
		Flags:    wire.NormalFlags{Channel: 0, FirstFragment: true, LastFragment: true},
		Sequence: 0, DataId: wire.DataId(99), Payload: []byte("not a connect request"),
	})
	require.NoError(t, raw.Send(h.Socket().LocalAddr(), b))

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, h.All())
}

func TestFirstContactCreatesLinkWithSenderLinkId(t *testing.T) {
	h := openTestHub(t)

	raw, err := socket.Open(0)
	require.NoError(t, err)
	defer raw.Close()

	b := wire.EncodeNormal(wire.NormalPacket{
		LinkID: 4242, Header: wire.HeaderReliableOrdered,
		Flags:    wire.NormalFlags{Channel: 0, FirstFragment: true, LastFragment: true},
		Sequence: 0, DataId: wire.DataIdConnectRequest, Payload: []byte{0},
	})
	require.NoError(t, raw.Send(h.Socket().LocalAddr(), b))

	require.Eventually(t, func() bool {
		links := h.All()
		defer func() {
			for _, l := range links {
				l.Unpin()
			}
		}()
		return len(links) == 1 && links[0].ID == 4242
	}, time.Second, 5*time.Millisecond)
}

func TestMismatchedLinkIdIsDropped(t *testing.T) {
	h := openTestHub(t)

	raw, err := socket.Open(0)
	require.NoError(t, err)
	defer raw.Close()

	connReq := wire.EncodeNormal(wire.NormalPacket{
		LinkID: 1, Header: wire.HeaderReliableOrdered,
		Flags:    wire.NormalFlags{Channel: 0, FirstFragment: true, LastFragment: true},
		Sequence: 0, DataId: wire.DataIdConnectRequest, Payload: []byte{0},
	})
	require.NoError(t, raw.Send(h.Socket().LocalAddr(), connReq))

	require.Eventually(t, func() bool {
		links := h.All()
		defer func() {
			for _, l := range links {
				l.Unpin()
			}
		}()
		return len(links) == 1
	}, time.Second, 5*time.Millisecond)

	mismatched := wire.EncodeNormal(wire.NormalPacket{
		LinkID: 2, Header: wire.HeaderReliableOrdered,
		Flags:    wire.NormalFlags{Channel: 0, FirstFragment: true, LastFragment: true},
		Sequence: 1, DataId: wire.DataId(60), Payload: []byte("x"),
	})
	require.NoError(t, raw.Send(h.Socket().LocalAddr(), mismatched))

	time.Sleep(50 * time.Millisecond)

	links := h.All()
	defer func() {
		for _, l := range links {
			l.Unpin()
		}
	}()
	require.Len(t, links, 1)
	first, ok := links[0].Poll()
	require.True(t, ok, "the ConnectRequest that created the link is delivered to it")
	require.Equal(t, wire.DataIdConnectRequest, first.DataId)
	_, ok = links[0].Poll()
	require.False(t, ok, "the mismatched-linkId datagram must not have been delivered to the existing link")
}

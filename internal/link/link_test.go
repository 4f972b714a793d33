package link

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zerodelay-net/rudp/internal/wire"
)

// pipeSender delivers whatever is sent straight into a peer Link's
// RecvData, modeling the socket+hub demux layer this package doesn't own.
type pipeSender struct {
	mu   sync.Mutex
	peer *Link
}

func (s *pipeSender) Send(_ wire.Endpoint, b []byte) error {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	if peer != nil {
		cp := append([]byte(nil), b...)
		peer.RecvData(cp)
	}
	return nil
}

func newLinkPair(t *testing.T, cfg Config) (a, b *Link) {
	t.Helper()
	senderA := &pipeSender{}
	senderB := &pipeSender{}
	ep := wire.Endpoint{V4: true}

	a = New(1, ep, senderA, cfg)
	b = New(1, ep, senderB, cfg)
	senderA.peer = b
	senderB.peer = a
	return a, b
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FragmentSize = 16
	return cfg
}

func TestAddToSendQueueRejectsNonNormalClasses(t *testing.T) {
	a, _ := newLinkPair(t, testConfig())
	result, _ := a.AddToSendQueue(40, []byte("x"), wire.ClassAck, 0, false)
	require.Equal(t, InternalError, result)

	result, _ = a.AddToSendQueue(40, []byte("x"), wire.ClassReliableNewest, 0, false)
	require.Equal(t, InternalError, result)
}

func TestAddToSendQueueBlockedAfterBlockAllUpcomingSends(t *testing.T) {
	a, _ := newLinkPair(t, testConfig())
	a.BlockAllUpcomingSends()
	result, _ := a.AddToSendQueue(40, []byte("x"), wire.ClassReliableOrdered, 0, false)
	require.Equal(t, NotSent, result)
}

func TestReliableOrderedSingleFragmentDelivery(t *testing.T) {
	a, b := newLinkPair(t, testConfig())

	result, _ := a.AddToSendQueue(50, []byte("short"), wire.ClassReliableOrdered, 0, false)
	require.Equal(t, Succes, result)

	pkt, ok := b.Poll()
	require.True(t, ok)
	require.Equal(t, wire.ClassReliableOrdered, pkt.Class)
	require.Equal(t, wire.DataId(50), pkt.DataId)
	require.Equal(t, []byte("short"), pkt.Payload)
}

func TestReliableOrderedFragmentReassembly(t *testing.T) {
	a, b := newLinkPair(t, testConfig())

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	result, ticket := a.AddToSendQueue(51, payload, wire.ClassReliableOrdered, 0, false)
	require.Equal(t, Succes, result)
	require.Greater(t, ticket.FragmentCount, 1)

	pkt, ok := b.Poll()
	require.True(t, ok)
	require.Equal(t, payload, pkt.Payload)
}

func TestReliableOrderedStrictSequenceAcrossChannels(t *testing.T) {
	a, b := newLinkPair(t, testConfig())

	const n = 50
	for i := 0; i < n; i++ {
		payload := []byte{byte(i)}
		result, _ := a.AddToSendQueue(60, payload, wire.ClassReliableOrdered, wire.Channel(i%wire.NumChannels), false)
		require.Equal(t, Succes, result)
	}

	var perChannel [wire.NumChannels][]byte
	for {
		pkt, ok := b.Poll()
		if !ok {
			break
		}
		perChannel[pkt.Channel] = append(perChannel[pkt.Channel], pkt.Payload[0])
	}

	for ch := 0; ch < wire.NumChannels; ch++ {
		got := perChannel[ch]
		for i := 1; i < len(got); i++ {
			require.Less(t, got[i-1], got[i], "channel %d must deliver in ascending submission order", ch)
		}
	}
}

func TestAckRetiresRetransmitQueue(t *testing.T) {
	a, b := newLinkPair(t, testConfig())

	_, _ = a.AddToSendQueue(70, []byte("hi"), wire.ClassReliableOrdered, 0, false)

	a.rmu.Lock()
	inFlight := len(a.channels[0].inFlight)
	a.rmu.Unlock()
	require.Equal(t, 1, inFlight)

	// Draining b's poll queue does not itself send an ack; the ack
	// dispatch cadence does that on Tick.
	_, ok := b.Poll()
	require.True(t, ok)
	b.dispatchAcks()

	require.Eventually(t, func() bool {
		a.rmu.Lock()
		defer a.rmu.Unlock()
		return len(a.channels[0].inFlight) == 0
	}, time.Second, time.Millisecond)
}

func TestUnreliableSequencedDropsStale(t *testing.T) {
	a, b := newLinkPair(t, testConfig())

	_, _ = a.AddToSendQueue(80, []byte("first"), wire.ClassUnreliableSequenced, 0, false)
	_, _ = a.AddToSendQueue(80, []byte("second"), wire.ClassUnreliableSequenced, 0, false)

	pkt1, ok := b.Poll()
	require.True(t, ok)
	require.Equal(t, []byte("first"), pkt1.Payload)

	pkt2, ok := b.Poll()
	require.True(t, ok)
	require.Equal(t, []byte("second"), pkt2.Payload)

	// A stale duplicate of the first fragment must never resurface.
	b.recvUnreliableSequenced(wire.EncodeNormal(wire.NormalPacket{
		LinkID: b.ID, Header: wire.HeaderUnreliableSequenced,
		Flags:    wire.NormalFlags{Channel: 0, FirstFragment: true, LastFragment: true},
		Sequence: 0, DataId: 80, Payload: []byte("stale"),
	}))
	_, ok = b.Poll()
	require.False(t, ok)
}

func TestReliableNewestCoalescesToLatestRevision(t *testing.T) {
	a, b := newLinkPair(t, testConfig())

	a.AddReliableNewest(90, []byte("v1"), 42, 3)
	a.AddReliableNewest(90, []byte("v2"), 42, 3)
	a.AddReliableNewest(90, []byte("v3"), 42, 3)

	a.dispatchReliableNewest()

	pkt, ok := b.Poll()
	require.True(t, ok)
	require.Equal(t, wire.ClassReliableNewest, pkt.Class)
	require.Equal(t, []byte("v3"), pkt.Payload)

	_, ok = b.Poll()
	require.False(t, ok, "only one coalesced datagram should have gone out")
}

func TestPollOrderingPrefersReliableOrderedThenUnreliableThenNewest(t *testing.T) {
	a, b := newLinkPair(t, testConfig())

	a.AddReliableNewest(90, []byte("newest"), 1, 0)
	a.dispatchReliableNewest()
	a.AddToSendQueue(80, []byte("unreliable"), wire.ClassUnreliableSequenced, 0, false)
	a.AddToSendQueue(50, []byte("ordered"), wire.ClassReliableOrdered, 0, false)

	first, ok := b.Poll()
	require.True(t, ok)
	require.Equal(t, wire.ClassReliableOrdered, first.Class)

	second, ok := b.Poll()
	require.True(t, ok)
	require.Equal(t, wire.ClassUnreliableSequenced, second.Class)

	third, ok := b.Poll()
	require.True(t, ok)
	require.Equal(t, wire.ClassReliableNewest, third.Class)
}

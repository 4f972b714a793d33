package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalPacketRoundTrip(t *testing.T) {
	p := NormalPacket{
		LinkID:   0xdeadbeef,
		Header:   HeaderReliableOrdered,
		Flags:    NormalFlags{Channel: 3, Relay: true, FirstFragment: true, LastFragment: false},
		Sequence: 12345,
		DataId:   DataId(40),
		Payload:  []byte("hello rudp"),
	}
	b := EncodeNormal(p)
	got, err := DecodeNormal(b)
	require.NoError(t, err)
	require.Equal(t, p.LinkID, got.LinkID)
	require.Equal(t, p.Header, got.Header)
	require.Equal(t, p.Flags, got.Flags)
	require.Equal(t, p.Sequence, got.Sequence)
	require.Equal(t, p.DataId, got.DataId)
	require.Equal(t, p.Payload, got.Payload)
}

func TestNormalFlagsEncodeDecode(t *testing.T) {
	for ch := Channel(0); ch < NumChannels; ch++ {
		f := NormalFlags{Channel: ch, Relay: ch%2 == 0, FirstFragment: true, LastFragment: true}
		got := DecodeNormalFlags(f.Encode())
		require.Equal(t, f, got)
		require.True(t, got.SingleFragment())
	}
}

func TestAckPacketRoundTrip(t *testing.T) {
	p := AckPacket{LinkID: 7, Channel: 2, Sequences: []Sequence{1, 2, 3, 100, 99999}}
	b := EncodeAck(p)
	got, err := DecodeAck(b)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestAckPacketEmpty(t *testing.T) {
	p := AckPacket{LinkID: 7, Channel: 0, Sequences: nil}
	b := EncodeAck(p)
	got, err := DecodeAck(b)
	require.NoError(t, err)
	require.Empty(t, got.Sequences)
}

func TestReliableNewestRoundTrip(t *testing.T) {
	p := ReliableNewestPacket{
		LinkID:   1,
		Sequence: 55,
		Groups: []ReliableNewestGroup{
			{GroupId: 42, ItemBits: 0b1010, SkipBytes: 6, Items: []byte("abcdef")},
			{GroupId: 43, ItemBits: 0b0001, SkipBytes: 3, Items: []byte("xyz")},
		},
	}
	b := EncodeReliableNewest(p)
	got, err := DecodeReliableNewest(b)
	require.NoError(t, err)
	require.Equal(t, p.LinkID, got.LinkID)
	require.Equal(t, p.Sequence, got.Sequence)
	require.Equal(t, p.Groups, got.Groups)
}

func TestAckReliableNewestRoundTrip(t *testing.T) {
	p := AckReliableNewestPacket{LinkID: 9, HighestSeqReceived: 777}
	b := EncodeAckReliableNewest(p)
	got, err := DecodeAckReliableNewest(b)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestDecodeTruncated(t *testing.T) {
	_, err := DecodeNormal([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrTruncated)

	_, err = DecodeAck([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrTruncated)

	_, err = PeekLinkHeader([]byte{1, 2})
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeAckCountMismatch(t *testing.T) {
	p := AckPacket{LinkID: 1, Channel: 0, Sequences: []Sequence{1, 2, 3}}
	b := EncodeAck(p)
	_, err := DecodeAck(b[:len(b)-4]) // truncate the last sequence
	require.ErrorIs(t, err, ErrCountMismatch)
}

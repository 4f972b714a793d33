// Package wire implements the on-the-wire packet formats: a 4-byte LinkId
// and a 1-byte HeaderType shared by every datagram, followed by a
// HeaderType-specific layout. All multi-byte integers are big-endian
// (network byte order).
package wire

import (
	"encoding/binary"
	"errors"
)

// MinHeaderSize is the smallest a valid datagram can be: LinkId + HeaderType.
const MinHeaderSize = 5

var (
	ErrTruncated        = errors.New("wire: datagram shorter than its header")
	ErrUnknownHeader    = errors.New("wire: unknown header type")
	ErrCountMismatch    = errors.New("wire: payload shorter than declared count")
)

// PeekLinkHeader reads just the LinkId and HeaderType, the two fields every
// datagram carries regardless of kind. Used by the receive hub to demux
// before it knows which link owns the datagram.
func PeekLinkHeader(b []byte) (linkID uint32, ht HeaderType, err error) {
	if len(b) < MinHeaderSize {
		return 0, 0, ErrTruncated
	}
	return binary.BigEndian.Uint32(b[0:4]), HeaderType(b[4]), nil
}

// NormalPacket is the wire form of reliable-ordered and unreliable-sequenced
// traffic: byte 5 packs channel/relay/fragment flags, bytes 6-9 the
// sequence, byte 10 the DataId, the remainder the payload.
type NormalPacket struct {
	LinkID   uint32
	Header   HeaderType
	Flags    NormalFlags
	Sequence Sequence
	DataId   DataId
	Payload  []byte
}

// EncodeNormal serializes a NormalPacket. The returned slice is freshly
// allocated.
func EncodeNormal(p NormalPacket) []byte {
	buf := make([]byte, 11+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], p.LinkID)
	buf[4] = byte(p.Header)
	buf[5] = p.Flags.Encode()
	binary.BigEndian.PutUint32(buf[6:10], uint32(p.Sequence))
	buf[10] = byte(p.DataId)
	copy(buf[11:], p.Payload)
	return buf
}

// DecodeNormal parses a NormalPacket. The returned Payload aliases b; callers
// that retain it past the lifetime of the receive buffer must copy it.
func DecodeNormal(b []byte) (NormalPacket, error) {
	if len(b) < 11 {
		return NormalPacket{}, ErrTruncated
	}
	return NormalPacket{
		LinkID:   binary.BigEndian.Uint32(b[0:4]),
		Header:   HeaderType(b[4]),
		Flags:    DecodeNormalFlags(b[5]),
		Sequence: Sequence(binary.BigEndian.Uint32(b[6:10])),
		DataId:   DataId(b[10]),
		Payload:  b[11:],
	}, nil
}

// AckPacket acknowledges a set of reliable-ordered sequences on one channel.
type AckPacket struct {
	LinkID    uint32
	Channel   Channel
	Sequences []Sequence
}

func EncodeAck(p AckPacket) []byte {
	buf := make([]byte, 10+4*len(p.Sequences))
	binary.BigEndian.PutUint32(buf[0:4], p.LinkID)
	buf[4] = byte(HeaderAck)
	buf[5] = byte(p.Channel)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(p.Sequences)))
	off := 10
	for _, s := range p.Sequences {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(s))
		off += 4
	}
	return buf
}

func DecodeAck(b []byte) (AckPacket, error) {
	if len(b) < 10 {
		return AckPacket{}, ErrTruncated
	}
	count := binary.BigEndian.Uint32(b[6:10])
	need := 10 + 4*int(count)
	if len(b) < need {
		return AckPacket{}, ErrCountMismatch
	}
	seqs := make([]Sequence, count)
	off := 10
	for i := range seqs {
		seqs[i] = Sequence(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
	}
	return AckPacket{
		LinkID:    binary.BigEndian.Uint32(b[0:4]),
		Channel:   Channel(b[5]),
		Sequences: seqs,
	}, nil
}

// ReliableNewestGroup is one replicated variable-group slot collection
// within a ReliableNewest datagram.
type ReliableNewestGroup struct {
	GroupId   uint32
	ItemBits  uint16 // which of the group's 16 item slots are present
	SkipBytes uint16 // bytes from this group's header a receiver that
	// doesn't know GroupId can use to skip straight to the next group
	Items []byte // concatenated bytes of the items whose bit is set
}

// ReliableNewestPacket carries a batch of dirty variable-group slots.
type ReliableNewestPacket struct {
	LinkID   uint32
	Sequence Sequence
	Groups   []ReliableNewestGroup
}

func EncodeReliableNewest(p ReliableNewestPacket) []byte {
	size := 13
	for _, g := range p.Groups {
		size += 8 + len(g.Items)
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], p.LinkID)
	buf[4] = byte(HeaderReliableNewest)
	binary.BigEndian.PutUint32(buf[5:9], uint32(p.Sequence))
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(p.Groups)))
	off := 13
	for _, g := range p.Groups {
		binary.BigEndian.PutUint32(buf[off:off+4], g.GroupId)
		binary.BigEndian.PutUint16(buf[off+4:off+6], g.ItemBits)
		binary.BigEndian.PutUint16(buf[off+6:off+8], g.SkipBytes)
		off += 8
		copy(buf[off:], g.Items)
		off += len(g.Items)
	}
	return buf
}

func DecodeReliableNewest(b []byte) (ReliableNewestPacket, error) {
	if len(b) < 13 {
		return ReliableNewestPacket{}, ErrTruncated
	}
	count := binary.BigEndian.Uint32(b[9:13])
	groups := make([]ReliableNewestGroup, 0, count)
	off := 13
	for i := uint32(0); i < count; i++ {
		if len(b) < off+8 {
			return ReliableNewestPacket{}, ErrCountMismatch
		}
		groupId := binary.BigEndian.Uint32(b[off : off+4])
		itemBits := binary.BigEndian.Uint16(b[off+4 : off+6])
		skipBytes := binary.BigEndian.Uint16(b[off+6 : off+8])
		itemsStart := off + 8
		itemsEnd := itemsStart + int(skipBytes)
		if itemsEnd > len(b) {
			return ReliableNewestPacket{}, ErrCountMismatch
		}
		groups = append(groups, ReliableNewestGroup{
			GroupId:   groupId,
			ItemBits:  itemBits,
			SkipBytes: skipBytes,
			Items:     b[itemsStart:itemsEnd],
		})
		off = itemsEnd
	}
	return ReliableNewestPacket{
		LinkID:   binary.BigEndian.Uint32(b[0:4]),
		Sequence: Sequence(binary.BigEndian.Uint32(b[5:9])),
		Groups:   groups,
	}, nil
}

// AckReliableNewestPacket carries the highest reliable-newest sequence the
// peer has received, letting the sender retire acknowledged item revisions.
type AckReliableNewestPacket struct {
	LinkID             uint32
	HighestSeqReceived Sequence
}

func EncodeAckReliableNewest(p AckReliableNewestPacket) []byte {
	buf := make([]byte, 9)
	binary.BigEndian.PutUint32(buf[0:4], p.LinkID)
	buf[4] = byte(HeaderAckReliableNewest)
	binary.BigEndian.PutUint32(buf[5:9], uint32(p.HighestSeqReceived))
	return buf
}

func DecodeAckReliableNewest(b []byte) (AckReliableNewestPacket, error) {
	if len(b) < 9 {
		return AckReliableNewestPacket{}, ErrTruncated
	}
	return AckReliableNewestPacket{
		LinkID:             binary.BigEndian.Uint32(b[0:4]),
		HighestSeqReceived: Sequence(binary.BigEndian.Uint32(b[5:9])),
	}, nil
}

package link

import (
	"time"

	"github.com/zerodelay-net/rudp/internal/wire"
	"github.com/zerodelay-net/rudp/pkg/rudplog"
	"go.uber.org/zap"
)

// SendResult is the outcome of a send-class submission.
type SendResult uint8

const (
	Succes SendResult = iota
	NotSent
	InternalError
)

// Ticket identifies the fragment range a reliable-ordered submission was
// assigned, for later delivery-status queries.
type Ticket struct {
	StartSeq      wire.Sequence
	FragmentCount int
	Channel       wire.Channel
}

// AddToSendQueue fragments payload into chunks of at most cfg.FragmentSize
// and, depending on class, enqueues them for retransmit (ReliableOrdered)
// or fires them once (UnreliableSequenced). Ack and ReliableNewest are not
// addressable through this entry point.
func (l *Link) AddToSendQueue(dataId wire.DataId, payload []byte, class wire.Class, channel wire.Channel, relay bool) (SendResult, Ticket) {
	if class == wire.ClassAck || class == wire.ClassReliableNewest {
		return InternalError, Ticket{}
	}
	if l.blockSends.Load() {
		return NotSent, Ticket{}
	}

	chunks := fragmentPayload(payload, l.cfg.FragmentSize)
	header := class.HeaderType()

	switch class {
	case wire.ClassReliableOrdered:
		l.rmu.Lock()
		cs := &l.channels[channel]
		if cs.inFlight == nil {
			cs.inFlight = make(map[wire.Sequence]*inFlightFragment)
		}
		startSeq := cs.nextSeq
		now := time.Now()
		for i, chunk := range chunks {
			seq := cs.nextSeq
			cs.nextSeq++
			flags := wire.NormalFlags{
				Channel:       channel,
				Relay:         relay,
				FirstFragment: i == 0,
				LastFragment:  i == len(chunks)-1,
			}
			cs.inFlight[seq] = &inFlightFragment{dataId: dataId, flags: flags, payload: chunk, sentAt: now}
			l.transmitNormal(header, flags, seq, dataId, chunk)
		}
		l.rmu.Unlock()
		return Succes, Ticket{StartSeq: startSeq, FragmentCount: len(chunks), Channel: channel}

	case wire.ClassUnreliableSequenced:
		l.rmu.Lock()
		cs := &l.channels[channel]
		startSeq := cs.nextUnreliableSeq
		for i, chunk := range chunks {
			seq := cs.nextUnreliableSeq
			cs.nextUnreliableSeq++
			flags := wire.NormalFlags{
				Channel:       channel,
				Relay:         relay,
				FirstFragment: i == 0,
				LastFragment:  i == len(chunks)-1,
			}
			l.transmitNormal(header, flags, seq, dataId, chunk)
		}
		l.rmu.Unlock()
		return Succes, Ticket{StartSeq: startSeq, FragmentCount: len(chunks), Channel: channel}
	}
	return InternalError, Ticket{}
}

func fragmentPayload(payload []byte, size int) [][]byte {
	if len(payload) == 0 {
		return [][]byte{{}}
	}
	var chunks [][]byte
	for off := 0; off < len(payload); off += size {
		end := off + size
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[off:end])
	}
	return chunks
}

func (l *Link) transmitNormal(header wire.HeaderType, flags wire.NormalFlags, seq wire.Sequence, dataId wire.DataId, payload []byte) {
	b := wire.EncodeNormal(wire.NormalPacket{
		LinkID:   l.ID,
		Header:   header,
		Flags:    flags,
		Sequence: seq,
		DataId:   dataId,
		Payload:  payload,
	})
	if err := l.sender.Send(l.Endpoint, b); err != nil {
		rudplog.Debug("link send failed", zap.Uint32("linkId", l.ID), zap.Error(err))
	}
}

// AddReliableNewest updates one slot of a replicated variable group:
// allocates the group if new, stamps the slot's localRevision with the
// link's current send sequence, and copies bytes into an owned buffer.
func (l *Link) AddReliableNewest(dataId wire.DataId, payload []byte, groupId uint32, itemBit uint8) (SendResult, Ticket) {
	if itemBit > 15 {
		return InternalError, Ticket{}
	}
	if l.blockSends.Load() {
		return NotSent, Ticket{}
	}

	l.gmu.Lock()
	defer l.gmu.Unlock()

	g, ok := l.groups[groupId]
	if !ok {
		g = &group{}
		l.groups[groupId] = g
	}
	item := &g.items[itemBit]
	item.present = true
	item.dataId = dataId
	item.localRevision = l.sendRelNewestSeq
	if cap(item.buf) < len(payload) {
		item.buf = make([]byte, len(payload))
	} else {
		item.buf = item.buf[:len(payload)]
	}
	copy(item.buf, payload)
	return Succes, Ticket{}
}

// retransmitAll resends every in-flight reliable-ordered fragment on every
// channel. Called on the ≈1.3x-latency cadence.
func (l *Link) retransmitAll() {
	l.rmu.Lock()
	defer l.rmu.Unlock()
	for ch := range l.channels {
		for seq, frag := range l.channels[ch].inFlight {
			l.transmitNormal(wire.HeaderReliableOrdered, frag.flags, seq, frag.dataId, frag.payload)
		}
	}
}

// dispatchReliableNewest builds one datagram containing every group with at
// least one item whose localRevision is at or ahead of remoteRevision.
func (l *Link) dispatchReliableNewest() {
	l.gmu.Lock()
	var wireGroups []wire.ReliableNewestGroup
	for groupId, g := range l.groups {
		var itemBits uint16
		var items []byte
		for bit, it := range g.items {
			if !it.present || !wire.IsNewerOrEqual(it.localRevision, it.remoteRevision) {
				continue
			}
			itemBits |= 1 << uint(bit)
			items = append(items, it.buf...)
		}
		if itemBits == 0 {
			continue
		}
		wireGroups = append(wireGroups, wire.ReliableNewestGroup{
			GroupId:   groupId,
			ItemBits:  itemBits,
			SkipBytes: uint16(len(items)),
			Items:     items,
		})
	}
	if len(wireGroups) == 0 {
		l.gmu.Unlock()
		return
	}
	seq := l.sendRelNewestSeq
	l.sendRelNewestSeq++
	l.gmu.Unlock()

	b := wire.EncodeReliableNewest(wire.ReliableNewestPacket{LinkID: l.ID, Sequence: seq, Groups: wireGroups})
	if err := l.sender.Send(l.Endpoint, b); err != nil {
		rudplog.Debug("reliable-newest dispatch failed", zap.Uint32("linkId", l.ID), zap.Error(err))
	}
}

// dispatchAcks emits one Ack datagram per channel with a non-empty ack
// queue, then clears it.
func (l *Link) dispatchAcks() {
	l.amu.Lock()
	var toSend [wire.NumChannels][]wire.Sequence
	any := false
	for ch := range l.ackQueue {
		if len(l.ackQueue[ch]) == 0 {
			continue
		}
		toSend[ch] = l.ackQueue[ch]
		l.ackQueue[ch] = nil
		any = true
	}
	l.amu.Unlock()
	if !any {
		return
	}
	for ch, seqs := range toSend {
		if len(seqs) == 0 {
			continue
		}
		b := wire.EncodeAck(wire.AckPacket{LinkID: l.ID, Channel: wire.Channel(ch), Sequences: seqs})
		if err := l.sender.Send(l.Endpoint, b); err != nil {
			rudplog.Debug("ack dispatch failed", zap.Uint32("linkId", l.ID), zap.Error(err))
		}
	}
}

// dispatchNewestAck emits the reliable-newest ack, carrying
// (highestReceived - 1) so the peer may retire items whose localRevision is
// at or below that value.
func (l *Link) dispatchNewestAck() {
	l.amu.Lock()
	highest := l.highestRelNewestRecv
	already := l.newestAckSent
	l.amu.Unlock()

	if highest == 0 {
		return
	}
	toSend := highest - 1
	if toSend == already {
		return
	}

	b := wire.EncodeAckReliableNewest(wire.AckReliableNewestPacket{LinkID: l.ID, HighestSeqReceived: toSend})
	if err := l.sender.Send(l.Endpoint, b); err != nil {
		rudplog.Debug("newest-ack dispatch failed", zap.Uint32("linkId", l.ID), zap.Error(err))
		return
	}

	l.amu.Lock()
	l.newestAckSent = toSend
	l.amu.Unlock()
}

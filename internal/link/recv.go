package link

import (
	"github.com/zerodelay-net/rudp/internal/wire"
	"github.com/zerodelay-net/rudp/pkg/rudplog"
	"go.uber.org/zap"
)

// RecvData is called by the ReceiveHub with the full UDP payload for a
// datagram already matched to this link's LinkId. It applies packet-loss
// simulation, validates the minimum header, and dispatches by HeaderType.
func (l *Link) RecvData(b []byte) {
	if l.shouldDropForSimulation() {
		return
	}
	if l.CriticalError() {
		return
	}

	_, ht, err := wire.PeekLinkHeader(b)
	if err != nil {
		rudplog.Warn("dropping undersized datagram", zap.Uint32("linkId", l.ID), zap.Error(err))
		return
	}

	switch ht {
	case wire.HeaderAck:
		l.recvAck(b)
	case wire.HeaderReliableOrdered:
		l.recvReliableOrdered(b)
	case wire.HeaderUnreliableSequenced:
		l.recvUnreliableSequenced(b)
	case wire.HeaderReliableNewest:
		l.recvReliableNewest(b)
	case wire.HeaderAckReliableNewest:
		l.recvAckReliableNewest(b)
	default:
		rudplog.Warn("dropping datagram with unknown header type", zap.Uint32("linkId", l.ID), zap.Uint8("headerType", uint8(ht)))
	}
}

func (l *Link) recvAck(b []byte) {
	pkt, err := wire.DecodeAck(b)
	if err != nil {
		rudplog.Warn("dropping malformed ack", zap.Uint32("linkId", l.ID), zap.Error(err))
		return
	}
	l.rmu.Lock()
	cs := &l.channels[pkt.Channel]
	for _, seq := range pkt.Sequences {
		delete(cs.inFlight, seq)
	}
	l.rmu.Unlock()
}

// recvReliableOrdered handles an incoming ReliableOrdered datagram:
// unconditional ack-queueing, drop of already-delivered sequences, and
// fragment-walk reassembly for multi-fragment messages.
func (l *Link) recvReliableOrdered(b []byte) {
	pkt, err := wire.DecodeNormal(b)
	if err != nil {
		rudplog.Warn("dropping malformed reliable-ordered datagram", zap.Uint32("linkId", l.ID), zap.Error(err))
		return
	}
	ch := pkt.Flags.Channel

	l.amu.Lock()
	l.ackQueue[ch] = append(l.ackQueue[ch], pkt.Sequence)
	l.amu.Unlock()

	l.qmu.Lock()
	defer l.qmu.Unlock()

	if !wire.IsNewerOrEqual(pkt.Sequence, l.gameExpected[ch]) {
		return // already delivered
	}

	if pkt.Flags.SingleFragment() {
		if _, exists := l.reorder[ch][pkt.Sequence]; !exists {
			payload := append([]byte(nil), pkt.Payload...)
			l.reorder[ch][pkt.Sequence] = reorderEntry{
				pkt:          Packet{Class: wire.ClassReliableOrdered, Channel: ch, DataId: pkt.DataId, Payload: payload},
				fragmentSpan: 1,
			}
		}
		return
	}

	frags := l.reliableFrags[ch]
	frags[pkt.Sequence] = fragEntry{
		payload: append([]byte(nil), pkt.Payload...),
		dataId:  pkt.DataId,
		first:   pkt.Flags.FirstFragment,
		last:    pkt.Flags.LastFragment,
	}

	begin, haveBegin := walkBegin(frags, pkt.Sequence)
	if !haveBegin {
		return
	}
	end, haveEnd := walkEnd(frags, pkt.Sequence)
	if !haveEnd {
		return
	}

	span := uint32(end-begin) + 1
	var payload []byte
	dataId := frags[begin].dataId
	for cur := begin; ; cur++ {
		e := frags[cur]
		payload = append(payload, e.payload...)
		delete(frags, cur)
		if cur == end {
			break
		}
	}
	l.reorder[ch][begin] = reorderEntry{
		pkt:          Packet{Class: wire.ClassReliableOrdered, Channel: ch, DataId: dataId, Payload: payload},
		fragmentSpan: span,
	}
}

// walkBegin walks backward from seq until it finds the first-fragment flag,
// returning false if the chain runs off the edge of stored fragments.
func walkBegin(frags map[wire.Sequence]fragEntry, seq wire.Sequence) (wire.Sequence, bool) {
	cur := seq
	for {
		e, ok := frags[cur]
		if !ok {
			return 0, false
		}
		if e.first {
			return cur, true
		}
		cur--
	}
}

// walkEnd walks forward from seq until it finds the last-fragment flag.
func walkEnd(frags map[wire.Sequence]fragEntry, seq wire.Sequence) (wire.Sequence, bool) {
	cur := seq
	for {
		e, ok := frags[cur]
		if !ok {
			return 0, false
		}
		if e.last {
			return cur, true
		}
		cur++
	}
}

// recvUnreliableSequenced implements the UnreliableSequenced receive
// contract: drop-if-stale, single-fragment fast path, and frag-buffer
// reassembly with trailing cleanup of anything at or below the new
// expected sequence.
func (l *Link) recvUnreliableSequenced(b []byte) {
	pkt, err := wire.DecodeNormal(b)
	if err != nil {
		rudplog.Warn("dropping malformed unreliable-sequenced datagram", zap.Uint32("linkId", l.ID), zap.Error(err))
		return
	}
	ch := pkt.Flags.Channel

	l.qmu.Lock()
	defer l.qmu.Unlock()

	if !wire.IsNewerOrEqual(pkt.Sequence, l.unreliableExpected[ch]) {
		return
	}

	if pkt.Flags.SingleFragment() {
		l.unreliableExpected[ch] = pkt.Sequence + 1
		payload := append([]byte(nil), pkt.Payload...)
		l.unreliableQueue[ch] = append(l.unreliableQueue[ch], Packet{
			Class: wire.ClassUnreliableSequenced, Channel: ch, DataId: pkt.DataId, Payload: payload,
		})
		return
	}

	frags := l.unreliableFrags[ch]
	frags[pkt.Sequence] = fragEntry{
		payload: append([]byte(nil), pkt.Payload...),
		dataId:  pkt.DataId,
		first:   pkt.Flags.FirstFragment,
		last:    pkt.Flags.LastFragment,
	}

	begin, haveBegin := walkBegin(frags, pkt.Sequence)
	if !haveBegin {
		return
	}
	end, haveEnd := walkEnd(frags, pkt.Sequence)
	if !haveEnd {
		return
	}

	var payload []byte
	dataId := frags[begin].dataId
	for cur := begin; ; cur++ {
		payload = append(payload, frags[cur].payload...)
		if cur == end {
			break
		}
	}
	l.unreliableExpected[ch] = end + 1
	for seq := range frags {
		if !wire.IsNewerOrEqual(seq, l.unreliableExpected[ch]) {
			delete(frags, seq)
		}
	}
	l.unreliableQueue[ch] = append(l.unreliableQueue[ch], Packet{
		Class: wire.ClassUnreliableSequenced, Channel: ch, DataId: dataId, Payload: payload,
	})
}

func (l *Link) recvReliableNewest(b []byte) {
	pkt, err := wire.DecodeReliableNewest(b)
	if err != nil {
		rudplog.Warn("dropping malformed reliable-newest datagram", zap.Uint32("linkId", l.ID), zap.Error(err))
		return
	}

	l.qmu.Lock()
	if !wire.IsNewerOrEqual(pkt.Sequence, l.recvRelNewestSeq) {
		l.qmu.Unlock()
		return
	}
	l.recvRelNewestSeq = pkt.Sequence + 1
	var payload []byte
	for _, g := range pkt.Groups {
		payload = append(payload, g.Items...)
	}
	l.relNewestQueue = append(l.relNewestQueue, Packet{
		Class:   wire.ClassReliableNewest,
		DataId:  wire.DataIdVariableGroupUpdate,
		Payload: payload,
	})
	l.qmu.Unlock()

	l.amu.Lock()
	if wire.IsNewer(pkt.Sequence+1, l.highestRelNewestRecv) || l.highestRelNewestRecv == 0 {
		l.highestRelNewestRecv = pkt.Sequence + 1
	}
	l.amu.Unlock()
}

// recvAckReliableNewest clamps remoteRevision on every group item to the
// peer's acknowledged sequence, then drops any group whose items are all
// now acknowledged.
func (l *Link) recvAckReliableNewest(b []byte) {
	pkt, err := wire.DecodeAckReliableNewest(b)
	if err != nil {
		rudplog.Warn("dropping malformed reliable-newest ack", zap.Uint32("linkId", l.ID), zap.Error(err))
		return
	}

	l.gmu.Lock()
	defer l.gmu.Unlock()

	if l.haveAckSeqFromPeer && !wire.IsNewer(pkt.HighestSeqReceived, l.prevAckSeqFromPeer) {
		return
	}
	l.prevAckSeqFromPeer = pkt.HighestSeqReceived
	l.haveAckSeqFromPeer = true

	for groupId, g := range l.groups {
		allAcked := true
		for i := range g.items {
			it := &g.items[i]
			if !it.present {
				continue
			}
			it.remoteRevision = wire.Max(it.remoteRevision, pkt.HighestSeqReceived)
			if wire.IsNewer(it.localRevision, it.remoteRevision) {
				allAcked = false
			}
		}
		if allAcked {
			delete(l.groups, groupId)
		}
	}
}

// Poll drains one delivered packet in strict priority order: reorder-ready
// reliable-ordered traffic first (by ascending channel), then queued
// unreliable-sequenced traffic, then reliable-newest.
func (l *Link) Poll() (Packet, bool) {
	l.qmu.Lock()
	defer l.qmu.Unlock()

	for ch := range l.reorder {
		if entry, ok := l.reorder[ch][l.gameExpected[ch]]; ok {
			delete(l.reorder[ch], l.gameExpected[ch])
			l.gameExpected[ch] += wire.Sequence(entry.fragmentSpan)
			return entry.pkt, true
		}
	}

	for ch := range l.unreliableQueue {
		if len(l.unreliableQueue[ch]) > 0 {
			pkt := l.unreliableQueue[ch][0]
			l.unreliableQueue[ch] = l.unreliableQueue[ch][1:]
			return pkt, true
		}
	}

	if len(l.relNewestQueue) > 0 {
		pkt := l.relNewestQueue[0]
		l.relNewestQueue = l.relNewestQueue[1:]
		return pkt, true
	}

	return Packet{}, false
}

// Package link implements the per-peer state machine: fragmentation,
// per-channel reliable-ordered and unreliable-sequenced sequence tracking,
// reliable-newest variable-group bookkeeping, ack aggregation, and the
// retransmit/dispatch cadences a ReceiveHub drives.
package link

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zerodelay-net/rudp/internal/wire"
	"github.com/zerodelay-net/rudp/pkg/rudplog"
	"go.uber.org/zap"
)

// Sender is the minimal outbound capability a Link needs; satisfied by
// *internal/socket.Socket.
type Sender interface {
	Send(endpoint wire.Endpoint, b []byte) error
}

// Config carries the link's tunable cadences and sizes, with documented
// defaults.
type Config struct {
	FragmentSize          int
	ResendFallback        time.Duration
	SendRelNewestInterval time.Duration
	AckAggregateInterval  time.Duration
	LingerDuration        time.Duration
}

// DefaultConfig returns the link's default timing and size tunables.
func DefaultConfig() Config {
	return Config{
		FragmentSize:          1900,
		ResendFallback:        100 * time.Millisecond,
		SendRelNewestInterval: 33 * time.Millisecond,
		AckAggregateInterval:  8 * time.Millisecond,
		LingerDuration:        500 * time.Millisecond,
	}
}

// fragEntry is one stored fragment awaiting reassembly, shared by the
// reliable-ordered and unreliable-sequenced frag maps.
type fragEntry struct {
	payload []byte
	dataId  wire.DataId
	first   bool
	last    bool
}

// reorderEntry is a fully reassembled logical packet waiting at its
// sequence number for gameExpected[ch] to reach it.
type reorderEntry struct {
	pkt          Packet
	fragmentSpan uint32
}

// Packet is a fully reassembled, delivery-class-tagged unit handed to the
// application via Poll.
type Packet struct {
	Class   wire.Class
	Channel wire.Channel
	DataId  wire.DataId
	Payload []byte
}

// channelSendState is the send-side bookkeeping for one channel: the
// reliable-ordered sequence counter and retransmit queue, plus the separate
// unreliable-sequenced sequence counter.
type channelSendState struct {
	nextSeq           wire.Sequence
	inFlight          map[wire.Sequence]*inFlightFragment
	nextUnreliableSeq wire.Sequence
}

type inFlightFragment struct {
	dataId  wire.DataId
	flags   wire.NormalFlags
	payload []byte
	sentAt  time.Time
}

// groupItem is one of the 16 slots of a reliable-newest group.
type groupItem struct {
	buf            []byte
	dataId         wire.DataId
	localRevision  wire.Sequence
	remoteRevision wire.Sequence
	present        bool
}

type group struct {
	items [16]groupItem
}

// Link is the per-peer state machine. A Link is created by the owning
// ReceiveHub and is never shared across hubs.
type Link struct {
	ID       uint32
	Endpoint wire.Endpoint

	sender Sender
	cfg    Config

	blockSends atomic.Bool
	pinCount   atomic.Int32
	rttMinNs   atomic.Int64

	dropPercent atomic.Int32 // simulatePacketLoss, 0..100

	// retransmit-reliable mutex
	rmu      sync.Mutex
	channels [wire.NumChannels]channelSendState

	// receive-queues mutex: reorder maps, fragment maps, unreliable
	// sequence state, reliable-newest receive queue.
	qmu                   sync.Mutex
	gameExpected          [wire.NumChannels]wire.Sequence
	reorder               [wire.NumChannels]map[wire.Sequence]reorderEntry
	reliableFrags         [wire.NumChannels]map[wire.Sequence]fragEntry
	unreliableExpected    [wire.NumChannels]wire.Sequence
	unreliableQueue       [wire.NumChannels][]Packet
	unreliableFrags       [wire.NumChannels]map[wire.Sequence]fragEntry
	recvRelNewestSeq      wire.Sequence
	relNewestQueue        []Packet
	criticalErr           bool

	// ack-queues mutex
	amu                  sync.Mutex
	ackQueue             [wire.NumChannels][]wire.Sequence
	highestRelNewestRecv wire.Sequence
	newestAckSent        wire.Sequence

	// reliable-newest-groups mutex
	gmu               sync.Mutex
	groups            map[uint32]*group
	sendRelNewestSeq  wire.Sequence
	prevAckSeqFromPeer wire.Sequence
	haveAckSeqFromPeer bool

	// pending-delete mutex
	dmu            sync.Mutex
	pendingDelete  bool
	pendingSince   time.Time

	lastRetransmit        time.Time
	lastRelNewestDispatch time.Time
	lastAckDispatch       time.Time
}

// New creates a Link bound to endpoint, sending through sender.
func New(id uint32, endpoint wire.Endpoint, sender Sender, cfg Config) *Link {
	l := &Link{
		ID:       id,
		Endpoint: endpoint,
		sender:   sender,
		cfg:      cfg,
		groups:   make(map[uint32]*group),
	}
	for ch := range l.reorder {
		l.reorder[ch] = make(map[wire.Sequence]reorderEntry)
		l.reliableFrags[ch] = make(map[wire.Sequence]fragEntry)
		l.unreliableFrags[ch] = make(map[wire.Sequence]fragEntry)
	}
	return l
}

// Pin takes a non-owning reference that prevents the hub's delete sweep
// from removing this link while held. Callers must Unpin when done.
func (l *Link) Pin() { l.pinCount.Add(1) }

// Unpin releases a reference taken by Pin.
func (l *Link) Unpin() { l.pinCount.Add(-1) }

// Pinned reports whether any caller currently holds a Pin.
func (l *Link) Pinned() bool { return l.pinCount.Load() > 0 }

// BlockAllUpcomingSends makes every future addToSendQueue call fail with
// NotSent; used once a link is being torn down.
func (l *Link) BlockAllUpcomingSends() { l.blockSends.Store(true) }

// SetPacketLossPercent configures recvData's uniform-drop simulation,
// clamped to [0, 100].
func (l *Link) SetPacketLossPercent(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	l.dropPercent.Store(int32(percent))
}

// MarkPendingDelete flags the link for eventual removal and records the
// time the hub's delete sweep measures the linger window from. A second
// call is a no-op so the timer isn't reset by late events.
func (l *Link) MarkPendingDelete(now time.Time) {
	l.dmu.Lock()
	defer l.dmu.Unlock()
	if l.pendingDelete {
		return
	}
	l.pendingDelete = true
	l.pendingSince = now
}

// PendingDelete reports whether MarkPendingDelete has been called, and
// since when.
func (l *Link) PendingDelete() (bool, time.Time) {
	l.dmu.Lock()
	defer l.dmu.Unlock()
	return l.pendingDelete, l.pendingSince
}

// ReadyForRemoval reports whether the link has been pending delete for
// longer than 2x the configured linger and nothing holds a Pin.
func (l *Link) ReadyForRemoval(now time.Time) bool {
	pending, since := l.PendingDelete()
	if !pending || l.Pinned() {
		return false
	}
	return now.Sub(since) > 2*l.cfg.LingerDuration
}

// WithinLingerWindow reports whether a datagram for a pending-delete link
// arrived early enough to be silently tolerated rather than logged as a
// stray.
func (l *Link) WithinLingerWindow(now time.Time) bool {
	pending, since := l.PendingDelete()
	if !pending {
		return true
	}
	return now.Sub(since) <= l.cfg.LingerDuration
}

// UpdateRTT folds a fresh round-trip sample into the retransmit interval
// estimate. A zero or negative sample is ignored.
func (l *Link) UpdateRTT(sample time.Duration) {
	if sample <= 0 {
		return
	}
	cur := time.Duration(l.rttMinNs.Load())
	if cur == 0 || sample < cur {
		l.rttMinNs.Store(int64(sample))
	}
}

func (l *Link) retransmitInterval() time.Duration {
	rtt := time.Duration(l.rttMinNs.Load())
	if rtt <= 0 {
		return l.cfg.ResendFallback
	}
	return time.Duration(1.3 * float64(rtt))
}

// shouldDropForSimulation implements the uniform packet-loss simulation
// recvData applies before touching any sequence state.
func (l *Link) shouldDropForSimulation() bool {
	p := l.dropPercent.Load()
	if p <= 0 {
		return false
	}
	if p >= 100 {
		return true
	}
	return rand.Intn(100) < int(p)
}

// CriticalError reports whether the link has been flagged with an
// irrecoverable protocol error and should refuse further input.
func (l *Link) CriticalError() bool {
	l.qmu.Lock()
	defer l.qmu.Unlock()
	return l.criticalErr
}

func (l *Link) flagCritical(reason string) {
	l.qmu.Lock()
	l.criticalErr = true
	l.qmu.Unlock()
	rudplog.Error("link flagged with critical error", zap.Uint32("linkId", l.ID), zap.String("reason", reason))
}

// Tick drives the link's periodic cadences — retransmit, reliable-newest
// dispatch, and ack dispatch — each throttled by its own accumulator. The
// ReceiveHub's send thread calls this for every link on wakeup.
func (l *Link) Tick(now time.Time) {
	if now.Sub(l.lastRetransmit) >= l.retransmitInterval() {
		l.retransmitAll()
		l.lastRetransmit = now
	}
	if now.Sub(l.lastRelNewestDispatch) >= l.cfg.SendRelNewestInterval {
		l.dispatchReliableNewest()
		l.lastRelNewestDispatch = now
	}
	if now.Sub(l.lastAckDispatch) >= l.cfg.AckAggregateInterval {
		l.dispatchAcks()
		l.dispatchNewestAck()
		l.lastAckDispatch = now
	}
}

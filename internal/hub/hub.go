// Package hub implements the ReceiveHub: it owns the Socket and the
// endpoint-to-Link table, runs the receive and send threads,
// demultiplexes incoming datagrams to links, and sweeps links that have
// finished lingering after a pending delete. Lookups lock the table,
// pin the returned link, and unlock, so a concurrent sweep can never
// free a link a caller is still using.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/zerodelay-net/rudp/internal/link"
	"github.com/zerodelay-net/rudp/internal/socket"
	"github.com/zerodelay-net/rudp/internal/wire"
	"github.com/zerodelay-net/rudp/pkg/rudplog"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DeliverySemantics selects which links a Send call targets.
type DeliverySemantics struct {
	Specific *uint32 // link id; nil means broadcast
	Exclude  bool
}

// Config bundles the Link defaults the hub hands to every link it creates,
// plus its own sweep cadence.
type Config struct {
	Link          link.Config
	SweepInterval time.Duration
	RecvBufSize   int
}

// DefaultConfig returns the hub's default sweep cadence and link settings.
func DefaultConfig() Config {
	return Config{
		Link:          link.DefaultConfig(),
		SweepInterval: 200 * time.Millisecond,
		RecvBufSize:   3000,
	}
}

// InboundEvent is raised by the receive thread for datagrams the
// ConnectionManager layer needs to see to drive the handshake.
type InboundEvent struct {
	Link     *link.Link
	IsNew    bool
	Endpoint wire.Endpoint
}

// Hub owns one Socket and every Link talking through it.
type Hub struct {
	sock *socket.Socket
	cfg  Config

	mu    sync.Mutex
	byEP  map[wire.Endpoint]*link.Link
	links []*link.Link

	onNewLink func(InboundEvent)

	wakeCh chan struct{}

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Hub around an already-open Socket. onNewLink, if non-nil, is
// invoked from the receive thread whenever a datagram causes a link to be
// created (first-ever ConnectRequest from an unknown endpoint) - the
// ConnectionManager uses this to drive the inbound handshake.
func New(sock *socket.Socket, cfg Config, onNewLink func(InboundEvent)) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		sock:      sock,
		cfg:       cfg,
		byEP:      make(map[wire.Endpoint]*link.Link),
		onNewLink: onNewLink,
		wakeCh:    make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Run starts the receive thread, send thread, and delete sweep, and blocks
// until all three have exited (normally only after Close).
func (h *Hub) Run() error {
	g, ctx := errgroup.WithContext(h.ctx)
	h.group = g
	g.Go(func() error { return h.receiveLoop(ctx) })
	g.Go(func() error { return h.sendLoop(ctx) })
	g.Go(func() error { return h.sweepLoop(ctx) })
	return g.Wait()
}

// Close shuts down the socket, which unblocks the receive thread, cancels
// the send and sweep loops, and waits for all three to exit.
func (h *Hub) Close() error {
	closeErr := h.sock.Close()
	h.cancel()
	var waitErr error
	if h.group != nil {
		waitErr = h.group.Wait()
	}
	return multierr.Append(closeErr, waitErr)
}

// Socket exposes the underlying socket, mainly so ConnectionManager can
// learn the bound local port.
func (h *Hub) Socket() *socket.Socket { return h.sock }

// CreateOutboundLink registers a Link for an endpoint the application is
// actively connecting to, using the LinkId the caller chose. Fails if the
// endpoint already has a link.
func (h *Hub) CreateOutboundLink(endpoint wire.Endpoint, linkID uint32) (*link.Link, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.byEP[endpoint]; exists {
		return nil, false
	}
	l := link.New(linkID, endpoint, h.sock, h.cfg.Link)
	h.byEP[endpoint] = l
	h.links = append(h.links, l)
	return l, true
}

// Lookup pins and returns the link for endpoint, if any. Callers must Unpin
// when finished.
func (h *Hub) Lookup(endpoint wire.Endpoint) (*link.Link, bool) {
	h.mu.Lock()
	l, ok := h.byEP[endpoint]
	if ok {
		l.Pin()
	}
	h.mu.Unlock()
	return l, ok
}

// All returns a pinned snapshot of every link currently known. Callers must
// Unpin each entry when finished.
func (h *Hub) All() []*link.Link {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*link.Link, len(h.links))
	for i, l := range h.links {
		l.Pin()
		out[i] = l
	}
	return out
}

func (h *Hub) removeLink(target *link.Link) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.byEP, target.Endpoint)
	for i, l := range h.links {
		if l == target {
			h.links = append(h.links[:i], h.links[i+1:]...)
			break
		}
	}
}

// receiveLoop is the hub's receive thread.
func (h *Hub) receiveLoop(ctx context.Context) error {
	buf := make([]byte, h.cfg.RecvBufSize)
	for {
		n, from, result := h.sock.Recv(buf)
		switch result {
		case socket.SocketClosed:
			return nil
		case socket.Error:
			rudplog.Debug("socket recv error", zap.Error(h.sock.LastError()))
			continue
		case socket.NoData:
			continue
		}

		h.handleDatagram(from, buf[:n])

		select {
		case h.wakeCh <- struct{}{}:
		default:
		}
	}
}

func (h *Hub) handleDatagram(from wire.Endpoint, b []byte) {
	linkID, ht, err := wire.PeekLinkHeader(b)
	if err != nil {
		rudplog.Warn("dropping undersized datagram", zap.String("from", from.String()))
		return
	}

	h.mu.Lock()
	existing, known := h.byEP[from]
	if known {
		existing.Pin()
	}
	h.mu.Unlock()

	if !known {
		if !isFirstContactPacket(ht, b) {
			rudplog.Warn("dropping datagram from unknown endpoint without ConnectRequest", zap.String("from", from.String()))
			return
		}
		l := link.New(linkID, from, h.sock, h.cfg.Link)
		h.mu.Lock()
		// Re-check under lock: another goroutine may have raced us.
		if existing, already := h.byEP[from]; already {
			h.mu.Unlock()
			existing.Pin()
			existing.RecvData(b)
			existing.Unpin()
			return
		}
		h.byEP[from] = l
		h.links = append(h.links, l)
		h.mu.Unlock()

		if h.onNewLink != nil {
			h.onNewLink(InboundEvent{Link: l, IsNew: true, Endpoint: from})
		}
		l.RecvData(b)
		return
	}

	defer existing.Unpin()

	if existing.ID != linkID {
		rudplog.Warn("dropping datagram with mismatched linkId", zap.String("from", from.String()))
		return
	}
	if pending, _ := existing.PendingDelete(); pending && !existing.WithinLingerWindow(time.Now()) {
		rudplog.Info("dropping late datagram for lingering link past its window", zap.String("from", from.String()))
		return
	}
	existing.RecvData(b)
}

// isFirstContactPacket reports whether b is a ReliableOrdered datagram
// carrying DataId=ConnectRequest, the only thing allowed to create a link
// for an unknown endpoint.
func isFirstContactPacket(ht wire.HeaderType, b []byte) bool {
	if ht != wire.HeaderReliableOrdered {
		return false
	}
	pkt, err := wire.DecodeNormal(b)
	if err != nil {
		return false
	}
	return pkt.DataId == wire.DataIdConnectRequest
}

// sendLoop is the hub's send thread: wake on a timer no longer than the
// fastest of the per-link cadences, or on a fresh inbound datagram, and
// Tick every link.
func (h *Hub) sendLoop(ctx context.Context) error {
	interval := minDuration(h.cfg.Link.SendRelNewestInterval, h.cfg.Link.AckAggregateInterval)
	interval = minDuration(interval, h.cfg.Link.ResendFallback)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-h.wakeCh:
		}
		now := time.Now()
		for _, l := range h.All() {
			l.Tick(now)
			l.Unpin()
		}
	}
}

// sweepLoop removes links that have finished lingering after a pending delete.
func (h *Hub) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		now := time.Now()
		for _, l := range h.linksSnapshot() {
			if l.ReadyForRemoval(now) {
				h.removeLink(l)
				rudplog.Debug("swept link", zap.Uint32("linkId", l.ID), zap.String("endpoint", l.Endpoint.String()))
			}
		}
	}
}

func (h *Hub) linksSnapshot() []*link.Link {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*link.Link, len(h.links))
	copy(out, h.links)
	return out
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// Send submits a packet to every link matching sem's broadcast/specific/
// exclude semantics. Returns whether any target accepted the submission.
func (h *Hub) Send(dataId wire.DataId, payload []byte, sem DeliverySemantics, class wire.Class, channel wire.Channel, relay bool) link.SendResult {
	targets := h.All()
	defer func() {
		for _, t := range targets {
			t.Unpin()
		}
	}()

	any := false
	for _, l := range targets {
		if sem.Specific != nil {
			match := l.ID == *sem.Specific
			if sem.Exclude == match {
				continue
			}
		}
		result, _ := l.AddToSendQueue(dataId, payload, class, channel, relay)
		if result == link.Succes {
			any = true
		}
	}
	if any {
		return link.Succes
	}
	return link.NotSent
}

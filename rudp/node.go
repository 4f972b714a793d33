// Package rudp is the public entry point for the reliable-UDP transport:
// a Node binds one socket and offers connect/listen/send, with delivery
// through Update callbacks, on top of the internal link, hub, and
// connection-manager layers. It is the
// top-level facade a caller constructs once and drives from its own
// goroutine.
package rudp

import (
	"fmt"
	"time"

	"github.com/zerodelay-net/rudp/internal/conn"
	"github.com/zerodelay-net/rudp/internal/hub"
	"github.com/zerodelay-net/rudp/internal/link"
	"github.com/zerodelay-net/rudp/internal/socket"
	"github.com/zerodelay-net/rudp/internal/wire"
	"github.com/zerodelay-net/rudp/pkg/rudplog"
)

// Re-exported so callers never need to import the internal packages.
type (
	ConnectResult    = conn.ConnectResult
	DisconnectReason = conn.DisconnectReason
	Channel          = wire.Channel
	SendResult       = link.SendResult
)

const (
	ResultSucces                = conn.Succes
	ResultTimedout              = conn.Timedout
	ResultInvalidPassword       = conn.InvalidPassword
	ResultMaxConnectionsReached = conn.MaxConnectionsReached
	ResultAlreadyConnected      = conn.AlreadyConnected
	ResultInvalidConnectPacket  = conn.InvalidConnectPacket

	ReasonClosed = conn.Closed
	ReasonLost   = conn.Lost

	SendSucces        = link.Succes
	SendNotSent       = link.NotSent
	SendInternalError = link.InternalError

	// UserOffset is the first DataId applications may use for
	// sendReliableOrdered/sendUnreliableSequenced/sendReliableNewest's
	// packId argument.
	UserOffset = uint8(wire.UserOffset)
)

// Node is a single bound UDP endpoint offering connect/listen, the three
// send-class APIs, and callback-driven delivery of handshake and data
// events via Update.
type Node struct {
	sock    *socket.Socket
	hub     *hub.Hub
	conn    *conn.Manager
	hubDone chan error
	cb      conn.Callbacks

	resendIntervalMs     int
	keepAliveIntervalSec int
}

// New constructs a Node with the given resend interval and keep-alive
// period. Neither connect nor listen has been called yet; the socket is
// opened lazily by whichever comes first.
func New(resendIntervalMs, keepAliveIntervalSec int) *Node {
	if resendIntervalMs <= 0 {
		resendIntervalMs = 50
	}
	if keepAliveIntervalSec <= 0 {
		keepAliveIntervalSec = 8
	}
	return &Node{
		resendIntervalMs:     resendIntervalMs,
		keepAliveIntervalSec: keepAliveIntervalSec,
	}
}

func (n *Node) linkConfig() link.Config {
	cfg := link.DefaultConfig()
	cfg.ResendFallback = time.Duration(n.resendIntervalMs) * time.Millisecond
	return cfg
}

func (n *Node) ensureBound(localPort int) error {
	if n.sock != nil {
		return nil
	}
	sock, err := socket.Open(localPort)
	if err != nil {
		return fmt.Errorf("rudp: bind failed: %w", err)
	}
	n.sock = sock

	hcfg := hub.DefaultConfig()
	hcfg.Link = n.linkConfig()
	n.hub = hub.New(sock, hcfg, nil)

	ccfg := conn.Config{
		KeepAliveInterval:     time.Duration(n.keepAliveIntervalSec) * time.Second,
		DefaultConnectTimeout: 8 * time.Second,
	}
	n.conn = conn.New(n.hub, ccfg, n.cb)

	n.hubDone = make(chan error, 1)
	go func() { n.hubDone <- n.hub.Run() }()
	return nil
}

// setCallback records a callback change on the Node, and on the connection
// manager if the socket has already been bound.
func (n *Node) setCallback(mutate func(*conn.Callbacks)) {
	mutate(&n.cb)
	if n.conn != nil {
		n.conn.SetCallback(mutate)
	}
}

// OnConnectResult registers the callback fired when an outbound connect
// reaches a terminal state.
func (n *Node) OnConnectResult(fn func(endpoint string, result ConnectResult)) {
	n.setCallback(func(cb *conn.Callbacks) {
		cb.OnConnectResult = func(ep wire.Endpoint, r conn.ConnectResult) { fn(ep.String(), r) }
	})
}

// OnNewConnection registers the callback fired when an inbound handshake
// completes.
func (n *Node) OnNewConnection(fn func(endpoint string, metadata []byte)) {
	n.setCallback(func(cb *conn.Callbacks) {
		cb.OnNewConnection = func(ep wire.Endpoint, md []byte) { fn(ep.String(), md) }
	})
}

// OnDisconnect registers the callback fired when a connection ends, locally
// or remotely.
func (n *Node) OnDisconnect(fn func(endpoint string, reason DisconnectReason)) {
	n.setCallback(func(cb *conn.Callbacks) {
		cb.OnDisconnect = func(ep wire.Endpoint, r conn.DisconnectReason) { fn(ep.String(), r) }
	})
}

// OnCustomData registers the callback fired for every reliable-ordered and
// unreliable-sequenced application payload (packId >= UserOffset) delivered
// by Update. Reliable-newest payloads are delivered under the
// VariableGroupUpdate control DataId and do not reach this callback.
func (n *Node) OnCustomData(fn func(endpoint string, packId uint8, payload []byte, channel Channel)) {
	n.setCallback(func(cb *conn.Callbacks) {
		cb.OnCustomData = func(ep wire.Endpoint, dataId wire.DataId, payload []byte, ch wire.Channel) {
			fn(ep.String(), uint8(dataId), payload, ch)
		}
	})
}

// Connect initiates an outbound handshake to endpoint. endpoint is a
// "host:port" string.
func (n *Node) Connect(endpoint, password string, timeoutSec int, additionalData []byte) error {
	if err := n.ensureBound(0); err != nil {
		return err
	}
	ep, err := resolveEndpoint(endpoint)
	if err != nil {
		return err
	}
	return n.conn.Connect(ep, password, timeoutSec, additionalData)
}

// Listen binds the node's socket to port and starts accepting inbound
// connections protected by password. If the socket is already open (from an
// earlier Connect), it stays on the port it was bound to.
func (n *Node) Listen(port int, password string, maxConnections int) error {
	if maxConnections <= 0 {
		maxConnections = 32
	}
	if err := n.ensureBound(port); err != nil {
		return err
	}
	n.conn.SetPassword(password)
	n.conn.Listen(maxConnections)
	return nil
}

// Disconnect tears down the connection to endpoint, if any.
func (n *Node) Disconnect(endpoint string) error {
	ep, err := resolveEndpoint(endpoint)
	if err != nil {
		return err
	}
	return n.conn.Disconnect(ep)
}

// DisconnectAll tears down every known connection, waiting lingerMs before
// returning so in-flight teardown datagrams have a chance to go out.
func (n *Node) DisconnectAll(lingerMs int) {
	if n.conn == nil {
		return
	}
	n.conn.DisconnectAll(lingerMs)
}

// Update drains every link's delivered packets, dispatches control traffic
// to the handshake/keepalive state machine, and invokes OnCustomData for
// application payloads. Call this once per application tick.
func (n *Node) Update() {
	if n.conn == nil {
		return
	}
	n.conn.Update()
	n.conn.ForgetSwept()
}

// SendReliableOrdered submits bytes for reliable, per-channel-ordered
// delivery. packId must be >= UserOffset.
func (n *Node) SendReliableOrdered(packId uint8, bytes []byte, specific *uint32, exclude bool, channel Channel, relay bool) SendResult {
	return n.send(wire.DataId(packId), bytes, specific, exclude, wire.ClassReliableOrdered, channel, relay)
}

// SendUnreliableSequenced submits bytes for unreliable, sequence-monotonic
// delivery. requiresConnection is accepted for caller API parity but the
// hub's Send already only ever targets known links.
func (n *Node) SendUnreliableSequenced(packId uint8, bytes []byte, specific *uint32, exclude bool, channel Channel, relay bool, requiresConnection bool) SendResult {
	return n.send(wire.DataId(packId), bytes, specific, exclude, wire.ClassUnreliableSequenced, channel, relay)
}

func (n *Node) send(dataId wire.DataId, bytes []byte, specific *uint32, exclude bool, class wire.Class, channel Channel, relay bool) SendResult {
	if uint8(dataId) < uint8(wire.UserOffset) {
		return link.InternalError
	}
	if n.hub == nil {
		return link.NotSent
	}
	return n.hub.Send(dataId, bytes, hub.DeliverySemantics{Specific: specific, Exclude: exclude}, class, channel, relay)
}

// SendReliableNewest updates one item slot of a replicated group and lets
// the reliable-newest dispatch cadence carry it to the targeted links.
func (n *Node) SendReliableNewest(packId uint8, groupId uint32, itemBit uint8, bytes []byte, specific *uint32, exclude bool) SendResult {
	if n.hub == nil {
		return link.NotSent
	}
	targets := n.hub.All()
	defer func() {
		for _, t := range targets {
			t.Unpin()
		}
	}()
	any := false
	for _, l := range targets {
		if specific != nil {
			match := l.ID == *specific
			if exclude == match {
				continue
			}
		}
		result, _ := l.AddReliableNewest(wire.DataId(packId), bytes, groupId, itemBit)
		if result == link.Succes {
			any = true
		}
	}
	if any {
		return link.Succes
	}
	return link.NotSent
}

// SimulatePacketLoss configures a uniform inbound-drop percentage on every
// currently known link, for testing resilience under loss.
func (n *Node) SimulatePacketLoss(percent int) {
	if n.hub == nil {
		return
	}
	for _, l := range n.hub.All() {
		l.SetPacketLossPercent(percent)
		l.Unpin()
	}
}

// IsConnectionKnown reports whether endpoint has tracked connection state,
// including a connection still lingering after teardown.
func (n *Node) IsConnectionKnown(endpoint string) bool {
	ep, err := resolveEndpoint(endpoint)
	if err != nil || n.conn == nil {
		return false
	}
	return n.conn.IsConnectionKnown(ep)
}

// Close shuts down the socket and every background goroutine. A Node is
// not usable after Close.
func (n *Node) Close() error {
	if n.hub == nil {
		return nil
	}
	err := n.hub.Close()
	if n.hubDone != nil {
		<-n.hubDone
	}
	rudplog.Debug("node closed")
	return err
}

func resolveEndpoint(hostport string) (wire.Endpoint, error) {
	addr, err := resolveUDPAddr(hostport)
	if err != nil {
		return wire.Endpoint{}, fmt.Errorf("rudp: invalid endpoint %q: %w", hostport, err)
	}
	return wire.EndpointFromUDPAddr(addr), nil
}

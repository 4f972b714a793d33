// Package conn implements the connection manager: the handshake,
// keep-alive, and disconnect state machine layered on top of a
// ReceiveHub's links. Connection bookkeeping (per-endpoint state,
// last-activity tracking, cleanup-on-timeout) drives a four-message
// connect/accept/keepalive/disconnect protocol.
package conn

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/zerodelay-net/rudp/internal/hub"
	"github.com/zerodelay-net/rudp/internal/link"
	"github.com/zerodelay-net/rudp/internal/wire"
	"github.com/zerodelay-net/rudp/pkg/rudplog"
	"go.uber.org/zap"
)

// ConnectResult is the terminal outcome of an outbound connect attempt.
type ConnectResult uint8

const (
	Succes ConnectResult = iota
	Timedout
	InvalidPassword
	MaxConnectionsReached
	AlreadyConnected
	InvalidConnectPacket
)

func (r ConnectResult) String() string {
	switch r {
	case Succes:
		return "Succes"
	case Timedout:
		return "Timedout"
	case InvalidPassword:
		return "InvalidPassword"
	case MaxConnectionsReached:
		return "MaxConnectionsReached"
	case AlreadyConnected:
		return "AlreadyConnected"
	case InvalidConnectPacket:
		return "InvalidConnectPacket"
	default:
		return "Unknown"
	}
}

// DisconnectReason distinguishes a graceful close from a keep-alive loss.
type DisconnectReason uint8

const (
	Closed DisconnectReason = iota
	Lost
)

func (r DisconnectReason) String() string {
	if r == Lost {
		return "Lost"
	}
	return "Closed"
}

// State is a Connection's position in the handshake/keepalive/teardown
// lifecycle.
type State uint8

const (
	Idle State = iota
	Connecting
	InitiateTimedOut
	StateInvalidPassword
	StateMaxConnectionsReached
	StateInvalidConnectPacket
	StateAlreadyConnected
	Connected
	ConnectionTimedOut
	Disconnected
)

const keepAliveGrace = 5 * time.Second

// Connection is the handshake-level state layered above one Link.
type Connection struct {
	Endpoint wire.Endpoint
	Link     *link.Link

	mu           sync.Mutex
	state        State
	connectSince time.Time
	timeoutAfter time.Duration
	lastKA       time.Time
	awaitingKA   bool
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Callbacks are the four user-facing hooks a Node exposes.
type Callbacks struct {
	OnConnectResult func(endpoint wire.Endpoint, result ConnectResult)
	OnNewConnection func(endpoint wire.Endpoint, metadata []byte)
	OnDisconnect    func(endpoint wire.Endpoint, reason DisconnectReason)
	OnCustomData    func(endpoint wire.Endpoint, dataId wire.DataId, payload []byte, channel wire.Channel)
}

// Config holds the manager-wide handshake/keepalive tunables.
type Config struct {
	IsServer              bool
	Password              string
	MaxIncoming           int
	KeepAliveInterval     time.Duration
	DefaultConnectTimeout time.Duration
}

// Manager drives every Connection atop a Hub's links.
type Manager struct {
	hub *hub.Hub
	cfg Config
	cb  Callbacks

	mu    sync.Mutex
	byEP  map[wire.Endpoint]*Connection
}

// New builds a Manager. The hub must already be running its loops.
func New(h *hub.Hub, cfg Config, cb Callbacks) *Manager {
	return &Manager{
		hub:  h,
		cfg:  cfg,
		cb:   cb,
		byEP: make(map[wire.Endpoint]*Connection),
	}
}

// SetCallback mutates the manager's callback set. Intended to be called
// during setup, before Connect or Listen, since dispatch reads the
// callbacks without synchronization.
func (m *Manager) SetCallback(mutate func(*Callbacks)) {
	mutate(&m.cb)
}

// SetPassword configures the password inbound ConnectRequests are checked
// against in server mode.
func (m *Manager) SetPassword(password string) {
	m.cfg.Password = password
}

// Connect initiates an outbound handshake. Fails immediately if the
// endpoint is already known (connecting, connected, or lingering).
func (m *Manager) Connect(endpoint wire.Endpoint, password string, timeoutSec int, additionalData []byte) error {
	m.mu.Lock()
	if _, exists := m.byEP[endpoint]; exists {
		m.mu.Unlock()
		return fmt.Errorf("conn: endpoint %s already known", endpoint)
	}
	m.mu.Unlock()

	linkID := rand.Uint32()
	l, ok := m.hub.CreateOutboundLink(endpoint, linkID)
	if !ok {
		return errors.New("conn: link already exists for endpoint")
	}

	timeout := time.Duration(timeoutSec) * time.Second
	if timeout <= 0 {
		timeout = m.cfg.DefaultConnectTimeout
	}

	c := &Connection{Endpoint: endpoint, Link: l, state: Connecting, connectSince: time.Now(), timeoutAfter: timeout}
	m.mu.Lock()
	m.byEP[endpoint] = c
	m.mu.Unlock()

	payload := append([]byte(password), additionalData...)
	payload = append([]byte{byte(len(password))}, payload...)
	l.AddToSendQueue(wire.DataIdConnectRequest, payload, wire.ClassReliableOrdered, 0, false)
	return nil
}

// Listen marks the manager as accepting inbound connections. The caller is
// responsible for binding the hub's socket to port.
func (m *Manager) Listen(maxConnections int) {
	m.cfg.IsServer = true
	m.cfg.MaxIncoming = maxConnections
}

// Disconnect tears down a known connection locally.
func (m *Manager) Disconnect(endpoint wire.Endpoint) error {
	m.mu.Lock()
	c, ok := m.byEP[endpoint]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("conn: no connection for endpoint %s", endpoint)
	}

	c.Link.AddToSendQueue(wire.DataIdDisconnect, nil, wire.ClassReliableOrdered, 0, false)
	c.setState(Disconnected)
	if m.cb.OnDisconnect != nil {
		m.cb.OnDisconnect(endpoint, Closed)
	}
	c.Link.MarkPendingDelete(time.Now())
	c.Link.BlockAllUpcomingSends()
	return nil
}

// DisconnectAll tears down every known connection, then sleeps lingerMs
// before returning so the teardown datagrams have a chance to go out.
func (m *Manager) DisconnectAll(lingerMs int) {
	m.mu.Lock()
	endpoints := make([]wire.Endpoint, 0, len(m.byEP))
	for ep := range m.byEP {
		endpoints = append(endpoints, ep)
	}
	m.mu.Unlock()
	for _, ep := range endpoints {
		_ = m.Disconnect(ep)
	}
	if lingerMs > 0 {
		time.Sleep(time.Duration(lingerMs) * time.Millisecond)
	}
}

// Update drains every link's poll queue, dispatches control DataIds to the
// handshake/keepalive state machine, forwards everything else to
// OnCustomData, and drives connect-timeout and keep-alive checks. The
// application is expected to call this once per tick.
func (m *Manager) Update() {
	now := time.Now()

	for _, l := range m.hub.All() {
		for {
			pkt, ok := l.Poll()
			if !ok {
				break
			}
			m.dispatch(l, pkt)
		}
		l.Unpin()
	}

	m.checkTimeouts(now)
}

func (m *Manager) dispatch(l *link.Link, pkt link.Packet) {
	if pkt.DataId < wire.UserOffset {
		m.handleControl(l, pkt)
		return
	}
	if m.cb.OnCustomData != nil {
		m.cb.OnCustomData(l.Endpoint, pkt.DataId, pkt.Payload, pkt.Channel)
	}
}

func (m *Manager) handleControl(l *link.Link, pkt link.Packet) {
	switch pkt.DataId {
	case wire.DataIdConnectRequest:
		m.handleConnectRequest(l, pkt.Payload)
	case wire.DataIdConnectAccept:
		m.handleConnectAccept(l)
	case wire.DataIdIncorrectPassword:
		m.rejectOutbound(l, InvalidPassword)
	case wire.DataIdMaxConnectionsReached:
		m.rejectOutbound(l, MaxConnectionsReached)
	case wire.DataIdAlreadyConnected:
		m.rejectOutbound(l, AlreadyConnected)
	case wire.DataIdKeepAliveRequest:
		l.AddToSendQueue(wire.DataIdKeepAliveAnswer, nil, wire.ClassReliableOrdered, 0, false)
	case wire.DataIdKeepAliveAnswer:
		m.handleKeepAliveAnswer(l)
	case wire.DataIdDisconnect:
		m.handleInboundDisconnect(l)
	case wire.DataIdRemoteConnected, wire.DataIdRemoteDisconnected:
		// Relayed lifecycle notifications for star-topology peers are
		// consumed here and not passed to any callback. No peer-of-peer
		// state is tracked - relaying is all this side of the handshake does.
	default:
		rudplog.Debug("ignoring unrecognized control dataId", zap.Uint8("dataId", uint8(pkt.DataId)))
	}
}

func (m *Manager) handleConnectRequest(l *link.Link, payload []byte) {
	ep := l.Endpoint

	m.mu.Lock()
	_, exists := m.byEP[ep]
	m.mu.Unlock()
	if exists {
		l.AddToSendQueue(wire.DataIdAlreadyConnected, nil, wire.ClassReliableOrdered, 0, false)
		return
	}

	if len(payload) < 1 {
		l.AddToSendQueue(wire.DataIdIncorrectPassword, nil, wire.ClassReliableOrdered, 0, false)
		return
	}
	pwLen := int(payload[0])
	if len(payload) < 1+pwLen {
		l.AddToSendQueue(wire.DataIdIncorrectPassword, nil, wire.ClassReliableOrdered, 0, false)
		return
	}
	password := string(payload[1 : 1+pwLen])
	metadata := payload[1+pwLen:]

	if password != m.cfg.Password {
		l.AddToSendQueue(wire.DataIdIncorrectPassword, nil, wire.ClassReliableOrdered, 0, false)
		return
	}

	m.mu.Lock()
	if m.cfg.MaxIncoming > 0 && len(m.byEP) >= m.cfg.MaxIncoming {
		m.mu.Unlock()
		l.AddToSendQueue(wire.DataIdMaxConnectionsReached, nil, wire.ClassReliableOrdered, 0, false)
		return
	}
	c := &Connection{Endpoint: ep, Link: l, state: Connected, lastKA: time.Now()}
	m.byEP[ep] = c
	m.mu.Unlock()

	l.AddToSendQueue(wire.DataIdConnectAccept, nil, wire.ClassReliableOrdered, 0, false)
	if m.cb.OnNewConnection != nil {
		m.cb.OnNewConnection(ep, metadata)
	}
	if m.cfg.IsServer {
		m.relayExcept(l, wire.DataIdRemoteConnected, ep)
	}
}

func (m *Manager) handleConnectAccept(l *link.Link) {
	c := m.connectionFor(l.Endpoint)
	if c == nil || c.State() != Connecting {
		return
	}
	c.setState(Connected)
	c.mu.Lock()
	c.lastKA = time.Now()
	c.mu.Unlock()
	if m.cb.OnConnectResult != nil {
		m.cb.OnConnectResult(l.Endpoint, Succes)
	}
}

func (m *Manager) rejectOutbound(l *link.Link, result ConnectResult) {
	c := m.connectionFor(l.Endpoint)
	if c == nil || c.State() != Connecting {
		return
	}
	switch result {
	case InvalidPassword:
		c.setState(StateInvalidPassword)
	case MaxConnectionsReached:
		c.setState(StateMaxConnectionsReached)
	case AlreadyConnected:
		c.setState(StateAlreadyConnected)
	}
	if m.cb.OnConnectResult != nil {
		m.cb.OnConnectResult(l.Endpoint, result)
	}
	l.MarkPendingDelete(time.Now())
	l.BlockAllUpcomingSends()
}

func (m *Manager) handleKeepAliveAnswer(l *link.Link) {
	c := m.connectionFor(l.Endpoint)
	if c == nil {
		return
	}
	c.mu.Lock()
	c.awaitingKA = false
	c.lastKA = time.Now()
	c.mu.Unlock()
}

func (m *Manager) handleInboundDisconnect(l *link.Link) {
	c := m.connectionFor(l.Endpoint)
	if c == nil {
		return
	}
	c.setState(Disconnected)
	if m.cb.OnDisconnect != nil {
		m.cb.OnDisconnect(l.Endpoint, Closed)
	}
	if m.cfg.IsServer {
		m.relayExcept(l, wire.DataIdRemoteDisconnected, l.Endpoint)
	}
	l.MarkPendingDelete(time.Now())
	l.BlockAllUpcomingSends()
}

// relayExcept broadcasts a lifecycle DataId carrying origin's serialized
// endpoint to every link except origin's.
func (m *Manager) relayExcept(origin *link.Link, dataId wire.DataId, ep wire.Endpoint) {
	if !ep.V4 {
		return
	}
	payload := ep.MarshalIPv4()
	originID := origin.ID
	for _, l := range m.hub.All() {
		if l.ID != originID {
			l.AddToSendQueue(dataId, payload[:], wire.ClassReliableOrdered, 0, false)
		}
		l.Unpin()
	}
}

func (m *Manager) checkTimeouts(now time.Time) {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.byEP))
	for _, c := range m.byEP {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		switch c.State() {
		case Connecting:
			c.mu.Lock()
			elapsed := now.Sub(c.connectSince)
			timeout := c.timeoutAfter
			c.mu.Unlock()
			if elapsed > timeout {
				c.setState(InitiateTimedOut)
				if m.cb.OnConnectResult != nil {
					m.cb.OnConnectResult(c.Endpoint, Timedout)
				}
				c.Link.MarkPendingDelete(now)
				c.Link.BlockAllUpcomingSends()
			}
		case Connected:
			m.driveKeepAlive(c, now)
		}
	}
}

func (m *Manager) driveKeepAlive(c *Connection, now time.Time) {
	c.mu.Lock()
	awaiting := c.awaitingKA
	since := now.Sub(c.lastKA)
	c.mu.Unlock()

	if !awaiting {
		if since >= m.cfg.KeepAliveInterval {
			c.Link.AddToSendQueue(wire.DataIdKeepAliveRequest, nil, wire.ClassReliableOrdered, 0, false)
			c.mu.Lock()
			c.awaitingKA = true
			c.mu.Unlock()
		}
		return
	}

	if since >= m.cfg.KeepAliveInterval+keepAliveGrace {
		c.setState(ConnectionTimedOut)
		if m.cb.OnDisconnect != nil {
			m.cb.OnDisconnect(c.Endpoint, Lost)
		}
		if m.cfg.IsServer {
			m.relayExcept(c.Link, wire.DataIdRemoteDisconnected, c.Endpoint)
		}
		c.Link.MarkPendingDelete(now)
		c.Link.BlockAllUpcomingSends()
	}
}

func (m *Manager) connectionFor(ep wire.Endpoint) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byEP[ep]
}

// IsConnectionKnown reports whether ep has a tracked Connection, including
// one still lingering after teardown - this stays true until the
// underlying link is swept.
func (m *Manager) IsConnectionKnown(ep wire.Endpoint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byEP[ep]
	return ok
}

// ForgetSwept drops the bookkeeping for any connection whose link has been
// removed from the hub. The Node's update loop calls this after polling so
// a later reconnect to the same endpoint is not rejected as a duplicate.
func (m *Manager) ForgetSwept() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ep := range m.byEP {
		l, ok := m.hub.Lookup(ep)
		if ok {
			l.Unpin()
			continue
		}
		delete(m.byEP, ep)
	}
}

// Package peer implements the peer manager (C8): it maintains one
// WebRTC peer connection and one ordered, reliable data channel
// ("rtc-battery") per known peer, and applies the deterministic
// initiator rule from spec §4.8 so that for any ordered pair of peers
// exactly one side ever creates the offer.
package peer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Signaler is the subset of the signaling client (C6) the peer manager
// needs to send handshake messages through.
type Signaler interface {
	SendOffer(to, sdp string) error
	SendAnswer(to, sdp string) error
	SendICE(to string, candidate json.RawMessage) error
}

// Handlers are the upper-layer callbacks the manager drives as peer
// connections come up, deliver data, and go away.
type Handlers struct {
	OnChannelOpen func(peerID string)
	OnMessage     func(peerID string, data []byte)
	OnPeerLeave   func(peerID string)
	OnError       func(err error)
}

type connection struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel
}

// Manager owns every peer connection for one local node.
type Manager struct {
	signaler Signaler
	handlers Handlers
	config   webrtc.Configuration

	mu    sync.Mutex
	conns map[string]*connection
}

// NewManager builds an (initially empty) peer manager. iceServers may be
// nil for a same-host/offline topology (no STUN/TURN needed).
func NewManager(signaler Signaler, handlers Handlers, iceServers []webrtc.ICEServer) *Manager {
	return &Manager{
		signaler: signaler,
		handlers: handlers,
		config:   webrtc.Configuration{ICEServers: iceServers},
		conns:    make(map[string]*connection),
	}
}

// HandlePeersList applies the join-time half of the initiator rule: the
// node that just joined initiates an offer against every already-present
// peer it was told about.
func (m *Manager) HandlePeersList(peerIDs []string) {
	for _, id := range peerIDs {
		if err := m.initiate(id); err != nil && m.handlers.OnError != nil {
			m.handlers.OnError(fmt.Errorf("peer: initiate %s: %w", id, err))
		}
	}
}

// HandlePeerJoin applies the other half of the rule: when an existing
// member is told a newcomer joined, it does nothing and waits for the
// newcomer's offer — the newcomer is always the initiator.
func (m *Manager) HandlePeerJoin(peerID string) {
	// Intentionally a no-op; see spec §4.8 "the newcomer initiates
	// against existing members".
}

// HandlePeerLeave tears down any connection this node still holds for a
// peer that the relay reported as gone.
func (m *Manager) HandlePeerLeave(peerID string) {
	m.teardown(peerID)
}

func (m *Manager) initiate(peerID string) error {
	pc, err := webrtc.NewPeerConnection(m.config)
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	dc, err := pc.CreateDataChannel("rtc-battery", nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("create data channel: %w", err)
	}

	conn := &connection{pc: pc, dc: dc}
	m.store(peerID, conn)
	m.wireConnection(peerID, pc)
	m.wireChannel(peerID, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return m.signaler.SendOffer(peerID, offer.SDP)
}

// HandleOffer is the responder half of the handshake (spec §4.8):
// receive an offer, create the peer connection if one doesn't already
// exist, set the remote description, and answer.
func (m *Manager) HandleOffer(from, sdp string) error {
	conn, ok := m.get(from)
	if !ok {
		pc, err := webrtc.NewPeerConnection(m.config)
		if err != nil {
			return fmt.Errorf("new peer connection: %w", err)
		}
		conn = &connection{pc: pc}
		m.store(from, conn)
		m.wireConnection(from, pc)
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			m.setChannel(from, dc)
			m.wireChannel(from, dc)
		})
	}

	if err := conn.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: sdp,
	}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	answer, err := conn.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := conn.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return m.signaler.SendAnswer(from, answer.SDP)
}

// HandleAnswer completes the initiator half of the handshake.
func (m *Manager) HandleAnswer(from, sdp string) error {
	conn, ok := m.get(from)
	if !ok {
		return fmt.Errorf("peer: answer from unknown peer %q", from)
	}
	if err := conn.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: sdp,
	}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// HandleICE adds a remote ICE candidate to the connection for "from".
func (m *Manager) HandleICE(from string, candidate json.RawMessage) error {
	conn, ok := m.get(from)
	if !ok {
		return fmt.Errorf("peer: ice from unknown peer %q", from)
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("unmarshal ice candidate: %w", err)
	}
	return conn.pc.AddICECandidate(init)
}

func (m *Manager) wireConnection(peerID string, pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end-of-candidates marker; nothing to forward
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			if m.handlers.OnError != nil {
				m.handlers.OnError(fmt.Errorf("peer: marshal ice candidate: %w", err))
			}
			return
		}
		if err := m.signaler.SendICE(peerID, data); err != nil && m.handlers.OnError != nil {
			m.handlers.OnError(fmt.Errorf("peer: send ice: %w", err))
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			m.teardown(peerID)
			if m.handlers.OnPeerLeave != nil {
				m.handlers.OnPeerLeave(peerID)
			}
		}
	})
}

func (m *Manager) wireChannel(peerID string, dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		if m.handlers.OnChannelOpen != nil {
			m.handlers.OnChannelOpen(peerID)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if m.handlers.OnMessage != nil {
			m.handlers.OnMessage(peerID, msg.Data)
		}
	})
}

// Send writes data to peerID's data channel, if open.
func (m *Manager) Send(peerID string, data []byte) error {
	conn, ok := m.get(peerID)
	if !ok || conn.dc == nil {
		return fmt.Errorf("peer: no open channel to %q", peerID)
	}
	return conn.dc.Send(data)
}

// Broadcast writes data to every peer with an open data channel,
// collecting (but not stopping on) individual send failures.
func (m *Manager) Broadcast(data []byte) []error {
	m.mu.Lock()
	targets := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		targets = append(targets, c)
	}
	m.mu.Unlock()

	var errs []error
	for _, c := range targets {
		if c.dc == nil {
			continue
		}
		if err := c.dc.Send(data); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Peers returns the ids of every peer currently tracked (connecting or
// connected).
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids
}

// Close tears down every peer connection.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.teardown(id)
	}
}

func (m *Manager) store(peerID string, conn *connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[peerID] = conn
}

func (m *Manager) get(peerID string) (*connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[peerID]
	return c, ok
}

func (m *Manager) setChannel(peerID string, dc *webrtc.DataChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[peerID]; ok {
		c.dc = dc
	}
}

func (m *Manager) teardown(peerID string) {
	m.mu.Lock()
	conn, ok := m.conns[peerID]
	delete(m.conns, peerID)
	m.mu.Unlock()
	if ok {
		conn.pc.Close()
	}
}

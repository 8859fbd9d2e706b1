package signaling

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	backoffBase     = 1000 * time.Millisecond
	backoffMax      = 30000 * time.Millisecond
	maxReconnectTry = 10
)

// Handlers is the set of callbacks a Client dispatches incoming frames
// and connection-lifecycle events to. Any nil field is simply not
// called.
type Handlers struct {
	OnPeers        func(peerIDs []string)
	OnPeerJoin     func(peerID string)
	OnPeerLeave    func(peerID string)
	OnOffer        func(from, sdp string)
	OnAnswer       func(from, sdp string)
	OnICE          func(from string, candidate json.RawMessage)
	OnConnected    func()
	OnDisconnected func()
	OnReconnecting func(attempt int)
	OnReconnected  func()
	OnError        func(err error)
}

// Client is the signaling WebSocket client (C6). One Client corresponds
// to one peerId joining one room token at one relay.
type Client struct {
	rawURL   string
	peerID   string
	handlers Handlers

	mu           sync.Mutex
	conn         *websocket.Conn
	userClosed   bool
	connectCount int
}

// NewClient builds a signaling client for host/path joining the room
// identified by token, under the given peerId. host should include
// scheme ("ws://" or "wss://"); path may be empty.
func NewClient(host, path, token, peerID string, handlers Handlers) *Client {
	u := host + path + "?token=" + url.QueryEscape(token)
	return &Client{rawURL: u, peerID: peerID, handlers: handlers}
}

// Connect dials the relay. A failure on this first attempt is returned
// directly to the caller (spec §4.6: "An initial connection failure is
// surfaced as an error"); failures after a successful connect are instead
// handled by the reconnection policy.
func (c *Client) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.rawURL, nil)
	if err != nil {
		return fmt.Errorf("signaling: dial: %w", err)
	}
	c.setConn(conn)
	if err := c.sendJoin(); err != nil {
		conn.Close()
		return fmt.Errorf("signaling: join: %w", err)
	}
	if c.handlers.OnConnected != nil {
		c.handlers.OnConnected()
	}
	go c.readLoop()
	return nil
}

// Disconnect closes the connection and permanently disables
// reconnection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.userClosed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.connectCount++
}

func (c *Client) sendJoin() error {
	return c.send(Frame{Type: TypeJoin, PeerID: c.peerID})
}

// SendOffer, SendAnswer and SendICE forward a WebRTC handshake message to
// peer "to" via the relay; the relay stamps "from" itself on the way
// out, so the caller never sets it.
func (c *Client) SendOffer(to, sdp string) error {
	return c.send(Frame{Type: TypeOffer, To: to, SDP: sdp})
}

func (c *Client) SendAnswer(to, sdp string) error {
	return c.send(Frame{Type: TypeAnswer, To: to, SDP: sdp})
}

func (c *Client) SendICE(to string, candidate json.RawMessage) error {
	return c.send(Frame{Type: TypeICE, To: to, Candidate: candidate})
}

func (c *Client) send(f Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("signaling: not connected")
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("signaling: marshal frame: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			userClosed := c.userClosed
			c.mu.Unlock()
			if userClosed {
				return
			}
			go c.reconnectLoop()
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		// Malformed JSON is dropped, not surfaced as an error (spec §7:
		// Signaling.Protocol — logged and ignored, peer continues).
		return
	}
	switch f.Type {
	case TypePeers:
		if c.handlers.OnPeers != nil {
			c.handlers.OnPeers(f.PeerIDs)
		}
	case TypePeerJoin:
		if c.handlers.OnPeerJoin != nil {
			c.handlers.OnPeerJoin(f.PeerID)
		}
	case TypePeerLeave:
		if c.handlers.OnPeerLeave != nil {
			c.handlers.OnPeerLeave(f.PeerID)
		}
	case TypeOffer:
		if c.handlers.OnOffer != nil {
			c.handlers.OnOffer(f.From, f.SDP)
		}
	case TypeAnswer:
		if c.handlers.OnAnswer != nil {
			c.handlers.OnAnswer(f.From, f.SDP)
		}
	case TypeICE:
		if c.handlers.OnICE != nil {
			c.handlers.OnICE(f.From, f.Candidate)
		}
	}
}

// reconnectLoop implements the exponential backoff policy from spec
// §4.6: delay = min(base * 2^(attempt-1), max_delay), up to 10 attempts.
func (c *Client) reconnectLoop() {
	for attempt := 1; attempt <= maxReconnectTry; attempt++ {
		c.mu.Lock()
		userClosed := c.userClosed
		c.mu.Unlock()
		if userClosed {
			return
		}

		if c.handlers.OnReconnecting != nil {
			c.handlers.OnReconnecting(attempt)
		}
		time.Sleep(backoffDelay(attempt))

		conn, _, err := websocket.DefaultDialer.Dial(c.rawURL, nil)
		if err != nil {
			if c.handlers.OnError != nil {
				c.handlers.OnError(fmt.Errorf("signaling: reconnect attempt %d: %w", attempt, err))
			}
			continue
		}
		c.setConn(conn)
		if err := c.sendJoin(); err != nil {
			conn.Close()
			continue
		}
		if c.handlers.OnReconnected != nil {
			c.handlers.OnReconnected()
		}
		go c.readLoop()
		return
	}
	if c.handlers.OnDisconnected != nil {
		c.handlers.OnDisconnected()
	}
}

func backoffDelay(attempt int) time.Duration {
	d := backoffBase * time.Duration(1<<uint(attempt-1))
	if d > backoffMax {
		return backoffMax
	}
	return d
}

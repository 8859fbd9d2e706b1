package signaling

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Relay is the stateful signaling server (C7): a map of room token to
// joined peers, each holding one open WebSocket connection. It never
// interprets offer/answer/ice payloads — it only routes them by "to".
type Relay struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]map[string]*relayConn
}

type relayConn struct {
	peerID  string
	token   string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewRelay constructs an empty relay, ready to Register on a gin engine.
func NewRelay() *Relay {
	return &Relay{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay's only capability check is the room token itself
			// (spec §4.7); it has no notion of browser origins to police.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]map[string]*relayConn),
	}
}

// Register mounts the relay's WebSocket endpoint and a health probe on r.
func (rl *Relay) Register(r *gin.Engine) {
	r.GET("/", rl.handleWS)
	r.GET("/health", func(c *gin.Context) {
		rl.mu.Lock()
		rooms := len(rl.rooms)
		rl.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": rooms})
	})
}

func (rl *Relay) handleWS(c *gin.Context) {
	token := c.Query("token")

	conn, err := rl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("signaling: upgrade failed: %v", err)
		return
	}

	if token == "" {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(4001, "Token required"))
		conn.Close()
		return
	}

	rc := &relayConn{token: token, conn: conn}
	rl.serveConn(rc)
}

// serveConn runs a connection's per-socket state machine (spec §4.7):
// Unauthenticated until a "join" frame names its peerId, then Joined
// until the socket closes.
func (rl *Relay) serveConn(rc *relayConn) {
	defer rc.conn.Close()

	joined := false
	for {
		_, data, err := rc.conn.ReadMessage()
		if err != nil {
			break
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue // malformed JSON is ignored, not fatal
		}

		switch f.Type {
		case TypeJoin:
			if joined {
				continue
			}
			rc.peerID = f.PeerID
			joined = true
			rl.join(rc)
		case TypeOffer, TypeAnswer, TypeICE:
			if !joined {
				continue
			}
			rl.forward(rc, f)
		}
	}

	if joined {
		rl.leave(rc)
	}
}

func (rl *Relay) join(rc *relayConn) {
	rl.mu.Lock()
	room, ok := rl.rooms[rc.token]
	if !ok {
		room = make(map[string]*relayConn)
		rl.rooms[rc.token] = room
	}
	existing := make([]string, 0, len(room))
	for id := range room {
		existing = append(existing, id)
	}
	room[rc.peerID] = rc
	others := make([]*relayConn, 0, len(room)-1)
	for id, other := range room {
		if id != rc.peerID {
			others = append(others, other)
		}
	}
	rl.mu.Unlock()

	// "peers" must precede any "peer-join" a newcomer sees (spec §4.7
	// invariant), so send it before broadcasting to the rest of the room.
	rc.writeFrame(Frame{Type: TypePeers, PeerIDs: existing})
	for _, other := range others {
		other.writeFrame(Frame{Type: TypePeerJoin, PeerID: rc.peerID})
	}
}

func (rl *Relay) forward(rc *relayConn, f Frame) {
	rl.mu.Lock()
	room := rl.rooms[rc.token]
	target, ok := room[f.To]
	rl.mu.Unlock()
	if !ok {
		return // unknown targets are dropped silently
	}
	target.writeFrame(Frame{Type: f.Type, From: rc.peerID, SDP: f.SDP, Candidate: f.Candidate})
}

func (rl *Relay) leave(rc *relayConn) {
	rl.mu.Lock()
	room, ok := rl.rooms[rc.token]
	var remaining []*relayConn
	if ok {
		delete(room, rc.peerID)
		if len(room) == 0 {
			delete(rl.rooms, rc.token)
		} else {
			remaining = make([]*relayConn, 0, len(room))
			for _, other := range room {
				remaining = append(remaining, other)
			}
		}
	}
	rl.mu.Unlock()

	for _, other := range remaining {
		other.writeFrame(Frame{Type: TypePeerLeave, PeerID: rc.peerID})
	}
}

func (rc *relayConn) writeFrame(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	_ = rc.conn.WriteMessage(websocket.TextMessage, data)
}

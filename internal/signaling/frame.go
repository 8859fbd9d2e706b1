// Package signaling implements the WebSocket signaling client (C6) and
// relay (C7) that broker WebRTC offer/answer/ICE exchange between peers
// sharing a room token. Neither side interprets SDP or ICE candidates —
// that's the peer manager's (C8) job — the relay is a pure message
// router keyed by room token and peer id.
package signaling

import "encoding/json"

// Frame type discriminators, shared by client and relay.
const (
	TypeJoin      = "join"
	TypePeers     = "peers"
	TypePeerJoin  = "peer-join"
	TypePeerLeave = "peer-leave"
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeICE       = "ice"
)

// Frame is the single wire shape every signaling message takes. Only the
// fields relevant to Type are populated; the rest are the JSON zero
// value and omitted on the wire.
type Frame struct {
	Type      string          `json:"type"`
	PeerID    string          `json:"peerId,omitempty"`
	PeerIDs   []string        `json:"peerIds,omitempty"`
	To        string          `json:"to,omitempty"`
	From      string          `json:"from,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

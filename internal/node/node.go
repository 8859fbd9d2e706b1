// Package node assembles the public engine surface (spec §6): the
// object an embedding application actually holds. It wires together
// every lower layer — the SQL adapter (C4), the persistent op log (C3),
// the replication engine (C5), the signaling client (C6), the peer
// manager (C8), and the sync protocol coordinator (C9) — behind one
// small API: init, connect, exec, enable_sync, export/import, and the
// full event set a caller can subscribe to.
package node

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/kholbekj/ledger/internal/eventbus"
	"github.com/kholbekj/ledger/internal/ops"
	"github.com/kholbekj/ledger/internal/oplog"
	"github.com/kholbekj/ledger/internal/peer"
	"github.com/kholbekj/ledger/internal/replication"
	"github.com/kholbekj/ledger/internal/signaling"
	"github.com/kholbekj/ledger/internal/sqlstore"
	"github.com/kholbekj/ledger/internal/syncproto"
)

// Config selects the on-disk layout for one node. DataDir holds both
// the SQL database file and the bbolt-backed op log (spec §6,
// "Persisted state layout").
type Config struct {
	DataDir string
	// NodeID pins the node's identity and HLC tiebreaker; a random
	// UUID is generated if left empty (spec §3: "a freshly generated
	// UUID-v4-equivalent").
	NodeID string
}

// SyncEvent is the payload of the "sync" event: how many operations a
// sync-response from peerID carried. It is emitted as the frame arrives,
// before those operations are applied, and counts them whether or not
// each apply succeeds.
type SyncEvent struct {
	Count  int
	PeerID string
}

// Node is the public engine surface. All exported methods are safe for
// concurrent use.
type Node struct {
	cfg    Config
	nodeID string

	store *sqlstore.Adapter
	log   *oplog.Log
	eng   *replication.Engine
	coord *syncproto.Coordinator
	bus   *eventbus.Bus

	mu        sync.Mutex
	ready     bool
	connected bool
	signaler  *signaling.Client
	peers     *peer.Manager
}

// New builds an unopened node. Call Init before anything else.
func New(cfg Config) *Node {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	return &Node{cfg: cfg, nodeID: nodeID, bus: eventbus.New()}
}

// Init opens the persistent store and op log, restores the most recent
// SQL snapshot (if the log has ever recorded one), and brings up the
// replication engine. It must be called exactly once before Exec,
// Connect, or any other operating method.
func (n *Node) Init() error {
	if err := os.MkdirAll(n.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("node: create data dir: %w", err)
	}

	store, err := sqlstore.Open(filepath.Join(n.cfg.DataDir, "data.sqlite"))
	if err != nil {
		return fmt.Errorf("node: open sql store: %w", err)
	}
	log, err := oplog.Open(filepath.Join(n.cfg.DataDir, "oplog.db"))
	if err != nil {
		store.Close()
		return fmt.Errorf("node: open op log: %w", err)
	}

	if snapshot, ok, err := log.LoadDB(); err != nil {
		log.Close()
		store.Close()
		return fmt.Errorf("node: read snapshot: %w", err)
	} else if ok {
		if err := store.Load(snapshot); err != nil {
			log.Close()
			store.Close()
			return fmt.Errorf("node: restore snapshot: %w", err)
		}
	}

	eng := replication.New(n.nodeID, store, log)
	eng.SetBroadcaster(n)
	eng.On("operation", func(payload any) {
		evt := payload.(replication.OperationEvent)
		n.bus.Emit("operation", evt)
	})
	eng.On("error", func(payload any) {
		n.bus.Emit("error", payload.(error))
	})

	n.store = store
	n.log = log
	n.eng = eng
	n.coord = syncproto.NewCoordinator(log, eng, n)
	n.ready = true
	return nil
}

// Connect begins signaling against the relay at url under room token,
// and brings up the peer manager that will establish data channels with
// whoever else is (or later becomes) a member of that room.
func (n *Node) Connect(url, token string) error {
	n.mu.Lock()
	if !n.ready {
		n.mu.Unlock()
		return fmt.Errorf("node: connect called before init")
	}
	n.mu.Unlock()

	sigHandlers := signaling.Handlers{
		OnPeers: func(peerIDs []string) {
			n.mu.Lock()
			mgr := n.peers
			n.mu.Unlock()
			for _, id := range peerIDs {
				n.bus.Emit("peer-join", id)
			}
			if mgr != nil {
				mgr.HandlePeersList(peerIDs)
			}
		},
		OnPeerJoin: func(peerID string) {
			n.bus.Emit("peer-join", peerID)
			n.withPeers(func(p *peer.Manager) { p.HandlePeerJoin(peerID) })
		},
		OnPeerLeave: func(peerID string) {
			n.withPeers(func(p *peer.Manager) { p.HandlePeerLeave(peerID) })
			n.bus.Emit("peer-leave", peerID)
		},
		OnOffer: func(from, sdp string) {
			n.withPeersErr(func(p *peer.Manager) error { return p.HandleOffer(from, sdp) })
		},
		OnAnswer: func(from, sdp string) {
			n.withPeersErr(func(p *peer.Manager) error { return p.HandleAnswer(from, sdp) })
		},
		OnICE: func(from string, candidate json.RawMessage) {
			n.withPeersErr(func(p *peer.Manager) error { return p.HandleICE(from, candidate) })
		},
		OnConnected: func() {
			n.setConnected(true)
			n.bus.Emit("connected", nil)
		},
		OnDisconnected: func() {
			n.setConnected(false)
			n.bus.Emit("disconnected", nil)
		},
		OnReconnecting: func(attempt int) {
			n.bus.Emit("reconnecting", attempt)
		},
		OnReconnected: func() {
			n.setConnected(true)
			n.bus.Emit("reconnected", nil)
		},
		OnError: func(err error) {
			n.bus.Emit("error", err)
		},
	}

	signaler := signaling.NewClient(url, "", token, n.nodeID, sigHandlers)
	peerHandlers := peer.Handlers{
		OnChannelOpen: func(peerID string) {
			if err := n.coord.ChannelOpened(peerID); err != nil {
				n.bus.Emit("error", fmt.Errorf("node: channel opened sync-request: %w", err))
			}
			n.bus.Emit("peer-ready", peerID)
		},
		OnMessage: n.handleChannelFrame,
		OnPeerLeave: func(peerID string) {
			n.bus.Emit("peer-leave", peerID)
		},
		OnError: func(err error) {
			n.bus.Emit("error", err)
		},
	}
	mgr := peer.NewManager(signaler, peerHandlers, nil)

	n.mu.Lock()
	n.signaler = signaler
	n.peers = mgr
	n.mu.Unlock()

	return signaler.Connect()
}

// handleChannelFrame decodes and dispatches one frame from peerID's data
// channel, and emits "sync" whenever the frame was a sync-response (the
// only kind whose effect a caller would want a summary count of).
func (n *Node) handleChannelFrame(peerID string, data []byte) {
	if f, err := syncproto.Decode(data); err == nil && f.Type == syncproto.TypeSyncResponse {
		n.bus.Emit("sync", SyncEvent{Count: len(f.Operations), PeerID: peerID})
	}
	if err := n.coord.HandleFrame(peerID, data); err != nil {
		n.bus.Emit("error", fmt.Errorf("node: handle frame from %s: %w", peerID, err))
	}
}

// Broadcast implements replication.Broadcaster: it wraps op in a sync
// protocol frame and fans it out to every peer with an open channel.
// Called with no peer manager yet wired (not connected, or still
// handshaking), it is a silent no-op — the operation is already safely
// in the local log and will reach peers through sync-request/response
// once a channel opens.
func (n *Node) Broadcast(op ops.Operation) {
	n.mu.Lock()
	mgr := n.peers
	n.mu.Unlock()
	if mgr == nil {
		return
	}
	data, err := syncproto.EncodeOp(op)
	if err != nil {
		n.bus.Emit("error", fmt.Errorf("node: encode broadcast op: %w", err))
		return
	}
	// Sent peer-by-peer, rather than through Manager.Broadcast, so each
	// successful delivery can advance that peer's cursor — a peer with
	// no open channel yet simply keeps its existing cursor and catches
	// up via sync-request once it connects.
	for _, peerID := range mgr.Peers() {
		if err := mgr.Send(peerID, data); err != nil {
			n.bus.Emit("error", fmt.Errorf("node: broadcast to %s: %w", peerID, err))
			continue
		}
		n.coord.MarkSent(peerID, op.Key())
	}
}

// Send implements syncproto.Sender, so the coordinator can reply to a
// specific peer (a sync-request/response or a ping/pong) without
// depending on the peer manager type directly.
func (n *Node) Send(peerID string, data []byte) error {
	n.mu.Lock()
	mgr := n.peers
	n.mu.Unlock()
	if mgr == nil {
		return fmt.Errorf("node: send to %s: not connected", peerID)
	}
	return mgr.Send(peerID, data)
}

// On subscribes fn to every future emission of event. See spec §6 for
// the full event list: sync, peer-join, peer-ready, peer-leave,
// connected, disconnected, reconnecting, reconnected, operation, error.
func (n *Node) On(event string, fn func(any)) {
	n.bus.On(event, fn)
}

// Exec runs stmt; on a synced table's mutation it also captures,
// persists, and broadcasts the resulting operations.
func (n *Node) Exec(stmt string, params []ops.Value) (sqlstore.ExecResult, error) {
	return n.eng.Exec(stmt, params)
}

// ExecLocal runs stmt without ever producing replicated operations.
func (n *Node) ExecLocal(stmt string, params []ops.Value) (sqlstore.ExecResult, error) {
	return n.eng.ExecLocal(stmt, params)
}

// EnableSync instructs the SQL adapter that table participates in
// replication (spec §6); a no-op once the table already has a primary
// key, an error otherwise.
func (n *Node) EnableSync(table string) error {
	return n.eng.EnableSync(table)
}

// NodeID returns this node's stable identifier.
func (n *Node) NodeID() string { return n.nodeID }

// Version returns the HLC string of the most recent operation this node
// has observed, or ok=false if it has observed none yet.
func (n *Node) Version() (string, bool) { return n.eng.Version() }

// Peers returns the ids of every peer this node currently holds a
// connection (connecting or open) to.
func (n *Node) Peers() []string {
	n.mu.Lock()
	mgr := n.peers
	n.mu.Unlock()
	if mgr == nil {
		return nil
	}
	return mgr.Peers()
}

// IsConnected reports whether the signaling connection is currently up.
func (n *Node) IsConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

// Export returns the current full-state SQL snapshot.
func (n *Node) Export() ([]byte, error) { return n.eng.Export() }

// Import replaces the SQL state wholesale with a previously exported
// snapshot.
func (n *Node) Import(data []byte) error { return n.eng.Import(data) }

// Disconnect tears down signaling and every peer connection, but leaves
// the local store and op log open — Connect may be called again later.
func (n *Node) Disconnect() {
	n.mu.Lock()
	signaler := n.signaler
	mgr := n.peers
	n.mu.Unlock()

	if mgr != nil {
		mgr.Close()
	}
	if signaler != nil {
		signaler.Disconnect()
	}
	n.setConnected(false)
	n.bus.Emit("disconnected", nil)
}

// Close disconnects (if connected) and releases the store and op log.
func (n *Node) Close() error {
	n.mu.Lock()
	connected := n.connected
	n.mu.Unlock()
	if connected {
		n.Disconnect()
	}
	if n.eng == nil {
		return nil
	}
	return n.eng.Close()
}

func (n *Node) setConnected(v bool) {
	n.mu.Lock()
	n.connected = v
	n.mu.Unlock()
}

func (n *Node) withPeers(fn func(*peer.Manager)) {
	n.mu.Lock()
	mgr := n.peers
	n.mu.Unlock()
	if mgr != nil {
		fn(mgr)
	}
}

func (n *Node) withPeersErr(fn func(*peer.Manager) error) {
	n.mu.Lock()
	mgr := n.peers
	n.mu.Unlock()
	if mgr == nil {
		return
	}
	if err := fn(mgr); err != nil {
		n.bus.Emit("error", err)
	}
}

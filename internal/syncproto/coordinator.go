package syncproto

import (
	"fmt"
	"sync"

	"github.com/kholbekj/ledger/internal/ops"
)

// Log is the subset of the persistent op log (C3) the coordinator reads
// from to answer a peer's sync-request.
type Log interface {
	Since(cursor string) ([]ops.Operation, error)
	Has(cursor string) (bool, error)
}

// Applier is the subset of the replication engine (C5) that merges an
// operation arriving from a peer.
type Applier interface {
	ApplyRemote(op ops.Operation, fromPeerID string) error
}

// Sender delivers an already-encoded frame to one peer's data channel.
type Sender interface {
	Send(peerID string, data []byte) error
}

// Coordinator drives the C9 protocol over every peer's data channel: it
// answers sync-requests from the log, applies incoming ops and
// sync-response batches through the replication engine, and tracks each
// peer's last_synced_version cursor.
type Coordinator struct {
	log     Log
	applier Applier
	sender  Sender

	mu      sync.Mutex
	cursors map[string]string // peerID -> last_synced_version
}

// NewCoordinator builds a Coordinator over an already-open log and
// engine; sender delivers to one peer's channel (the node passes itself,
// forwarding to its peer.Manager).
func NewCoordinator(log Log, applier Applier, sender Sender) *Coordinator {
	return &Coordinator{log: log, applier: applier, sender: sender, cursors: make(map[string]string)}
}

// ChannelOpened runs the "sequence on channel open" from spec §4.9: send
// a sync-request carrying whatever cursor we last recorded for this
// peer (empty if we've never synced with it before).
func (c *Coordinator) ChannelOpened(peerID string) error {
	data, err := Encode(SyncRequestFrame(c.cursor(peerID)))
	if err != nil {
		return err
	}
	return c.sender.Send(peerID, data)
}

// EncodeOp wraps op as an "op" broadcast frame, ready to hand to a
// peer.Manager's Send/Broadcast.
func EncodeOp(op ops.Operation) ([]byte, error) {
	return Encode(OpFrame(op))
}

// MarkSent records that peerID has now been sent (or has sent us) an
// operation up through version — used to advance the cursor on a
// successful live broadcast, per spec §4.9 "on any successful send/
// receive of an op for that peer, update last_synced_version".
func (c *Coordinator) MarkSent(peerID, version string) {
	c.setCursor(peerID, version)
}

// HandleFrame processes one frame received from peerID.
func (c *Coordinator) HandleFrame(peerID string, raw []byte) error {
	f, err := Decode(raw)
	if err != nil {
		// Malformed frames are dropped, not fatal — the channel stays up.
		return nil
	}

	switch f.Type {
	case TypeOp:
		return c.handleOp(peerID, f)
	case TypeSyncRequest:
		return c.handleSyncRequest(peerID, f)
	case TypeSyncResponse:
		return c.handleSyncResponse(peerID, f)
	case TypePing:
		data, err := Encode(PongFrame())
		if err != nil {
			return err
		}
		return c.sender.Send(peerID, data)
	case TypePong:
		return nil // liveness only
	default:
		return nil
	}
}

func (c *Coordinator) handleOp(peerID string, f Frame) error {
	if f.Payload == nil {
		return fmt.Errorf("syncproto: op frame missing payload")
	}
	// An op that fails to apply (e.g. schema mismatch) is logged by the
	// caller and not retried (spec §4.9); we still surface the error so
	// the caller can log it, but the cursor still advances — the sender
	// believes we've seen it, and retrying would not help anyway.
	applyErr := c.applier.ApplyRemote(*f.Payload, peerID)
	c.setCursor(peerID, f.Version)
	return applyErr
}

func (c *Coordinator) handleSyncRequest(peerID string, f Frame) error {
	// An unknown cursor (non-empty, but not a key we actually hold) is
	// treated the same as no cursor at all — the safe fallback that
	// guarantees convergence even if the requester's bookkeeping is
	// stale or was never ours to begin with (e.g. it synced that version
	// from a third peer we've never exchanged anything with).
	fromVersion := f.FromVersion
	if fromVersion != "" {
		known, err := c.log.Has(fromVersion)
		if err != nil {
			return fmt.Errorf("syncproto: sync-request from %s: %w", peerID, err)
		}
		if !known {
			fromVersion = ""
		}
	}
	operations, err := c.log.Since(fromVersion)
	if err != nil {
		return fmt.Errorf("syncproto: sync-request from %s: %w", peerID, err)
	}
	// With nothing newer than a known cursor, that cursor is our latest key.
	version := fromVersion
	if n := len(operations); n > 0 {
		version = operations[n-1].Key()
	}
	data, err := Encode(SyncResponseFrame(operations, version))
	if err != nil {
		return err
	}
	return c.sender.Send(peerID, data)
}

func (c *Coordinator) handleSyncResponse(peerID string, f Frame) error {
	var firstErr error
	for _, op := range f.Operations {
		if err := c.applier.ApplyRemote(op, peerID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if f.Version != "" {
		c.setCursor(peerID, f.Version)
	} else if n := len(f.Operations); n > 0 {
		c.setCursor(peerID, f.Operations[n-1].Key())
	}
	return firstErr
}

func (c *Coordinator) cursor(peerID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors[peerID]
}

func (c *Coordinator) setCursor(peerID, version string) {
	if version == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursors[peerID] = version
}

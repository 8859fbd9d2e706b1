// Package replication implements the replication engine (C5): the
// central mediator that turns local SQL mutations into operations,
// applies remote operations with last-write-wins conflict resolution,
// and keeps the persistent op log and SQL snapshot in sync.
//
// Big idea:
//
//  1. Every mutating exec() first stamps an HLC timestamp, then asks the
//     extractor (C2) to turn the statement into row-scoped operations
//     before the SQL itself runs.
//  2. Operations are appended to the op log (C3) and handed to a
//     Broadcaster so the sync protocol (C9) can push them to peers.
//  3. Remote operations merge the other way: the clock absorbs the
//     incoming timestamp, C4 applies the op under its LWW watermark, and
//     the op log records it too — so a peer that only ever receives
//     remote ops still has a faithful log.
//  4. Snapshots are debounced: one pending timer, reset on every apply,
//     so a burst of writes produces a single snapshot 1s after the last
//     one rather than one per write.
package replication

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kholbekj/ledger/internal/eventbus"
	"github.com/kholbekj/ledger/internal/hlc"
	"github.com/kholbekj/ledger/internal/ops"
	"github.com/kholbekj/ledger/internal/oplog"
	"github.com/kholbekj/ledger/internal/sqlstore"
)

// ErrNoPrimaryKey is returned by EnableSync when the named table has no
// declared primary key — such a table can never be synced, since the
// extractor (C2) has no row identity to tag operations with.
var ErrNoPrimaryKey = errors.New("replication: table has no primary key")

// DefaultSnapshotDebounce is the delay (spec §4.5) between the most
// recent apply and the snapshot it triggers.
const DefaultSnapshotDebounce = 1000 * time.Millisecond

// Broadcaster hands a freshly-produced local operation to the sync
// protocol (C9) for delivery to connected peers. It is set after
// construction, since the node that implements it builds the engine
// first and wires itself in afterwards.
type Broadcaster interface {
	Broadcast(op ops.Operation)
}

// OperationEvent is the payload of an "operation" event: the applied op,
// and — for remote ops — the peer it came from.
type OperationEvent struct {
	Op         ops.Operation
	FromPeerID string // empty for locally-originated operations
}

// Engine is the replication core. It is safe for concurrent use: every
// exported method that touches the clock, store, or log is serialized,
// matching the single-threaded execution discipline spec §4.4/§5 require.
type Engine struct {
	nodeID string
	clock  *hlc.Clock
	store  *sqlstore.Adapter
	log    *oplog.Log

	mu               sync.Mutex
	broadcaster      Broadcaster
	snapshotTimer    *time.Timer
	snapshotDebounce time.Duration

	bus *eventbus.Bus
}

// New builds a replication engine over an already-open store and log.
func New(nodeID string, store *sqlstore.Adapter, log *oplog.Log) *Engine {
	return &Engine{
		nodeID:           nodeID,
		clock:            hlc.New(nodeID),
		store:            store,
		log:              log,
		snapshotDebounce: DefaultSnapshotDebounce,
		bus:              eventbus.New(),
	}
}

// SetBroadcaster wires the sync protocol layer in after construction.
func (e *Engine) SetBroadcaster(b Broadcaster) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broadcaster = b
}

// On registers a listener for an event name ("operation", "error", ...).
// Listeners are invoked synchronously from whatever goroutine triggers
// the event, and may re-entrantly call back into the engine (spec §4.5
// "Shared resources"): Emit always iterates a stable snapshot of the
// listener set taken under lock, so a listener that registers further
// listeners never corrupts the iteration in progress.
func (e *Engine) On(event string, fn func(any)) {
	e.bus.On(event, fn)
}

// NodeID returns this engine's stable node identifier.
func (e *Engine) NodeID() string { return e.nodeID }

// Version returns the HLC string of the most recent operation this node
// has observed (local or remote), or "" if none yet.
func (e *Engine) Version() (string, bool) {
	n, err := e.log.Count()
	if err != nil || n == 0 {
		return "", false
	}
	ops, err := e.log.Since("")
	if err != nil || len(ops) == 0 {
		return "", false
	}
	return ops[len(ops)-1].Key(), true
}

// EnableSync instructs the SQL adapter that table participates in
// replication. Because "synced" is defined entirely by primary-key
// presence (spec §4.2/§6), this is a validating no-op: a table that
// already has a PK is already eligible, and one that doesn't can never
// be made eligible by this call alone.
func (e *Engine) EnableSync(table string) error {
	schema, ok := e.store.Table(table)
	if !ok {
		return fmt.Errorf("replication: enable_sync: unknown table %q", table)
	}
	if !schema.Synced() {
		return ErrNoPrimaryKey
	}
	return nil
}

// ExecLocal executes stmt without ever producing operations: reads and
// private bookkeeping writes never enter the replication stream.
func (e *Engine) ExecLocal(stmt string, params []ops.Value) (sqlstore.ExecResult, error) {
	return e.store.Execute(stmt, params)
}

// Exec executes stmt; if it is a mutation on a synced table, the
// resulting row changes are captured as operations, logged, and
// broadcast. Anything else behaves exactly like ExecLocal.
func (e *Engine) Exec(stmt string, params []ops.Value) (sqlstore.ExecResult, error) {
	if !ops.IsMutation(stmt) {
		return e.ExecLocal(stmt, params)
	}

	ts := e.clock.Now()
	extracted, extractErr := ops.Extract(stmt, params, ts, e.store, e.store)
	// Op.Extract failures (spec §7) never block local execution — the
	// statement still runs, it simply produces no operation.
	if extractErr != nil {
		e.emitError(fmt.Errorf("replication: extract: %w", extractErr))
		extracted = nil
	}

	res, err := e.store.Execute(stmt, params)
	if err != nil {
		return res, err
	}

	for _, op := range extracted {
		e.recordLocalOp(op)
	}
	if len(extracted) > 0 {
		e.scheduleSnapshot()
	}
	return res, nil
}

func (e *Engine) recordLocalOp(op ops.Operation) {
	if err := e.log.Append(op); err != nil {
		e.emitError(fmt.Errorf("replication: append: %w", err))
		return
	}
	if err := e.store.RecordLocal(op); err != nil {
		e.emitError(fmt.Errorf("replication: record local watermark: %w", err))
	}
	e.bus.Emit("operation", OperationEvent{Op: op})

	e.mu.Lock()
	b := e.broadcaster
	e.mu.Unlock()
	if b != nil {
		b.Broadcast(op)
	}
}

// ApplyRemote merges an operation received from fromPeerID: the clock
// absorbs its timestamp, the store applies it under the LWW watermark
// (a stale op is silently dropped), and it is appended to the log
// regardless, so the log remains a faithful record of every op observed.
func (e *Engine) ApplyRemote(op ops.Operation, fromPeerID string) error {
	e.clock.Receive(op.HLC)

	// store.Apply failing (e.g. a schema mismatch) must not drop the op
	// from the log: it is still logged, acknowledged, and retained even
	// though local state has now diverged from what the log implies —
	// the log stays a faithful record of every op observed.
	applyErr := e.store.Apply(op)
	if err := e.log.Append(op); err != nil {
		return fmt.Errorf("replication: append remote op %s: %w", op.Key(), err)
	}

	e.bus.Emit("operation", OperationEvent{Op: op, FromPeerID: fromPeerID})
	e.scheduleSnapshot()

	if applyErr != nil {
		return fmt.Errorf("replication: apply remote op %s: %w", op.Key(), applyErr)
	}
	return nil
}

// Export returns the current SQL snapshot bytes (a pass-through to C4).
func (e *Engine) Export() ([]byte, error) {
	return e.store.Snapshot()
}

// Import replaces the SQL state wholesale with a previously exported
// snapshot, then schedules a fresh snapshot of its own.
func (e *Engine) Import(data []byte) error {
	if err := e.store.Load(data); err != nil {
		return fmt.Errorf("replication: import: %w", err)
	}
	e.scheduleSnapshot()
	return nil
}

// scheduleSnapshot (dis)arms the single debounce timer: any apply within
// the debounce window collapses into the same pending snapshot.
func (e *Engine) scheduleSnapshot() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.snapshotTimer != nil {
		e.snapshotTimer.Stop()
	}
	e.snapshotTimer = time.AfterFunc(e.snapshotDebounce, e.flushSnapshot)
}

func (e *Engine) flushSnapshot() {
	data, err := e.store.Snapshot()
	if err != nil {
		e.emitError(fmt.Errorf("replication: snapshot: %w", err))
		return
	}
	if err := e.log.SnapshotDB(data); err != nil {
		e.emitError(fmt.Errorf("replication: persist snapshot: %w", err))
	}
}

func (e *Engine) emitError(err error) {
	e.bus.Emit("error", err)
}

// Close flushes any pending debounced snapshot, then closes the SQL and
// log resources. It is safe to call even if no snapshot is pending.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.snapshotTimer != nil {
		e.snapshotTimer.Stop()
		e.snapshotTimer = nil
	}
	e.mu.Unlock()

	e.flushSnapshot()

	if err := e.store.Close(); err != nil {
		return fmt.Errorf("replication: close store: %w", err)
	}
	if err := e.log.Close(); err != nil {
		return fmt.Errorf("replication: close log: %w", err)
	}
	return nil
}

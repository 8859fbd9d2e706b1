package replication

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kholbekj/ledger/internal/ops"
	"github.com/kholbekj/ledger/internal/oplog"
	"github.com/kholbekj/ledger/internal/sqlstore"
	"github.com/stretchr/testify/require"
)

type recordingBroadcaster struct {
	ops []ops.Operation
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{}
}

func (r *recordingBroadcaster) Broadcast(op ops.Operation) {
	r.ops = append(r.ops, op)
}

func newTestEngine(t *testing.T) (*Engine, *sqlstore.Adapter) {
	t.Helper()
	dir := t.TempDir()

	store, err := sqlstore.Open(filepath.Join(dir, "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log, err := oplog.Open(filepath.Join(dir, "oplog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	_, err = store.Execute(`CREATE TABLE notes (id TEXT PRIMARY KEY, body TEXT)`, nil)
	require.NoError(t, err)

	e := New("node-a", store, log)
	e.snapshotDebounce = 10 * time.Millisecond
	return e, store
}

func strv(s string) ops.Value {
	v := s
	return ops.Value{Str: &v}
}

func TestExecLocalProducesNoOperations(t *testing.T) {
	e, _ := newTestEngine(t)
	var captured []OperationEvent
	e.On("operation", func(v any) { captured = append(captured, v.(OperationEvent)) })

	_, err := e.ExecLocal(`INSERT INTO notes (id, body) VALUES (?, ?)`, []ops.Value{strv("n1"), strv("hi")})
	require.NoError(t, err)
	require.Empty(t, captured)
}

func TestExecProducesAndBroadcastsOperation(t *testing.T) {
	e, _ := newTestEngine(t)
	b := newRecordingBroadcaster()
	e.SetBroadcaster(b)

	var captured []OperationEvent
	e.On("operation", func(v any) { captured = append(captured, v.(OperationEvent)) })

	_, err := e.Exec(`INSERT INTO notes (id, body) VALUES (?, ?)`, []ops.Value{strv("n1"), strv("hi")})
	require.NoError(t, err)

	require.Len(t, captured, 1)
	require.Equal(t, "", captured[0].FromPeerID)
	require.Len(t, b.ops, 1)
	require.Equal(t, ops.KindInsert, b.ops[0].Kind)

	n, err := e.log.Count()
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)
}

func TestApplyRemoteAppendsAndEmits(t *testing.T) {
	e, store := newTestEngine(t)
	var captured []OperationEvent
	e.On("operation", func(v any) { captured = append(captured, v.(OperationEvent)) })

	remoteTS := e.clock.Now() // borrow a valid-shaped timestamp
	remoteTS.NodeID = "node-b"
	op := ops.Operation{
		Kind:   ops.KindInsert,
		HLC:    remoteTS,
		Table:  "notes",
		PK:     ops.Row{"id": strv("n1")},
		Values: ops.Row{"id": strv("n1"), "body": strv("from peer")},
	}

	require.NoError(t, e.ApplyRemote(op, "peer-b"))
	require.Len(t, captured, 1)
	require.Equal(t, "peer-b", captured[0].FromPeerID)

	res, err := store.Execute(`SELECT body FROM notes WHERE id = ?`, []ops.Value{strv("n1")})
	require.NoError(t, err)
	require.Equal(t, "from peer", *res.Rows[0][0].Str)
}

func TestApplyRemoteRetainsOpInLogDespiteApplyError(t *testing.T) {
	e, _ := newTestEngine(t)
	var captured []OperationEvent
	e.On("operation", func(v any) { captured = append(captured, v.(OperationEvent)) })

	remoteTS := e.clock.Now()
	remoteTS.NodeID = "node-b"
	op := ops.Operation{
		Kind:  "not-a-real-kind", // forces store.Apply to fail
		HLC:   remoteTS,
		Table: "notes",
		PK:    ops.Row{"id": strv("n1")},
	}

	err := e.ApplyRemote(op, "peer-b")
	require.Error(t, err)

	// State diverges, but the op is still retained in the log and still
	// reported as observed.
	n, countErr := e.log.Count()
	require.NoError(t, countErr)
	require.Equal(t, uint64(1), n)
	require.Len(t, captured, 1)
}

func TestEnableSyncRequiresPrimaryKey(t *testing.T) {
	e, store := newTestEngine(t)
	_, err := store.Execute(`CREATE TABLE scratch (note TEXT)`, nil)
	require.NoError(t, err)

	require.NoError(t, e.EnableSync("notes"))
	require.ErrorIs(t, e.EnableSync("scratch"), ErrNoPrimaryKey)
}

func TestSnapshotDebounceFlushesOnce(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Exec(`INSERT INTO notes (id, body) VALUES (?, ?)`, []ops.Value{strv("n1"), strv("a")})
	require.NoError(t, err)
	_, err = e.Exec(`INSERT INTO notes (id, body) VALUES (?, ?)`, []ops.Value{strv("n2"), strv("b")})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	_, ok, err := e.log.LoadDB()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExportImportRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Exec(`INSERT INTO notes (id, body) VALUES (?, ?)`, []ops.Value{strv("n1"), strv("a")})
	require.NoError(t, err)

	data, err := e.Export()
	require.NoError(t, err)

	_, err = e.ExecLocal(`INSERT INTO notes (id, body) VALUES (?, ?)`, []ops.Value{strv("n2"), strv("b")})
	require.NoError(t, err)

	require.NoError(t, e.Import(data))

	res, err := e.ExecLocal(`SELECT id FROM notes`, nil)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
}

func TestCloseFlushesAndCloses(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Exec(`INSERT INTO notes (id, body) VALUES (?, ?)`, []ops.Value{strv("n1"), strv("a")})
	require.NoError(t, err)

	require.NoError(t, e.Close())
}

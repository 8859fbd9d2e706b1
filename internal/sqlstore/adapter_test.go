package sqlstore

import (
	"path/filepath"
	"testing"

	"github.com/kholbekj/ledger/internal/hlc"
	"github.com/kholbekj/ledger/internal/ops"
	"github.com/stretchr/testify/require"
)

func openTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	a, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, err = a.Execute(`CREATE TABLE notes (id TEXT PRIMARY KEY, body TEXT)`, nil)
	require.NoError(t, err)
	return a
}

func strv(s string) ops.Value {
	v := s
	return ops.Value{Str: &v}
}

func TestExecuteInsertAndQuery(t *testing.T) {
	a := openTestAdapter(t)

	res, err := a.Execute(`INSERT INTO notes (id, body) VALUES (?, ?)`, []ops.Value{strv("n1"), strv("hello")})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Changes)

	res, err = a.Execute(`SELECT id, body FROM notes WHERE id = ?`, []ops.Value{strv("n1")})
	require.NoError(t, err)
	require.Equal(t, []string{"id", "body"}, res.Columns)
	require.Len(t, res.Rows, 1)
	require.Equal(t, "n1", *res.Rows[0][0].Str)
	require.Equal(t, "hello", *res.Rows[0][1].Str)
}

func TestTableIntrospection(t *testing.T) {
	a := openTestAdapter(t)

	schema, ok := a.Table("notes")
	require.True(t, ok)
	require.ElementsMatch(t, []string{"id", "body"}, schema.Columns)
	require.Equal(t, []string{"id"}, schema.PKColumns)
	require.True(t, schema.Synced())

	_, ok = a.Table("nope")
	require.False(t, ok)
}

func TestTableInvalidatedByDDL(t *testing.T) {
	a := openTestAdapter(t)

	_, ok := a.Table("notes")
	require.True(t, ok)

	_, err := a.Execute(`ALTER TABLE notes ADD COLUMN tag TEXT`, nil)
	require.NoError(t, err)

	schema, ok := a.Table("notes")
	require.True(t, ok)
	require.ElementsMatch(t, []string{"id", "body", "tag"}, schema.Columns)
}

func TestEnumeratePK(t *testing.T) {
	a := openTestAdapter(t)
	_, err := a.Execute(`INSERT INTO notes (id, body) VALUES (?, ?)`, []ops.Value{strv("n1"), strv("a")})
	require.NoError(t, err)
	_, err = a.Execute(`INSERT INTO notes (id, body) VALUES (?, ?)`, []ops.Value{strv("n2"), strv("b")})
	require.NoError(t, err)

	rows, err := a.EnumeratePK("notes", []string{"id"}, "body = ?", []ops.Value{strv("b")})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "n2", *rows[0]["id"].Str)
}

func remoteInsert(counter uint32, id, body string) ops.Operation {
	return ops.Operation{
		Kind:  ops.KindInsert,
		HLC:   hlc.Timestamp{Ts: 1000, Counter: counter, NodeID: "remote"},
		Table: "notes",
		PK:    ops.Row{"id": strv(id)},
		Values: ops.Row{
			"id":   strv(id),
			"body": strv(body),
		},
	}
}

func TestApplyInsertThenUpdateThenDelete(t *testing.T) {
	a := openTestAdapter(t)

	require.NoError(t, a.Apply(remoteInsert(0, "n1", "first")))

	res, err := a.Execute(`SELECT body FROM notes WHERE id = ?`, []ops.Value{strv("n1")})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	require.Equal(t, "first", *res.Rows[0][0].Str)

	update := ops.Operation{
		Kind:   ops.KindUpdate,
		HLC:    hlc.Timestamp{Ts: 1000, Counter: 1, NodeID: "remote"},
		Table:  "notes",
		PK:     ops.Row{"id": strv("n1")},
		Values: ops.Row{"body": strv("second")},
	}
	require.NoError(t, a.Apply(update))

	res, err = a.Execute(`SELECT body FROM notes WHERE id = ?`, []ops.Value{strv("n1")})
	require.NoError(t, err)
	require.Equal(t, "second", *res.Rows[0][0].Str)

	del := ops.Operation{
		Kind:  ops.KindDelete,
		HLC:   hlc.Timestamp{Ts: 1000, Counter: 2, NodeID: "remote"},
		Table: "notes",
		PK:    ops.Row{"id": strv("n1")},
	}
	require.NoError(t, a.Apply(del))

	res, err = a.Execute(`SELECT body FROM notes WHERE id = ?`, []ops.Value{strv("n1")})
	require.NoError(t, err)
	require.Len(t, res.Rows, 0)
}

func TestApplyRejectsStaleOp(t *testing.T) {
	a := openTestAdapter(t)

	fresh := ops.Operation{
		Kind:   ops.KindInsert,
		HLC:    hlc.Timestamp{Ts: 2000, Counter: 0, NodeID: "remote"},
		Table:  "notes",
		PK:     ops.Row{"id": strv("n1")},
		Values: ops.Row{"id": strv("n1"), "body": strv("newer")},
	}
	require.NoError(t, a.Apply(fresh))

	stale := ops.Operation{
		Kind:   ops.KindUpdate,
		HLC:    hlc.Timestamp{Ts: 1000, Counter: 0, NodeID: "remote"},
		Table:  "notes",
		PK:     ops.Row{"id": strv("n1")},
		Values: ops.Row{"body": strv("older")},
	}
	require.NoError(t, a.Apply(stale))

	res, err := a.Execute(`SELECT body FROM notes WHERE id = ?`, []ops.Value{strv("n1")})
	require.NoError(t, err)
	require.Equal(t, "newer", *res.Rows[0][0].Str)
}

func TestSnapshotAndLoadRoundTrip(t *testing.T) {
	a := openTestAdapter(t)
	_, err := a.Execute(`INSERT INTO notes (id, body) VALUES (?, ?)`, []ops.Value{strv("n1"), strv("hi")})
	require.NoError(t, err)

	snap, err := a.Snapshot()
	require.NoError(t, err)
	require.NotEmpty(t, snap)

	_, err = a.Execute(`INSERT INTO notes (id, body) VALUES (?, ?)`, []ops.Value{strv("n2"), strv("bye")})
	require.NoError(t, err)

	require.NoError(t, a.Load(snap))

	res, err := a.Execute(`SELECT id FROM notes`, nil)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	require.Equal(t, "n1", *res.Rows[0][0].Str)
}

func TestRecordLocalStampsWatermark(t *testing.T) {
	a := openTestAdapter(t)
	_, err := a.Execute(`INSERT INTO notes (id, body) VALUES (?, ?)`, []ops.Value{strv("n1"), strv("local")})
	require.NoError(t, err)

	localOp := ops.Operation{
		Kind:   ops.KindInsert,
		HLC:    hlc.Timestamp{Ts: 5000, Counter: 0, NodeID: "local"},
		Table:  "notes",
		PK:     ops.Row{"id": strv("n1")},
		Values: ops.Row{"id": strv("n1"), "body": strv("local")},
	}
	require.NoError(t, a.RecordLocal(localOp))

	stale := ops.Operation{
		Kind:   ops.KindUpdate,
		HLC:    hlc.Timestamp{Ts: 1000, Counter: 0, NodeID: "remote"},
		Table:  "notes",
		PK:     ops.Row{"id": strv("n1")},
		Values: ops.Row{"body": strv("should-not-apply")},
	}
	require.NoError(t, a.Apply(stale))

	res, err := a.Execute(`SELECT body FROM notes WHERE id = ?`, []ops.Value{strv("n1")})
	require.NoError(t, err)
	require.Equal(t, "local", *res.Rows[0][0].Str)
}

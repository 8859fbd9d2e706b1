// Package sqlstore is the SQL collaborator adapter (C4): it wraps a real
// SQL engine (modernc.org/sqlite, a pure-Go SQLite implementation) and
// exposes the narrow capability set the replication core needs —
// execute, schema introspection, full-state snapshot/load, and
// deterministic replay of a remote operation.
//
// The adapter is single-threaded: spec §4.4/§5 require that only one SQL
// operation executes at a time, so every exported method takes the same
// mutex before touching the database.
package sqlstore

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/kholbekj/ledger/internal/ops"
	_ "modernc.org/sqlite"
)

// ExecResult is the shape spec §4.4 calls for: the columns and rows of a
// query, or the number of rows changed by a mutation.
type ExecResult struct {
	Columns []string
	Rows    [][]ops.Value
	Changes int64
}

// Adapter is the concrete SQL collaborator. It implements ops.SchemaView
// and ops.RowEnumerator so the extractor (C2) can be driven directly from
// it.
type Adapter struct {
	mu   sync.Mutex
	db   *sql.DB
	path string

	schema      map[string]ops.TableSchema
	schemaValid bool
}

// Open opens (creating if necessary) a SQLite database at path.
func Open(path string) (*Adapter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", path, err)
	}
	// modernc.org/sqlite's driver is not safe for concurrent writers on
	// the same connection pool by default; the adapter's own mutex makes
	// the pool size irrelevant, but pinning it to 1 keeps errors loud if
	// that invariant is ever violated from outside this package.
	db.SetMaxOpenConns(1)
	return &Adapter{db: db, path: path}, nil
}

// Close closes the underlying database handle.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.db.Close()
}

// Execute runs stmt with params and returns its result set (for a query)
// or row-change count (for a mutation).
func (a *Adapter) Execute(stmt string, params []ops.Value) (ExecResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ops.IsDDL(stmt) {
		a.schemaValid = false
	}

	if isQuery(stmt) {
		return a.queryLocked(stmt, params)
	}
	return a.execLocked(stmt, params)
}

func (a *Adapter) execLocked(stmt string, params []ops.Value) (ExecResult, error) {
	res, err := a.db.Exec(stmt, toDriverValues(params)...)
	if err != nil {
		return ExecResult{}, fmt.Errorf("sqlstore: exec: %w", err)
	}
	changes, err := res.RowsAffected()
	if err != nil {
		return ExecResult{}, fmt.Errorf("sqlstore: rows affected: %w", err)
	}
	return ExecResult{Changes: changes}, nil
}

func (a *Adapter) queryLocked(stmt string, params []ops.Value) (ExecResult, error) {
	rows, err := a.db.Query(stmt, toDriverValues(params)...)
	if err != nil {
		return ExecResult{}, fmt.Errorf("sqlstore: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return ExecResult{}, fmt.Errorf("sqlstore: columns: %w", err)
	}

	var out [][]ops.Value
	for rows.Next() {
		row, err := scanRow(rows, len(cols))
		if err != nil {
			return ExecResult{}, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return ExecResult{}, fmt.Errorf("sqlstore: iterate rows: %w", err)
	}
	return ExecResult{Columns: cols, Rows: out}, nil
}

func scanRow(rows *sql.Rows, n int) ([]ops.Value, error) {
	raw := make([]any, n)
	ptrs := make([]any, n)
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("sqlstore: scan: %w", err)
	}
	row := make([]ops.Value, n)
	for i, v := range raw {
		row[i] = fromDriverValue(v)
	}
	return row, nil
}

// isQuery decides whether stmt should run through Query (result set) or
// Exec (change count). SELECT, PRAGMA, and (loosely) anything starting
// with a CTE feeding a SELECT return rows; everything else is a command.
func isQuery(stmt string) bool {
	trimmed := strings.TrimSpace(strings.ToUpper(stmt))
	return strings.HasPrefix(trimmed, "SELECT") || strings.HasPrefix(trimmed, "WITH") || strings.HasPrefix(trimmed, "PRAGMA")
}

// EnumeratePK implements ops.RowEnumerator: it runs
// "SELECT <pkCols> FROM table WHERE whereClause" with whereParams bound,
// and returns one ops.Row per matching record.
func (a *Adapter) EnumeratePK(table string, pkCols []string, whereClause string, whereParams []ops.Value) ([]ops.Row, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(pkCols, ", "), table, whereClause)
	rows, err := a.db.Query(stmt, toDriverValues(whereParams)...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: enumerate pk: %w", err)
	}
	defer rows.Close()

	var out []ops.Row
	for rows.Next() {
		vals, err := scanRow(rows, len(pkCols))
		if err != nil {
			return nil, err
		}
		row := make(ops.Row, len(pkCols))
		for i, c := range pkCols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: enumerate pk: iterate: %w", err)
	}
	return out, nil
}

// Apply deterministically reflects a remote operation as SQL (spec §4.4),
// but only if it wins last-write-wins against whatever was last applied
// to that row: an op whose HLC does not exceed the stored watermark is a
// silent no-op, since a causally later write (local or remote) has
// already superseded it.
func (a *Adapter) Apply(op ops.Operation) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	admit, err := a.admitLocked(op, op.Kind == ops.KindDelete)
	if err != nil {
		return err
	}
	if !admit {
		return nil
	}

	switch op.Kind {
	case ops.KindInsert:
		return a.applyInsertLocked(op)
	case ops.KindUpdate:
		return a.applyUpdateLocked(op)
	case ops.KindDelete:
		return a.applyDeleteLocked(op)
	default:
		return fmt.Errorf("sqlstore: apply: unknown op kind %q", op.Kind)
	}
}

func (a *Adapter) applyInsertLocked(op ops.Operation) error {
	cols := make([]string, 0, len(op.Values))
	placeholders := make([]string, 0, len(op.Values))
	vals := make([]ops.Value, 0, len(op.Values))
	for col, v := range op.Values {
		cols = append(cols, col)
		placeholders = append(placeholders, "?")
		vals = append(vals, v)
	}
	stmt := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		op.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	_, err := a.db.Exec(stmt, toDriverValues(vals)...)
	if err != nil {
		return fmt.Errorf("sqlstore: apply insert: %w", err)
	}
	return nil
}

func (a *Adapter) applyUpdateLocked(op ops.Operation) error {
	setCols := make([]string, 0, len(op.Values))
	vals := make([]ops.Value, 0, len(op.Values)+len(op.PK))
	for col, v := range op.Values {
		setCols = append(setCols, col+" = ?")
		vals = append(vals, v)
	}
	whereCols := make([]string, 0, len(op.PK))
	for col, v := range op.PK {
		whereCols = append(whereCols, col+" = ?")
		vals = append(vals, v)
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		op.Table, strings.Join(setCols, ", "), strings.Join(whereCols, " AND "))
	_, err := a.db.Exec(stmt, toDriverValues(vals)...)
	if err != nil {
		return fmt.Errorf("sqlstore: apply update: %w", err)
	}
	return nil
}

func (a *Adapter) applyDeleteLocked(op ops.Operation) error {
	whereCols := make([]string, 0, len(op.PK))
	vals := make([]ops.Value, 0, len(op.PK))
	for col, v := range op.PK {
		whereCols = append(whereCols, col+" = ?")
		vals = append(vals, v)
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", op.Table, strings.Join(whereCols, " AND "))
	_, err := a.db.Exec(stmt, toDriverValues(vals)...)
	if err != nil {
		return fmt.Errorf("sqlstore: apply delete: %w", err)
	}
	return nil
}

// Snapshot returns the full on-disk database file as bytes, checkpointing
// the write-ahead log first so the file reflects every committed write.
func (a *Adapter) Snapshot() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.db.Exec("PRAGMA wal_checkpoint(FULL)"); err != nil {
		return nil, fmt.Errorf("sqlstore: checkpoint: %w", err)
	}
	data, err := os.ReadFile(a.path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: read snapshot: %w", err)
	}
	return data, nil
}

// Load replaces the database contents with a previously captured
// snapshot. The existing connection is closed and reopened against the
// new file, mirroring the teacher's atomic-rename snapshot swap.
func (a *Adapter) Load(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.db.Close(); err != nil {
		return fmt.Errorf("sqlstore: close before load: %w", err)
	}

	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("sqlstore: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, a.path); err != nil {
		return fmt.Errorf("sqlstore: swap snapshot: %w", err)
	}

	db, err := sql.Open("sqlite", a.path)
	if err != nil {
		return fmt.Errorf("sqlstore: reopen after load: %w", err)
	}
	db.SetMaxOpenConns(1)
	a.db = db
	a.schemaValid = false
	return nil
}

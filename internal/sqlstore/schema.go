package sqlstore

import (
	"fmt"
	"sort"

	"github.com/kholbekj/ledger/internal/ops"
)

// Table implements ops.SchemaView, refreshing the cached schema on first
// use or after any DDL statement has invalidated it.
func (a *Adapter) Table(name string) (ops.TableSchema, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.schemaValid {
		if err := a.refreshSchemaLocked(); err != nil {
			// Schema introspection failures are surfaced to callers as
			// "table not found" — Extract already treats that as "skip,
			// no operation", which is the safe behavior when the schema
			// can't be trusted.
			return ops.TableSchema{}, false
		}
	}
	t, ok := a.schema[name]
	return t, ok
}

func (a *Adapter) refreshSchemaLocked() error {
	rows, err := a.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name != ?`, lwwMetaTable)
	if err != nil {
		return fmt.Errorf("sqlstore: list tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("sqlstore: scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	schema := make(map[string]ops.TableSchema, len(tables))
	for _, table := range tables {
		ts, err := a.introspectTableLocked(table)
		if err != nil {
			return err
		}
		schema[table] = ts
	}
	a.schema = schema
	a.schemaValid = true
	return nil
}

type pkColumn struct {
	name string
	seq  int // 1-based position within the primary key, per pragma_table_info
}

func (a *Adapter) introspectTableLocked(table string) (ops.TableSchema, error) {
	rows, err := a.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return ops.TableSchema{}, fmt.Errorf("sqlstore: introspect %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	var pks []pkColumn
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return ops.TableSchema{}, fmt.Errorf("sqlstore: scan table_info(%s): %w", table, err)
		}
		cols = append(cols, name)
		if pk > 0 {
			pks = append(pks, pkColumn{name: name, seq: pk})
		}
	}
	if err := rows.Err(); err != nil {
		return ops.TableSchema{}, err
	}

	sort.Slice(pks, func(i, j int) bool { return pks[i].seq < pks[j].seq })
	pkCols := make([]string, len(pks))
	for i, p := range pks {
		pkCols[i] = p.name
	}

	return ops.TableSchema{Columns: cols, PKColumns: pkCols}, nil
}

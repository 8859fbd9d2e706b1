package ops

import (
	"regexp"
	"strings"

	"github.com/kholbekj/ledger/internal/hlc"
)

// RowEnumerator runs the "which rows does this WHERE clause affect"
// pre-query an UPDATE/DELETE extraction needs (spec §4.2): before the
// mutating statement executes, the extractor asks for the primary-key
// columns of every row the WHERE clause currently matches.
type RowEnumerator interface {
	EnumeratePK(table string, pkCols []string, whereClause string, whereParams []Value) ([]Row, error)
}

var (
	insertRE = regexp.MustCompile(`(?is)^\s*INSERT\s+(?:OR\s+\w+\s+)?INTO\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\(([^)]*)\)\s*VALUES\s*\(([^)]*)\)\s*;?\s*$`)
	updateRE = regexp.MustCompile(`(?is)^\s*UPDATE\s+([a-zA-Z_][a-zA-Z0-9_]*)\s+SET\s+(.+?)(?:\s+WHERE\s+(.+?))?\s*;?\s*$`)
	deleteRE = regexp.MustCompile(`(?is)^\s*DELETE\s+FROM\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*(?:WHERE\s+(.+?))?\s*;?\s*$`)

	setAssignRE = regexp.MustCompile(`^\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*=\s*\?\s*$`)
)

// firstKeyword returns the statement's leading SQL keyword, upper-cased,
// after trimming whitespace — spec §4.2's "only the first keyword
// determines mutation class".
func firstKeyword(stmt string) string {
	trimmed := strings.TrimSpace(stmt)
	end := strings.IndexFunc(trimmed, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' })
	if end < 0 {
		end = len(trimmed)
	}
	return strings.ToUpper(trimmed[:end])
}

// Extract derives the operations implied by executing stmt with params at
// timestamp ts. A nil, nil return means the statement is not a
// row-scoped mutation eligible for replication (not an error — spec
// Op.Extract policy: local execution proceeds regardless).
func Extract(stmt string, params []Value, ts hlc.Timestamp, schema SchemaView, enum RowEnumerator) ([]Operation, error) {
	switch firstKeyword(stmt) {
	case "INSERT":
		op, ok := extractInsert(stmt, params, ts, schema)
		if !ok {
			return nil, nil
		}
		return []Operation{op}, nil
	case "UPDATE":
		return extractUpdate(stmt, params, ts, schema, enum)
	case "DELETE":
		return extractDelete(stmt, params, ts, schema, enum)
	default:
		return nil, nil
	}
}

func extractInsert(stmt string, params []Value, ts hlc.Timestamp, schema SchemaView) (Operation, bool) {
	m := insertRE.FindStringSubmatch(stmt)
	if m == nil {
		return Operation{}, false
	}
	table := m[1]
	cols := splitColumns(m[2])

	tbl, ok := schema.Table(table)
	if !ok || !tbl.Synced() {
		return Operation{}, false
	}
	if len(cols) != len(params) {
		return Operation{}, false
	}

	values := make(Row, len(cols))
	for i, c := range cols {
		values[c] = params[i]
	}

	pk := make(Row, len(tbl.PKColumns))
	for _, pkCol := range tbl.PKColumns {
		v, ok := values[pkCol]
		if !ok {
			// PK column missing from the INSERT column list — spec §4.2:
			// no operation is produced, local execution still runs.
			return Operation{}, false
		}
		pk[pkCol] = v
	}

	return Operation{Kind: KindInsert, HLC: ts, Table: table, PK: pk, Values: values}, true
}

func extractUpdate(stmt string, params []Value, ts hlc.Timestamp, schema SchemaView, enum RowEnumerator) ([]Operation, error) {
	m := updateRE.FindStringSubmatch(stmt)
	if m == nil {
		return nil, nil
	}
	table := m[1]
	setList := m[2]
	where := strings.TrimSpace(m[3])
	if where == "" {
		where = "1=1"
	}

	tbl, ok := schema.Table(table)
	if !ok || !tbl.Synced() {
		return nil, nil
	}

	setCols, ok := parseSetAssignments(setList)
	if !ok {
		// Non-simple SET expression (e.g. "col = col + ?"): reject at
		// extraction time rather than silently produce a wrong value map.
		return nil, nil
	}
	if len(setCols) > len(params) {
		return nil, nil
	}
	setParams, whereParams := params[:len(setCols)], params[len(setCols):]

	rows, err := enum.EnumeratePK(table, tbl.PKColumns, where, whereParams)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	setValues := make(Row, len(setCols))
	for i, c := range setCols {
		setValues[c] = setParams[i]
	}

	opsOut := make([]Operation, 0, len(rows))
	for _, pk := range rows {
		opsOut = append(opsOut, Operation{
			Kind: KindUpdate, HLC: ts, Table: table, PK: pk, Values: setValues,
		})
	}
	return opsOut, nil
}

func extractDelete(stmt string, params []Value, ts hlc.Timestamp, schema SchemaView, enum RowEnumerator) ([]Operation, error) {
	m := deleteRE.FindStringSubmatch(stmt)
	if m == nil {
		return nil, nil
	}
	table := m[1]
	where := strings.TrimSpace(m[2])
	if where == "" {
		where = "1=1"
	}

	tbl, ok := schema.Table(table)
	if !ok || !tbl.Synced() {
		return nil, nil
	}

	rows, err := enum.EnumeratePK(table, tbl.PKColumns, where, params)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	opsOut := make([]Operation, 0, len(rows))
	for _, pk := range rows {
		opsOut = append(opsOut, Operation{Kind: KindDelete, HLC: ts, Table: table, PK: pk})
	}
	return opsOut, nil
}

// splitColumns splits a comma-separated column list, trimming whitespace
// and any surrounding quote characters.
func splitColumns(list string) []string {
	parts := strings.Split(list, ",")
	cols := make([]string, 0, len(parts))
	for _, p := range parts {
		c := strings.Trim(strings.TrimSpace(p), "`\"[]")
		if c != "" {
			cols = append(cols, c)
		}
	}
	return cols
}

// parseSetAssignments splits a SET clause's comma-separated assignment
// list and validates every item is a simple "col = ?" form.
func parseSetAssignments(setList string) ([]string, bool) {
	parts := strings.Split(setList, ",")
	cols := make([]string, 0, len(parts))
	for _, p := range parts {
		m := setAssignRE.FindStringSubmatch(p)
		if m == nil {
			return nil, false
		}
		cols = append(cols, m[1])
	}
	return cols, true
}

// IsDDL reports whether stmt is a schema-modifying statement that
// should trigger a schema-cache refresh (spec §4.2).
func IsDDL(stmt string) bool {
	switch firstKeyword(stmt) {
	case "CREATE", "ALTER", "DROP":
		return true
	default:
		return false
	}
}

// IsMutation reports whether stmt's leading keyword is one of the three
// row-scoped mutation classes this system replicates.
func IsMutation(stmt string) bool {
	switch firstKeyword(stmt) {
	case "INSERT", "UPDATE", "DELETE":
		return true
	default:
		return false
	}
}

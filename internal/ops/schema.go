package ops

// TableSchema describes one table's columns and declared primary key, as
// introspected from the SQL engine (spec §4.2/§4.4).
type TableSchema struct {
	Columns   []string
	PKColumns []string
}

// Synced reports whether a table participates in replication. A table
// with no declared primary-key columns is never synced (spec §4.2).
func (t TableSchema) Synced() bool { return len(t.PKColumns) > 0 }

// SchemaView is the read-only schema lookup the extractor needs. The SQL
// collaborator adapter (C4) is the concrete implementation.
type SchemaView interface {
	Table(name string) (TableSchema, bool)
}

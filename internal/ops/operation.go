// Package ops defines the row-scoped operation model extracted from SQL
// mutations (spec §3/§4.2): INSERT/UPDATE/DELETE statements on tables
// with a primary key become Operation values tagged with a Hybrid
// Logical Clock timestamp, which is everything the rest of the system
// needs to replicate and merge them deterministically.
package ops

import "github.com/kholbekj/ledger/internal/hlc"

// Kind identifies which SQL mutation class an Operation represents.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Value is a SQL-typed payload: exactly one of the fields below is
// populated (or Null is true for a SQL NULL). Bytes is transmitted as a
// base64 string over the wire (spec §6), which is what encoding/json
// already does for a []byte field.
type Value struct {
	Null  bool     `json:"null,omitempty"`
	Bool  *bool    `json:"bool,omitempty"`
	I64   *int64   `json:"i64,omitempty"`
	F64   *float64 `json:"f64,omitempty"`
	Str   *string  `json:"str,omitempty"`
	Bytes []byte   `json:"bytes,omitempty"`
}

// Row is a column name to typed value mapping, used for both the
// primary-key columns and the SET/insert columns of an Operation.
type Row map[string]Value

// Operation is the tagged variant from spec §3: an Insert, Update, or
// Delete targeting one row of one table, tagged with the HLC timestamp
// of the mutation that produced it.
type Operation struct {
	Kind   Kind          `json:"kind"`
	HLC    hlc.Timestamp `json:"hlc"`
	Table  string        `json:"table"`
	PK     Row           `json:"pk"`               // primary-key columns; always non-empty
	Values Row           `json:"values,omitempty"` // SET/insert columns; nil for Delete
}

// Key returns the op-log key for this operation: the HLC string of its
// timestamp. Two operations with the same Key are, by HLC monotonicity
// and the nodeId tiebreaker, the same operation.
func (o Operation) Key() string { return o.HLC.String() }

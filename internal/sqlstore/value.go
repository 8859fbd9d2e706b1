package sqlstore

import "github.com/kholbekj/ledger/internal/ops"

// toDriverValues converts a slice of typed ops.Value into the bare `any`
// slice database/sql expects as bound parameters.
func toDriverValues(vals []ops.Value) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = toDriverValue(v)
	}
	return out
}

func toDriverValue(v ops.Value) any {
	switch {
	case v.Null:
		return nil
	case v.Bool != nil:
		return *v.Bool
	case v.I64 != nil:
		return *v.I64
	case v.F64 != nil:
		return *v.F64
	case v.Str != nil:
		return *v.Str
	case v.Bytes != nil:
		return v.Bytes
	default:
		return nil
	}
}

// fromDriverValue converts a value scanned out of database/sql (always one
// of nil, int64, float64, bool, string, or []byte) back into a typed
// ops.Value.
func fromDriverValue(v any) ops.Value {
	switch t := v.(type) {
	case nil:
		return ops.Value{Null: true}
	case int64:
		return ops.Value{I64: &t}
	case float64:
		return ops.Value{F64: &t}
	case bool:
		return ops.Value{Bool: &t}
	case string:
		return ops.Value{Str: &t}
	case []byte:
		b := make([]byte, len(t))
		copy(b, t)
		return ops.Value{Bytes: b}
	default:
		s := ""
		return ops.Value{Str: &s}
	}
}

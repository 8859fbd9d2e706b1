package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kholbekj/ledger/internal/ops"
)

// lwwMetaTable is the hidden bookkeeping table backing the chosen
// conflict-resolution strategy: per-row highest-applied-HLC metadata.
// Every remote operation is checked against it before being reflected as
// SQL, and every local mutation records its own HLC here too, so a later
// remote op racing against a local write compares against the right
// watermark regardless of which side saw it first.
const lwwMetaTable = "__lww_meta"

func (a *Adapter) ensureLWWTableLocked() error {
	_, err := a.db.Exec(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			table_name TEXT NOT NULL,
			pk_json    TEXT NOT NULL,
			hlc        TEXT NOT NULL,
			deleted    INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (table_name, pk_json)
		)`, lwwMetaTable))
	if err != nil {
		return fmt.Errorf("sqlstore: ensure lww table: %w", err)
	}
	return nil
}

func pkKey(pk ops.Row) (string, error) {
	// Deterministic JSON: ops.Row is a map, so Go's json.Marshal sorts
	// keys lexicographically for us.
	data, err := json.Marshal(pk)
	if err != nil {
		return "", fmt.Errorf("sqlstore: marshal pk: %w", err)
	}
	return string(data), nil
}

// RecordLocal stamps the LWW watermark for a locally-originated operation
// without re-executing its SQL (the caller already ran the real
// statement through Execute). This keeps the watermark table authoritative
// for local writes too, so a remote op that raced against them is
// compared against the right value instead of always winning.
func (a *Adapter) RecordLocal(op ops.Operation) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureLWWTableLocked(); err != nil {
		return err
	}
	key, err := pkKey(op.PK)
	if err != nil {
		return err
	}
	deleted := 0
	if op.Kind == ops.KindDelete {
		deleted = 1
	}
	_, err = a.db.Exec(
		fmt.Sprintf("INSERT OR REPLACE INTO %s (table_name, pk_json, hlc, deleted) VALUES (?, ?, ?, ?)", lwwMetaTable),
		op.Table, key, op.Key(), deleted,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: record local watermark: %w", err)
	}
	return nil
}

// admitLocked reports whether op's HLC exceeds the previously recorded
// watermark for (table, pk) — i.e. whether it should actually be applied
// — and, only when it is admitted, records op's HLC as the new watermark.
func (a *Adapter) admitLocked(op ops.Operation, deleted bool) (bool, error) {
	if err := a.ensureLWWTableLocked(); err != nil {
		return false, err
	}
	key, err := pkKey(op.PK)
	if err != nil {
		return false, err
	}

	var storedHLC string
	err = a.db.QueryRow(
		fmt.Sprintf("SELECT hlc FROM %s WHERE table_name = ? AND pk_json = ?", lwwMetaTable),
		op.Table, key,
	).Scan(&storedHLC)
	switch {
	case err == sql.ErrNoRows:
		// first time we've seen this row; always admit
	case err != nil:
		return false, fmt.Errorf("sqlstore: read lww watermark: %w", err)
	default:
		if op.Key() <= storedHLC {
			return false, nil
		}
	}

	deletedInt := 0
	if deleted {
		deletedInt = 1
	}
	_, err = a.db.Exec(
		fmt.Sprintf("INSERT OR REPLACE INTO %s (table_name, pk_json, hlc, deleted) VALUES (?, ?, ?, ?)", lwwMetaTable),
		op.Table, key, op.Key(), deletedInt,
	)
	if err != nil {
		return false, fmt.Errorf("sqlstore: write lww watermark: %w", err)
	}
	return true, nil
}

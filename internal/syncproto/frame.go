// Package syncproto implements the wire framing (C9) sent over each
// peer's data channel: live operation broadcasts, and a request/response
// pair for delta or full sync keyed by an HLC string cursor.
package syncproto

import (
	"encoding/json"
	"fmt"

	"github.com/kholbekj/ledger/internal/ops"
)

const (
	TypeOp           = "op"
	TypeSyncRequest  = "sync-request"
	TypeSyncResponse = "sync-response"
	TypePing         = "ping"
	TypePong         = "pong"
)

// Frame is the single JSON shape every data-channel message takes: one
// frame per message, fields populated per Type (spec §4.9).
type Frame struct {
	Type         string          `json:"type"`
	Payload      *ops.Operation  `json:"payload,omitempty"`
	Version      string          `json:"version,omitempty"`
	FromVersion  string          `json:"fromVersion,omitempty"`
	Operations   []ops.Operation `json:"operations,omitempty"`
}

// Encode marshals f as a single JSON text frame.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("syncproto: encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

// Decode parses a single JSON text frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("syncproto: decode frame: %w", err)
	}
	return f, nil
}

// OpFrame builds a live operation-broadcast frame; version always equals
// the HLC string of the operation itself.
func OpFrame(op ops.Operation) Frame {
	return Frame{Type: TypeOp, Payload: &op, Version: op.Key()}
}

// SyncRequestFrame builds a delta (or, with an empty cursor, full) sync
// request.
func SyncRequestFrame(fromVersion string) Frame {
	return Frame{Type: TypeSyncRequest, FromVersion: fromVersion}
}

// SyncResponseFrame builds a sync reply: every operation the responder
// has newer than the request's cursor, plus the responder's own current
// latest HLC string (empty if it has logged nothing yet).
func SyncResponseFrame(operations []ops.Operation, version string) Frame {
	return Frame{Type: TypeSyncResponse, Operations: operations, Version: version}
}

func PingFrame() Frame { return Frame{Type: TypePing} }
func PongFrame() Frame { return Frame{Type: TypePong} }

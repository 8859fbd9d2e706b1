// Package hlc implements a Hybrid Logical Clock: a timestamp that combines
// physical wall-clock time with a logical counter so that causally related
// events across nodes always compare in happened-before order, even when
// wall clocks drift or regress.
//
// Big idea:
//
//  1. Every timestamp is a triple (ts, counter, nodeId).
//  2. ts tracks physical time, advancing whenever the wall clock moves
//     forward.
//  3. counter breaks ties when the wall clock hasn't moved (multiple
//     events in the same millisecond) or has gone backwards.
//  4. nodeId is the final tiebreaker, guaranteeing two different nodes
//     never produce the same timestamp.
//
// This is the same trick real distributed databases (CockroachDB,
// MongoDB) use to get monotone, causally consistent timestamps without a
// central coordinator.
package hlc

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	tsWidth      = 11 // base36 digits for the ms value, padded; covers any ts below 36^11
	counterWidth = 5  // base36 digits for the logical counter, padded
)

// Timestamp is a single HLC value: physical milliseconds, a logical
// counter, and the node that produced it. Comparison is lexicographic
// over (Ts, Counter, NodeID).
type Timestamp struct {
	Ts      uint64 `json:"ts"`
	Counter uint32 `json:"counter"`
	NodeID  string `json:"nodeId"`
}

// Compare returns -1, 0, or 1 if t is before, equal to, or after other.
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.Ts != other.Ts:
		if t.Ts < other.Ts {
			return -1
		}
		return 1
	case t.Counter != other.Counter:
		if t.Counter < other.Counter {
			return -1
		}
		return 1
	case t.NodeID != other.NodeID:
		return strings.Compare(t.NodeID, other.NodeID)
	default:
		return 0
	}
}

// Before reports whether t happened strictly before other.
func (t Timestamp) Before(other Timestamp) bool { return t.Compare(other) < 0 }

// String renders the timestamp as a sortable string:
// base36(ts).pad(11) + "-" + base36(counter).pad(5) + "-" + nodeId.
// Because the numeric fields are fixed-width, lexicographic string order
// agrees with Compare order — this is what makes HLC strings usable as
// op-log keys and delta-sync cursors (spec §4.9).
func (t Timestamp) String() string {
	return fmt.Sprintf("%s-%s-%s",
		pad(strconv.FormatUint(t.Ts, 36), tsWidth),
		pad(strconv.FormatUint(uint64(t.Counter), 36), counterWidth),
		t.NodeID,
	)
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

// Parse recovers a Timestamp from its String() form. nodeId may itself
// contain "-", so it is reassembled from every segment after the first
// two fixed-width fields.
func Parse(s string) (Timestamp, error) {
	parts := strings.SplitN(s, "-", 3)
	if len(parts) != 3 {
		return Timestamp{}, fmt.Errorf("hlc: malformed timestamp %q", s)
	}
	if len(parts[0]) < tsWidth || len(parts[1]) < counterWidth {
		return Timestamp{}, fmt.Errorf("hlc: malformed timestamp %q: numeric fields not padded", s)
	}
	ts, err := strconv.ParseUint(parts[0], 36, 64)
	if err != nil {
		return Timestamp{}, fmt.Errorf("hlc: bad ts field in %q: %w", s, err)
	}
	counter, err := strconv.ParseUint(parts[1], 36, 32)
	if err != nil {
		return Timestamp{}, fmt.Errorf("hlc: bad counter field in %q: %w", s, err)
	}
	return Timestamp{Ts: ts, Counter: uint32(counter), NodeID: parts[2]}, nil
}

// Clock is a node-local Hybrid Logical Clock. It is safe for concurrent
// use; Now and Receive are atomic with respect to each other.
type Clock struct {
	mu      sync.Mutex
	ts      uint64
	counter uint32
	nodeID  string
}

// New creates a Clock tagged with nodeID. nodeID is used as the final
// tiebreaker in every timestamp this clock produces.
func New(nodeID string) *Clock {
	return &Clock{nodeID: nodeID}
}

// wallNowMs is overridable in tests to simulate clock skew/regression.
var wallNowMs = func() uint64 { return uint64(time.Now().UnixMilli()) }

// Now produces a new timestamp, guaranteed to be strictly greater (under
// Compare) than every timestamp this clock has previously produced or
// received.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := wallNowMs()
	if p > c.ts {
		c.ts = p
		c.counter = 0
	} else {
		c.counter++
	}
	return Timestamp{Ts: c.ts, Counter: c.counter, NodeID: c.nodeID}
}

// Receive merges an observed remote timestamp into the local clock and
// returns the resulting local timestamp, which is guaranteed to be
// strictly greater than remote.
func (c *Clock) Receive(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := wallNowMs()
	m := max3(c.ts, remote.Ts, p)

	switch {
	case m == c.ts && m == remote.Ts:
		c.counter = max32(c.counter, remote.Counter) + 1
	case m == c.ts:
		c.counter++
	case m == remote.Ts:
		c.ts = remote.Ts
		c.counter = remote.Counter + 1
	default:
		c.ts = p
		c.counter = 0
	}
	return Timestamp{Ts: c.ts, Counter: c.counter, NodeID: c.nodeID}
}

func max3(a, b, c uint64) uint64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

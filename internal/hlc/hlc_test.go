package hlc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNowIsMonotone(t *testing.T) {
	c := New("node-a")
	prev := c.Now()
	for i := 0; i < 100; i++ {
		next := c.Now()
		require.Less(t, prev.Compare(next), 0)
		prev = next
	}
}

func TestNowAbsorbsWallClockRegression(t *testing.T) {
	orig := wallNowMs
	defer func() { wallNowMs = orig }()

	tick := uint64(1000)
	wallNowMs = func() uint64 { return tick }

	c := New("node-a")
	first := c.Now()

	tick = 500 // wall clock jumps backwards
	second := c.Now()

	require.Less(t, first.Compare(second), 0)
	require.Equal(t, first.Ts, second.Ts) // ts held steady, counter advanced
}

func TestReceiveIsCausallyGreater(t *testing.T) {
	c := New("node-a")
	remote := Timestamp{Ts: 5000, Counter: 3, NodeID: "node-b"}

	result := c.Receive(remote)
	require.Less(t, remote.Compare(result), 0)
}

func TestReceiveTiesBrokenByCounter(t *testing.T) {
	orig := wallNowMs
	defer func() { wallNowMs = orig }()
	wallNowMs = func() uint64 { return 1000 }

	c := New("node-a")
	c.ts = 1000
	c.counter = 2

	remote := Timestamp{Ts: 1000, Counter: 5, NodeID: "node-b"}
	result := c.Receive(remote)

	require.Equal(t, uint32(6), result.Counter)
}

func TestStringRoundTrip(t *testing.T) {
	cases := []Timestamp{
		{Ts: 0, Counter: 0, NodeID: "n1"},
		{Ts: 1732550400000, Counter: 42, NodeID: "node-with-dashes-in-it"},
		{Ts: 9999999999999, Counter: 99999, NodeID: "x"},
	}
	for _, want := range cases {
		s := want.String()
		got, err := Parse(s)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestStringOrderPreservesCompareOrder(t *testing.T) {
	a := Timestamp{Ts: 100, Counter: 1, NodeID: "a"}
	b := Timestamp{Ts: 100, Counter: 2, NodeID: "a"}
	c := Timestamp{Ts: 101, Counter: 0, NodeID: "a"}

	require.Less(t, a.Compare(b), 0)
	require.Less(t, b.Compare(c), 0)
	require.True(t, a.String() < b.String())
	require.True(t, b.String() < c.String())
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := Parse("not-a-timestamp")
	require.Error(t, err)
}

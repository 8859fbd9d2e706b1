package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmitInvokesListenersInRegistrationOrder(t *testing.T) {
	b := New()
	var got []int
	b.On("tick", func(v any) { got = append(got, v.(int)) })
	b.On("tick", func(v any) { got = append(got, v.(int)*10) })

	b.Emit("tick", 1)
	require.Equal(t, []int{1, 10}, got)
}

func TestEmitOnUnknownEventIsNoOp(t *testing.T) {
	b := New()
	require.NotPanics(t, func() { b.Emit("nothing-registered", 1) })
}

func TestListenerCanRegisterAnotherListenerMidEmission(t *testing.T) {
	b := New()
	var calls []string
	b.On("tick", func(v any) {
		calls = append(calls, "first")
		b.On("tick", func(v any) { calls = append(calls, "late") })
	})

	b.Emit("tick", nil)
	b.Emit("tick", nil)

	require.Equal(t, []string{"first", "first", "late"}, calls)
}

func TestPanickingListenerIsRecoveredAndForwardedToError(t *testing.T) {
	b := New()
	var caught error
	b.On("error", func(v any) { caught = v.(error) })
	b.On("tick", func(v any) { panic("boom") })

	require.NotPanics(t, func() { b.Emit("tick", nil) })
	require.Error(t, caught)
	require.Contains(t, caught.Error(), "tick")
	require.Contains(t, caught.Error(), "boom")
}

func TestPanickingListenerDoesNotStopLaterListeners(t *testing.T) {
	b := New()
	var ran bool
	b.On("tick", func(v any) { panic("boom") })
	b.On("tick", func(v any) { ran = true })

	b.Emit("tick", nil)
	require.True(t, ran)
}

func TestPanickingErrorListenerDoesNotRecurseForever(t *testing.T) {
	b := New()
	calls := 0
	b.On("error", func(v any) {
		calls++
		panic("error listener itself panics")
	})

	require.NotPanics(t, func() { b.Emit("error", nil) })
	require.Equal(t, 1, calls)
}

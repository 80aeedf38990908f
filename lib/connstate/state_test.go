package connstate

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testBackoff(t *testing.T) *Backoff {
	t.Helper()
	b, err := NewBackoff(BackoffConfig{Base: time.Second, Max: 30 * time.Second, Rand: rand.New(rand.NewSource(42))})
	require.NoError(t, err)
	return b
}

func TestMachineLegalTransitions(t *testing.T) {
	m := New(0, testBackoff(t))
	require.Equal(t, StateIdle, m.State())

	require.NoError(t, m.Transition(StateConnecting))
	require.NoError(t, m.Transition(StateAuthenticating))
	require.NoError(t, m.Transition(StateReady))
	require.Equal(t, StateReady, m.State())

	ev, ok := m.Events()()
	require.True(t, ok)
	sc := ev.(StateChangeEvent)
	require.Equal(t, StateIdle, sc.From)
	require.Equal(t, StateConnecting, sc.To)
}

func TestMachineRejectsIllegalTransition(t *testing.T) {
	m := New(0, testBackoff(t))
	err := m.Transition(StateReady)
	require.Error(t, err)
}

func TestMachineReconnectingEmitsPolicyEvent(t *testing.T) {
	m := New(0, testBackoff(t))
	require.NoError(t, m.Transition(StateConnecting))
	require.NoError(t, m.Transition(StateReconnecting))

	var policy *PolicyEvent
	for {
		ev, ok := m.Events()()
		require.True(t, ok)
		if p, isPolicy := ev.(PolicyEvent); isPolicy {
			policy = &p
			break
		}
	}
	require.Equal(t, 1, policy.Attempt)
	require.Greater(t, policy.Delay, 0.0)
}

func TestMachineCloseFromAnyState(t *testing.T) {
	m := New(0, testBackoff(t))
	require.NoError(t, m.Transition(StateConnecting))
	require.NoError(t, m.Close())
	require.Equal(t, StateClosed, m.State())
	require.Error(t, m.Transition(StateConnecting))
}

func TestBackoffResetsOnReady(t *testing.T) {
	m := New(0, testBackoff(t))
	require.NoError(t, m.Transition(StateConnecting))
	require.NoError(t, m.Transition(StateReconnecting))
	require.NoError(t, m.Transition(StateConnecting))
	require.Greater(t, m.backoff.Attempts(), 0)

	require.NoError(t, m.Transition(StateAuthenticating))
	require.NoError(t, m.Transition(StateReady))
	require.Equal(t, 0, m.backoff.Attempts())
}

func TestBackoffDelayNeverExceedsMax(t *testing.T) {
	b := testBackoff(t)
	for i := 0; i < 50; i++ {
		d := b.Next()
		require.LessOrEqual(t, d, 30*time.Second)
		require.GreaterOrEqual(t, d, time.Duration(0))
	}
}

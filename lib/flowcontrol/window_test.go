package flowcontrol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConsumeRejectsOverdraw(t *testing.T) {
	w := NewWindow(10, 5)
	require.NoError(t, w.Consume(10))
	require.Equal(t, uint32(0), w.Available())
	require.Error(t, w.Consume(1))
}

func TestReleaseGrantsAtLowWatermark(t *testing.T) {
	w := NewWindow(100, 10)
	require.NoError(t, w.Consume(20))

	grant, ok := w.Release(5)
	require.False(t, ok)
	require.Zero(t, grant)

	grant, ok = w.Release(6)
	require.True(t, ok)
	require.Equal(t, uint32(11), grant)

	w.Grant(grant)
	require.Equal(t, uint32(91), w.Available())
}

func TestGateSuppressesGrantsUntilReopened(t *testing.T) {
	w := NewWindow(100, 5)
	require.NoError(t, w.Consume(50))
	w.SetGate(GateOffline)

	grant, ok := w.Release(10)
	require.False(t, ok)
	require.Zero(t, grant)

	grant, ok = w.SetGate(GateOpen)
	require.True(t, ok)
	require.Equal(t, uint32(10), grant)
}

func TestBackpressuredReflectsExhaustedCredit(t *testing.T) {
	w := NewWindow(4, 1)
	require.False(t, w.Backpressured())
	require.NoError(t, w.Consume(4))
	require.True(t, w.Backpressured())
}

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLifecycleHappyPath(t *testing.T) {
	t.Parallel()

	m := NewMachine()
	require.Equal(t, StateUninitialized, m.State())

	for _, to := range []State{
		StateAuthenticating,
		StateActive,
		StateReinitializing,
		StateAuthenticating,
		StateActive,
		StateCooldown,
		StateActive,
		StateTerminated,
	} {
		require.NoError(t, m.Transition(to), "to %s", to)
		require.Equal(t, to, m.State())
	}
}

func TestAuthFailureIsTerminal(t *testing.T) {
	t.Parallel()

	m := NewMachine()
	require.NoError(t, m.Transition(StateAuthenticating))
	require.NoError(t, m.Transition(StateAuthFailed))
	require.True(t, m.State().Terminal())

	require.Error(t, m.Transition(StateActive))
	require.Error(t, m.Transition(StateAuthenticating))
}

func TestIllegalEdgesRejected(t *testing.T) {
	t.Parallel()

	m := NewMachine()
	require.Error(t, m.Transition(StateActive))
	require.Error(t, m.Transition(StateCooldown))
	require.Equal(t, StateUninitialized, m.State())

	require.NoError(t, m.Transition(StateAuthenticating))
	require.Error(t, m.Transition(StateCooldown))
	require.Error(t, m.Transition(StateReinitializing))
}

func TestAnyStateMayTerminate(t *testing.T) {
	t.Parallel()

	m := NewMachine()
	require.NoError(t, m.Transition(StateTerminated))
	require.True(t, m.State().Terminal())

	m = NewMachine()
	require.NoError(t, m.Transition(StateAuthenticating))
	require.NoError(t, m.Transition(StateActive))
	require.NoError(t, m.Transition(StateCooldown))
	require.NoError(t, m.Transition(StateTerminated))
}

func TestStateStrings(t *testing.T) {
	t.Parallel()

	require.Equal(t, "UNINITIALIZED", StateUninitialized.String())
	require.Equal(t, "AUTH_FAILED", StateAuthFailed.String())
	require.Equal(t, "REINITIALIZING", StateReinitializing.String())
}

func TestPolicyDrawsStayInRange(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	for i := 0; i < 100; i++ {
		d := p.SuccessDelay()
		require.GreaterOrEqual(t, d, p.MinDelay)
		require.LessOrEqual(t, d, p.MaxDelay)

		d = p.PenaltyDelay()
		require.GreaterOrEqual(t, d, p.PenaltyMin)
		require.LessOrEqual(t, d, p.PenaltyMax)

		d = p.CooldownWindow()
		require.GreaterOrEqual(t, d, p.CooldownMin)
		require.LessOrEqual(t, d, p.CooldownMax)

		profiles, duration := p.SessionCaps()
		require.GreaterOrEqual(t, profiles, p.ProfileCapMin)
		require.LessOrEqual(t, profiles, p.ProfileCapMax)
		require.GreaterOrEqual(t, duration, p.SessionMin)
		require.LessOrEqual(t, duration, p.SessionMax)
	}
}

func TestPolicyCollapsedRange(t *testing.T) {
	t.Parallel()

	p := Policy{MinDelay: time.Second, MaxDelay: time.Second}
	require.Equal(t, time.Second, p.SuccessDelay())

	p = Policy{ProfileCapMin: 4, ProfileCapMax: 4}
	profiles, _ := p.SessionCaps()
	require.Equal(t, 4, profiles)
}

package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestAdmitRejectsNodeBelowMinVersion exercises Testable Property 11's
// first case: ant/node/1.0/0.4.14/1 rejected against MIN_NODE_VERSION 0.4.15.
func TestAdmitRejectsNodeBelowMinVersion(t *testing.T) {
	g := NewGate("0.4.15")
	ok, err := g.Admit("ant/node/1.0/0.4.14/1")
	require.NoError(t, err)
	require.False(t, ok)
}

// TestAdmitAcceptsClientRegardlessOfVersion exercises the second case:
// ant/client/1.0/0.1.0/1 accepted regardless of version.
func TestAdmitAcceptsClientRegardlessOfVersion(t *testing.T) {
	g := NewGate("0.4.15")
	ok, err := g.Admit("ant/client/1.0/0.1.0/1")
	require.NoError(t, err)
	require.True(t, ok)
}

// TestAdmitAcceptsPreReleaseStrippedToEqualFloor exercises the third case:
// ant/node/1.0/0.4.15-rc.1/1 compares as version 0.4.15 and is accepted.
func TestAdmitAcceptsPreReleaseStrippedToEqualFloor(t *testing.T) {
	g := NewGate("0.4.15")
	ok, err := g.Admit("ant/node/1.0/0.4.15-rc.1/1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAdmitRejectsUnknownRole(t *testing.T) {
	g := NewGate("0.4.15")
	ok, err := g.Admit("ant/superuser/1.0/1.0.0/1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAdmitRejectsLegacyNodeAgentString(t *testing.T) {
	g := NewGate("0.4.15")
	ok, err := g.Admit("ant/node/legacy-build")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestParseRejectsNonAgentString(t *testing.T) {
	_, err := Parse("not-an-agent-string/1/2/3")
	require.Error(t, err)
}

func TestNewGateFallsBackToDefaultOnInvalidOverride(t *testing.T) {
	g := NewGate("not-a-version")
	require.Equal(t, DefaultMinNodeVersion, g.minNodeVersion)
}

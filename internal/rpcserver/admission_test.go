package rpcserver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdmissionGlobalCapRejectsLastConnection(t *testing.T) {
	a := newAdmission(2, 100, nil)

	require.True(t, a.accept("203.0.113.1"))
	require.True(t, a.accept("203.0.113.2"))
	require.False(t, a.accept("203.0.113.3"))

	// Earlier admits are unaffected by the rejection.
	a.release("203.0.113.1")
	require.True(t, a.accept("203.0.113.3"))
}

func TestAdmissionSharedPrefixCapRejectsLastConnection(t *testing.T) {
	a := newAdmission(100, 2, nil)

	require.True(t, a.accept("203.0.113.1"))
	require.True(t, a.accept("203.0.113.2"))
	require.False(t, a.accept("203.0.113.3"))

	// A connection from a different /16 is unaffected.
	require.True(t, a.accept("198.51.100.1"))
}

func TestAdmissionIPv6ExemptFromSharedPrefixCap(t *testing.T) {
	a := newAdmission(100, 1, nil)

	require.True(t, a.accept("2001:db8::1"))
	require.True(t, a.accept("2001:db8::2"))
	require.True(t, a.accept("2001:db8::3"))
}

func TestAdmissionReleaseFreesSlot(t *testing.T) {
	a := newAdmission(1, 100, nil)

	require.True(t, a.accept("203.0.113.1"))
	require.False(t, a.accept("203.0.113.2"))

	a.release("203.0.113.1")
	require.True(t, a.accept("203.0.113.2"))
}

package addrspec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExpandSinglePortPairing(t *testing.T) {
	targets, err := Expand("0.0.0.0:7000", "127.0.0.1:7001")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	require.Equal(t, ListenTarget{ListenAddr: "0.0.0.0:7000", ListenPort: 7000, TargetAddr: "127.0.0.1:7001"}, targets[0])
}

func TestExpandRangeFannedIntoSingleTarget(t *testing.T) {
	targets, err := Expand("0.0.0.0:9000-9002", "10.0.0.5:53")
	require.NoError(t, err)
	require.Len(t, targets, 3)
	for i, port := range []uint16{9000, 9001, 9002} {
		require.Equal(t, port, targets[i].ListenPort)
		require.Equal(t, "10.0.0.5:53", targets[i].TargetAddr)
	}
}

func TestExpandRangePositionalPairing(t *testing.T) {
	targets, err := Expand("0.0.0.0:9000-9002", "10.0.0.5:9000-9002")
	require.NoError(t, err)
	require.Len(t, targets, 3)
	require.Equal(t, "10.0.0.5:9001", targets[1].TargetAddr)
}

func TestExpandCardinalityMismatchRejected(t *testing.T) {
	_, err := Expand("0.0.0.0:9000-9002", "10.0.0.5:9000-9001")
	require.Error(t, err)
	require.Contains(t, err.Error(), "mismatch")
}

func TestExpandRejectsZeroPort(t *testing.T) {
	_, err := Expand("0.0.0.0:0", "10.0.0.5:80")
	require.Error(t, err)
}

func TestExpandRejectsOversizedRange(t *testing.T) {
	_, err := Expand("0.0.0.0:1-2000", "10.0.0.5:80")
	require.Error(t, err)
	require.Contains(t, err.Error(), "too large")
}

func TestExpandRejectsDescendingRange(t *testing.T) {
	_, err := Expand("0.0.0.0:9002-9000", "10.0.0.5:80")
	require.Error(t, err)
}

func TestExpandIPv6Bracketed(t *testing.T) {
	targets, err := Expand("[::1]:8080", "10.0.0.5:80")
	require.NoError(t, err)
	require.Equal(t, "[::1]:8080", targets[0].ListenAddr)
}

func TestExpandEmptyAddressRejected(t *testing.T) {
	_, err := Expand("", "10.0.0.5:80")
	require.Error(t, err)
}

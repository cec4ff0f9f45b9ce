package netutil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnumerateTargetsSingleSeed(t *testing.T) {
	targets := EnumerateTargets([]net.IP{net.ParseIP("192.168.1.77")}, false)
	require.Len(t, targets, 254)
	require.Equal(t, "192.168.1.1", targets[0].String())
	require.Equal(t, "192.168.1.254", targets[253].String())
}

func TestEnumerateTargetsDedupesPrefix(t *testing.T) {
	targets := EnumerateTargets([]net.IP{
		net.ParseIP("10.0.0.5"),
		net.ParseIP("10.0.0.200"), // same /24
		net.ParseIP("10.0.1.5"),
	}, false)
	require.Len(t, targets, 2*254)

	seen := map[string]int{}
	for _, ip := range targets {
		seen[ip.String()]++
	}
	for ip, n := range seen {
		require.Equal(t, 1, n, "duplicate target %s", ip)
	}
}

func TestEnumerateTargetsSortedByPrefix(t *testing.T) {
	targets := EnumerateTargets([]net.IP{
		net.ParseIP("192.168.5.1"),
		net.ParseIP("10.0.0.1"),
	}, false)
	require.Len(t, targets, 2*254)
	require.Equal(t, "10.0.0.1", targets[0].String())
	require.Equal(t, "192.168.5.1", targets[254].String())
}

func TestEnumerateTargetsExcludesLoopback(t *testing.T) {
	targets := EnumerateTargets([]net.IP{
		net.ParseIP("127.0.0.1"),
		net.ParseIP("192.168.2.10"),
	}, false)
	require.Len(t, targets, 254)
	for _, ip := range targets {
		require.False(t, ip.IsLoopback())
	}
}

func TestEnumerateTargetsFallsBackToInterfaces(t *testing.T) {
	// With no custom seeds the local interfaces are used even when auto-detect
	// is off. Whatever comes back must be loopback-free /24 expansions.
	targets := EnumerateTargets(nil, false)
	require.Equal(t, 0, len(targets)%254)
	for _, ip := range targets {
		require.False(t, ip.IsLoopback())
	}
}

func TestSeedTargets(t *testing.T) {
	// plain address sweeps its /24
	targets := SeedTargets("192.168.1.77")
	require.Len(t, targets, 254)
	require.Equal(t, "192.168.1.1", targets[0].String())

	// CIDR enumerates exactly its hosts
	targets = SeedTargets("10.20.30.0/28")
	require.Len(t, targets, 14)
	require.Equal(t, "10.20.30.1", targets[0].String())
	require.Equal(t, "10.20.30.14", targets[13].String())

	// ranges enumerate inclusively
	targets = SeedTargets("10.0.0.10-10.0.0.12")
	require.Len(t, targets, 3)
	require.Equal(t, "10.0.0.10", targets[0].String())
	require.Equal(t, "10.0.0.12", targets[2].String())

	require.Empty(t, SeedTargets("fe80::1"))
	require.Empty(t, SeedTargets("not-a-seed"))
}

func TestValidateSeed(t *testing.T) {
	require.NoError(t, ValidateSeed("192.168.1.50"))
	require.NoError(t, ValidateSeed("10.20.30.0/24"))
	require.NoError(t, ValidateSeed("10.0.0.10-10.0.0.20"))

	require.Error(t, ValidateSeed(""))
	require.Error(t, ValidateSeed("not-an-ip"))
	require.Error(t, ValidateSeed("fe80::1"))
	require.Error(t, ValidateSeed("10.0.0.20-10.0.0.10"))
}

func TestDedupeKeepsFirstSeenOrder(t *testing.T) {
	in := []net.IP{
		net.ParseIP("10.0.0.2"),
		net.ParseIP("10.0.0.1"),
		net.ParseIP("10.0.0.2"),
		net.ParseIP("10.0.0.3"),
		net.ParseIP("10.0.0.1"),
	}
	out := Dedupe(in)
	require.Len(t, out, 3)
	require.Equal(t, "10.0.0.2", out[0].String())
	require.Equal(t, "10.0.0.1", out[1].String())
	require.Equal(t, "10.0.0.3", out[2].String())
}

func TestDedupeMergedSweepAndLeases(t *testing.T) {
	// a DHCP lease inside an already enumerated /24 must not add a second probe
	sweep := SeedTargets("192.168.1.1")
	lease := net.ParseIP("192.168.1.42")
	out := Dedupe(append(sweep, lease))
	require.Len(t, out, 254)
}

package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"forwardgate/internal/policy"
	"forwardgate/internal/registry"
)

func TestAdmitAllowlistPrecedesBlocklist(t *testing.T) {
	store := policy.NewStore()
	store.AllowlistPerPort[443] = map[string]struct{}{"10.0.0.2": {}}
	store.BlocklistGlobal["10.0.0.3"] = struct{}{}
	reg := registry.New(1)

	decision := Admit(store, reg, nil, 1, "10.0.0.3", 443, time.Now())
	require.False(t, decision.Allowed)
	require.Contains(t, decision.Reason, "allowlist for port 443")

	decision = Admit(store, reg, nil, 1, "10.0.0.2", 443, time.Now())
	require.True(t, decision.Allowed)
}

func TestAdmitGlobalAllowlistRejectsUnknown(t *testing.T) {
	store := policy.NewStore()
	store.AllowlistEnabled = true
	store.AllowlistGlobal["10.0.0.1"] = struct{}{}
	reg := registry.New(1)

	decision := Admit(store, reg, nil, 1, "10.0.0.9", 80, time.Now())
	require.False(t, decision.Allowed)
	require.Equal(t, "Not in allowlist", decision.Reason)

	decision = Admit(store, reg, nil, 1, "10.0.0.1", 80, time.Now())
	require.True(t, decision.Allowed)
}

func TestAdmitRateLimitTrips(t *testing.T) {
	store := policy.NewStore()
	store.RateLimit.MaxNewPerMinute = 3
	store.RateLimit.MaxConcurrentPerIP = 100
	store.RateLimit.MaxConcurrentTotal = 100
	reg := registry.New(1)

	now := time.Now()
	for i := 0; i < 3; i++ {
		decision := Admit(store, reg, nil, 1, "10.0.0.1", 7000, now)
		require.True(t, decision.Allowed)
		reg.Finalize(decision.ConnID, 0, 0, "", now)
	}
	decision := Admit(store, reg, nil, 1, "10.0.0.1", 7000, now)
	require.False(t, decision.Allowed)
	require.Contains(t, decision.Reason, "Rate limit")
}

func TestAdmitConcurrencyCaps(t *testing.T) {
	store := policy.NewStore()
	store.RateLimit.MaxNewPerMinute = 1000
	store.RateLimit.MaxConcurrentPerIP = 1
	store.RateLimit.MaxConcurrentTotal = 1000
	reg := registry.New(1)

	now := time.Now()
	first := Admit(store, reg, nil, 1, "10.0.0.1", 80, now)
	require.True(t, first.Allowed)

	second := Admit(store, reg, nil, 1, "10.0.0.1", 80, now)
	require.False(t, second.Allowed)
	require.Equal(t, "Too many active connections for IP", second.Reason)
}

func TestAdmitTotalConcurrencyCap(t *testing.T) {
	store := policy.NewStore()
	store.RateLimit.MaxNewPerMinute = 1000
	store.RateLimit.MaxConcurrentPerIP = 1000
	store.RateLimit.MaxConcurrentTotal = 1
	reg := registry.New(1)

	now := time.Now()
	first := Admit(store, reg, nil, 1, "10.0.0.1", 80, now)
	require.True(t, first.Allowed)

	second := Admit(store, reg, nil, 1, "10.0.0.2", 80, now)
	require.False(t, second.Allowed)
	require.Equal(t, "Too many total connections", second.Reason)
}

func TestAdmitAssignsIncreasingConnIDs(t *testing.T) {
	store := policy.NewStore()
	reg := registry.New(1)
	now := time.Now()

	a := Admit(store, reg, nil, 1, "10.0.0.1", 80, now)
	b := Admit(store, reg, nil, 1, "10.0.0.2", 80, now)
	require.True(t, a.ConnID < b.ConnID)
}

func TestAdmitNilResolverSkipsGeoChecks(t *testing.T) {
	store := policy.NewStore()
	store.GeoBlocklistGlobal["RU"] = struct{}{}
	reg := registry.New(1)

	decision := Admit(store, reg, nil, 1, "1.2.3.4", 80, time.Now())
	require.True(t, decision.Allowed)
}

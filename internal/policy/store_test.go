package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockIPGlobalAndPerPort(t *testing.T) {
	s := NewStore()
	s.BlockIP("1.2.3.4", 0)
	s.BlockIP("5.6.7.8", 443)

	require.Contains(t, s.BlocklistGlobal, "1.2.3.4")
	require.Contains(t, s.BlocklistPerPort[443], "5.6.7.8")

	s.UnblockIP("1.2.3.4", 0)
	require.NotContains(t, s.BlocklistGlobal, "1.2.3.4")

	s.UnblockIP("5.6.7.8", 443)
	_, exists := s.BlocklistPerPort[443]
	require.False(t, exists, "empty per-port set should be removed")
}

func TestAllowlistGlobalList(t *testing.T) {
	s := NewStore()
	s.AllowIP("2.2.2.2", 0)
	s.AllowIP("1.1.1.1", 0)
	require.Equal(t, []string{"1.1.1.1", "2.2.2.2"}, s.AllowlistGlobalList())
}

func TestBlockCountryNormalizesUppercase(t *testing.T) {
	s := NewStore()
	s.BlockCountry("ru", 0)
	require.Contains(t, s.GeoBlocklistGlobal, "RU")
	s.UnblockCountry("ru", 0)
	require.NotContains(t, s.GeoBlocklistGlobal, "RU")
}

func TestBlockCountryPerPort(t *testing.T) {
	s := NewStore()
	s.BlockCountry("cn", 8080)
	require.Contains(t, s.GeoBlocklistPort[8080], "CN")
}

func TestRateLimitClampFloorsAtOne(t *testing.T) {
	rl := RateLimit{MaxNewPerMinute: 0, MaxConcurrentPerIP: -5, MaxConcurrentTotal: 10}.Clamp()
	require.Equal(t, 1, rl.MaxNewPerMinute)
	require.Equal(t, 1, rl.MaxConcurrentPerIP)
	require.Equal(t, 10, rl.MaxConcurrentTotal)
}

func TestDefaultRateLimit(t *testing.T) {
	rl := DefaultRateLimit()
	require.Equal(t, 60, rl.MaxNewPerMinute)
	require.Equal(t, 20, rl.MaxConcurrentPerIP)
	require.Equal(t, 10000, rl.MaxConcurrentTotal)
}

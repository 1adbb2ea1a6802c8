package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsEmptyDocument(t *testing.T) {
	e := New(t.TempDir())
	doc := e.Load()
	require.Empty(t, doc.Rules)
	require.Empty(t, doc.History)
}

func TestLoadCorruptFileReturnsEmptyDocument(t *testing.T) {
	dir := t.TempDir()
	e := New(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("{not json"), 0o644))
	doc := e.Load()
	require.Empty(t, doc.Rules)
}

func TestWriteNowThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	e := New(dir)

	doc := Document{
		Rules: []RuleDoc{{ID: 1, ListenAddr: "0.0.0.0:8080", TargetAddr: "10.0.0.1:80", Enabled: true, Protocol: "tcp"}},
		Blocklist: []string{"1.2.3.4"},
		RateLimit: RateLimitDoc{MaxNewConnectionsPerMinute: 60, MaxConcurrentConnectionsPerIP: 20, MaxConcurrentTotal: 10000},
	}
	require.NoError(t, e.writeNow(doc))

	loaded := e.Load()
	require.Len(t, loaded.Rules, 1)
	require.Equal(t, int64(1), loaded.Rules[0].ID)
	require.Equal(t, []string{"1.2.3.4"}, loaded.Blocklist)
	require.Equal(t, 60, loaded.RateLimit.MaxNewConnectionsPerMinute)
}

func TestSaveIsAsynchronousButEventuallyVisible(t *testing.T) {
	dir := t.TempDir()
	e := New(dir)
	doc := Document{Rules: []RuleDoc{{ID: 7}}}
	e.Save(doc)

	require.Eventually(t, func() bool {
		return len(e.Load().Rules) == 1
	}, time.Second, 5*time.Millisecond)
}

package geoip

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	r := New()
	require.NoError(t, r.Load(filepath.Join(t.TempDir(), "missing.mmdb")))
	require.False(t, r.Loaded())
}

func TestLoadTooSmallFileErrors(t *testing.T) {
	r := New()
	path := filepath.Join(t.TempDir(), "tiny.mmdb")
	require.NoError(t, os.WriteFile(path, []byte("not a real database"), 0o644))

	err := r.Load(path)
	require.Error(t, err)
	require.False(t, r.Loaded())
}

func TestLookupWithoutDatabaseReturnsNotOK(t *testing.T) {
	r := New()
	_, ok := r.Lookup("8.8.8.8")
	require.False(t, ok)
}

func TestReloadWithNoPriorLoadIsNoop(t *testing.T) {
	r := New()
	require.NoError(t, r.Reload(""))
}

func TestReloadWithExplicitMissingPathIsNoop(t *testing.T) {
	r := New()
	require.NoError(t, r.Reload(filepath.Join(t.TempDir(), "missing.mmdb")))
	require.False(t, r.Loaded())
}

func TestNormalizeCountryUppercasesAndTrims(t *testing.T) {
	code, err := NormalizeCountry(" us ")
	require.NoError(t, err)
	require.Equal(t, "US", code)
}

func TestNormalizeCountryRejectsWrongLength(t *testing.T) {
	_, err := NormalizeCountry("usa")
	require.Error(t, err)
}

func TestNormalizeCountryRejectsNonLetters(t *testing.T) {
	_, err := NormalizeCountry("u1")
	require.Error(t, err)
}

package sysmsg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitCreatesLogDirAndFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, Init(dir))
	defer Close()

	Info("hello %s", "world")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestLogFunctionsDoNotPanicBeforeInit(t *testing.T) {
	global = nil
	require.NotPanics(t, func() {
		Info("uninitialized info")
		Warn("uninitialized warn")
		Error("uninitialized error")
	})
}

func TestCloseIsSafeWithoutInit(t *testing.T) {
	global = nil
	require.NotPanics(t, Close)
}

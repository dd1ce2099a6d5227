package csvsink

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteCreatesHeaderOnlyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	sink := Open(path)

	require.NoError(t, sink.Write(Result{SendQPS: 1000, ReceivedQPS: 990, ErrorQPS: 1, LostRate: 0.01, RTTAvgMs: 1.2345, RTTMinMs: 0.5, RTTMaxMs: 9.8765}))
	require.NoError(t, sink.Write(Result{SendQPS: 2000, ReceivedQPS: 1980}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 3)
	require.True(t, strings.HasPrefix(lines[0], "#QPS Send;"))
	require.True(t, strings.HasSuffix(lines[0], ";"))
	require.True(t, strings.HasSuffix(lines[1], ";"))
}

func TestWriteRowFormatMatchesSpec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	sink := Open(path)
	require.NoError(t, sink.Write(Result{
		SendQPS: 5000, ReceivedQPS: 4950, ErrorQPS: 0,
		LostRate: 0.01, RTTAvgMs: 1.5, RTTMinMs: 0.25, RTTMaxMs: 12.0,
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Equal(t, "5000;4950;0;1.000;1.5000;0.2500;12.0000;", lines[1])
}

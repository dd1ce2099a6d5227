package timestamp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRoundTripWithinWindow(t *testing.T) {
	base := time.UnixMicro(1_700_000_000_000_000)
	deltas := []time.Duration{
		0,
		time.Millisecond,
		50 * time.Millisecond,
		1500 * time.Millisecond,
		3 * time.Second,
	}
	for _, d := range deltas {
		id := Encode(base)
		got := DecodeRTT(id, base.Add(d))
		diff := got - d
		if diff < 0 {
			diff = -diff
		}
		require.LessOrEqualf(t, diff, 100*time.Microsecond, "delta=%s got=%s", d, got)
	}
}

func TestEncodeIsStableWithinTick(t *testing.T) {
	base := time.UnixMicro(1_700_000_000_000_000)
	require.Equal(t, Encode(base), Encode(base.Add(10*time.Microsecond)))
}

func TestEncodeWraps(t *testing.T) {
	base := time.UnixMicro(0)
	far := base.Add(time.Duration(65536) * 50 * time.Microsecond)
	require.Equal(t, Encode(base), Encode(far))
}

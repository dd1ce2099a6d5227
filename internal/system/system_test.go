package system

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

var _ Sampler = GopsutilSampler{}

func TestDeltaUint64HandlesOrdinaryIncrease(t *testing.T) {
	require.Equal(t, uint64(42), DeltaUint64(100, 142))
}

func TestDeltaUint64HandlesWraparound(t *testing.T) {
	before := uint64(math.MaxUint64 - 5)
	after := uint64(10)
	require.Equal(t, uint64(16), DeltaUint64(before, after))
}

package controller

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseRateSpecSingleValue(t *testing.T) {
	rates, err := ParseRateSpec("500")
	require.NoError(t, err)
	require.Equal(t, []uint64{500}, rates)
}

func TestParseRateSpecEmptyMeansUnlimited(t *testing.T) {
	rates, err := ParseRateSpec("")
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, rates)
}

func TestParseRateSpecCommaList(t *testing.T) {
	rates, err := ParseRateSpec("100,500,1000")
	require.NoError(t, err)
	require.Equal(t, []uint64{100, 500, 1000}, rates)
}

func TestParseRateSpecRange(t *testing.T) {
	rates, err := ParseRateSpec("100-300,100")
	require.NoError(t, err)
	require.Equal(t, []uint64{100, 200, 300}, rates)
}

func TestParseRateSpecRejectsGarbage(t *testing.T) {
	_, err := ParseRateSpec("not-a-rate")
	require.Error(t, err)
}

func TestTimesliceClampedToMinimum(t *testing.T) {
	c := &Controller{cfg: Config{WorkerCount: 1}}
	require.InDelta(t, 0.1, c.timeslice(100000), 0.0001)
}

func TestTimesliceScalesWithWorkerCount(t *testing.T) {
	c := &Controller{cfg: Config{WorkerCount: 4}}
	require.InDelta(t, 4.0, c.timeslice(1000), 0.0001)
}

func TestLogProgressSinkDoesNotPanic(t *testing.T) {
	sink := LogProgressSink{Log: zerolog.Nop()}
	require.NotPanics(t, func() {
		sink.Progress(2*time.Second, 100, 95, 1024, 980)
	})
}

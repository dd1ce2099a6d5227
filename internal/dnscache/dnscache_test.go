package dnscache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLookupIPCachesAcrossCalls(t *testing.T) {
	r := New(50 * time.Millisecond)

	ips1, err := r.LookupIP("localhost")
	require.NoError(t, err)
	require.NotEmpty(t, ips1)
	_, cached := r.store.Get("localhost")
	require.True(t, cached)

	ips2, err := r.LookupIP("localhost")
	require.NoError(t, err)
	require.Equal(t, ips1, ips2)
}

func TestLookupIPExpiresAfterTTL(t *testing.T) {
	r := New(10 * time.Millisecond)

	_, err := r.LookupIP("localhost")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	_, cached := r.store.Get("localhost")
	require.False(t, cached)

	ips, err := r.LookupIP("localhost")
	require.NoError(t, err)
	require.NotEmpty(t, ips)
}

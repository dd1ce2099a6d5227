package receiver

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"dnsblast/internal/rawrx"
)

type fakeReceiver struct {
	recvCalls atomic.Int64
	closed    atomic.Bool
}

func (f *fakeReceiver) BindInterface(name string) error         { return nil }
func (f *fakeReceiver) SetSource(ip net.IP, port uint16) error   { return nil }
func (f *fakeReceiver) IsReadable(timeout time.Duration) bool    { return true }
func (f *fakeReceiver) Recv(c *rawrx.Counters) error {
	f.recvCalls.Add(1)
	c.PacketsReceived.Add(1)
	return nil
}
func (f *fakeReceiver) Close() error {
	f.closed.Store(true)
	return nil
}

func TestRunStopsOnContextCancel(t *testing.T) {
	fr := &fakeReceiver{}
	task := New(fr, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		task.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("receiver task did not stop after cancellation")
	}
	require.True(t, fr.closed.Load())
	require.Greater(t, task.Counters().PacketsReceived.Load(), uint64(0))
}

// Package receiver runs the promiscuous raw-receive loop: probe, read,
// check for cancellation. It owns one rawrx.Receiver exclusively, the
// same ownership discipline SenderWorker applies to its transmit
// socket.
package receiver

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"dnsblast/internal/rawrx"
)

// pollInterval is the timeout handed to the readiness probe before the
// loop re-checks the context, keeping cancellation latency low. How long
// a probe actually waits depends on the rawrx.Receiver variant.
const pollInterval = 100 * time.Microsecond

// Task owns one raw receive handle and its counter set.
type Task struct {
	rx      rawrx.Receiver
	counter rawrx.Counters
	log     zerolog.Logger
}

// New wraps an already-configured Receiver (interface bound, source set)
// in a Task.
func New(rx rawrx.Receiver, log zerolog.Logger) *Task {
	return &Task{rx: rx, log: log}
}

// Counters exposes the receiver's counter set for aggregation.
func (t *Task) Counters() *rawrx.Counters { return &t.counter }

// Run loops probe→recv→cancellation-check until ctx is done, then
// closes the underlying receive handle.
func (t *Task) Run(ctx context.Context) {
	defer func() {
		if err := t.rx.Close(); err != nil {
			t.log.Debug().Err(err).Msg("receiver close")
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if t.rx.IsReadable(pollInterval) {
			if err := t.rx.Recv(&t.counter); err != nil {
				t.log.Debug().Err(err).Msg("receiver recv")
			}
		}
	}
}

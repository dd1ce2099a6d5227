// Package sender implements the rate-paced transmit worker: a Worker
// whose Run method is spawned onto a goroutine rather than a Thread
// subclass, per the redesign note on classical OO
// polymorphism (original_source/src/DNSSenderThread.cpp).
package sender

import (
	"math"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"dnsblast/internal/forge"
	"dnsblast/internal/payload"
	"dnsblast/internal/rawtx"
	"dnsblast/internal/timestamp"
)

// State is the worker lifecycle, tracked as an atomic enum rather than
// the C++ thread's implicit running/joinable bits.
type State int32

const (
	Idle State = iota
	Armed
	Running
	Draining
	Stopped
)

// SourceMode is the tagged sum over the three source-selection
// strategies a worker may run with, replacing the original's
// boolean-flag-plus-union approach.
type SourceMode interface {
	isSourceMode()
}

// SourceFixed pins every outgoing packet to one source IP and port.
type SourceFixed struct {
	IP   net.IP
	Port uint16
}

func (SourceFixed) isSourceMode() {}

// SourceRandomNet spoofs a uniformly-drawn address from a network
// range plus a random ephemeral source port per packet.
type SourceRandomNet struct {
	StartHostOrder uint32
	HostCount      uint32
}

func (SourceRandomNet) isSourceMode() {}

// SourceFromPcap copies the source 4-tuple from the captured frame
// associated with each payload record. Only valid when the payload
// store was itself seeded from a pcap file.
type SourceFromPcap struct{}

func (SourceFromPcap) isSourceMode() {}

// Config collects everything a worker needs to run one rate-step, a
// focused struct standing in for the original's general-purpose
// Variant/AssocArray configuration container.
type Config struct {
	Destination     net.IP
	DestPort        uint16
	Source          SourceMode
	Store           *payload.Store
	Runtime         time.Duration
	Timeout         time.Duration
	QueryRate       uint64
	TimesliceMillis float64
	DNSSECRate      int
}

// Counters is the per-worker counter set. Every field is monotonically
// non-decreasing within a run and safe to read concurrently via atomic
// loads while the owning worker goroutine is the sole writer.
type Counters struct {
	PacketsSent atomic.Uint64
	BytesSent   atomic.Uint64
	Errors      atomic.Uint64
	ZeroByte    atomic.Uint64
	ErrnoHist   [256]atomic.Uint64
	Duration    atomicFloat
}

type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) Load() float64   { return math.Float64frombits(f.bits.Load()) }
func (f *atomicFloat) Store(v float64) { f.bits.Store(math.Float64bits(v)) }

// txSocket is the narrow transmit contract Worker depends on, letting
// tests substitute a loopback UDP socket in place of a real raw socket
// (which needs CAP_NET_RAW).
type txSocket interface {
	SetDestination(ip net.IP, port uint16)
	Send(b []byte) (int, error)
}

// Worker owns one forge buffer, one raw transmit socket, and one
// counter set — nothing shared across workers except the PayloadStore
// cursor itself.
type Worker struct {
	cfg     Config
	sock    txSocket
	fg      *forge.Forge
	counter Counters
	state   atomic.Int32
	stop    atomic.Bool
	log     zerolog.Logger

	dnssecAcc int
	rng       *rand.Rand
}

// New constructs an idle worker bound to the given destination and raw
// transmit socket; the caller is responsible for opening sock.
func New(cfg Config, sock txSocket, log zerolog.Logger) *Worker {
	w := &Worker{cfg: cfg, sock: sock, log: log, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	w.fg = forge.New()
	w.fg.SetDestination(cfg.Destination, cfg.DestPort)
	w.sock.SetDestination(cfg.Destination, cfg.DestPort)
	switch s := cfg.Source.(type) {
	case SourceFixed:
		w.fg.SetSource(s.IP, s.Port)
	}
	w.state.Store(int32(Idle))
	return w
}

// State reports the worker's current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Counters exposes the worker's counter set for aggregation. Callers
// should only treat the snapshot as authoritative after SignalStop has
// been observed; mid-run reads are tolerated but racy.
func (w *Worker) Counters() *Counters { return &w.counter }

// SignalStop requests cooperative termination; observed at the periodic
// stop checks of the send loops and of the drain loop.
func (w *Worker) SignalStop() { w.stop.Store(true) }

func (w *Worker) shouldStop() bool { return w.stop.Load() }

// Run executes one full rate-step: Armed, the transmit phase (Running),
// and the post-runtime drain (Draining), finishing in Stopped. It
// blocks until the drain completes or a stop signal arrives.
func (w *Worker) Run() {
	w.state.Store(int32(Armed))
	w.dnssecAcc = 0
	start := time.Now()
	w.state.Store(int32(Running))
	if w.cfg.QueryRate > 0 {
		w.runRateLimited()
	} else {
		w.runUnlimited()
	}
	w.counter.Duration.Store(time.Since(start).Seconds())
	w.state.Store(int32(Draining))
	w.drain()
	w.state.Store(int32(Stopped))
}

func (w *Worker) runUnlimited() {
	deadline := time.Now().Add(w.cfg.Runtime)
	pc := 0
	for {
		w.sendOne()
		pc++
		if pc > 10000 {
			pc = 0
			if w.shouldStop() {
				return
			}
			if time.Now().After(deadline) {
				return
			}
		}
	}
}

// runRateLimited partitions the runtime into timeslices and corrects
// drift against the absolute slice boundary rather than accumulated
// sleep error, mirroring DNSSenderThread::runWithRateLimit.
func (w *Worker) runRateLimited() {
	slice := time.Duration(w.cfg.TimesliceMillis * float64(time.Millisecond))
	if slice <= 0 {
		slice = time.Millisecond
	}
	totalSlices := uint64(w.cfg.Runtime / slice)
	if totalSlices == 0 {
		totalSlices = 1
	}
	queriesRest := uint64(float64(w.cfg.QueryRate) * w.cfg.Runtime.Seconds())

	now := time.Now()
	nextBoundary := now
	nextCheck := now.Add(100 * time.Millisecond)
	end := now.Add(w.cfg.Runtime)

	for z := uint64(0); z < totalSlices; z++ {
		nextBoundary = nextBoundary.Add(slice)
		remaining := totalSlices - z
		perSlice := queriesRest / remaining
		if remaining == 1 {
			perSlice = queriesRest
		}
		for i := uint64(0); i < perSlice; i++ {
			w.sendOne()
		}
		queriesRest -= perSlice

		for {
			now = time.Now()
			if !now.Before(nextBoundary) {
				break
			}
			time.Sleep(nextBoundary.Sub(now))
		}
		if now.After(nextCheck) {
			nextCheck = now.Add(100 * time.Millisecond)
			if w.shouldStop() {
				return
			}
			if !now.Before(end) {
				return
			}
		}
	}
}

func (w *Worker) drain() {
	deadline := time.Now().Add(w.cfg.Timeout)
	nextCheck := time.Now().Add(100 * time.Millisecond)
	for {
		now := time.Now()
		if !now.Before(deadline) {
			return
		}
		if now.After(nextCheck) {
			nextCheck = now.Add(100 * time.Millisecond)
			if w.shouldStop() {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// sendOne draws one query, applies DNSSEC augmentation and source
// spoofing, stamps the DNS id, and sends. Unknown/invalid records never
// occur post-compilation, so unlike the original's retry loop this
// simply sends what the store returns.
func (w *Worker) sendOne() {
	q := w.cfg.Store.Next()
	wire := q.Wire

	w.dnssecAcc += w.cfg.DNSSECRate
	if w.dnssecAcc >= 100 {
		wire = forge.AppendDNSSECOPT(wire)
		w.dnssecAcc -= 100
	}

	if err := w.fg.SetPayload(wire); err != nil {
		return
	}

	switch s := w.cfg.Source.(type) {
	case SourceRandomNet:
		w.fg.RandomSourceInNet(s.StartHostOrder, s.HostCount)
		w.fg.RandomSourcePort()
	case SourceFromPcap:
		if q.FromPcap {
			w.fg.UseSourceFromPcap(q.Frame)
		}
	}

	w.fg.SetDNSID(timestamp.Encode(time.Now()))

	n, err := w.sock.Send(w.fg.Bytes())
	if err != nil {
		w.countSendError(err)
		return
	}
	if n == 0 {
		w.counter.ZeroByte.Add(1)
		return
	}
	w.counter.PacketsSent.Add(1)
	w.counter.BytesSent.Add(uint64(n))
}

func (w *Worker) countSendError(err error) {
	w.counter.Errors.Add(1)
	if errno, ok := rawtx.Errno(err); ok && int(errno) < len(w.counter.ErrnoHist) {
		w.counter.ErrnoHist[errno].Add(1)
	}
}

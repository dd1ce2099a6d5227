// Package rawrx implements the promiscuous receive path: a raw
// layer-2 capture handle filtered to one source 4-tuple, parsed with
// the DNS accounting procedure common to every platform variant.
package rawrx

import (
	"encoding/binary"
	"math"
	"net"
	"sync/atomic"
	"time"

	"dnsblast/internal/timestamp"
)

const ethHeaderSize = 14

// Counters is the per-run receiver counter set. Every field is
// monotonically non-decreasing within a run and safe for concurrent
// reads via atomic loads while the receiver goroutine is the sole
// writer.
type Counters struct {
	PacketsReceived atomic.Uint64
	BytesReceived   atomic.Uint64
	RcodeHistogram  [16]atomic.Uint64
	TruncatedCount  atomic.Uint64

	RTTSum  atomicFloat
	RTTMin  atomicFloat
	RTTMax  atomicFloat
	rttSeen atomic.Bool
}

// atomicFloat stores a float64 behind an atomic.Uint64 bit pattern so
// concurrent readers (the controller, sampling mid-run) never observe
// a torn write. The receiver goroutine is the sole writer.
type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}

func (f *atomicFloat) Store(v float64) {
	f.bits.Store(math.Float64bits(v))
}

// RTTUpperBound is the implementation-chosen cutoff past which a
// recovered RTT is treated as noise (stale id wraparound or an
// unrelated reply) and discarded from the min/max/sum accumulators,
// though the packet itself is still counted.
const RTTUpperBound = 5 * time.Second

// AccountFrame implements the packet-accounting procedure shared by
// every RawRxSocket variant: skip the Ethernet header, parse IPv4/UDP/
// DNS at fixed offsets, recover RTT via the timestamp codec, and
// update counters.
func AccountFrame(frame []byte, now time.Time, c *Counters) {
	if len(frame) < ethHeaderSize+20+8+12 {
		return
	}
	ip := frame[ethHeaderSize:]
	ihl := int(ip[0]&0x0f) * 4
	if ihl < 20 {
		return
	}
	udp := ip[ihl:]
	dnsOff := ethHeaderSize + ihl + 8
	if len(frame) < dnsOff+12 {
		return
	}
	dnsHdr := frame[dnsOff:]

	c.PacketsReceived.Add(1)
	c.BytesReceived.Add(uint64(len(frame)))

	id := binary.BigEndian.Uint16(dnsHdr[0:2])
	flags := dnsHdr[2:4]
	rcode := flags[1] & 0x0f
	tc := flags[0]&0x02 != 0

	c.RcodeHistogram[rcode].Add(1)
	if tc {
		c.TruncatedCount.Add(1)
	}

	rtt := timestamp.DecodeRTT(id, now)
	if rtt >= 0 && rtt <= RTTUpperBound {
		sec := rtt.Seconds()
		c.RTTSum.Store(c.RTTSum.Load() + sec)
		if !c.rttSeen.Swap(true) {
			c.RTTMin.Store(sec)
			c.RTTMax.Store(sec)
		} else {
			if sec < c.RTTMin.Load() {
				c.RTTMin.Store(sec)
			}
			if sec > c.RTTMax.Load() {
				c.RTTMax.Store(sec)
			}
		}
	}

	_ = udp // source 4-tuple filtering happens before AccountFrame is called
}

// Receiver is the platform-independent contract every RawRxSocket
// variant implements.
type Receiver interface {
	BindInterface(name string) error
	SetSource(ip net.IP, port uint16) error
	IsReadable(timeout time.Duration) bool
	Recv(c *Counters) error
	Close() error
}

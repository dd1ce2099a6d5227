// Package forge builds complete IPv4+UDP+DNS datagrams in a single
// reusable buffer, the way original_source/src/packet.cpp does: every
// mutator marks the checksums dirty, and Bytes recomputes them lazily
// on the next read.
package forge

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"net"
)

const (
	maxPacketSize = 4096
	ipHeaderSize  = 20
	udpHeaderSize = 8
	headerSize    = ipHeaderSize + udpHeaderSize
	maxPayload    = maxPacketSize - headerSize
)

// ErrBufferOverflow is returned by SetPayload when the supplied DNS
// wire-form payload does not fit in the remaining buffer space.
var ErrBufferOverflow = errors.New("forge: payload exceeds buffer capacity")

// Forge owns one fixed 4096-byte packet buffer. The zero value is not
// usable; construct with New.
type Forge struct {
	buf          [maxPacketSize]byte
	payloadSize  int
	checksumDone bool
}

// New returns a Forge with IPv4/UDP header defaults set per
// original_source/src/packet.cpp: IHL=5, version=4, TTL=64,
// protocol=17, IP id=0 (left zero; see spec's Open Questions on IP id
// handling).
func New() *Forge {
	f := &Forge{}
	f.buf[0] = 0x45 // version 4, IHL 5
	f.buf[8] = 64   // TTL
	f.buf[9] = 17   // protocol UDP
	binary.BigEndian.PutUint16(f.buf[2:4], headerSize)
	return f
}

func (f *Forge) ipHeader() []byte  { return f.buf[0:ipHeaderSize] }
func (f *Forge) udpHeader() []byte { return f.buf[ipHeaderSize : ipHeaderSize+udpHeaderSize] }

// SetDestination stores the destination IPv4 address and UDP port in
// the packet headers.
func (f *Forge) SetDestination(ip net.IP, port uint16) {
	copy(f.buf[16:20], ip.To4())
	binary.BigEndian.PutUint16(f.udpHeader()[2:4], port)
	f.checksumDone = false
}

// SetSource stores a fixed source IPv4 address and UDP port.
func (f *Forge) SetSource(ip net.IP, port uint16) {
	copy(f.buf[12:16], ip.To4())
	binary.BigEndian.PutUint16(f.udpHeader()[0:2], port)
	f.checksumDone = false
}

// RandomSourceInNet draws a uniform address in [startHostOrder,
// startHostOrder+hostCount) and writes it as the IP source.
func (f *Forge) RandomSourceInNet(startHostOrder, hostCount uint32) {
	addr := startHostOrder
	if hostCount > 1 {
		addr += uint32(rand.Int63n(int64(hostCount)))
	}
	binary.BigEndian.PutUint32(f.buf[12:16], addr)
	f.checksumDone = false
}

// RandomSourcePort draws a uniform port in [1024, 65535] and writes it
// as the UDP source port.
func (f *Forge) RandomSourcePort() {
	port := uint16(1024 + rand.Intn(65535-1024+1))
	binary.BigEndian.PutUint16(f.udpHeader()[0:2], port)
	f.checksumDone = false
}

// UseSourceFromPcap copies the IPv4 source address and UDP source port
// out of a captured Ethernet frame (14-byte Ethernet header, then IPv4,
// then UDP) into the forge's headers.
func (f *Forge) UseSourceFromPcap(frame []byte) {
	const ethHeaderSize = 14
	if len(frame) < ethHeaderSize+ipHeaderSize+udpHeaderSize {
		return
	}
	srcIP := frame[ethHeaderSize+12 : ethHeaderSize+16]
	srcPort := frame[ethHeaderSize+ipHeaderSize : ethHeaderSize+ipHeaderSize+2]
	copy(f.buf[12:16], srcIP)
	copy(f.udpHeader()[0:2], srcPort)
	f.checksumDone = false
}

// SetPayload copies DNS wire-form bytes into the datagram and updates
// the IP total-length and UDP length fields.
func (f *Forge) SetPayload(payload []byte) error {
	if len(payload) > maxPayload {
		return ErrBufferOverflow
	}
	n := copy(f.buf[headerSize:], payload)
	f.payloadSize = n
	binary.BigEndian.PutUint16(f.ipHeader()[2:4], uint16(headerSize+n))
	binary.BigEndian.PutUint16(f.udpHeader()[4:6], uint16(udpHeaderSize+n))
	f.checksumDone = false
	return nil
}

// SetDNSID writes the 16-bit identifier at the start of the DNS
// payload, in network byte order.
func (f *Forge) SetDNSID(id uint16) {
	binary.BigEndian.PutUint16(f.buf[headerSize:headerSize+2], id)
	f.checksumDone = false
}

// Size returns the total datagram length (IP header + UDP header +
// current payload).
func (f *Forge) Size() int { return headerSize + f.payloadSize }

// Bytes returns the full IP+UDP+DNS datagram, recomputing checksums if
// any mutator ran since the last call.
func (f *Forge) Bytes() []byte {
	if !f.checksumDone {
		f.updateChecksums()
	}
	return f.buf[:f.Size()]
}

func (f *Forge) updateChecksums() {
	ip := f.ipHeader()
	ip[10], ip[11] = 0, 0
	sum := checksum(ip)
	ip[10], ip[11] = byte(sum>>8), byte(sum)

	udp := f.udpHeader()
	udp[6], udp[7] = 0, 0
	udpLen := udpHeaderSize + f.payloadSize

	pseudo := make([]byte, 12+udpLen)
	copy(pseudo[0:4], f.buf[12:16])  // source IP
	copy(pseudo[4:8], f.buf[16:20])  // dest IP
	pseudo[8] = 0
	pseudo[9] = 17 // protocol UDP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(udpLen))
	copy(pseudo[12:12+udpHeaderSize], udp)
	copy(pseudo[12+udpHeaderSize:], f.buf[headerSize:headerSize+f.payloadSize])

	usum := checksum(pseudo)
	udp[6], udp[7] = byte(usum>>8), byte(usum)

	f.checksumDone = true
}

// checksum computes the standard one's-complement Internet checksum
// over b, folding end-around carries and complementing the result.
func checksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// AppendDNSSECOPT appends an 11-byte EDNS0 OPT pseudo-record to payload
// (name=root, type=41, UDP payload size=4096, DO bit set, rdlength=0)
// and sets the DNS header's additional-count to 1 and the AD flag, per
// the wire format in spec.md section 6.
func AppendDNSSECOPT(payload []byte) []byte {
	if len(payload) < 12 {
		return payload
	}
	out := make([]byte, len(payload)+11)
	n := copy(out, payload)

	out[3] |= 0x20 // AD flag
	binary.BigEndian.PutUint16(out[10:12], 1) // additional count

	opt := out[n:]
	opt[0] = 0x00                                 // name: root
	binary.BigEndian.PutUint16(opt[1:3], 41)      // type OPT
	binary.BigEndian.PutUint16(opt[3:5], 4096)    // UDP payload size
	opt[5] = 0                                    // extended rcode
	opt[6] = 0                                    // edns version
	binary.BigEndian.PutUint16(opt[7:9], 0x8000)  // flags, DO bit set
	binary.BigEndian.PutUint16(opt[9:11], 0)      // rdlength
	return out
}

// VerifyChecksums reports whether the IPv4 header checksum and UDP
// checksum in b both verify to zero. Used by tests (property 3).
func VerifyChecksums(b []byte) bool {
	if len(b) < headerSize {
		return false
	}
	if checksum(b[0:ipHeaderSize]) != 0 {
		return false
	}
	udpLen := int(binary.BigEndian.Uint16(b[ipHeaderSize+4 : ipHeaderSize+6]))
	if ipHeaderSize+udpLen > len(b) {
		return false
	}
	pseudo := make([]byte, 12+udpLen)
	copy(pseudo[0:4], b[12:16])
	copy(pseudo[4:8], b[16:20])
	pseudo[9] = 17
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(udpLen))
	copy(pseudo[12:], b[ipHeaderSize:ipHeaderSize+udpLen])
	return checksum(pseudo) == 0
}

// Package payload turns a file of query specifications — a plain text
// list or a pcap capture — into a constant-time, thread-safe supplier
// of pre-compiled DNS query wire-images.
package payload

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/miekg/dns"
)

// ErrInvalidQueryFile is returned by Load when the file cannot be
// opened, or compiles to zero valid query records.
var ErrInvalidQueryFile = errors.New("payload: invalid query file")

var pcapMagics = map[uint32]bool{
	0xa1b2c3d4: true, // seconds, big endian
	0xa1b23c4d: true, // nanoseconds, big endian
	0xd4c3b2a1: true, // seconds, little endian
	0x4d3cb2a1: true, // nanoseconds, little endian
}

// Query is one immutable, pre-compiled DNS query. Wire holds only the
// DNS message bytes, ready for forge.SetPayload. FromPcap records
// whether Frame holds the originating captured Ethernet+IP+UDP+DNS
// frame, which from-pcap source spoofing replays through
// forge.UseSourceFromPcap to recover the source 4-tuple.
type Query struct {
	Wire     []byte
	FromPcap bool
	Frame    []byte
}

// Store is a bounded list of pre-compiled queries handed out
// round-robin. The cursor is advanced with an atomic fetch-add so
// concurrent senders never contend on a mutex.
type Store struct {
	queries  []Query
	isPcap   bool
	cursor   atomic.Uint64
}

// Load auto-detects the file as text or pcap by inspecting its first
// eight bytes, compiles every accepted record, and returns a Store. It
// fails with ErrInvalidQueryFile if the file cannot be read or zero
// valid records are produced.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQueryFile, err)
	}
	defer f.Close()

	header := make([]byte, 8)
	n, _ := f.Read(header)
	if _, err := f.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQueryFile, err)
	}

	var (
		queries []Query
		isPcap  bool
	)
	if n >= 4 && pcapMagics[binary.BigEndian.Uint32(header[0:4])] {
		isPcap = true
		queries, err = compilePcap(f)
	} else {
		queries, err = compileText(f)
	}
	if err != nil {
		return nil, err
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("%w: no valid queries found", ErrInvalidQueryFile)
	}
	return &Store{queries: queries, isPcap: isPcap}, nil
}

// Next returns the next query record in insertion order, wrapping to
// the start after the last. Safe for concurrent callers from multiple
// workers.
func (s *Store) Next() Query {
	i := s.cursor.Add(1) - 1
	return s.queries[i%uint64(len(s.queries))]
}

// Len reports the number of compiled query records.
func (s *Store) Len() int { return len(s.queries) }

// IsPcap reports whether the store was seeded from a pcap file, which
// governs whether from-pcap spoofing is permissible.
func (s *Store) IsPcap() bool { return s.isPcap }

// supportedTypes mirrors spec.md's fixed RR-type table.
var supportedTypes = map[string]uint16{
	"A": dns.TypeA, "AAAA": dns.TypeAAAA, "MX": dns.TypeMX, "NS": dns.TypeNS,
	"DS": dns.TypeDS, "DNSKEY": dns.TypeDNSKEY, "TXT": dns.TypeTXT,
	"SOA": dns.TypeSOA, "NAPTR": dns.TypeNAPTR, "RRSIG": dns.TypeRRSIG,
	"NSEC": dns.TypeNSEC, "NSEC3": dns.TypeNSEC3, "NSEC3PARAM": dns.TypeNSEC3PARAM,
	"PTR": dns.TypePTR, "SRV": dns.TypeSRV, "CNAME": dns.TypeCNAME,
	"ANY": dns.TypeANY, "AXFR": dns.TypeAXFR, "SPF": dns.TypeSPF,
	"HINFO": dns.TypeHINFO,
}

func compileText(f *os.File) ([]Query, error) {
	var queries []Query
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			continue
		}
		qname, qtype := fields[0], strings.ToUpper(strings.TrimSpace(fields[1]))
		rrtype, ok := supportedTypes[qtype]
		if !ok {
			continue
		}
		msg := new(dns.Msg)
		msg.RecursionDesired = true
		msg.SetQuestion(dns.Fqdn(qname), rrtype)
		wire, err := msg.Pack()
		if err != nil {
			continue
		}
		queries = append(queries, Query{Wire: wire})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQueryFile, err)
	}
	return queries, nil
}

func compilePcap(f *os.File) ([]Query, error) {
	reader, err := pcapgo.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQueryFile, err)
	}

	var queries []Query
	for {
		data, _, err := reader.ReadPacketData()
		if err != nil {
			break
		}
		if len(data) > 4096 {
			continue
		}
		pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
		ethLayer := pkt.Layer(layers.LayerTypeEthernet)
		if ethLayer == nil || ethLayer.(*layers.Ethernet).EthernetType != layers.EthernetTypeIPv4 {
			continue
		}
		ipLayer := pkt.Layer(layers.LayerTypeIPv4)
		if ipLayer == nil {
			continue
		}
		ip := ipLayer.(*layers.IPv4)
		if ip.Version != 4 {
			continue
		}
		udpLayer := pkt.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp := udpLayer.(*layers.UDP)
		if udp.DstPort != 53 {
			continue
		}
		dnsLayer := pkt.Layer(layers.LayerTypeDNS)
		if dnsLayer == nil {
			continue
		}
		dnsMsg := dnsLayer.(*layers.DNS)
		if dnsMsg.QR || dnsMsg.OpCode != layers.DNSOpCodeQuery {
			continue
		}
		queries = append(queries, Query{
			Wire:     append([]byte(nil), dnsMsg.LayerContents()...),
			FromPcap: true,
			Frame:    append([]byte(nil), data...),
		})
	}
	return queries, nil
}

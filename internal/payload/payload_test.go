package payload

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "queries.txt")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadTextFileCompilesQueries(t *testing.T) {
	path := writeTempFile(t, "# comment\n\nexample.com A\nexample.net MX\nbadtype UNKNOWNTYPE\n")
	store, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, store.Len())
	require.False(t, store.IsPcap())

	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(store.Next().Wire))
	require.Equal(t, "example.com.", msg.Question[0].Name)
	require.Equal(t, dns.TypeA, msg.Question[0].Qtype)
}

func TestLoadEmptyFileFails(t *testing.T) {
	path := writeTempFile(t, "# only comments\n\n")
	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalidQueryFile)
}

func TestNextWrapsRoundRobin(t *testing.T) {
	path := writeTempFile(t, "a.example A\nb.example A\nc.example A\n")
	store, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 3, store.Len())

	seen := make(map[string]int)
	for i := 0; i < 9; i++ {
		msg := new(dns.Msg)
		require.NoError(t, msg.Unpack(store.Next().Wire))
		seen[msg.Question[0].Name]++
	}
	require.Len(t, seen, 3)
	for _, count := range seen {
		require.Equal(t, 3, count)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.txt"))
	require.ErrorIs(t, err, ErrInvalidQueryFile)
}

// buildPcapFile writes a single Ethernet+IPv4+UDP+DNS query frame to a
// pcap file and returns its path.
func buildPcapFile(t *testing.T, srcIP net.IP, srcPort uint16, dnsWire []byte) string {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    net.ParseIP("192.0.2.53"),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(53)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(dnsWire)))

	path := filepath.Join(t.TempDir(), "capture.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: buf.Len(),
		Length:        buf.Len(),
	}, buf.Bytes()))
	return path
}

func TestLoadPcapFileExtractsDNSOnlyWireAndKeepsFrame(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.RecursionDesired = true
	wire, err := msg.Pack()
	require.NoError(t, err)

	path := buildPcapFile(t, net.ParseIP("198.51.100.7").To4(), 33333, wire)

	store, err := Load(path)
	require.NoError(t, err)
	require.True(t, store.IsPcap())
	require.Equal(t, 1, store.Len())

	q := store.Next()
	require.True(t, q.FromPcap)
	require.Equal(t, wire, q.Wire)
	require.NotEmpty(t, q.Frame)
	require.Greater(t, len(q.Frame), len(q.Wire))

	got := new(dns.Msg)
	require.NoError(t, got.Unpack(q.Wire))
	require.Equal(t, "example.com.", got.Question[0].Name)
}

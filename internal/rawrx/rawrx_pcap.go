package rawrx

import (
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// PcapReceiver is a portable fallback Receiver backed by libpcap live
// capture, selected with an "-e pcap:<device>" interface argument on
// platforms or setups where neither the AF_PACKET nor the /dev/bpfN
// path is available (e.g. inside a container lacking CAP_NET_RAW but
// granted capture access through libpcap's own privilege dance).
type PcapReceiver struct {
	handle  *pcap.Handle
	srcIP   [4]byte
	srcPort uint16
}

// NewPcapReceiver opens a live capture handle on the named device.
func NewPcapReceiver(device string) (*PcapReceiver, error) {
	handle, err := pcap.OpenLive(device, 4096, true, 10*time.Millisecond)
	if err != nil {
		return nil, err
	}
	if err := handle.SetBPFFilter("udp"); err != nil {
		handle.Close()
		return nil, err
	}
	return &PcapReceiver{handle: handle}, nil
}

// BindInterface is a no-op here: the device is already bound to at
// construction time via NewPcapReceiver.
func (r *PcapReceiver) BindInterface(name string) error {
	return nil
}

// SetSource narrows the installed BPF filter to the configured source
// 4-tuple, offloading the filtering work to the kernel the same way the
// BSD variant's BIOCSETF program does.
func (r *PcapReceiver) SetSource(ip net.IP, port uint16) error {
	v4 := ip.To4()
	if v4 == nil {
		return net.InvalidAddrError("rawrx: source must be IPv4")
	}
	copy(r.srcIP[:], v4)
	r.srcPort = port
	filter := "udp and src host " + ip.String() + " and src port " + portString(port)
	return r.handle.SetBPFFilter(filter)
}

func portString(port uint16) string {
	const digits = "0123456789"
	if port == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for port > 0 {
		i--
		buf[i] = digits[port%10]
		port /= 10
	}
	return string(buf[i:])
}

// IsReadable always reports ready: pcap.Handle.ReadPacketData blocks
// internally up to the capture timeout, so there is no separate
// readiness probe to perform.
func (r *PcapReceiver) IsReadable(timeout time.Duration) bool {
	return true
}

// Recv reads and accounts for a single captured packet.
func (r *PcapReceiver) Recv(c *Counters) error {
	data, _, err := r.handle.ReadPacketData()
	if err != nil {
		if err == pcap.NextErrorTimeoutExpired {
			return nil
		}
		return err
	}
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
	if pkt.Layer(layers.LayerTypeIPv4) == nil || pkt.Layer(layers.LayerTypeUDP) == nil {
		return nil
	}
	AccountFrame(data, time.Now(), c)
	return nil
}

// Close releases the underlying capture handle.
func (r *PcapReceiver) Close() error {
	r.handle.Close()
	return nil
}

package controller

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"dnsblast/internal/payload"
	"dnsblast/internal/rawrx"
	"dnsblast/internal/sender"
)

// loopbackSocket is the one real net.UDPConn a send/receive pair of
// this test shares: Send writes the DNS-only tail of a forged
// datagram (a raw IP/UDP header has no meaning on a plain UDP socket),
// and Recv reads an echoed reply back off the same conn, synthesizing
// the Ethernet+IP+UDP prefix AccountFrame expects.
type loopbackSocket struct {
	conn *net.UDPConn
}

func (s *loopbackSocket) SetDestination(ip net.IP, port uint16) {}

func (s *loopbackSocket) Send(b []byte) (int, error) {
	const headerSize = 28 // IPv4(20) + UDP(8), per internal/forge
	if len(b) < headerSize {
		return 0, net.InvalidAddrError("loopback: short datagram")
	}
	return s.conn.Write(b[headerSize:])
}

func (s *loopbackSocket) Close() error { return s.conn.Close() }

func (s *loopbackSocket) BindInterface(name string) error       { return nil }
func (s *loopbackSocket) SetSource(ip net.IP, port uint16) error { return nil }
func (s *loopbackSocket) IsReadable(timeout time.Duration) bool { return true }

func (s *loopbackSocket) Recv(c *rawrx.Counters) error {
	if err := s.conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond)); err != nil {
		return err
	}
	buf := make([]byte, 2048)
	n, err := s.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil
		}
		return err
	}
	frame := make([]byte, 14+20+8+n)
	frame[14] = 0x45 // version 4, IHL 5, so AccountFrame's IHL math lines up
	copy(frame[14+20+8:], buf[:n])
	rawrx.AccountFrame(frame, time.Now(), c)
	return nil
}

var _ rawrx.Receiver = (*loopbackSocket)(nil)

// echoServer answers every received datagram with its own bytes
// unchanged, standing in for a resolver that always replies, so the
// DNS id (and the send timestamp it encodes) survives the round trip
// for RTT recovery.
func echoServer(t *testing.T, conn *net.UDPConn) {
	t.Helper()
	go func() {
		buf := make([]byte, 2048)
		for {
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP(buf[:n], addr)
		}
	}()
}

func newLoopbackQueryFile(t *testing.T) *payload.Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "queries.txt")
	require.NoError(t, os.WriteFile(path, []byte("example.com A\n"), 0o644))
	store, err := payload.Load(path)
	require.NoError(t, err)
	return store
}

// TestControllerLoopbackRoundTrip drives the real Controller over a
// net.ListenUDP echo responder instead of raw sockets (which need
// CAP_NET_RAW), covering send -> forge -> receive -> timestamp decode
// end to end for one rate-step, in place of the raw-socket scenarios a
// privileged environment would exercise.
func TestControllerLoopbackRoundTrip(t *testing.T) {
	serverConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer serverConn.Close()
	echoServer(t, serverConn)

	serverAddr := serverConn.LocalAddr().(*net.UDPAddr)
	clientConn, err := net.DialUDP("udp4", nil, serverAddr)
	require.NoError(t, err)
	sock := &loopbackSocket{conn: clientConn}

	store := newLoopbackQueryFile(t)

	var got Result
	ctrl := New(Config{
		Destination: serverAddr.IP,
		DestPort:    uint16(serverAddr.Port),
		Store:       store,
		WorkerCount: 1,
		Runtime:     100 * time.Millisecond,
		Timeout:     50 * time.Millisecond,
		Rates:       []uint64{0},
		Source:      sender.SourceFixed{IP: net.ParseIP("127.0.0.1"), Port: 0x4567},
		NewSocket:   func() (TxSocket, error) { return sock, nil },
		NewReceiver: func() (rawrx.Receiver, error) { return sock, nil },
		Results:     resultSinkFunc(func(r Result) { got = r }),
		Log:         zerolog.Nop(),
	})

	require.NoError(t, ctrl.Run(context.Background()))

	require.Greater(t, got.PacketsSent, uint64(0))
	require.Greater(t, got.PacketsReceived, uint64(0))
	require.InDelta(t, float64(got.PacketsSent), float64(got.PacketsReceived), float64(got.PacketsSent)*0.5+2)
	require.Less(t, got.RTTMax, 100*time.Millisecond)
}

type resultSinkFunc func(Result)

func (f resultSinkFunc) Result(r Result) { f(r) }

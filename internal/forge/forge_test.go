package forge

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func sampleQuery(t *testing.T) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.RecursionDesired = true
	b, err := msg.Pack()
	require.NoError(t, err)
	return b
}

func TestChecksumsValidateAfterMutation(t *testing.T) {
	f := New()
	f.SetDestination(net.ParseIP("192.0.2.1"), 53)
	f.SetSource(net.ParseIP("192.0.2.2"), 4567)
	require.NoError(t, f.SetPayload(sampleQuery(t)))
	f.SetDNSID(0x1234)

	b := f.Bytes()
	require.True(t, VerifyChecksums(b))
}

func TestSetPayloadRejectsOversize(t *testing.T) {
	f := New()
	big := make([]byte, maxPayload+1)
	require.ErrorIs(t, f.SetPayload(big), ErrBufferOverflow)
}

func TestRandomSourceInNetStaysWithinRange(t *testing.T) {
	f := New()
	start := uint32(0x0A000000) // 10.0.0.0
	count := uint32(256)        // /24
	for i := 0; i < 200; i++ {
		f.RandomSourceInNet(start, count)
		ip := f.buf[12:16]
		val := uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
		require.GreaterOrEqual(t, val, start)
		require.Less(t, val, start+count)
	}
}

func TestAppendDNSSECOPTGrowsBy11BytesAndSetsFlags(t *testing.T) {
	q := sampleQuery(t)
	withOpt := AppendDNSSECOPT(q)
	require.Len(t, withOpt, len(q)+11)
	require.NotZero(t, withOpt[3]&0x20, "AD flag should be set")
	require.Equal(t, uint16(1), uint16(withOpt[10])<<8|uint16(withOpt[11]))
}

func TestDNSIDRoundTripsThroughBuffer(t *testing.T) {
	f := New()
	require.NoError(t, f.SetPayload(sampleQuery(t)))
	f.SetDNSID(0xBEEF)
	b := f.Bytes()
	got := uint16(b[28])<<8 | uint16(b[29])
	require.Equal(t, uint16(0xBEEF), got)
}

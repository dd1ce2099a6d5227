// Package timestamp implements the DNS-id fingerprint codec used to
// recover per-packet round-trip time without keeping per-query state.
//
// The sender embeds a 16-bit fingerprint of the emit time in the DNS
// transaction id; the receiver recovers the elapsed time from the
// fingerprint alone. The codec is intentionally lossy: it wraps every
// 65536*50us ~= 3.2768s, which is far longer than any useful DNS
// response timeout.
package timestamp

import "time"

const tickMicros = 50

// Encode returns the 16-bit fingerprint for t.
func Encode(t time.Time) uint16 {
	micros := uint64(t.UnixMicro())
	return uint16((micros / tickMicros) % 65536)
}

// DecodeRTT recovers the round-trip time for a fingerprint id that was
// encoded at some earlier instant, given the current time now. The
// result wraps modulo 65536*50us; callers should discard negative or
// implausibly large values.
func DecodeRTT(id uint16, now time.Time) time.Duration {
	idNow := Encode(now)
	d := uint16(idNow - id)
	return time.Duration(d) * tickMicros * time.Microsecond
}

// Package rawtx sends already-forged IP datagrams to a fixed
// destination over a raw IPv4 socket, bypassing the kernel's UDP
// transmit path the way original_source/src/rawsocketsender.cpp does.
package rawtx

import (
	"errors"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// ErrNoDestination is returned by Send before SetDestination has been
// called.
var ErrNoDestination = errors.New("rawtx: destination not set")

// Socket is a raw IPv4 socket with IP_HDRINCL set, so the kernel does
// not prepend its own IP header — the forge buffer already carries a
// complete one.
type Socket struct {
	fd   int
	dest unix.SockaddrInet4
	set  bool
}

// Open creates a raw IPv4 socket and sets IP_HDRINCL. Opening a raw
// socket typically requires root or CAP_NET_RAW; failure here is fatal
// for the calling worker.
func Open() (*Socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Socket{fd: fd}, nil
}

// SetDestination records the sendto target. The IP header inside the
// forged buffer already carries the destination address; the BSD
// sockets API still requires a sockaddr argument to sendto.
func (s *Socket) SetDestination(ip net.IP, port uint16) {
	addr := unix.SockaddrInet4{Port: int(port)}
	copy(addr.Addr[:], ip.To4())
	s.dest = addr
	s.set = true
}

// Send transmits b to the configured destination and returns the byte
// count, or an error wrapping the errno returned by sendto.
func (s *Socket) Send(b []byte) (int, error) {
	if !s.set {
		return 0, ErrNoDestination
	}
	err := unix.Sendto(s.fd, b, 0, &s.dest)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// IsWritable is a non-blocking readiness probe with a short timeout.
// The original sender never actually calls this in its hot loop (it is
// dead code there too); it is kept here for completeness and nothing
// in this repository calls it.
func (s *Socket) IsWritable(timeout time.Duration) bool {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil || n <= 0 {
		return false
	}
	return fds[0].Revents&unix.POLLOUT != 0
}

// Close releases the underlying file descriptor.
func (s *Socket) Close() error {
	return unix.Close(s.fd)
}

// Errno extracts the syscall errno from an error returned by Send, for
// indexing into a worker's errno histogram. ok is false if err does not
// wrap a syscall.Errno.
func Errno(err error) (unix.Errno, bool) {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}

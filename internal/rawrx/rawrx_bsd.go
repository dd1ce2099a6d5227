//go:build darwin || freebsd

package rawrx

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BSDReceiver opens a /dev/bpfN capture handle, enables promiscuous
// mode, and installs a kernel-side BPF filter program — spec.md's
// Platform A. Where the kernel supports the zero-copy zbuf mode (two
// alternating buffers with kernel/user generation counters) it is used
// in preference to the ordinary buffered mode, ported directly from
// original_source/src/rawsocketreceiver.cpp's FreeBSD branch.
type BSDReceiver struct {
	fd             int
	useZeroCopy    bool
	bufLen         uint32
	zbufA, zbufB   []byte
	buffered       []byte
	srcIP          [4]byte
	srcPort        uint16
}

// NewReceiver opens the first available /dev/bpfN device.
func NewReceiver() (*BSDReceiver, error) {
	fd, err := openBPF()
	if err != nil {
		return nil, err
	}
	r := &BSDReceiver{fd: fd}
	if err := r.initZeroCopy(); err == nil {
		r.useZeroCopy = true
		return r, nil
	}
	if err := r.initBuffered(8192); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return r, nil
}

func openBPF() (int, error) {
	var lastErr error
	for i := 0; i < 255; i++ {
		fd, err := unix.Open(fmt.Sprintf("/dev/bpf%d", i), unix.O_RDWR, 0)
		if err == nil {
			return fd, nil
		}
		lastErr = err
	}
	return -1, fmt.Errorf("rawrx: could not open any /dev/bpfN device: %w", lastErr)
}

// bpfZbuf mirrors struct bpf_zbuf: two buffer pointers and a length.
type bpfZbuf struct {
	bufA   uintptr
	bufB   uintptr
	bufLen uint64
}

// bpfZbufHeader mirrors struct bpf_zbuf_header's generation counters.
type bpfZbufHeader struct {
	kernelGen uint32
	kernelLen uint32
	userGen   uint32
	_         [5]uint32
}

const (
	bpfBufModeBuffer = 0
	bpfBufModeZBuf   = 2
	bpfTMicrotime    = 0

	biocSetBufMode = 0x8004427d
	biocSTStamp    = 0x80044278
	biocSetZBuf    = 0x8018427e
	biocSBLen      = 0xc0044266
	biocSetIf      = 0x8020426c
	biocPromisc    = 0x20004269
	biocSetF       = 0x80104267
)

func ioctlPtr(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (r *BSDReceiver) tryAllocZeroCopyBuffer(size uint64) bool {
	bufA := make([]byte, size)
	bufB := make([]byte, size)
	zbuf := bpfZbuf{
		bufLen: size,
		bufA:   uintptr(unsafe.Pointer(&bufA[0])),
		bufB:   uintptr(unsafe.Pointer(&bufB[0])),
	}
	if err := ioctlPtr(r.fd, biocSetZBuf, unsafe.Pointer(&zbuf)); err != nil {
		return false
	}
	r.zbufA, r.zbufB = bufA, bufB
	r.bufLen = uint32(size)
	return true
}

func (r *BSDReceiver) initZeroCopy() error {
	mode := uint32(bpfBufModeZBuf)
	if err := ioctlPtr(r.fd, biocSetBufMode, unsafe.Pointer(&mode)); err != nil {
		return err
	}
	tsType := uint32(bpfTMicrotime)
	if err := ioctlPtr(r.fd, biocSTStamp, unsafe.Pointer(&tsType)); err != nil {
		return err
	}
	if r.tryAllocZeroCopyBuffer(8192) {
		return nil
	}
	if r.tryAllocZeroCopyBuffer(4096) {
		return nil
	}
	return fmt.Errorf("rawrx: could not configure zero-copy buffer")
}

func (r *BSDReceiver) initBuffered(buflen uint32) error {
	mode := uint32(bpfBufModeBuffer)
	if err := ioctlPtr(r.fd, biocSetBufMode, unsafe.Pointer(&mode)); err != nil {
		return err
	}
	if err := ioctlPtr(r.fd, biocSBLen, unsafe.Pointer(&buflen)); err != nil {
		return err
	}
	if err := unix.SetNonblock(r.fd, true); err != nil {
		return err
	}
	r.buffered = make([]byte, buflen)
	r.bufLen = buflen
	return nil
}

// BindInterface binds the capture handle to a named interface and
// enables promiscuous mode via BIOCSETIF/BIOCPROMISC.
func (r *BSDReceiver) BindInterface(name string) error {
	var ifreq [32]byte
	copy(ifreq[:16], name)
	if err := ioctlPtr(r.fd, biocSetIf, unsafe.Pointer(&ifreq[0])); err != nil {
		return fmt.Errorf("rawrx: BIOCSETIF: %w", err)
	}
	promisc := uint32(1)
	if err := ioctlPtr(r.fd, biocPromisc, unsafe.Pointer(&promisc)); err != nil {
		return fmt.Errorf("rawrx: BIOCPROMISC: %w", err)
	}
	return nil
}

// SetSource records the 4-tuple filter values and installs a kernel
// BPF program equivalent to: accept if ethertype==0x0800 AND
// ip.src==configured AND ip.proto==17 AND udp.sport==configured.
func (r *BSDReceiver) SetSource(ip net.IP, port uint16) error {
	v4 := ip.To4()
	if v4 == nil {
		return net.InvalidAddrError("rawrx: source must be IPv4")
	}
	copy(r.srcIP[:], v4)
	r.srcPort = port

	sip := binary.BigEndian.Uint32(v4)
	insns := []unix.BpfInsn{
		unix.BpfStmt(unix.BPF_LD+unix.BPF_H+unix.BPF_ABS, 12),
		unix.BpfJump(unix.BPF_JMP+unix.BPF_JEQ+unix.BPF_K, 0x0800, 0, 7),
		unix.BpfStmt(unix.BPF_LD+unix.BPF_W+unix.BPF_ABS, 26),
		unix.BpfJump(unix.BPF_JMP+unix.BPF_JEQ+unix.BPF_K, sip, 0, 5),
		unix.BpfStmt(unix.BPF_LD+unix.BPF_B+unix.BPF_ABS, 23),
		unix.BpfJump(unix.BPF_JMP+unix.BPF_JEQ+unix.BPF_K, 17, 0, 3),
		unix.BpfStmt(unix.BPF_LD+unix.BPF_H+unix.BPF_ABS, 34),
		unix.BpfJump(unix.BPF_JMP+unix.BPF_JEQ+unix.BPF_K, uint32(port), 0, 1),
		unix.BpfStmt(unix.BPF_RET+unix.BPF_K, 0xffffffff),
		unix.BpfStmt(unix.BPF_RET+unix.BPF_K, 0),
	}
	prog := unix.BpfProgram{
		Len:   uint32(len(insns)),
		Insns: (*unix.BpfInsn)(unsafe.Pointer(&insns[0])),
	}
	if err := ioctlPtr(r.fd, biocSetF, unsafe.Pointer(&prog)); err != nil {
		return fmt.Errorf("rawrx: BIOCSETF: %w", err)
	}
	return nil
}

// IsReadable is a non-blocking readiness probe. In zero-copy mode it
// only inspects the buffer headers and does not wait; in buffered mode
// it polls with timeout rounded down to whole milliseconds, so a
// sub-millisecond timeout does not wait either.
func (r *BSDReceiver) IsReadable(timeout time.Duration) bool {
	if r.useZeroCopy {
		return bufferHasData(r.zbufA) || bufferHasData(r.zbufB)
	}
	fds := []unix.PollFd{{Fd: int32(r.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil || n <= 0 {
		return false
	}
	return fds[0].Revents&unix.POLLIN != 0
}

func zbufHeader(buf []byte) *bpfZbufHeader {
	return (*bpfZbufHeader)(unsafe.Pointer(&buf[0]))
}

func bufferHasData(buf []byte) bool {
	h := zbufHeader(buf)
	return h.userGen != h.kernelGen
}

func bufferAcknowledge(h *bpfZbufHeader) {
	h.userGen = h.kernelGen
}

const bpfZbufHeaderSize = 32 // sizeof(struct bpf_zbuf_header), word-aligned

func readZbuffer(buf []byte, c *Counters) {
	h := zbufHeader(buf)
	size := int(h.kernelLen) - bpfZbufHeaderSize
	if size <= 0 {
		return
	}
	readBpfRecords(buf[bpfZbufHeaderSize:bpfZbufHeaderSize+size], c)
	bufferAcknowledge(h)
}

// bpfHdr mirrors struct bpf_hdr: a capture timestamp followed by
// caplen/datalen/hdrlen, word-aligned per record.
type bpfHdr struct {
	tvSec   uint32
	tvUsec  uint32
	caplen  uint32
	datalen uint32
	hdrlen  uint16
	_       uint16
}

func bpfWordAlign(x int) int {
	const align = 4
	return (x + align - 1) &^ (align - 1)
}

func readBpfRecords(buf []byte, c *Counters) {
	done := 0
	for done < len(buf) {
		if done+20 > len(buf) {
			return
		}
		h := (*bpfHdr)(unsafe.Pointer(&buf[done]))
		if h.caplen == 0 || h.hdrlen == 0 {
			return
		}
		chunk := bpfWordAlign(int(h.caplen) + int(h.hdrlen))
		if done+chunk > len(buf) {
			return
		}
		frame := buf[done+int(h.hdrlen) : done+int(h.hdrlen)+int(h.caplen)]
		acceptBSDFrame(frame, c)
		done += chunk
	}
}

func acceptBSDFrame(frame []byte, c *Counters) {
	if len(frame) < ethHeaderSize+20+8 {
		return
	}
	ip := frame[ethHeaderSize:]
	if ip[9] != 17 {
		return
	}
	AccountFrame(frame, time.Now(), c)
}

// Recv reads available traffic, dispatching each accepted frame to the
// shared packet-accounting procedure.
func (r *BSDReceiver) Recv(c *Counters) error {
	if r.useZeroCopy {
		if bufferHasData(r.zbufA) {
			readZbuffer(r.zbufA, c)
		}
		if bufferHasData(r.zbufB) {
			readZbuffer(r.zbufB, c)
		}
		return nil
	}
	n, err := unix.Read(r.fd, r.buffered)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil
		}
		return err
	}
	if n < 34 {
		return nil
	}
	readBpfRecords(r.buffered[:n], c)
	return nil
}

// Close releases the bpf handle and any zero-copy buffers.
func (r *BSDReceiver) Close() error {
	return unix.Close(r.fd)
}

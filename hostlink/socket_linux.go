//go:build linux

package hostlink

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	ErrNumFramesTooSmall = errors.New("NumFrames must be >= 2 * RingSize")
	ErrFrameSizeInvalid  = errors.New("FrameSize must be a power of two >= 2048")
)

const (
	DefaultNumFrames = 4096
	DefaultFrameSize = 2048
	DefaultRingSize  = 1024
)

type SocketConfig struct {
	// QueueID identifies the NIC RX/TX queue to bind to.
	QueueID uint32
	// NumFrames is the total number of UMEM frames. The first RingSize
	// frames are lent to the kernel for RX, the rest are used for TX.
	NumFrames uint32
	// FrameSize is the size of each UMEM frame in bytes.
	FrameSize uint32
	// RingSize is the number of entries in each of the four rings.
	RingSize uint32
}

func (c *SocketConfig) ValidateAndSetDefaults() error {
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.RingSize == 0 {
		c.RingSize = DefaultRingSize
	}
	if c.FrameSize < 2048 || c.FrameSize&(c.FrameSize-1) != 0 {
		return ErrFrameSizeInvalid
	}
	if c.RingSize&(c.RingSize-1) != 0 {
		return ErrRingSize
	}
	if c.NumFrames < 2*c.RingSize {
		return ErrNumFramesTooSmall
	}
	return nil
}

// sockaddrXDP is struct sockaddr_xdp from linux/if_xdp.h.
type sockaddrXDP struct {
	Family       uint16
	Flags        uint16
	Ifindex      uint32
	QueueID      uint32
	SharedUmemFD uint32
}

// mmapOffsets is struct xdp_mmap_offsets from linux/if_xdp.h.
type mmapOffsets struct {
	Rx ringOffset
	Tx ringOffset
	Fr ringOffset
	Cr ringOffset
}

// umemReg is struct xdp_umem_reg from linux/if_xdp.h.
type umemReg struct {
	Addr      uint64
	Len       uint64
	ChunkSize uint32
	Headroom  uint32
}

// Socket is an AF_XDP socket bound to one queue of an Interface.
// Not safe for concurrent use.
type Socket struct {
	conf     SocketConfig
	zerocopy bool
	fd       int
	umem     []byte
	regions  [][]byte

	rx *ring[desc]
	tx *ring[desc]
	fq *ring[uint64]
	cq *ring[uint64]

	pool *framePool
}

// Open creates an AF_XDP socket with its own UMEM, binds it to the
// configured queue and registers it with the redirect program.
func (i *Interface) Open(conf SocketConfig) (_ *Socket, err error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return nil, fmt.Errorf("opening AF_XDP socket: %w", err)
	}
	s := &Socket{conf: conf, fd: fd}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	s.umem, err = unix.Mmap(-1, 0, int(conf.NumFrames*conf.FrameSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("mmap UMEM: %w", err)
	}
	reg := umemReg{
		Addr:      uint64(uintptr(unsafe.Pointer(&s.umem[0]))),
		Len:       uint64(len(s.umem)),
		ChunkSize: conf.FrameSize,
	}
	if err := setsockopt(fd, unix.XDP_UMEM_REG, unsafe.Pointer(&reg), unsafe.Sizeof(reg)); err != nil {
		return nil, fmt.Errorf("setsockopt XDP_UMEM_REG: %w", err)
	}

	size := conf.RingSize
	for _, opt := range []struct {
		name int
		desc string
	}{
		{unix.XDP_UMEM_FILL_RING, "XDP_UMEM_FILL_RING"},
		{unix.XDP_UMEM_COMPLETION_RING, "XDP_UMEM_COMPLETION_RING"},
		{unix.XDP_RX_RING, "XDP_RX_RING"},
		{unix.XDP_TX_RING, "XDP_TX_RING"},
	} {
		if err := setsockopt(fd, opt.name, unsafe.Pointer(&size), unsafe.Sizeof(size)); err != nil {
			return nil, fmt.Errorf("setsockopt %s: %w", opt.desc, err)
		}
	}

	var offs mmapOffsets
	offsLen := uint32(unsafe.Sizeof(offs))
	if _, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd), unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		uintptr(unsafe.Pointer(&offs)), uintptr(unsafe.Pointer(&offsLen)), 0,
	); e != 0 {
		return nil, fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", e)
	}

	if s.rx, err = mapRing[desc](s, offs.Rx, unix.XDP_PGOFF_RX_RING, false); err != nil {
		return nil, fmt.Errorf("mapping RX ring: %w", err)
	}
	if s.tx, err = mapRing[desc](s, offs.Tx, unix.XDP_PGOFF_TX_RING, true); err != nil {
		return nil, fmt.Errorf("mapping TX ring: %w", err)
	}
	if s.fq, err = mapRing[uint64](s, offs.Fr, unix.XDP_UMEM_PGOFF_FILL_RING, true); err != nil {
		return nil, fmt.Errorf("mapping fill ring: %w", err)
	}
	if s.cq, err = mapRing[uint64](s, offs.Cr, unix.XDP_UMEM_PGOFF_COMPLETION_RING, false); err != nil {
		return nil, fmt.Errorf("mapping completion ring: %w", err)
	}

	// Lend the first RingSize frames to the kernel for RX.
	idx, _ := s.fq.reserve(size)
	for n := range size {
		*s.fq.slot(idx + n) = uint64(n) * uint64(conf.FrameSize)
	}
	s.fq.submit()
	s.pool = newFramePool(size, conf.NumFrames-size, conf.FrameSize)

	sa := sockaddrXDP{
		Family:  unix.AF_XDP,
		Ifindex: uint32(i.index),
		QueueID: conf.QueueID,
		Flags:   unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP,
	}
	if i.preferZerocopy {
		sa.Flags = unix.XDP_ZEROCOPY | unix.XDP_USE_NEED_WAKEUP
	}
	err = bind(fd, &sa)
	if errors.Is(err, unix.EPROTONOSUPPORT) && i.preferZerocopy {
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
		err = bind(fd, &sa)
	}
	if err != nil {
		return nil, fmt.Errorf("binding socket to %s:%d: %w", i.name, conf.QueueID, err)
	}
	s.zerocopy = sa.Flags&unix.XDP_ZEROCOPY != 0

	if err := i.register(fd, conf.QueueID); err != nil {
		return nil, fmt.Errorf("registering XSK: %w", err)
	}
	return s, nil
}

func mapRing[T desc | uint64](s *Socket, off ringOffset, pgoff int64, producer bool) (*ring[T], error) {
	var zero T
	length := int(off.Desc) + int(s.conf.RingSize)*int(unsafe.Sizeof(zero))
	region, err := unix.Mmap(s.fd, pgoff, length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return nil, err
	}
	s.regions = append(s.regions, region)
	return newRing[T](region, off, s.conf.RingSize, producer)
}

func bind(fd int, sa *sockaddrXDP) error {
	_, _, e := unix.Syscall(unix.SYS_BIND,
		uintptr(fd), uintptr(unsafe.Pointer(sa)), unsafe.Sizeof(*sa))
	if e != 0 {
		return e
	}
	return nil
}

func setsockopt(fd, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), unix.SOL_XDP, uintptr(name), uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

// IsZerocopy reports whether the socket is operating in zero-copy mode.
// It may be false even with zerocopy preferred when the queue doesn't
// support it.
func (s *Socket) IsZerocopy() bool { return s.zerocopy }

// Receive calls fn for up to max frames from the RX ring and returns
// their UMEM frames to the fill ring.
func (s *Socket) Receive(max uint32, fn func(frame []byte)) (int, error) {
	n := s.rx.available(max)
	if n == 0 {
		return 0, nil
	}
	// Every frame taken from RX goes straight back to the fill ring,
	// which holds RingSize entries, so the reservation can't fail.
	idx, _ := s.fq.reserve(n)
	for i := range n {
		d := s.rx.at(i)
		fn(s.umem[d.Addr : d.Addr+uint64(d.Len)])
		*s.fq.slot(idx + i) = d.Addr &^ uint64(s.conf.FrameSize-1)
	}
	s.rx.release(n)
	s.fq.submit()
	if s.fq.needWakeup() {
		return int(n), s.kick()
	}
	return int(n), nil
}

// Transmit copies frame into a free UMEM frame and publishes it on the
// TX ring. It returns ErrTxFull when no frame or descriptor is free.
func (s *Socket) Transmit(frame []byte) error {
	if len(frame) > int(s.conf.FrameSize) {
		return ErrFrameSize
	}
	s.reclaim()
	addr, ok := s.pool.get()
	if !ok {
		return ErrTxFull
	}
	idx, ok := s.tx.reserve(1)
	if !ok {
		s.pool.put(addr)
		return ErrTxFull
	}
	copy(s.umem[addr:addr+uint64(s.conf.FrameSize)], frame)
	*s.tx.slot(idx) = desc{Addr: addr, Len: uint32(len(frame))}
	s.tx.submit()
	if s.tx.needWakeup() {
		return s.kick()
	}
	return nil
}

// reclaim returns completed TX frames to the pool.
func (s *Socket) reclaim() {
	n := s.cq.available(s.conf.RingSize)
	for i := range n {
		s.pool.put(*s.cq.at(i))
	}
	s.cq.release(n)
}

// kick wakes the kernel up to process the TX and fill rings.
func (s *Socket) kick() error {
	err := unix.Sendto(s.fd, nil, unix.MSG_DONTWAIT, nil)
	switch {
	case err == nil,
		errors.Is(err, unix.EAGAIN),
		errors.Is(err, unix.EBUSY),
		errors.Is(err, unix.ENOBUFS):
		return nil
	}
	return fmt.Errorf("waking up socket: %w", err)
}

// Wait blocks until the socket becomes readable or the timeout expires.
// It returns an error only for real system call failures.
func (s *Socket) Wait(timeoutMS int) error {
	for {
		_, err := unix.Poll([]unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}, timeoutMS)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}

func (s *Socket) Close() error {
	var errs []error
	if s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing socket: %w", err))
		}
		s.fd = -1
	}
	for _, r := range s.regions {
		if err := unix.Munmap(r); err != nil {
			errs = append(errs, fmt.Errorf("unmapping ring: %w", err))
		}
	}
	s.regions = nil
	if s.umem != nil {
		if err := unix.Munmap(s.umem); err != nil {
			errs = append(errs, fmt.Errorf("unmapping UMEM: %w", err))
		}
		s.umem = nil
	}
	return errors.Join(errs...)
}

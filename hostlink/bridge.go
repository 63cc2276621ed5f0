// Package hostlink connects the simulated e1000 to a real network interface
// through an AF_XDP socket, so the guest stack can talk to hosts on the LAN.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - RX ring: frames delivered from the host NIC to userspace.
//   - FQ ring: UMEM addresses userspace provides to the kernel for RX.
//   - TX ring: descriptors userspace sends to the host NIC.
//   - CQ ring: completed TX buffers returned by the kernel.
package hostlink

import (
	"context"
	"errors"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/romshark/e1000net/ifacestat"
)

var (
	ErrTxFull         = errors.New("no free TX frame")
	ErrFrameSize      = errors.New("frame exceeds UMEM frame size")
	ErrBacklogTooBig  = errors.New("Backlog must be <= 65536")
	ErrNoNetInterface = errors.New("no network interface name")
)

const (
	DefaultBatchSize = 64
	DefaultBacklog   = 256
)

// Port is a host-side frame port. *Socket is the production implementation.
type Port interface {
	// Receive calls fn for up to max received frames. The frame is only
	// valid during the call.
	Receive(max uint32, fn func(frame []byte)) (int, error)
	Transmit(frame []byte) error
	// Wait blocks until frames may be received or the timeout expires.
	Wait(timeoutMS int) error
}

// Injector receives frames from the host. *e1000sim.Device implements it.
type Injector interface {
	Inject(frame []byte) bool
}

type BridgeConfig struct {
	// BatchSize bounds the number of frames handled per loop iteration.
	BatchSize uint32
	// Backlog is the number of guest frames that may wait for the host TX ring.
	Backlog int
	Log     logrus.FieldLogger
	// Stats counts frames from the host as Rx and frames to the host as Tx.
	Stats *ifacestat.Counters
}

func (c *BridgeConfig) ValidateAndSetDefaults() error {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Backlog == 0 {
		c.Backlog = DefaultBacklog
	}
	if c.Backlog > 1<<16 {
		return ErrBacklogTooBig
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return nil
}

// Bridge moves frames between a host Port and the simulated device.
// Guest frames arrive through Send (the device's wire) and are queued
// until Run hands them to the host; host frames are injected into the
// device's receive ring.
type Bridge struct {
	port  Port
	dev   Injector
	conf  BridgeConfig
	out   chan []byte
	stats *ifacestat.Counters
}

func NewBridge(port Port, dev Injector, conf BridgeConfig) (*Bridge, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Bridge{
		port:  port,
		dev:   dev,
		conf:  conf,
		out:   make(chan []byte, conf.Backlog),
		stats: conf.Stats,
	}, nil
}

// Send queues a guest frame for the host. It never blocks; frames that
// don't fit in the backlog are dropped.
func (b *Bridge) Send(frame []byte) {
	select {
	case b.out <- append([]byte(nil), frame...):
	default:
		b.stats.Inc(ifacestat.TxRingFull)
	}
}

// Run bridges frames until ctx is canceled and returns context.Canceled.
// Only Run touches the port.
func (b *Bridge) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	inject := func(frame []byte) {
		if !b.dev.Inject(frame) {
			b.stats.Inc(ifacestat.RxMissed)
			return
		}
		b.stats.Inc(ifacestat.RxPackets)
		b.stats.Add(ifacestat.RxBytes, uint64(len(frame)))
	}

	for ctx.Err() == nil {
		sent, err := b.flush()
		if err != nil {
			return err
		}
		n, err := b.port.Receive(b.conf.BatchSize, inject)
		if err != nil {
			return err
		}
		if n == 0 && sent == 0 {
			if err := b.port.Wait(1); err != nil {
				return err
			}
		}
	}
	return context.Canceled
}

// flush hands up to one batch of queued guest frames to the port.
func (b *Bridge) flush() (sent int, err error) {
	for range b.conf.BatchSize {
		var frame []byte
		select {
		case frame = <-b.out:
		default:
			return sent, nil
		}
		switch err := b.port.Transmit(frame); {
		case errors.Is(err, ErrTxFull):
			b.stats.Inc(ifacestat.TxRingFull)
			b.conf.Log.WithField("len", len(frame)).Debug("host TX ring full, frame dropped")
		case errors.Is(err, ErrFrameSize):
			b.conf.Log.WithField("len", len(frame)).Warn("guest frame too large for host")
		case err != nil:
			return sent, err
		default:
			sent++
			b.stats.Inc(ifacestat.TxPackets)
			b.stats.Add(ifacestat.TxBytes, uint64(len(frame)))
		}
	}
	return sent, nil
}

// Package e1000 drives the Intel 82540EM gigabit controller.
//
// The driver owns one transmit and one receive ring of legacy descriptors.
// Both rings and all frame buffers live in DMA memory obtained from a
// mem.Allocator; the device addresses them by physical address.
//
// Terminology:
//
//   - TDT: transmit tail. The driver programs the slot at TDT and advances it.
//   - RDT: receive tail. Slots after RDT up to RDH are owned by the driver
//     once the device set their DD bit; RDT is advanced as they are consumed.
package e1000

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/e1000net/ifacestat"
	"github.com/romshark/e1000net/mem"
)

var (
	ErrNoFreeDescriptor = errors.New("no free transmit descriptor")
	ErrFrameLength      = errors.New("frame length out of range")
	ErrRingSize         = errors.New("ring size must be a multiple of 8 in [8, 256]")
	ErrInvalidMAC       = errors.New("invalid MAC address")
	ErrClosed           = errors.New("device closed")

	// ErrRingAlloc is the panic value when ring memory cannot be allocated
	// during initialization. A half-initialized ring cannot function.
	ErrRingAlloc = errors.New("e1000: allocating ring memory")
)

const (
	DefaultTxRingSize   = 16
	DefaultRxRingSize   = 16
	DefaultPollInterval = time.Millisecond

	maxRingSize = mem.PageSize / DescSize
)

// DefaultMAC is the address QEMU assigns to the guest NIC.
var DefaultMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

type Config struct {
	// MAC is programmed into the receive address filter.
	MAC net.HardwareAddr
	// TxRingSize is the number of transmit descriptors.
	TxRingSize int
	// RxRingSize is the number of receive descriptors.
	RxRingSize int
	// Log receives driver diagnostics. Defaults to logrus.StandardLogger().
	Log logrus.FieldLogger
	// Stats is optional.
	Stats *ifacestat.Counters
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.MAC == nil {
		c.MAC = DefaultMAC
	}
	if len(c.MAC) != 6 {
		return ErrInvalidMAC
	}
	if c.TxRingSize == 0 {
		c.TxRingSize = DefaultTxRingSize
	}
	if c.RxRingSize == 0 {
		c.RxRingSize = DefaultRxRingSize
	}
	for _, n := range []int{c.TxRingSize, c.RxRingSize} {
		// TDLEN/RDLEN must be 128-byte aligned; one page of descriptors.
		if n < 8 || n > maxRingSize || n%8 != 0 {
			return ErrRingSize
		}
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return nil
}

// Frame is a received frame copied out of the ring. The receiver owns Page.
type Frame struct {
	Page mem.Page
	Len  int
}

// RxHandler consumes received frames. It takes ownership of p.
type RxHandler func(p mem.Page, n int)

// Device is one initialized controller.
type Device struct {
	regs  RegisterWindow
	alloc mem.Allocator
	mac   [6]byte
	log   logrus.FieldLogger
	stats *ifacestat.Counters

	// mu protects the rings, the slot tables and the ring registers.
	mu      sync.Mutex
	txMem   mem.Page
	rxMem   mem.Page
	tx      []TxDesc
	rx      []RxDesc
	txSlots []txSlot
	rxBufs  []mem.Page
	onRx    RxHandler
}

// New resets the controller behind regs and brings up both rings.
// It panics if DMA memory for the rings or the receive buffers cannot be
// allocated.
func New(regs RegisterWindow, alloc mem.Allocator, conf Config) (*Device, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	d := &Device{
		regs:    regs,
		alloc:   alloc,
		log:     conf.Log.WithField("dev", "e1000"),
		stats:   conf.Stats,
		txSlots: make([]txSlot, conf.TxRingSize),
		rxBufs:  make([]mem.Page, conf.RxRingSize),
	}
	copy(d.mac[:], conf.MAC)

	d.mu.Lock()
	defer d.mu.Unlock()

	// Reset the device.
	regs.Store(IMC, 0xffffffff)
	regs.Store(CTL, regs.Load(CTL)|CTL_RST)
	regs.Store(IMC, 0xffffffff)

	d.initTx(conf.TxRingSize)
	d.initRx(conf.RxRingSize)

	// Filter by our MAC address.
	ral, rah := receiveAddress(d.mac)
	regs.Store(RAL, ral)
	regs.Store(RAH, rah)
	for i := range Reg(MTAWords) {
		regs.Store(MTA+4*i, 0)
	}

	regs.Store(TCTL, TCTL_EN|
		TCTL_PSP|
		0x10<<TCTL_CT_SHIFT| // collision threshold
		0x40<<TCTL_COLD_SHIFT) // collision distance
	regs.Store(TIPG, 10|8<<10|6<<20) // inter-packet gap

	regs.Store(RCTL, RCTL_EN|
		RCTL_BAM|
		RCTL_SZ_2048|
		RCTL_SECRC)

	// Interrupt after every received packet, no delay timers.
	regs.Store(RDTR, 0)
	regs.Store(RADV, 0)
	regs.Store(IMS, ICR_RXDW)

	d.log.WithFields(logrus.Fields{
		"mac":    net.HardwareAddr(d.mac[:]).String(),
		"tx":     conf.TxRingSize,
		"rx":     conf.RxRingSize,
		"status": fmt.Sprintf("%#x", regs.Load(STATUS)),
	}).Info("e1000 initialized")

	return d, nil
}

func (d *Device) allocRing() mem.Page {
	p, ok := d.alloc.AllocPage()
	if !ok {
		panic(ErrRingAlloc)
	}
	clear(p.Buf)
	return p
}

// initTx marks every descriptor done so the first transmit finds a free
// slot [E1000 14.5].
func (d *Device) initTx(n int) {
	d.txMem = d.allocRing()
	d.tx = TxRing(d.txMem.Buf[:n*DescSize])
	for i := range d.tx {
		d.tx[i].Complete()
	}

	d.regs.Store(TDBAL, uint32(d.txMem.Addr))
	d.regs.Store(TDBAH, uint32(d.txMem.Addr>>32))
	d.regs.Store(TDLEN, uint32(n*DescSize))
	d.regs.Store(TDH, 0)
	d.regs.Store(TDT, 0)
}

// initRx binds one permanent buffer to every descriptor [E1000 14.4].
func (d *Device) initRx(n int) {
	d.rxMem = d.allocRing()
	d.rx = RxRing(d.rxMem.Buf[:n*DescSize])
	for i := range d.rx {
		p, ok := d.alloc.AllocPage()
		if !ok {
			panic(fmt.Errorf("%w: rx buffer %d", ErrRingAlloc, i))
		}
		d.rxBufs[i] = p
		d.rx[i].bind(p.Addr)
	}

	d.regs.Store(RDBAL, uint32(d.rxMem.Addr))
	d.regs.Store(RDBAH, uint32(d.rxMem.Addr>>32))
	d.regs.Store(RDLEN, uint32(n*DescSize))
	d.regs.Store(RDH, 0)
	// The device may fill every slot but the one at the tail.
	d.regs.Store(RDT, uint32(n-1))
}

// MAC returns the station address programmed into the device.
func (d *Device) MAC() net.HardwareAddr { return net.HardwareAddr(d.mac[:]) }

// SetRxHandler registers the consumer of received frames.
func (d *Device) SetRxHandler(h RxHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRx = h
}

// Transmit hands the first n bytes of p to the device.
//
// On success the device owns p until its slot is reused; the caller must
// neither touch nor free it. On error the caller keeps ownership and may
// retry or free it. ErrNoFreeDescriptor is returned when the device has not
// finished with the slot at the tail yet, ErrClosed after Close.
func (d *Device) Transmit(p mem.Page, n int) error {
	if n <= 0 || n > len(p.Buf) || n > 0xffff {
		return fmt.Errorf("%w: %d", ErrFrameLength, n)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	size := uint32(len(d.tx))
	if size == 0 {
		return ErrClosed
	}
	t := d.regs.Load(TDT) % size
	desc := &d.tx[t]

	if desc.Status()&TXD_STAT_DD == 0 {
		d.stats.Inc(ifacestat.TxRingFull)
		d.log.WithField("slot", t).Debug("no free tx descriptor")
		return ErrNoFreeDescriptor
	}

	// The device is done with the previous occupant.
	if prev, ok := d.txSlots[t].replace(p); ok {
		d.alloc.FreePage(prev)
	}
	desc.program(p.Addr, uint16(n), TXD_CMD_EOP|TXD_CMD_RS)

	d.regs.Store(TDT, (t+1)%size)

	d.stats.Inc(ifacestat.TxPackets)
	d.stats.Add(ifacestat.TxBytes, uint64(n))
	return nil
}

// DrainReceived consumes every receive descriptor the device has completed
// and returns copies of their frames. It never blocks.
func (d *Device) DrainReceived() []Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drain()
}

func (d *Device) drain() (frames []Frame) {
	size := uint32(len(d.rx))
	if size == 0 {
		return nil
	}
	i := (d.regs.Load(RDT) + 1) % size

	for range size {
		desc := &d.rx[i]
		status := desc.Status()
		if status&RXD_STAT_DD == 0 {
			break // Not finished by the device yet.
		}

		n := int(desc.Length())
		switch {
		case status&RXD_STAT_EOP == 0 || desc.Errors() != 0 ||
			n <= 0 || n > RxBufferSize:
			d.stats.Inc(ifacestat.RxMalformed)
		default:
			// The ring buffer stays registered with the device,
			// hand out a copy.
			cp, ok := d.alloc.AllocPage()
			if !ok {
				d.stats.Inc(ifacestat.RxDropped)
				d.log.WithField("slot", i).Debug("rx copy allocation failed")
				break
			}
			copy(cp.Buf, d.rxBufs[i].Buf[:n])
			frames = append(frames, Frame{Page: cp, Len: n})
			d.stats.Inc(ifacestat.RxPackets)
			d.stats.Add(ifacestat.RxBytes, uint64(n))
		}

		desc.rearm()
		d.regs.Store(RDT, i)
		i = (i + 1) % size
	}
	return frames
}

// Intr services an interrupt: it acknowledges all causes, drains the
// receive ring and hands every frame to the RxHandler with no lock held.
// Frames are freed when no handler is registered.
// Returns the number of frames drained.
func (d *Device) Intr() int {
	// Without the acknowledgement the device raises no further interrupts.
	d.regs.Store(ICR, 0xffffffff)

	d.mu.Lock()
	frames := d.drain()
	h := d.onRx
	d.mu.Unlock()

	for _, f := range frames {
		if h == nil {
			d.alloc.FreePage(f.Page)
			continue
		}
		h(f.Page, f.Len)
	}
	return len(frames)
}

// Serve runs Intr for every notification on irq until ctx is canceled.
// When pollInterval > 0 the receive ring is also polled at that interval;
// with no interrupt line it defaults to DefaultPollInterval.
// Returns context.Canceled on cancellation.
func (d *Device) Serve(
	ctx context.Context, irq <-chan struct{}, pollInterval time.Duration,
) error {
	if irq == nil && pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	var tick <-chan time.Time
	if pollInterval > 0 {
		t := time.NewTicker(pollInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-irq:
			d.Intr()
		case <-tick:
			d.Intr()
		}
	}
}

// Close disables the device and returns all DMA memory to the allocator.
// The Device must not be used afterwards.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.regs.Store(IMC, 0xffffffff)
	d.regs.Store(RCTL, 0)
	d.regs.Store(TCTL, 0)

	for i := range d.txSlots {
		if p, ok := d.txSlots[i].release(); ok {
			d.alloc.FreePage(p)
		}
	}
	for i, p := range d.rxBufs {
		if !p.IsZero() {
			d.alloc.FreePage(p)
			d.rxBufs[i] = mem.Page{}
		}
	}
	for _, p := range []*mem.Page{&d.txMem, &d.rxMem} {
		if !p.IsZero() {
			d.alloc.FreePage(*p)
			*p = mem.Page{}
		}
	}
	d.tx, d.rx = nil, nil
	return nil
}

// Package e1000sim models the device side of an 82540EM: its register
// file, the transmit and receive DMA engines and the interrupt line.
//
// The model reaches descriptors and buffers exclusively through physical
// addresses, the way the real controller does, so the driver under test
// cannot cheat by sharing Go pointers with it.
package e1000sim

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/romshark/e1000net/e1000"
	"github.com/romshark/e1000net/mem"
	"github.com/romshark/e1000net/pci"
)

// Wire is the far side of the link. Send gets every transmitted frame;
// frame is only valid during the call and Send must not call back into
// the Device.
type Wire interface {
	Send(frame []byte)
}

// WireFunc adapts a function to Wire.
type WireFunc func(frame []byte)

func (f WireFunc) Send(frame []byte) { f(frame) }

// minFrame is the length short frames are padded to when TCTL.PSP is set.
const minFrame = 60

var broadcast = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Device is a simulated controller. It implements e1000.RegisterWindow.
type Device struct {
	mem mem.Translator
	log logrus.FieldLogger

	lock   sync.Mutex
	regs   map[e1000.Reg]uint32
	wire   Wire
	holdTx bool
	padBuf [minFrame]byte

	irq chan struct{}

	txFrames atomic.Uint64
	rxFrames atomic.Uint64
	rxMissed atomic.Uint64
	filtered atomic.Uint64
}

// New returns a powered-on device that reaches DMA memory through m.
func New(m mem.Translator, log logrus.FieldLogger) *Device {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Device{
		mem:  m,
		log:  log.WithField("dev", "e1000sim"),
		regs: make(map[e1000.Reg]uint32),
		irq:  make(chan struct{}, 1),
	}
}

// Attach connects the wire side of the device.
func (d *Device) Attach(w Wire) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.wire = w
}

// IRQ returns the interrupt line. A pending interrupt is signaled at most
// once until it is consumed.
func (d *Device) IRQ() <-chan struct{} { return d.irq }

// TxFrames returns the number of frames put on the wire.
func (d *Device) TxFrames() uint64 { return d.txFrames.Load() }

// RxFrames returns the number of frames stored into the receive ring.
func (d *Device) RxFrames() uint64 { return d.rxFrames.Load() }

// RxMissed returns the number of frames dropped because the receive ring
// had no descriptor available.
func (d *Device) RxMissed() uint64 { return d.rxMissed.Load() }

// Filtered returns the number of frames rejected by the address filter.
func (d *Device) Filtered() uint64 { return d.filtered.Load() }

func (d *Device) Load(r e1000.Reg) uint32 {
	d.lock.Lock()
	defer d.lock.Unlock()

	v := d.regs[r]
	if r == e1000.ICR {
		// Read to clear.
		d.regs[e1000.ICR] = 0
	}
	return v
}

func (d *Device) Store(r e1000.Reg, v uint32) {
	d.lock.Lock()
	defer d.lock.Unlock()

	switch r {
	case e1000.CTL:
		if v&e1000.CTL_RST != 0 {
			clear(d.regs)
			v &^= e1000.CTL_RST
		}
		d.regs[r] = v
	case e1000.ICR:
		d.regs[r] &^= v
	case e1000.IMS:
		d.regs[e1000.IMS] |= v
		d.raise(0)
	case e1000.IMC:
		d.regs[e1000.IMS] &^= v
	case e1000.TDT:
		d.regs[r] = v
		if !d.holdTx {
			d.transmit()
		}
	default:
		d.regs[r] = v
	}
}

// HoldTx stops the transmit engine: descriptors stay pending with DD clear.
func (d *Device) HoldTx() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.holdTx = true
}

// ReleaseTx restarts the transmit engine and completes pending descriptors.
func (d *Device) ReleaseTx() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.holdTx = false
	d.transmit()
}

// raise latches cause into ICR and signals the interrupt line if any
// latched cause is unmasked.
func (d *Device) raise(cause uint32) {
	d.regs[e1000.ICR] |= cause
	if d.regs[e1000.ICR]&d.regs[e1000.IMS] == 0 {
		return
	}
	select {
	case d.irq <- struct{}{}:
	default: // Already pending.
	}
}

func ringBase(lo, hi uint32) uint64 { return uint64(hi)<<32 | uint64(lo) }

// transmit fetches every descriptor from TDH on that the driver handed
// over (DD clear) and puts its frame on the wire.
func (d *Device) transmit() {
	size := d.regs[e1000.TDLEN] / e1000.DescSize
	if size == 0 {
		return
	}
	b, ok := d.mem.Translate(
		ringBase(d.regs[e1000.TDBAL], d.regs[e1000.TDBAH]), int(size*e1000.DescSize))
	if !ok {
		d.log.Warn("tx ring base not in DMA memory")
		return
	}
	ring := e1000.TxRing(b)
	enabled := d.regs[e1000.TCTL]&e1000.TCTL_EN != 0
	pad := d.regs[e1000.TCTL]&e1000.TCTL_PSP != 0

	head := d.regs[e1000.TDH] % size
	done := 0
	for range size {
		desc := &ring[head]
		if desc.Status()&e1000.TXD_STAT_DD != 0 {
			break
		}
		if enabled {
			d.put(desc, pad)
		}
		if desc.Cmd()&e1000.TXD_CMD_RS != 0 {
			desc.Complete()
		}
		head = (head + 1) % size
		done++
	}
	d.regs[e1000.TDH] = head
	if done > 0 {
		d.raise(e1000.ICR_TXDW)
	}
}

func (d *Device) put(desc *e1000.TxDesc, pad bool) {
	frame, ok := d.mem.Translate(desc.Addr(), int(desc.Length()))
	if !ok {
		d.log.WithField("addr", desc.Addr()).Warn("tx buffer not in DMA memory")
		return
	}
	if pad && len(frame) < minFrame {
		clear(d.padBuf[:])
		copy(d.padBuf[:], frame)
		frame = d.padBuf[:]
	}
	d.txFrames.Add(1)
	if d.wire != nil {
		d.wire.Send(frame)
	}
}

// Inject delivers frame from the wire into the receive ring.
// It reports whether the frame was stored.
func (d *Device) Inject(frame []byte) bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	rctl := d.regs[e1000.RCTL]
	if rctl&e1000.RCTL_EN == 0 || len(frame) > e1000.RxBufferSize {
		d.rxMissed.Add(1)
		return false
	}
	if !d.accept(frame, rctl) {
		d.filtered.Add(1)
		return false
	}

	size := d.regs[e1000.RDLEN] / e1000.DescSize
	if size == 0 {
		d.rxMissed.Add(1)
		return false
	}
	head, tail := d.regs[e1000.RDH]%size, d.regs[e1000.RDT]%size
	if head == tail {
		// Every descriptor is still owned by the driver.
		d.rxMissed.Add(1)
		return false
	}

	b, ok := d.mem.Translate(
		ringBase(d.regs[e1000.RDBAL], d.regs[e1000.RDBAH]), int(size*e1000.DescSize))
	if !ok {
		d.log.Warn("rx ring base not in DMA memory")
		return false
	}
	desc := &e1000.RxRing(b)[head]
	buf, ok := d.mem.Translate(desc.Addr(), len(frame))
	if !ok {
		d.log.WithField("addr", desc.Addr()).Warn("rx buffer not in DMA memory")
		return false
	}
	copy(buf, frame)
	desc.WriteBack(uint16(len(frame)), e1000.RXD_STAT_DD|e1000.RXD_STAT_EOP, 0)

	d.regs[e1000.RDH] = (head + 1) % size
	d.rxFrames.Add(1)
	d.raise(e1000.ICR_RXDW)
	return true
}

// accept applies the receive address filter.
func (d *Device) accept(frame []byte, rctl uint32) bool {
	if len(frame) < 6 {
		return false
	}
	var dst [6]byte
	copy(dst[:], frame)
	if dst == broadcast {
		return rctl&e1000.RCTL_BAM != 0
	}
	rah := d.regs[e1000.RAH]
	if rah&e1000.RAH_AV == 0 {
		return false
	}
	ral := d.regs[e1000.RAL]
	mac := [6]byte{
		byte(ral), byte(ral >> 8), byte(ral >> 16), byte(ral >> 24),
		byte(rah), byte(rah >> 8),
	}
	return dst == mac
}

// Bus exposes the device as the only function of a PCI bus.
func (d *Device) Bus() pci.Bus { return simBus{d} }

type simBus struct{ d *Device }

func (b simBus) Functions() ([]pci.Function, error) {
	return []pci.Function{{
		Addr:    "0000:00:03.0",
		Vendor:  pci.VendorIntel,
		Device:  pci.Device82540EM,
		IRQLine: 11,
	}}, nil
}

func (b simBus) Enable(fn *pci.Function) error {
	fn.BAR0 = b.d
	fn.IRQ = b.d.irq
	return nil
}

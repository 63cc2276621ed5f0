package e1000

import (
	"sync/atomic"
	"unsafe"

	"github.com/romshark/e1000net/mem"
)

// DescSize is the size of a legacy descriptor in bytes.
const DescSize = 16

// TxDesc is the legacy transmit descriptor [E1000 3.3.3].
//
// The second quadword holds, from the least significant byte:
// length(16) cso(8) cmd(8) status(8) css(8) special(16).
// It is always accessed atomically because the device writes status back.
// Layout assumes a little-endian host.
type TxDesc struct {
	addr uint64
	word uint64
}

func (d *TxDesc) Addr() uint64   { return atomic.LoadUint64(&d.addr) }
func (d *TxDesc) Length() uint16 { return uint16(atomic.LoadUint64(&d.word)) }
func (d *TxDesc) Cmd() uint8     { return uint8(atomic.LoadUint64(&d.word) >> 24) }
func (d *TxDesc) Status() uint8  { return uint8(atomic.LoadUint64(&d.word) >> 32) }

// program fills the descriptor for one end-of-packet frame and clears
// status, handing the descriptor to the device.
func (d *TxDesc) program(pa uint64, length uint16, cmd uint8) {
	atomic.StoreUint64(&d.addr, pa)
	atomic.StoreUint64(&d.word, uint64(length)|uint64(cmd)<<24)
}

// Complete is the device-side write-back: it sets DD.
func (d *TxDesc) Complete() {
	for {
		old := atomic.LoadUint64(&d.word)
		if atomic.CompareAndSwapUint64(&d.word, old, old|TXD_STAT_DD<<32) {
			return
		}
	}
}

// RxDesc is the legacy receive descriptor [E1000 3.2.3].
//
// The second quadword holds, from the least significant byte:
// length(16) csum(16) status(8) errors(8) special(16).
type RxDesc struct {
	addr uint64
	word uint64
}

func (d *RxDesc) Addr() uint64   { return atomic.LoadUint64(&d.addr) }
func (d *RxDesc) Length() uint16 { return uint16(atomic.LoadUint64(&d.word)) }
func (d *RxDesc) Status() uint8  { return uint8(atomic.LoadUint64(&d.word) >> 32) }
func (d *RxDesc) Errors() uint8  { return uint8(atomic.LoadUint64(&d.word) >> 40) }

// bind points the descriptor at its permanent buffer and clears status.
func (d *RxDesc) bind(pa uint64) {
	atomic.StoreUint64(&d.addr, pa)
	atomic.StoreUint64(&d.word, 0)
}

// rearm clears status, returning the slot to the device. addr is kept.
func (d *RxDesc) rearm() { atomic.StoreUint64(&d.word, 0) }

// WriteBack is the device-side write-back after a frame was stored.
func (d *RxDesc) WriteBack(length uint16, status, errs uint8) {
	atomic.StoreUint64(&d.word,
		uint64(length)|uint64(status)<<32|uint64(errs)<<40)
}

// TxRing views b as transmit descriptors. b must be 16-byte aligned.
func TxRing(b []byte) []TxDesc {
	return unsafe.Slice((*TxDesc)(unsafe.Pointer(&b[0])), len(b)/DescSize)
}

// RxRing views b as receive descriptors. b must be 16-byte aligned.
func RxRing(b []byte) []RxDesc {
	return unsafe.Slice((*RxDesc)(unsafe.Pointer(&b[0])), len(b)/DescSize)
}

// txSlot records which page, if any, a transmit descriptor exposes to the
// device. The page stays owned by the slot until the slot is reused.
type txSlot struct {
	page  mem.Page
	owned bool
}

// replace installs p and returns the previous occupant, which the caller
// must free. Only call once the descriptor's DD bit was observed set.
func (s *txSlot) replace(p mem.Page) (prev mem.Page, hadPrev bool) {
	prev, hadPrev = s.page, s.owned
	s.page, s.owned = p, true
	return prev, hadPrev
}

// release empties the slot, returning its occupant.
func (s *txSlot) release() (mem.Page, bool) {
	p, ok := s.page, s.owned
	s.page, s.owned = mem.Page{}, false
	return p, ok
}

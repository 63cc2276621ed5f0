package e1000

import (
	"sync/atomic"
	"unsafe"
)

// Reg is the byte offset of a 32-bit register in the BAR0 window.
// Offsets and bits are from the Intel 82540EP/EM manual.
type Reg uint32

const (
	CTL    Reg = 0x00000 // Device Control
	STATUS Reg = 0x00008 // Device Status
	ICR    Reg = 0x000C0 // Interrupt Cause Read
	IMS    Reg = 0x000D0 // Interrupt Mask Set
	IMC    Reg = 0x000D8 // Interrupt Mask Clear
	RCTL   Reg = 0x00100 // RX Control
	TCTL   Reg = 0x00400 // TX Control
	TIPG   Reg = 0x00410 // TX Inter-packet gap

	RDBAL Reg = 0x02800 // RX Descriptor Base Address Low
	RDBAH Reg = 0x02804 // RX Descriptor Base Address High
	RDLEN Reg = 0x02808 // RX Descriptor Length
	RDH   Reg = 0x02810 // RX Descriptor Head
	RDT   Reg = 0x02818 // RX Descriptor Tail
	RDTR  Reg = 0x02820 // RX Delay Timer
	RADV  Reg = 0x0282C // RX Interrupt Absolute Delay

	TDBAL Reg = 0x03800 // TX Descriptor Base Address Low
	TDBAH Reg = 0x03804 // TX Descriptor Base Address High
	TDLEN Reg = 0x03808 // TX Descriptor Length
	TDH   Reg = 0x03810 // TX Descriptor Head
	TDT   Reg = 0x03818 // TX Descriptor Tail

	MTA Reg = 0x05200 // Multicast Table Array, MTAWords registers
	RAL Reg = 0x05400 // Receive Address Low (entry 0)
	RAH Reg = 0x05404 // Receive Address High (entry 0)

	// WindowSize covers every register above.
	WindowSize = 0x20000
)

// MTAWords is the number of 32-bit registers of the multicast table.
const MTAWords = 4096 / 32

const (
	CTL_RST = 0x04000000 // full reset

	TCTL_EN         = 0x00000002 // enable tx
	TCTL_PSP        = 0x00000008 // pad short packets
	TCTL_CT_SHIFT   = 4
	TCTL_COLD_SHIFT = 12

	RCTL_EN      = 0x00000002 // enable
	RCTL_BAM     = 0x00008000 // broadcast enable
	RCTL_SZ_2048 = 0x00000000 // rx buffer size 2048
	RCTL_SECRC   = 0x04000000 // strip Ethernet CRC

	RAH_AV = 1 << 31 // receive address valid

	// ICR/IMS cause bits.
	ICR_TXDW = 1 << 0 // transmit descriptor written back
	ICR_RXDW = 1 << 7 // receiver descriptor write back

	// TX descriptor command and status.
	TXD_CMD_EOP = 0x01 // end of packet
	TXD_CMD_RS  = 0x08 // report status
	TXD_STAT_DD = 0x01 // descriptor done

	// RX descriptor status.
	RXD_STAT_DD  = 0x01 // descriptor done
	RXD_STAT_EOP = 0x02 // end of packet
)

// RxBufferSize is the receive buffer size programmed by RCTL_SZ_2048.
const RxBufferSize = 2048

// RegisterWindow is the controller's 32-bit register file.
type RegisterWindow interface {
	Load(r Reg) uint32
	Store(r Reg, v uint32)
}

// MMIO is a RegisterWindow over a memory-mapped BAR.
type MMIO struct {
	base []byte
}

// NewMMIO wraps a mapped BAR0 region. The region must be at least
// WindowSize bytes and 4-byte aligned.
func NewMMIO(bar []byte) *MMIO { return &MMIO{base: bar} }

func (m *MMIO) reg(r Reg) *uint32 {
	if r%4 != 0 || int(r)+4 > len(m.base) {
		panic("e1000: bad register offset")
	}
	return (*uint32)(unsafe.Pointer(&m.base[r]))
}

func (m *MMIO) Load(r Reg) uint32 { return atomic.LoadUint32(m.reg(r)) }

func (m *MMIO) Store(r Reg, v uint32) { atomic.StoreUint32(m.reg(r), v) }

// receiveAddress encodes a MAC address into the RAL/RAH pair.
func receiveAddress(mac [6]byte) (ral, rah uint32) {
	ral = uint32(mac[0]) | uint32(mac[1])<<8 | uint32(mac[2])<<16 | uint32(mac[3])<<24
	rah = uint32(mac[4]) | uint32(mac[5])<<8 | RAH_AV
	return ral, rah
}

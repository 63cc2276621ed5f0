// Package wire defines views over the Ethernet, ARP, IPv4 and UDP headers
// and the internet checksum. Views never allocate: they read and write the
// underlying frame in network byte order. Callers check lengths against
// the *Size constants before constructing a view.
package wire

import "encoding/binary"

const (
	EthernetSize = 14
	ARPSize      = 28
	IPv4Size     = 20 // without options
	UDPSize      = 8

	MACLen  = 6
	IPv4Len = 4
)

// EtherTypes.
const (
	TypeIPv4 = 0x0800
	TypeARP  = 0x0806
)

// ARP constants for IPv4 over Ethernet.
const (
	ARPHardwareEthernet = 1
	ARPRequest          = 1
	ARPReply            = 2
)

const ProtocolUDP = 17

// Broadcast is the Ethernet broadcast address.
var Broadcast = [MACLen]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Ethernet is an Ethernet II header.
type Ethernet []byte

func (b Ethernet) Dst() [MACLen]byte { return [MACLen]byte(b[0:6]) }
func (b Ethernet) Src() [MACLen]byte { return [MACLen]byte(b[6:12]) }
func (b Ethernet) Type() uint16      { return binary.BigEndian.Uint16(b[12:]) }
func (b Ethernet) Payload() []byte   { return b[EthernetSize:] }

func (b Ethernet) Encode(dst, src [MACLen]byte, typ uint16) {
	copy(b[0:6], dst[:])
	copy(b[6:12], src[:])
	binary.BigEndian.PutUint16(b[12:], typ)
}

// ARP is an ARP body for IPv4 over Ethernet.
type ARP []byte

func (b ARP) HardwareType() uint16 { return binary.BigEndian.Uint16(b[0:]) }
func (b ARP) ProtocolType() uint16 { return binary.BigEndian.Uint16(b[2:]) }
func (b ARP) HardwareLen() uint8   { return b[4] }
func (b ARP) ProtocolLen() uint8   { return b[5] }
func (b ARP) Op() uint16           { return binary.BigEndian.Uint16(b[6:]) }

func (b ARP) SenderMAC() [MACLen]byte { return [MACLen]byte(b[8:14]) }
func (b ARP) SenderIP() uint32        { return binary.BigEndian.Uint32(b[14:]) }
func (b ARP) TargetMAC() [MACLen]byte { return [MACLen]byte(b[18:24]) }
func (b ARP) TargetIP() uint32        { return binary.BigEndian.Uint32(b[24:]) }

// IsIPv4OverEthernet reports whether the address fields have the sizes
// this view assumes.
func (b ARP) IsIPv4OverEthernet() bool {
	return b.HardwareType() == ARPHardwareEthernet && b.ProtocolType() == TypeIPv4 &&
		b.HardwareLen() == MACLen && b.ProtocolLen() == IPv4Len
}

// Encode writes an IPv4-over-Ethernet ARP body. IPs are host order.
func (b ARP) Encode(op uint16, sha [MACLen]byte, sip uint32, tha [MACLen]byte, tip uint32) {
	binary.BigEndian.PutUint16(b[0:], ARPHardwareEthernet)
	binary.BigEndian.PutUint16(b[2:], TypeIPv4)
	b[4], b[5] = MACLen, IPv4Len
	binary.BigEndian.PutUint16(b[6:], op)
	copy(b[8:14], sha[:])
	binary.BigEndian.PutUint32(b[14:], sip)
	copy(b[18:24], tha[:])
	binary.BigEndian.PutUint32(b[24:], tip)
}

// IPv4 is an IPv4 header.
type IPv4 []byte

func (b IPv4) Version() uint8    { return b[0] >> 4 }
func (b IPv4) HeaderLen() int    { return int(b[0]&0x0f) * 4 }
func (b IPv4) TotalLen() uint16  { return binary.BigEndian.Uint16(b[2:]) }
func (b IPv4) ID() uint16        { return binary.BigEndian.Uint16(b[4:]) }
func (b IPv4) TTL() uint8        { return b[8] }
func (b IPv4) Protocol() uint8   { return b[9] }
func (b IPv4) HeaderSum() uint16 { return binary.BigEndian.Uint16(b[10:]) }
func (b IPv4) Src() uint32       { return binary.BigEndian.Uint32(b[12:]) }
func (b IPv4) Dst() uint32       { return binary.BigEndian.Uint32(b[16:]) }
func (b IPv4) Payload() []byte   { return b[b.HeaderLen():] }

func (b IPv4) SetHeaderSum(v uint16) { binary.BigEndian.PutUint16(b[10:], v) }

// IPv4Fields are the header fields Encode writes. Addresses are host order.
type IPv4Fields struct {
	TotalLen uint16
	ID       uint16
	TTL      uint8
	Protocol uint8
	Src      uint32
	Dst      uint32
}

// Encode writes an option-less header and its checksum.
func (b IPv4) Encode(f IPv4Fields) {
	b[0] = 4<<4 | IPv4Size/4
	b[1] = 0
	binary.BigEndian.PutUint16(b[2:], f.TotalLen)
	binary.BigEndian.PutUint16(b[4:], f.ID)
	binary.BigEndian.PutUint16(b[6:], 0) // flags, fragment offset
	b[8] = f.TTL
	b[9] = f.Protocol
	binary.BigEndian.PutUint32(b[12:], f.Src)
	binary.BigEndian.PutUint32(b[16:], f.Dst)
	b.SetHeaderSum(0)
	b.SetHeaderSum(Checksum(b[:IPv4Size]))
}

// UDP is a UDP header.
type UDP []byte

func (b UDP) SrcPort() uint16 { return binary.BigEndian.Uint16(b[0:]) }
func (b UDP) DstPort() uint16 { return binary.BigEndian.Uint16(b[2:]) }
func (b UDP) Length() uint16  { return binary.BigEndian.Uint16(b[4:]) }
func (b UDP) Sum() uint16     { return binary.BigEndian.Uint16(b[6:]) }

// Encode writes the header with a zero checksum, which UDP over IPv4
// defines as "no checksum".
func (b UDP) Encode(src, dst, length uint16) {
	binary.BigEndian.PutUint16(b[0:], src)
	binary.BigEndian.PutUint16(b[2:], dst)
	binary.BigEndian.PutUint16(b[4:], length)
	binary.BigEndian.PutUint16(b[6:], 0)
}

// Checksum returns the internet checksum of buf: the complement of the
// one's complement sum of its 16-bit words. An odd trailing byte is padded
// with zero. Checksumming a header that carries its own checksum yields 0.
func Checksum(buf []byte) uint16 {
	var sum uint32
	for len(buf) > 1 {
		sum += uint32(binary.BigEndian.Uint16(buf))
		buf = buf[2:]
	}
	if len(buf) > 0 {
		sum += uint32(buf[0]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// IPv4Addr packs a dotted quad into a host order address.
func IPv4Addr(a, b, c, d byte) uint32 {
	return uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d)
}

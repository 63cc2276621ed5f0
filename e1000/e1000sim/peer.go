package e1000sim

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/header"
	"github.com/sirupsen/logrus"

	"github.com/romshark/e1000net/e1000"
	"github.com/romshark/e1000net/netstack"
)

// Addresses of QEMU's user-mode network, where the guest is 10.0.2.15 and
// the host is reachable as 10.0.2.2.
var (
	DefaultPeerMAC  = netstack.DefaultPeerMAC
	DefaultPeerIP   = net.IPv4(10, 0, 2, 2)
	DefaultGuestMAC = e1000.DefaultMAC
	DefaultGuestIP  = netstack.DefaultIP
)

var ErrPayloadTooLarge = errors.New("payload does not fit a frame")

const (
	peerTTL = 64

	// maxFrame is the largest frame the peer builds, without FCS.
	maxFrame = 1514
)

type PeerConfig struct {
	MAC      net.HardwareAddr
	IP       net.IP
	GuestMAC net.HardwareAddr
	GuestIP  net.IP
	// Echo makes the peer send every UDP datagram addressed to it back to
	// its source.
	Echo bool
	// Backlog bounds the replies queued for Run. Defaults to 64.
	Backlog int
	Log     logrus.FieldLogger
}

func (c *PeerConfig) ValidateAndSetDefaults() error {
	if c.MAC == nil {
		c.MAC = DefaultPeerMAC
	}
	if c.IP == nil {
		c.IP = DefaultPeerIP
	}
	if c.GuestMAC == nil {
		c.GuestMAC = DefaultGuestMAC
	}
	if c.GuestIP == nil {
		c.GuestIP = DefaultGuestIP
	}
	if len(c.MAC) != 6 || len(c.GuestMAC) != 6 {
		return errors.New("invalid MAC address")
	}
	if c.IP.To4() == nil || c.GuestIP.To4() == nil {
		return errors.New("peer and guest must have IPv4 addresses")
	}
	if c.Backlog == 0 {
		c.Backlog = 64
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return nil
}

// Datagram is a UDP datagram the guest sent to the peer.
type Datagram struct {
	SrcIP   net.IP
	DstIP   net.IP
	SrcPort uint16
	DstPort uint16
	TTL     uint8
	Payload []byte
}

// Peer is the host at the other end of the link. It implements Wire,
// records every frame the guest transmits and can echo UDP datagrams.
type Peer struct {
	conf      PeerConfig
	mac       tcpip.LinkAddress
	ip        tcpip.Address
	guestMAC  tcpip.LinkAddress
	guestIP   tcpip.Address
	log       logrus.FieldLogger
	replies   chan []byte
	overflows int

	lock sync.Mutex
	sent [][]byte
}

func NewPeer(conf PeerConfig) (*Peer, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Peer{
		conf:     conf,
		mac:      tcpip.LinkAddress(conf.MAC),
		ip:       tcpip.Address(conf.IP.To4()),
		guestMAC: tcpip.LinkAddress(conf.GuestMAC),
		guestIP:  tcpip.Address(conf.GuestIP.To4()),
		log:      conf.Log.WithField("dev", "peer"),
		replies:  make(chan []byte, conf.Backlog),
	}, nil
}

// Send records a frame transmitted by the guest.
func (p *Peer) Send(frame []byte) {
	f := append([]byte(nil), frame...)

	p.lock.Lock()
	p.sent = append(p.sent, f)
	p.lock.Unlock()

	if !p.conf.Echo {
		return
	}
	d, ok := p.ParseUDP(f)
	if !ok || !d.DstIP.Equal(p.conf.IP) {
		return
	}
	reply, err := p.UDP(d.DstPort, d.SrcPort, d.Payload)
	if err != nil {
		return
	}
	select {
	case p.replies <- reply:
	default:
		p.lock.Lock()
		p.overflows++
		p.lock.Unlock()
		p.log.WithField("port", d.SrcPort).Debug("echo backlog full")
	}
}

// Sent returns the frames recorded so far.
func (p *Peer) Sent() [][]byte {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([][]byte(nil), p.sent...)
}

// Reset forgets the recorded frames.
func (p *Peer) Reset() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.sent = nil
}

// Run injects queued echo replies into dev until ctx is canceled.
func (p *Peer) Run(ctx context.Context, dev *Device) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-p.replies:
			if !dev.Inject(f) {
				p.log.Debug("echo reply missed by device")
			}
		}
	}
}

// ARPRequest builds a broadcast who-has request for the guest's address.
func (p *Peer) ARPRequest() []byte {
	return p.arp(header.ARPRequest, broadcastLink, p.guestIP)
}

// ARPReply builds an unsolicited is-at frame addressed to the guest.
func (p *Peer) ARPReply() []byte {
	return p.arp(header.ARPReply, p.guestMAC, p.guestIP)
}

var broadcastLink = tcpip.LinkAddress(broadcast[:])

func (p *Peer) arp(op header.ARPOp, dst tcpip.LinkAddress, target tcpip.Address) []byte {
	b := make([]byte, header.EthernetMinimumSize+header.ARPSize)
	header.Ethernet(b).Encode(&header.EthernetFields{
		SrcAddr: p.mac,
		DstAddr: dst,
		Type:    header.ARPProtocolNumber,
	})
	a := header.ARP(b[header.EthernetMinimumSize:])
	a.SetIPv4OverEthernet()
	a.SetOp(op)
	copy(a.HardwareAddressSender(), p.mac)
	copy(a.ProtocolAddressSender(), p.ip)
	if op == header.ARPReply {
		copy(a.HardwareAddressTarget(), p.guestMAC)
	}
	copy(a.ProtocolAddressTarget(), target)
	return b
}

// UDP builds an Ethernet/IPv4/UDP frame from the peer to the guest.
func (p *Peer) UDP(srcPort, dstPort uint16, payload []byte) ([]byte, error) {
	const hdrs = header.EthernetMinimumSize + header.IPv4MinimumSize + header.UDPMinimumSize
	if hdrs+len(payload) > maxFrame {
		return nil, ErrPayloadTooLarge
	}
	b := make([]byte, hdrs+len(payload))
	header.Ethernet(b).Encode(&header.EthernetFields{
		SrcAddr: p.mac,
		DstAddr: p.guestMAC,
		Type:    header.IPv4ProtocolNumber,
	})

	ip := header.IPv4(b[header.EthernetMinimumSize:])
	ip.Encode(&header.IPv4Fields{
		IHL:         header.IPv4MinimumSize,
		TotalLength: uint16(header.IPv4MinimumSize + header.UDPMinimumSize + len(payload)),
		TTL:         peerTTL,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     p.ip,
		DstAddr:     p.guestIP,
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	udp := header.UDP(ip[header.IPv4MinimumSize:])
	udp.Encode(&header.UDPFields{
		SrcPort: srcPort,
		DstPort: dstPort,
		Length:  uint16(header.UDPMinimumSize + len(payload)),
	})
	copy(udp[header.UDPMinimumSize:], payload)
	return b, nil
}

// ParseUDP decodes a frame sent by the guest. It reports false for
// anything that is not a well-formed IPv4/UDP frame from the guest's MAC.
func (p *Peer) ParseUDP(frame []byte) (Datagram, bool) {
	if len(frame) < header.EthernetMinimumSize+header.IPv4MinimumSize+header.UDPMinimumSize {
		return Datagram{}, false
	}
	eth := header.Ethernet(frame)
	if eth.Type() != header.IPv4ProtocolNumber || eth.SourceAddress() != p.guestMAC {
		return Datagram{}, false
	}
	ip := header.IPv4(frame[header.EthernetMinimumSize:])
	if !ip.IsValid(len(ip)) || ip.Protocol() != uint8(header.UDPProtocolNumber) {
		return Datagram{}, false
	}
	hlen := int(ip.HeaderLength())
	udp := header.UDP(ip[hlen:ip.TotalLength()])
	if len(udp) < header.UDPMinimumSize || int(udp.Length()) > len(udp) ||
		udp.Length() < header.UDPMinimumSize {
		return Datagram{}, false
	}
	return Datagram{
		SrcIP:   net.IP(ip.SourceAddress()),
		DstIP:   net.IP(ip.DestinationAddress()),
		SrcPort: udp.SourcePort(),
		DstPort: udp.DestinationPort(),
		TTL:     ip.TTL(),
		Payload: append([]byte(nil), udp[header.UDPMinimumSize:udp.Length()]...),
	}, true
}

// ParseARPReply decodes an ARP reply sent by the guest and returns the
// sender's hardware and protocol addresses.
func (p *Peer) ParseARPReply(frame []byte) (mac net.HardwareAddr, ip net.IP, ok bool) {
	if len(frame) < header.EthernetMinimumSize+header.ARPSize {
		return nil, nil, false
	}
	if header.Ethernet(frame).Type() != header.ARPProtocolNumber {
		return nil, nil, false
	}
	a := header.ARP(frame[header.EthernetMinimumSize:])
	if !a.IsValid() || a.Op() != header.ARPReply {
		return nil, nil, false
	}
	mac = append(net.HardwareAddr(nil), a.HardwareAddressSender()...)
	ip = append(net.IP(nil), a.ProtocolAddressSender()...)
	return mac, ip, true
}

// Overflows returns the number of echo replies dropped on a full backlog.
func (p *Peer) Overflows() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.overflows
}

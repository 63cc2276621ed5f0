package netstack

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/romshark/e1000net/ifacestat"
	"github.com/romshark/e1000net/mem"
	"github.com/romshark/e1000net/netstack/wire"
)

const udpHeaders = wire.EthernetSize + wire.IPv4Size + wire.UDPSize

// MaxPayload is the largest payload Send accepts.
const MaxPayload = mem.PageSize - udpHeaders

// ipRx queues a UDP datagram for its destination port. Malformed frames,
// unbound ports and full queues drop the frame. Takes ownership of p.
func (s *Stack) ipRx(p mem.Page, n int) {
	if s.ipSeen.CompareAndSwap(false, true) {
		s.log.Info("received an IP packet")
	}

	ip := wire.IPv4(p.Buf[wire.EthernetSize:n])
	hlen := ip.HeaderLen()
	total := int(ip.TotalLen())
	switch {
	case ip.Version() != 4,
		ip.Protocol() != wire.ProtocolUDP,
		hlen < wire.IPv4Size,
		total < hlen+wire.UDPSize,
		total > len(ip):
		s.drop(p, ifacestat.RxMalformed)
		return
	}

	udp := wire.UDP(ip[hlen:total])
	ulen := int(udp.Length())
	if ulen < wire.UDPSize || ulen > len(udp) {
		s.drop(p, ifacestat.RxMalformed)
		return
	}

	d := datagram{
		page:    p,
		off:     wire.EthernetSize + hlen + wire.UDPSize,
		len:     ulen - wire.UDPSize,
		srcIP:   ip.Src(),
		srcPort: udp.SrcPort(),
	}
	port := udp.DstPort()
	switch s.ports.enqueue(port, d) {
	case enqueued:
		s.stats.Inc(ifacestat.UDPDelivered)
	case noPort:
		s.log.WithField("port", port).Debug("no socket bound")
		s.drop(p, ifacestat.UDPNoPort)
	case queueFull:
		s.log.WithField("port", port).Debug("port queue full")
		s.drop(p, ifacestat.UDPQueueFull)
	}
}

func (s *Stack) drop(p mem.Page, c ifacestat.Counter) {
	s.stats.Inc(c)
	s.alloc.FreePage(p)
}

// Send transmits payload as one UDP datagram from srcPort to dst:dstPort.
// dst is a host order IPv4 address. The frame is addressed to the peer's
// MAC. Returns the number of payload bytes sent.
//
// Nothing is kept on failure: the frame's page is freed when the link
// refuses it, and the link's error (e.g. e1000.ErrNoFreeDescriptor) is
// wrapped in the returned one.
func (s *Stack) Send(srcPort uint16, dst uint32, dstPort uint16, payload []byte) (int, error) {
	total := udpHeaders + len(payload)
	if total > mem.PageSize {
		return 0, fmt.Errorf("%w: %d payload bytes", ErrPayloadTooLarge, len(payload))
	}

	p, ok := s.alloc.AllocPage()
	if !ok {
		return 0, ErrNoMemory
	}
	clear(p.Buf)

	wire.Ethernet(p.Buf).Encode(s.peerMAC, s.mac, wire.TypeIPv4)
	wire.IPv4(p.Buf[wire.EthernetSize:]).Encode(wire.IPv4Fields{
		TotalLen: uint16(wire.IPv4Size + wire.UDPSize + len(payload)),
		TTL:      s.ttl,
		Protocol: wire.ProtocolUDP,
		Src:      s.ip,
		Dst:      dst,
	})
	wire.UDP(p.Buf[wire.EthernetSize+wire.IPv4Size:]).Encode(
		srcPort, dstPort, uint16(wire.UDPSize+len(payload)))
	copy(p.Buf[udpHeaders:], payload)

	if err := s.link.Transmit(p, total); err != nil {
		s.alloc.FreePage(p)
		s.log.WithFields(logrus.Fields{
			"port": dstPort,
			"len":  len(payload),
		}).WithError(err).Debug("send failed")
		return 0, fmt.Errorf("transmitting: %w", err)
	}
	return len(payload), nil
}

package netstack

import (
	"net"

	"github.com/sirupsen/logrus"

	"github.com/romshark/e1000net/ifacestat"
	"github.com/romshark/e1000net/mem"
	"github.com/romshark/e1000net/netstack/wire"
)

const arpFrameSize = wire.EthernetSize + wire.ARPSize

// arpRx answers the first ARP request with the local address so the host
// can populate its cache. Later requests are ignored; there is no cache on
// this side. Takes ownership of p.
func (s *Stack) arpRx(p mem.Page, n int) {
	defer s.alloc.FreePage(p)

	eth := wire.Ethernet(p.Buf[:n])
	req := wire.ARP(eth.Payload()[:wire.ARPSize])
	if !req.IsIPv4OverEthernet() || req.Op() != wire.ARPRequest {
		return
	}
	if !s.arpAnswered.CompareAndSwap(false, true) {
		s.log.Debug("ignoring ARP request, already answered")
		return
	}

	sender := eth.Src()
	s.log.WithFields(logrus.Fields{
		"from": net.HardwareAddr(sender[:]).String(),
		"ip":   Uint32ToIPv4(req.SenderIP()).String(),
	}).Info("received an ARP request")

	out, ok := s.alloc.AllocPage()
	if !ok {
		// Let the next request try again.
		s.arpAnswered.Store(false)
		s.log.Warn("no page for ARP reply")
		return
	}
	clear(out.Buf[:arpFrameSize])
	wire.Ethernet(out.Buf).Encode(sender, s.mac, wire.TypeARP)
	wire.ARP(out.Buf[wire.EthernetSize:]).Encode(wire.ARPReply,
		s.mac, s.ip,
		sender, req.SenderIP())

	if err := s.link.Transmit(out, arpFrameSize); err != nil {
		s.alloc.FreePage(out)
		s.log.WithError(err).Warn("transmitting ARP reply")
		return
	}
	s.stats.Inc(ifacestat.ArpReplies)
}

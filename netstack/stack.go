// Package netstack is a minimal Ethernet/ARP/IPv4/UDP datagram stack.
//
// Inbound frames enter through Deliver, which is registered as the
// driver's receive handler and may run in interrupt context. UDP datagrams
// are queued per bound port and consumed by Recv; Send builds a frame and
// hands it to the link.
package netstack

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/romshark/e1000net/ifacestat"
	"github.com/romshark/e1000net/mem"
	"github.com/romshark/e1000net/netstack/wire"
)

var (
	ErrPayloadTooLarge = errors.New("frame exceeds one page")
	ErrNoMemory        = errors.New("no free page")
	ErrNotBound        = errors.New("port not bound")
	ErrClosed          = errors.New("stack closed")
)

const (
	DefaultQueueCap = 16
	DefaultTTL      = 100
)

// Addresses of the guest on QEMU's user-mode network.
var (
	DefaultIP      = net.IPv4(10, 0, 2, 15)
	DefaultPeerMAC = net.HardwareAddr{0x52, 0x55, 0x0a, 0x00, 0x02, 0x02}
)

// Link transmits frames. On success it takes ownership of p; on error the
// caller keeps it.
type Link interface {
	Transmit(p mem.Page, n int) error
}

type Config struct {
	// MAC is the local station address, the source of every frame.
	MAC net.HardwareAddr
	// IP is the local IPv4 address. Defaults to DefaultIP.
	IP net.IP
	// PeerMAC is the destination of every outgoing IP frame; there is no
	// ARP cache. Defaults to DefaultPeerMAC.
	PeerMAC net.HardwareAddr
	// QueueCap is the number of datagrams each bound port may hold.
	QueueCap int
	TTL      uint8
	Log      logrus.FieldLogger
	Stats    *ifacestat.Counters
}

func (c *Config) ValidateAndSetDefaults() error {
	if len(c.MAC) != wire.MACLen {
		return fmt.Errorf("invalid local MAC %q", c.MAC)
	}
	if c.IP == nil {
		c.IP = DefaultIP
	}
	if c.IP.To4() == nil {
		return fmt.Errorf("local address %q is not IPv4", c.IP)
	}
	if c.PeerMAC == nil {
		c.PeerMAC = DefaultPeerMAC
	}
	if len(c.PeerMAC) != wire.MACLen {
		return fmt.Errorf("invalid peer MAC %q", c.PeerMAC)
	}
	if c.QueueCap == 0 {
		c.QueueCap = DefaultQueueCap
	}
	if c.QueueCap < 0 {
		return errors.New("negative queue capacity")
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return nil
}

type Stack struct {
	link    Link
	alloc   mem.Allocator
	mac     [wire.MACLen]byte
	peerMAC [wire.MACLen]byte
	ip      uint32
	ttl     uint8
	log     logrus.FieldLogger
	stats   *ifacestat.Counters

	arpAnswered atomic.Bool
	ipSeen      atomic.Bool

	ports registry
}

func New(link Link, alloc mem.Allocator, conf Config) (*Stack, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	s := &Stack{
		link:    link,
		alloc:   alloc,
		mac:     [wire.MACLen]byte(conf.MAC),
		peerMAC: [wire.MACLen]byte(conf.PeerMAC),
		ip:      IPv4ToUint32(conf.IP),
		ttl:     conf.TTL,
		log:     conf.Log.WithField("dev", "net"),
		stats:   conf.Stats,
	}
	s.ports.init(conf.QueueCap)
	return s, nil
}

// Addr returns the local IPv4 address in host order.
func (s *Stack) Addr() uint32 { return s.ip }

// Deliver dispatches one received frame by EtherType and takes ownership
// of p. Truncated and unknown frames are freed silently.
// Deliver never blocks and may be called from the driver's drain loop.
func (s *Stack) Deliver(p mem.Page, n int) {
	n = min(n, len(p.Buf))
	if n >= wire.EthernetSize {
		switch wire.Ethernet(p.Buf[:n]).Type() {
		case wire.TypeARP:
			if n >= wire.EthernetSize+wire.ARPSize {
				s.arpRx(p, n)
				return
			}
		case wire.TypeIPv4:
			if n >= wire.EthernetSize+wire.IPv4Size {
				s.ipRx(p, n)
				return
			}
		default:
			s.alloc.FreePage(p)
			return
		}
	}
	s.stats.Inc(ifacestat.RxMalformed)
	s.alloc.FreePage(p)
}

// Close drops every queued datagram and fails all pending and future
// Recv calls with ErrClosed.
func (s *Stack) Close() error {
	for _, d := range s.ports.close() {
		s.alloc.FreePage(d.page)
	}
	return nil
}

// IPv4ToUint32 converts ip to a host order address. It returns 0 when ip
// is not an IPv4 address.
func IPv4ToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return wire.IPv4Addr(v4[0], v4[1], v4[2], v4[3])
}

// Uint32ToIPv4 is the inverse of IPv4ToUint32.
func Uint32ToIPv4(a uint32) net.IP {
	return net.IPv4(byte(a>>24), byte(a>>16), byte(a>>8), byte(a))
}

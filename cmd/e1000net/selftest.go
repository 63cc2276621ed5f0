//go:build linux

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/romshark/e1000net/e1000"
	"github.com/romshark/e1000net/e1000/e1000sim"
	"github.com/romshark/e1000net/ifacestat"
	"github.com/romshark/e1000net/mem"
	"github.com/romshark/e1000net/netstack"
	"github.com/romshark/e1000net/pace"
	"github.com/romshark/e1000net/pci"
)

// peerPort is the UDP port the simulated host sends from and echoes on.
const peerPort = 25603

type selftest struct {
	conf  *Config
	log   logrus.FieldLogger
	arena *mem.Arena
	dev   *e1000sim.Device
	drv   *e1000.Device
	stack *netstack.Stack
	peer  *e1000sim.Peer
	pacer *pace.Pacer

	guestMAC net.HardwareAddr
	guestIP  net.IP
	peerIP   uint32
	drvStats ifacestat.Counters
	netStats ifacestat.Counters
}

type scenario struct {
	name string
	run  func(ctx context.Context) error
}

func runSelftest(ctx context.Context, conf *Config, log logrus.FieldLogger) (ok bool) {
	guestMAC, _ := net.ParseMAC(conf.Guest.MAC)
	peerMAC, _ := net.ParseMAC(conf.Peer.MAC)
	guestIP, peerIP := net.ParseIP(conf.Guest.IP), net.ParseIP(conf.Peer.IP)

	t := &selftest{
		conf:     conf,
		log:      log,
		pacer:    pace.New(conf.Selftest.Rate),
		guestMAC: guestMAC,
		guestIP:  guestIP,
		peerIP:   netstack.IPv4ToUint32(peerIP),
	}

	var err error
	t.arena, err = mem.NewArena(conf.ArenaPages)
	fatalIf(err, "allocating %d pages", conf.ArenaPages)
	defer func() { _ = t.arena.Close() }()

	t.dev = e1000sim.New(t.arena, log)
	fn, err := pci.Attach(t.dev.Bus(), pci.VendorIntel, pci.Device82540EM)
	fatalIf(err, "attaching e1000")
	log.WithFields(logrus.Fields{
		"addr": fn.Addr,
		"irq":  fn.IRQLine,
	}).Info("found e1000")

	t.drv, err = e1000.New(fn.BAR0, t.arena, e1000.Config{
		MAC:        guestMAC,
		TxRingSize: conf.Guest.TxRing,
		RxRingSize: conf.Guest.RxRing,
		Log:        log,
		Stats:      &t.drvStats,
	})
	fatalIf(err, "initializing e1000")

	t.stack, err = netstack.New(t.drv, t.arena, netstack.Config{
		MAC:      guestMAC,
		IP:       guestIP,
		PeerMAC:  peerMAC,
		QueueCap: conf.Guest.QueueCap,
		TTL:      conf.Guest.TTL,
		Log:      log,
		Stats:    &t.netStats,
	})
	fatalIf(err, "initializing stack")
	t.drv.SetRxHandler(t.stack.Deliver)

	t.peer, err = e1000sim.NewPeer(e1000sim.PeerConfig{
		MAC:      peerMAC,
		IP:       peerIP,
		GuestMAC: guestMAC,
		GuestIP:  guestIP,
		Echo:     true,
		Log:      log,
	})
	fatalIf(err, "creating peer")
	t.dev.Attach(t.peer)

	ctxRun, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Go(func() { _ = t.drv.Serve(ctxRun, fn.IRQ, 0) })
	wg.Go(func() { _ = t.peer.Run(ctxRun, t.dev) })

	scenarios := []scenario{
		{"arp", t.arp},
		{"txone", t.txone},
		{"rx", t.rx},
		{"rx2", t.rx2},
		{"ping", t.ping},
		{"rxburst", t.rxburst},
	}

	p := message.NewPrinter(language.English)
	start := time.Now()
	failed := 0
	for _, s := range scenarios {
		if ctx.Err() != nil {
			break
		}
		p.Printf("testing %s: ", s.name)
		ctxS, cancelS := context.WithTimeout(ctx, conf.Selftest.Timeout)
		began := time.Now()
		err := s.run(ctxS)
		cancelS()
		if err != nil {
			failed++
			p.Printf("FAIL: %v\n", err)
			continue
		}
		p.Printf("OK (%v)\n", time.Since(began).Round(time.Microsecond))
	}

	cancel()
	wg.Wait()

	p.Print("testing free pages: ")
	if err := t.shutdown(); err != nil {
		failed++
		p.Printf("FAIL: %v\n", err)
	} else {
		p.Print("OK\n")
	}

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", time.Since(start).Seconds())
	p.Printf(" Scenarios:         %d\n", len(scenarios)+1)
	p.Printf(" Failed:            %d\n", failed)
	p.Printf(" Frames to peer:    %d\n", t.dev.TxFrames())
	p.Printf(" Frames from peer:  %d\n", t.dev.RxFrames())
	p.Printf(" Missed by ring:    %d\n", t.dev.RxMissed())
	p.Printf(" Peer overflows:    %d\n", t.peer.Overflows())
	p.Printf(" Frames paced:      %d\n\n", t.pacer.Admitted())

	snap := ifacestat.Snapshot(map[string]*ifacestat.Counters{
		"e1000":    &t.drvStats,
		"netstack": &t.netStats,
	})
	fatalIf(ifacestat.Print(os.Stdout, snap, map[string]string{
		"e1000":    conf.Guest.MAC,
		"netstack": conf.Guest.IP,
	}), "printing stats")

	return failed == 0
}

// shutdown releases the stack and the driver and verifies that every page
// went back to the arena.
func (t *selftest) shutdown() error {
	errs := []error{t.stack.Close(), t.drv.Close()}
	if n := t.arena.InUse(); n != 0 {
		errs = append(errs, fmt.Errorf("%d pages leaked", n))
	}
	return errors.Join(errs...)
}

// inject hands a frame from the peer to the device, retrying while the
// receive ring is full.
func (t *selftest) inject(ctx context.Context, frame []byte) error {
	if err := t.pacer.Wait(ctx, 1); err != nil {
		return err
	}
	for !t.dev.Inject(frame) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("injecting frame: %w", ctx.Err())
		case <-time.After(100 * time.Microsecond):
		}
	}
	return nil
}

func (t *selftest) injectUDP(ctx context.Context, dstPort uint16, payload string) error {
	f, err := t.peer.UDP(peerPort, dstPort, []byte(payload))
	if err != nil {
		return err
	}
	return t.inject(ctx, f)
}

// waitFor polls cond until it holds or ctx is done.
func waitFor(ctx context.Context, what string, cond func() bool) error {
	for !cond() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", what, ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

// barrier returns once every frame injected before it has been handled
// by the stack. Frames are handled in ring order, so it sends one to the
// discard port and waits for the stack to drop it.
func (t *selftest) barrier(ctx context.Context) error {
	dropped := t.netStats.Load(ifacestat.UDPNoPort)
	if err := t.injectUDP(ctx, 9, "barrier"); err != nil {
		return err
	}
	return waitFor(ctx, "barrier", func() bool {
		return t.netStats.Load(ifacestat.UDPNoPort) > dropped
	})
}

func (t *selftest) recvExpect(ctx context.Context, port uint16, want string) error {
	buf := make([]byte, 128)
	n, src, srcPort, err := t.stack.Recv(ctx, port, buf)
	if err != nil {
		return fmt.Errorf("recv on %d: %w", port, err)
	}
	if src != t.peerIP || srcPort != peerPort {
		return fmt.Errorf("datagram on %d from %v:%d", port, netstack.Uint32ToIPv4(src), srcPort)
	}
	if got := string(buf[:n]); got != want {
		return fmt.Errorf("port %d got %q, want %q", port, got, want)
	}
	return nil
}

// arp sends two requests; only the first is answered.
func (t *selftest) arp(ctx context.Context) error {
	t.peer.Reset()
	for range 2 {
		if err := t.inject(ctx, t.peer.ARPRequest()); err != nil {
			return err
		}
	}
	if err := t.barrier(ctx); err != nil {
		return err
	}

	var replies int
	for _, f := range t.peer.Sent() {
		mac, ip, ok := t.peer.ParseARPReply(f)
		if !ok {
			continue
		}
		replies++
		if !bytes.Equal(mac, t.guestMAC) || !ip.Equal(t.guestIP) {
			return fmt.Errorf("reply claims %v is at %v", ip, mac)
		}
	}
	if replies != 1 {
		return fmt.Errorf("%d ARP replies, want 1", replies)
	}
	return nil
}

// txone sends a single datagram to the peer.
func (t *selftest) txone(ctx context.Context) error {
	t.peer.Reset()
	if _, err := t.stack.Send(2003, t.peerIP, peerPort, []byte("txone")); err != nil {
		return err
	}
	for _, f := range t.peer.Sent() {
		d, ok := t.peer.ParseUDP(f)
		if ok && d.SrcPort == 2003 && d.DstPort == peerPort &&
			d.TTL == t.conf.Guest.TTL && string(d.Payload) == "txone" {
			return nil
		}
	}
	return errors.New("peer did not receive txone")
}

// rx receives a sequence of datagrams on one port in order.
func (t *selftest) rx(ctx context.Context) error {
	if err := t.stack.Bind(2000); err != nil {
		return err
	}
	for i := range 4 {
		if err := t.injectUDP(ctx, 2000, fmt.Sprintf("packet %d", i+1)); err != nil {
			return err
		}
	}
	for i := range 4 {
		if err := t.recvExpect(ctx, 2000, fmt.Sprintf("packet %d", i+1)); err != nil {
			return err
		}
	}
	return nil
}

// rx2 interleaves datagrams for two ports.
func (t *selftest) rx2(ctx context.Context) error {
	if err := t.stack.Bind(2001); err != nil {
		return err
	}
	for i := range 4 {
		for _, port := range []uint16{2000, 2001} {
			if err := t.injectUDP(ctx, port, fmt.Sprintf("packet %d", i+1)); err != nil {
				return err
			}
		}
	}
	for _, port := range []uint16{2000, 2001} {
		for i := range 4 {
			if err := t.recvExpect(ctx, port, fmt.Sprintf("packet %d", i+1)); err != nil {
				return err
			}
		}
	}
	return nil
}

// ping sends datagrams to the peer and waits for each echo.
func (t *selftest) ping(ctx context.Context) error {
	if err := t.stack.Bind(2004); err != nil {
		return err
	}
	for i := range 3 {
		msg := fmt.Sprintf("ping %d", i)
		if _, err := t.stack.Send(2004, t.peerIP, peerPort, []byte(msg)); err != nil {
			return err
		}
		if err := t.recvExpect(ctx, 2004, msg); err != nil {
			return err
		}
	}
	return nil
}

// rxburst floods a port that nobody reads; at most one queue's worth of
// datagrams is kept and the rest is dropped without leaking pages.
func (t *selftest) rxburst(ctx context.Context) error {
	const port = 2005
	if err := t.stack.Bind(port); err != nil {
		return err
	}
	handled := func() uint64 {
		return t.netStats.Load(ifacestat.UDPDelivered) + t.netStats.Load(ifacestat.UDPQueueFull)
	}
	before := handled()
	for i := range t.conf.Selftest.Burst {
		if err := t.injectUDP(ctx, port, fmt.Sprintf("burst %d", i)); err != nil {
			return err
		}
	}
	if err := waitFor(ctx, "burst delivery", func() bool {
		return handled()-before == uint64(t.conf.Selftest.Burst)
	}); err != nil {
		return err
	}

	want := min(t.conf.Selftest.Burst, t.conf.Guest.QueueCap)
	for i := range want {
		if err := t.recvExpect(ctx, port, fmt.Sprintf("burst %d", i)); err != nil {
			return err
		}
	}
	ctxEmpty, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, _, _, err := t.stack.Recv(ctxEmpty, port, nil); !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("more than %d datagrams queued (recv: %v)", want, err)
	}
	return nil
}

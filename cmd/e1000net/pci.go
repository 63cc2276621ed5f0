//go:build linux

package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/romshark/e1000net/e1000"
	"github.com/romshark/e1000net/ifacestat"
	"github.com/romshark/e1000net/mem"
	"github.com/romshark/e1000net/netstack"
	"github.com/romshark/e1000net/pci"
)

// runPCI drives a real 82540EM found on the PCI bus from userspace and
// echoes datagrams received on the echo port until ctx is canceled.
// The device must be unbound from its kernel driver.
func runPCI(ctx context.Context, conf *Config, log logrus.FieldLogger) error {
	arena, err := mem.NewPinnedArena(conf.ArenaPages)
	if err != nil {
		return err
	}
	defer func() { _ = arena.Close() }()

	bus := &pci.SysfsBus{Root: conf.PCI.Root}
	defer func() { _ = bus.Close() }()
	fn, err := pci.Attach(bus, pci.VendorIntel, pci.Device82540EM)
	if err != nil {
		return err
	}
	log.WithField("addr", fn.Addr).Info("found e1000")

	mac, _ := net.ParseMAC(conf.Guest.MAC)
	peerMAC, _ := net.ParseMAC(conf.Peer.MAC)
	var drvStats, netStats ifacestat.Counters

	drv, err := e1000.New(fn.BAR0, arena, e1000.Config{
		MAC:        mac,
		TxRingSize: conf.Guest.TxRing,
		RxRingSize: conf.Guest.RxRing,
		Log:        log,
		Stats:      &drvStats,
	})
	if err != nil {
		return fmt.Errorf("initializing e1000: %w", err)
	}
	defer func() { _ = drv.Close() }()

	stack, err := netstack.New(drv, arena, netstack.Config{
		MAC:      mac,
		IP:       net.ParseIP(conf.Guest.IP),
		PeerMAC:  peerMAC,
		QueueCap: conf.Guest.QueueCap,
		TTL:      conf.Guest.TTL,
		Log:      log,
		Stats:    &netStats,
	})
	if err != nil {
		return fmt.Errorf("initializing stack: %w", err)
	}
	defer func() { _ = stack.Close() }()
	drv.SetRxHandler(stack.Deliver)

	if err := stack.Bind(conf.PCI.EchoPort); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Go(func() { errCh <- drv.Serve(ctx, fn.IRQ, conf.PCI.Poll) })
	wg.Go(func() { errCh <- echo(ctx, stack, conf.PCI.EchoPort, log) })

	sources := map[string]*ifacestat.Counters{
		"e1000":    &drvStats,
		"netstack": &netStats,
	}
	aliases := map[string]string{"e1000": fn.Addr}

	err = monitor(ctx, errCh, sources, aliases)
	cancel()
	wg.Wait()
	_ = ifacestat.Print(os.Stdout, ifacestat.Snapshot(sources), aliases)
	return err
}

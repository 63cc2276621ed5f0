//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/e1000net/e1000"
	"github.com/romshark/e1000net/e1000/e1000sim"
	"github.com/romshark/e1000net/hostlink"
	"github.com/romshark/e1000net/ifacestat"
	"github.com/romshark/e1000net/mem"
	"github.com/romshark/e1000net/netstack"
)

// runBridge connects the simulated device to a host interface and echoes
// every datagram received on the echo port until ctx is canceled.
func runBridge(ctx context.Context, conf *Config, log logrus.FieldLogger) error {
	iface, err := hostlink.OpenInterface(conf.Bridge.Interface, conf.Bridge.Zerocopy)
	if err != nil {
		return err
	}
	defer func() { _ = iface.Close() }()

	sock, err := iface.Open(hostlink.SocketConfig{QueueID: conf.Bridge.Queue})
	if err != nil {
		return fmt.Errorf("opening socket: %w", err)
	}
	defer func() { _ = sock.Close() }()

	guestMAC := iface.MAC()
	if conf.Guest.MAC != "" {
		guestMAC, _ = net.ParseMAC(conf.Guest.MAC)
	}
	peerMAC, _ := net.ParseMAC(conf.Peer.MAC)

	log.WithFields(logrus.Fields{
		"iface":    iface.Name(),
		"queue":    conf.Bridge.Queue,
		"queues":   iface.NumRxQueues(),
		"zerocopy": sock.IsZerocopy(),
		"mac":      guestMAC,
		"ip":       conf.Guest.IP,
	}).Info("bridge attached")

	arena, err := mem.NewArena(conf.ArenaPages)
	if err != nil {
		return err
	}
	defer func() { _ = arena.Close() }()

	var drvStats, netStats, hostStats ifacestat.Counters

	dev := e1000sim.New(arena, log)
	drv, err := e1000.New(dev, arena, e1000.Config{
		MAC:        guestMAC,
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
		MAC:      guestMAC,
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

	bridge, err := hostlink.NewBridge(sock, dev, hostlink.BridgeConfig{
		Backlog: conf.Bridge.Backlog,
		Log:     log,
		Stats:   &hostStats,
	})
	if err != nil {
		return err
	}
	dev.Attach(bridge)

	if err := stack.Bind(conf.Bridge.EchoPort); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	var wg sync.WaitGroup
	wg.Go(func() { errCh <- drv.Serve(ctx, dev.IRQ(), 0) })
	wg.Go(func() { errCh <- bridge.Run(ctx) })
	wg.Go(func() { errCh <- echo(ctx, stack, conf.Bridge.EchoPort, log) })

	sources := map[string]*ifacestat.Counters{
		"e1000":    &drvStats,
		"netstack": &netStats,
		"host":     &hostStats,
	}
	aliases := map[string]string{"host": iface.Name()}

	err = monitor(ctx, errCh, sources, aliases)
	cancel()
	wg.Wait()
	_ = ifacestat.Print(os.Stdout, ifacestat.Snapshot(sources), aliases)
	return err
}

// monitor prints per-second counter deltas until ctx is done or a worker
// fails. Cancellation is not an error.
func monitor(
	ctx context.Context, errCh <-chan error,
	sources map[string]*ifacestat.Counters, aliases map[string]string,
) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	last := ifacestat.Snapshot(sources)
	for {
		select {
		case <-t.C:
			now := ifacestat.Snapshot(sources)
			_ = ifacestat.Print(os.Stderr, now.Since(last), aliases)
			last = now
		case err := <-errCh:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

// echo sends every datagram received on port back to its source.
func echo(ctx context.Context, s *netstack.Stack, port uint16, log logrus.FieldLogger) error {
	buf := make([]byte, netstack.MaxPayload)
	for {
		n, src, srcPort, err := s.Recv(ctx, port, buf)
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"src":  netstack.Uint32ToIPv4(src),
			"port": srcPort,
			"len":  n,
		}).Debug("echo")
		if _, err := s.Send(port, src, srcPort, buf[:n]); err != nil {
			log.WithError(err).Warn("echo reply not sent")
		}
	}
}

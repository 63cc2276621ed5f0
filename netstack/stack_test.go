package netstack_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/e1000net/e1000"
	"github.com/romshark/e1000net/e1000/e1000sim"
	"github.com/romshark/e1000net/ifacestat"
	"github.com/romshark/e1000net/mem"
	"github.com/romshark/e1000net/netstack"
	"github.com/romshark/e1000net/netstack/wire"
)

const ringPages = 2 + e1000.DefaultRxRingSize

var peerIP = wire.IPv4Addr(10, 0, 2, 2)

type rig struct {
	arena *mem.Arena
	sim   *e1000sim.Device
	dev   *e1000.Device
	peer  *e1000sim.Peer
	stack *netstack.Stack
	stats *ifacestat.Counters
}

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newRig(t *testing.T, pages int, echo bool) *rig {
	t.Helper()
	a, err := mem.NewArena(pages)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	r := &rig{arena: a, stats: new(ifacestat.Counters)}
	r.sim = e1000sim.New(a, quietLog())
	r.peer, err = e1000sim.NewPeer(e1000sim.PeerConfig{Echo: echo, Log: quietLog()})
	if err != nil {
		t.Fatal(err)
	}
	r.sim.Attach(r.peer)

	r.dev, err = e1000.New(r.sim, a, e1000.Config{Log: quietLog(), Stats: r.stats})
	if err != nil {
		t.Fatal(err)
	}
	r.stack, err = netstack.New(r.dev, a, netstack.Config{
		MAC:   r.dev.MAC(),
		Log:   quietLog(),
		Stats: r.stats,
	})
	if err != nil {
		t.Fatal(err)
	}
	r.dev.SetRxHandler(r.stack.Deliver)
	return r
}

// deliver injects frames from the peer and services the interrupts,
// draining whenever the receive ring fills up.
func (r *rig) deliver(t *testing.T, frames ...[]byte) {
	t.Helper()
	for _, f := range frames {
		if !r.sim.Inject(f) {
			r.dev.Intr()
			if !r.sim.Inject(f) {
				t.Fatal("device refused frame with an empty ring")
			}
		}
	}
	r.dev.Intr()
}

func (r *rig) udp(t *testing.T, srcPort, dstPort uint16, payload string) []byte {
	t.Helper()
	f, err := r.peer.UDP(srcPort, dstPort, []byte(payload))
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func (r *rig) recv(t *testing.T, port uint16, size int) (string, uint32, uint16) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	buf := make([]byte, size)
	n, ip, sport, err := r.stack.Recv(ctx, port, buf)
	if err != nil {
		t.Fatalf("Recv(%d): %v", port, err)
	}
	return string(buf[:n]), ip, sport
}

func TestRecvFIFO(t *testing.T) {
	r := newRig(t, ringPages+8, false)
	if err := r.stack.Bind(2000); err != nil {
		t.Fatal(err)
	}
	r.deliver(t,
		r.udp(t, 25603, 2000, "packet 1"),
		r.udp(t, 25603, 2000, "packet 2"),
		r.udp(t, 25603, 2000, "packet 3"))

	for i := 1; i <= 3; i++ {
		payload, ip, sport := r.recv(t, 2000, 1500)
		if want := fmt.Sprintf("packet %d", i); payload != want {
			t.Errorf("recv %d: %q, want %q", i, payload, want)
		}
		if ip != peerIP || sport != 25603 {
			t.Errorf("recv %d: from %#x:%d", i, ip, sport)
		}
	}
	if r.arena.InUse() != ringPages {
		t.Errorf("leaked %d pages", r.arena.InUse()-ringPages)
	}
}

func TestRecvInterleavedPorts(t *testing.T) {
	r := newRig(t, ringPages+8, false)
	for _, port := range []uint16{2000, 2001} {
		if err := r.stack.Bind(port); err != nil {
			t.Fatal(err)
		}
	}
	r.deliver(t,
		r.udp(t, 25603, 2000, "a0"),
		r.udp(t, 25603, 2001, "b0"),
		r.udp(t, 25603, 2000, "a1"),
		r.udp(t, 25603, 2001, "b1"))

	for _, want := range []struct {
		port    uint16
		payload string
	}{
		{2001, "b0"}, {2000, "a0"}, {2001, "b1"}, {2000, "a1"},
	} {
		if got, _, _ := r.recv(t, want.port, 64); got != want.payload {
			t.Errorf("port %d: %q, want %q", want.port, got, want.payload)
		}
	}
}

func TestRecvTruncates(t *testing.T) {
	r := newRig(t, ringPages+2, false)
	_ = r.stack.Bind(2000)
	r.deliver(t, r.udp(t, 1, 2000, "packet 1"))
	if got, _, _ := r.recv(t, 2000, 3); got != "pac" {
		t.Fatalf("got %q", got)
	}
	if r.arena.InUse() != ringPages {
		t.Fatal("truncated datagram not freed")
	}
}

func TestRecvBlocksUntilEnqueue(t *testing.T) {
	r := newRig(t, ringPages+2, false)
	_ = r.stack.Bind(2000)

	type result struct {
		payload string
		sport   uint16
		err     error
	}
	res := make(chan result, 1)
	go func() {
		buf := make([]byte, 64)
		n, _, sport, err := r.stack.Recv(context.Background(), 2000, buf)
		res <- result{string(buf[:n]), sport, err}
	}()

	select {
	case got := <-res:
		t.Fatalf("Recv returned on an empty queue: %+v", got)
	case <-time.After(20 * time.Millisecond):
	}

	r.deliver(t, r.udp(t, 4242, 2000, "late"))
	select {
	case got := <-res:
		if got.err != nil || got.payload != "late" || got.sport != 4242 {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Recv not woken")
	}
}

func TestRecvCanceled(t *testing.T) {
	r := newRig(t, ringPages, false)
	_ = r.stack.Bind(2000)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, _, _, err := r.stack.Recv(ctx, 2000, make([]byte, 8))
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Recv ignored cancellation")
	}

	// An already canceled context fails immediately.
	if _, _, _, err := r.stack.Recv(ctx, 2000, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestRecvManyWaiters(t *testing.T) {
	r := newRig(t, ringPages+2, false)
	_ = r.stack.Bind(2000)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var lock sync.Mutex
	got := map[string]int{}
	var wg sync.WaitGroup
	for range 3 {
		wg.Go(func() {
			buf := make([]byte, 8)
			n, _, _, err := r.stack.Recv(ctx, 2000, buf)
			key := string(buf[:n])
			if err != nil {
				key = err.Error()
			}
			lock.Lock()
			got[key]++
			lock.Unlock()
		})
	}
	time.Sleep(20 * time.Millisecond)
	r.deliver(t, r.udp(t, 1, 2000, "a"), r.udp(t, 1, 2000, "b"))
	wg.Wait()

	want := map[string]int{"a": 1, "b": 1, context.DeadlineExceeded.Error(): 1}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestRecvNotBound(t *testing.T) {
	r := newRig(t, ringPages, false)
	_, _, _, err := r.stack.Recv(context.Background(), 9, nil)
	if !errors.Is(err, netstack.ErrNotBound) {
		t.Fatalf("err = %v, want ErrNotBound", err)
	}
}

func TestDuplicateBindShadows(t *testing.T) {
	r := newRig(t, ringPages+2, false)
	_ = r.stack.Bind(2000)
	_ = r.stack.Bind(2000)
	r.deliver(t, r.udp(t, 1, 2000, "x"))
	if got, _, _ := r.recv(t, 2000, 8); got != "x" {
		t.Fatalf("got %q", got)
	}
	// Unbind keeps the queue.
	_ = r.stack.Unbind(2000)
	r.deliver(t, r.udp(t, 1, 2000, "y"))
	if got, _, _ := r.recv(t, 2000, 8); got != "y" {
		t.Fatalf("got %q after Unbind", got)
	}
}

func TestBurstIsBounded(t *testing.T) {
	const burst = 257
	r := newRig(t, ringPages+netstack.DefaultQueueCap+e1000.DefaultRxRingSize, false)
	_ = r.stack.Bind(2000)

	frames := make([][]byte, burst)
	for i := range frames {
		frames[i] = r.udp(t, 25603, 2000, fmt.Sprintf("packet %d", i))
	}
	r.deliver(t, frames...)

	if got := r.stats.Load(ifacestat.UDPDelivered); got != netstack.DefaultQueueCap {
		t.Errorf("delivered %d, want %d", got, netstack.DefaultQueueCap)
	}
	if got := r.stats.Load(ifacestat.UDPQueueFull); got != burst-netstack.DefaultQueueCap {
		t.Errorf("queue full drops %d", got)
	}
	if got := r.arena.InUse(); got != ringPages+netstack.DefaultQueueCap {
		t.Errorf("InUse = %d, want %d", got, ringPages+netstack.DefaultQueueCap)
	}

	for i := range netstack.DefaultQueueCap {
		if got, _, _ := r.recv(t, 2000, 64); got != fmt.Sprintf("packet %d", i) {
			t.Fatalf("recv %d: %q", i, got)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, _, err := r.stack.Recv(ctx, 2000, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want an empty queue", err)
	}
	if r.arena.InUse() != ringPages {
		t.Fatalf("leaked %d pages", r.arena.InUse()-ringPages)
	}
}

func TestARPFirstRequestOnly(t *testing.T) {
	r := newRig(t, ringPages+4, false)

	// A reply does not consume the single answer.
	r.deliver(t, r.peer.ARPReply())
	if n := len(r.peer.Sent()); n != 0 {
		t.Fatalf("answered an ARP reply with %d frames", n)
	}

	r.deliver(t, r.peer.ARPRequest())
	sent := r.peer.Sent()
	if len(sent) != 1 {
		t.Fatalf("%d frames sent, want 1", len(sent))
	}
	mac, ip, ok := r.peer.ParseARPReply(sent[0])
	if !ok {
		t.Fatal("not an ARP reply")
	}
	if mac.String() != r.dev.MAC().String() || !ip.Equal(netstack.DefaultIP) {
		t.Fatalf("reply claims %v is at %v", ip, mac)
	}
	eth := wire.Ethernet(sent[0])
	reply := wire.ARP(eth.Payload())
	if eth.Dst() != [6]byte(e1000sim.DefaultPeerMAC) ||
		reply.TargetMAC() != [6]byte(e1000sim.DefaultPeerMAC) ||
		reply.TargetIP() != peerIP {
		t.Fatalf("reply not addressed to the requester: % x", sent[0][:42])
	}

	r.deliver(t, r.peer.ARPRequest())
	if n := len(r.peer.Sent()); n != 1 {
		t.Fatalf("%d frames sent after a second request", n)
	}
	if got := r.stats.Load(ifacestat.ArpReplies); got != 1 {
		t.Errorf("ArpReplies = %d", got)
	}
	// Only the reply page still sits in its transmit slot.
	if r.arena.InUse() != ringPages+1 {
		t.Errorf("InUse = %d", r.arena.InUse())
	}
}

func TestSend(t *testing.T) {
	r := newRig(t, ringPages+2, false)
	n, err := r.stack.Send(2003, peerIP, 25603, []byte("txone"))
	if err != nil || n != 5 {
		t.Fatalf("Send = %d, %v", n, err)
	}
	sent := r.peer.Sent()
	if len(sent) != 1 {
		t.Fatalf("%d frames on the wire", len(sent))
	}
	d, ok := r.peer.ParseUDP(sent[0])
	if !ok {
		t.Fatal("peer cannot parse the datagram")
	}
	if d.SrcPort != 2003 || d.DstPort != 25603 || d.TTL != netstack.DefaultTTL ||
		string(d.Payload) != "txone" || !d.SrcIP.Equal(netstack.DefaultIP) {
		t.Fatalf("datagram %+v", d)
	}
	ip := wire.IPv4(sent[0][wire.EthernetSize:])
	if wire.Checksum(ip[:wire.IPv4Size]) != 0 {
		t.Error("IPv4 header checksum does not verify")
	}
	if udp := wire.UDP(ip.Payload()); udp.Sum() != 0 {
		t.Error("UDP checksum not zero")
	}
	if eth := wire.Ethernet(sent[0]); eth.Dst() != [6]byte(netstack.DefaultPeerMAC) {
		t.Errorf("destination MAC % x", eth.Dst())
	}
}

func TestSendConcurrent(t *testing.T) {
	const senders, perSender = 8, 50
	r := newRig(t, ringPages+e1000.DefaultTxRingSize+senders, false)

	var ok atomic.Int64
	var wg sync.WaitGroup
	for w := range senders {
		wg.Go(func() {
			for i := range perSender {
				payload := fmt.Appendf(nil, "%d/%d", w, i)
				if _, err := r.stack.Send(uint16(3000+w), peerIP, 25603, payload); err != nil {
					t.Errorf("sender %d: %v", w, err)
					continue
				}
				ok.Add(1)
			}
		})
	}
	wg.Wait()

	sent := r.peer.Sent()
	if int64(len(sent)) != ok.Load() || ok.Load() != senders*perSender {
		t.Fatalf("%d frames on the wire, %d sends succeeded", len(sent), ok.Load())
	}
	seen := make(map[string]bool, len(sent))
	for i, f := range sent {
		d, parsed := r.peer.ParseUDP(f)
		if !parsed {
			t.Fatalf("frame %d does not parse", i)
		}
		var w, n int
		if _, err := fmt.Sscanf(string(d.Payload), "%d/%d", &w, &n); err != nil ||
			d.SrcPort != uint16(3000+w) {
			t.Fatalf("frame %d: port %d payload %q", i, d.SrcPort, d.Payload)
		}
		if seen[string(d.Payload)] {
			t.Fatalf("payload %q sent twice", d.Payload)
		}
		seen[string(d.Payload)] = true
	}
	if got := r.arena.InUse(); got > ringPages+e1000.DefaultTxRingSize {
		t.Fatalf("InUse = %d, want <= %d", got, ringPages+e1000.DefaultTxRingSize)
	}
}

func TestSendTooLarge(t *testing.T) {
	r := newRig(t, ringPages+1, false)
	_, err := r.stack.Send(1, peerIP, 2, make([]byte, netstack.MaxPayload+1))
	if !errors.Is(err, netstack.ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
	if r.arena.InUse() != ringPages {
		t.Fatal("page allocated for a rejected send")
	}
	if n, err := r.stack.Send(1, peerIP, 2, make([]byte, netstack.MaxPayload)); err != nil ||
		n != netstack.MaxPayload {
		t.Fatalf("largest payload: %d, %v", n, err)
	}
}

func TestSendNoMemory(t *testing.T) {
	r := newRig(t, ringPages, false)
	if _, err := r.stack.Send(1, peerIP, 2, []byte("x")); !errors.Is(err, netstack.ErrNoMemory) {
		t.Fatalf("err = %v, want ErrNoMemory", err)
	}
}

func TestSendFreesOnRingFull(t *testing.T) {
	const size = e1000.DefaultTxRingSize
	r := newRig(t, ringPages+size+1, false)
	r.sim.HoldTx()
	defer r.sim.ReleaseTx()

	for i := range size {
		if _, err := r.stack.Send(1, peerIP, 2, []byte{byte(i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	inUse := r.arena.InUse()
	_, err := r.stack.Send(1, peerIP, 2, []byte("overflow"))
	if !errors.Is(err, e1000.ErrNoFreeDescriptor) {
		t.Fatalf("err = %v, want ErrNoFreeDescriptor", err)
	}
	if r.arena.InUse() != inUse {
		t.Fatal("failed send leaked its page")
	}
}

func TestPingRoundTrip(t *testing.T) {
	r := newRig(t, ringPages+8, true)
	_ = r.stack.Bind(2004)

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg.Go(func() { _ = r.peer.Run(ctx, r.sim) })
	wg.Go(func() { _ = r.dev.Serve(ctx, r.sim.IRQ(), 0) })

	for i := range 4 {
		msg := fmt.Sprintf("ping %d", i)
		if _, err := r.stack.Send(2004, peerIP, 25603, []byte(msg)); err != nil {
			t.Fatal(err)
		}
		got, ip, sport := r.recv(t, 2004, 128)
		if got != msg || ip != peerIP || sport != 25603 {
			t.Fatalf("echo %q from %#x:%d", got, ip, sport)
		}
	}
}

func TestCloseDropsQueued(t *testing.T) {
	r := newRig(t, ringPages+4, false)
	_ = r.stack.Bind(2000)
	r.deliver(t, r.udp(t, 1, 2000, "a"), r.udp(t, 1, 2000, "b"))

	if err := r.stack.Close(); err != nil {
		t.Fatal(err)
	}
	if r.arena.InUse() != ringPages {
		t.Fatalf("InUse = %d after Close", r.arena.InUse())
	}
	if _, _, _, err := r.stack.Recv(context.Background(), 2000, nil); !errors.Is(err, netstack.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if err := r.stack.Bind(2001); !errors.Is(err, netstack.ErrClosed) {
		t.Fatalf("Bind after Close: %v", err)
	}
}

package e1000_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
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
)

// ringPages is what New allocates: one page per ring plus one buffer per
// receive descriptor.
const ringPages = 2 + e1000.DefaultRxRingSize

type recorder struct {
	lock   sync.Mutex
	frames [][]byte
}

func (r *recorder) Send(frame []byte) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.frames = append(r.frames, append([]byte(nil), frame...))
}

func (r *recorder) Frames() [][]byte {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([][]byte(nil), r.frames...)
}

type rig struct {
	arena *mem.Arena
	sim   *e1000sim.Device
	dev   *e1000.Device
	wire  *recorder
	stats *ifacestat.Counters
}

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newRig(t *testing.T, pages int) *rig {
	t.Helper()
	a, err := mem.NewArena(pages)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	r := &rig{arena: a, wire: new(recorder), stats: new(ifacestat.Counters)}
	r.sim = e1000sim.New(a, quietLog())
	r.sim.Attach(r.wire)
	r.dev, err = e1000.New(r.sim, a, e1000.Config{Log: quietLog(), Stats: r.stats})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func (r *rig) alloc(t *testing.T, fill byte, n int) mem.Page {
	t.Helper()
	p, ok := r.arena.AllocPage()
	if !ok {
		t.Fatal("arena exhausted")
	}
	for i := range n {
		p.Buf[i] = fill
	}
	return p
}

func (r *rig) txRing(t *testing.T) []e1000.TxDesc {
	t.Helper()
	base := uint64(r.sim.Load(e1000.TDBAH))<<32 | uint64(r.sim.Load(e1000.TDBAL))
	b, ok := r.arena.Translate(base, int(r.sim.Load(e1000.TDLEN)))
	if !ok {
		t.Fatalf("tx ring base %#x not in arena", base)
	}
	return e1000.TxRing(b)
}

// frameTo builds a frame addressed to the driver's MAC.
func frameTo(mac []byte, fill byte, n int) []byte {
	f := bytes.Repeat([]byte{fill}, n)
	copy(f, mac)
	return f
}

func TestNewProgramsDevice(t *testing.T) {
	r := newRig(t, ringPages)

	for _, tc := range []struct {
		reg  e1000.Reg
		want uint32
	}{
		{e1000.TDLEN, e1000.DefaultTxRingSize * e1000.DescSize},
		{e1000.RDLEN, e1000.DefaultRxRingSize * e1000.DescSize},
		{e1000.TDH, 0},
		{e1000.TDT, 0},
		{e1000.RDH, 0},
		{e1000.RDT, e1000.DefaultRxRingSize - 1},
		{e1000.TCTL, e1000.TCTL_EN | e1000.TCTL_PSP | 0x10<<4 | 0x40<<12},
		{e1000.TIPG, 10 | 8<<10 | 6<<20},
		{e1000.RCTL, e1000.RCTL_EN | e1000.RCTL_BAM | e1000.RCTL_SZ_2048 | e1000.RCTL_SECRC},
		{e1000.IMS, e1000.ICR_RXDW},
		{e1000.RAL, 0x12005452},
		{e1000.RAH, 0x5634 | e1000.RAH_AV},
		{e1000.MTA + 4*17, 0},
	} {
		if got := r.sim.Load(tc.reg); got != tc.want {
			t.Errorf("register %#05x = %#x, want %#x", uint32(tc.reg), got, tc.want)
		}
	}
	for i, d := range r.txRing(t) {
		if d.Status()&e1000.TXD_STAT_DD == 0 {
			t.Errorf("tx descriptor %d not marked done", i)
		}
	}
	if got := r.arena.InUse(); got != ringPages {
		t.Errorf("InUse = %d, want %d", got, ringPages)
	}
}

func TestNewPanicsWithoutRxBuffers(t *testing.T) {
	a, err := mem.NewArena(5)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	defer func() {
		v := recover()
		err, ok := v.(error)
		if !ok || !errors.Is(err, e1000.ErrRingAlloc) {
			t.Fatalf("recovered %v, want ErrRingAlloc", v)
		}
	}()
	_, _ = e1000.New(e1000sim.New(a, quietLog()), a, e1000.Config{Log: quietLog()})
	t.Fatal("New did not panic")
}

func TestConfigValidation(t *testing.T) {
	for _, c := range []e1000.Config{
		{TxRingSize: 12},
		{RxRingSize: 4},
		{TxRingSize: 512},
	} {
		if err := c.ValidateAndSetDefaults(); !errors.Is(err, e1000.ErrRingSize) {
			t.Errorf("%+v: err = %v, want ErrRingSize", c, err)
		}
	}
	c := e1000.Config{MAC: []byte{1, 2, 3}}
	if err := c.ValidateAndSetDefaults(); !errors.Is(err, e1000.ErrInvalidMAC) {
		t.Errorf("err = %v, want ErrInvalidMAC", err)
	}
}

func TestTransmitFillsRingInOrder(t *testing.T) {
	const size = e1000.DefaultTxRingSize
	r := newRig(t, ringPages+size+2)
	r.sim.HoldTx()

	pages := make([]mem.Page, size)
	for i := range pages {
		pages[i] = r.alloc(t, byte(i), 100)
		if err := r.dev.Transmit(pages[i], 100+i); err != nil {
			t.Fatalf("transmit %d: %v", i, err)
		}
		if got := r.sim.Load(e1000.TDT); got != uint32(i+1)%size {
			t.Fatalf("TDT after transmit %d = %d", i, got)
		}
	}
	ring := r.txRing(t)
	for i, d := range ring {
		if d.Addr() != pages[i].Addr || int(d.Length()) != 100+i {
			t.Errorf("slot %d: addr %#x len %d", i, d.Addr(), d.Length())
		}
		if d.Cmd() != e1000.TXD_CMD_EOP|e1000.TXD_CMD_RS || d.Status() != 0 {
			t.Errorf("slot %d: cmd %#x status %#x", i, d.Cmd(), d.Status())
		}
	}

	extra := r.alloc(t, 0xee, 60)
	err := r.dev.Transmit(extra, 60)
	if !errors.Is(err, e1000.ErrNoFreeDescriptor) {
		t.Fatalf("err = %v, want ErrNoFreeDescriptor", err)
	}
	if ring[0].Addr() != pages[0].Addr || ring[0].Length() != 100 {
		t.Fatal("refused transmit modified slot 0")
	}
	if got := r.stats.Load(ifacestat.TxRingFull); got != 1 {
		t.Errorf("TxRingFull = %d", got)
	}

	r.sim.ReleaseTx()
	frames := r.wire.Frames()
	if len(frames) != size {
		t.Fatalf("%d frames on the wire, want %d", len(frames), size)
	}
	for i, f := range frames {
		if len(f) != 100+i || f[0] != byte(i) {
			t.Errorf("frame %d: len %d first byte %d", i, len(f), f[0])
		}
	}

	// Reusing slot 0 frees its previous occupant.
	inUse := r.arena.InUse()
	if err := r.dev.Transmit(extra, 60); err != nil {
		t.Fatalf("transmit after completion: %v", err)
	}
	if got := r.arena.InUse(); got != inUse-1 {
		t.Errorf("InUse = %d, want %d", got, inUse-1)
	}
	if got := r.stats.Load(ifacestat.TxPackets); got != size+1 {
		t.Errorf("TxPackets = %d", got)
	}
}

func TestTransmitConcurrent(t *testing.T) {
	const (
		senders   = 8
		perSender = 50
		size      = e1000.DefaultTxRingSize
	)
	r := newRig(t, ringPages+size+senders)

	var ok atomic.Int64
	var wg sync.WaitGroup
	for w := range senders {
		wg.Go(func() {
			for i := range perSender {
				p, allocated := r.arena.AllocPage()
				if !allocated {
					t.Errorf("sender %d: arena exhausted", w)
					return
				}
				copy(p.Buf, r.dev.MAC())
				binary.BigEndian.PutUint16(p.Buf[6:], uint16(w))
				binary.BigEndian.PutUint16(p.Buf[8:], uint16(i))
				if err := r.dev.Transmit(p, 64); err != nil {
					r.arena.FreePage(p)
					t.Errorf("sender %d: %v", w, err)
					continue
				}
				ok.Add(1)
			}
		})
	}
	wg.Wait()

	frames := r.wire.Frames()
	if int64(len(frames)) != ok.Load() || ok.Load() != senders*perSender {
		t.Fatalf("%d frames on the wire, %d transmits succeeded", len(frames), ok.Load())
	}
	seen := make(map[uint32]bool, len(frames))
	for i, f := range frames {
		if len(f) != 64 || !bytes.Equal(f[:6], r.dev.MAC()) {
			t.Fatalf("frame %d corrupted: % x", i, f[:min(len(f), 10)])
		}
		w, n := binary.BigEndian.Uint16(f[6:]), binary.BigEndian.Uint16(f[8:])
		if w >= senders || n >= perSender {
			t.Fatalf("frame %d: sender %d seq %d", i, w, n)
		}
		key := uint32(w)<<16 | uint32(n)
		if seen[key] {
			t.Fatalf("sender %d seq %d transmitted twice", w, n)
		}
		seen[key] = true
	}
	if got := r.arena.InUse(); got > ringPages+size {
		t.Fatalf("InUse = %d, want <= %d", got, ringPages+size)
	}
}

func TestTransmitPadsShortFrames(t *testing.T) {
	r := newRig(t, ringPages+1)
	p := r.alloc(t, 0xab, 42)
	if err := r.dev.Transmit(p, 42); err != nil {
		t.Fatal(err)
	}
	frames := r.wire.Frames()
	if len(frames) != 1 || len(frames[0]) != 60 {
		t.Fatalf("frames = %v", frames)
	}
	if frames[0][41] != 0xab || frames[0][42] != 0 {
		t.Error("padding is not zero-filled after the frame")
	}
}

func TestTransmitFrameLength(t *testing.T) {
	r := newRig(t, ringPages+1)
	p := r.alloc(t, 0, 0)
	for _, n := range []int{0, -1, mem.PageSize + 1} {
		if err := r.dev.Transmit(p, n); !errors.Is(err, e1000.ErrFrameLength) {
			t.Errorf("n=%d: err = %v, want ErrFrameLength", n, err)
		}
	}
}

func TestDrainReceived(t *testing.T) {
	r := newRig(t, ringPages+8)
	mac := r.dev.MAC()

	want := [][]byte{
		frameTo(mac, 1, 60),
		frameTo(mac, 2, 1514),
		frameTo(e1000sim.DefaultPeerMAC, 3, 60), // filtered
		frameTo([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, 4, 64),
	}
	for i, f := range want {
		stored := r.sim.Inject(f)
		if stored != (i != 2) {
			t.Fatalf("frame %d: stored = %t", i, stored)
		}
	}
	want = append(want[:2], want[3])

	frames := r.dev.DrainReceived()
	if len(frames) != len(want) {
		t.Fatalf("drained %d frames, want %d", len(frames), len(want))
	}
	for i, f := range frames {
		if !bytes.Equal(f.Page.Buf[:f.Len], want[i]) {
			t.Errorf("frame %d differs", i)
		}
		r.arena.FreePage(f.Page)
	}
	if got := r.sim.Load(e1000.RDT); got != 2 {
		t.Errorf("RDT = %d, want 2", got)
	}
	if frames := r.dev.DrainReceived(); len(frames) != 0 {
		t.Errorf("second drain returned %d frames", len(frames))
	}
	if got := r.stats.Load(ifacestat.RxPackets); got != 3 {
		t.Errorf("RxPackets = %d", got)
	}
	if got := r.sim.Filtered(); got != 1 {
		t.Errorf("Filtered = %d", got)
	}
}

func TestReceiveRingWraps(t *testing.T) {
	const size = e1000.DefaultRxRingSize
	r := newRig(t, ringPages+2*size)
	mac := r.dev.MAC()

	// The slot at the tail is never filled: size-1 frames fit.
	injected := 0
	for i := range size {
		stored := r.sim.Inject(frameTo(mac, byte(injected), 60))
		if stored != (i < size-1) {
			t.Fatalf("frame %d: stored = %t", i, stored)
		}
		if stored {
			injected++
		}
	}
	if r.sim.RxMissed() != 1 {
		t.Fatalf("RxMissed = %d", r.sim.RxMissed())
	}

	seq := 0
	for round := range 4 {
		for _, f := range r.dev.DrainReceived() {
			if f.Page.Buf[59] != byte(seq) {
				t.Fatalf("round %d: got frame %d, want %d", round, f.Page.Buf[59], seq)
			}
			seq++
			r.arena.FreePage(f.Page)
		}
		for range 5 {
			if !r.sim.Inject(frameTo(mac, byte(injected), 60)) {
				t.Fatalf("round %d: frame not stored after drain", round)
			}
			injected++
		}
	}
	if seq != injected-5 {
		t.Fatalf("drained %d of %d frames", seq, injected-5)
	}
}

func TestDrainSurvivesCopyAllocFailure(t *testing.T) {
	r := newRig(t, ringPages+1)
	mac := r.dev.MAC()

	spare := r.alloc(t, 0, 0)
	r.sim.Inject(frameTo(mac, 1, 60))
	r.sim.Inject(frameTo(mac, 2, 60))
	if frames := r.dev.DrainReceived(); len(frames) != 0 {
		t.Fatalf("drained %d frames with no free page", len(frames))
	}
	if got := r.stats.Load(ifacestat.RxDropped); got != 2 {
		t.Fatalf("RxDropped = %d, want 2", got)
	}

	r.arena.FreePage(spare)
	r.sim.Inject(frameTo(mac, 3, 60))
	frames := r.dev.DrainReceived()
	if len(frames) != 1 || frames[0].Page.Buf[59] != 3 {
		t.Fatalf("ring did not recover: %v", frames)
	}
}

func TestIntrDispatches(t *testing.T) {
	r := newRig(t, ringPages+4)
	mac := r.dev.MAC()

	var got [][]byte
	r.dev.SetRxHandler(func(p mem.Page, n int) {
		got = append(got, append([]byte(nil), p.Buf[:n]...))
		r.arena.FreePage(p)
	})

	r.sim.Inject(frameTo(mac, 7, 80))
	r.sim.Inject(frameTo(mac, 8, 90))
	select {
	case <-r.sim.IRQ():
	default:
		t.Fatal("no interrupt raised")
	}
	if n := r.dev.Intr(); n != 2 {
		t.Fatalf("Intr = %d, want 2", n)
	}
	if len(got) != 2 || len(got[0]) != 80 || len(got[1]) != 90 {
		t.Fatalf("handler got %d frames", len(got))
	}
	if r.arena.InUse() != ringPages {
		t.Errorf("leaked %d pages", r.arena.InUse()-ringPages)
	}
}

func TestIntrWithoutHandlerFreesFrames(t *testing.T) {
	r := newRig(t, ringPages+1)
	r.sim.Inject(frameTo(r.dev.MAC(), 1, 60))
	if n := r.dev.Intr(); n != 1 {
		t.Fatalf("Intr = %d", n)
	}
	if r.arena.InUse() != ringPages {
		t.Fatal("frame not freed")
	}
}

func TestServe(t *testing.T) {
	r := newRig(t, ringPages+4)
	got := make(chan int, 4)
	r.dev.SetRxHandler(func(p mem.Page, n int) {
		r.arena.FreePage(p)
		got <- n
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.dev.Serve(ctx, r.sim.IRQ(), 0) }()

	r.sim.Inject(frameTo(r.dev.MAC(), 1, 77))
	select {
	case n := <-got:
		if n != 77 {
			t.Fatalf("frame length %d", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("frame not delivered")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve = %v", err)
	}
}

func TestCloseReleasesMemory(t *testing.T) {
	r := newRig(t, ringPages+2)
	for i := range 2 {
		if err := r.dev.Transmit(r.alloc(t, 1, 60), 60); err != nil {
			t.Fatalf("transmit %d: %v", i, err)
		}
	}
	if err := r.dev.Close(); err != nil {
		t.Fatal(err)
	}
	if r.arena.InUse() != 0 {
		t.Fatalf("InUse = %d after Close", r.arena.InUse())
	}
	if r.sim.Load(e1000.RCTL)&e1000.RCTL_EN != 0 {
		t.Error("receiver still enabled")
	}

	p := r.alloc(t, 1, 60)
	if err := r.dev.Transmit(p, 60); !errors.Is(err, e1000.ErrClosed) {
		t.Fatalf("Transmit after Close = %v, want ErrClosed", err)
	}
	r.arena.FreePage(p)
	if frames := r.dev.DrainReceived(); len(frames) != 0 {
		t.Fatalf("DrainReceived after Close returned %d frames", len(frames))
	}
	if n := r.dev.Intr(); n != 0 {
		t.Fatalf("Intr after Close drained %d frames", n)
	}
}

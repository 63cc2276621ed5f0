package hostlink

import (
	"errors"
	"sync/atomic"
	"testing"
	"unsafe"
)

// fakeRegion lays out a ring region the way the kernel does: producer,
// consumer, then the entries.
func fakeRegion[T desc | uint64](size uint32) ([]byte, ringOffset) {
	var zero T
	off := ringOffset{Producer: 0, Consumer: 64, Flags: 96, Desc: 128}
	region := make([]byte, int(off.Desc)+int(size)*int(unsafe.Sizeof(zero)))
	return region, off
}

func TestRingSizeMustBePowerOfTwo(t *testing.T) {
	region, off := fakeRegion[uint64](8)
	if _, err := newRing[uint64](region, off, 6, false); !errors.Is(err, ErrRingSize) {
		t.Fatalf("err = %v, want ErrRingSize", err)
	}
	if _, err := newRing[uint64](nil, off, 8, false); !errors.Is(err, ErrRingRegionEmpty) {
		t.Fatalf("err = %v, want ErrRingRegionEmpty", err)
	}
}

func TestRingProducer(t *testing.T) {
	const size = 4
	region, off := fakeRegion[desc](size)
	r, err := newRing[desc](region, off, size, true)
	if err != nil {
		t.Fatal(err)
	}

	for i := range size {
		idx, ok := r.reserve(1)
		if !ok {
			t.Fatalf("reserve %d failed", i)
		}
		r.slot(idx).Addr = uint64(i) * 2048
	}
	if _, ok := r.reserve(1); ok {
		t.Fatal("reserved beyond ring size")
	}
	r.submit()
	if got := atomic.LoadUint32(r.prod); got != size {
		t.Fatalf("producer = %d", got)
	}

	// The kernel consumes two entries.
	atomic.StoreUint32(r.cons, 2)
	idx, ok := r.reserve(2)
	if !ok {
		t.Fatal("reserve after consumption failed")
	}
	if r.slot(idx) != &r.entries[0] {
		t.Fatal("ring did not wrap")
	}

	if r.needWakeup() {
		t.Fatal("wakeup requested with flags clear")
	}
	atomic.StoreUint32(r.flags, ringNeedWakeup)
	if !r.needWakeup() {
		t.Fatal("wakeup flag ignored")
	}
}

func TestRingConsumer(t *testing.T) {
	const size = 8
	region, off := fakeRegion[uint64](size)
	r, err := newRing[uint64](region, off, size, false)
	if err != nil {
		t.Fatal(err)
	}
	if r.available(size) != 0 {
		t.Fatal("empty ring reports entries")
	}

	// The kernel produces three addresses.
	for i := range 3 {
		r.entries[i] = uint64(100 + i)
	}
	atomic.StoreUint32(r.prod, 3)

	n := r.available(2)
	if n != 2 {
		t.Fatalf("available = %d, want 2", n)
	}
	if *r.at(0) != 100 || *r.at(1) != 101 {
		t.Fatalf("entries %d %d", *r.at(0), *r.at(1))
	}
	r.release(n)
	if got := atomic.LoadUint32(r.cons); got != 2 {
		t.Fatalf("consumer = %d", got)
	}
	if n := r.available(size); n != 1 || *r.at(0) != 102 {
		t.Fatalf("available = %d, entry %d", n, *r.at(0))
	}
}

func TestFramePool(t *testing.T) {
	p := newFramePool(4, 2, 2048)
	a, ok1 := p.get()
	b, ok2 := p.get()
	if !ok1 || !ok2 || a == b {
		t.Fatalf("got %d %d", a, b)
	}
	for _, addr := range []uint64{a, b} {
		if addr != 4*2048 && addr != 5*2048 {
			t.Fatalf("address %d outside the pool", addr)
		}
	}
	if _, ok := p.get(); ok {
		t.Fatal("pool not exhausted")
	}
	p.put(a)
	if got, ok := p.get(); !ok || got != a {
		t.Fatal("returned frame not reused")
	}
}

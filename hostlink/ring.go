package hostlink

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

var (
	ErrRingRegionEmpty = errors.New("ring region is empty")
	ErrRingSize        = errors.New("ring size must be a power of two")
)

// ringNeedWakeup is XDP_RING_NEED_WAKEUP from linux/if_xdp.h.
const ringNeedWakeup = 1 << 0

// desc is struct xdp_desc from linux/if_xdp.h.
type desc struct {
	Addr    uint64
	Len     uint32
	Options uint32
}

// ringOffset is struct xdp_ring_offset from linux/if_xdp.h.
type ringOffset struct {
	Producer uint64
	Consumer uint64
	Desc     uint64
	Flags    uint64
}

// ring is one single-producer single-consumer ring shared with the kernel.
// Entries are xdp descriptors (RX, TX) or UMEM addresses (fill, completion).
//
// The producer and consumer indices live in shared memory and are only
// touched atomically. cachedProd/cachedCons are local copies that save
// atomic loads; for a producer ring cachedCons is biased by size so that
// cachedCons-cachedProd is the free space.
type ring[T desc | uint64] struct {
	prod       *uint32
	cons       *uint32
	flags      *uint32
	entries    []T
	mask       uint32
	size       uint32
	cachedProd uint32
	cachedCons uint32
}

// newRing lays a ring over an mmap'd region at the kernel-reported offsets.
func newRing[T desc | uint64](region []byte, off ringOffset, size uint32, producer bool) (*ring[T], error) {
	if len(region) == 0 {
		return nil, ErrRingRegionEmpty
	}
	if size == 0 || size&(size-1) != 0 {
		return nil, ErrRingSize
	}
	base := unsafe.Pointer(&region[0])
	r := &ring[T]{
		prod:    (*uint32)(unsafe.Add(base, off.Producer)),
		cons:    (*uint32)(unsafe.Add(base, off.Consumer)),
		flags:   (*uint32)(unsafe.Add(base, off.Flags)),
		entries: unsafe.Slice((*T)(unsafe.Add(base, off.Desc)), size),
		mask:    size - 1,
		size:    size,
	}
	r.cachedProd = atomic.LoadUint32(r.prod)
	r.cachedCons = atomic.LoadUint32(r.cons)
	if producer {
		r.cachedCons += size
	}
	return r, nil
}

// available returns the number of entries the consumer may read, at most n.
func (r *ring[T]) available(n uint32) uint32 {
	ready := r.cachedProd - r.cachedCons
	if ready == 0 {
		r.cachedProd = atomic.LoadUint32(r.prod)
		ready = r.cachedProd - r.cachedCons
	}
	return min(ready, n)
}

// at returns the i-th entry after the consumer index.
func (r *ring[T]) at(i uint32) *T { return &r.entries[(r.cachedCons+i)&r.mask] }

// release hands n consumed entries back to the producer.
func (r *ring[T]) release(n uint32) {
	r.cachedCons += n
	atomic.StoreUint32(r.cons, r.cachedCons)
}

// reserve claims n entries for the producer. It reports false when the
// ring does not have n free entries.
func (r *ring[T]) reserve(n uint32) (idx uint32, ok bool) {
	if r.cachedCons-r.cachedProd < n {
		r.cachedCons = atomic.LoadUint32(r.cons) + r.size
		if r.cachedCons-r.cachedProd < n {
			return 0, false
		}
	}
	idx = r.cachedProd
	r.cachedProd += n
	return idx, true
}

// slot returns the entry at a reserved index.
func (r *ring[T]) slot(idx uint32) *T { return &r.entries[idx&r.mask] }

// submit publishes every reserved entry to the consumer.
func (r *ring[T]) submit() { atomic.StoreUint32(r.prod, r.cachedProd) }

// needWakeup reports whether the kernel asked to be kicked before it
// processes this ring again.
func (r *ring[T]) needWakeup() bool {
	return atomic.LoadUint32(r.flags)&ringNeedWakeup != 0
}

// framePool is the free list of UMEM frame addresses owned by userspace.
type framePool struct {
	free  []uint64
	count int
}

func newFramePool(first, n, frameSize uint32) *framePool {
	p := &framePool{free: make([]uint64, n)}
	for i := range n {
		p.put(uint64(first+i) * uint64(frameSize))
	}
	return p
}

func (p *framePool) get() (addr uint64, ok bool) {
	if p.count == 0 {
		return 0, false
	}
	p.count--
	return p.free[p.count], true
}

func (p *framePool) put(addr uint64) {
	p.free[p.count] = addr
	p.count++
}

// Package mem implements the page-granularity DMA memory shared by the
// driver and the device.
//
// Pages are carved out of one mmap'd region. Every page has a physical
// address the device uses in descriptors and a virtual view the CPU uses.
package mem

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// PageSize is the allocation granularity and the hard ceiling of a frame.
const PageSize = 4096

// DefaultBase is the physical address of the first page of an Arena
// created by NewArena. It is never zero so a zero address means "no page".
const DefaultBase = 0x1000_0000

var (
	ErrNoPages     = errors.New("number of pages must be > 0")
	ErrUnalignedPA = errors.New("physical address is not page aligned")
)

// Page is one owned page of DMA memory.
// The zero value is "no page".
type Page struct {
	// Addr is the physical address the device uses.
	Addr uint64
	// Buf is the CPU view of the page, always PageSize bytes long.
	Buf []byte
}

// IsZero reports whether p refers to no page.
func (p Page) IsZero() bool { return p.Addr == 0 && p.Buf == nil }

// Allocator is the page allocator consumed by the driver and the stack.
type Allocator interface {
	// AllocPage returns an owned page or false when memory is exhausted.
	AllocPage() (Page, bool)
	// FreePage returns an owned page to the allocator.
	FreePage(Page)
}

// Translator resolves physical addresses on behalf of a DMA-capable device.
type Translator interface {
	// Translate returns the n bytes at physical address pa.
	// The range must not cross a page boundary.
	Translate(pa uint64, n int) ([]byte, bool)
}

// Arena is a fixed pool of pages. It is safe for concurrent use.
type Arena struct {
	lock sync.Mutex

	region []byte
	phys   []uint64       // phys[i] is the physical address of page i.
	index  map[uint64]int // physical page address -> page index.
	inUse  []bool

	freePages []int
	freeCount int

	munmap func([]byte) error
}

// NewArena maps an anonymous region of n pages. Physical addresses are
// assigned linearly from DefaultBase, which suits a simulated device.
func NewArena(n int) (*Arena, error) {
	if n <= 0 {
		return nil, ErrNoPages
	}
	region, err := unix.Mmap(-1, 0, n*PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap arena: %w", err)
	}
	phys := make([]uint64, n)
	for i := range phys {
		phys[i] = DefaultBase + uint64(i)*PageSize
	}
	return newArena(region, phys, unix.Munmap), nil
}

func newArena(region []byte, phys []uint64, munmap func([]byte) error) *Arena {
	n := len(phys)
	a := &Arena{
		region:    region,
		phys:      phys,
		index:     make(map[uint64]int, n),
		inUse:     make([]bool, n),
		freePages: make([]int, n),
		freeCount: n,
		munmap:    munmap,
	}
	// Hand out low pages first.
	for i := range n {
		a.index[phys[i]] = i
		a.freePages[n-1-i] = i
	}
	return a
}

// Pages returns the total number of pages in the arena.
func (a *Arena) Pages() int { return len(a.phys) }

// Free returns the number of pages currently on the free list.
func (a *Arena) Free() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.freeCount
}

// InUse returns the number of pages currently owned by someone.
func (a *Arena) InUse() int { return a.Pages() - a.Free() }

// AllocPage pops a page from the free list. The page content is whatever
// the previous owner left in it.
func (a *Arena) AllocPage() (Page, bool) {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.freeCount == 0 {
		return Page{}, false
	}
	a.freeCount--
	i := a.freePages[a.freeCount]
	a.inUse[i] = true
	return a.page(i), true
}

// FreePage returns p to the free list.
// Freeing a page twice or a page of another arena panics.
func (a *Arena) FreePage(p Page) {
	a.lock.Lock()
	defer a.lock.Unlock()

	i, ok := a.index[p.Addr]
	if !ok {
		panic(fmt.Sprintf("mem: freeing foreign page %#x", p.Addr))
	}
	if !a.inUse[i] {
		panic(fmt.Sprintf("mem: double free of page %#x", p.Addr))
	}
	a.inUse[i] = false
	a.freePages[a.freeCount] = i
	a.freeCount++
}

// Translate implements Translator.
func (a *Arena) Translate(pa uint64, n int) ([]byte, bool) {
	if n < 0 || n > PageSize {
		return nil, false
	}
	off := pa % PageSize
	i, ok := a.index[pa-off]
	if !ok || int(off)+n > PageSize {
		return nil, false
	}
	start := i*PageSize + int(off)
	return a.region[start : start+n : start+n], true
}

// Close unmaps the arena. Pages must not be used afterwards.
func (a *Arena) Close() error {
	if a.region == nil {
		return nil
	}
	err := a.munmap(a.region)
	a.region = nil
	return err
}

func (a *Arena) page(i int) Page {
	start := i * PageSize
	return Page{
		Addr: a.phys[i],
		Buf:  a.region[start : start+PageSize : start+PageSize],
	}
}

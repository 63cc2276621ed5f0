//go:build linux

package mem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	ErrPageNotPresent  = errors.New("page not present in pagemap")
	ErrUnsupportedPage = errors.New("system page size differs from mem.PageSize")
)

const (
	pagemapPresent = 1 << 63
	pagemapPFNMask = 1<<55 - 1
)

// NewPinnedArena maps and locks n pages and resolves their real physical
// addresses through /proc/self/pagemap, so the pages can be handed to a
// real bus-mastering device. Requires CAP_SYS_ADMIN to read PFNs.
func NewPinnedArena(n int) (*Arena, error) {
	if n <= 0 {
		return nil, ErrNoPages
	}
	if os.Getpagesize() != PageSize {
		return nil, ErrUnsupportedPage
	}
	region, err := unix.Mmap(-1, 0, n*PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANON|unix.MAP_POPULATE,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap pinned arena: %w", err)
	}
	if err := unix.Mlock(region); err != nil {
		_ = unix.Munmap(region)
		return nil, fmt.Errorf("mlock pinned arena: %w", err)
	}

	phys, err := resolvePhys(region, n)
	if err != nil {
		_ = unix.Munmap(region)
		return nil, err
	}
	return newArena(region, phys, unix.Munmap), nil
}

func resolvePhys(region []byte, n int) ([]uint64, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, fmt.Errorf("opening pagemap: %w", err)
	}
	defer f.Close()

	phys := make([]uint64, n)
	var entry [8]byte
	for i := range n {
		va := uintptr(unsafe.Pointer(&region[i*PageSize]))
		if _, err := f.ReadAt(entry[:], int64(va/PageSize)*8); err != nil {
			return nil, fmt.Errorf("reading pagemap entry for %#x: %w", va, err)
		}
		e := binary.LittleEndian.Uint64(entry[:])
		if e&pagemapPresent == 0 {
			return nil, fmt.Errorf("%w: %#x", ErrPageNotPresent, va)
		}
		pfn := e & pagemapPFNMask
		if pfn == 0 {
			// Unprivileged readers get PFN 0.
			return nil, fmt.Errorf("%w: pfn hidden for %#x", ErrPageNotPresent, va)
		}
		phys[i] = pfn * PageSize
		if phys[i]%PageSize != 0 {
			return nil, ErrUnalignedPA
		}
	}
	return phys, nil
}

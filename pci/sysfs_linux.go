//go:build linux

package pci

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/romshark/e1000net/e1000"
)

const sysfsDevices = "/sys/bus/pci/devices"

// pciCommand is the offset of the command register in config space.
const pciCommand = 0x04

// SysfsBus enumerates PCI functions through Linux sysfs and maps BARs from
// their resource files. Userspace gets no interrupts this way, so every
// function it returns is polled.
type SysfsBus struct {
	// Root defaults to /sys/bus/pci/devices.
	Root string

	mapped [][]byte
}

func (b *SysfsBus) root() string {
	if b.Root == "" {
		return sysfsDevices
	}
	return b.Root
}

func (b *SysfsBus) Functions() ([]Function, error) {
	entries, err := os.ReadDir(b.root())
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", b.root(), err)
	}
	var fns []Function
	for _, e := range entries {
		dir := filepath.Join(b.root(), e.Name())
		vendor, err := readHex(filepath.Join(dir, "vendor"))
		if err != nil {
			return nil, err
		}
		device, err := readHex(filepath.Join(dir, "device"))
		if err != nil {
			return nil, err
		}
		irq, err := readInt(filepath.Join(dir, "irq"))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		fns = append(fns, Function{
			Addr:    e.Name(),
			Vendor:  uint16(vendor),
			Device:  uint16(device),
			IRQLine: irq,
		})
	}
	slices.SortFunc(fns, func(a, b Function) int { return strings.Compare(a.Addr, b.Addr) })
	return fns, nil
}

func (b *SysfsBus) Enable(fn *Function) error {
	dir := filepath.Join(b.root(), fn.Addr)

	if err := setCommandBits(filepath.Join(dir, "config"),
		CmdIO|CmdMem|CmdBusMaster); err != nil {
		return err
	}

	path := filepath.Join(dir, "resource0")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return fmt.Errorf("opening %q: %w", path, err)
	}
	defer f.Close()

	bar, err := unix.Mmap(int(f.Fd()), 0, e1000.WindowSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap %q: %w", path, err)
	}
	b.mapped = append(b.mapped, bar)
	fn.BAR0 = e1000.NewMMIO(bar)
	return nil
}

// Close unmaps every BAR mapped by Enable.
func (b *SysfsBus) Close() error {
	var errs []error
	for _, bar := range b.mapped {
		if err := unix.Munmap(bar); err != nil {
			errs = append(errs, err)
		}
	}
	b.mapped = nil
	return errors.Join(errs...)
}

func setCommandBits(configPath string, bits uint16) error {
	f, err := os.OpenFile(configPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %q: %w", configPath, err)
	}
	defer f.Close()

	var cmd [2]byte
	if _, err := f.ReadAt(cmd[:], pciCommand); err != nil {
		return fmt.Errorf("reading command register: %w", err)
	}
	v := binary.LittleEndian.Uint16(cmd[:]) | bits
	binary.LittleEndian.PutUint16(cmd[:], v)
	if _, err := f.WriteAt(cmd[:], pciCommand); err != nil {
		return fmt.Errorf("writing command register: %w", err)
	}
	return nil
}

func readHex(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading %q: %w", path, err)
	}
	s := strings.TrimPrefix(strings.TrimSpace(string(b)), "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing %q: %w", path, err)
	}
	return v, nil
}

func readInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading %q: %w", path, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("parsing %q: %w", path, err)
	}
	return v, nil
}

// Package pci locates the network controller on a PCI bus and hands its
// register window and interrupt line to the driver.
package pci

import (
	"errors"
	"fmt"

	"github.com/romshark/e1000net/e1000"
)

const (
	VendorIntel   = 0x8086
	Device82540EM = 0x100E // QEMU's default e1000
)

// Command register bits.
const (
	CmdIO        = 0x1 // enable I/O port space access
	CmdMem       = 0x2 // enable memory-mapped I/O
	CmdBusMaster = 0x4 // enable bus mastering (DMA)
)

var ErrNotFound = errors.New("pci function not found")

// Function is one enabled PCI function.
type Function struct {
	// Addr identifies the function on its bus (e.g. "0000:00:03.0").
	Addr   string
	Vendor uint16
	Device uint16
	// IRQLine is the legacy interrupt line from config space.
	IRQLine int

	// BAR0 is the memory-mapped register window; set by Enable.
	BAR0 e1000.RegisterWindow
	// IRQ delivers interrupt notifications. Nil means the function must
	// be polled.
	IRQ <-chan struct{}
}

// Bus enumerates and enables PCI functions.
type Bus interface {
	// Functions lists the functions present on the bus.
	Functions() ([]Function, error)
	// Enable turns on memory decoding and bus mastering and maps BAR0.
	Enable(fn *Function) error
}

// Attach finds the first function matching vendor and device, enables it
// and returns it ready for driver initialization.
func Attach(bus Bus, vendor, device uint16) (Function, error) {
	fns, err := bus.Functions()
	if err != nil {
		return Function{}, fmt.Errorf("enumerating functions: %w", err)
	}
	for _, fn := range fns {
		if fn.Vendor != vendor || fn.Device != device {
			continue
		}
		if err := bus.Enable(&fn); err != nil {
			return Function{}, fmt.Errorf("enabling %s: %w", fn.Addr, err)
		}
		return fn, nil
	}
	return Function{}, fmt.Errorf("%w: %04x:%04x", ErrNotFound, vendor, device)
}

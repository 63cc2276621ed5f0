//go:build linux

package hostlink

import (
	"errors"
	"fmt"
	"net"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/vishvananda/netlink"
)

// Interface is a host NIC with an XDP program attached that redirects
// every received frame to the AF_XDP socket registered for its queue.
type Interface struct {
	name           string
	index          int
	mac            net.HardwareAddr
	numRxQueues    int
	preferZerocopy bool

	xsks *ebpf.Map
	prog *ebpf.Program
	link link.Link
}

// OpenInterface attaches the redirect program to the named interface.
func OpenInterface(name string, preferZerocopy bool) (*Interface, error) {
	if name == "" {
		return nil, ErrNoNetInterface
	}
	nl, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("getting link %q: %w", name, err)
	}
	attrs := nl.Attrs()

	i := &Interface{
		name:           name,
		index:          attrs.Index,
		mac:            attrs.HardwareAddr,
		numRxQueues:    max(attrs.NumRxQueues, 1),
		preferZerocopy: preferZerocopy,
	}

	i.xsks, err = ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: uint32(i.numRxQueues),
	})
	if err != nil {
		return nil, fmt.Errorf("creating xsks_map: %w", err)
	}

	i.prog, err = ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "xdp_sock_prog",
		Type:         ebpf.XDP,
		License:      "GPL",
		Instructions: redirectProgram(i.xsks.FD()),
	})
	if err != nil {
		_ = i.xsks.Close()
		return nil, fmt.Errorf("loading XDP program: %w", err)
	}

	opts := link.XDPOptions{Program: i.prog, Interface: i.index}
	if preferZerocopy {
		// Driver mode is required for zerocopy.
		opts.Flags = link.XDPDriverMode
	}
	i.link, err = link.AttachXDP(opts)
	if err != nil {
		_ = i.prog.Close()
		_ = i.xsks.Close()
		return nil, fmt.Errorf("attaching XDP: %w", err)
	}
	return i, nil
}

// redirectProgram is the equivalent of
//
//	return bpf_redirect_map(&xsks_map, ctx->rx_queue_index, XDP_PASS);
//
// Frames on queues without a socket fall through to the kernel stack.
func redirectProgram(xsksFD int) asm.Instructions {
	const (
		rxQueueIndexOffset = 16 // offsetof(struct xdp_md, rx_queue_index)
		xdpPass            = 2
	)
	return asm.Instructions{
		asm.LoadMem(asm.R2, asm.R1, rxQueueIndexOffset, asm.Word),
		asm.LoadMapPtr(asm.R1, xsksFD),
		asm.Mov.Imm(asm.R3, xdpPass),
		asm.FnRedirectMap.Call(),
		asm.Return(),
	}
}

func (i *Interface) Name() string { return i.name }

func (i *Interface) MAC() net.HardwareAddr { return i.mac }

// NumRxQueues is the number of RX queues reported by the kernel.
func (i *Interface) NumRxQueues() int { return i.numRxQueues }

// register points queue q of the redirect map at the socket fd.
func (i *Interface) register(fd int, q uint32) error {
	return i.xsks.Update(q, uint32(fd), ebpf.UpdateAny)
}

// Close detaches the program and releases the eBPF objects.
func (i *Interface) Close() error {
	var errs []error
	if i.link != nil {
		if err := i.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("detaching XDP: %w", err))
		}
		i.link = nil
	}
	if i.prog != nil {
		if err := i.prog.Close(); err != nil {
			errs = append(errs, err)
		}
		i.prog = nil
	}
	if i.xsks != nil {
		if err := i.xsks.Close(); err != nil {
			errs = append(errs, err)
		}
		i.xsks = nil
	}
	return errors.Join(errs...)
}

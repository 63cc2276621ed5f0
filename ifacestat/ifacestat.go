// Package ifacestat counts driver and protocol events of a network
// interface and renders snapshots of them.
package ifacestat

import (
	"fmt"
	"io"
	"slices"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	TxRingFull
	RxPackets
	RxBytes
	RxDropped
	RxMissed
	RxMalformed
	ArpReplies
	UDPDelivered
	UDPNoPort
	UDPQueueFull

	numCounters
)

// All lists every counter in display order.
func All() []Counter {
	all := make([]Counter, numCounters)
	for i := range all {
		all[i] = Counter(i)
	}
	return all
}

func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets"
	case TxBytes:
		return "tx_bytes"
	case TxRingFull:
		return "tx_ring_full"
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	case RxDropped:
		return "rx_dropped"
	case RxMissed:
		return "rx_missed"
	case RxMalformed:
		return "rx_malformed"
	case ArpReplies:
		return "arp_replies"
	case UDPDelivered:
		return "udp_delivered"
	case UDPNoPort:
		return "udp_no_port"
	case UDPQueueFull:
		return "udp_queue_full"
	}
	return ""
}

func (c Counter) isBytes() bool { return c == TxBytes || c == RxBytes }

// Counters is a set of live counters. A nil *Counters discards updates,
// so components can be built without statistics.
type Counters struct {
	v [numCounters]atomic.Uint64
}

func (c *Counters) Add(ctr Counter, n uint64) {
	if c == nil {
		return
	}
	c.v[ctr].Add(n)
}

func (c *Counters) Inc(ctr Counter) { c.Add(ctr, 1) }

func (c *Counters) Load(ctr Counter) uint64 {
	if c == nil {
		return 0
	}
	return c.v[ctr].Load()
}

// Per-interface values.
type IfaceStats map[Counter]uint64

// Multi-interface stats.
type Stats map[string]IfaceStats

// Snapshot reads the requested counters (all of them if none are given)
// of every named source.
func Snapshot(sources map[string]*Counters, counters ...Counter) Stats {
	if len(counters) == 0 {
		counters = All()
	}
	s := make(Stats, len(sources))
	for name, src := range sources {
		vals := make(IfaceStats, len(counters))
		for _, ctr := range counters {
			vals[ctr] = src.Load(ctr)
		}
		s[name] = vals
	}
	return s
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for ifc, now := range s {
		prev := old[ifc]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ifc] = diff
	}
	return out
}

func Print(w io.Writer, s Stats, aliases map[string]string) error {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		stats := s[iface]

		var err error
		if alias, ok := aliases[iface]; ok {
			_, err = fmt.Fprintf(w, "%s (%s):\n", iface, alias)
		} else {
			_, err = fmt.Fprintf(w, "%s :\n", iface)
		}
		if err != nil {
			return err
		}

		ctrs := make([]Counter, 0, len(stats))
		for ctr := range stats {
			ctrs = append(ctrs, ctr)
		}
		slices.Sort(ctrs)

		for _, ctr := range ctrs {
			v := stats[ctr]
			if ctr.isBytes() {
				_, err = fmt.Fprintf(w, "  %-15s %-12d ≈ %s\n",
					ctr, v, humanize.Bytes(v))
			} else {
				_, err = fmt.Fprintf(w, "  %-15s %s\n",
					ctr, humanize.Comma(int64(v)))
			}
			if err != nil {
				return err
			}
		}
	}

	return nil
}

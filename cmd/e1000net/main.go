//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/romshark/e1000net/e1000"
	"github.com/romshark/e1000net/e1000/e1000sim"
	"github.com/romshark/e1000net/netstack"
)

const (
	ModeSelftest = "selftest"
	ModeBridge   = "bridge"
	ModePCI      = "pci"
)

type Config struct {
	Mode     string `yaml:"mode"`
	LogLevel string `yaml:"log-level"`
	// ArenaPages is the number of DMA pages available to driver and stack.
	ArenaPages int `yaml:"arena-pages"`

	Guest struct {
		MAC      string `yaml:"mac"` // Defaults to the host NIC's in bridge mode.
		IP       string `yaml:"ip"`
		QueueCap int    `yaml:"queue-cap"`
		TTL      uint8  `yaml:"ttl"`
		TxRing   int    `yaml:"tx-ring"`
		RxRing   int    `yaml:"rx-ring"`
	} `yaml:"guest"`

	Peer struct {
		MAC string `yaml:"mac"`
		IP  string `yaml:"ip"`
	} `yaml:"peer"`

	Selftest struct {
		// Rate is the number of frames per second the peer injects.
		// 0 injects as fast as the receive ring allows.
		Rate    uint64        `yaml:"rate"`
		Burst   int           `yaml:"burst"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"selftest"`

	Bridge struct {
		Interface string `yaml:"interface"`
		Queue     uint32 `yaml:"queue"`
		Zerocopy  bool   `yaml:"zerocopy"`
		EchoPort  uint16 `yaml:"echo-port"`
		Backlog   int    `yaml:"backlog"`
	} `yaml:"bridge"`

	PCI struct {
		// Root is the sysfs PCI devices directory.
		Root     string        `yaml:"root"`
		Poll     time.Duration `yaml:"poll"`
		EchoPort uint16        `yaml:"echo-port"`
	} `yaml:"pci"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fMode := flag.String("mode", "", "selftest, bridge or pci")
	fIface := flag.String("i", "", "bridge interface")
	fQueue := flag.Uint("q", 0, "bridge queue id")
	fPreferZC := flag.Bool("z", false, "zerocopy")
	fBurst := flag.Int("n", 0, "rxburst datagram count")
	fRate := flag.Uint64("r", 0, "peer injection rate (frames/s)")
	fVerbose := flag.Bool("v", false, "debug logging")

	flag.Parse()

	var conf Config
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	// Apply CLI overrides if necessary.
	if *fMode != "" {
		conf.Mode = *fMode
	}
	if *fIface != "" {
		conf.Bridge.Interface = *fIface
	}
	if *fQueue != 0 {
		conf.Bridge.Queue = uint32(*fQueue)
	}
	if *fPreferZC {
		conf.Bridge.Zerocopy = true
	}
	if *fBurst != 0 {
		conf.Selftest.Burst = *fBurst
	}
	if *fRate != 0 {
		conf.Selftest.Rate = *fRate
	}
	if *fVerbose {
		conf.LogLevel = "debug"
	}

	if err := conf.validateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (c *Config) validateAndSetDefaults() error {
	if c.Mode == "" {
		c.Mode = ModeSelftest
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ArenaPages == 0 {
		c.ArenaPages = 512
	}
	if c.Guest.IP == "" {
		c.Guest.IP = e1000sim.DefaultGuestIP.String()
	}
	if c.Guest.QueueCap == 0 {
		c.Guest.QueueCap = netstack.DefaultQueueCap
	}
	if c.Guest.TTL == 0 {
		c.Guest.TTL = netstack.DefaultTTL
	}
	if c.Guest.TxRing == 0 {
		c.Guest.TxRing = e1000.DefaultTxRingSize
	}
	if c.Guest.RxRing == 0 {
		c.Guest.RxRing = e1000.DefaultRxRingSize
	}
	if c.Peer.MAC == "" {
		c.Peer.MAC = e1000sim.DefaultPeerMAC.String()
	}
	if c.Peer.IP == "" {
		c.Peer.IP = e1000sim.DefaultPeerIP.String()
	}
	if c.Selftest.Burst == 0 {
		c.Selftest.Burst = 257
	}
	if c.Selftest.Timeout == 0 {
		c.Selftest.Timeout = 5 * time.Second
	}
	if c.Bridge.EchoPort == 0 {
		c.Bridge.EchoPort = 2004
	}
	if c.PCI.Poll == 0 {
		c.PCI.Poll = e1000.DefaultPollInterval
	}
	if c.PCI.EchoPort == 0 {
		c.PCI.EchoPort = 2004
	}

	// Validate

	switch c.Mode {
	case ModeSelftest, ModePCI:
		if c.Guest.MAC == "" {
			c.Guest.MAC = e1000sim.DefaultGuestMAC.String()
		}
	case ModeBridge:
		if c.Bridge.Interface == "" {
			return errors.New("bridge.interface must be set (or use -i)")
		}
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log-level: %w", err)
	}
	if c.Guest.MAC != "" {
		if _, err := net.ParseMAC(c.Guest.MAC); err != nil {
			return fmt.Errorf("invalid guest.mac %q: %w", c.Guest.MAC, err)
		}
	}
	if _, err := net.ParseMAC(c.Peer.MAC); err != nil {
		return fmt.Errorf("invalid peer.mac %q: %w", c.Peer.MAC, err)
	}
	if ip := net.ParseIP(c.Guest.IP); ip == nil || ip.To4() == nil {
		return fmt.Errorf("invalid guest.ip %q", c.Guest.IP)
	}
	if ip := net.ParseIP(c.Peer.IP); ip == nil || ip.To4() == nil {
		return fmt.Errorf("invalid peer.ip %q", c.Peer.IP)
	}
	// Rings, their buffers and one full queue per port must fit.
	if minPages := 2 + c.Guest.RxRing + c.Guest.TxRing + 2*c.Guest.QueueCap; c.ArenaPages < minPages {
		return fmt.Errorf("arena-pages must be >= %d", minPages)
	}
	if c.Selftest.Burst < 0 {
		return errors.New("selftest.burst must not be negative")
	}
	return nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	log := logrus.New()
	log.SetOutput(os.Stderr)
	level, _ := logrus.ParseLevel(conf.LogLevel)
	log.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch conf.Mode {
	case ModeSelftest:
		if !runSelftest(ctx, conf, log) {
			os.Exit(1)
		}
	case ModeBridge:
		fatalIf(runBridge(ctx, conf, log), "bridge")
	case ModePCI:
		fatalIf(runPCI(ctx, conf, log), "pci")
	}
}

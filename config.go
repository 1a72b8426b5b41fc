package vnet

import (
	"fmt"
	"io"
	"math"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/st-keller/vnet/directory"
	"github.com/st-keller/vnet/netstack"
	"github.com/st-keller/vnet/update"
)

// Version is reported by the status component.
const Version = "1.0.0"

const (
	// portBase and portRange pick the random UDP port: 9000 + rand%1000.
	portBase  = 9000
	portRange = 1000

	defaultReadyTimeout = 30 * time.Second
)

// Config holds node configuration. Only Home is required.
type Config struct {
	Home       string // state directory, created if missing
	Port       int    // UDP port; 0 picks 9000 + rand%1000
	ListenAddr string // UDP bind address; empty binds every interface
	Advertise  string // host published to peers; detected when empty

	Directory directory.Directory // peer rendezvous; a private in-memory one when nil
	Logger    *logrus.Logger      // nil logs nowhere

	MTU              int             // default MTU of joined networks
	ReadyTimeout     time.Duration   // bounds WaitReady and WaitAddress
	AnnounceInterval update.Interval // directory re-announce period

	// LookupRate bounds directory lookups per destination per second.
	LookupRate float64
}

// Validate checks the config and fills defaults.
func (c *Config) Validate() error {
	if c.Home == "" {
		return fmt.Errorf("Home required")
	}
	if c.Port < 0 || c.Port > 0xffff {
		return fmt.Errorf("Port %d out of range", c.Port)
	}
	if c.ListenAddr != "" {
		if _, err := netip.ParseAddr(c.ListenAddr); err != nil {
			return fmt.Errorf("ListenAddr: %w", err)
		}
	}
	if c.Advertise != "" {
		if _, err := netip.ParseAddr(c.Advertise); err != nil {
			return fmt.Errorf("Advertise: %w", err)
		}
	}
	if c.MTU != 0 && c.MTU < 1280 {
		return fmt.Errorf("MTU %d below 1280", c.MTU)
	}
	if c.ReadyTimeout < 0 {
		return fmt.Errorf("ReadyTimeout must not be negative")
	}
	if c.LookupRate < 0 {
		return fmt.Errorf("LookupRate must not be negative")
	}

	if c.MTU == 0 {
		c.MTU = netstack.DefaultMTU
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = defaultReadyTimeout
	}
	switch c.AnnounceInterval {
	case 0:
		c.AnnounceInterval = update.Slow
	case update.Fast, update.Medium, update.Slow:
	default:
		return fmt.Errorf("AnnounceInterval %s invalid", c.AnnounceInterval)
	}
	if c.LookupRate == 0 {
		c.LookupRate = 20
	}
	if c.Directory == nil {
		c.Directory = directory.NewMemory()
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
		c.Logger.SetOutput(io.Discard)
	}
	return nil
}

// lookupBurst lets a destination spend two seconds of its lookup rate at once,
// and never less than a single lookup.
func lookupBurst(rate float64) int {
	return max(1, int(math.Ceil(2*rate)))
}

package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// Service names, TXT version and timings used when Config leaves them unset.
const (
	DefaultService         = "_trackchat._tcp"
	DefaultDomain          = "local."
	DefaultVersion         = 1
	DefaultScheme          = "http"
	DefaultRefreshInterval = 10 * time.Second
	DefaultScanTimeout     = 3 * time.Second
)

// TXT keys a chat backend publishes next to its SRV record.
const (
	txtServerID = "server_id"
	txtVersion  = "version"
	txtScheme   = "scheme"
	txtPath     = "path"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)

// Config is shared by the backend advertiser and the client-side scanner.
// Only the fields under "advertised backend" matter to StartBroadcaster.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	// Advertised backend.
	ServerID     string
	InstanceName string
	Port         int
	Scheme       string
	BasePath     string

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	c.Service = orString(c.Service, DefaultService)
	c.Domain = orString(c.Domain, DefaultDomain)
	c.Scheme = orString(c.Scheme, DefaultScheme)
	if c.Version == 0 {
		c.Version = DefaultVersion
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DefaultScanTimeout
	}
	if c.registerFn == nil {
		c.registerFn = zeroconf.Register
	}
	return c
}

func orString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// advertisable reports why c cannot be published, or nil.
func (c Config) advertisable() error {
	switch {
	case strings.TrimSpace(c.ServerID) == "":
		return errors.New("advertise backend: missing server ID")
	case strings.TrimSpace(c.InstanceName) == "":
		return errors.New("advertise backend: missing instance name")
	case c.Port <= 0:
		return fmt.Errorf("advertise backend: invalid port %d", c.Port)
	case c.Scheme != "http" && c.Scheme != "https":
		return fmt.Errorf("advertise backend: unsupported scheme %q", c.Scheme)
	}
	return nil
}

func (c Config) txtRecord() []string {
	return []string{
		txtServerID + "=" + c.ServerID,
		txtVersion + "=" + strconv.Itoa(c.Version),
		txtScheme + "=" + c.Scheme,
		txtPath + "=" + c.BasePath,
	}
}

// Broadcaster publishes one chat backend on the local network until Stop.
type Broadcaster struct {
	server *zeroconf.Server
}

func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.advertisable(); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.InstanceName, cfg.Service, cfg.Domain, cfg.Port, cfg.txtRecord(), nil)
	if err != nil {
		return nil, fmt.Errorf("advertise backend %s on %s: %w", cfg.ServerID, cfg.Service, err)
	}
	return &Broadcaster{server: server}, nil
}

// Stop withdraws the advertisement. It is safe on a nil Broadcaster.
func (b *Broadcaster) Stop() {
	if b != nil && b.server != nil {
		b.server.Shutdown()
	}
}

package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// CollectorService is the mDNS service a collector advertises.
	CollectorService = "_sms487._tcp"
	// RelayService is the mDNS service the relay advertises for its local API.
	RelayService = "_smsrelay._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background collector discovery interval.
	DefaultRefreshInterval = 30 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls the relay advertisement and collector scanning.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	DeviceID   string
	DeviceName string
	ListenAddr string

	Logger *zap.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = CollectorService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) listenPort() (int, error) {
	_, rawPort, err := net.SplitHostPort(strings.TrimSpace(c.ListenAddr))
	if err != nil {
		return 0, fmt.Errorf("parse listen addr %q: %w", c.ListenAddr, err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("listen addr %q has no usable port", c.ListenAddr)
	}
	return port, nil
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.DeviceID) == "" {
		return errors.New("device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if _, err := c.listenPort(); err != nil {
		return err
	}
	return nil
}

// Advertiser announces the relay's status API via mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// StartAdvertiser registers the relay under RelayService.
func StartAdvertiser(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}
	port, _ := cfg.listenPort()

	txt := []string{
		"device_id=" + cfg.DeviceID,
		"version=" + strconv.Itoa(cfg.Version),
		"path=/status",
	}

	server, err := cfg.registerFn(cfg.DeviceName, RelayService, cfg.Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	cfg.Logger.Named("discovery").Info("advertising relay",
		zap.String("service", RelayService),
		zap.Int("port", port),
	)

	return &Advertiser{server: server}, nil
}

// Stop stops advertising.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

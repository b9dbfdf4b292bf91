// Package mdns provides optional mDNS/Bonjour advertisement of the command
// port.
//
// When enabled, the host advertises itself on the local network using
// DNS-SD, so the presenter app can list nearby hosts without typing an IP.
// The advertisement includes:
//   - Service type: _souffleur._tcp
//   - TXT records with protocol version and host name
//
// Discovery only reveals presence; the shared secret is never advertised.
package mdns

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/souffleur/host/internal/state"
)

// ServiceType is the mDNS service type for souffleur hosts.
const ServiceType = "_souffleur._tcp"

// Domain is the DNS-SD browse domain.
const Domain = "local."

// ProtocolVersion identifies the wire protocol advertised in TXT records.
const ProtocolVersion = "1"

// Config holds configuration for mDNS advertisement.
type Config struct {
	// Port is the command port to advertise (e.g., 8087).
	Port int

	// Name is a human-readable name for this host.
	// Defaults to the system hostname if empty.
	Name string

	// Logger receives advertisement changes. If nil, logs are discarded.
	Logger *log.Logger
}

// registration is the live handle returned by a registrar.
type registration interface {
	Shutdown()
}

type registrar func(instance, service, domain string, port int, txt []string) (registration, error)

func zeroconfRegister(instance, service, domain string, port int, txt []string) (registration, error) {
	return zeroconf.Register(instance, service, domain, port, txt, nil)
}

// Advertiser manages the DNS-SD registration of the command port.
type Advertiser struct {
	config   Config
	logger   *log.Logger
	register registrar

	mu     sync.Mutex
	server registration
	port   int
}

// NewAdvertiser creates a stopped advertiser.
func NewAdvertiser(cfg Config) *Advertiser {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Advertiser{
		config:   cfg,
		logger:   logger,
		register: zeroconfRegister,
	}
}

// instanceName returns the configured name or the hostname.
func (a *Advertiser) instanceName() string {
	if a.config.Name != "" {
		return a.config.Name
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "souffleur"
	}
	return hostname
}

// txtRecords builds the TXT strings for name. Each string stays well under
// the 255-byte DNS limit.
func txtRecords(name string) []string {
	return []string{
		"version=" + ProtocolVersion,
		"name=" + name,
	}
}

// Start advertises Config.Port. Calling Start while running is a no-op.
func (a *Advertiser) Start() error {
	return a.StartPort(a.config.Port)
}

// StartPort advertises port, re-registering if a different port is
// currently advertised.
func (a *Advertiser) StartPort(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		if a.port == port {
			return nil
		}
		a.server.Shutdown()
		a.server = nil
	}

	name := a.instanceName()
	server, err := a.register(name, ServiceType, Domain, port, txtRecords(name))
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	a.server = server
	a.port = port
	a.logger.Printf("mdns: advertising %s as %q on port %d", ServiceType, name, port)
	return nil
}

// Stop unregisters the service. It is safe to call Stop multiple times or
// on an advertiser that was never started.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		a.port = 0
		a.logger.Printf("mdns: advertisement withdrawn")
	}
}

// IsRunning returns true if the advertiser is currently registered.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// Port returns the advertised port, or 0 when stopped.
func (a *Advertiser) Port() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.port
}

// Follow keeps the advertisement in step with the server: registered on
// the listening port while running, withdrawn while stopped. It returns
// when sub is closed and withdraws the advertisement on the way out.
func (a *Advertiser) Follow(sub *state.Subscription) {
	defer a.Stop()

	for u := range sub.C() {
		if u.Property != state.PropertyRunning && u.Property != state.PropertyPort {
			continue
		}
		if u.State.Running && u.State.Port > 0 {
			if err := a.StartPort(u.State.Port); err != nil {
				a.logger.Printf("mdns: %v", err)
			}
		} else if !u.State.Running {
			a.Stop()
		}
	}
}

// DiscoveredHost is a host found via mDNS discovery.
type DiscoveredHost struct {
	// Name is the human-readable name of the host.
	Name string

	// Host is the IP address or hostname.
	Host string

	// Port is the command port.
	Port int

	// Version is the advertised protocol version.
	Version string
}

func hostFromEntry(entry *zeroconf.ServiceEntry) DiscoveredHost {
	host := DiscoveredHost{
		Name: entry.Instance,
		Port: entry.Port,
	}

	// Prefer IPv4 address
	if len(entry.AddrIPv4) > 0 {
		host.Host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		host.Host = entry.AddrIPv6[0].String()
	} else {
		host.Host = entry.HostName
	}

	for _, txt := range entry.Text {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case "version":
			host.Version = value
		case "name":
			if value != "" {
				host.Name = value
			}
		}
	}
	return host
}

// Discover browses for souffleur hosts until ctx is done.
func Discover(ctx context.Context) ([]DiscoveredHost, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		hosts []DiscoveredHost
		wg    sync.WaitGroup
	)

	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			hosts = append(hosts, hostFromEntry(entry))
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-ctx.Done()

	// zeroconf closes entries once ctx is done.
	wg.Wait()

	return hosts, nil
}

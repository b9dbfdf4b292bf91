// Package netinfo discovers the local network identity advertised to the
// presenter app: the interface display name and its IPv4 address.
package netinfo

import (
	"errors"
	"net"
)

// ErrNoAddress is returned when no usable IPv4 interface exists.
var ErrNoAddress = errors.New("no non-loopback IPv4 address found")

// Identity is the local device name and address.
type Identity struct {
	Device  string `json:"device"`
	Address string `json:"address"`
}

// Interface is the subset of net.Interface used for discovery.
type Interface struct {
	Name     string
	Up       bool
	Loopback bool
	Addrs    []net.IP
}

// Source supplies the raw data Discover works from. Tests swap in fixed
// values; DefaultSource reads the host.
type Source struct {
	// OutboundIP returns the address the OS routes external traffic from.
	OutboundIP func() (net.IP, error)

	// Interfaces lists the host's network interfaces.
	Interfaces func() ([]Interface, error)
}

// DefaultSource reads the live system.
var DefaultSource = Source{
	OutboundIP: preferredOutboundIP,
	Interfaces: systemInterfaces,
}

// Discover returns the identity of the preferred LAN interface using
// DefaultSource.
func Discover() (Identity, error) {
	return DefaultSource.Discover()
}

// Discover picks the interface carrying the preferred outbound IPv4
// address. Without a route it falls back to the first interface that is up,
// not loopback and has an IPv4 address.
func (s Source) Discover() (Identity, error) {
	ifaces, err := s.Interfaces()
	if err != nil {
		return Identity{}, err
	}

	if s.OutboundIP != nil {
		if ip, err := s.OutboundIP(); err == nil && ip != nil {
			for _, iface := range ifaces {
				for _, addr := range iface.Addrs {
					if addr.Equal(ip) {
						return Identity{Device: iface.Name, Address: ip.String()}, nil
					}
				}
			}
			// Routed through an address we cannot name.
			if v4 := ip.To4(); v4 != nil && !v4.IsLoopback() {
				return Identity{Device: ip.String(), Address: v4.String()}, nil
			}
		}
	}

	for _, iface := range ifaces {
		if !iface.Up || iface.Loopback {
			continue
		}
		for _, addr := range iface.Addrs {
			v4 := addr.To4()
			if v4 == nil || v4.IsLoopback() || v4.IsLinkLocalUnicast() {
				continue
			}
			return Identity{Device: iface.Name, Address: v4.String()}, nil
		}
	}
	return Identity{}, ErrNoAddress
}

// preferredOutboundIP dials UDP to a public address (no packets are sent)
// and reads back the local address the routing table selected.
func preferredOutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

func systemInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		entry := Interface{
			Name:     iface.Name,
			Up:       iface.Flags&net.FlagUp != 0,
			Loopback: iface.Flags&net.FlagLoopback != 0,
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok {
				entry.Addrs = append(entry.Addrs, ipNet.IP)
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

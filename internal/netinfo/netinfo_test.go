package netinfo

import (
	"errors"
	"net"
	"testing"
)

func fixedSource(outbound string, outboundErr error, ifaces []Interface) Source {
	return Source{
		OutboundIP: func() (net.IP, error) {
			if outboundErr != nil {
				return nil, outboundErr
			}
			return net.ParseIP(outbound), nil
		},
		Interfaces: func() ([]Interface, error) { return ifaces, nil },
	}
}

var testInterfaces = []Interface{
	{Name: "lo", Up: true, Loopback: true, Addrs: []net.IP{net.ParseIP("127.0.0.1")}},
	{Name: "docker0", Up: false, Addrs: []net.IP{net.ParseIP("172.17.0.1")}},
	{Name: "eth0", Up: true, Addrs: []net.IP{net.ParseIP("fe80::1"), net.ParseIP("169.254.3.3"), net.ParseIP("10.0.0.5")}},
	{Name: "wlan0", Up: true, Addrs: []net.IP{net.ParseIP("192.168.1.42")}},
}

func TestDiscover(t *testing.T) {
	tests := []struct {
		name        string
		outbound    string
		outboundErr error
		ifaces      []Interface
		want        Identity
		wantErr     error
	}{
		{
			name:     "outbound matches interface",
			outbound: "192.168.1.42",
			ifaces:   testInterfaces,
			want:     Identity{Device: "wlan0", Address: "192.168.1.42"},
		},
		{
			name:        "no route falls back to first usable interface",
			outboundErr: errors.New("network unreachable"),
			ifaces:      testInterfaces,
			want:        Identity{Device: "eth0", Address: "10.0.0.5"},
		},
		{
			name:     "outbound address without interface",
			outbound: "10.9.9.9",
			ifaces:   testInterfaces,
			want:     Identity{Device: "10.9.9.9", Address: "10.9.9.9"},
		},
		{
			name:        "only loopback",
			outboundErr: errors.New("network unreachable"),
			ifaces:      testInterfaces[:2],
			wantErr:     ErrNoAddress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fixedSource(tt.outbound, tt.outboundErr, tt.ifaces).Discover()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Discover() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Discover() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Discover() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDiscoverInterfaceError(t *testing.T) {
	src := Source{
		Interfaces: func() ([]Interface, error) { return nil, errors.New("boom") },
	}
	if _, err := src.Discover(); err == nil {
		t.Fatal("expected error when interfaces cannot be listed")
	}
}

func TestSystemInterfacesIncludesLoopback(t *testing.T) {
	ifaces, err := systemInterfaces()
	if err != nil {
		t.Skipf("cannot list interfaces: %v", err)
	}
	for _, iface := range ifaces {
		if iface.Loopback {
			return
		}
	}
	t.Skip("no loopback interface on this host")
}

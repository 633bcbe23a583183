package discovery

import (
	"context"
	"fmt"
	"net"
)

const (
	// LoopbackHost is the fallback when no outbound interface is found
	LoopbackHost = "127.0.0.1"

	// DefaultProbeTarget is any routable address. Nothing is sent to it.
	DefaultProbeTarget = "8.8.8.8:80"
)

// RouteProbe finds the local address of the interface that routes to a public
// target by "connecting" a UDP socket, which selects a route without sending
// any packet.
type RouteProbe struct {
	Target string
}

// NewRouteProbe creates a probe against DefaultProbeTarget
func NewRouteProbe() *RouteProbe {
	return &RouteProbe{Target: DefaultProbeTarget}
}

// ResolveHost returns the local IP of the outbound route
func (p *RouteProbe) ResolveHost(ctx context.Context) (string, error) {
	target := p.Target
	if target == "" {
		target = DefaultProbeTarget
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", target)
	if err != nil {
		return "", fmt.Errorf("route probe to %s failed: %w", target, err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil || addr.IP.IsUnspecified() {
		return "", ErrNoAddress
	}
	return addr.IP.String(), nil
}

// InterfaceResolver returns the first non-loopback IPv4 address of an up interface
type InterfaceResolver struct {
	// addrs is replaceable in tests
	addrs func() ([]net.Addr, error)
}

// NewInterfaceResolver creates a resolver over the host's interfaces
func NewInterfaceResolver() *InterfaceResolver {
	return &InterfaceResolver{addrs: net.InterfaceAddrs}
}

// ResolveHost scans interface addresses
func (r *InterfaceResolver) ResolveHost(ctx context.Context) (string, error) {
	addrs, err := r.addrs()
	if err != nil {
		return "", fmt.Errorf("failed to list interface addresses: %w", err)
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", ErrNoAddress
}

// DefaultResolver prefers the outbound route, then interface enumeration
func DefaultResolver() Resolver {
	return Chain{NewRouteProbe(), NewInterfaceResolver()}
}

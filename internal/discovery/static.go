package discovery

import (
	"context"
	"net"
	"strconv"
)

// StaticResolver returns a fixed host, typically from configuration
type StaticResolver struct {
	host string
}

// NewStaticResolver creates a resolver that always returns host
func NewStaticResolver(host string) *StaticResolver {
	return &StaticResolver{host: host}
}

// ResolveHost returns the configured host
func (s *StaticResolver) ResolveHost(ctx context.Context) (string, error) {
	if s.host == "" {
		return "", ErrNoAddress
	}
	return s.host, nil
}

// Chain tries each resolver in order and returns the first host found
type Chain []Resolver

// ResolveHost returns the first successful resolution
func (c Chain) ResolveHost(ctx context.Context) (string, error) {
	for _, r := range c {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if host, err := r.ResolveHost(ctx); err == nil && host != "" {
			return host, nil
		}
	}
	return "", ErrNoAddress
}

// Address joins the resolved host with port. Resolution failures fall back
// to the loopback address so the hub always reports something dialable locally.
func Address(ctx context.Context, r Resolver, port int) string {
	host := LoopbackHost
	if r != nil {
		if resolved, err := r.ResolveHost(ctx); err == nil && resolved != "" {
			host = resolved
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Package discovery resolves the host address clients should use to reach the hub.
package discovery

import (
	"context"
	"errors"
)

// ErrNoAddress is returned when a resolver cannot find a usable host
var ErrNoAddress = errors.New("no usable host address")

// Resolver finds the host part of the hub's reachable address
type Resolver interface {
	// ResolveHost returns an IP address or host name without a port
	ResolveHost(ctx context.Context) (string, error)
}

/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package netutil contains networking helpers shared by the relay and the store backends.
package netutil

import (
	"context"
	"net"
	"time"

	"go.uber.org/atomic"
)

// NewCustomDNSResolver creates a resolver that sends DNS queries to the given servers ("host:port")
// in round-robin order.
func NewCustomDNSResolver(addrs []string, timeout time.Duration) *net.Resolver {
	var idx atomic.Uint32
	addrsLen := uint32(len(addrs)) //nolint:gosec // address count is small

	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			addr := addrs[idx.Inc()%addrsLen]
			return d.DialContext(ctx, "udp", addr)
		},
	}
}

// NewDialer creates a TCP dialer with the timeout. The system resolver is used
// unless DNS servers are passed.
func NewDialer(timeout time.Duration, dnsServers []string) *net.Dialer {
	d := &net.Dialer{Timeout: timeout}
	if len(dnsServers) != 0 {
		d.Resolver = NewCustomDNSResolver(dnsServers, timeout)
	}
	return d
}

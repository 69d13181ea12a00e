/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package testutil contains helpers shared by tests of servers and HTTP handlers.
package testutil

import (
	"errors"
	"fmt"
	"net"
	"time"
)

const pollInterval = 10 * time.Millisecond

// GetLocalAddrWithFreeTCPPort returns 127.0.0.1:<port> where port is not listened by anybody at the moment.
func GetLocalAddrWithFreeTCPPort() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	addr := ln.Addr().String()
	if err = ln.Close(); err != nil {
		panic(err)
	}
	return addr
}

// WaitListeningServer waits until a TCP connection to addr can be established.
func WaitListeningServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			return conn.Close()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server %s is not listening after %s: %w", addr, timeout, err)
		}
		time.Sleep(pollInterval)
	}
}

// WaitPortAndListeningServer waits until getPort reports a positive port and the server accepts connections on it.
func WaitPortAndListeningServer(host string, getPort func() int, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	port := getPort()
	for port <= 0 {
		if time.Now().After(deadline) {
			return 0, errors.New("port is not known after timeout")
		}
		time.Sleep(pollInterval)
		port = getPort()
	}
	return port, WaitListeningServer(net.JoinHostPort(host, fmt.Sprint(port)), time.Until(deadline))
}

// WaitAddr waits until getAddr returns a non-empty value.
func WaitAddr(getAddr func() string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		if addr := getAddr(); addr != "" {
			return addr, nil
		}
		if time.Now().After(deadline) {
			return "", errors.New("address is not known after timeout")
		}
		time.Sleep(pollInterval)
	}
}

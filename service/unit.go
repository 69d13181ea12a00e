/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package service runs the long-living parts of the quota service (HTTP server, relay, exporters)
// as units with a common start/stop lifecycle driven by OS signals.
package service

// Unit is a component of the service with its own lifecycle.
type Unit interface {
	// Start runs the unit. It may return right after initialization or block for the unit's lifetime.
	// A failure is reported by sending exactly one error to fatalErr; on success nothing is sent
	// and the channel is not used after Start returns.
	Start(fatalErr chan<- error)

	// Stop halts the unit, gracefully if asked to.
	// It may be called even if Start failed or was never called.
	Stop(gracefully bool) error
}

// MetricsRegisterer is implemented by units owning Prometheus metrics.
type MetricsRegisterer interface {
	MustRegisterMetrics()
	UnregisterMetrics()
}

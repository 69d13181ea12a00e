/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package lrucache provides a bounded in-memory LRU cache with deduplicated loads and Prometheus metrics.
// It's used to keep immutable values (such as quota window starts) close to the process.
package lrucache

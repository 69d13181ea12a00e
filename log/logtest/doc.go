/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package logtest provides loggers for tests: a synchronous JSON logger and an in-memory Recorder.
package logtest

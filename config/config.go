/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package config loads configuration sections of the quota service from files,
// readers and environment variables.
package config

// Config is a configuration section that may be loaded by Loader.
type Config interface {
	SetProviderDefaults(dp DataProvider)
	Set(dp DataProvider) error
}

// KeyPrefixProvider is implemented by sections whose parameters live under a key prefix (e.g. "quota").
type KeyPrefixProvider interface {
	KeyPrefix() string
}

// OptionalInt returns a pointer to the integer value stored under the key,
// or nil if the key is not set in any of the data locations.
func OptionalInt(dp DataProvider, key string) (*int, error) {
	if !dp.IsSet(key) {
		return nil, nil
	}
	val, err := dp.GetInt(key)
	if err != nil {
		return nil, err
	}
	return &val, nil
}

// OptionalFloat64 returns a pointer to the float value stored under the key,
// or nil if the key is not set in any of the data locations.
func OptionalFloat64(dp DataProvider, key string) (*float64, error) {
	if !dp.IsSet(key) {
		return nil, nil
	}
	val, err := dp.GetFloat64(key)
	if err != nil {
		return nil, err
	}
	return &val, nil
}

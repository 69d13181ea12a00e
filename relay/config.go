/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package relay

import (
	"fmt"
	"math"
	"time"

	"github.com/acronis/go-quotaguard/config"
)

const cfgDefaultKeyPrefix = "relay"

const (
	cfgKeyEnabled         = "enabled"
	cfgKeyAddress         = "address"
	cfgKeyUpstream        = "upstream"
	cfgKeyDialTimeout     = "dialTimeout"
	cfgKeyShutdownTimeout = "shutdownTimeout"
	cfgKeyDNSServers      = "dnsServers"
	cfgKeyBufferSize      = "bufferSize"
	cfgKeyAcceptRate      = "acceptRate"
	cfgKeyAcceptBurst     = "acceptBurst"
)

// Default values of the "relay" section.
const (
	DefaultAddress         = ":9000"
	DefaultDialTimeout     = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultBufferSize      = 32 * 1024
)

// Config is the "relay" configuration section.
//
// Example:
//
//	relay:
//	  enabled: true
//	  address: :9000
//	  upstream: backend.internal:443
//	  dnsServers: ["10.0.0.2:53"]
//	  acceptRate: 50
type Config struct {
	Enabled         bool
	Address         string
	Upstream        string
	DialTimeout     config.TimeDuration
	ShutdownTimeout config.TimeDuration
	// DNSServers are used to resolve the upstream host instead of the system resolver when set.
	DNSServers []string
	BufferSize config.ByteSize
	// AcceptRate is the maximum number of connections accepted per second. 0 means unlimited.
	AcceptRate float64
	// AcceptBurst is the number of connections accepted at once above AcceptRate.
	// It defaults to the rate rounded up.
	AcceptBurst int

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new relay configuration section.
func NewConfig() *Config {
	return &Config{keyPrefix: cfgDefaultKeyPrefix}
}

// KeyPrefix returns the key prefix of the section.
func (c *Config) KeyPrefix() string {
	return c.keyPrefix
}

// SetProviderDefaults sets default values of the section.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyEnabled, false)
	dp.SetDefault(cfgKeyAddress, DefaultAddress)
	dp.SetDefault(cfgKeyDialTimeout, DefaultDialTimeout)
	dp.SetDefault(cfgKeyShutdownTimeout, DefaultShutdownTimeout)
	dp.SetDefault(cfgKeyBufferSize, DefaultBufferSize)
}

// Set reads the section. Upstream is required only for the enabled relay.
func (c *Config) Set(dp config.DataProvider) (err error) {
	if c.Enabled, err = dp.GetBool(cfgKeyEnabled); err != nil {
		return err
	}
	if c.Address, err = dp.GetString(cfgKeyAddress); err != nil {
		return err
	}
	if c.Upstream, err = dp.GetString(cfgKeyUpstream); err != nil {
		return err
	}
	if c.Enabled && c.Upstream == "" {
		return dp.WrapKeyErr(cfgKeyUpstream, fmt.Errorf("must be set when relay is enabled"))
	}

	var dur time.Duration
	if dur, err = dp.GetDuration(cfgKeyDialTimeout); err != nil {
		return err
	}
	c.DialTimeout = config.TimeDuration(dur)
	if dur, err = dp.GetDuration(cfgKeyShutdownTimeout); err != nil {
		return err
	}
	c.ShutdownTimeout = config.TimeDuration(dur)

	if c.DNSServers, err = dp.GetStringSlice(cfgKeyDNSServers); err != nil {
		return err
	}
	if c.BufferSize, err = dp.GetByteSize(cfgKeyBufferSize); err != nil {
		return err
	}
	if c.BufferSize == 0 {
		return dp.WrapKeyErr(cfgKeyBufferSize, fmt.Errorf("must be positive"))
	}

	if c.AcceptRate, err = dp.GetFloat64(cfgKeyAcceptRate); err != nil {
		return err
	}
	if c.AcceptRate < 0 {
		return dp.WrapKeyErr(cfgKeyAcceptRate, fmt.Errorf("cannot be negative"))
	}
	if c.AcceptBurst, err = dp.GetInt(cfgKeyAcceptBurst); err != nil {
		return err
	}
	if c.AcceptBurst < 0 {
		return dp.WrapKeyErr(cfgKeyAcceptBurst, fmt.Errorf("cannot be negative"))
	}
	if c.AcceptRate > 0 && c.AcceptBurst == 0 {
		c.AcceptBurst = int(math.Ceil(c.AcceptRate))
	}
	return nil
}

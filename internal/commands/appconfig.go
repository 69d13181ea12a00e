/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package commands

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/acronis/go-quotaguard/config"
	"github.com/acronis/go-quotaguard/httpserver"
	"github.com/acronis/go-quotaguard/kvstore/backend"
	"github.com/acronis/go-quotaguard/log"
	"github.com/acronis/go-quotaguard/profserver"
	"github.com/acronis/go-quotaguard/quota"
	"github.com/acronis/go-quotaguard/relay"
)

// EnvVarsPrefix is the prefix of environment variables overriding the configuration,
// e.g. QUOTAGUARD_STORE_BACKEND=redis.
const EnvVarsPrefix = "quotaguard"

const cfgDefaultExporterKeyPrefix = "exporter"

const (
	cfgKeyExporterEnabled  = "enabled"
	cfgKeyExporterInterval = "interval"
)

// DefaultExporterInterval is the default period of refreshing usage gauges.
const DefaultExporterInterval = 15 * time.Second

// ExporterConfig is the "exporter" configuration section.
type ExporterConfig struct {
	Enabled  bool
	Interval config.TimeDuration
}

// KeyPrefix returns the key prefix of the section.
func (c *ExporterConfig) KeyPrefix() string {
	return cfgDefaultExporterKeyPrefix
}

// SetProviderDefaults sets default values of the section.
func (c *ExporterConfig) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyExporterEnabled, true)
	dp.SetDefault(cfgKeyExporterInterval, DefaultExporterInterval)
}

// Set reads the section.
func (c *ExporterConfig) Set(dp config.DataProvider) (err error) {
	if c.Enabled, err = dp.GetBool(cfgKeyExporterEnabled); err != nil {
		return err
	}
	var dur time.Duration
	if dur, err = dp.GetDuration(cfgKeyExporterInterval); err != nil {
		return err
	}
	if dur <= 0 {
		return dp.WrapKeyErr(cfgKeyExporterInterval, fmt.Errorf("must be positive"))
	}
	c.Interval = config.TimeDuration(dur)
	return nil
}

// AppConfig contains all configuration sections of quotaguard.
//
// Example:
//
//	log:
//	  level: info
//	  format: json
//	server:
//	  address: :8080
//	quota:
//	  maxUsers: 5
//	  durationDays: 30
//	  volumeGB: 100
//	store:
//	  backend: redis
//	  redis:
//	    addrs: ["localhost:6379"]
//	relay:
//	  enabled: true
//	  upstream: backend.internal:443
type AppConfig struct {
	Log        *log.Config
	Server     *httpserver.Config
	Quota      *quota.Config
	Store      *backend.Config
	Relay      *relay.Config
	ProfServer *profserver.Config
	Exporter   *ExporterConfig
}

// NewAppConfig creates a new AppConfig with all sections.
func NewAppConfig() *AppConfig {
	return &AppConfig{
		Log:        log.NewConfig(),
		Server:     httpserver.NewConfig(),
		Quota:      quota.NewConfig(),
		Store:      backend.NewConfig(),
		Relay:      relay.NewConfig(),
		ProfServer: profserver.NewConfig(),
		Exporter:   &ExporterConfig{},
	}
}

func (c *AppConfig) sections() []config.Config {
	return []config.Config{c.Log, c.Server, c.Quota, c.Store, c.Relay, c.ProfServer, c.Exporter}
}

// loadAppConfig reads the file (if path is not empty) and QUOTAGUARD_* environment variables.
// The format of the file is chosen by its extension, YAML is the default.
func loadAppConfig(path string) (*AppConfig, error) {
	cfg := NewAppConfig()
	sections := cfg.sections()
	loader := config.NewDefaultLoader(EnvVarsPrefix)
	if path == "" {
		if err := loader.Load(sections[0], sections[1:]...); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	dataType := config.DataTypeYAML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		dataType = config.DataTypeJSON
	}
	if err := loader.LoadFromFile(path, dataType, sections[0], sections[1:]...); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}
	return cfg, nil
}

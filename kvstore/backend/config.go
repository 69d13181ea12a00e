/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package backend

import (
	"fmt"
	"time"

	"github.com/acronis/go-quotaguard/config"
	"github.com/acronis/go-quotaguard/kvstore"
)

const cfgDefaultKeyPrefix = "store"

const (
	cfgKeyKind            = "backend"
	cfgKeyCounterPolicy   = "counterPolicy"
	cfgKeyKeyPrefix       = "keyPrefix"
	cfgKeyWindowCacheSize = "windowCacheSize"

	cfgKeyRedisAddrs    = "redis.addrs"
	cfgKeyRedisUsername = "redis.username"
	cfgKeyRedisPassword = "redis.password"
	cfgKeyRedisDB       = "redis.db"

	cfgKeyEtcdEndpoints   = "etcd.endpoints"
	cfgKeyEtcdUsername    = "etcd.username"
	cfgKeyEtcdPassword    = "etcd.password"
	cfgKeyEtcdDialTimeout = "etcd.dialTimeout"

	cfgKeyConsulAddress = "consul.address"
	cfgKeyConsulToken   = "consul.token"

	cfgKeyZKServers        = "zookeeper.servers"
	cfgKeyZKSessionTimeout = "zookeeper.sessionTimeout"
	cfgKeyZKRoot           = "zookeeper.root"

	cfgKeyRetryInitialInterval = "retry.initialInterval"
	cfgKeyRetryMaxInterval     = "retry.maxInterval"
	cfgKeyRetryMaxAttempts     = "retry.maxAttempts"
)

// Kind is a type of the KV store backend.
type Kind string

// Supported backends.
const (
	KindMemory    Kind = "memory"
	KindRedis     Kind = "redis"
	KindEtcd      Kind = "etcd"
	KindConsul    Kind = "consul"
	KindZooKeeper Kind = "zookeeper"
)

var allKinds = []string{
	string(KindMemory), string(KindRedis), string(KindEtcd), string(KindConsul), string(KindZooKeeper),
}

// Default values of the "store" section.
const (
	DefaultKind                 = KindMemory
	DefaultWindowCacheSize      = 1024
	DefaultEtcdDialTimeout      = 5 * time.Second
	DefaultZKSessionTimeout     = 10 * time.Second
	DefaultRetryInitialInterval = 500 * time.Millisecond
	DefaultRetryMaxInterval     = 10 * time.Second
	DefaultRetryMaxAttempts     = 10
)

// RedisConfig represents connection settings of a Redis server or cluster.
type RedisConfig struct {
	Addrs    []string
	Username string
	Password string
	DB       int
}

// EtcdConfig represents connection settings of an etcd cluster.
type EtcdConfig struct {
	Endpoints   []string
	Username    string
	Password    string
	DialTimeout config.TimeDuration
}

// ConsulConfig represents connection settings of a Consul agent.
type ConsulConfig struct {
	Address string
	Token   string
}

// ZooKeeperConfig represents connection settings of a ZooKeeper ensemble.
type ZooKeeperConfig struct {
	Servers        []string
	SessionTimeout config.TimeDuration
	// Root is the znode under which all keys are stored.
	Root string
}

// RetryConfig configures how long Open waits for a remote backend to become reachable.
type RetryConfig struct {
	InitialInterval config.TimeDuration
	MaxInterval     config.TimeDuration
	// MaxAttempts is the number of retries after the first failed ping. 0 means retrying until the context is done.
	MaxAttempts int
}

// Config is the "store" configuration section.
//
// Example:
//
//	store:
//	  backend: redis
//	  counterPolicy: atomic
//	  keyPrefix: "quotaguard:"
//	  redis:
//	    addrs: ["redis-1:6379", "redis-2:6379"]
//	    password: secret
type Config struct {
	Kind          Kind
	CounterPolicy kvstore.CounterPolicy
	// KeyPrefix is prepended to every key by redis, etcd and consul backends.
	// Each backend has its own default when it's empty.
	KeyPrefix string
	// WindowCacheSize is the max number of cached window starts. 0 disables the cache.
	WindowCacheSize int

	Redis     RedisConfig
	Etcd      EtcdConfig
	Consul    ConsulConfig
	ZooKeeper ZooKeeperConfig
	Retry     RetryConfig

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new store configuration section.
func NewConfig() *Config {
	return &Config{keyPrefix: cfgDefaultKeyPrefix}
}

// NewConfigWithKeyPrefix creates a new store configuration section with a custom key prefix.
func NewConfigWithKeyPrefix(keyPrefix string) *Config {
	return &Config{keyPrefix: keyPrefix}
}

// KeyPrefix returns the key prefix of the section.
func (c *Config) KeyPrefix() string {
	return c.keyPrefix
}

// SetProviderDefaults sets default values of the section.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyKind, string(DefaultKind))
	dp.SetDefault(cfgKeyCounterPolicy, string(kvstore.CounterPolicyAuto))
	dp.SetDefault(cfgKeyWindowCacheSize, DefaultWindowCacheSize)
	dp.SetDefault(cfgKeyEtcdDialTimeout, DefaultEtcdDialTimeout)
	dp.SetDefault(cfgKeyZKSessionTimeout, DefaultZKSessionTimeout)
	dp.SetDefault(cfgKeyRetryInitialInterval, DefaultRetryInitialInterval)
	dp.SetDefault(cfgKeyRetryMaxInterval, DefaultRetryMaxInterval)
	dp.SetDefault(cfgKeyRetryMaxAttempts, DefaultRetryMaxAttempts)
}

// Set reads the section. Connection settings are validated only for the selected backend.
func (c *Config) Set(dp config.DataProvider) error {
	kind, err := dp.GetStringFromSet(cfgKeyKind, allKinds, true)
	if err != nil {
		return err
	}
	c.Kind = Kind(kind)

	var policy string
	if policy, err = dp.GetString(cfgKeyCounterPolicy); err != nil {
		return err
	}
	if c.CounterPolicy, err = kvstore.ParseCounterPolicy(policy); err != nil {
		return dp.WrapKeyErr(cfgKeyCounterPolicy, err)
	}

	if c.KeyPrefix, err = dp.GetString(cfgKeyKeyPrefix); err != nil {
		return err
	}
	if c.WindowCacheSize, err = dp.GetInt(cfgKeyWindowCacheSize); err != nil {
		return err
	}
	if c.WindowCacheSize < 0 {
		return dp.WrapKeyErr(cfgKeyWindowCacheSize, fmt.Errorf("cannot be negative"))
	}

	if err = c.setRedis(dp); err != nil {
		return err
	}
	if err = c.setEtcd(dp); err != nil {
		return err
	}
	if err = c.setConsul(dp); err != nil {
		return err
	}
	if err = c.setZooKeeper(dp); err != nil {
		return err
	}
	return c.setRetry(dp)
}

func (c *Config) setRedis(dp config.DataProvider) (err error) {
	if c.Redis.Addrs, err = dp.GetStringSlice(cfgKeyRedisAddrs); err != nil {
		return err
	}
	if c.Kind == KindRedis && len(c.Redis.Addrs) == 0 {
		return dp.WrapKeyErr(cfgKeyRedisAddrs, fmt.Errorf("must be set for redis backend"))
	}
	if c.Redis.Username, err = dp.GetString(cfgKeyRedisUsername); err != nil {
		return err
	}
	if c.Redis.Password, err = dp.GetString(cfgKeyRedisPassword); err != nil {
		return err
	}
	if c.Redis.DB, err = dp.GetInt(cfgKeyRedisDB); err != nil {
		return err
	}
	if c.Redis.DB < 0 {
		return dp.WrapKeyErr(cfgKeyRedisDB, fmt.Errorf("cannot be negative"))
	}
	return nil
}

func (c *Config) setEtcd(dp config.DataProvider) (err error) {
	if c.Etcd.Endpoints, err = dp.GetStringSlice(cfgKeyEtcdEndpoints); err != nil {
		return err
	}
	if c.Kind == KindEtcd && len(c.Etcd.Endpoints) == 0 {
		return dp.WrapKeyErr(cfgKeyEtcdEndpoints, fmt.Errorf("must be set for etcd backend"))
	}
	if c.Etcd.Username, err = dp.GetString(cfgKeyEtcdUsername); err != nil {
		return err
	}
	if c.Etcd.Password, err = dp.GetString(cfgKeyEtcdPassword); err != nil {
		return err
	}
	var dur time.Duration
	if dur, err = dp.GetDuration(cfgKeyEtcdDialTimeout); err != nil {
		return err
	}
	c.Etcd.DialTimeout = config.TimeDuration(dur)
	return nil
}

func (c *Config) setConsul(dp config.DataProvider) (err error) {
	if c.Consul.Address, err = dp.GetString(cfgKeyConsulAddress); err != nil {
		return err
	}
	if c.Consul.Token, err = dp.GetString(cfgKeyConsulToken); err != nil {
		return err
	}
	return nil
}

func (c *Config) setZooKeeper(dp config.DataProvider) (err error) {
	if c.ZooKeeper.Servers, err = dp.GetStringSlice(cfgKeyZKServers); err != nil {
		return err
	}
	if c.Kind == KindZooKeeper && len(c.ZooKeeper.Servers) == 0 {
		return dp.WrapKeyErr(cfgKeyZKServers, fmt.Errorf("must be set for zookeeper backend"))
	}
	var dur time.Duration
	if dur, err = dp.GetDuration(cfgKeyZKSessionTimeout); err != nil {
		return err
	}
	c.ZooKeeper.SessionTimeout = config.TimeDuration(dur)
	if c.ZooKeeper.Root, err = dp.GetString(cfgKeyZKRoot); err != nil {
		return err
	}
	return nil
}

func (c *Config) setRetry(dp config.DataProvider) (err error) {
	var dur time.Duration
	if dur, err = dp.GetDuration(cfgKeyRetryInitialInterval); err != nil {
		return err
	}
	if dur <= 0 {
		return dp.WrapKeyErr(cfgKeyRetryInitialInterval, fmt.Errorf("must be positive"))
	}
	c.Retry.InitialInterval = config.TimeDuration(dur)
	if dur, err = dp.GetDuration(cfgKeyRetryMaxInterval); err != nil {
		return err
	}
	c.Retry.MaxInterval = config.TimeDuration(dur)
	if c.Retry.MaxAttempts, err = dp.GetInt(cfgKeyRetryMaxAttempts); err != nil {
		return err
	}
	if c.Retry.MaxAttempts < 0 {
		return dp.WrapKeyErr(cfgKeyRetryMaxAttempts, fmt.Errorf("cannot be negative"))
	}
	return nil
}

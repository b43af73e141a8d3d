// Package config loads the service manager configuration from an optional YAML file and
// SVCMGR_-prefixed environment variables (SVCMGR_DOMAIN_NAME overrides domain.name).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"svcmgr/codec"
	"svcmgr/loadbalance"
)

type Config struct {
	Listen          string        `mapstructure:"listen"`
	Codec           string        `mapstructure:"codec"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`

	Admin struct {
		Listen       string  `mapstructure:"listen"`
		HealthListen string  `mapstructure:"health_listen"`
		Rate         float64 `mapstructure:"rate"`
		Burst        int     `mapstructure:"burst"`
	} `mapstructure:"admin"`

	Domain struct {
		Name string `mapstructure:"name"`
		// PID and IPC are the handle remote domains and callers reach this domain by.
		PID             int           `mapstructure:"pid"`
		IPC             string        `mapstructure:"ipc"`
		EtcdEndpoints   []string      `mapstructure:"etcd_endpoints"`
		LeaseTTL        int64         `mapstructure:"lease_ttl"`
		DiscoverTimeout time.Duration `mapstructure:"discover_timeout"`
		PublishInterval time.Duration `mapstructure:"publish_interval"`
	} `mapstructure:"domain"`

	Dispatch struct {
		RoutePolicy     string        `mapstructure:"route_policy"`
		InboxSize       int           `mapstructure:"inbox_size"`
		SlowHandler     time.Duration `mapstructure:"slow_handler"`
		CheckInvariants bool          `mapstructure:"check_invariants"`
	} `mapstructure:"dispatch"`

	Metrics struct {
		RedisURL      string        `mapstructure:"redis_url"`
		Key           string        `mapstructure:"key"`
		MaxLength     int64         `mapstructure:"max_length"`
		BatchSize     int           `mapstructure:"batch_size"`
		FlushInterval time.Duration `mapstructure:"flush_interval"`
		Rate          float64       `mapstructure:"rate"`
	} `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":7400")
	v.SetDefault("codec", "json")
	v.SetDefault("shutdown_timeout", 5*time.Second)
	v.SetDefault("log.level", "info")

	v.SetDefault("admin.listen", ":7401")
	v.SetDefault("admin.health_listen", ":7402")
	v.SetDefault("admin.rate", 50.0)
	v.SetDefault("admin.burst", 20)

	v.SetDefault("domain.name", "default")
	v.SetDefault("domain.pid", 1)
	v.SetDefault("domain.ipc", "")
	v.SetDefault("domain.etcd_endpoints", []string{})
	v.SetDefault("domain.lease_ttl", 10)
	v.SetDefault("domain.discover_timeout", 2*time.Second)
	v.SetDefault("domain.publish_interval", 2*time.Second)

	v.SetDefault("dispatch.route_policy", "roundrobin")
	v.SetDefault("dispatch.inbox_size", 1024)
	v.SetDefault("dispatch.slow_handler", 10*time.Millisecond)
	v.SetDefault("dispatch.check_invariants", false)

	v.SetDefault("metrics.redis_url", "")
	v.SetDefault("metrics.key", "svcmgr:calls")
	v.SetDefault("metrics.max_length", 10000)
	v.SetDefault("metrics.batch_size", 64)
	v.SetDefault("metrics.flush_interval", time.Second)
	v.SetDefault("metrics.rate", 10.0)
}

// Load reads path, when not empty, over the defaults; the environment wins over both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SVCMGR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch {
	case c.Listen == "":
		return errors.New("listen: empty address")
	case c.ShutdownTimeout <= 0:
		return errors.New("shutdown_timeout: must be positive")
	case c.Domain.Name == "":
		return errors.New("domain.name: empty")
	case strings.Contains(c.Domain.Name, "/"):
		return fmt.Errorf("domain.name: %q contains '/'", c.Domain.Name)
	case c.Domain.PID <= 0:
		return fmt.Errorf("domain.pid: %d is not a pid", c.Domain.PID)
	case len(c.Domain.EtcdEndpoints) > 0 && c.Domain.LeaseTTL <= 0:
		return errors.New("domain.lease_ttl: must be positive")
	case c.Dispatch.InboxSize <= 0:
		return errors.New("dispatch.inbox_size: must be positive")
	case c.Metrics.BatchSize <= 0:
		return errors.New("metrics.batch_size: must be positive")
	case c.Metrics.FlushInterval <= 0:
		return errors.New("metrics.flush_interval: must be positive")
	case c.Admin.Rate <= 0 || c.Admin.Burst <= 0:
		return errors.New("admin.rate, admin.burst: must be positive")
	}
	if _, err := codec.ParseCodecType(c.Codec); err != nil {
		return fmt.Errorf("codec: %w", err)
	}
	if _, err := loadbalance.New(c.Dispatch.RoutePolicy); err != nil {
		return fmt.Errorf("dispatch.route_policy: %w", err)
	}
	return nil
}

// DomainIPC is the IPC id of the domain's own handle, derived from the domain name when unset.
func (c *Config) DomainIPC() string {
	if c.Domain.IPC != "" {
		return c.Domain.IPC
	}
	return "svcmgr-" + c.Domain.Name
}

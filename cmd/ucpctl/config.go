package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rocketbitz/ucp-go/client"
	"github.com/rocketbitz/ucp-go/ucp"
	"github.com/rocketbitz/ucp-go/uct"
)

// Config is the ucpctl configuration. Values come from defaults, an
// optional YAML file, UCPCTL_* environment variables and flags, in rising
// precedence.
type Config struct {
	Debug  bool         `mapstructure:"debug"`
	Worker WorkerConfig `mapstructure:"worker"`
	Bench  BenchConfig  `mapstructure:"bench"`
}

// WorkerConfig holds the protocol thresholds and transport limits.
type WorkerConfig struct {
	ZcopyThreshold      int  `mapstructure:"zcopy_threshold"`
	RendezvousThreshold int  `mapstructure:"rendezvous_threshold"`
	MaxRequests         int  `mapstructure:"max_requests"`
	MaxShort            int  `mapstructure:"max_short"`
	MaxBcopy            int  `mapstructure:"max_bcopy"`
	MaxZcopy            int  `mapstructure:"max_zcopy"`
	MaxIOV              int  `mapstructure:"max_iov"`
	InboxDepth          int  `mapstructure:"inbox_depth"`
	TagOffload          bool `mapstructure:"tag_offload"`
}

// BenchConfig controls the loopback benchmark.
type BenchConfig struct {
	Size    int           `mapstructure:"size"`
	Count   int           `mapstructure:"count"`
	Senders int           `mapstructure:"senders"`
	Lanes   int           `mapstructure:"lanes"`
	Timeout time.Duration `mapstructure:"timeout"`
	Metrics bool          `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("worker.zcopy_threshold", ucp.DefaultZcopyThreshold)
	v.SetDefault("worker.rendezvous_threshold", ucp.DefaultRendezvousThreshold)
	v.SetDefault("worker.max_requests", 0)
	v.SetDefault("worker.max_short", uct.DefaultLimits.MaxShort)
	v.SetDefault("worker.max_bcopy", uct.DefaultLimits.MaxBcopy)
	v.SetDefault("worker.max_zcopy", uct.DefaultLimits.MaxZcopy)
	v.SetDefault("worker.max_iov", uct.DefaultLimits.MaxIOV)
	v.SetDefault("worker.inbox_depth", 0)
	v.SetDefault("worker.tag_offload", false)

	v.SetDefault("bench.size", 4096)
	v.SetDefault("bench.count", 1000)
	v.SetDefault("bench.senders", 2)
	v.SetDefault("bench.lanes", 1)
	v.SetDefault("bench.timeout", 30*time.Second)
	v.SetDefault("bench.metrics", false)
}

func loadConfig(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("ucpctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.ucpctl")

		// A missing file is fine.
		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("UCPCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Worker.ZcopyThreshold >= c.Worker.RendezvousThreshold {
		return fmt.Errorf("worker.zcopy_threshold %d must be below worker.rendezvous_threshold %d",
			c.Worker.ZcopyThreshold, c.Worker.RendezvousThreshold)
	}
	if c.Worker.MaxShort <= uct.OnlyHeaderSize || c.Worker.MaxBcopy <= uct.FirstHeaderSize ||
		c.Worker.MaxZcopy <= uct.FirstHeaderSize || c.Worker.MaxIOV <= 0 {
		return errors.New("worker limits must leave room for fragment headers")
	}
	if short := c.Worker.MaxShort - uct.OnlyHeaderSize; short >= c.Worker.ZcopyThreshold {
		return fmt.Errorf("worker.zcopy_threshold %d must exceed the short payload limit %d",
			c.Worker.ZcopyThreshold, short)
	}
	if c.Bench.Size < 0 || c.Bench.Count <= 0 || c.Bench.Senders <= 0 || c.Bench.Lanes <= 0 {
		return fmt.Errorf("invalid bench settings: %+v", c.Bench)
	}
	return nil
}

// ucpConfig maps the worker section onto a ucp.Config.
func (w WorkerConfig) ucpConfig() ucp.Config {
	return ucp.Config{
		ZcopyThreshold:      w.ZcopyThreshold,
		RendezvousThreshold: w.RendezvousThreshold,
		MaxRequests:         w.MaxRequests,
		Iface: uct.IfaceOptions{
			Limits: uct.Limits{
				MaxShort: w.MaxShort,
				MaxBcopy: w.MaxBcopy,
				MaxZcopy: w.MaxZcopy,
				MaxIOV:   w.MaxIOV,
			},
			InboxDepth: w.InboxDepth,
			TagOffload: w.TagOffload,
		},
	}
}

func (c *Config) clientConfig() client.Config {
	return client.Config{
		Timeout: c.Bench.Timeout,
		Lanes:   c.Bench.Lanes,
		Worker:  c.Worker.ucpConfig(),
	}
}

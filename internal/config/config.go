// Package config loads the control plane's layered configuration: built-in
// defaults, an optional YAML file, then environment variables, in that
// order of increasing precedence. The file can be watched for changes; the
// serve command applies only the load-balancer strategy live, and every
// other field takes effect on the next start.
package config

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the control plane's full runtime configuration.
type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	Allocator  AllocatorConfig  `mapstructure:"allocator"`
	History    HistoryConfig    `mapstructure:"history"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	LoadBalancer LoadBalancerConfig `mapstructure:"loadbalancer"`
	State      StateConfig      `mapstructure:"state"`
}

// HTTPConfig configures the gin façade.
type HTTPConfig struct {
	Listen               string        `mapstructure:"listen"`
	JWTSecret            string        `mapstructure:"jwt_secret"`
	JWTExpiry            time.Duration `mapstructure:"jwt_expiry"`
	RateLimitPerMinute   int           `mapstructure:"rate_limit_per_minute"`
	CORSAllowedOrigins   []string      `mapstructure:"cors_allowed_origins"`
}

// AllocatorConfig selects and configures the ClusterSource.
type AllocatorConfig struct {
	ClusterSource string `mapstructure:"cluster_source"` // "local" or "aws-ec2"
	AWSRegion     string `mapstructure:"aws_region"`
	AWSRoleTag    string `mapstructure:"aws_role_tag"`
}

// HistoryConfig configures the build history sink.
type HistoryConfig struct {
	DSN string `mapstructure:"dsn"` // empty disables the sink
}

// QueueConfig configures the admission queue.
type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// CoordinatorConfig configures the event loop.
type CoordinatorConfig struct {
	MaxDispatchAttempts int `mapstructure:"max_dispatch_attempts"`
}

// LoadBalancerConfig configures worker selection and health probing.
type LoadBalancerConfig struct {
	Strategy       string         `mapstructure:"strategy"`
	HealthInterval time.Duration  `mapstructure:"health_interval"`
	Workers        []WorkerConfig `mapstructure:"workers"`
}

// WorkerConfig statically registers one build worker at startup. The
// control plane has no dynamic worker-discovery mechanism; the fleet is
// named here the same way the teacher names its bootstrap peers.
type WorkerConfig struct {
	ID      string `mapstructure:"id"`
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
	Weight  int    `mapstructure:"weight"`
	MaxLoad int    `mapstructure:"max_load"`
}

// StateConfig configures the state manager's optional Redis mirror.
type StateConfig struct {
	RedisAddr string `mapstructure:"redis_addr"` // empty keeps state in-memory only
}

// Load reads defaults, then configPath (if non-empty and present), then
// GPUBUILD_-prefixed environment variables, in that order of precedence.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("gpubuild")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch re-unmarshals the configuration into a fresh Config on every file
// change and invokes onChange with it. Callers are responsible for only
// applying the subset of fields that are safe to change live (strategy,
// intervals, limits) — never identity fields an outstanding allocation
// depends on.
func Watch(configPath string, onChange func(*Config)) error {
	if configPath == "" {
		return nil
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	v.OnConfigChange(func(fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			return
		}
		onChange(&cfg)
	})
	v.WatchConfig()
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.listen", ":8080")
	v.SetDefault("http.jwt_expiry", 24*time.Hour)
	v.SetDefault("http.rate_limit_per_minute", 60)
	v.SetDefault("http.cors_allowed_origins", []string{"*"})

	v.SetDefault("allocator.cluster_source", "local")
	v.SetDefault("allocator.aws_role_tag", "gpubuild-worker")

	v.SetDefault("queue.capacity", 1000)
	v.SetDefault("coordinator.max_dispatch_attempts", 3)

	v.SetDefault("loadbalancer.strategy", "resource_aware")
	v.SetDefault("loadbalancer.health_interval", 30*time.Second)
}

// bindEnvKeys explicitly binds the keys that have no default and no
// mapstructure-visible default value: viper's AutomaticEnv only resolves a
// key through the env at Unmarshal time if it already knows about that key
// from a default, a config file entry, or an explicit BindEnv call. Without
// this, GPUBUILD_HTTP_JWT_SECRET and friends would silently fail to
// populate Config when set via environment alone.
func bindEnvKeys(v *viper.Viper) {
	_ = v.BindEnv("http.jwt_secret")
	_ = v.BindEnv("history.dsn")
	_ = v.BindEnv("state.redis_addr")
	_ = v.BindEnv("allocator.aws_region")
}

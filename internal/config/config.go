// Package config loads runtime configuration from a YAML file and
// FLOWPLANE_-prefixed environment variables, with env taking precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration for coordinator and runner
// processes.
type Config struct {
	Log         Log         `mapstructure:"log"`
	API         API         `mapstructure:"api"`
	Store       Store       `mapstructure:"store"`
	Bus         Bus         `mapstructure:"bus"`
	Coordinator Coordinator `mapstructure:"coordinator"`
	Scheduler   Scheduler   `mapstructure:"scheduler"`
	RateLimit   RateLimit   `mapstructure:"ratelimit"`
	Dispatch    Dispatch    `mapstructure:"dispatch"`
	Runner      Runner      `mapstructure:"runner"`
	Sweep       Sweep       `mapstructure:"sweep"`
}

type Log struct {
	// Level is debug, info, warn, or error.
	Level string `mapstructure:"level"`
	// Format is text or json.
	Format string `mapstructure:"format"`
}

type API struct {
	Addr string `mapstructure:"addr"`
}

type Store struct {
	// Driver is memory or postgres.
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type Bus struct {
	// Driver is memory or redis.
	Driver        string `mapstructure:"driver"`
	RedisAddr     string `mapstructure:"redisAddr"`
	RedisPassword string `mapstructure:"redisPassword"`
	RedisDB       int    `mapstructure:"redisDb"`
}

type Coordinator struct {
	ID                 string        `mapstructure:"id"`
	MaxConcurrentRuns  int           `mapstructure:"maxConcurrentRuns"`
	InboxCapacity      int           `mapstructure:"inboxCapacity"`
	LeaseDuration      time.Duration `mapstructure:"leaseDuration"`
	RenewInterval      time.Duration `mapstructure:"renewInterval"`
	RecoveryInterval   time.Duration `mapstructure:"recoveryInterval"`
	DefaultStepTimeout time.Duration `mapstructure:"defaultStepTimeout"`
	DefaultRunTimeout  time.Duration `mapstructure:"defaultRunTimeout"`
}

type Scheduler struct {
	MaxRetries  int           `mapstructure:"maxRetries"`
	BackoffBase time.Duration `mapstructure:"backoffBase"`
	BackoffCap  time.Duration `mapstructure:"backoffCap"`
	Jitter      bool          `mapstructure:"jitter"`
}

type RateLimit struct {
	TenantRPS   float64 `mapstructure:"tenantRps"`
	TenantBurst int     `mapstructure:"tenantBurst"`
	ClassRPS    float64 `mapstructure:"classRps"`
	ClassBurst  int     `mapstructure:"classBurst"`
}

type Dispatch struct {
	Grace    time.Duration `mapstructure:"grace"`
	Prefetch int           `mapstructure:"prefetch"`
}

type Runner struct {
	ID            string `mapstructure:"id"`
	Prefetch      int    `mapstructure:"prefetch"`
	MaxConcurrent int    `mapstructure:"maxConcurrent"`
}

type Sweep struct {
	Schedule string        `mapstructure:"schedule"`
	TokenTTL time.Duration `mapstructure:"tokenTtl"`
}

// Load reads configuration. path may be empty, in which case only
// defaults, the default search paths, and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FLOWPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("flowplane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/flowplane")
		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("api.addr", ":8080")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("bus.driver", "memory")
	v.SetDefault("bus.redisAddr", "127.0.0.1:6379")

	v.SetDefault("coordinator.maxConcurrentRuns", 1000)
	v.SetDefault("coordinator.inboxCapacity", 64)
	v.SetDefault("coordinator.leaseDuration", 30*time.Second)
	v.SetDefault("coordinator.renewInterval", 10*time.Second)
	v.SetDefault("coordinator.recoveryInterval", 30*time.Second)
	v.SetDefault("coordinator.defaultStepTimeout", time.Minute)
	v.SetDefault("coordinator.defaultRunTimeout", time.Hour)

	v.SetDefault("scheduler.maxRetries", 3)
	v.SetDefault("scheduler.backoffBase", 100*time.Millisecond)
	v.SetDefault("scheduler.backoffCap", time.Minute)
	v.SetDefault("scheduler.jitter", true)

	v.SetDefault("ratelimit.tenantRps", 50.0)
	v.SetDefault("ratelimit.tenantBurst", 100)
	v.SetDefault("ratelimit.classRps", 25.0)
	v.SetDefault("ratelimit.classBurst", 50)

	v.SetDefault("dispatch.grace", 5*time.Second)
	v.SetDefault("dispatch.prefetch", 16)

	v.SetDefault("runner.prefetch", 8)
	v.SetDefault("runner.maxConcurrent", 16)

	v.SetDefault("sweep.schedule", "@every 1m")
	v.SetDefault("sweep.tokenTtl", 24*time.Hour)
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required with the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Bus.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown bus driver %q", c.Bus.Driver)
	}
	return nil
}

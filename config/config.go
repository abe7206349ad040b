// Package config loads editor-service settings from defaults, an optional
// JSON file and EDITOR_* environment variables, in that order.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreBolt     = "bolt"
	StorePostgres = "postgres"
)

type Config struct {
	Port string `json:"port"`
	Env  string `json:"env"`

	// StoreDriver selects where version records live: memory, bolt or
	// postgres. Collection items use postgres when DatabaseURL is set.
	StoreDriver string `json:"storeDriver"`
	BoltPath    string `json:"boltPath"`
	DatabaseURL string `json:"databaseUrl"`

	// RedisAddr enables the redis relay backend shared by every instance.
	RedisAddr   string `json:"redisAddr"`
	RedisPrefix string `json:"redisPrefix"`
	RedisCodec  string `json:"redisCodec"`

	MaxMessageSize int64    `json:"maxMessageSize"`
	WriteTimeout   Duration `json:"writeTimeout"`
	ReadTimeout    Duration `json:"readTimeout"`
	PingInterval   Duration `json:"pingInterval"`
	MaxClients     int      `json:"maxClients"`
}

// Duration is a time.Duration written as "10s" in JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Port:           "8080",
		Env:            "dev",
		StoreDriver:    StoreMemory,
		BoltPath:       "editor-history.db",
		RedisPrefix:    "layer-editor:",
		RedisCodec:     "json",
		MaxMessageSize: 512 * 1024,
		WriteTimeout:   Duration(10 * time.Second),
		ReadTimeout:    Duration(60 * time.Second),
		PingInterval:   Duration(54 * time.Second),
		MaxClients:     1000,
	}
}

// Load reads path when it is set, then applies the environment. A non-empty
// env overrides the environment name from both.
func Load(path string, env string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if env != "" {
		cfg.Env = env
	}
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	str("EDITOR_PORT", &c.Port)
	str("EDITOR_ENV", &c.Env)
	str("EDITOR_STORE_DRIVER", &c.StoreDriver)
	str("EDITOR_BOLT_PATH", &c.BoltPath)
	str("EDITOR_DATABASE_URL", &c.DatabaseURL)
	str("EDITOR_REDIS_ADDR", &c.RedisAddr)
	str("EDITOR_REDIS_PREFIX", &c.RedisPrefix)
	str("EDITOR_REDIS_CODEC", &c.RedisCodec)

	var errs []error
	dur := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = Duration(d)
		}
	}
	dur("EDITOR_WRITE_TIMEOUT", &c.WriteTimeout)
	dur("EDITOR_READ_TIMEOUT", &c.ReadTimeout)
	dur("EDITOR_PING_INTERVAL", &c.PingInterval)

	if v, ok := lookup("EDITOR_MAX_MESSAGE_SIZE"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("EDITOR_MAX_MESSAGE_SIZE: %w", err))
		} else {
			c.MaxMessageSize = n
		}
	}
	if v, ok := lookup("EDITOR_MAX_CLIENTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("EDITOR_MAX_CLIENTS: %w", err))
		} else {
			c.MaxClients = n
		}
	}
	return errors.Join(errs...)
}

// Validate checks driver names and the settings each driver needs.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory:
	case StoreBolt:
		if c.BoltPath == "" {
			return errors.New("config: bolt store needs boltPath")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: postgres store needs databaseUrl")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.StoreDriver)
	}
	switch c.RedisCodec {
	case "json", "cbor":
	default:
		return fmt.Errorf("config: unknown redis codec %q", c.RedisCodec)
	}
	if c.PingInterval >= c.ReadTimeout {
		return errors.New("config: pingInterval must be shorter than readTimeout")
	}
	return nil
}

// IsDev reports whether the service runs in the dev environment.
func (c *Config) IsDev() bool { return c.Env == "dev" }

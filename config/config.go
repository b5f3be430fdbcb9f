// Package config reads process configuration from the environment.
package config

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
)

// Config holds every setting of the eventcore process.
type Config struct {
	Debug bool `env:"DEBUG"`

	EventLogBackend string `env:"EVENT_LOG_BACKEND" envDefault:"sqlite"`
	EventsDBPath    string `env:"EVENTS_DB_PATH"    envDefault:"events.db"`
	EventsTable     string `env:"EVENTS_TABLE"      envDefault:"events"`

	ReadModelBackend string        `env:"READ_MODEL_BACKEND"   envDefault:"memory"`
	ReadModelDBPath  string        `env:"READ_MODEL_DB_PATH"   envDefault:"read_model.db"`
	UsersTable       string        `env:"USERS_TABLE"          envDefault:"users"`
	ItemsTable       string        `env:"ITEMS_TABLE"          envDefault:"items"`
	RolesTable       string        `env:"ROLES_TABLE"          envDefault:"roles"`
	CacheTTL         time.Duration `env:"READ_MODEL_CACHE_TTL" envDefault:"0s"`

	StorageConnectionString string `env:"STORAGE_CONNECTION_STRING"`

	BusTransport          string        `env:"BUS_TRANSPORT"           envDefault:"redis"`
	RedisConnectionString string        `env:"REDIS_CONNECTION_STRING" envDefault:"localhost:6379"`
	EventsChannel         string        `env:"EVENTS_CHANNEL"          envDefault:"events"`
	EventsQueue           string        `env:"EVENTS_QUEUE"            envDefault:"events"`
	BusPollInterval       time.Duration `env:"BUS_POLL_INTERVAL"       envDefault:"1s"`
	BusStopTimeout        time.Duration `env:"BUS_STOP_TIMEOUT"        envDefault:"1s"`
	DeduperTTL            time.Duration `env:"DEDUPER_TTL"             envDefault:"0s"`

	RolesFile      string `env:"ROLES_FILE"`
	RebuildOnStart bool   `env:"REBUILD_ON_START"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	return parse(env.Options{})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unknown backend names and settings a backend needs but
// does not have.
func (c Config) Validate() error {
	if err := oneOf("EVENT_LOG_BACKEND", c.EventLogBackend, "sqlite", "table"); err != nil {
		return err
	}
	if err := oneOf("READ_MODEL_BACKEND", c.ReadModelBackend, "memory", "sqlite", "table"); err != nil {
		return err
	}
	if err := oneOf("BUS_TRANSPORT", c.BusTransport, "redis", "queue", "memory"); err != nil {
		return err
	}
	if c.NeedsStorage() && c.StorageConnectionString == "" {
		return fmt.Errorf("STORAGE_CONNECTION_STRING is required for table or queue backends")
	}
	if c.CacheTTL < 0 || c.DeduperTTL < 0 {
		return fmt.Errorf("cache and deduper TTLs must not be negative")
	}
	return nil
}

// NeedsStorage reports whether any backend uses Azure Storage.
func (c Config) NeedsStorage() bool {
	return c.EventLogBackend == "table" || c.ReadModelBackend == "table" || c.BusTransport == "queue"
}

// NeedsRedis reports whether any component talks to Redis.
func (c Config) NeedsRedis() bool {
	return c.BusTransport == "redis" || c.CacheTTL > 0 || c.DeduperTTL > 0
}

// RedisOptions accepts a redis:// URL or the "host:port,password=...,ssl=true"
// form used by hosted Redis connection strings.
func (c Config) RedisOptions() (*redis.Options, error) {
	conn := strings.TrimSpace(c.RedisConnectionString)
	if conn == "" {
		return nil, fmt.Errorf("REDIS_CONNECTION_STRING is empty")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", name, strings.Join(allowed, ", "), value)
}

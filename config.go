package netplay

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Environment variables read by LoadConfig.
const (
	EnvAddress           = "NETPLAY_ADDRESS"
	EnvPort              = "NETPLAY_PORT"
	EnvHeartbeatInterval = "NETPLAY_HEARTBEAT_INTERVAL"
	EnvHeartbeatTimeout  = "NETPLAY_HEARTBEAT_TIMEOUT"
	EnvConnectTimeout    = "NETPLAY_CONNECT_TIMEOUT"
)

// Config is the environment-driven subset of the endpoint options.
type Config struct {
	Address           string
	Port              int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ConnectTimeout    time.Duration
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		Address:           DefaultAddress,
		Port:              DefaultPort,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatTimeout:  DefaultHeartbeatTimeout,
		ConnectTimeout:    DefaultConnectTimeout,
	}
}

// LoadConfig loads the given .env files (".env" when none are given) if
// they exist, then overrides the defaults with NETPLAY_* variables.
// Durations use time.ParseDuration syntax.
func LoadConfig(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !os.IsNotExist(err) {
		return Config{}, errors.Wrap(err, "load env file")
	}

	cfg := DefaultConfig()

	if v, ok := os.LookupEnv(EnvAddress); ok {
		cfg.Address = v
	}

	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, errors.Wrapf(err, "parse %s", EnvPort)
		}
		cfg.Port = port
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{EnvHeartbeatInterval, &cfg.HeartbeatInterval},
		{EnvHeartbeatTimeout, &cfg.HeartbeatTimeout},
		{EnvConnectTimeout, &cfg.ConnectTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, errors.Wrapf(err, "parse %s", d.key)
		}
		*d.dst = parsed
	}

	return cfg, nil
}

// Options converts the config into endpoint options.
func (c Config) Options() []Option {
	return []Option{
		AddressOption(c.Address),
		PortOption(c.Port),
		HeartbeatOption(c.HeartbeatInterval),
		HeartbeatTimeoutOption(c.HeartbeatTimeout),
		ConnectTimeoutOption(c.ConnectTimeout),
	}
}

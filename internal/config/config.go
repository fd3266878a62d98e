package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const DefaultPort = 1234

// Config is the relay process configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	RedisAddr       string
	MDNS            bool
	LogLevel        slog.Level
}

func Load() (*Config, error) {
	port, err := strconv.Atoi(getEnv("PORT", strconv.Itoa(DefaultPort)))
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	shutdownTimeout, err := time.ParseDuration(getEnv("SHUTDOWN_TIMEOUT", "5s"))
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	mdns, err := strconv.ParseBool(getEnv("MDNS", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid MDNS: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	cfg := &Config{
		Host:            getEnv("HOST", "0.0.0.0"),
		Port:            port,
		ShutdownTimeout: shutdownTimeout,
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		MDNS:            mdns,
		LogLevel:        level,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be greater than 0")
	}

	return nil
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ClientConfig is the terminal client configuration.
type ClientConfig struct {
	WSURL        string
	WSPort       string
	Origin       string
	StatePath    string
	FetchTimeout time.Duration
	LogLevel     slog.Level
}

func LoadClient() (*ClientConfig, error) {
	fetchTimeout, err := time.ParseDuration(getEnv("COLLAB_FETCH_TIMEOUT", "5s"))
	if err != nil {
		return nil, fmt.Errorf("invalid COLLAB_FETCH_TIMEOUT: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(getEnv("LOG_LEVEL", "warn"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	cfg := &ClientConfig{
		WSURL:        os.Getenv("COLLAB_WS_URL"),
		WSPort:       os.Getenv("COLLAB_WS_PORT"),
		Origin:       getEnv("COLLAB_ORIGIN", "http://localhost"),
		StatePath:    getEnv("COLLAB_STATE", "collab.db"),
		FetchTimeout: fetchTimeout,
		LogLevel:     level,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *ClientConfig) Validate() error {
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("COLLAB_FETCH_TIMEOUT must be greater than 0")
	}
	if c.WSPort != "" {
		if p, err := strconv.Atoi(c.WSPort); err != nil || p < 1 || p > 65535 {
			return fmt.Errorf("COLLAB_WS_PORT must be a port number, got %q", c.WSPort)
		}
	}
	return nil
}

func (c *ClientConfig) RelayURL() (string, error) {
	return RelayURL(c.Origin, c.WSURL, c.WSPort)
}

// RelayURL derives the relay base URL from the page origin. An explicit
// override wins. Loopback hosts talk to the relay port directly, other hosts
// go through the /ws path of the same origin.
func RelayURL(origin, override, portOverride string) (string, error) {
	if override != "" {
		return strings.TrimRight(override, "/"), nil
	}

	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("origin %q has no host", origin)
	}

	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}

	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" {
		port := portOverride
		if port == "" {
			port = strconv.Itoa(DefaultPort)
		}
		return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, port)), nil
	}

	port := u.Port()
	if port == "" || port == "80" || port == "443" {
		return fmt.Sprintf("%s://%s/ws", scheme, host), nil
	}
	return fmt.Sprintf("%s://%s/ws", scheme, net.JoinHostPort(host, port)), nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

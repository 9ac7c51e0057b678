package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tickwire/tickwire/internal/core/observability/log"
	"github.com/tickwire/tickwire/internal/core/world"
)

// Config holds the server process configuration, loadable from YAML.
type Config struct {
	// Listen is the game-transport address. For websocket this is the HTTP
	// listen address carrying the /ws endpoint; for quic it is the UDP
	// address.
	Listen string `yaml:"listen"`

	// Transport selects the wire transport: "websocket" or "quic".
	Transport string `yaml:"transport"`

	// TLSCert and TLSKey are required for quic and enable wss for
	// websocket.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`

	// TickRate is the simulation frequency in ticks per second.
	TickRate int `yaml:"tick_rate"`

	// MaxInputPayload bounds a single client input submission in bytes.
	MaxInputPayload int `yaml:"max_input_payload"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

func DefaultServerConfig() Config {
	return Config{
		Listen:          ":7350",
		Transport:       "websocket",
		TickRate:        20,
		MaxInputPayload: 1024,
		LogLevel:        "info",
	}
}

// LoadConfig reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func LoadConfig(path string) (Config, error) {
	config := DefaultServerConfig()
	if path == "" {
		return config, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &config); err != nil {
		return config, fmt.Errorf("parse config: %w", err)
	}
	return config, config.validate()
}

func (c Config) validate() error {
	switch c.Transport {
	case "websocket", "quic":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, c.Transport)
	}
	if c.Transport == "quic" && (c.TLSCert == "" || c.TLSKey == "") {
		return ErrTLSRequired
	}
	if c.TickRate <= 0 || c.TickRate > 240 {
		return fmt.Errorf("%w: tick_rate %d", ErrBadConfig, c.TickRate)
	}
	return nil
}

func (c Config) worldConfig() world.Config {
	wc := world.DefaultConfig()
	wc.TickInterval = time.Second / time.Duration(c.TickRate)
	wc.MaxInputPayload = c.MaxInputPayload
	return wc
}

// Level maps the configured log level string onto the logger's levels.
func (c Config) Level() log.Level {
	switch c.LogLevel {
	case "debug":
		return log.LevelDebug
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelInfo
	}
}

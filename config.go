package pinatatests

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvConfigFile = "PINATA_CONFIG"
	EnvSerialPort = "PINATA_SERIAL_PORT"
	EnvAddress    = "PINATA_ADDRESS"
	EnvBaudRate   = "PINATA_BAUD_RATE"
)

const (
	defaultBaudRate       = 115200
	defaultConnectTimeout = 5000
	defaultIOTimeout      = 2000
)

// Config selects how to reach a Pinata board. Exactly one of SerialPort and
// Address must be set; Address is a host:port served by pinata-sim.
type Config struct {
	SerialPort       string `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	Address          string `json:"address,omitempty" yaml:"address,omitempty"`
	BaudRate         int    `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`
	ConnectTimeoutMs int    `json:"connect_timeout_ms,omitempty" yaml:"connect_timeout_ms,omitempty"` // default: 5000
	IOTimeoutMs      int    `json:"io_timeout_ms,omitempty" yaml:"io_timeout_ms,omitempty"`           // default: 2000
}

func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.SerialPort == "" && cfg.Address == "" {
		return nil, nil, fmt.Errorf("%s: one of serial_port or address is required", path)
	}
	if cfg.SerialPort != "" && cfg.Address != "" {
		return nil, nil, fmt.Errorf("%s: serial_port and address are mutually exclusive", path)
	}
	if cfg.BaudRate < 0 {
		return nil, nil, fmt.Errorf("%s: baud_rate must not be negative", path)
	}
	if cfg.ConnectTimeoutMs < 0 || cfg.IOTimeoutMs < 0 {
		return nil, nil, fmt.Errorf("%s: timeouts must not be negative", path)
	}
	return nil, nil, nil
}

func (cfg *Config) baudRate() int {
	if cfg.BaudRate <= 0 {
		return defaultBaudRate
	}
	return cfg.BaudRate
}

// ConnectTimeout bounds opening the link plus the handshake.
func (cfg *Config) ConnectTimeout() time.Duration {
	if cfg.ConnectTimeoutMs <= 0 {
		return defaultConnectTimeout * time.Millisecond
	}
	return time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond
}

// IOTimeout bounds a single transaction when the caller's context has no
// deadline.
func (cfg *Config) IOTimeout() time.Duration {
	if cfg.IOTimeoutMs <= 0 {
		return defaultIOTimeout * time.Millisecond
	}
	return time.Duration(cfg.IOTimeoutMs) * time.Millisecond
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// For mocking in tests
var lookupEnv = os.LookupEnv

// ConfigFromEnv builds a config from the file named by PINATA_CONFIG, if any,
// then applies the PINATA_SERIAL_PORT, PINATA_ADDRESS and PINATA_BAUD_RATE
// overrides. The result is validated.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if path, ok := lookupEnv(EnvConfigFile); ok && path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return Config{}, err
		}
		cfg = loaded
	}

	// A transport chosen in the environment replaces the file's choice.
	if port, ok := lookupEnv(EnvSerialPort); ok && port != "" {
		cfg.SerialPort, cfg.Address = port, ""
	}
	if addr, ok := lookupEnv(EnvAddress); ok && addr != "" {
		cfg.Address, cfg.SerialPort = addr, ""
	}
	if baud, ok := lookupEnv(EnvBaudRate); ok && baud != "" {
		n, err := strconv.Atoi(baud)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvBaudRate, err)
		}
		cfg.BaudRate = n
	}

	if _, _, err := cfg.Validate("env"); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

package pinatatests

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	t.Run("accepts a serial port", func(t *testing.T) {
		cfg := &Config{SerialPort: "/dev/ttyACM0"}
		deps, optional, err := cfg.Validate("test")
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if len(deps) != 0 || len(optional) != 0 {
			t.Errorf("expected no dependencies, got %v %v", deps, optional)
		}
	})

	t.Run("accepts an address", func(t *testing.T) {
		cfg := &Config{Address: "localhost:7777"}
		if _, _, err := cfg.Validate("test"); err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
	})

	t.Run("errors when no transport is set", func(t *testing.T) {
		cfg := &Config{}
		if _, _, err := cfg.Validate("test"); err == nil {
			t.Error("expected error for missing transport")
		}
	})

	t.Run("errors when both transports are set", func(t *testing.T) {
		cfg := &Config{SerialPort: "/dev/ttyACM0", Address: "localhost:7777"}
		if _, _, err := cfg.Validate("test"); err == nil {
			t.Error("expected error for conflicting transports")
		}
	})

	t.Run("errors on negative values", func(t *testing.T) {
		for _, cfg := range []*Config{
			{Address: "a:1", BaudRate: -1},
			{Address: "a:1", ConnectTimeoutMs: -1},
			{Address: "a:1", IOTimeoutMs: -5},
		} {
			if _, _, err := cfg.Validate("test"); err == nil {
				t.Errorf("expected error for %+v", cfg)
			}
		}
	})
}

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{Address: "a:1"}
	if cfg.baudRate() != 115200 {
		t.Errorf("baudRate() = %d, want 115200", cfg.baudRate())
	}
	if cfg.ConnectTimeout() != 5*time.Second {
		t.Errorf("ConnectTimeout() = %v, want 5s", cfg.ConnectTimeout())
	}
	if cfg.IOTimeout() != 2*time.Second {
		t.Errorf("IOTimeout() = %v, want 2s", cfg.IOTimeout())
	}

	cfg = &Config{Address: "a:1", BaudRate: 9600, ConnectTimeoutMs: 100, IOTimeoutMs: 10}
	if cfg.baudRate() != 9600 {
		t.Errorf("baudRate() = %d, want 9600", cfg.baudRate())
	}
	if cfg.ConnectTimeout() != 100*time.Millisecond {
		t.Errorf("ConnectTimeout() = %v, want 100ms", cfg.ConnectTimeout())
	}
	if cfg.IOTimeout() != 10*time.Millisecond {
		t.Errorf("IOTimeout() = %v, want 10ms", cfg.IOTimeout())
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pinata.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, "serial_port: /dev/ttyUSB1\nbaud_rate: 57600\nio_timeout_ms: 750\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.SerialPort != "/dev/ttyUSB1" || cfg.BaudRate != 57600 || cfg.IOTimeoutMs != 750 {
		t.Errorf("unexpected config: %+v", cfg)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadConfig(writeConfig(t, "serial_port: [unterminated")); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func withEnv(t *testing.T, env map[string]string) {
	t.Helper()
	orig := lookupEnv
	lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	t.Cleanup(func() { lookupEnv = orig })
}

func TestConfigFromEnv(t *testing.T) {
	t.Run("reads the transport from the environment", func(t *testing.T) {
		withEnv(t, map[string]string{EnvAddress: "127.0.0.1:7777", EnvBaudRate: "9600"})
		cfg, err := ConfigFromEnv()
		if err != nil {
			t.Fatalf("ConfigFromEnv failed: %v", err)
		}
		if cfg.Address != "127.0.0.1:7777" || cfg.BaudRate != 9600 {
			t.Errorf("unexpected config: %+v", cfg)
		}
	})

	t.Run("environment overrides the file transport", func(t *testing.T) {
		path := writeConfig(t, "serial_port: /dev/ttyACM0\nconnect_timeout_ms: 1000\n")
		withEnv(t, map[string]string{EnvConfigFile: path, EnvAddress: "sim:7777"})
		cfg, err := ConfigFromEnv()
		if err != nil {
			t.Fatalf("ConfigFromEnv failed: %v", err)
		}
		if cfg.SerialPort != "" || cfg.Address != "sim:7777" {
			t.Errorf("expected address to replace serial port, got %+v", cfg)
		}
		if cfg.ConnectTimeoutMs != 1000 {
			t.Errorf("ConnectTimeoutMs = %d, want 1000 from file", cfg.ConnectTimeoutMs)
		}
	})

	t.Run("errors when nothing is configured", func(t *testing.T) {
		withEnv(t, map[string]string{})
		if _, err := ConfigFromEnv(); err == nil {
			t.Error("expected error with empty environment")
		}
	})

	t.Run("errors on a bad baud rate", func(t *testing.T) {
		withEnv(t, map[string]string{EnvSerialPort: "/dev/ttyACM0", EnvBaudRate: "fast"})
		if _, err := ConfigFromEnv(); err == nil {
			t.Error("expected error for non-numeric baud rate")
		}
	})
}
